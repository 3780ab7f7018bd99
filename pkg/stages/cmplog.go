// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stages

import (
	"context"
	"fmt"

	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/mutate"
	"github.com/powerfuzz/powerfuzz/pkg/observer"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

// Tracer runs inputs with comparison logging.
type Tracer interface {
	Run(input []byte) (ipc.ExitKind, error)
	CmpLog() *observer.CmpLog
}

// Tracing runs the current entry through the tracer and attaches the logged comparisons.
type Tracing struct {
	tracer Tracer
}

func NewTracing(tracer Tracer) *Tracing {
	return &Tracing{tracer: tracer}
}

func (s *Tracing) Name() string { return "tracing" }

func (s *Tracing) Perform(ctx context.Context, f Fuzzer, st *state.State) error {
	tc := st.Current()
	if tc == nil {
		return fmt.Errorf("no current queue entry")
	}
	if _, err := s.tracer.Run(tc.Input); err != nil {
		return err
	}
	st.Executions++
	values := s.tracer.CmpLog().Values()
	if taint, ok := meta.Get[meta.Taint](tc.Meta); ok && len(taint.Ranges) != 0 {
		if _, err := s.tracer.Run(taint.Input); err != nil {
			return err
		}
		st.Executions++
		values = inputDerived(values, s.tracer.CmpLog().Values())
	}
	meta.Put(tc.Meta, values)
	return nil
}

// inputDerived keeps comparisons whose operands changed in the colorized run.
// The colorized input takes the same path, so both logs list the same comparisons
// unless the number of hits differs.
func inputDerived(orig, colorized *meta.CmpValues) *meta.CmpValues {
	if len(orig.List) != len(colorized.List) {
		return orig
	}
	res := &meta.CmpValues{}
	for i, op := range orig.List {
		if op != colorized.List[i] {
			res.List = append(res.List, op)
		}
	}
	return res
}

// ShouldRestart is false: if tracing was interrupted, the entry likely kills the tracer.
func (s *Tracing) ShouldRestart(*state.State) bool { return false }

func (s *Tracing) ClearProgress(*state.State) {}

// I2S evaluates input-to-state replacement mutants built from the logged comparisons.
// If colorization found tainted ranges, only replacements starting in them are tried.
type I2S struct {
	maxMutants int
}

// DefaultMaxI2SMutants bounds the number of mutants evaluated per entry.
const DefaultMaxI2SMutants = 4096

func NewI2S(maxMutants int) *I2S {
	if maxMutants <= 0 {
		maxMutants = DefaultMaxI2SMutants
	}
	return &I2S{maxMutants: maxMutants}
}

func (s *I2S) Name() string { return "i2s" }

func (s *I2S) Perform(ctx context.Context, f Fuzzer, st *state.State) error {
	tc := st.Current()
	if tc == nil {
		return fmt.Errorf("no current queue entry")
	}
	values, ok := meta.Get[meta.CmpValues](tc.Meta)
	if !ok {
		return nil
	}
	taint, _ := meta.Get[meta.Taint](tc.Meta)
	var err error
	n := 0
	mutate.MutateWithHints(tc.Input, mutate.CompMapFromValues(values), func(mutant []byte) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		if taint != nil && len(taint.Ranges) != 0 && !taint.Contains(firstDiff(tc.Input, mutant)) {
			return true
		}
		_, err = f.Evaluate(st, mutant)
		n++
		return err == nil && n < s.maxMutants
	})
	return err
}

func firstDiff(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return len(a)
}

func (s *I2S) ShouldRestart(*state.State) bool { return true }

func (s *I2S) ClearProgress(*state.State) {}
