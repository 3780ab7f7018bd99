// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stages implements the steps performed on every scheduled queue entry.
package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/powerfuzz/powerfuzz/pkg/feedback"
	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/observer"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

// Fuzzer is what stages need from the fuzzing loop.
type Fuzzer interface {
	// Evaluate executes the input and admits it into the queue or solutions if it is interesting.
	Evaluate(st *state.State, input []byte) (feedback.Verdict, error)
	// Execute only runs the input.
	Execute(st *state.State, input []byte) (ipc.ExitKind, error)
	Coverage() *observer.Map
	Time() *observer.Time
	Timeout() time.Duration
	SetTimeout(timeout time.Duration)
}

type Stage interface {
	Name() string
	Perform(ctx context.Context, f Fuzzer, st *state.State) error
	// ShouldRestart is consulted when a restored state says the stage was interrupted.
	// If it returns false, the stage is skipped for the interrupted entry.
	ShouldRestart(st *state.State) bool
	// ClearProgress drops the stage progress after the stage completed or was skipped.
	ClearProgress(st *state.State)
}

// executionsSinceStart returns how many executions the interrupted stage already did.
// A fresh stage starts counting now.
func executionsSinceStart(st *state.State) uint64 {
	p := meta.GetOrInsert[meta.StageProgress](st.Meta)
	if !p.Started {
		p.Started = true
		p.StartExecutions = st.Executions
		return 0
	}
	if st.Executions < p.StartExecutions {
		return 0
	}
	return st.Executions - p.StartExecutions
}

func clearStarted(st *state.State) {
	if p, ok := meta.Get[meta.StageProgress](st.Meta); ok {
		p.Started = false
		p.StartExecutions = 0
	}
}

type ifStage struct {
	name   string
	pred   func(st *state.State) bool
	stages []Stage
}

// If runs stages only if pred holds for the current entry.
func If(name string, pred func(st *state.State) bool, stages ...Stage) Stage {
	return &ifStage{name, pred, stages}
}

func (s *ifStage) Name() string { return s.name }

func (s *ifStage) Perform(ctx context.Context, f Fuzzer, st *state.State) error {
	if !s.pred(st) {
		return nil
	}
	for _, stage := range s.stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := stage.Perform(ctx, f, st); err != nil {
			return fmt.Errorf("%v: %w", stage.Name(), err)
		}
		stage.ClearProgress(st)
	}
	return nil
}

func (s *ifStage) ShouldRestart(*state.State) bool { return true }

func (s *ifStage) ClearProgress(st *state.State) {
	for _, stage := range s.stages {
		stage.ClearProgress(st)
	}
}

// CmpLogPredicate selects entries for comparison tracing: the second time
// an entry is scheduled, and with onlyNew not for initial corpus entries.
func CmpLogPredicate(onlyNew bool) func(st *state.State) bool {
	return func(st *state.State) bool {
		tc := st.Current()
		if tc == nil {
			return false
		}
		if onlyNew && meta.Has[meta.InitialCorpusEntry](tc.Meta) {
			return false
		}
		return tc.ScheduledCount == 1
	}
}
