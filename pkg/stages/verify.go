// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stages

import (
	"context"

	"github.com/powerfuzz/powerfuzz/pkg/log"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

// VerifyTimeouts re-runs inputs that timed out with twice the current timeout.
// Only inputs that time out again can become solutions: while the pass runs
// the state is marked as verifying and the objective accepts timeouts only then.
// The timeout the executor had before the pass is restored afterwards.
type VerifyTimeouts struct{}

func NewVerifyTimeouts() *VerifyTimeouts {
	return &VerifyTimeouts{}
}

func (s *VerifyTimeouts) Name() string { return "verify_timeouts" }

func (s *VerifyTimeouts) Perform(ctx context.Context, f Fuzzer, st *state.State) error {
	q := meta.GetOrInsert[meta.TimeoutsToVerify](st.Meta)
	if q.Len() == 0 {
		return nil
	}
	inputs := q.Inputs
	q.Reset()
	orig := f.Timeout()
	log.Logf(1, "verifying %v timeouts with %v timeout", len(inputs), 2*orig)

	f.SetTimeout(2 * orig)
	st.SetVerifying(true)
	defer func() {
		f.SetTimeout(orig)
		st.SetVerifying(false)
	}()
	for _, input := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := f.Evaluate(st, input); err != nil {
			return err
		}
	}
	return nil
}

func (s *VerifyTimeouts) ShouldRestart(*state.State) bool { return true }

func (s *VerifyTimeouts) ClearProgress(*state.State) {}
