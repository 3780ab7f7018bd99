// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stages

import (
	"bytes"
	"context"
	"fmt"

	"github.com/powerfuzz/powerfuzz/pkg/mutate"
	"github.com/powerfuzz/powerfuzz/pkg/schedule"
	"github.com/powerfuzz/powerfuzz/pkg/stat"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

var statPowerIters = stat.New("power iterations", "Mutations per scheduled entry",
	stat.Distribution{}, stat.Prometheus("pf_power_iterations"))

// Power mutates the current entry floor(Score) times and evaluates every mutant.
// If the campaign is restored in the middle of the stage, only the remaining
// iterations are performed.
type Power struct {
	mutator mutate.Mutator
}

func NewPower(mutator mutate.Mutator) *Power {
	return &Power{mutator: mutator}
}

func (s *Power) Name() string { return "power" }

// Iterations returns the number of mutations the stage performs on the entry.
func (s *Power) Iterations(st *state.State) (uint64, error) {
	id, ok := st.CurrentID()
	if !ok {
		return 0, fmt.Errorf("no current queue entry")
	}
	score, err := schedule.Score(st, id)
	if err != nil {
		return 0, err
	}
	return uint64(score), nil
}

func (s *Power) Perform(ctx context.Context, f Fuzzer, st *state.State) error {
	iters, err := s.Iterations(st)
	if err != nil {
		return err
	}
	id, _ := st.CurrentID()
	tc := st.Current()
	done := executionsSinceStart(st)
	if done < iters {
		statPowerIters.Add(int(iters))
	}
	for i := done; i < iters; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		input, ok := s.mutator.Mutate(st.Rand, bytes.Clone(tc.Input))
		if !ok {
			// Keep the executions count in sync with iterations for the restart accounting.
			input = bytes.Clone(tc.Input)
		}
		if _, err := f.Evaluate(st, input); err != nil {
			return err
		}
	}
	return schedule.ConsumeHandicap(st, id)
}

func (s *Power) ShouldRestart(*state.State) bool { return true }

func (s *Power) ClearProgress(st *state.State) {
	clearStarted(st)
}
