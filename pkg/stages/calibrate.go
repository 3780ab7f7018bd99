// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stages

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/log"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/stat"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

const (
	calibrationRuns         = 4
	calibrationRunsUnstable = 8
)

var statUnstable = stat.New("unstable entries", "Queue entries with unstable coverage",
	stat.Prometheus("pf_unstable_entries"))

// Calibration runs a not yet calibrated entry several times to measure
// its average exec time and bitmap size and feeds them into the power schedule statistics.
type Calibration struct{}

func NewCalibration() *Calibration {
	return &Calibration{}
}

func (s *Calibration) Name() string { return "calibration" }

func (s *Calibration) Perform(ctx context.Context, f Fuzzer, st *state.State) error {
	tc := st.Current()
	if tc == nil {
		return fmt.Errorf("no current queue entry")
	}
	tcm := meta.GetOrInsert[meta.SchedulerTestcase](tc.Meta)
	if tcm.Calibrated() {
		return nil
	}
	var (
		total    time.Duration
		first    []byte
		unstable bool
		failures int
		runs     = calibrationRuns
	)
	for i := 0; i < runs; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		kind, err := f.Execute(st, tc.Input)
		if err != nil {
			return err
		}
		if kind != ipc.Normal {
			failures++
		}
		total += f.Time().Last()
		cov := f.Coverage().Bytes()
		if first == nil {
			first = bytes.Clone(cov)
		} else if !unstable && !bytes.Equal(first, cov) {
			unstable = true
			runs = calibrationRunsUnstable
		}
	}
	bitmapSize := uint64(f.Coverage().CountNonZero())
	tcm.CycleTime = total
	tcm.Cycles = uint64(runs)
	tcm.BitmapSize = bitmapSize
	tcm.Unstable = unstable
	if unstable {
		statUnstable.Add(1)
	}
	sm := meta.GetOrInsert[meta.Scheduler](st.Meta)
	tcm.Handicap = sm.QueueCycles
	if failures == runs {
		log.Logf(0, "calibration of %q failed on all %v runs", tc.Filename, runs)
		tc.ExecTime = f.Timeout()
		return nil
	}
	avg := total / time.Duration(runs)
	tc.ExecTime = avg
	sm.ExecTime += avg
	sm.Cycles++
	sm.BitmapSize += bitmapSize
	if bitmapSize != 0 {
		sm.BitmapSizeLog += math.Log2(float64(bitmapSize))
	}
	sm.BitmapEntries++
	return nil
}

func (s *Calibration) ShouldRestart(*state.State) bool { return true }

func (s *Calibration) ClearProgress(*state.State) {}
