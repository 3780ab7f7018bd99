// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/osutil"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

// Stats periodically writes campaign statistics to <dir>/fuzzer_stats
// in the "key : value" format understood by AFL tooling.
type Stats struct {
	dir       string
	interval  time.Duration
	lastWrite time.Time
	now       func() time.Time
}

func NewStats(dir string, interval time.Duration) *Stats {
	return &Stats{
		dir:      dir,
		interval: interval,
		now:      time.Now,
	}
}

func (s *Stats) Name() string { return "stats" }

func (s *Stats) Perform(ctx context.Context, f Fuzzer, st *state.State) error {
	now := s.now()
	if !s.lastWrite.IsZero() && now.Sub(s.lastWrite) < s.interval {
		return nil
	}
	s.lastWrite = now
	return osutil.WriteFileAtomically(filepath.Join(s.dir, "fuzzer_stats"), []byte(FormatStats(st, now)))
}

func (s *Stats) ShouldRestart(*state.State) bool { return true }

func (s *Stats) ClearProgress(*state.State) {}

// FormatStats renders the statistics file contents.
func FormatStats(st *state.State, now time.Time) string {
	elapsed := st.Elapsed()
	execsPerSec := 0.0
	if elapsed > 0 {
		execsPerSec = float64(st.Executions) / elapsed.Seconds()
	}
	favored, pending := 0, 0
	for _, id := range st.Corpus.IDs() {
		tc := st.Corpus.Get(id)
		if meta.Has[meta.Favored](tc.Meta) {
			favored++
		}
		if tc.ScheduledCount == 0 {
			pending++
		}
	}
	sm := meta.GetOrInsert[meta.Scheduler](st.Meta)
	cur := "-"
	if id, ok := st.CurrentID(); ok {
		cur = id.String()
	}
	fields := []struct {
		key string
		val any
	}{
		{"start_time", now.Add(-elapsed).Unix()},
		{"last_update", now.Unix()},
		{"run_time", int64(elapsed.Seconds())},
		{"cycles_done", sm.QueueCycles},
		{"execs_done", st.Executions},
		{"execs_per_sec", fmt.Sprintf("%.2f", execsPerSec)},
		{"corpus_count", st.Corpus.Count()},
		{"corpus_favored", favored},
		{"pending_total", pending},
		{"saved_solutions", st.Solutions.Count()},
		{"timeouts_pending", meta.GetOrInsert[meta.TimeoutsToVerify](st.Meta).Len()},
		{"power_schedule", sm.Strategy},
		{"cur_item", cur},
	}
	buf := new(strings.Builder)
	for _, f := range fields {
		fmt.Fprintf(buf, "%-18v: %v\n", f.key, f.val)
	}
	return buf.String()
}
