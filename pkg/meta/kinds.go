// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package meta

import (
	"fmt"
	"time"
)

func init() {
	register(func() Kind { return new(TimeoutsToVerify) })
	register(func() Kind { return new(Scheduler) })
	register(func() Kind { return new(TopRated) })
	register(func() Kind { return new(StageProgress) })
	register(func() Kind { return new(MapHistory) })
	register(func() Kind { return new(InitialCorpusEntry) })
	register(func() Kind { return new(SchedulerTestcase) })
	register(func() Kind { return new(MapIndexes) })
	register(func() Kind { return new(Favored) })
	register(func() Kind { return new(CmpValues) })
	register(func() Kind { return new(Taint) })
}

// State metadata.

// TimeoutsToVerify is the FIFO of inputs that timed out since the last verification pass.
type TimeoutsToVerify struct {
	Inputs [][]byte `json:"inputs"`
}

func (*TimeoutsToVerify) tag() string { return "timeouts-to-verify" }

func (q *TimeoutsToVerify) Push(input []byte) {
	q.Inputs = append(q.Inputs, input)
}

func (q *TimeoutsToVerify) Len() int {
	return len(q.Inputs)
}

// Reset drops all queued inputs.
func (q *TimeoutsToVerify) Reset() {
	q.Inputs = nil
}

// Strategy is the power schedule used to compute scores and weights.
type Strategy int

const (
	StrategyExplore Strategy = iota
	StrategyExploit
	StrategyFast
	StrategyCoe
	StrategyLin
	StrategyQuad
)

var strategyNames = [...]string{
	StrategyExplore: "explore",
	StrategyExploit: "exploit",
	StrategyFast:    "fast",
	StrategyCoe:     "coe",
	StrategyLin:     "lin",
	StrategyQuad:    "quad",
}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("strategy(%d)", int(s))
	}
	return strategyNames[s]
}

func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return Strategy(s), nil
		}
	}
	return 0, fmt.Errorf("unknown power schedule %q", name)
}

// Scheduler holds global power schedule statistics.
type Scheduler struct {
	Strategy Strategy `json:"strategy"`
	// Sum of average exec times of all calibrated entries.
	ExecTime time.Duration `json:"exec_time"`
	// Number of calibrated entries.
	Cycles        uint64  `json:"cycles"`
	BitmapSize    uint64  `json:"bitmap_size"`
	BitmapSizeLog float64 `json:"bitmap_size_log"`
	BitmapEntries uint64  `json:"bitmap_entries"`
	QueueCycles   uint64  `json:"queue_cycles"`
	RunsInCycle   uint64  `json:"runs_in_cycle"`
	// NFuzz counts how often every path hash was executed.
	// Only non-zero buckets are stored.
	NFuzz map[uint32]uint32 `json:"n_fuzz"`
}

// NFuzzSize is the number of path frequency buckets.
const NFuzzSize = 1 << 21

func (*Scheduler) tag() string { return "scheduler" }

func (s *Scheduler) init() {
	s.NFuzz = make(map[uint32]uint32)
}

// Hit increments the frequency of the path bucket and returns the bucket.
func (s *Scheduler) Hit(hash uint64) uint32 {
	if s.NFuzz == nil {
		s.init()
	}
	bucket := uint32(hash % NFuzzSize)
	if v := s.NFuzz[bucket]; v != ^uint32(0) {
		s.NFuzz[bucket] = v + 1
	}
	return bucket
}

func (s *Scheduler) Frequency(bucket uint32) uint32 {
	return s.NFuzz[bucket]
}

// TopRated maps every covered map index to the best corpus entry covering it.
type TopRated struct {
	Map map[int]uint64 `json:"map"`
}

func (*TopRated) tag() string { return "top-rated" }

func (t *TopRated) init() {
	t.Map = make(map[int]uint64)
}

// StageProgress records where fuzzing of an entry stopped, so that it can be resumed.
type StageProgress struct {
	Entry uint64 `json:"entry"`
	Stage int    `json:"stage"`
	// StartExecutions is the executions counter when the current stage started, if Started.
	Started         bool   `json:"started"`
	StartExecutions uint64 `json:"start_executions"`
}

func (*StageProgress) tag() string { return "stage-progress" }

// MapHistory holds the cumulative maximum map of every named map feedback.
type MapHistory struct {
	Maps map[string][]byte `json:"maps"`
}

func (*MapHistory) tag() string { return "map-history" }

func (h *MapHistory) init() {
	h.Maps = make(map[string][]byte)
}

// Testcase metadata.

// InitialCorpusEntry marks entries loaded from the seed directories.
type InitialCorpusEntry struct{}

func (*InitialCorpusEntry) tag() string { return "initial-corpus-entry" }

// SchedulerTestcase holds per-entry power schedule statistics.
type SchedulerTestcase struct {
	BitmapSize uint64 `json:"bitmap_size"`
	Handicap   uint64 `json:"handicap"`
	Depth      uint64 `json:"depth"`
	NFuzzEntry uint32 `json:"n_fuzz_entry"`
	// Calibration totals.
	CycleTime time.Duration `json:"cycle_time"`
	Cycles    uint64        `json:"cycles"`
	Unstable  bool          `json:"unstable,omitempty"`
}

func (*SchedulerTestcase) tag() string { return "scheduler-testcase" }

// Calibrated reports whether the calibration stage already ran for the entry.
func (s *SchedulerTestcase) Calibrated() bool {
	return s.Cycles != 0
}

// MapIndexes lists map indexes covered by the entry.
// Refcnt counts indexes for which the entry is top rated.
type MapIndexes struct {
	Indexes []int `json:"indexes"`
	Refcnt  int   `json:"refcnt"`
}

func (*MapIndexes) tag() string { return "map-indexes" }

// Favored marks entries in the minimized covering subset of the corpus.
type Favored struct{}

func (*Favored) tag() string { return "favored" }

// CmpOperands is one logged comparison.
type CmpOperands struct {
	// Size is operand size in bytes (1, 2, 4 or 8).
	Size int    `json:"size"`
	V0   uint64 `json:"v0"`
	V1   uint64 `json:"v1"`
}

// CmpValues holds comparison operands collected by the tracing executor.
type CmpValues struct {
	List []CmpOperands `json:"list"`
}

func (*CmpValues) tag() string { return "cmp-values" }

// Range is a half-open byte range [Start, End) of an input.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) Len() int { return r.End - r.Start }

// Taint holds the result of colorization: a randomized copy of the entry input
// that takes the same execution path, and the byte ranges that were randomized in it.
type Taint struct {
	Input  []byte  `json:"input"`
	Ranges []Range `json:"ranges"`
}

func (*Taint) tag() string { return "taint" }

// Contains reports whether the byte at pos was randomized.
func (t *Taint) Contains(pos int) bool {
	for _, r := range t.Ranges {
		if pos >= r.Start && pos < r.End {
			return true
		}
	}
	return false
}
