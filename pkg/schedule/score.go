// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package schedule

import (
	"fmt"
	"math"

	"github.com/powerfuzz/powerfuzz/pkg/corpus"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

const (
	maxFactor   = 32.0
	powerBeta   = 1.0
	havocMaxMul = 64.0
	maxScore    = havocMaxMul * 100
)

func entry(st *state.State, id corpus.ID) (*corpus.Testcase, *meta.SchedulerTestcase, error) {
	tc := st.Corpus.Get(id)
	if tc == nil {
		return nil, nil, fmt.Errorf("no queue entry %v", id)
	}
	tcm, ok := meta.Get[meta.SchedulerTestcase](tc.Meta)
	if !ok {
		tcm = new(meta.SchedulerTestcase)
	}
	return tc, tcm, nil
}

// Score returns the power score of the entry: the number of mutations
// the power stage performs on it. The result is in [0, 6400] and is 0
// only under the coe schedule. Score does not modify the state.
func Score(st *state.State, id corpus.ID) (float64, error) {
	tc, tcm, err := entry(st, id)
	if err != nil {
		return 0, err
	}
	sm := meta.GetOrInsert[meta.Scheduler](st.Meta)
	favored := meta.Has[meta.Favored](tc.Meta)
	score := 100.0

	if sm.Cycles != 0 {
		q := float64(tc.ExecTime)
		avg := float64(sm.ExecTime) / float64(sm.Cycles)
		switch {
		case q*0.1 > avg:
			score = 10
		case q*0.25 > avg:
			score = 25
		case q*0.5 > avg:
			score = 50
		case q*0.75 > avg:
			score = 75
		case q*4 < avg:
			score = 300
		case q*3 < avg:
			score = 200
		case q*2 < avg:
			score = 150
		}
	}

	if sm.BitmapEntries != 0 {
		q := float64(tcm.BitmapSize)
		avg := float64(sm.BitmapSize) / float64(sm.BitmapEntries)
		switch {
		case q*0.3 > avg:
			score *= 3
		case q*0.5 > avg:
			score *= 2
		case q*0.75 > avg:
			score *= 1.5
		case q*3 < avg:
			score *= 0.25
		case q*2 < avg:
			score *= 0.5
		case q*1.5 < avg:
			score *= 0.75
		}
	}

	switch {
	case tcm.Handicap >= 4:
		score *= 4
	case tcm.Handicap > 0:
		score *= 2
	}

	switch d := tcm.Depth; {
	case d >= 25:
		score *= 5
	case d >= 14:
		score *= 4
	case d >= 8:
		score *= 3
	case d >= 4:
		score *= 2
	}

	factor := 1.0
	hits := float64(sm.Frequency(tcm.NFuzzEntry))
	switch sm.Strategy {
	case meta.StrategyExploit:
		factor = maxFactor
	case meta.StrategyCoe:
		if math.Log2(hits) > meanPathFrequencyLog(st, sm) && !favored {
			factor = 0
		}
	case meta.StrategyFast:
		if tc.ScheduledCount != 0 {
			switch lg := math.Log2(hits); {
			case lg < 2:
				factor = 4
			case lg < 4:
				factor = 3
			case lg < 5:
				factor = 2
			case lg < 6:
				factor = 1
			case lg < 7:
				if !favored {
					factor = 0.8
				}
			case lg < 8:
				if !favored {
					factor = 0.6
				}
			default:
				if !favored {
					factor = 0.4
				}
			}
			if favored {
				factor *= 1.15
			}
		}
	case meta.StrategyLin:
		factor = float64(tc.ScheduledCount) / (hits + 1)
	case meta.StrategyQuad:
		sched := float64(tc.ScheduledCount)
		factor = sched * sched / (hits + 1)
	}
	if sm.Strategy != meta.StrategyExplore {
		score *= math.Min(factor, maxFactor) / powerBeta
	}

	if sm.Strategy != meta.StrategyCoe && score < 1 {
		score = 1
	}
	return math.Min(score, maxScore), nil
}

// meanPathFrequencyLog is the mean of log2 path frequencies over all queue entries.
func meanPathFrequencyLog(st *state.State, sm *meta.Scheduler) float64 {
	ids := st.Corpus.IDs()
	if len(ids) == 0 {
		return 0
	}
	sum := 0.0
	for _, id := range ids {
		if tcm, ok := meta.Get[meta.SchedulerTestcase](st.Corpus.Get(id).Meta); ok {
			if f := sm.Frequency(tcm.NFuzzEntry); f > 0 {
				sum += math.Log2(float64(f))
			}
		}
	}
	return sum / float64(len(ids))
}

// ConsumeHandicap decays the handicap after the entry was fuzzed.
func ConsumeHandicap(st *state.State, id corpus.ID) error {
	tc := st.Corpus.Get(id)
	if tc == nil {
		return fmt.Errorf("no queue entry %v", id)
	}
	tcm, ok := meta.Get[meta.SchedulerTestcase](tc.Meta)
	if !ok {
		return nil
	}
	switch {
	case tcm.Handicap >= 4:
		tcm.Handicap -= 4
	case tcm.Handicap > 0:
		tcm.Handicap--
	}
	return nil
}

// Weight returns the relative probability of selecting the entry.
func Weight(st *state.State, id corpus.ID) (float64, error) {
	tc, tcm, err := entry(st, id)
	if err != nil {
		return 0, err
	}
	return weight(st, tc, tcm, coverCounts(st)), nil
}

// coverCounts returns the number of queue entries covering every map index.
func coverCounts(st *state.State) map[int]int {
	counts := make(map[int]int)
	for _, id := range st.Corpus.IDs() {
		if idx, ok := meta.Get[meta.MapIndexes](st.Corpus.Get(id).Meta); ok {
			for _, i := range idx.Indexes {
				counts[i]++
			}
		}
	}
	return counts
}

func weight(st *state.State, tc *corpus.Testcase, tcm *meta.SchedulerTestcase, counts map[int]int) float64 {
	sm := meta.GetOrInsert[meta.Scheduler](st.Meta)
	w := 1.0
	if tcm.Calibrated() && sm.Cycles != 0 && sm.BitmapEntries != 0 && tc.ExecTime > 0 {
		switch sm.Strategy {
		case meta.StrategyFast, meta.StrategyCoe, meta.StrategyLin, meta.StrategyQuad:
			if hits := sm.Frequency(tcm.NFuzzEntry); hits > 0 {
				w /= math.Log10(float64(hits)) + 1
			}
		}
		avgExec := float64(sm.ExecTime) / float64(sm.Cycles)
		w *= avgExec / float64(tc.ExecTime)
		avgBitmap := sm.BitmapSizeLog / float64(sm.BitmapEntries)
		if avgBitmap > 0 {
			w *= math.Max(math.Log2(float64(tcm.BitmapSize)), 1) / avgBitmap
		}
		if top, ok := meta.Get[meta.TopRated](st.Meta); ok && len(top.Map) != 0 {
			if idx, ok := meta.Get[meta.MapIndexes](tc.Meta); ok {
				w *= 1 + float64(idx.Refcnt)/float64(len(top.Map))
			}
		}
	}
	if meta.Has[meta.Favored](tc.Meta) {
		w *= 5
	}
	if tc.ScheduledCount == 0 {
		w *= 2
	}
	if idx, ok := meta.Get[meta.MapIndexes](tc.Meta); ok && len(idx.Indexes) != 0 {
		rarity := math.MaxInt
		for _, i := range idx.Indexes {
			rarity = min(rarity, max(counts[i], 1))
		}
		w /= math.Log2(float64(rarity)) + 1
	}
	w *= 1 + float64(min(tcm.Handicap, 4))/8
	return w
}
