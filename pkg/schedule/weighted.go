// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package schedule

import (
	"sort"

	"github.com/powerfuzz/powerfuzz/pkg/corpus"
	"github.com/powerfuzz/powerfuzz/pkg/log"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/observer"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

// Weighted selects entries with probability proportional to Weight.
// Weights are cached in a cumulative table that is rebuilt
// after adds and at queue cycle boundaries.
type Weighted struct {
	paths   pathTracker
	cycling bool
	ids     []corpus.ID
	acc     []float64
	dirty   bool
}

// NewWeighted creates the scheduler. If the state has no scheduler
// metadata yet, it is created with the given strategy; a restored strategy is kept.
// With cycling the strategy is rotated at the end of every queue cycle.
func NewWeighted(st *state.State, obs *observer.Map, strategy meta.Strategy, cycling bool) *Weighted {
	if !meta.Has[meta.Scheduler](st.Meta) {
		meta.GetOrInsert[meta.Scheduler](st.Meta).Strategy = strategy
	}
	return &Weighted{
		paths:   pathTracker{obs},
		cycling: cycling,
		dirty:   true,
	}
}

func (w *Weighted) OnAdd(st *state.State, id corpus.ID) error {
	w.dirty = true
	return w.paths.onAdd(st, id)
}

func (w *Weighted) OnEvaluation(st *state.State) error {
	w.paths.onEvaluation(st)
	return nil
}

func (w *Weighted) OnRemove(*state.State, corpus.ID) error {
	w.dirty = true
	return nil
}

func (w *Weighted) rebuild(st *state.State) {
	w.ids = st.Corpus.IDs()
	w.acc = w.acc[:0]
	counts := coverCounts(st)
	sum := 0.0
	for _, id := range w.ids {
		tc := st.Corpus.Get(id)
		tcm, ok := meta.Get[meta.SchedulerTestcase](tc.Meta)
		if !ok {
			tcm = new(meta.SchedulerTestcase)
		}
		sum += weight(st, tc, tcm, counts)
		w.acc = append(w.acc, sum)
	}
	w.dirty = false
}

func (w *Weighted) Next(st *state.State) (corpus.ID, error) {
	if st.Corpus.Count() == 0 {
		return 0, ErrEmpty
	}
	if w.dirty {
		w.rebuild(st)
	}
	var id corpus.ID
	total := w.acc[len(w.acc)-1]
	if total > 0 {
		v := st.Rand.Float64() * total
		idx := sort.Search(len(w.acc), func(i int) bool { return w.acc[i] > v })
		id = w.ids[min(idx, len(w.ids)-1)]
	} else {
		id = w.ids[st.Rand.Intn(len(w.ids))]
	}

	sm := meta.GetOrInsert[meta.Scheduler](st.Meta)
	if sm.RunsInCycle >= uint64(st.Corpus.Count()) {
		sm.RunsInCycle = 0
		sm.QueueCycles++
		if w.cycling {
			sm.Strategy = nextStrategy(sm.Strategy)
			log.Logf(1, "queue cycle %v: switching power schedule to %v", sm.QueueCycles, sm.Strategy)
		}
		w.dirty = true
	} else {
		sm.RunsInCycle++
	}
	setCurrentScheduled(st, id)
	return id, nil
}

func nextStrategy(s meta.Strategy) meta.Strategy {
	switch s {
	case meta.StrategyExplore:
		return meta.StrategyExploit
	case meta.StrategyExploit:
		return meta.StrategyExplore
	case meta.StrategyFast:
		return meta.StrategyCoe
	case meta.StrategyCoe:
		return meta.StrategyLin
	case meta.StrategyLin:
		return meta.StrategyQuad
	default:
		return meta.StrategyFast
	}
}
