// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package schedule

import (
	"sort"

	"github.com/powerfuzz/powerfuzz/pkg/corpus"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

// SkipNonFavoredProb is the probability to skip an entry that is not favored.
const SkipNonFavoredProb = 0.95

// Minimizer keeps for every covered map index the queue entry with the least
// exec time * input length and marks the resulting covering subset favored.
// Selection is delegated to the wrapped scheduler, non-favored picks are
// mostly skipped.
type Minimizer struct {
	base Scheduler
}

func NewMinimizer(base Scheduler) *Minimizer {
	return &Minimizer{base: base}
}

func lenTimeFactor(tc *corpus.Testcase) uint64 {
	return uint64(tc.ExecTime.Nanoseconds()) * uint64(len(tc.Input))
}

func (m *Minimizer) OnAdd(st *state.State, id corpus.ID) error {
	if err := m.base.OnAdd(st, id); err != nil {
		return err
	}
	m.updateScore(st, id)
	return nil
}

func (m *Minimizer) OnEvaluation(st *state.State) error {
	return m.base.OnEvaluation(st)
}

func (m *Minimizer) updateScore(st *state.State, id corpus.ID) {
	tc := st.Corpus.Get(id)
	idx, ok := meta.Get[meta.MapIndexes](tc.Meta)
	if !ok {
		return
	}
	top := meta.GetOrInsert[meta.TopRated](st.Meta)
	factor := lenTimeFactor(tc)
	for _, i := range idx.Indexes {
		if old, ok := top.Map[i]; ok {
			if corpus.ID(old) == id {
				continue
			}
			if prev := st.Corpus.Get(corpus.ID(old)); prev != nil {
				if factor > lenTimeFactor(prev) {
					continue
				}
				if pidx, ok := meta.Get[meta.MapIndexes](prev.Meta); ok {
					pidx.Refcnt--
				}
			}
		}
		top.Map[i] = uint64(id)
		idx.Refcnt++
	}
}

func (m *Minimizer) OnRemove(st *state.State, id corpus.ID) error {
	if err := m.base.OnRemove(st, id); err != nil {
		return err
	}
	top := meta.GetOrInsert[meta.TopRated](st.Meta)
	var orphans []int
	for i, owner := range top.Map {
		if corpus.ID(owner) == id {
			orphans = append(orphans, i)
			delete(top.Map, i)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	sort.Ints(orphans)
	for _, i := range orphans {
		best, bestFactor, found := corpus.ID(0), uint64(0), false
		for _, cand := range st.Corpus.IDs() {
			tc := st.Corpus.Get(cand)
			idx, ok := meta.Get[meta.MapIndexes](tc.Meta)
			if !ok || !containsIndex(idx.Indexes, i) {
				continue
			}
			if f := lenTimeFactor(tc); !found || f < bestFactor {
				best, bestFactor, found = cand, f, true
			}
		}
		if found {
			top.Map[i] = uint64(best)
			meta.GetOrInsert[meta.MapIndexes](st.Corpus.Get(best).Meta).Refcnt++
		}
	}
	return nil
}

func containsIndex(indexes []int, i int) bool {
	pos := sort.SearchInts(indexes, i)
	return pos < len(indexes) && indexes[pos] == i
}

// cull recomputes the favored set: walking map indexes in order,
// the top rated entry of every index not yet covered becomes favored.
func (m *Minimizer) cull(st *state.State) int {
	for _, id := range st.Corpus.IDs() {
		meta.Remove[meta.Favored](st.Corpus.Get(id).Meta)
	}
	top, ok := meta.Get[meta.TopRated](st.Meta)
	if !ok {
		return 0
	}
	keys := make([]int, 0, len(top.Map))
	for i := range top.Map {
		keys = append(keys, i)
	}
	sort.Ints(keys)
	covered := make(map[int]bool)
	favored := 0
	for _, i := range keys {
		if covered[i] {
			continue
		}
		tc := st.Corpus.Get(corpus.ID(top.Map[i]))
		if tc == nil {
			continue
		}
		if idx, ok := meta.Get[meta.MapIndexes](tc.Meta); ok {
			for _, j := range idx.Indexes {
				covered[j] = true
			}
		}
		if !meta.Has[meta.Favored](tc.Meta) {
			meta.Put(tc.Meta, &meta.Favored{})
			favored++
		}
	}
	return favored
}

func (m *Minimizer) Next(st *state.State) (corpus.ID, error) {
	favored := m.cull(st)
	id, err := m.base.Next(st)
	if err != nil || favored == 0 {
		return id, err
	}
	for !meta.Has[meta.Favored](st.Corpus.Get(id).Meta) && st.Rand.Float64() < SkipNonFavoredProb {
		if id, err = m.base.Next(st); err != nil {
			return 0, err
		}
	}
	return id, nil
}
