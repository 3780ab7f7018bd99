// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package schedule picks the next queue entry to fuzz.
package schedule

import (
	"errors"
	"fmt"

	"github.com/powerfuzz/powerfuzz/pkg/corpus"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/observer"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

var ErrEmpty = errors.New("corpus is empty")

type Scheduler interface {
	// OnAdd is called after an entry was added to the queue.
	// The coverage observer still holds the run that admitted it.
	OnAdd(st *state.State, id corpus.ID) error
	// OnEvaluation is called after every execution that was evaluated for admission.
	OnEvaluation(st *state.State) error
	OnRemove(st *state.State, id corpus.ID) error
	// Next selects the next entry and makes it current.
	// Given the same state and corpus, the selection is the same.
	Next(st *state.State) (corpus.ID, error)
}

// pathTracker keeps path frequencies used by the power schedules.
type pathTracker struct {
	obs *observer.Map
}

func (p pathTracker) onEvaluation(st *state.State) {
	meta.GetOrInsert[meta.Scheduler](st.Meta).Hit(p.obs.Hash())
}

// onAdd attaches scheduling metadata to the new entry:
// its depth in the derivation tree and its path bucket.
func (p pathTracker) onAdd(st *state.State, id corpus.ID) error {
	tc := st.Corpus.Get(id)
	if tc == nil {
		return fmt.Errorf("no queue entry %v", id)
	}
	tcm := meta.GetOrInsert[meta.SchedulerTestcase](tc.Meta)
	tcm.Depth = 0
	if parent := st.Corpus.Get(tc.Parent); parent != nil && tc.Parent != corpus.NoID {
		if pm, ok := meta.Get[meta.SchedulerTestcase](parent.Meta); ok {
			tcm.Depth = pm.Depth + 1
		}
	}
	tcm.NFuzzEntry = uint32(p.obs.Hash() % meta.NFuzzSize)
	return nil
}

// setCurrentScheduled bumps the scheduled count of the entry we are moving away from.
func setCurrentScheduled(st *state.State, id corpus.ID) {
	if prev := st.Current(); prev != nil {
		prev.ScheduledCount++
	}
	st.SetCurrentID(id)
}

// Queue hands out entries round robin.
type Queue struct {
	paths pathTracker
}

func NewQueue(obs *observer.Map) *Queue {
	return &Queue{paths: pathTracker{obs}}
}

func (q *Queue) OnAdd(st *state.State, id corpus.ID) error {
	return q.paths.onAdd(st, id)
}

func (q *Queue) OnEvaluation(st *state.State) error {
	q.paths.onEvaluation(st)
	return nil
}

func (q *Queue) OnRemove(*state.State, corpus.ID) error {
	return nil
}

func (q *Queue) Next(st *state.State) (corpus.ID, error) {
	first, ok := st.Corpus.First()
	if !ok {
		return 0, ErrEmpty
	}
	next := first
	if cur, ok := st.CurrentID(); ok {
		if id, ok := st.Corpus.Next(cur); ok {
			next = id
		} else {
			meta.GetOrInsert[meta.Scheduler](st.Meta).QueueCycles++
		}
	}
	setCurrentScheduled(st, next)
	return next, nil
}
