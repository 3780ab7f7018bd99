// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package schedule

import (
	"math/rand"
	"testing"
	"time"

	"github.com/powerfuzz/powerfuzz/pkg/corpus"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/observer"
	"github.com/powerfuzz/powerfuzz/pkg/state"
	"github.com/powerfuzz/powerfuzz/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T, seed int64) (*state.State, *observer.Map) {
	queue, err := corpus.New("queue", "")
	require.NoError(t, err)
	solutions, err := corpus.New("solutions", "")
	require.NoError(t, err)
	return state.New(seed, queue, solutions), observer.NewMap("edges", make([]byte, 64))
}

// addEntry simulates admission of an input that covered the given indexes.
func addEntry(t *testing.T, st *state.State, obs *observer.Map, sched Scheduler,
	input string, execTime time.Duration, indexes ...int) corpus.ID {
	obs.PreExec()
	for _, i := range indexes {
		obs.Bytes()[i] = 1
	}
	require.NoError(t, sched.OnEvaluation(st))
	tc := corpus.NewTestcase([]byte(input))
	tc.ExecTime = execTime
	if cur, ok := st.CurrentID(); ok {
		tc.Parent = cur
	}
	meta.Put(tc.Meta, &meta.MapIndexes{Indexes: obs.Indexes()})
	id, err := st.Corpus.Add(tc)
	require.NoError(t, err)
	require.NoError(t, sched.OnAdd(st, id))
	return id
}

func TestQueue(t *testing.T) {
	st, obs := newTestState(t, 0)
	q := NewQueue(obs)
	_, err := q.Next(st)
	assert.ErrorIs(t, err, ErrEmpty)

	for i := 0; i < 3; i++ {
		addEntry(t, st, obs, q, "x", time.Millisecond, i)
	}
	var got []corpus.ID
	for i := 0; i < 7; i++ {
		id, err := q.Next(st)
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []corpus.ID{0, 1, 2, 0, 1, 2, 0}, got)
	assert.Equal(t, uint64(2), meta.GetOrInsert[meta.Scheduler](st.Meta).QueueCycles)
	// The current entry is marked scheduled only when the scheduler moves on.
	assert.Equal(t, uint64(2), st.Corpus.Get(0).ScheduledCount)
	assert.Equal(t, uint64(2), st.Corpus.Get(1).ScheduledCount)
	assert.Equal(t, uint64(2), st.Corpus.Get(2).ScheduledCount)
}

func TestDepth(t *testing.T) {
	st, obs := newTestState(t, 0)
	q := NewQueue(obs)
	root := addEntry(t, st, obs, q, "a", time.Millisecond, 1)
	_, err := q.Next(st)
	require.NoError(t, err)
	child := addEntry(t, st, obs, q, "b", time.Millisecond, 2)
	rootMeta, _ := meta.Get[meta.SchedulerTestcase](st.Corpus.Get(root).Meta)
	childMeta, _ := meta.Get[meta.SchedulerTestcase](st.Corpus.Get(child).Meta)
	assert.Equal(t, uint64(0), rootMeta.Depth)
	assert.Equal(t, uint64(1), childMeta.Depth)
	assert.NotEqual(t, rootMeta.NFuzzEntry, childMeta.NFuzzEntry)
	assert.Equal(t, uint32(1), meta.GetOrInsert[meta.Scheduler](st.Meta).Frequency(childMeta.NFuzzEntry))
}

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		strategy meta.Strategy
		tcm      meta.SchedulerTestcase
		want     float64
	}{
		{"default", meta.StrategyExplore, meta.SchedulerTestcase{}, 100},
		{"exploit", meta.StrategyExploit, meta.SchedulerTestcase{}, 3200},
		{"handicap", meta.StrategyExplore, meta.SchedulerTestcase{Handicap: 2}, 200},
		{"big-handicap", meta.StrategyExplore, meta.SchedulerTestcase{Handicap: 5}, 400},
		{"depth", meta.StrategyExplore, meta.SchedulerTestcase{Depth: 9}, 300},
		{"deep", meta.StrategyExplore, meta.SchedulerTestcase{Depth: 30, Handicap: 4}, 2000},
		{"capped", meta.StrategyExploit, meta.SchedulerTestcase{Depth: 30, Handicap: 4}, 6400},
		{"lin-unscheduled", meta.StrategyLin, meta.SchedulerTestcase{}, 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			st, _ := newTestState(t, 0)
			meta.GetOrInsert[meta.Scheduler](st.Meta).Strategy = test.strategy
			tc := corpus.NewTestcase([]byte("a"))
			tcm := test.tcm
			meta.Put(tc.Meta, &tcm)
			id, err := st.Corpus.Add(tc)
			require.NoError(t, err)
			score, err := Score(st, id)
			require.NoError(t, err)
			assert.Equal(t, test.want, score)
		})
	}
}

func TestScoreExecTime(t *testing.T) {
	st, _ := newTestState(t, 0)
	sm := meta.GetOrInsert[meta.Scheduler](st.Meta)
	sm.ExecTime = 10 * time.Millisecond
	sm.Cycles = 1
	fast := corpus.NewTestcase([]byte("a"))
	fast.ExecTime = time.Millisecond
	slow := corpus.NewTestcase([]byte("b"))
	slow.ExecTime = time.Second
	fastID, err := st.Corpus.Add(fast)
	require.NoError(t, err)
	slowID, err := st.Corpus.Add(slow)
	require.NoError(t, err)

	score, err := Score(st, fastID)
	require.NoError(t, err)
	assert.Equal(t, 300.0, score)
	score, err = Score(st, slowID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, score)
}

func TestScoreBounds(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	for iter := 0; iter < testutil.IterCount(); iter++ {
		st, _ := newTestState(t, 0)
		sm := meta.GetOrInsert[meta.Scheduler](st.Meta)
		sm.Strategy = meta.Strategy(r.Intn(int(meta.StrategyQuad) + 1))
		sm.Cycles = uint64(r.Intn(3))
		sm.ExecTime = time.Duration(r.Intn(1e6))
		sm.BitmapEntries = uint64(r.Intn(3))
		sm.BitmapSize = uint64(r.Intn(1000))
		for i := 0; i < r.Intn(10); i++ {
			sm.Hit(uint64(r.Intn(4)))
		}
		for i := 0; i < 3; i++ {
			tc := corpus.NewTestcase(make([]byte, r.Intn(100)))
			tc.ExecTime = time.Duration(r.Intn(1e6))
			tc.ScheduledCount = uint64(r.Intn(50))
			meta.Put(tc.Meta, &meta.SchedulerTestcase{
				BitmapSize: uint64(r.Intn(1000)),
				Handicap:   uint64(r.Intn(10)),
				Depth:      uint64(r.Intn(40)),
				NFuzzEntry: uint32(r.Intn(4)),
			})
			if r.Intn(2) == 0 {
				meta.Put(tc.Meta, &meta.Favored{})
			}
			_, err := st.Corpus.Add(tc)
			require.NoError(t, err)
		}
		for _, id := range st.Corpus.IDs() {
			tcm, _ := meta.Get[meta.SchedulerTestcase](st.Corpus.Get(id).Meta)
			handicap := tcm.Handicap
			score, err := Score(st, id)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 6400.0)
			if sm.Strategy != meta.StrategyCoe {
				assert.GreaterOrEqual(t, score, 1.0)
			}
			again, err := Score(st, id)
			require.NoError(t, err)
			assert.Equal(t, score, again)
			assert.Equal(t, handicap, tcm.Handicap, "score must not modify the entry")
		}
	}
}

func TestConsumeHandicap(t *testing.T) {
	st, _ := newTestState(t, 0)
	tc := corpus.NewTestcase([]byte("a"))
	tcm := &meta.SchedulerTestcase{Handicap: 6}
	meta.Put(tc.Meta, tcm)
	id, err := st.Corpus.Add(tc)
	require.NoError(t, err)
	for _, want := range []uint64{2, 1, 0, 0} {
		require.NoError(t, ConsumeHandicap(st, id))
		assert.Equal(t, want, tcm.Handicap)
	}
	assert.Error(t, ConsumeHandicap(st, 100))
}

func TestWeight(t *testing.T) {
	st, obs := newTestState(t, 0)
	m := NewMinimizer(NewWeighted(st, obs, meta.StrategyFast, false))
	// A covers a rare index, B only covers an index shared with C.
	a := addEntry(t, st, obs, m, "aaaa", time.Millisecond, 1, 2)
	b := addEntry(t, st, obs, m, "bbbbbbbb", 2*time.Millisecond, 2)
	c := addEntry(t, st, obs, m, "cccccccc", 2*time.Millisecond, 2, 3)
	m.cull(st)
	assert.True(t, meta.Has[meta.Favored](st.Corpus.Get(a).Meta))
	assert.False(t, meta.Has[meta.Favored](st.Corpus.Get(b).Meta))
	assert.True(t, meta.Has[meta.Favored](st.Corpus.Get(c).Meta))

	wa, err := Weight(st, a)
	require.NoError(t, err)
	wb, err := Weight(st, b)
	require.NoError(t, err)
	assert.Greater(t, wa, wb)
	assert.Greater(t, wb, 0.0)

	// A decaying handicap boosts the weight of late discoveries.
	meta.GetOrInsert[meta.SchedulerTestcase](st.Corpus.Get(b).Meta).Handicap = 4
	wb2, err := Weight(st, b)
	require.NoError(t, err)
	assert.Equal(t, wb*1.5, wb2)
	// Rare coverage with no handicap still outweighs common coverage with the maximum handicap.
	assert.Greater(t, wa, wb2)

	_, err = Weight(st, 100)
	assert.Error(t, err)
}

func TestWeightedDeterministic(t *testing.T) {
	run := func() []corpus.ID {
		st, obs := newTestState(t, 42)
		sched := NewMinimizer(NewWeighted(st, obs, meta.StrategyExplore, true))
		for i := 0; i < 10; i++ {
			addEntry(t, st, obs, sched, string(make([]byte, i+1)), time.Duration(i+1)*time.Millisecond, i, i+1)
		}
		var ids []corpus.ID
		for i := 0; i < 50; i++ {
			id, err := sched.Next(st)
			require.NoError(t, err)
			ids = append(ids, id)
		}
		return ids
	}
	assert.Equal(t, run(), run())
}

func TestWeightedCycles(t *testing.T) {
	st, obs := newTestState(t, 0)
	w := NewWeighted(st, obs, meta.StrategyFast, true)
	_, err := w.Next(st)
	assert.ErrorIs(t, err, ErrEmpty)
	for i := 0; i < 3; i++ {
		addEntry(t, st, obs, w, "x", time.Millisecond, i)
	}
	sm := meta.GetOrInsert[meta.Scheduler](st.Meta)
	for i := 0; i < 4; i++ {
		_, err := w.Next(st)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(1), sm.QueueCycles)
	assert.Equal(t, meta.StrategyCoe, sm.Strategy)

	// A restored strategy is kept.
	NewWeighted(st, obs, meta.StrategyExplore, false)
	assert.Equal(t, meta.StrategyCoe, sm.Strategy)
}

func TestNextStrategy(t *testing.T) {
	s := meta.StrategyFast
	var seq []meta.Strategy
	for i := 0; i < 4; i++ {
		s = nextStrategy(s)
		seq = append(seq, s)
	}
	assert.Equal(t, []meta.Strategy{meta.StrategyCoe, meta.StrategyLin, meta.StrategyQuad, meta.StrategyFast}, seq)
	assert.Equal(t, meta.StrategyExploit, nextStrategy(meta.StrategyExplore))
	assert.Equal(t, meta.StrategyExplore, nextStrategy(meta.StrategyExploit))
}

func TestMinimizer(t *testing.T) {
	st, obs := newTestState(t, 0)
	m := NewMinimizer(NewQueue(obs))
	slow := addEntry(t, st, obs, m, "slow", 10*time.Millisecond, 1, 2)
	fast := addEntry(t, st, obs, m, "fast", time.Millisecond, 1)
	top := meta.GetOrInsert[meta.TopRated](st.Meta)
	assert.Equal(t, map[int]uint64{1: uint64(fast), 2: uint64(slow)}, top.Map)
	slowIdx, _ := meta.Get[meta.MapIndexes](st.Corpus.Get(slow).Meta)
	fastIdx, _ := meta.Get[meta.MapIndexes](st.Corpus.Get(fast).Meta)
	assert.Equal(t, 1, slowIdx.Refcnt)
	assert.Equal(t, 1, fastIdx.Refcnt)

	// Removal hands the orphaned indexes to the next best entry.
	_, err := st.Corpus.Remove(fast)
	require.NoError(t, err)
	require.NoError(t, m.OnRemove(st, fast))
	assert.Equal(t, map[int]uint64{1: uint64(slow), 2: uint64(slow)}, top.Map)
	assert.Equal(t, 2, slowIdx.Refcnt)

	id, err := m.Next(st)
	require.NoError(t, err)
	assert.Equal(t, slow, id)
	assert.True(t, meta.Has[meta.Favored](st.Corpus.Get(slow).Meta))
}

func TestMinimizerSkipsNonFavored(t *testing.T) {
	st, obs := newTestState(t, 1)
	m := NewMinimizer(NewQueue(obs))
	addEntry(t, st, obs, m, "a", time.Millisecond, 1)
	for i := 0; i < 9; i++ {
		// Same coverage, but slower: never favored.
		addEntry(t, st, obs, m, "bbbbbbbbbbbb", time.Second, 1)
	}
	favored := 0
	const picks = 200
	for i := 0; i < picks; i++ {
		id, err := m.Next(st)
		require.NoError(t, err)
		if id == 0 {
			favored++
		}
	}
	assert.Greater(t, favored, picks/3)
}
