// Copyright 2024 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/powerfuzz/powerfuzz/pkg/corpus"
	"github.com/powerfuzz/powerfuzz/pkg/feedback"
	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/observer"
	"github.com/powerfuzz/powerfuzz/pkg/stages"
	"github.com/powerfuzz/powerfuzz/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testExecutor simulates a target: every input byte b hits map index b%64,
// index 0 is always hit. Inputs starting with "crash" crash, with "oom" run out of memory,
// with "hang" run for 150ms and with "stuck" never finish.
type testExecutor struct {
	cov      *observer.Map
	time     *observer.Time
	timeout  time.Duration
	runs     int
	timeouts []time.Duration
	err      error
}

func newTestExecutor(timeout time.Duration) *testExecutor {
	return &testExecutor{
		cov:     observer.NewMap("edges", make([]byte, 64)),
		time:    observer.NewTime(),
		timeout: timeout,
	}
}

func (e *testExecutor) Run(input []byte) (ipc.ExitKind, error) {
	if e.err != nil {
		return ipc.Normal, e.err
	}
	e.runs++
	e.timeouts = append(e.timeouts, e.timeout)
	e.cov.PreExec()
	mem := e.cov.Bytes()
	mem[0]++
	for _, b := range input {
		mem[int(b)%len(mem)]++
	}
	e.cov.PostExec()
	duration, kind := time.Millisecond, ipc.Normal
	switch {
	case bytes.HasPrefix(input, []byte("crash")):
		kind = ipc.Crash
	case bytes.HasPrefix(input, []byte("oom")):
		kind = ipc.OutOfMemory
	case bytes.HasPrefix(input, []byte("hang")):
		duration = 150 * time.Millisecond
	case bytes.HasPrefix(input, []byte("stuck")):
		duration = time.Hour
	}
	if duration > e.timeout {
		duration, kind = e.timeout, ipc.Timeout
	}
	e.time.Set(duration)
	return kind, nil
}

func (e *testExecutor) Coverage() *observer.Map { return e.cov }
func (e *testExecutor) Time() *observer.Time { return e.time }
func (e *testExecutor) Timeout() time.Duration { return e.timeout }
func (e *testExecutor) SetTimeout(timeout time.Duration) { e.timeout = timeout }

func newTestState(t *testing.T) *state.State {
	queue, err := corpus.New("queue", filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)
	solutions, err := corpus.New("solutions", filepath.Join(t.TempDir(), "objectives"))
	require.NoError(t, err)
	return state.New(0, queue, solutions)
}

func testConfig() *Config {
	return &Config{
		Timeout:     100 * time.Millisecond,
		Scheduler:   "queue",
		MinInputLen: 1,
		MaxInputLen: 64,
	}
}

func newTestFuzzer(t *testing.T, cfg *Config) (*Fuzzer, *state.State, *testExecutor) {
	st := newTestState(t)
	exec := newTestExecutor(cfg.Timeout)
	fuzzer, err := NewFuzzer(cfg, st, exec)
	require.NoError(t, err)
	return fuzzer, st, exec
}

func TestEvaluate(t *testing.T) {
	fuzzer, st, _ := newTestFuzzer(t, testConfig())
	fuzzer.feedback.DoneLoadingSeeds()
	tests := []struct {
		input   string
		verdict feedback.Verdict
	}{
		{"abc", feedback.Corpus},
		// Identical bitmap.
		{"abc", feedback.Discard},
		{"cba", feedback.Discard},
		// Higher hit count bucket.
		{"aabc", feedback.Corpus},
		{"crash", feedback.Solution},
		// Not a new solution, but the queue has not seen its coverage yet.
		{"crash", feedback.Corpus},
		{"crash", feedback.Discard},
		{"oom", feedback.Corpus},
	}
	for i, test := range tests {
		queued, saved := st.Corpus.Count(), st.Solutions.Count()
		verdict, err := fuzzer.Evaluate(st, []byte(test.input))
		require.NoError(t, err)
		assert.Equal(t, test.verdict, verdict, "#%v: %q", i, test.input)
		assert.Equal(t, uint64(i+1), st.Executions)
		// Every input lands in at most one of the corpora.
		switch verdict {
		case feedback.Discard:
			assert.Equal(t, queued, st.Corpus.Count())
			assert.Equal(t, saved, st.Solutions.Count())
		case feedback.Corpus:
			assert.Equal(t, queued+1, st.Corpus.Count())
			assert.Equal(t, saved, st.Solutions.Count())
		case feedback.Solution:
			assert.Equal(t, queued, st.Corpus.Count())
			assert.Equal(t, saved+1, st.Solutions.Count())
		}
	}
	tc := st.Corpus.Get(0)
	require.NotNil(t, tc)
	assert.True(t, strings.HasPrefix(tc.Filename, "id:000000,time:"), tc.Filename)
	assert.True(t, strings.HasSuffix(tc.Filename, ",execs:1"), tc.Filename)
	assert.Equal(t, time.Millisecond, tc.ExecTime)
	data, err := os.ReadFile(filepath.Join(st.Corpus.Dir(), tc.Filename))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	sol := st.Solutions.Get(0)
	require.NotNil(t, sol)
	assert.Equal(t, ipc.Crash, sol.ExitKind)
	assert.True(t, strings.HasPrefix(sol.Filename, "id:000000,time:"), sol.Filename)
	assert.True(t, strings.HasSuffix(sol.Filename, ",execs:5,crash"), sol.Filename)
}

func TestEvaluateParent(t *testing.T) {
	fuzzer, st, _ := newTestFuzzer(t, testConfig())
	fuzzer.feedback.DoneLoadingSeeds()
	_, err := fuzzer.Evaluate(st, []byte("a"))
	require.NoError(t, err)
	st.SetCurrentID(0)
	verdict, err := fuzzer.Evaluate(st, []byte("ab"))
	require.NoError(t, err)
	require.Equal(t, feedback.Corpus, verdict)
	tc := st.Corpus.Get(1)
	assert.Equal(t, corpus.ID(0), tc.Parent)
	assert.True(t, strings.HasPrefix(tc.Filename, "id:000001,src:000000,time:"), tc.Filename)
	tcm, ok := meta.Get[meta.SchedulerTestcase](tc.Meta)
	require.True(t, ok)
	assert.Equal(t, uint64(1), tcm.Depth)

	verdict, err = fuzzer.Evaluate(st, []byte("crash"))
	require.NoError(t, err)
	require.Equal(t, feedback.Solution, verdict)
	assert.Equal(t, uint64(1), st.Corpus.Get(0).ObjectivesFound)
	assert.Contains(t, st.Solutions.Get(0).Filename, ",src:000000,")
}

func TestEvaluateError(t *testing.T) {
	fuzzer, st, exec := newTestFuzzer(t, testConfig())
	exec.err = ipc.LaunchFailure("no helper")
	_, err := fuzzer.Evaluate(st, []byte("abc"))
	var launch ipc.LaunchFailure
	assert.True(t, errors.As(err, &launch))
	assert.Zero(t, st.Executions)
	assert.Zero(t, st.Corpus.Count())
}

func TestHangVerification(t *testing.T) {
	fuzzer, st, exec := newTestFuzzer(t, testConfig())
	fuzzer.feedback.DoneLoadingSeeds()
	ctx := context.Background()

	// A 150ms input times out with the 100ms timeout, it is only captured for verification.
	verdict, err := fuzzer.Evaluate(st, []byte("hang"))
	require.NoError(t, err)
	assert.Equal(t, feedback.Discard, verdict)
	assert.Zero(t, st.Corpus.Count(), "timed out runs are not queued")
	assert.Equal(t, 1, meta.GetOrInsert[meta.TimeoutsToVerify](st.Meta).Len())

	verify := stages.NewVerifyTimeouts()
	require.NoError(t, verify.Perform(ctx, fuzzer, st))
	assert.Equal(t, 200*time.Millisecond, exec.timeouts[len(exec.timeouts)-1])
	assert.Equal(t, 100*time.Millisecond, exec.Timeout())
	assert.Zero(t, st.Solutions.Count(), "input that finished with doubled timeout is not a hang")
	// With the doubled timeout it completed, so its full coverage is queued.
	assert.Equal(t, 1, st.Corpus.Count())
	assert.Zero(t, meta.GetOrInsert[meta.TimeoutsToVerify](st.Meta).Len())
	assert.False(t, st.Verifying())

	// An input that times out again becomes a solution.
	_, err = fuzzer.Evaluate(st, []byte("stuck"))
	require.NoError(t, err)
	require.Equal(t, 1, meta.GetOrInsert[meta.TimeoutsToVerify](st.Meta).Len())
	require.NoError(t, verify.Perform(ctx, fuzzer, st))
	require.Equal(t, 1, st.Solutions.Count())
	sol := st.Solutions.Get(0)
	assert.Equal(t, ipc.Timeout, sol.ExitKind)
	assert.True(t, strings.HasSuffix(sol.Filename, ",hang"), sol.Filename)
	assert.Zero(t, meta.GetOrInsert[meta.TimeoutsToVerify](st.Meta).Len())
}

func TestZeroTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 0
	st := newTestState(t)
	exec := newTestExecutor(100 * time.Millisecond)
	fuzzer, err := NewFuzzer(cfg, st, exec)
	require.NoError(t, err)
	fuzzer.feedback.DoneLoadingSeeds()
	assert.Equal(t, 100*time.Millisecond, cfg.Timeout)

	_, err = fuzzer.Evaluate(st, []byte("hang"))
	require.NoError(t, err)
	require.NoError(t, stages.NewVerifyTimeouts().Perform(context.Background(), fuzzer, st))
	assert.Equal(t, 200*time.Millisecond, exec.timeouts[len(exec.timeouts)-1])
	assert.Equal(t, 100*time.Millisecond, exec.Timeout())

	verdict, err := fuzzer.Evaluate(st, []byte("xyz"))
	require.NoError(t, err)
	assert.Equal(t, feedback.Corpus, verdict)
	assert.Zero(t, st.Solutions.Count())

	cfg = testConfig()
	cfg.Timeout = 0
	_, err = NewFuzzer(cfg, newTestState(t), newTestExecutor(0))
	assert.Error(t, err)
}

func TestConfigTimeoutApplied(t *testing.T) {
	cfg := testConfig()
	st := newTestState(t)
	exec := newTestExecutor(time.Second)
	_, err := NewFuzzer(cfg, st, exec)
	require.NoError(t, err)
	assert.Equal(t, cfg.Timeout, exec.Timeout())
}

func TestTimeoutNotQueued(t *testing.T) {
	fuzzer, st, _ := newTestFuzzer(t, testConfig())
	fuzzer.feedback.DoneLoadingSeeds()
	// New coverage, but the run timed out.
	verdict, err := fuzzer.Evaluate(st, []byte("stuckXYZ"))
	require.NoError(t, err)
	assert.Equal(t, feedback.Discard, verdict)
	assert.Zero(t, st.Corpus.Count())
	// The partial coverage did not enter the history.
	verdict, err = fuzzer.Evaluate(st, []byte("tuckXYZ"))
	require.NoError(t, err)
	assert.Equal(t, feedback.Corpus, verdict)
}

func TestIgnoreTimeouts(t *testing.T) {
	cfg := testConfig()
	cfg.IgnoreTimeouts = true
	fuzzer, st, _ := newTestFuzzer(t, cfg)
	fuzzer.feedback.DoneLoadingSeeds()
	_, err := fuzzer.Evaluate(st, []byte("stuck"))
	require.NoError(t, err)
	require.NoError(t, stages.NewVerifyTimeouts().Perform(context.Background(), fuzzer, st))
	assert.Zero(t, st.Solutions.Count())
}

func TestAddInput(t *testing.T) {
	fuzzer, st, _ := newTestFuzzer(t, testConfig())
	fuzzer.feedback.DoneLoadingSeeds()
	for i := 0; i < 2; i++ {
		id, err := fuzzer.AddInput(st, []byte("abc"))
		require.NoError(t, err)
		assert.Equal(t, corpus.ID(i), id)
	}
	assert.Equal(t, 2, st.Corpus.Count())
	// The history saw the forced entries.
	verdict, err := fuzzer.Evaluate(st, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, feedback.Discard, verdict)
}

func writeSeeds(t *testing.T, seeds map[string]string) string {
	dir := t.TempDir()
	for name, data := range seeds {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(data), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0755))
	return dir
}

func TestLoadInitialInputs(t *testing.T) {
	cfg := testConfig()
	cfg.CmpLogOnlyNew = true
	fuzzer, st, _ := newTestFuzzer(t, cfg)
	dir := writeSeeds(t, map[string]string{
		"a":     "aaa",
		"b":     "aaa",
		"crash": "crash",
		"empty": "",
	})
	require.NoError(t, fuzzer.LoadInitialInputs(context.Background(), st, []string{dir}))
	// Duplicates are admitted while loading.
	require.Equal(t, 2, st.Corpus.Count())
	assert.Equal(t, 1, st.Solutions.Count())
	assert.Equal(t, "id:000000,time:0,execs:1,orig:a", st.Corpus.Get(0).Filename)
	assert.Equal(t, "id:000001,time:0,execs:2,orig:b", st.Corpus.Get(1).Filename)
	for _, id := range st.Corpus.IDs() {
		assert.True(t, meta.Has[meta.InitialCorpusEntry](st.Corpus.Get(id).Meta))
	}

	verdict, err := fuzzer.Evaluate(st, []byte("aaa"))
	require.NoError(t, err)
	assert.Equal(t, feedback.Discard, verdict)
	assert.False(t, strings.Contains(st.Solutions.Get(0).Filename, "orig:"))
}

func TestLoadInitialInputsErrors(t *testing.T) {
	fuzzer, st, _ := newTestFuzzer(t, testConfig())
	err := fuzzer.LoadInitialInputs(context.Background(), st, []string{t.TempDir()})
	assert.ErrorContains(t, err, "no initial inputs")

	fuzzer, st, _ = newTestFuzzer(t, testConfig())
	err = fuzzer.LoadInitialInputs(context.Background(), st, []string{"/no/such/dir"})
	assert.Error(t, err)
}

func TestFuzzOne(t *testing.T) {
	fuzzer, st, exec := newTestFuzzer(t, testConfig())
	dir := writeSeeds(t, map[string]string{"seed": "hello"})
	require.NoError(t, fuzzer.LoadInitialInputs(context.Background(), st, []string{dir}))

	id, err := fuzzer.FuzzOne(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, corpus.ID(0), id)
	assert.False(t, meta.Has[meta.StageProgress](st.Meta))
	tcm := meta.GetOrInsert[meta.SchedulerTestcase](st.Corpus.Get(0).Meta)
	assert.True(t, tcm.Calibrated())
	// Loading, calibration and at least one mutant.
	assert.Greater(t, exec.runs, 1+4)
	assert.Equal(t, uint64(exec.runs), st.Executions)

	_, err = fuzzer.FuzzOne(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Corpus.Get(0).ScheduledCount)
}

func TestFuzzOneEmpty(t *testing.T) {
	fuzzer, st, _ := newTestFuzzer(t, testConfig())
	_, err := fuzzer.FuzzOne(context.Background(), st)
	assert.Error(t, err)
}

type testStage struct {
	name      string
	restart   bool
	err       error
	performed int
	cleared   int
}

func (s *testStage) Name() string { return s.name }

func (s *testStage) Perform(ctx context.Context, f stages.Fuzzer, st *state.State) error {
	s.performed++
	return s.err
}

func (s *testStage) ShouldRestart(*state.State) bool { return s.restart }

func (s *testStage) ClearProgress(*state.State) { s.cleared++ }

func TestFuzzOneResume(t *testing.T) {
	fuzzer, st, _ := newTestFuzzer(t, testConfig())
	fuzzer.feedback.DoneLoadingSeeds()
	for _, input := range []string{"a", "b", "c"} {
		_, err := fuzzer.AddInput(st, []byte(input))
		require.NoError(t, err)
	}
	s0 := &testStage{name: "s0", restart: true}
	s1 := &testStage{name: "s1", restart: false}
	s2 := &testStage{name: "s2", restart: true}
	fuzzer.stages = []stages.Stage{s0, s1, s2}

	// The interrupted stage refuses to restart, it is skipped for this entry.
	meta.Put(st.Meta, &meta.StageProgress{Entry: 2, Stage: 1})
	id, err := fuzzer.FuzzOne(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, corpus.ID(2), id)
	assert.Equal(t, []int{0, 0, 1}, []int{s0.performed, s1.performed, s2.performed})
	assert.Equal(t, []int{0, 1, 1}, []int{s0.cleared, s1.cleared, s2.cleared})
	assert.False(t, meta.Has[meta.StageProgress](st.Meta))

	// Progress for an entry that does not exist is ignored.
	meta.Put(st.Meta, &meta.StageProgress{Entry: 100, Stage: 2})
	id, err = fuzzer.FuzzOne(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, corpus.ID(0), id, "queue wraps around after entry 2")
	assert.Equal(t, []int{1, 1, 2}, []int{s0.performed, s1.performed, s2.performed})
}

func TestFuzzOneStageError(t *testing.T) {
	fuzzer, st, _ := newTestFuzzer(t, testConfig())
	_, err := fuzzer.AddInput(st, []byte("a"))
	require.NoError(t, err)
	broken := &testStage{name: "broken", err: fmt.Errorf("boom")}
	fuzzer.stages = []stages.Stage{&testStage{name: "ok"}, broken}
	_, err = fuzzer.FuzzOne(context.Background(), st)
	assert.ErrorContains(t, err, "broken stage: boom")
	progress, ok := meta.Get[meta.StageProgress](st.Meta)
	require.True(t, ok)
	assert.Equal(t, meta.StageProgress{Entry: 0, Stage: 1}, *progress)
}

type cancelStage struct {
	testStage
	cancel context.CancelFunc
}

func (s *cancelStage) Perform(ctx context.Context, f stages.Fuzzer, st *state.State) error {
	s.cancel()
	return ctx.Err()
}

func TestLoopCheckpoint(t *testing.T) {
	cfg := testConfig()
	cfg.StateFile = filepath.Join(t.TempDir(), "state.json.xz")
	fuzzer, st, _ := newTestFuzzer(t, cfg)
	fuzzer.feedback.DoneLoadingSeeds()
	_, err := fuzzer.AddInput(st, []byte("a"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fuzzer.stages = []stages.Stage{&testStage{name: "ok"}, &cancelStage{cancel: cancel}}
	require.NoError(t, fuzzer.Loop(ctx, st))

	queue, err := corpus.New("queue", "")
	require.NoError(t, err)
	solutions, err := corpus.New("solutions", "")
	require.NoError(t, err)
	restored, err := state.Load(cfg.StateFile, queue, solutions)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Corpus.Count())
	assert.Equal(t, st.Executions, restored.Executions)
	progress, ok := meta.Get[meta.StageProgress](restored.Meta)
	require.True(t, ok)
	assert.Equal(t, 1, progress.Stage)
}

func TestCheckpointInterval(t *testing.T) {
	cfg := testConfig()
	cfg.StateFile = filepath.Join(t.TempDir(), "state.json.xz")
	cfg.CheckpointInterval = time.Minute
	fuzzer, st, _ := newTestFuzzer(t, cfg)
	fuzzer.feedback.DoneLoadingSeeds()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fuzzer.now = func() time.Time { return now }

	_, err := fuzzer.Evaluate(st, []byte("a"))
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	_, err = fuzzer.Evaluate(st, []byte("b"))
	require.NoError(t, err)
	_, err = os.Stat(cfg.StateFile)
	assert.True(t, os.IsNotExist(err))

	now = now.Add(31 * time.Second)
	_, err = fuzzer.Evaluate(st, []byte("c"))
	require.NoError(t, err)
	_, err = os.Stat(cfg.StateFile)
	assert.NoError(t, err)
}

func TestSchedulers(t *testing.T) {
	for _, name := range []string{"", "weighted", "minimizer", "queue"} {
		cfg := testConfig()
		cfg.Scheduler = name
		fuzzer, st, _ := newTestFuzzer(t, cfg)
		dir := writeSeeds(t, map[string]string{"1": "abc", "2": "xyz"})
		require.NoError(t, fuzzer.LoadInitialInputs(context.Background(), st, []string{dir}), name)
		_, err := fuzzer.FuzzOne(context.Background(), st)
		require.NoError(t, err, name)
	}
	cfg := testConfig()
	cfg.Scheduler = "random"
	_, err := NewFuzzer(cfg, newTestState(t), newTestExecutor(cfg.Timeout))
	assert.Error(t, err)
}
