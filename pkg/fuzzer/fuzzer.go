// Copyright 2024 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzer drives a fuzzing campaign: it runs inputs through the executor,
// decides admission with the feedbacks and performs the stages on scheduled entries.
package fuzzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/powerfuzz/powerfuzz/pkg/corpus"
	"github.com/powerfuzz/powerfuzz/pkg/feedback"
	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/log"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/mutate"
	"github.com/powerfuzz/powerfuzz/pkg/observer"
	"github.com/powerfuzz/powerfuzz/pkg/schedule"
	"github.com/powerfuzz/powerfuzz/pkg/stages"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

// Executor runs one input at a time and exposes the observers of the last run.
// *ipc.Env implements it.
type Executor interface {
	Run(input []byte) (ipc.ExitKind, error)
	Coverage() *observer.Map
	Time() *observer.Time
	Timeout() time.Duration
	SetTimeout(timeout time.Duration)
}

type Config struct {
	// Timeout is the execution timeout, timeouts are verified with twice as much.
	// If zero, the executor timeout is used.
	Timeout        time.Duration
	IgnoreTimeouts bool
	Strategy       meta.Strategy
	CycleSchedules bool
	// Scheduler is one of "weighted", "minimizer" or "queue".
	Scheduler   string
	MinInputLen int
	MaxInputLen int
	// Tracer enables comparison tracing and input-to-state mutations (optional).
	Tracer        stages.Tracer
	CmpLogOnlyNew bool
	// StateFile is where checkpoints are written (optional).
	StateFile          string
	CheckpointInterval time.Duration
	// StatsDir receives fuzzer_stats (optional).
	StatsDir      string
	StatsInterval time.Duration
}

type Fuzzer struct {
	Config *Config

	exec      Executor
	sched     schedule.Scheduler
	feedback  *feedback.SeedFeedback
	objective feedback.Feedback
	stages    []stages.Stage

	// seedName is the file name of the seed being loaded, used in queue file names.
	seedName       string
	lastCheckpoint time.Time
	now            func() time.Time
}

func NewFuzzer(cfg *Config, st *state.State, exec Executor) (*Fuzzer, error) {
	fuzzer := &Fuzzer{
		Config: cfg,
		exec:   exec,
		now:    time.Now,
	}
	if cfg.Timeout > 0 {
		exec.SetTimeout(cfg.Timeout)
	} else {
		cfg.Timeout = exec.Timeout()
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("bad execution timeout %v", cfg.Timeout)
	}
	cov := exec.Coverage()
	switch cfg.Scheduler {
	case "", "weighted":
		fuzzer.sched = schedule.NewWeighted(st, cov, cfg.Strategy, cfg.CycleSchedules)
	case "minimizer":
		fuzzer.sched = schedule.NewMinimizer(schedule.NewWeighted(st, cov, cfg.Strategy, cfg.CycleSchedules))
	case "queue":
		fuzzer.sched = schedule.NewQueue(cov)
	default:
		return nil, fmt.Errorf("unknown scheduler %q", cfg.Scheduler)
	}
	fuzzer.feedback = CorpusFeedback(cov, exec.Time(), fuzzer.queueName)
	fuzzer.objective = ObjectiveFeedback(cov, cfg.IgnoreTimeouts, solutionName)

	fuzzer.stages = append(fuzzer.stages, stages.NewCalibration())
	if cfg.Tracer != nil {
		fuzzer.stages = append(fuzzer.stages, stages.If("cmplog", stages.CmpLogPredicate(cfg.CmpLogOnlyNew),
			stages.NewColorization(), stages.NewTracing(cfg.Tracer), stages.NewI2S(stages.DefaultMaxI2SMutants)))
	}
	fuzzer.stages = append(fuzzer.stages,
		stages.NewPower(&mutate.Havoc{MinLen: cfg.MinInputLen, MaxLen: cfg.MaxInputLen}),
		stages.NewVerifyTimeouts(),
	)
	if cfg.StatsDir != "" {
		fuzzer.stages = append(fuzzer.stages, stages.NewStats(cfg.StatsDir, cfg.StatsInterval))
	}
	// A restored campaign already loaded its seeds.
	if st.Corpus.Count() != 0 {
		fuzzer.feedback.DoneLoadingSeeds()
	}
	return fuzzer, nil
}

func (fuzzer *Fuzzer) Coverage() *observer.Map { return fuzzer.exec.Coverage() }

func (fuzzer *Fuzzer) Time() *observer.Time { return fuzzer.exec.Time() }

func (fuzzer *Fuzzer) Timeout() time.Duration { return fuzzer.exec.Timeout() }

func (fuzzer *Fuzzer) SetTimeout(timeout time.Duration) { fuzzer.exec.SetTimeout(timeout) }

// Execute runs the input without evaluating it.
func (fuzzer *Fuzzer) Execute(st *state.State, input []byte) (ipc.ExitKind, error) {
	kind, err := fuzzer.exec.Run(input)
	if err != nil {
		return kind, err
	}
	st.Executions++
	statExecs.Add(1)
	return kind, nil
}

// Evaluate executes the input and admits it into the solutions or the queue.
// The objective is consulted first; a solution is never added to the queue.
func (fuzzer *Fuzzer) Evaluate(st *state.State, input []byte) (feedback.Verdict, error) {
	verdict, _, err := fuzzer.evaluate(st, input)
	return verdict, err
}

func (fuzzer *Fuzzer) evaluate(st *state.State, input []byte) (feedback.Verdict, corpus.ID, error) {
	kind, err := fuzzer.Execute(st, input)
	if err != nil {
		return feedback.Discard, corpus.NoID, err
	}
	verdict, id, err := fuzzer.evaluateExecuted(st, input, kind)
	if err != nil {
		return verdict, id, err
	}
	if err := fuzzer.maybeCheckpoint(st); err != nil {
		return verdict, id, err
	}
	return verdict, id, nil
}

func (fuzzer *Fuzzer) evaluateExecuted(st *state.State, input []byte, kind ipc.ExitKind) (
	feedback.Verdict, corpus.ID, error) {
	if err := fuzzer.sched.OnEvaluation(st); err != nil {
		return feedback.Discard, corpus.NoID, err
	}
	solution, err := fuzzer.objective.IsInteresting(st, input, kind)
	if err != nil {
		return feedback.Discard, corpus.NoID, err
	}
	if solution {
		if err := fuzzer.feedback.DiscardMetadata(st, input); err != nil {
			return feedback.Discard, corpus.NoID, err
		}
		id, err := fuzzer.addSolution(st, input, kind)
		return feedback.Solution, id, err
	}
	interesting, err := fuzzer.feedback.IsInteresting(st, input, kind)
	if err != nil {
		return feedback.Discard, corpus.NoID, err
	}
	if err := fuzzer.objective.DiscardMetadata(st, input); err != nil {
		return feedback.Discard, corpus.NoID, err
	}
	if !interesting {
		if err := fuzzer.feedback.DiscardMetadata(st, input); err != nil {
			return feedback.Discard, corpus.NoID, err
		}
		return feedback.Discard, corpus.NoID, nil
	}
	id, err := fuzzer.addToQueue(st, input, kind)
	return feedback.Corpus, id, err
}

func (fuzzer *Fuzzer) newTestcase(st *state.State, input []byte, kind ipc.ExitKind) *corpus.Testcase {
	tc := corpus.NewTestcase(input)
	tc.ExitKind = kind
	tc.Executions = st.Executions
	tc.ExecTime = fuzzer.exec.Time().Last()
	if id, ok := st.CurrentID(); ok && st.Corpus.Get(id) != nil {
		tc.Parent = id
	}
	return tc
}

func (fuzzer *Fuzzer) addSolution(st *state.State, input []byte, kind ipc.ExitKind) (corpus.ID, error) {
	tc := fuzzer.newTestcase(st, input, kind)
	if err := fuzzer.objective.AppendMetadata(st, tc); err != nil {
		return corpus.NoID, err
	}
	id, err := st.Solutions.Add(tc)
	if err != nil {
		return corpus.NoID, err
	}
	if parent := st.Corpus.Get(tc.Parent); parent != nil && tc.Parent != corpus.NoID {
		parent.ObjectivesFound++
	}
	statSolutions.Add(1)
	log.Logf(0, "new %v solution %v (%v bytes)", kind, tc.Filename, len(input))
	return id, nil
}

func (fuzzer *Fuzzer) addToQueue(st *state.State, input []byte, kind ipc.ExitKind) (corpus.ID, error) {
	tc := fuzzer.newTestcase(st, input, kind)
	if err := fuzzer.feedback.AppendMetadata(st, tc); err != nil {
		return corpus.NoID, err
	}
	id, err := st.Corpus.Add(tc)
	if err != nil {
		return corpus.NoID, err
	}
	if err := fuzzer.sched.OnAdd(st, id); err != nil {
		return id, err
	}
	statCorpus.Add(1)
	log.Logf(1, "new queue entry %v (%v bytes)", tc.Filename, len(input))
	return id, nil
}

// AddInput executes the input and adds it to the queue regardless of the feedbacks.
// Feedbacks still see the run, so their history accounts for the entry.
func (fuzzer *Fuzzer) AddInput(st *state.State, input []byte) (corpus.ID, error) {
	kind, err := fuzzer.Execute(st, input)
	if err != nil {
		return corpus.NoID, err
	}
	if _, err := fuzzer.feedback.IsInteresting(st, input, kind); err != nil {
		return corpus.NoID, err
	}
	if err := fuzzer.sched.OnEvaluation(st); err != nil {
		return corpus.NoID, err
	}
	return fuzzer.addToQueue(st, input, kind)
}

// FuzzOne selects the next entry and performs all stages on it.
// If the state was restored in the middle of an entry, that entry is continued
// from the interrupted stage, unless the stage refuses to restart.
func (fuzzer *Fuzzer) FuzzOne(ctx context.Context, st *state.State) (corpus.ID, error) {
	first, restarted := 0, false
	progress, ok := meta.Get[meta.StageProgress](st.Meta)
	if ok && st.Corpus.Get(corpus.ID(progress.Entry)) != nil {
		st.SetCurrentID(corpus.ID(progress.Entry))
		first, restarted = progress.Stage, true
		log.Logf(0, "resuming entry %v at stage %v", progress.Entry, progress.Stage)
	} else {
		id, err := fuzzer.sched.Next(st)
		if err != nil {
			return corpus.NoID, err
		}
		progress = &meta.StageProgress{Entry: uint64(id)}
		meta.Put(st.Meta, progress)
	}
	id := corpus.ID(progress.Entry)
	for i := first; i < len(fuzzer.stages); i++ {
		stage := fuzzer.stages[i]
		progress.Stage = i
		if restarted && i == first && !stage.ShouldRestart(st) {
			log.Logf(0, "not restarting %v stage for entry %v", stage.Name(), id)
			stage.ClearProgress(st)
			continue
		}
		if err := stage.Perform(ctx, fuzzer, st); err != nil {
			return id, fmt.Errorf("%v stage: %w", stage.Name(), err)
		}
		stage.ClearProgress(st)
	}
	meta.Remove[meta.StageProgress](st.Meta)
	statFuzzed.Add(1)
	return id, nil
}

// Loop fuzzes until ctx is canceled. The state is checkpointed before returning.
func (fuzzer *Fuzzer) Loop(ctx context.Context, st *state.State) error {
	for ctx.Err() == nil {
		if _, err := fuzzer.FuzzOne(ctx, st); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				break
			}
			return err
		}
	}
	return fuzzer.Checkpoint(st)
}

// Checkpoint saves the state if a state file is configured.
func (fuzzer *Fuzzer) Checkpoint(st *state.State) error {
	fuzzer.lastCheckpoint = fuzzer.now()
	if fuzzer.Config.StateFile == "" {
		return nil
	}
	if err := st.Save(fuzzer.Config.StateFile); err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	log.Logf(1, "saved checkpoint: %v executions, %v queue entries", st.Executions, st.Corpus.Count())
	return nil
}

func (fuzzer *Fuzzer) maybeCheckpoint(st *state.State) error {
	if fuzzer.Config.StateFile == "" || fuzzer.Config.CheckpointInterval <= 0 {
		return nil
	}
	if fuzzer.lastCheckpoint.IsZero() {
		fuzzer.lastCheckpoint = fuzzer.now()
		return nil
	}
	if fuzzer.now().Sub(fuzzer.lastCheckpoint) < fuzzer.Config.CheckpointInterval {
		return nil
	}
	return fuzzer.Checkpoint(st)
}
