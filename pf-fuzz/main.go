// Copyright 2015 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// pf-fuzz runs a coverage-guided fuzzing campaign against a forkserver target.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/powerfuzz/powerfuzz/pkg/config"
	"github.com/powerfuzz/powerfuzz/pkg/corpus"
	"github.com/powerfuzz/powerfuzz/pkg/fuzzconfig"
	"github.com/powerfuzz/powerfuzz/pkg/fuzzer"
	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/log"
	"github.com/powerfuzz/powerfuzz/pkg/osutil"
	"github.com/powerfuzz/powerfuzz/pkg/stat"
	"github.com/powerfuzz/powerfuzz/pkg/state"
	"golang.org/x/sync/errgroup"
)

var (
	flagConfig = flag.String("config", "", "configuration file")
	flagResume = flag.Bool("resume", false, "continue the campaign from the checkpoint in workdir")
	flagDebug  = flag.Bool("debug", false, "dump all target output to console and log new queue entries")
	flagHTTP   = flag.String("http", "", "serve /metrics on this address (overrides config)")
	flagSet    = flag.String("set", "", "JSON object merged on top of the config file, e.g. '{\"timeout\": 200}'")
)

const stateFile = "state.json.xz"

func main() {
	flag.Parse()
	log.EnableLogCaching(1000, 1<<20)
	cfg, err := fuzzconfig.LoadFileOverride(*flagConfig, []byte(*flagSet))
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *flagDebug {
		cfg.Debug = true
		if !log.V(1) {
			log.SetVerbosity(1)
		}
	}
	if *flagHTTP != "" {
		cfg.HTTP = *flagHTTP
	}
	defer log.Sync()
	if err := run(cfg); err != nil {
		var launch ipc.LaunchFailure
		if errors.As(err, &launch) {
			log.Fatalf("failed to start the target: %v", err)
		}
		log.Fatal(err)
	}
}

func run(cfg *fuzzconfig.Config) error {
	if err := osutil.MkdirAll(cfg.Workdir); err != nil {
		return fmt.Errorf("failed to create workdir: %w", err)
	}
	if err := config.SaveFile(filepath.Join(cfg.Workdir, "config.json"), cfg); err != nil {
		return err
	}
	st, err := loadState(cfg)
	if err != nil {
		return err
	}
	env, err := ipc.MakeEnv(cfg.IPC())
	if err != nil {
		return err
	}
	defer env.Close()
	fuzzCfg := &fuzzer.Config{
		Timeout:            cfg.ExecTimeout,
		IgnoreTimeouts:     cfg.IgnoreTimeouts,
		Strategy:           cfg.Strategy,
		CycleSchedules:     cfg.CycleSchedules,
		Scheduler:          cfg.Scheduler,
		MinInputLen:        cfg.MinInputLen,
		MaxInputLen:        cfg.MaxInputLen,
		CmpLogOnlyNew:      cfg.CmpLogOnlyNew,
		StateFile:          filepath.Join(cfg.Workdir, stateFile),
		CheckpointInterval: time.Duration(cfg.CheckpointInterval) * time.Second,
		StatsDir:           cfg.Workdir,
		StatsInterval:      time.Duration(cfg.StatsInterval) * time.Second,
	}
	if traceCfg := cfg.CmpLogIPC(); traceCfg != nil {
		tracer, err := ipc.MakeEnv(traceCfg)
		if err != nil {
			return fmt.Errorf("failed to create cmplog executor: %w", err)
		}
		defer tracer.Close()
		fuzzCfg.Tracer = tracer
	}
	fuzz, err := fuzzer.NewFuzzer(fuzzCfg, st, env)
	if err != nil {
		return err
	}

	shutdown := make(chan struct{})
	osutil.HandleInterrupts(shutdown)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-shutdown
		cancel()
	}()

	if st.Corpus.Count() == 0 {
		if err := fuzz.LoadInitialInputs(ctx, st, cfg.Seeds); err != nil {
			return err
		}
	}
	log.Logf(0, "fuzzing with %v schedule, %v queue entries, %v solutions",
		cfg.PowerSchedule, st.Corpus.Count(), st.Solutions.Count())

	eg, loopCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return fuzz.Loop(loopCtx, st) })
	if cfg.HTTP != "" {
		eg.Go(func() error {
			// Metrics are not worth stopping the campaign.
			if err := serveHTTP(loopCtx, cfg.HTTP, cfg.Workdir); err != nil {
				log.Errorf("http server failed: %v", err)
			}
			return nil
		})
	}
	if cfg.StatsInterval != 0 {
		eg.Go(func() error {
			heartbeat(loopCtx, time.Duration(cfg.StatsInterval)*time.Second)
			return nil
		})
	}
	return eg.Wait()
}

func loadState(cfg *fuzzconfig.Config) (*state.State, error) {
	queue, err := corpus.New("queue", filepath.Join(cfg.Workdir, "queue"))
	if err != nil {
		return nil, err
	}
	solutions, err := corpus.New("solutions", filepath.Join(cfg.Workdir, "objectives"))
	if err != nil {
		return nil, err
	}
	if *flagResume {
		file := filepath.Join(cfg.Workdir, stateFile)
		if !osutil.IsExist(file) {
			return nil, fmt.Errorf("no checkpoint to resume from: %v does not exist", file)
		}
		st, err := state.Load(file, queue, solutions)
		if err != nil {
			return nil, fmt.Errorf("failed to resume: %w", err)
		}
		log.Logf(0, "resumed campaign: %v executions, %v queue entries, %v solutions",
			st.Executions, st.Corpus.Count(), st.Solutions.Count())
		return st, nil
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log.Logf(0, "random seed %v", seed)
	return state.New(seed, queue, solutions), nil
}

func heartbeat(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var parts []string
		for _, v := range stat.Collect(stat.Console) {
			parts = append(parts, fmt.Sprintf("%v=%v", v.Name, v.Value))
		}
		log.Logf(0, "%v", strings.Join(parts, " "))
	}
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: pf-fuzz -config=pf.cfg [-resume] [-http=:8080] [-set=json]\n")
		flag.PrintDefaults()
	}
}
