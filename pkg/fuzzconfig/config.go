// Copyright 2015 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzconfig

import (
	"syscall"
	"time"

	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/shmem"
)

type Config struct {
	// Location of a working directory for the pf-fuzz process. Outputs here include:
	// - <workdir>/queue/*: corpus entries
	// - <workdir>/objectives/*: crashing and hanging inputs
	// - <workdir>/fuzzer_stats: periodically refreshed status
	// - <workdir>/state.json.xz: checkpoint used by -resume
	Workdir string `json:"workdir"`
	// Target command line, the first element is the binary.
	// "@@" arguments are replaced with the input file path.
	Target []string `json:"target"`
	// Directories with the initial corpus. Every regular file is one seed.
	Seeds []string `json:"seeds,omitempty"`
	// How inputs reach the target: "shmem" (default), "file" or "stdin".
	Input string `json:"input,omitempty"`
	// Directory for the current input file in file and stdin modes (optional, defaults to workdir).
	InputDir string `json:"input_dir,omitempty"`
	// Coverage map size in bytes.
	MapSize     int `json:"map_size"`
	MinInputLen int `json:"min_input_len"`
	MaxInputLen int `json:"max_input_len"`
	// Execution timeout in milliseconds.
	Timeout int `json:"timeout"`
	// Signal sent to the target on timeout, e.g. "SIGKILL" or "9".
	KillSignal string `json:"kill_signal,omitempty"`
	// Exit codes treated as a crash or as out of memory (0 disables).
	CrashExitCode int `json:"crash_exit_code,omitempty"`
	OOMExitCode   int `json:"oom_exit_code,omitempty"`
	// Libraries injected into the target with LD_PRELOAD.
	Preload []string `json:"preload,omitempty"`
	// Additional target environment.
	TargetEnv map[string]string `json:"target_env,omitempty"`
	// File in dotenv format with additional target environment.
	// Values from target_env take precedence.
	TargetEnvFile string `json:"target_env_file,omitempty"`
	// Target built with comparison logging. Enables the tracing and input-to-state stages.
	CmpLogTarget []string `json:"cmplog_target,omitempty"`
	// Trace only entries found during fuzzing, not the initial corpus.
	CmpLogOnlyNew bool `json:"cmplog_only_new,omitempty"`
	// Power schedule: explore, exploit, fast, coe, lin or quad.
	PowerSchedule string `json:"power_schedule,omitempty"`
	// Rotate power schedules after every queue cycle.
	CycleSchedules bool `json:"cycle_schedules,omitempty"`
	// Corpus scheduler: "weighted" (default), "minimizer" or "queue".
	Scheduler string `json:"scheduler,omitempty"`
	// Never save hangs as objectives.
	IgnoreTimeouts bool `json:"ignore_timeouts,omitempty"`
	// Random seed (0 means current time).
	Seed int64 `json:"seed,omitempty"`
	// Shared memory provider: "sysv" (default) or "memfd".
	Shmem string `json:"shmem,omitempty"`
	// Intervals in seconds between state checkpoints and fuzzer_stats updates (0 disables).
	CheckpointInterval int `json:"checkpoint_interval"`
	StatsInterval      int `json:"stats_interval"`
	// Address to serve /metrics on (optional).
	HTTP string `json:"http,omitempty"`
	// Pass target output through to stderr.
	Debug bool `json:"debug,omitempty"`

	// Implementation details beyond this point. Filled after parsing.
	Derived `json:"-"`
}

type Derived struct {
	InputMode     ipc.InputMode
	ExecTimeout   time.Duration
	KillSig       syscall.Signal
	Strategy      meta.Strategy
	ShmemProvider shmem.Provider
	// Env is the target environment in KEY=VALUE form, sorted by key.
	Env []string
}

// IPC returns execution engine config for the main target.
func (cfg *Config) IPC() *ipc.Config {
	return &ipc.Config{
		Helper:        cfg.Target,
		Env:           cfg.Env,
		Preload:       cfg.Preload,
		InputMode:     cfg.InputMode,
		InputDir:      cfg.InputDir,
		MapSize:       cfg.MapSize,
		MaxInputSize:  cfg.MaxInputLen,
		Timeout:       cfg.ExecTimeout,
		KillSignal:    cfg.KillSig,
		CrashExitCode: cfg.CrashExitCode,
		OOMExitCode:   cfg.OOMExitCode,
		Provider:      cfg.ShmemProvider,
		Debug:         cfg.Debug,
	}
}

// CmpLogIPC returns execution engine config for the comparison logging target,
// or nil if it is not configured.
func (cfg *Config) CmpLogIPC() *ipc.Config {
	if len(cfg.CmpLogTarget) == 0 {
		return nil
	}
	c := cfg.IPC()
	c.Helper = cfg.CmpLogTarget
	c.Trace = true
	return c
}
