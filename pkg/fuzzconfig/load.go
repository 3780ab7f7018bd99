// Copyright 2015 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzconfig

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/powerfuzz/powerfuzz/pkg/config"
	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/osutil"
	"github.com/powerfuzz/powerfuzz/pkg/shmem"
)

// ErrIllegalConfiguration is returned for option combinations that cannot work together.
var ErrIllegalConfiguration = errors.New("illegal configuration")

func LoadData(data []byte) (*Config, error) {
	cfg, err := LoadPartialData(data)
	if err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFile(filename string) (*Config, error) {
	cfg, err := LoadPartialFile(filename)
	if err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFileOverride loads filename with the JSON object override merged on top of it.
func LoadFileOverride(filename string, override []byte) (*Config, error) {
	cfg, err := LoadPartialFile(filename)
	if err != nil {
		return nil, err
	}
	if len(override) != 0 {
		data, err := config.SaveData(cfg)
		if err != nil {
			return nil, err
		}
		if data, err = config.MergeJSONData(data, override); err != nil {
			return nil, fmt.Errorf("bad config override: %w", err)
		}
		if cfg, err = LoadPartialData(data); err != nil {
			return nil, err
		}
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadPartialData(data []byte) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadData(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadPartialFile(filename string) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadFile(filename, cfg); err != nil {
		return nil, err
	}
	if cfg.TargetEnvFile != "" && !filepath.IsAbs(cfg.TargetEnvFile) {
		cfg.TargetEnvFile = filepath.Join(filepath.Dir(filename), cfg.TargetEnvFile)
	}
	return cfg, nil
}

func defaultValues() *Config {
	return &Config{
		Input:              "shmem",
		MapSize:            1 << 16,
		MinInputLen:        1,
		MaxInputLen:        1 << 20,
		Timeout:            1000,
		KillSignal:         "SIGKILL",
		PowerSchedule:      "explore",
		Scheduler:          "weighted",
		Shmem:              "sysv",
		CheckpointInterval: 60,
		StatsInterval:      5,
	}
}

func illegal(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %v", ErrIllegalConfiguration, fmt.Sprintf(format, args...))
}

func Complete(cfg *Config) error {
	if cfg.Workdir == "" {
		return fmt.Errorf("config param workdir is empty")
	}
	cfg.Workdir = osutil.Abs(cfg.Workdir)
	if len(cfg.Target) == 0 || cfg.Target[0] == "" {
		return fmt.Errorf("config param target is empty")
	}
	var err error
	if cfg.InputMode, err = ipc.ParseInputMode(cfg.Input); err != nil {
		return err
	}
	if cfg.InputDir != "" && cfg.InputMode == ipc.InputStdin {
		return illegal("input_dir can't be used with stdin input")
	}
	if cfg.InputDir == "" {
		cfg.InputDir = cfg.Workdir
	}
	cfg.InputDir = osutil.Abs(cfg.InputDir)
	if cfg.Timeout <= 0 {
		return illegal("timeout must be positive, got %v", cfg.Timeout)
	}
	cfg.ExecTimeout = time.Duration(cfg.Timeout) * time.Millisecond
	if cfg.MapSize <= 0 {
		return fmt.Errorf("bad map_size %v", cfg.MapSize)
	}
	if cfg.MinInputLen < 0 || cfg.MaxInputLen <= 0 || cfg.MinInputLen > cfg.MaxInputLen {
		return fmt.Errorf("bad input length bounds [%v, %v]", cfg.MinInputLen, cfg.MaxInputLen)
	}
	if cfg.KillSig, err = osutil.ParseSignal(cfg.KillSignal); err != nil {
		return err
	}
	if cfg.CmpLogOnlyNew && len(cfg.CmpLogTarget) == 0 {
		return illegal("cmplog_only_new requires cmplog_target")
	}
	if cfg.Strategy, err = meta.ParseStrategy(cfg.PowerSchedule); err != nil {
		return err
	}
	switch cfg.Scheduler {
	case "weighted", "minimizer", "queue":
	default:
		return fmt.Errorf("unknown scheduler %q", cfg.Scheduler)
	}
	if cfg.CycleSchedules && cfg.Scheduler == "queue" {
		return illegal("cycle_schedules requires a power schedule scheduler")
	}
	if cfg.ShmemProvider, err = shmem.ParseProvider(cfg.Shmem); err != nil {
		return err
	}
	if cfg.CheckpointInterval < 0 || cfg.StatsInterval < 0 {
		return fmt.Errorf("intervals can't be negative")
	}
	for i, dir := range cfg.Seeds {
		cfg.Seeds[i] = osutil.Abs(dir)
	}
	return completeEnv(cfg)
}

func completeEnv(cfg *Config) error {
	env := make(map[string]string)
	if cfg.TargetEnvFile != "" {
		fileEnv, err := godotenv.Read(cfg.TargetEnvFile)
		if err != nil {
			return fmt.Errorf("failed to read target_env_file: %w", err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for k, v := range cfg.TargetEnv {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("bad target_env variable %q", k)
		}
		env[k] = v
	}
	cfg.Env = nil
	for k, v := range env {
		cfg.Env = append(cfg.Env, k+"="+v)
	}
	sort.Strings(cfg.Env)
	return nil
}
