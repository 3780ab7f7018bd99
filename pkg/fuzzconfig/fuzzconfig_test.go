// Copyright 2017 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzconfig

import (
	"errors"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/shmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanned(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "*.*"))
	require.NoError(t, err)
	loaded := 0
	for _, file := range files {
		if filepath.Ext(file) == ".env" {
			continue
		}
		t.Run(file, func(t *testing.T) {
			_, err := LoadFile(file)
			require.NoError(t, err)
		})
		loaded++
	}
	assert.Equal(t, 2, loaded)
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join("testdata", "shmem.cfg"))
	require.NoError(t, err)
	assert.Equal(t, ipc.InputShmem, cfg.InputMode)
	assert.Equal(t, 100*time.Millisecond, cfg.ExecTimeout)
	assert.Equal(t, syscall.SIGKILL, cfg.KillSig)
	assert.Equal(t, meta.StrategyFast, cfg.Strategy)
	assert.Equal(t, shmem.SysV, cfg.ShmemProvider)
	assert.Equal(t, "weighted", cfg.Scheduler)
	assert.Equal(t, cfg.Workdir, cfg.InputDir)
	assert.True(t, filepath.IsAbs(cfg.Seeds[0]))
	assert.Empty(t, cfg.Env)
	assert.Nil(t, cfg.CmpLogIPC())

	ipcCfg := cfg.IPC()
	assert.Equal(t, []string{"./harness"}, ipcCfg.Helper)
	assert.Equal(t, 1<<16, ipcCfg.MapSize)
	assert.False(t, ipcCfg.Trace)
}

func TestTargetEnv(t *testing.T) {
	cfg, err := LoadFile(filepath.Join("testdata", "cmplog.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ipc.InputFile, cfg.InputMode)
	assert.Equal(t, syscall.SIGTERM, cfg.KillSig)
	// target_env overrides the env file.
	assert.Equal(t, []string{"ASAN_OPTIONS=abort_on_error=1", "HARNESS_MODE=fast"}, cfg.Env)

	trace := cfg.CmpLogIPC()
	require.NotNil(t, trace)
	assert.True(t, trace.Trace)
	assert.Equal(t, []string{"./harness.cmplog", "@@"}, trace.Helper)
	assert.Equal(t, cfg.Env, trace.Env)
	assert.Equal(t, 42, trace.CrashExitCode)
}

func TestOverride(t *testing.T) {
	file := filepath.Join("testdata", "shmem.cfg")
	cfg, err := LoadFileOverride(file, []byte(`{"timeout": 250, "target_env": {"A": "1"}}`))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.ExecTimeout)
	assert.Equal(t, meta.StrategyFast, cfg.Strategy)
	assert.Equal(t, []string{"A=1"}, cfg.Env)

	cfg, err = LoadFileOverride(file, nil)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, cfg.ExecTimeout)

	_, err = LoadFileOverride(file, []byte(`{"no_such_option": 1}`))
	assert.Error(t, err)
	_, err = LoadFileOverride(file, []byte(`{"timeout": 0}`))
	assert.ErrorIs(t, err, ErrIllegalConfiguration)
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		illegal bool
	}{
		{"no workdir", `{"target": ["a"]}`, false},
		{"no target", `{"workdir": "w"}`, false},
		{"unknown field", `{"workdir": "w", "target": ["a"], "foo": 1}`, false},
		{"bad input", `{"workdir": "w", "target": ["a"], "input": "socket"}`, false},
		{"bad schedule", `{"workdir": "w", "target": ["a"], "power_schedule": "mmopt"}`, false},
		{"bad scheduler", `{"workdir": "w", "target": ["a"], "scheduler": "random"}`, false},
		{"bad signal", `{"workdir": "w", "target": ["a"], "kill_signal": "SIGNOPE"}`, false},
		{"bad lengths", `{"workdir": "w", "target": ["a"], "min_input_len": 10, "max_input_len": 5}`, false},
		{"bad env", `{"workdir": "w", "target": ["a"], "target_env": {"A=B": "c"}}`, false},
		{"missing env file", `{"workdir": "w", "target": ["a"], "target_env_file": "/no/such/file"}`, false},
		{"stdin input dir", `{"workdir": "w", "target": ["a"], "input": "stdin", "input_dir": "/tmp"}`, true},
		{"cmplog only new", `{"workdir": "w", "target": ["a"], "cmplog_only_new": true}`, true},
		{"zero timeout", `{"workdir": "w", "target": ["a"], "timeout": 0}`, true},
		{"cycling queue", `{"workdir": "w", "target": ["a"], "scheduler": "queue", "cycle_schedules": true}`, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := LoadData([]byte(test.data))
			require.Error(t, err)
			assert.Equal(t, test.illegal, errors.Is(err, ErrIllegalConfiguration), "%v", err)
		})
	}
}
