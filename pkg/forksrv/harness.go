// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package forksrv

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"syscall"

	"github.com/powerfuzz/powerfuzz/pkg/osutil"
)

// Func is an in-process harness. It runs in the helper process itself
// and returns the wait status it wants to report.
type Func func(input []byte, regions *Regions) syscall.WaitStatus

func (fn Func) Exec(req *Request) (Process, error) {
	input, err := req.Input()
	if err != nil {
		return nil, err
	}
	return &funcProcess{fn: fn, input: input, regions: req.Regions}, nil
}

type funcProcess struct {
	fn      Func
	input   []byte
	regions *Regions
}

func (p *funcProcess) Pid() int {
	return os.Getpid()
}

func (p *funcProcess) Wait() (syscall.WaitStatus, error) {
	return p.fn(p.input, p.regions), nil
}

// Exec starts the target binary for every execution.
// The target inherits the environment, so it finds shared memory regions itself.
// The input is also given to the target: through a temp file substituted for
// "@@" arguments left in place by the engine, otherwise on stdin.
type Exec struct {
	Argv   []string
	Output io.Writer

	inFile string
}

func (h *Exec) Exec(req *Request) (Process, error) {
	input, err := req.Input()
	if err != nil {
		return nil, err
	}
	argv, err := h.substituteInput(input)
	if err != nil {
		return nil, err
	}
	cmd := osutil.Command(argv[0], argv[1:]...)
	if h.inFile == "" {
		cmd.Stdin = bytes.NewReader(input)
	}
	cmd.Stdout = h.Output
	cmd.Stderr = h.Output
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

// substituteInput writes input into the temp input file if argv has "@@"
// and returns argv with "@@" replaced by the file path.
func (h *Exec) substituteInput(input []byte) ([]string, error) {
	if !slices.Contains(h.Argv, "@@") {
		return h.Argv, nil
	}
	if h.inFile == "" {
		f, err := os.CreateTemp("", "pf-stub-input-")
		if err != nil {
			return nil, fmt.Errorf("failed to create input file: %w", err)
		}
		f.Close()
		h.inFile = f.Name()
	}
	if err := osutil.WriteFile(h.inFile, input); err != nil {
		return nil, err
	}
	argv := slices.Clone(h.Argv)
	for i, arg := range argv {
		if arg == "@@" {
			argv[i] = h.inFile
		}
	}
	return argv, nil
}

// Close removes the temp input file.
func (h *Exec) Close() error {
	if h.inFile == "" {
		return nil
	}
	err := os.Remove(h.inFile)
	h.inFile = ""
	return err
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (syscall.WaitStatus, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return 0, err
	}
	return p.cmd.ProcessState.Sys().(syscall.WaitStatus), nil
}
