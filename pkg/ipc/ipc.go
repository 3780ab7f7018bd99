// Copyright 2015 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package ipc runs the target through a long-lived helper process.
// See pkg/forksrv for the helper side of the protocol.
package ipc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/powerfuzz/powerfuzz/pkg/forksrv"
	"github.com/powerfuzz/powerfuzz/pkg/log"
	"github.com/powerfuzz/powerfuzz/pkg/observer"
	"github.com/powerfuzz/powerfuzz/pkg/osutil"
	"github.com/powerfuzz/powerfuzz/pkg/shmem"
	"github.com/powerfuzz/powerfuzz/pkg/stat"
)

// ExitKind is the classified outcome of one execution.
type ExitKind int

const (
	Normal ExitKind = iota
	Crash
	Timeout
	OutOfMemory
)

func (k ExitKind) String() string {
	switch k {
	case Normal:
		return "normal"
	case Crash:
		return "crash"
	case Timeout:
		return "timeout"
	case OutOfMemory:
		return "oom"
	}
	return fmt.Sprintf("exitkind(%d)", int(k))
}

// InputMode says how the input reaches the target.
type InputMode int

const (
	InputShmem InputMode = iota // shared memory region published in __AFL_SHM_FUZZ_ID
	InputFile                   // file path substituted for @@ in helper arguments
	InputStdin                  // file passed as the helper's stdin
)

func (m InputMode) String() string {
	switch m {
	case InputShmem:
		return "shmem"
	case InputFile:
		return "file"
	case InputStdin:
		return "stdin"
	}
	return fmt.Sprintf("input(%d)", int(m))
}

func ParseInputMode(name string) (InputMode, error) {
	switch name {
	case "", "shmem":
		return InputShmem, nil
	case "file":
		return InputFile, nil
	case "stdin":
		return InputStdin, nil
	}
	return 0, fmt.Errorf("unknown input mode %q", name)
}

// LaunchFailure is returned when the helper process cannot be started or never says hello.
// It is fatal: the engine can't execute anything without the helper.
type LaunchFailure string

func (err LaunchFailure) Error() string {
	return string(err)
}

// ProtocolViolation is returned when the helper sends an unexpected control word.
// It is fatal: it indicates a corrupted or incompatible helper.
type ProtocolViolation string

func (err ProtocolViolation) Error() string {
	return string(err)
}

// Config is the configuration for Env.
type Config struct {
	// Helper is the helper command line. "@@" arguments are replaced with the input file path.
	Helper []string
	// Env contains additional KEY=VALUE pairs for the helper environment.
	Env []string
	// Preload libraries are injected with LD_PRELOAD (DYLD_INSERT_LIBRARIES on darwin).
	Preload   []string
	InputMode InputMode
	// InputDir holds the input file in file and stdin modes.
	InputDir     string
	MapSize      int
	MaxInputSize int
	// Timeout is the execution timeout for a single input.
	Timeout          time.Duration
	HandshakeTimeout time.Duration
	// KillSignal is sent to the executing process on timeout.
	KillSignal syscall.Signal
	// Exit codes that classify the run as a crash or OOM. Zero disables.
	CrashExitCode int
	OOMExitCode   int
	// Trace publishes the comparison logging region.
	Trace    bool
	Provider shmem.Provider
	// Debug passes helper output through to stderr.
	Debug bool
}

type Env struct {
	config  *Config
	timeout time.Duration

	cov    *shmem.Region
	input  *shmem.Region
	cmplog *shmem.Region
	inFile string
	stdin  *os.File
	cmd    *command

	coverage *observer.Map
	time     *observer.Time
	cmpLog   *observer.CmpLog
}

var (
	statExecs = stat.New("exec total", "Total target executions",
		stat.Console, stat.Rate{}, stat.Prometheus("pf_exec_total"))
	statRestarts = stat.New("helper restarts", "Number of helper process (re)starts",
		stat.Prometheus("pf_helper_restarts_total"))
	statTimeouts = stat.New("exec timeouts", "Executions killed on timeout",
		stat.Prometheus("pf_exec_timeouts_total"))
	statExecTime = stat.New("exec time us", "Execution time in microseconds",
		stat.Console, stat.Distribution{}, stat.Prometheus("pf_exec_time_us"))
)

const (
	defaultTimeout          = time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultMaxInputSize     = 1 << 20
)

func MakeEnv(config *Config) (*Env, error) {
	if len(config.Helper) == 0 || config.Helper[0] == "" {
		return nil, fmt.Errorf("helper binary is empty string")
	}
	if config.MapSize <= 0 {
		return nil, fmt.Errorf("bad coverage map size %v", config.MapSize)
	}
	env := &Env{
		config:  config,
		timeout: sanitizeTimeout(config),
		time:    observer.NewTime(),
	}
	ok := false
	defer func() {
		if !ok {
			env.Close()
		}
	}()
	var err error
	env.cov, err = shmem.New(config.Provider, config.MapSize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate coverage map: %w", err)
	}
	env.coverage = observer.NewMap("edges", env.cov.Mem)
	switch config.InputMode {
	case InputShmem:
		size := config.MaxInputSize
		if size <= 0 {
			size = defaultMaxInputSize
		}
		env.input, err = shmem.New(config.Provider, forksrv.InputHeaderSize+size)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate input region: %w", err)
		}
	case InputFile, InputStdin:
		dir := config.InputDir
		if dir == "" {
			dir = os.TempDir()
		}
		env.inFile = filepath.Join(osutil.Abs(dir), ".cur_input_"+uuid.NewString())
		if err := osutil.WriteFile(env.inFile, nil); err != nil {
			return nil, fmt.Errorf("failed to create input file: %w", err)
		}
		if config.InputMode == InputStdin {
			env.stdin, err = os.OpenFile(env.inFile, os.O_RDWR, 0)
			if err != nil {
				return nil, fmt.Errorf("failed to open input file: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unknown input mode %v", config.InputMode)
	}
	if config.Trace {
		env.cmplog, err = shmem.New(config.Provider, observer.CmpLogSize)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate cmplog region: %w", err)
		}
		env.cmpLog = observer.NewCmpLog(env.cmplog.Mem)
	}
	ok = true
	return env, nil
}

func (env *Env) Close() error {
	if env.cmd != nil {
		env.cmd.close()
		env.cmd = nil
	}
	var errs []error
	for _, r := range []*shmem.Region{env.cov, env.input, env.cmplog} {
		if r != nil {
			errs = append(errs, r.Close())
		}
	}
	if env.stdin != nil {
		errs = append(errs, env.stdin.Close())
	}
	if env.inFile != "" {
		errs = append(errs, os.Remove(env.inFile))
	}
	return errors.Join(errs...)
}

func (env *Env) Coverage() *observer.Map {
	return env.coverage
}

func (env *Env) Time() *observer.Time {
	return env.time
}

// CmpLog returns the comparison log observer, nil unless the env was made with Trace.
func (env *Env) CmpLog() *observer.CmpLog {
	return env.cmpLog
}

func (env *Env) Timeout() time.Duration {
	return env.timeout
}

// SetTimeout changes the timeout for all subsequent runs.
func (env *Env) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		panic(fmt.Sprintf("bad execution timeout %v", timeout))
	}
	env.timeout = timeout
}

// InputFile returns the path of the input file in file and stdin modes.
func (env *Env) InputFile() string {
	return env.inFile
}

// Run executes the input and classifies the outcome.
// Crashes and timeouts are not errors. Errors are LaunchFailure, ProtocolViolation
// or failures to deliver the input, and all of them are fatal for the caller.
func (env *Env) Run(input []byte) (ExitKind, error) {
	if err := env.writeInput(input); err != nil {
		return Normal, err
	}
	for attempt := 0; ; attempt++ {
		env.coverage.PreExec()
		if env.cmpLog != nil {
			env.cmpLog.PreExec()
		}
		if env.cmd == nil {
			statRestarts.Add(1)
			cmd, err := makeCommand(env)
			if err != nil {
				return Normal, err
			}
			env.cmd = cmd
		}
		statExecs.Add(1)
		env.time.PreExec()
		kind, restart, err := env.cmd.exec(env.timeout)
		env.time.PostExec()
		statExecTime.Add(int(env.time.Last() / time.Microsecond))
		if err != nil || restart {
			env.cmd.close()
			env.cmd = nil
		}
		if err == errHelperGone && attempt == 0 {
			// The helper died after the previous run; nothing was executed yet.
			log.Logf(1, "helper exited between runs, restarting")
			continue
		}
		if err != nil {
			return Normal, err
		}
		if kind == Timeout {
			statTimeouts.Add(1)
		}
		env.coverage.PostExec()
		if env.cmpLog != nil {
			env.cmpLog.PostExec()
		}
		return kind, nil
	}
}

func (env *Env) writeInput(input []byte) error {
	switch env.config.InputMode {
	case InputShmem:
		forksrv.PutInput(env.input.Mem, input)
	case InputFile:
		if err := osutil.WriteFile(env.inFile, input); err != nil {
			return fmt.Errorf("failed to write input file: %w", err)
		}
	case InputStdin:
		if err := env.stdin.Truncate(0); err != nil {
			return fmt.Errorf("failed to truncate input file: %w", err)
		}
		if _, err := env.stdin.WriteAt(input, 0); err != nil {
			return fmt.Errorf("failed to write input file: %w", err)
		}
	}
	return nil
}

var errHelperGone = errors.New("helper is gone")

type command struct {
	config   *Config
	cmd      *exec.Cmd
	readDone chan []byte
	exited   chan struct{}
	ctl      *os.File
	status   *os.File
}

func makeCommand(env *Env) (*command, error) {
	config := env.config
	c := &command{
		config:   config,
		readDone: make(chan []byte, 1),
		exited:   make(chan struct{}),
	}
	defer func() {
		if c != nil {
			c.close()
		}
	}()

	// Output capture pipe.
	rp, wp, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	defer wp.Close()

	// engine->helper control pipe.
	ctlR, ctlW, err := os.Pipe()
	if err != nil {
		rp.Close()
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	defer ctlR.Close()
	c.ctl = ctlW

	// helper->engine status pipe.
	stR, stW, err := osutil.LongPipe()
	if err != nil {
		rp.Close()
		return nil, err
	}
	defer stW.Close()
	c.status = stR

	extra := []*os.File{ctlR, stW}
	environ := append(os.Environ(), config.Env...)
	environ = append(environ,
		forksrv.EnvCoverage+"="+env.cov.Publish(&extra),
		fmt.Sprintf("%v=%v", forksrv.EnvMapSize, config.MapSize),
	)
	if env.input != nil {
		environ = append(environ, forksrv.EnvInput+"="+env.input.Publish(&extra))
	}
	if env.cmplog != nil {
		environ = append(environ, forksrv.EnvCmpLog+"="+env.cmplog.Publish(&extra))
	}
	if config.InputMode == InputFile {
		environ = append(environ, forksrv.EnvInputFile+"="+env.inFile)
	}
	if len(config.Preload) != 0 {
		environ = append(environ, preloadVar()+"="+strings.Join(config.Preload, ":"))
	}

	argv := make([]string, len(config.Helper))
	for i, arg := range config.Helper {
		if arg == "@@" && env.inFile != "" {
			arg = env.inFile
		}
		argv[i] = arg
	}
	cmd := osutil.Command(argv[0], argv[1:]...)
	cmd.Env = environ
	cmd.ExtraFiles = extra
	if env.stdin != nil {
		cmd.Stdin = env.stdin
	}
	if config.Debug {
		close(c.readDone)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		rp.Close()
	} else {
		cmd.Stdout = wp
		cmd.Stderr = wp
		go func(c *command) {
			// Read out output in case helper constantly prints something.
			const bufSize = 128 << 10
			output := make([]byte, bufSize)
			var size uint64
			for {
				n, err := rp.Read(output[size:])
				if n > 0 {
					size += uint64(n)
					if size >= bufSize*3/4 {
						copy(output, output[size-bufSize/2:size])
						size = bufSize / 2
					}
				}
				if err != nil {
					rp.Close()
					c.readDone <- output[:size]
					close(c.readDone)
					return
				}
			}
		}(c)
	}
	if err := cmd.Start(); err != nil {
		wp.Close()
		return nil, LaunchFailure(fmt.Sprintf("failed to start helper %v: %v", argv[0], err))
	}
	c.cmd = cmd
	wp.Close()
	ctlR.Close()
	stW.Close()

	timeout := config.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}
	if err := c.handshake(timeout); err != nil {
		return nil, err
	}
	tmp := c
	c = nil // disable defer above
	return tmp, nil
}

func preloadVar() string {
	if runtime.GOOS == "darwin" {
		return "DYLD_INSERT_LIBRARIES"
	}
	return "LD_PRELOAD"
}

func (c *command) close() {
	if c.ctl != nil {
		c.ctl.Close()
	}
	if c.cmd != nil {
		c.cmd.Process.Kill()
		c.wait()
	}
	if c.status != nil {
		c.status.Close()
	}
}

// handshake waits for the hello word (helper startup and shared memory attach can take time).
func (c *command) handshake(timeout time.Duration) error {
	read := make(chan error, 1)
	go func() {
		magic, err := forksrv.ReadWord(c.status)
		if err != nil {
			read <- fmt.Errorf("failed to read status pipe: %w", err)
			return
		}
		if magic != forksrv.Hello {
			read <- ProtocolViolation(fmt.Sprintf("bad hello magic 0x%x", magic))
			return
		}
		read <- nil
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-read:
		if err != nil {
			return c.handshakeError(err)
		}
		return nil
	case <-t.C:
		return c.handshakeError(fmt.Errorf("no hello in %v", timeout))
	}
}

func (c *command) handshakeError(err error) error {
	c.cmd.Process.Kill()
	output := c.output()
	c.wait()
	var violation ProtocolViolation
	if errors.As(err, &violation) {
		return ProtocolViolation(fmt.Sprintf("helper %v: %v\n%s", c.cmd.Path, err, output))
	}
	return LaunchFailure(fmt.Sprintf("helper %v: %v\n%s", c.cmd.Path, err, output))
}

func (c *command) output() []byte {
	select {
	case out := <-c.readDone:
		return out
	case <-time.After(time.Second):
		// Somebody else (e.g. a leaked grandchild) holds the output pipe.
		return nil
	}
}

func (c *command) wait() error {
	err := c.cmd.Wait()
	select {
	case <-c.exited:
		// c.exited closed by an earlier call to wait.
	default:
		close(c.exited)
	}
	return err
}

// exec performs one run. restart says that the helper is dead or was killed.
func (c *command) exec(timeout time.Duration) (kind ExitKind, restart bool, err0 error) {
	if err := forksrv.WriteWord(c.ctl, forksrv.Start); err != nil {
		return Normal, true, errHelperGone
	}
	// At this point the input is executing.

	var pid atomic.Int64
	done := make(chan bool)
	hang := make(chan bool)
	go func() {
		t := time.NewTimer(timeout)
		select {
		case <-t.C:
			if p := pid.Load(); p > 0 {
				osutil.KillPid(int(p), c.killSignal())
			}
			c.cmd.Process.Kill()
			hang <- true
		case <-done:
			t.Stop()
			hang <- false
		}
	}()
	childPid, err := forksrv.ReadWord(c.status)
	if err == nil {
		pid.Store(int64(childPid))
	}
	var status uint32
	if err == nil {
		status, err = forksrv.ReadWord(c.status)
	}
	close(done)
	if <-hang {
		c.wait()
		return Timeout, true, nil
	}
	if err == nil {
		if childPid == 0 {
			return Normal, true, ProtocolViolation(fmt.Sprintf("helper %v: reported zero pid", c.cmd.Path))
		}
		return c.classify(syscall.WaitStatus(status)), false, nil
	}
	// The status pipe is closed without a status: the helper itself died.
	c.wait()
	ws, ok := c.cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return Normal, true, nil
	}
	log.Logf(1, "helper died: %v", c.cmd.ProcessState)
	return c.classify(ws), true, nil
}

func (c *command) killSignal() syscall.Signal {
	if c.config.KillSignal == 0 {
		return syscall.SIGKILL
	}
	return c.config.KillSignal
}

// classify maps a raw wait status to ExitKind.
// SIGKILL that we did not send is most likely the OOM killer, this is best effort.
func (c *command) classify(ws syscall.WaitStatus) ExitKind {
	switch {
	case ws.Signaled():
		if ws.Signal() == syscall.SIGKILL {
			return OutOfMemory
		}
		return Crash
	case ws.Exited():
		code := ws.ExitStatus()
		if c.config.CrashExitCode != 0 && code == c.config.CrashExitCode {
			return Crash
		}
		if c.config.OOMExitCode != 0 && code == c.config.OOMExitCode {
			return OutOfMemory
		}
	}
	return Normal
}

func sanitizeTimeout(config *Config) time.Duration {
	if config.Timeout <= 0 {
		return defaultTimeout
	}
	return config.Timeout
}
