// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package forksrv implements the helper side of the execution protocol.
//
// The helper inherits two pipes: ControlFD (engine to helper) and StatusFD
// (helper to engine). All words are 4 bytes little-endian.
// After attaching shared memory the helper writes Hello. Then for every run
// the engine writes Start, the helper writes the pid of the process that
// executes the input, followed by the raw wait status of that process.
package forksrv

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/powerfuzz/powerfuzz/pkg/shmem"
)

const (
	ControlFD = 3
	StatusFD  = 4

	Hello = uint32(0x31534650) // "PFS1"
	Start = uint32(0x52415453) // "STAR"
)

// Environment variables published to the helper.
const (
	EnvCoverage  = "__AFL_SHM_ID"
	EnvInput     = "__AFL_SHM_FUZZ_ID"
	EnvCmpLog    = "__AFL_CMPLOG_SHM_ID"
	EnvMapSize   = "AFL_MAP_SIZE"
	EnvInputFile = "__PF_INPUT_FILE"
)

// InputHeaderSize is the size of the length prefix of the shared memory input region.
const InputHeaderSize = 4

// PutInput stores data into the shared memory input region and returns the number of stored bytes.
func PutInput(mem, data []byte) int {
	n := min(len(data), len(mem)-InputHeaderSize)
	binary.LittleEndian.PutUint32(mem, uint32(n))
	copy(mem[InputHeaderSize:], data[:n])
	return n
}

// GetInput returns the input stored in the shared memory input region.
func GetInput(mem []byte) ([]byte, error) {
	if len(mem) < InputHeaderSize {
		return nil, fmt.Errorf("input region is too small")
	}
	n := int(binary.LittleEndian.Uint32(mem))
	if n > len(mem)-InputHeaderSize {
		return nil, fmt.Errorf("bad input size %v", n)
	}
	return mem[InputHeaderSize : InputHeaderSize+n], nil
}

func ReadWord(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func WriteWord(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// Regions are shared memory regions attached by the helper.
type Regions struct {
	Coverage []byte
	Input    []byte
	CmpLog   []byte
	detach   []func() error
}

// AttachRegions attaches all regions published in the environment.
func AttachRegions() (*Regions, error) {
	r := new(Regions)
	for _, reg := range []struct {
		env string
		mem *[]byte
	}{
		{EnvCoverage, &r.Coverage},
		{EnvInput, &r.Input},
		{EnvCmpLog, &r.CmpLog},
	} {
		id := os.Getenv(reg.env)
		if id == "" {
			continue
		}
		mem, detach, err := shmem.Attach(id)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("%v: %w", reg.env, err)
		}
		*reg.mem = mem
		r.detach = append(r.detach, detach)
	}
	return r, nil
}

func (r *Regions) Close() {
	for _, detach := range r.detach {
		detach()
	}
	r.detach = nil
}

// Request describes one execution.
type Request struct {
	Regions *Regions
}

// Input returns the current input: from the shared memory region if present,
// otherwise from the input file, otherwise from stdin.
func (req *Request) Input() ([]byte, error) {
	if req.Regions != nil && req.Regions.Input != nil {
		return GetInput(req.Regions.Input)
	}
	if file := os.Getenv(EnvInputFile); file != "" {
		return os.ReadFile(file)
	}
	if _, err := os.Stdin.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind stdin: %w", err)
	}
	return io.ReadAll(os.Stdin)
}

// Process is a started execution.
type Process interface {
	Pid() int
	Wait() (syscall.WaitStatus, error)
}

type Harness interface {
	Exec(req *Request) (Process, error)
}

// Serve runs the helper loop over the inherited pipes until the engine closes the control pipe.
func Serve(h Harness) error {
	regions, err := AttachRegions()
	if err != nil {
		return err
	}
	defer regions.Close()
	ctl := os.NewFile(ControlFD, "control")
	status := os.NewFile(StatusFD, "status")
	if ctl == nil || status == nil {
		return fmt.Errorf("control pipes are not inherited")
	}
	return serve(ctl, status, regions, h)
}

func serve(ctl io.Reader, status io.Writer, regions *Regions, h Harness) error {
	if err := WriteWord(status, Hello); err != nil {
		return fmt.Errorf("failed to write hello: %w", err)
	}
	for {
		tok, err := ReadWord(ctl)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read control pipe: %w", err)
		}
		if tok != Start {
			return fmt.Errorf("bad start token 0x%x", tok)
		}
		p, err := h.Exec(&Request{Regions: regions})
		if err != nil {
			return err
		}
		if err := WriteWord(status, uint32(p.Pid())); err != nil {
			return fmt.Errorf("failed to write pid: %w", err)
		}
		ws, err := p.Wait()
		if err != nil {
			return err
		}
		if err := WriteWord(status, uint32(ws)); err != nil {
			return fmt.Errorf("failed to write status: %w", err)
		}
	}
}

// Exited returns the wait status of a process that exited with code.
func Exited(code int) syscall.WaitStatus {
	return syscall.WaitStatus((code & 0xff) << 8)
}

// Signaled returns the wait status of a process killed by sig.
func Signaled(sig syscall.Signal) syscall.WaitStatus {
	return syscall.WaitStatus(sig & 0x7f)
}
