// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package shmem allocates shared memory regions that are published to the helper process
// through environment variables and attaches them on the helper side.
//
// Two providers are supported. SysV segments are identified by their shmid,
// which is what AFL-instrumented targets expect in __AFL_SHM_ID.
// Memfd regions are passed to the helper as inherited file descriptors and
// identified as "fd:N".
package shmem

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/powerfuzz/powerfuzz/pkg/osutil"
)

type Provider int

const (
	SysV Provider = iota
	Memfd
)

func ParseProvider(name string) (Provider, error) {
	switch name {
	case "", "sysv":
		return SysV, nil
	case "memfd":
		return Memfd, nil
	}
	return 0, fmt.Errorf("unknown shared memory provider %q", name)
}

const fdPrefix = "fd:"

// Region is a shared memory region owned by the engine.
type Region struct {
	Mem   []byte
	shmid int
	file  *os.File
}

// New allocates a zeroed region of the given size.
func New(p Provider, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("bad shared memory size %v", size)
	}
	switch p {
	case SysV:
		return newSysV(size)
	case Memfd:
		f, mem, err := osutil.CreateMemMappedFile(size)
		if err != nil {
			return nil, err
		}
		return &Region{Mem: mem, shmid: -1, file: f}, nil
	}
	return nil, fmt.Errorf("unknown shared memory provider %v", p)
}

// Publish returns the identifier the helper uses to attach the region.
// For fd-backed regions the file is appended to extraFiles, which must be
// passed to the helper as exec.Cmd.ExtraFiles.
func (r *Region) Publish(extraFiles *[]*os.File) string {
	if r.file == nil {
		return strconv.Itoa(r.shmid)
	}
	*extraFiles = append(*extraFiles, r.file)
	// ExtraFiles entry i becomes fd 3+i in the child.
	return fmt.Sprintf("%v%v", fdPrefix, 3+len(*extraFiles)-1)
}

func (r *Region) Close() error {
	if r.file != nil {
		return osutil.CloseMemMappedFile(r.file, r.Mem)
	}
	return closeSysV(r)
}

// Attach maps the region published under id. The returned function detaches it.
func Attach(id string) ([]byte, func() error, error) {
	if fdStr, ok := strings.CutPrefix(id, fdPrefix); ok {
		fd, err := strconv.Atoi(fdStr)
		if err != nil {
			return nil, nil, fmt.Errorf("bad shared memory id %q", id)
		}
		f := os.NewFile(uintptr(fd), "shmem")
		st, err := f.Stat()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to stat shared memory fd %v: %w", fd, err)
		}
		mem, err := osutil.MapFile(f, int(st.Size()))
		if err != nil {
			return nil, nil, err
		}
		return mem, func() error { return osutil.CloseMemMappedFile(f, mem) }, nil
	}
	shmid, err := strconv.Atoi(id)
	if err != nil {
		return nil, nil, fmt.Errorf("bad shared memory id %q", id)
	}
	return attachSysV(shmid)
}
