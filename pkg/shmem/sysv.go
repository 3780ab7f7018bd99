// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux || (darwin && !ios)

package shmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func newSysV(size int) (*Region, error) {
	shmid, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|unix.IPC_EXCL|0600)
	if err != nil {
		return nil, fmt.Errorf("shmget failed: %w", err)
	}
	mem, err := unix.SysvShmAttach(shmid, 0, 0)
	if err != nil {
		unix.SysvShmCtl(shmid, unix.IPC_RMID, nil)
		return nil, fmt.Errorf("shmat failed: %w", err)
	}
	return &Region{Mem: mem[:size], shmid: shmid}, nil
}

func closeSysV(r *Region) error {
	err1 := unix.SysvShmDetach(r.Mem)
	_, err2 := unix.SysvShmCtl(r.shmid, unix.IPC_RMID, nil)
	switch {
	case err1 != nil:
		return err1
	case err2 != nil:
		return err2
	default:
		return nil
	}
}

func attachSysV(shmid int) ([]byte, func() error, error) {
	mem, err := unix.SysvShmAttach(shmid, 0, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("shmat %v failed: %w", shmid, err)
	}
	return mem, func() error { return unix.SysvShmDetach(mem) }, nil
}
