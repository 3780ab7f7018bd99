// Copyright 2021 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package osutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CreateSharedMemFile returns a memfd of the given size.
// The size is sealed: a misbehaving target must not be able to truncate
// a region the engine keeps mapped.
func CreateSharedMemFile(size int) (*os.File, error) {
	fd, err := unix.MemfdCreate("powerfuzz-shm", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("failed to do memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), fmt.Sprintf("/proc/self/fd/%d", fd))
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate shared mem file: %w", err)
	}
	seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_SEAL
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, seals); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seal shared mem file: %w", err)
	}
	return f, nil
}

func CloseSharedMemFile(f *os.File) error {
	return f.Close()
}
