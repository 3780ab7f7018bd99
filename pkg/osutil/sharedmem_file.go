// Copyright 2021 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build freebsd || netbsd || openbsd || darwin

package osutil

import (
	"fmt"
	"os"
)

// CreateSharedMemFile returns a temp file of the given size.
// Without memfd the file is visible in the temp dir until CloseSharedMemFile.
func CreateSharedMemFile(size int) (*os.File, error) {
	f, err := os.CreateTemp("", "powerfuzz-shm")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		CloseSharedMemFile(f)
		return nil, fmt.Errorf("failed to truncate shared mem file: %w", err)
	}
	return f, nil
}

func CloseSharedMemFile(f *os.File) error {
	err1 := f.Close()
	err2 := os.Remove(f.Name())
	switch {
	case err1 != nil:
		return err1
	case err2 != nil:
		return err2
	default:
		return nil
	}
}
