// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !linux && !(darwin && !ios)

package shmem

import "fmt"

func newSysV(size int) (*Region, error) {
	return nil, fmt.Errorf("SysV shared memory is not supported on this OS, use memfd")
}

func closeSysV(r *Region) error {
	return nil
}

func attachSysV(shmid int) ([]byte, func() error, error) {
	return nil, nil, fmt.Errorf("SysV shared memory is not supported on this OS")
}
