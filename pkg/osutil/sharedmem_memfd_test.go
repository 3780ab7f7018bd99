// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package osutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedMemFileSealed(t *testing.T) {
	f, err := CreateSharedMemFile(4096)
	require.NoError(t, err)
	defer CloseSharedMemFile(f)
	st, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), st.Size())
	assert.Error(t, f.Truncate(100))
	assert.Error(t, f.Truncate(8192))
}
