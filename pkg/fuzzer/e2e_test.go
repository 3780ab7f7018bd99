// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/powerfuzz/powerfuzz/pkg/forksrv"
	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/shmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const envTestHelper = "PF_FUZZER_TEST_HELPER"

// The test binary doubles as the target.
func TestMain(m *testing.M) {
	if os.Getenv(envTestHelper) != "" {
		if err := forksrv.Serve(testTarget); err != nil {
			fmt.Fprintf(os.Stderr, "helper failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// testTarget covers one map index per distinct input byte and crashes on "FUZ" prefix.
var testTarget = forksrv.Func(func(input []byte, r *forksrv.Regions) syscall.WaitStatus {
	cov := r.Coverage
	cov[0]++
	for _, b := range input {
		cov[int(b)%len(cov)]++
	}
	if bytes.HasPrefix(input, []byte("FUZ")) {
		return forksrv.Signaled(syscall.SIGSEGV)
	}
	return forksrv.Exited(0)
})

func TestEndToEnd(t *testing.T) {
	env, err := ipc.MakeEnv(&ipc.Config{
		Helper:    []string{os.Args[0]},
		Env:       []string{envTestHelper + "=1"},
		InputMode: ipc.InputShmem,
		MapSize:   1 << 8,
		Timeout:   5 * time.Second,
		Provider:  shmem.Memfd,
	})
	require.NoError(t, err)
	defer env.Close()

	cfg := testConfig()
	cfg.Timeout = env.Timeout()
	st := newTestState(t)
	fuzzer, err := NewFuzzer(cfg, st, env)
	require.NoError(t, err)
	dir := writeSeeds(t, map[string]string{"seed": "hello", "crasher": "FUZZ"})
	require.NoError(t, fuzzer.LoadInitialInputs(context.Background(), st, []string{dir}))
	assert.Equal(t, 1, st.Corpus.Count())
	assert.Equal(t, 1, st.Solutions.Count())

	for i := 0; i < 3; i++ {
		_, err := fuzzer.FuzzOne(context.Background(), st)
		require.NoError(t, err)
	}
	assert.Greater(t, st.Executions, uint64(3))
	assert.GreaterOrEqual(t, st.Corpus.Count(), 1)
}
