// Copyright 2015 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHavoc(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	h := &Havoc{MaxLen: 64}
	changed := 0
	for i := 0; i < 1000; i++ {
		orig := []byte("the quick brown fox")
		data, ok := h.Mutate(r, bytes.Clone(orig))
		assert.LessOrEqual(t, len(data), 64)
		if ok && !bytes.Equal(data, orig) {
			changed++
		}
	}
	assert.Greater(t, changed, 900)
}

func TestHavocEmpty(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	h := &Havoc{MaxLen: 8}
	for i := 0; i < testutil.IterCount(); i++ {
		data, _ := h.Mutate(r, nil)
		assert.LessOrEqual(t, len(data), 8)
	}
}

func TestHavocMinLen(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	h := &Havoc{MinLen: 4, MaxLen: 16}
	for i := 0; i < testutil.IterCount(); i++ {
		input := testutil.RandInput(r, 12)
		if len(input) < 4 {
			input = append(input, "abcd"...)
		}
		data, _ := h.Mutate(r, input)
		assert.GreaterOrEqual(t, len(data), 4)
		assert.LessOrEqual(t, len(data), 16)
	}
}

func TestSwapInt(t *testing.T) {
	assert.Equal(t, uint64(0x12), swapInt(0x12, 1))
	assert.Equal(t, uint64(0x3412), swapInt(0x1234, 2))
	assert.Equal(t, uint64(0x78563412), swapInt(0x12345678, 4))
	assert.Equal(t, uint64(0x0807060504030201), swapInt(0x0102030405060708, 8))
}

func TestLoadStoreInt(t *testing.T) {
	buf := make([]byte, 8)
	for _, width := range []int{1, 2, 4, 8} {
		storeInt(buf, 0x0102030405060708, width)
		mask := uint64(1)<<(8*uint(width)) - 1
		if width == 8 {
			mask = ^uint64(0)
		}
		assert.Equal(t, 0x0102030405060708&mask, loadInt(buf, width))
	}
}

func TestMutateWithHints(t *testing.T) {
	comps := CompMapFromValues(&meta.CmpValues{List: []meta.CmpOperands{
		{Size: 4, V0: 0x44434241, V1: 0x41414141},
		// Equal operands and special values produce nothing.
		{Size: 4, V0: 7, V1: 7},
		{Size: 1, V0: 'x', V1: 0},
	}})
	var mutants []string
	MutateWithHints([]byte("ABCDxyz"), comps, func(mutant []byte) bool {
		mutants = append(mutants, string(mutant))
		return true
	})
	assert.Equal(t, []string{"AAAAxyz"}, mutants)
}

func TestMutateWithHintsBigEndian(t *testing.T) {
	comps := make(CompMap)
	comps.AddComp(0x1234, 0xabcd)
	var mutants [][]byte
	MutateWithHints([]byte{0x12, 0x34}, comps, func(mutant []byte) bool {
		mutants = append(mutants, mutant)
		return true
	})
	assert.Equal(t, [][]byte{{0xab, 0xcd}}, mutants)
}

func TestMutateWithHintsStop(t *testing.T) {
	comps := make(CompMap)
	comps.AddComp('a', 'z')
	calls := 0
	MutateWithHints([]byte("aaaa"), comps, func([]byte) bool {
		calls++
		return false
	})
	assert.Equal(t, 1, calls)
}

func TestExpandShrink(t *testing.T) {
	assert.Equal(t, []uint64{0xffab, 0xffffffab, 0xffffffffffffffab}, expandMutation(0xab))
	assert.Nil(t, expandMutation(0x7f))
	assert.Equal(t, []uint64{0x88, 0x7788, 0x55667788}, shrinkMutation(0x1122334455667788))
}
