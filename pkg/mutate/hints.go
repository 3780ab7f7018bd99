// Copyright 2017 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

// Input-to-state replacement works like this:
//	1. The input is executed by the tracing executor that logs operands
// of all comparisons the target performed.
//	2. Integers at every offset of the input (of 1, 2, 4 and 8 bytes,
// in both byte orders) are matched against the logged operands.
//	3. For every match the integer is replaced with the other operand
// of the comparison and the mutant is evaluated.

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/powerfuzz/powerfuzz/pkg/meta"
)

type uint64Set map[uint64]bool

// CompMap maps an operand value to all values it was compared with.
// Example: for comparisons {(op1, op2), (op1, op3), (op2, op1)}
// it stores {op1: {op2, op3}, op2: {op1}}.
type CompMap map[uint64]uint64Set

var (
	leftHalves = map[int]uint64{
		2: 0xff00,
		4: 0xffff0000,
		8: 0xffffffff00000000,
	}
	rightHalves = map[int]uint64{
		2: 0xff,
		4: 0xffff,
		8: 0xffffffff,
	}
)

func (m CompMap) AddComp(arg1, arg2 uint64) {
	if specialIntsSet[arg2] {
		// Special values are tried by havoc anyway.
		return
	}
	if _, ok := m[arg1]; !ok {
		m[arg1] = make(uint64Set)
	}
	m[arg1][arg2] = true
}

// CompMapFromValues builds a comparison map from logged operands.
// Both directions of every comparison are recorded.
func CompMapFromValues(values *meta.CmpValues) CompMap {
	m := make(CompMap)
	for _, c := range values.List {
		mask := uint64(1)<<(8*uint(c.Size)) - 1
		if c.Size >= 8 {
			mask = ^uint64(0)
		}
		v0, v1 := c.V0&mask, c.V1&mask
		if v0 == v1 {
			continue
		}
		m.AddComp(v0, v1)
		m.AddComp(v1, v0)
	}
	return m
}

// MutateWithHints calls exec for every distinct input obtained by replacing
// an integer in data with a comparison operand it was compared with.
// Mutants are produced in a deterministic order. Iteration stops
// when exec returns false.
func MutateWithHints(data []byte, comps CompMap, exec func(mutant []byte) bool) {
	if len(comps) == 0 {
		return
	}
	seen := make(map[string]bool)
	for _, width := range []int{1, 2, 4, 8} {
		for pos := 0; pos+width <= len(data); pos++ {
			v := loadInt(data[pos:], width)
			for _, newV := range getReplacersForVal(v, width, comps) {
				mutant := bytes.Clone(data)
				storeInt(mutant[pos:], newV, width)
				if bytes.Equal(mutant, data) || seen[string(mutant)] {
					continue
				}
				seen[string(mutant)] = true
				if !exec(mutant) {
					return
				}
			}
		}
	}
}

// getReplacersForVal returns sorted values the integer should be replaced with.
func getReplacersForVal(value uint64, width int, compMap CompMap) []uint64 {
	replacersSet := make(uint64Set)
	f := func(transform func(uint64) uint64) {
		transformed := transform(value)
		originals := make(uint64Set)
		for _, v := range getMutationsForConstVal(transformed) {
			if originals[v] {
				continue
			}
			originals[v] = true
			for newV := range compMap[v] {
				// Transform the second operand the same way as the first one.
				replacersSet[transform(newV)] = true
			}
		}
	}
	f(func(v uint64) uint64 { return v })
	if width > 1 {
		f(func(v uint64) uint64 { return swapInt(v, width) })
	}
	res := make([]uint64, 0, len(replacersSet))
	for v := range replacersSet {
		res = append(res, v)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func getMutationsForConstVal(v uint64) []uint64 {
	values := []uint64{v}
	values = append(values, shrinkMutation(v)...)
	values = append(values, expandMutation(v)...)
	return values
}

// Mutation 1: shrink values. Useful in cases like:
//
//	void f(int64 v64) {
//		v32 = (int32) v64;
//		if (v32 == -1) {...};
//	}
//
// The comparison sees only the low bytes, so the higher bytes are dropped.
func shrinkMutation(v uint64) (values []uint64) {
	for _, size := range []int{2, 4, 8} {
		values = append(values, v&rightHalves[size])
	}
	return
}

// Mutation 2: expand values. Useful in cases like:
//
//	void f(int32 v32) {
//		v64 = (int64) v32;
//		if (v64 == -1) {...};
//	}
//
// For 0xab we obtain 0xffab, 0xffffffab, 0xffffffffffffffab.
func expandMutation(v uint64) (values []uint64) {
	if v == 0 {
		return
	}
	msByteValue, msByteIndex := getMostSignificantByte(v)
	if !valueIsNegative(msByteValue, msByteIndex) {
		return
	}
	for _, size := range []int{2, 4, 8} {
		if size > msByteIndex+1 {
			v |= leftHalves[size]
			values = append(values, v)
		}
	}
	return
}

func getMostSignificantByte(v uint64) (value byte, index int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	for i, b := range buf {
		if b != 0 {
			value = b
			index = i
		}
	}
	return
}

// valueIsNegative reports whether v looks like a sign-extended 1, 2, 4 or 8 byte integer.
func valueIsNegative(msByteValue byte, msByteIndex int) bool {
	switch msByteIndex {
	case 0, 1, 3, 7:
		return msByteValue > 0x7f
	}
	return false
}
