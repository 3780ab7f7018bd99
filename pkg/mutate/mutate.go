// Copyright 2015 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mutate implements byte-level input mutations.
package mutate

import (
	"encoding/binary"
	"math/rand"
	"sort"
)

// Mutator changes data in place or returns a new slice.
// The bool result is false if no mutation could be applied.
type Mutator interface {
	Mutate(r *rand.Rand, data []byte) ([]byte, bool)
}

// Havoc applies a random stack of 2..256 byte-level mutations.
type Havoc struct {
	MinLen int
	MaxLen int
}

const (
	maxInc        = 35
	maxStackPower = 7
)

func (h *Havoc) Mutate(r *rand.Rand, data []byte) ([]byte, bool) {
	minLen, maxLen := h.MinLen, h.MaxLen
	if maxLen <= 0 {
		maxLen = 1 << 20
	}
	mutated := false
	stack := 1 << (1 + r.Intn(maxStackPower))
	for i := 0; i < stack; i++ {
		var ok bool
		f := mutateDataFuncs[r.Intn(len(mutateDataFuncs))]
		data, ok = f(r, data, minLen, maxLen)
		mutated = mutated || ok
	}
	return data, mutated
}

var mutateDataFuncs = [...]func(r *rand.Rand, data []byte, minLen, maxLen int) ([]byte, bool){
	// Flip bit in byte.
	func(r *rand.Rand, data []byte, minLen, maxLen int) ([]byte, bool) {
		if len(data) == 0 {
			return data, false
		}
		byt := r.Intn(len(data))
		bit := r.Intn(8)
		data[byt] ^= 1 << uint(bit)
		return data, true
	},
	// Insert random bytes.
	func(r *rand.Rand, data []byte, minLen, maxLen int) ([]byte, bool) {
		if len(data) == 0 || len(data) >= maxLen {
			return data, false
		}
		n := min(r.Intn(16)+1, maxLen-len(data))
		pos := r.Intn(len(data))
		data = append(data, make([]byte, n)...)
		copy(data[pos+n:], data[pos:])
		for i := 0; i < n; i++ {
			data[pos+i] = byte(r.Int31())
		}
		return data, true
	},
	// Remove bytes.
	func(r *rand.Rand, data []byte, minLen, maxLen int) ([]byte, bool) {
		if len(data) <= minLen || len(data) == 0 {
			return data, false
		}
		n := min(r.Intn(16)+1, len(data)-minLen)
		pos := 0
		if n < len(data) {
			pos = r.Intn(len(data) - n)
		}
		copy(data[pos:], data[pos+n:])
		return data[:len(data)-n], true
	},
	// Duplicate a chunk of data.
	func(r *rand.Rand, data []byte, minLen, maxLen int) ([]byte, bool) {
		if len(data) == 0 || len(data) >= maxLen {
			return data, false
		}
		start := r.Intn(len(data))
		n := min(r.Intn(len(data)-start)+1, maxLen-len(data))
		pos := r.Intn(len(data) + 1)
		chunk := append([]byte(nil), data[start:start+n]...)
		data = append(data[:pos], append(chunk, data[pos:]...)...)
		return data, true
	},
	// Append a bunch of bytes.
	func(r *rand.Rand, data []byte, minLen, maxLen int) ([]byte, bool) {
		if len(data) >= maxLen {
			return data, false
		}
		n := min(r.Intn(32)+1, maxLen-len(data))
		for i := 0; i < n; i++ {
			data = append(data, byte(r.Intn(256)))
		}
		return data, true
	},
	// Replace int8/int16/int32/int64 with a random value.
	func(r *rand.Rand, data []byte, minLen, maxLen int) ([]byte, bool) {
		width := 1 << uint(r.Intn(4))
		if len(data) < width {
			return data, false
		}
		i := r.Intn(len(data) - width + 1)
		storeInt(data[i:], r.Uint64(), width)
		return data, true
	},
	// Add/subtract from an int8/int16/int32/int64.
	func(r *rand.Rand, data []byte, minLen, maxLen int) ([]byte, bool) {
		width := 1 << uint(r.Intn(4))
		if len(data) < width {
			return data, false
		}
		i := r.Intn(len(data) - width + 1)
		v := loadInt(data[i:], width)
		delta := uint64(r.Intn(2*maxInc+1) - maxInc)
		if delta == 0 {
			delta = 1
		}
		if r.Intn(10) == 0 {
			v = swapInt(swapInt(v, width)+delta, width)
		} else {
			v += delta
		}
		storeInt(data[i:], v, width)
		return data, true
	},
	// Set int8/int16/int32/int64 to an interesting value.
	func(r *rand.Rand, data []byte, minLen, maxLen int) ([]byte, bool) {
		width := 1 << uint(r.Intn(4))
		if len(data) < width {
			return data, false
		}
		i := r.Intn(len(data) - width + 1)
		value := specialInts[r.Intn(specialIntIndex[width])]
		if r.Intn(10) == 0 {
			value = swapInt(value, width)
		}
		storeInt(data[i:], value, width)
		return data, true
	},
	// Overwrite a chunk with a copy of another chunk.
	func(r *rand.Rand, data []byte, minLen, maxLen int) ([]byte, bool) {
		if len(data) < 2 {
			return data, false
		}
		n := r.Intn(len(data)/2) + 1
		from := r.Intn(len(data) - n + 1)
		to := r.Intn(len(data) - n + 1)
		copy(data[to:to+n], data[from:from+n])
		return data, from != to
	},
}

var (
	specialInts = []uint64{
		0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
		32, 64, 100, 127, 128, 129, 255, 256, 257, 511, 512,
		1000, 1023, 1024, 1025, 2047, 2048, 4095, 4096,
		(1 << 15) - 1, (1 << 15), (1 << 15) + 1,
		(1 << 16) - 1, (1 << 16), (1 << 16) + 1,
		(1 << 31) - 1, (1 << 31), (1 << 31) + 1,
		(1 << 32) - 1, (1 << 32), (1 << 32) + 1,
		(1 << 63) - 1, (1 << 63), (1 << 63) + 1,
		(1 << 64) - 1,
	}
	// The indexes (exclusive) for the maximum specialInts values that fit in 1, 2, ... 8 bytes.
	specialIntIndex [9]int
	specialIntsSet  = make(map[uint64]bool)
)

func init() {
	sort.Slice(specialInts, func(i, j int) bool {
		return specialInts[i] < specialInts[j]
	})
	for i := range specialIntIndex {
		bitSize := uint64(8 * i)
		specialIntIndex[i] = sort.Search(len(specialInts), func(i int) bool {
			return specialInts[i]>>bitSize != 0
		})
	}
	for _, v := range specialInts {
		specialIntsSet[v] = true
	}
}

func swapInt(v uint64, size int) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return binary.BigEndian.Uint64(buf[:]) >> (64 - 8*uint(size))
}

func loadInt(data []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(data[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(data))
	case 4:
		return uint64(binary.LittleEndian.Uint32(data))
	default:
		return binary.LittleEndian.Uint64(data)
	}
}

func storeInt(data []byte, v uint64, size int) {
	switch size {
	case 1:
		data[0] = uint8(v)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(data, uint32(v))
	default:
		binary.LittleEndian.PutUint64(data, v)
	}
}
