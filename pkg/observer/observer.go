// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package observer provides views over the state produced by a single target execution.
// Observers are overwritten in place by every execution and must only be read
// after the executor returned from Run.
package observer

import (
	"encoding/binary"
	"hash/fnv"
	"time"

	"github.com/powerfuzz/powerfuzz/pkg/meta"
)

// Map is a hit-count coverage map living in shared memory.
// After every execution raw counters are classified into AFL buckets in place.
type Map struct {
	name string
	mem  []byte
}

func NewMap(name string, mem []byte) *Map {
	return &Map{name: name, mem: mem}
}

func (m *Map) Name() string {
	return m.name
}

func (m *Map) Len() int {
	return len(m.mem)
}

// Bytes returns the classified map. The slice aliases shared memory.
func (m *Map) Bytes() []byte {
	return m.mem
}

func (m *Map) PreExec() {
	clear(m.mem)
}

func (m *Map) PostExec() {
	for i, v := range m.mem {
		if v != 0 {
			m.mem[i] = countClass[v]
		}
	}
}

// CountNonZero returns the number of covered indexes.
func (m *Map) CountNonZero() int {
	n := 0
	for _, v := range m.mem {
		if v != 0 {
			n++
		}
	}
	return n
}

// Hash identifies the execution path.
func (m *Map) Hash() uint64 {
	h := fnv.New64a()
	h.Write(m.mem)
	return h.Sum64()
}

// Indexes returns covered indexes in increasing order.
func (m *Map) Indexes() []int {
	var res []int
	for i, v := range m.mem {
		if v != 0 {
			res = append(res, i)
		}
	}
	return res
}

var countClass [256]byte

func init() {
	countClass[0] = 0
	countClass[1] = 1
	countClass[2] = 2
	countClass[3] = 4
	for i := 4; i < 256; i++ {
		switch {
		case i < 8:
			countClass[i] = 8
		case i < 16:
			countClass[i] = 16
		case i < 32:
			countClass[i] = 32
		case i < 128:
			countClass[i] = 64
		default:
			countClass[i] = 128
		}
	}
}

// Time measures wall clock duration of the last execution.
type Time struct {
	start time.Time
	last  time.Duration
}

func NewTime() *Time {
	return new(Time)
}

func (t *Time) PreExec() {
	t.start = time.Now()
	t.last = 0
}

func (t *Time) PostExec() {
	t.last = time.Since(t.start)
}

// Set overrides the measured duration.
func (t *Time) Set(d time.Duration) {
	t.last = d
}

func (t *Time) Last() time.Duration {
	return t.last
}

// Layout of the comparison logging region:
// CmpLogEntries headers of cmpLogHeaderSize bytes followed by
// CmpLogEntries*CmpLogOperands operand pairs of cmpLogOperandSize bytes.
//
// Header: u32 hits, u8 shape (operand size minus one), u8 kind, 2 bytes padding.
// Operand pair: u64 v0, u64 v1.
const (
	CmpLogEntries     = 4096
	CmpLogOperands    = 32
	cmpLogHeaderSize  = 8
	cmpLogOperandSize = 16
	CmpLogSize        = CmpLogEntries*cmpLogHeaderSize + CmpLogEntries*CmpLogOperands*cmpLogOperandSize
)

// CmpLog decodes comparison operands logged by the tracing executor.
type CmpLog struct {
	mem  []byte
	vals meta.CmpValues
}

func NewCmpLog(mem []byte) *CmpLog {
	return &CmpLog{mem: mem}
}

func (c *CmpLog) PreExec() {
	clear(c.mem[:CmpLogEntries*cmpLogHeaderSize])
	c.vals.List = nil
}

func (c *CmpLog) PostExec() {
	ops := c.mem[CmpLogEntries*cmpLogHeaderSize:]
	for i := 0; i < CmpLogEntries; i++ {
		hdr := c.mem[i*cmpLogHeaderSize:]
		hits := int(binary.LittleEndian.Uint32(hdr))
		if hits == 0 {
			continue
		}
		size := int(hdr[4]) + 1
		if size != 1 && size != 2 && size != 4 && size != 8 {
			continue
		}
		hits = min(hits, CmpLogOperands)
		for j := 0; j < hits; j++ {
			op := ops[(i*CmpLogOperands+j)*cmpLogOperandSize:]
			c.vals.List = append(c.vals.List, meta.CmpOperands{
				Size: size,
				V0:   binary.LittleEndian.Uint64(op),
				V1:   binary.LittleEndian.Uint64(op[8:]),
			})
		}
	}
}

// Values returns operands logged by the last execution.
func (c *CmpLog) Values() *meta.CmpValues {
	return &meta.CmpValues{List: append([]meta.CmpOperands(nil), c.vals.List...)}
}

// PutCmp records a comparison in the region layout. Used by in-process harnesses.
func PutCmp(mem []byte, idx, size int, v0, v1 uint64) {
	hdr := mem[idx*cmpLogHeaderSize:]
	hits := binary.LittleEndian.Uint32(hdr)
	hdr[4] = byte(size - 1)
	binary.LittleEndian.PutUint32(hdr, hits+1)
	if int(hits) >= CmpLogOperands {
		return
	}
	op := mem[CmpLogEntries*cmpLogHeaderSize+(idx*CmpLogOperands+int(hits))*cmpLogOperandSize:]
	binary.LittleEndian.PutUint64(op, v0)
	binary.LittleEndian.PutUint64(op[8:], v1)
}
