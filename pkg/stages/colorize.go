// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stages

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/log"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

// Colorization finds input bytes that do not influence the execution path.
// It randomizes the current entry preserving the class of every byte
// (digits stay digits and so on) and keeps the randomized ranges for which
// the coverage map hash does not change. Ranges that change the hash are
// split in halves and retried. The result is attached as meta.Taint.
type Colorization struct{}

func NewColorization() *Colorization {
	return &Colorization{}
}

func (s *Colorization) Name() string { return "colorization" }

func (s *Colorization) Perform(ctx context.Context, f Fuzzer, st *state.State) error {
	tc := st.Current()
	if tc == nil {
		return fmt.Errorf("no current queue entry")
	}
	if meta.Has[meta.Taint](tc.Meta) || len(tc.Input) == 0 {
		return nil
	}
	hash, ok, err := runHash(f, st, tc.Input)
	if err != nil || !ok {
		return err
	}
	changed := colorize(st.Rand, tc.Input)
	current := bytes.Clone(tc.Input)
	pending := []meta.Range{{Start: 0, End: len(current)}}
	var taint []meta.Range
	for len(pending) != 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Largest range first.
		r := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		copy(current[r.Start:r.End], changed[r.Start:r.End])
		h, ok, err := runHash(f, st, current)
		if err != nil {
			return err
		}
		if ok && h == hash {
			taint = append(taint, r)
			continue
		}
		copy(current[r.Start:r.End], tc.Input[r.Start:r.End])
		if r.Len() > 1 {
			mid := r.Start + r.Len()/2
			pending = append(pending, meta.Range{Start: r.Start, End: mid}, meta.Range{Start: mid, End: r.End})
			sort.SliceStable(pending, func(i, j int) bool { return pending[i].Len() < pending[j].Len() })
		}
	}
	taint = mergeRanges(taint)
	log.Logf(2, "colorized %q: %v tainted ranges", tc.Filename, len(taint))
	meta.Put(tc.Meta, &meta.Taint{Input: current, Ranges: taint})
	return nil
}

func (s *Colorization) ShouldRestart(*state.State) bool { return true }

func (s *Colorization) ClearProgress(*state.State) {}

// runHash executes input and returns the coverage hash.
// ok is false if the run did not finish normally.
func runHash(f Fuzzer, st *state.State, input []byte) (uint64, bool, error) {
	kind, err := f.Execute(st, input)
	if err != nil || kind != ipc.Normal {
		return 0, false, err
	}
	return f.Coverage().Hash(), true, nil
}

func mergeRanges(ranges []meta.Range) []meta.Range {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	res := ranges[:1]
	for _, r := range ranges[1:] {
		last := &res[len(res)-1]
		if r.Start <= last.End {
			last.End = max(last.End, r.End)
			continue
		}
		res = append(res, r)
	}
	return res
}

// byteClasses are the sets of interchangeable bytes, every class is a contiguous range.
var byteClasses = [][2]byte{
	{'0', '9'},
	{'a', 'f'},
	{'g', 'z'},
	{'A', 'F'},
	{'G', 'Z'},
	{'!', '*'},
	{',', '.'},
	{':', '@'},
	{'[', '`'},
	{'{', '~'},
}

// colorize returns a copy of data with every byte replaced by a different byte of the same class.
func colorize(r *rand.Rand, data []byte) []byte {
	res := make([]byte, len(data))
	for i, b := range data {
		res[i] = colorByte(r, b)
	}
	return res
}

func colorByte(r *rand.Rand, b byte) byte {
	switch b {
	case ' ':
		return '\t'
	case '\t':
		return ' '
	case '\r':
		return '\n'
	case '\n':
		return '\r'
	case '+':
		return '/'
	case '/':
		return '+'
	case 0x00:
		return 0x01
	case 0x01:
		return 0x00
	case 0xff:
		return 0x00
	}
	for _, c := range byteClasses {
		if b >= c[0] && b <= c[1] {
			n := int(c[1]-c[0]) + 1
			return c[0] + byte((int(b-c[0])+1+r.Intn(n-1))%n)
		}
	}
	// Binary bytes become any other byte.
	return b ^ byte(1+r.Intn(0xff))
}
