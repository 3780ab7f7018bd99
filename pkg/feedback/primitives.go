// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package feedback

import (
	"bytes"
	"fmt"

	"github.com/powerfuzz/powerfuzz/pkg/corpus"
	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/observer"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

type maxMap struct {
	name string
	obs  *observer.Map
}

// MaxMap is interesting if any map entry exceeds the maximum seen in kept inputs.
// Maximums are kept per name in state metadata and updated only in AppendMetadata.
// The kept testcase also gets the list of indexes it covers.
func MaxMap(name string, obs *observer.Map) Feedback {
	return &maxMap{name, obs}
}

func (f *maxMap) Name() string { return f.name }

func (f *maxMap) history(st *state.State) []byte {
	hist := meta.GetOrInsert[meta.MapHistory](st.Meta)
	h := hist.Maps[f.name]
	if len(h) != f.obs.Len() {
		nh := make([]byte, f.obs.Len())
		copy(nh, h)
		h = nh
		hist.Maps[f.name] = h
	}
	return h
}

func (f *maxMap) IsInteresting(st *state.State, input []byte, kind ipc.ExitKind) (bool, error) {
	hist := f.history(st)
	for i, v := range f.obs.Bytes() {
		if v > hist[i] {
			return true, nil
		}
	}
	return false, nil
}

func (f *maxMap) AppendMetadata(st *state.State, tc *corpus.Testcase) error {
	hist := f.history(st)
	for i, v := range f.obs.Bytes() {
		if v > hist[i] {
			hist[i] = v
		}
	}
	meta.Put(tc.Meta, &meta.MapIndexes{Indexes: f.obs.Indexes()})
	return nil
}

func (f *maxMap) DiscardMetadata(*state.State, []byte) error { return nil }

type execTime struct {
	base
	obs *observer.Time
}

// Time never makes an input interesting, it annotates kept testcases with the run time.
func Time(obs *observer.Time) Feedback {
	return &execTime{obs: obs}
}

func (f *execTime) Name() string { return "time" }

func (f *execTime) IsInteresting(*state.State, []byte, ipc.ExitKind) (bool, error) {
	return false, nil
}

func (f *execTime) AppendMetadata(st *state.State, tc *corpus.Testcase) error {
	tc.ExecTime = f.obs.Last()
	return nil
}

type exitKind struct {
	base
	kind ipc.ExitKind
}

// Crash is interesting if the target crashed.
func Crash() Feedback { return &exitKind{kind: ipc.Crash} }

// Timeout is interesting if the target timed out.
func Timeout() Feedback { return &exitKind{kind: ipc.Timeout} }

func (f *exitKind) Name() string { return f.kind.String() }

func (f *exitKind) IsInteresting(st *state.State, input []byte, kind ipc.ExitKind) (bool, error) {
	return kind == f.kind, nil
}

type constant struct {
	base
	v bool
}

// Const always returns v.
func Const(v bool) Feedback { return &constant{v: v} }

func (f *constant) Name() string { return fmt.Sprintf("const(%v)", f.v) }

func (f *constant) IsInteresting(*state.State, []byte, ipc.ExitKind) (bool, error) {
	return f.v, nil
}

type captureTimeout struct {
	base
}

// CaptureTimeout queues timed out inputs for the verification pass.
// It never makes an input interesting.
func CaptureTimeout() Feedback { return &captureTimeout{} }

func (f *captureTimeout) Name() string { return "capture_timeout" }

func (f *captureTimeout) IsInteresting(st *state.State, input []byte, kind ipc.ExitKind) (bool, error) {
	if kind == ipc.Timeout && !st.Verifying() {
		meta.GetOrInsert[meta.TimeoutsToVerify](st.Meta).Push(bytes.Clone(input))
	}
	return false, nil
}

type verifying struct {
	base
}

// Verifying is true only while the timeout verification pass runs.
func Verifying() Feedback { return &verifying{} }

func (f *verifying) Name() string { return "verifying" }

func (f *verifying) IsInteresting(st *state.State, input []byte, kind ipc.ExitKind) (bool, error) {
	return st.Verifying(), nil
}

// FilenamePolicy names a testcase that is about to be added.
type FilenamePolicy func(st *state.State, tc *corpus.Testcase) string

type filename struct {
	base
	policy FilenamePolicy
}

// Filename never makes an input interesting, it names kept testcases.
func Filename(policy FilenamePolicy) Feedback {
	return &filename{policy: policy}
}

func (f *filename) Name() string { return "filename" }

func (f *filename) IsInteresting(*state.State, []byte, ipc.ExitKind) (bool, error) {
	return false, nil
}

func (f *filename) AppendMetadata(st *state.State, tc *corpus.Testcase) error {
	tc.Filename = f.policy(st, tc)
	return nil
}

// SeedFeedback admits everything until DoneLoadingSeeds is called
// and then defers to the wrapped feedback.
type SeedFeedback struct {
	inner   Feedback
	loading bool
}

func Seed(inner Feedback) *SeedFeedback {
	return &SeedFeedback{inner: inner, loading: true}
}

func (f *SeedFeedback) DoneLoadingSeeds() {
	f.loading = false
}

func (f *SeedFeedback) Name() string { return "seed(" + f.inner.Name() + ")" }

func (f *SeedFeedback) IsInteresting(st *state.State, input []byte, kind ipc.ExitKind) (bool, error) {
	res, err := f.inner.IsInteresting(st, input, kind)
	if err != nil {
		return false, err
	}
	return res || f.loading, nil
}

func (f *SeedFeedback) AppendMetadata(st *state.State, tc *corpus.Testcase) error {
	return f.inner.AppendMetadata(st, tc)
}

func (f *SeedFeedback) DiscardMetadata(st *state.State, input []byte) error {
	return f.inner.DiscardMetadata(st, input)
}
