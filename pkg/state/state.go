// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package state holds everything a fuzzing campaign accumulates:
// the queue and solutions corpora, global metadata, the RNG and the counters.
// The state can be checkpointed to disk and restored after a restart.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/powerfuzz/powerfuzz/pkg/corpus"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/osutil"
	"github.com/ulikunitz/xz"
)

type State struct {
	Rand       *rand.Rand
	Seed       int64
	Corpus     *corpus.Corpus
	Solutions  *corpus.Corpus
	Meta       meta.Map
	Executions uint64

	start      time.Time
	verifying  bool
	current    corpus.ID
	hasCurrent bool
}

func New(seed int64, queue, solutions *corpus.Corpus) *State {
	return &State{
		Rand:      rand.New(rand.NewSource(seed)),
		Seed:      seed,
		Corpus:    queue,
		Solutions: solutions,
		Meta:      meta.Map{},
		start:     time.Now(),
	}
}

// Elapsed returns the campaign run time, including time before the last restore.
func (st *State) Elapsed() time.Duration {
	return time.Since(st.start)
}

// Verifying reports whether the timeout verification pass is running.
func (st *State) Verifying() bool {
	return st.verifying
}

func (st *State) SetVerifying(v bool) {
	st.verifying = v
}

// CurrentID returns the entry the scheduler handed out last.
func (st *State) CurrentID() (corpus.ID, bool) {
	return st.current, st.hasCurrent
}

func (st *State) SetCurrentID(id corpus.ID) {
	st.current = id
	st.hasCurrent = true
}

// Current returns the current queue entry or nil.
func (st *State) Current() *corpus.Testcase {
	if !st.hasCurrent {
		return nil
	}
	return st.Corpus.Get(st.current)
}

type snapshot struct {
	Seed       int64           `json:"seed"`
	Executions uint64          `json:"executions"`
	Elapsed    time.Duration   `json:"elapsed"`
	Current    *corpus.ID      `json:"current,omitempty"`
	Meta       meta.Map        `json:"meta"`
	Corpus     json.RawMessage `json:"corpus"`
	Solutions  json.RawMessage `json:"solutions"`
}

// Save writes an xz-compressed JSON snapshot of the state.
// The file is replaced atomically.
func (st *State) Save(filename string) error {
	snap := snapshot{
		Seed:       st.Seed,
		Executions: st.Executions,
		Elapsed:    st.Elapsed(),
		Meta:       st.Meta,
	}
	if st.hasCurrent {
		id := st.current
		snap.Current = &id
	}
	var err error
	if snap.Corpus, err = json.Marshal(st.Corpus); err != nil {
		return err
	}
	if snap.Solutions, err = json.Marshal(st.Solutions); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	buf := new(bytes.Buffer)
	w, err := xz.NewWriter(buf)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to compress state: %w", err)
	}
	return osutil.WriteFileAtomically(filename, buf.Bytes())
}

// Load restores a snapshot written by Save into fresh corpora.
// The RNG is reseeded from the seed and the executions counter,
// so the restored campaign does not replay the same random sequence.
func Load(filename string, queue, solutions *corpus.Corpus) (*State, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read state %v: %w", filename, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress state %v: %w", filename, err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse state %v: %w", filename, err)
	}
	if err := json.Unmarshal(snap.Corpus, queue); err != nil {
		return nil, fmt.Errorf("failed to restore corpus: %w", err)
	}
	if err := json.Unmarshal(snap.Solutions, solutions); err != nil {
		return nil, fmt.Errorf("failed to restore solutions: %w", err)
	}
	st := New(snap.Seed+int64(snap.Executions), queue, solutions)
	st.Seed = snap.Seed
	st.Executions = snap.Executions
	st.start = time.Now().Add(-snap.Elapsed)
	if snap.Meta != nil {
		st.Meta = snap.Meta
	}
	if snap.Current != nil {
		st.SetCurrentID(*snap.Current)
	}
	return st, nil
}
