// Copyright 2024 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus holds fuzzing inputs with their metadata.
// The fuzzer keeps two instances: the queue of interesting inputs and the solutions.
package corpus

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/osutil"
)

// ID addresses a testcase within one corpus.
// IDs are issued monotonically and never reused, even after Remove.
type ID uint64

// NoID is the parent of entries that were not derived from other entries.
const NoID = ID(math.MaxUint64)

func (id ID) String() string {
	if id == NoID {
		return "none"
	}
	return fmt.Sprint(uint64(id))
}

type Testcase struct {
	Input    []byte   `json:"input"`
	Filename string   `json:"filename,omitempty"`
	Meta     meta.Map `json:"meta"`
	// ExecTime is the duration of the run that admitted the entry (refined by calibration).
	ExecTime       time.Duration `json:"exec_time"`
	ScheduledCount uint64        `json:"scheduled_count"`
	Parent         ID            `json:"parent"`
	ExitKind       ipc.ExitKind  `json:"exit_kind"`
	// ObjectivesFound counts solutions found while fuzzing this entry.
	ObjectivesFound uint64 `json:"objectives_found"`
	// Executions is the state executions counter when the entry was found.
	Executions uint64 `json:"executions"`
}

// NewTestcase returns an entry without a parent and with empty metadata.
func NewTestcase(input []byte) *Testcase {
	return &Testcase{
		Input:  input,
		Meta:   meta.Map{},
		Parent: NoID,
	}
}

type Corpus struct {
	name    string
	dir     string
	entries map[ID]*Testcase
	order   []ID
	nextID  ID
}

// New creates an empty corpus. If dir is not empty, inputs of added entries
// are also written to dir under their filenames.
func New(name, dir string) (*Corpus, error) {
	if dir != "" {
		if err := osutil.MkdirAll(dir); err != nil {
			return nil, fmt.Errorf("failed to create %v dir: %w", name, err)
		}
	}
	return &Corpus{
		name:    name,
		dir:     dir,
		entries: make(map[ID]*Testcase),
	}, nil
}

func (c *Corpus) Name() string {
	return c.name
}

func (c *Corpus) Dir() string {
	return c.dir
}

func (c *Corpus) Count() int {
	return len(c.order)
}

// PeekFreeID returns the ID the next Add will assign.
func (c *Corpus) PeekFreeID() ID {
	return c.nextID
}

// Add stores tc and returns its ID.
func (c *Corpus) Add(tc *Testcase) (ID, error) {
	if tc.Meta == nil {
		tc.Meta = meta.Map{}
	}
	if c.dir != "" {
		if tc.Filename == "" {
			sum := sha1.Sum(tc.Input)
			tc.Filename = hex.EncodeToString(sum[:])
		}
		if err := osutil.WriteFile(filepath.Join(c.dir, tc.Filename), tc.Input); err != nil {
			return 0, fmt.Errorf("failed to save %v entry: %w", c.name, err)
		}
	}
	id := c.nextID
	c.nextID++
	c.entries[id] = tc
	c.order = append(c.order, id)
	return id, nil
}

// Remove deletes the entry and its file, if any.
func (c *Corpus) Remove(id ID) (*Testcase, error) {
	tc := c.entries[id]
	if tc == nil {
		return nil, fmt.Errorf("%v: no entry %v", c.name, id)
	}
	delete(c.entries, id)
	idx := sort.Search(len(c.order), func(i int) bool { return c.order[i] >= id })
	c.order = append(c.order[:idx], c.order[idx+1:]...)
	if c.dir != "" && tc.Filename != "" {
		if err := os.Remove(filepath.Join(c.dir, tc.Filename)); err != nil && !os.IsNotExist(err) {
			return tc, fmt.Errorf("failed to remove %v entry: %w", c.name, err)
		}
	}
	return tc, nil
}

// Get returns the entry or nil.
func (c *Corpus) Get(id ID) *Testcase {
	return c.entries[id]
}

// IDs returns all entry IDs in insertion order.
func (c *Corpus) IDs() []ID {
	return append([]ID(nil), c.order...)
}

// First returns the oldest entry ID.
func (c *Corpus) First() (ID, bool) {
	if len(c.order) == 0 {
		return 0, false
	}
	return c.order[0], true
}

// Next returns the ID following id in insertion order.
// id itself does not need to be present anymore.
func (c *Corpus) Next(id ID) (ID, bool) {
	idx := sort.Search(len(c.order), func(i int) bool { return c.order[i] > id })
	if idx == len(c.order) {
		return 0, false
	}
	return c.order[idx], true
}

type entry struct {
	ID       ID        `json:"id"`
	Testcase *Testcase `json:"testcase"`
}

type snapshot struct {
	Name    string  `json:"name"`
	NextID  ID      `json:"next_id"`
	Entries []entry `json:"entries"`
}

func (c *Corpus) MarshalJSON() ([]byte, error) {
	snap := snapshot{
		Name:   c.name,
		NextID: c.nextID,
	}
	for _, id := range c.order {
		snap.Entries = append(snap.Entries, entry{id, c.entries[id]})
	}
	return json.Marshal(snap)
}

// UnmarshalJSON restores entries and the ID counter. Files are expected
// to be already present in the corpus dir.
func (c *Corpus) UnmarshalJSON(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	if c.name != "" && snap.Name != c.name {
		return fmt.Errorf("snapshot of corpus %q restored into %q", snap.Name, c.name)
	}
	c.name = snap.Name
	c.nextID = snap.NextID
	c.entries = make(map[ID]*Testcase, len(snap.Entries))
	c.order = nil
	for _, e := range snap.Entries {
		if e.ID >= c.nextID {
			return fmt.Errorf("corpus %v: entry %v is beyond next id %v", c.name, e.ID, c.nextID)
		}
		if e.Testcase.Meta == nil {
			e.Testcase.Meta = meta.Map{}
		}
		c.entries[e.ID] = e.Testcase
		c.order = append(c.order, e.ID)
	}
	return nil
}
