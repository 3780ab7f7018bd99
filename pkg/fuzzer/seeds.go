// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/powerfuzz/powerfuzz/pkg/feedback"
	"github.com/powerfuzz/powerfuzz/pkg/log"
	"github.com/powerfuzz/powerfuzz/pkg/meta"
	"github.com/powerfuzz/powerfuzz/pkg/osutil"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

// LoadInitialInputs evaluates every regular file in dirs. Seeds that do not crash
// are admitted into the queue even without new coverage.
// After loading, only interesting inputs are admitted.
func (fuzzer *Fuzzer) LoadInitialInputs(ctx context.Context, st *state.State, dirs []string) error {
	defer fuzzer.feedback.DoneLoadingSeeds()
	for _, dir := range dirs {
		names, err := osutil.ListDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read seeds: %w", err)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fuzzer.loadSeed(st, dir, name); err != nil {
				return err
			}
		}
	}
	if st.Corpus.Count() == 0 {
		return fmt.Errorf("no initial inputs loaded from %v", dirs)
	}
	log.Logf(0, "loaded %v seeds, %v solutions", st.Corpus.Count(), st.Solutions.Count())
	return nil
}

func (fuzzer *Fuzzer) loadSeed(st *state.State, dir, name string) error {
	file := filepath.Join(dir, name)
	info, err := os.Stat(file)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read seed: %w", err)
	}
	if len(data) == 0 {
		log.Logf(1, "skipping empty seed %v", file)
		return nil
	}
	if maxLen := fuzzer.Config.MaxInputLen; maxLen > 0 && len(data) > maxLen {
		log.Logf(1, "truncating seed %v to %v bytes", file, maxLen)
		data = data[:maxLen]
	}
	fuzzer.seedName = name
	defer func() { fuzzer.seedName = "" }()
	verdict, id, err := fuzzer.evaluate(st, data)
	if err != nil {
		return fmt.Errorf("seed %v: %w", file, err)
	}
	log.Logf(2, "seed %v: %v", name, verdict)
	if verdict == feedback.Corpus && fuzzer.Config.CmpLogOnlyNew {
		meta.Put(st.Corpus.Get(id).Meta, &meta.InitialCorpusEntry{})
	}
	return nil
}
