// Copyright 2024 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import "github.com/powerfuzz/powerfuzz/pkg/stat"

var (
	statExecs = stat.New("execs", "Evaluated and calibration executions",
		stat.Console, stat.Rate{}, stat.Prometheus("pf_execs_total"))
	statCorpus = stat.New("corpus", "Queue entries admitted",
		stat.Console, stat.Prometheus("pf_corpus_entries"))
	statSolutions = stat.New("solutions", "Crashes and verified hangs saved",
		stat.Console, stat.Prometheus("pf_solutions"))
	statFuzzed = stat.New("fuzzed", "Queue entries that went through all stages",
		stat.Prometheus("pf_entries_fuzzed"))
)
