// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"fmt"

	"github.com/powerfuzz/powerfuzz/pkg/corpus"
	"github.com/powerfuzz/powerfuzz/pkg/feedback"
	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/observer"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

// CorpusFeedback keeps inputs with new coverage. It also records exec times,
// captures timeouts for verification and names queue files.
// Timed out runs are never queued, their coverage is partial.
// Everything is admitted until DoneLoadingSeeds is called.
func CorpusFeedback(cov *observer.Map, time *observer.Time, name feedback.FilenamePolicy) *feedback.SeedFeedback {
	edges := feedback.FastAnd(feedback.Not(feedback.Timeout()), feedback.MaxMap("edges", cov))
	return feedback.Seed(feedback.Or(
		feedback.Or(edges, feedback.Time(time)),
		feedback.Or(feedback.CaptureTimeout(), feedback.Filename(name)),
	))
}

// ObjectiveFeedback keeps crashes, and timeouts confirmed by the verification pass,
// that also have coverage not seen in previous solutions.
func ObjectiveFeedback(cov *observer.Map, ignoreTimeouts bool, name feedback.FilenamePolicy) feedback.Feedback {
	hang := feedback.And(feedback.Const(!ignoreTimeouts), feedback.And(feedback.Verifying(), feedback.Timeout()))
	return feedback.Or(
		feedback.And(feedback.FastOr(feedback.Crash(), hang), feedback.MaxMap("edges_objective", cov)),
		feedback.Filename(name),
	)
}

func (fuzzer *Fuzzer) queueName(st *state.State, tc *corpus.Testcase) string {
	id := uint64(st.Corpus.PeekFreeID())
	if fuzzer.seedName != "" {
		return fmt.Sprintf("id:%06d,time:0,execs:%d,orig:%v", id, tc.Executions, fuzzer.seedName)
	}
	return fmt.Sprintf("id:%06d%v,time:%d,execs:%d",
		id, src(tc), st.Elapsed().Milliseconds(), tc.Executions)
}

func solutionName(st *state.State, tc *corpus.Testcase) string {
	return fmt.Sprintf("id:%06d%v,time:%d,execs:%d,%v",
		uint64(st.Solutions.PeekFreeID()), src(tc), st.Elapsed().Milliseconds(), tc.Executions,
		solutionKind(tc.ExitKind))
}

func src(tc *corpus.Testcase) string {
	if tc.Parent == corpus.NoID {
		return ""
	}
	return fmt.Sprintf(",src:%06d", uint64(tc.Parent))
}

func solutionKind(kind ipc.ExitKind) string {
	if kind == ipc.Timeout {
		return "hang"
	}
	return kind.String()
}
