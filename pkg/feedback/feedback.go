// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package feedback decides whether an executed input is interesting.
//
// Feedbacks are composed into two trees: the corpus feedback admits inputs
// into the queue and the objective feedback admits them into solutions.
// IsInteresting is called after every run. If the input is kept, AppendMetadata
// is called on the whole tree with the new testcase, otherwise DiscardMetadata.
package feedback

import (
	"fmt"

	"github.com/powerfuzz/powerfuzz/pkg/corpus"
	"github.com/powerfuzz/powerfuzz/pkg/ipc"
	"github.com/powerfuzz/powerfuzz/pkg/state"
)

type Feedback interface {
	Name() string
	IsInteresting(st *state.State, input []byte, kind ipc.ExitKind) (bool, error)
	// AppendMetadata records whatever the feedback observed into a testcase that is being kept.
	AppendMetadata(st *state.State, tc *corpus.Testcase) error
	// DiscardMetadata drops what was observed for an input that is not kept.
	DiscardMetadata(st *state.State, input []byte) error
}

type base struct{}

func (base) AppendMetadata(*state.State, *corpus.Testcase) error { return nil }
func (base) DiscardMetadata(*state.State, []byte) error          { return nil }

type logic int

const (
	logicAnd logic = iota
	logicFastAnd
	logicOr
	logicFastOr
)

var logicNames = [...]string{
	logicAnd:     "and",
	logicFastAnd: "fast_and",
	logicOr:      "or",
	logicFastOr:  "fast_or",
}

type combined struct {
	logic logic
	a, b  Feedback
}

// And is true if both feedbacks are. Both are always evaluated.
func And(a, b Feedback) Feedback { return &combined{logicAnd, a, b} }

// FastAnd does not evaluate b if a is false.
func FastAnd(a, b Feedback) Feedback { return &combined{logicFastAnd, a, b} }

// Or is true if any of the feedbacks is. Both are always evaluated.
func Or(a, b Feedback) Feedback { return &combined{logicOr, a, b} }

// FastOr does not evaluate b if a is true.
func FastOr(a, b Feedback) Feedback { return &combined{logicFastOr, a, b} }

func (f *combined) Name() string {
	return fmt.Sprintf("%v(%v, %v)", logicNames[f.logic], f.a.Name(), f.b.Name())
}

func (f *combined) IsInteresting(st *state.State, input []byte, kind ipc.ExitKind) (bool, error) {
	a, err := f.a.IsInteresting(st, input, kind)
	if err != nil {
		return false, err
	}
	switch f.logic {
	case logicFastAnd:
		if !a {
			return false, nil
		}
	case logicFastOr:
		if a {
			return true, nil
		}
	}
	b, err := f.b.IsInteresting(st, input, kind)
	if err != nil {
		return false, err
	}
	if f.logic == logicAnd || f.logic == logicFastAnd {
		return a && b, nil
	}
	return a || b, nil
}

func (f *combined) AppendMetadata(st *state.State, tc *corpus.Testcase) error {
	if err := f.a.AppendMetadata(st, tc); err != nil {
		return err
	}
	return f.b.AppendMetadata(st, tc)
}

func (f *combined) DiscardMetadata(st *state.State, input []byte) error {
	if err := f.a.DiscardMetadata(st, input); err != nil {
		return err
	}
	return f.b.DiscardMetadata(st, input)
}

type not struct {
	f Feedback
}

// Not inverts the verdict of f.
func Not(f Feedback) Feedback { return &not{f} }

func (f *not) Name() string { return "not(" + f.f.Name() + ")" }

func (f *not) IsInteresting(st *state.State, input []byte, kind ipc.ExitKind) (bool, error) {
	res, err := f.f.IsInteresting(st, input, kind)
	return !res, err
}

func (f *not) AppendMetadata(st *state.State, tc *corpus.Testcase) error {
	return f.f.AppendMetadata(st, tc)
}

func (f *not) DiscardMetadata(st *state.State, input []byte) error {
	return f.f.DiscardMetadata(st, input)
}

// Verdict is the outcome of evaluating an executed input.
type Verdict int

const (
	Discard Verdict = iota
	Corpus
	Solution
)

func (v Verdict) String() string {
	switch v {
	case Corpus:
		return "corpus"
	case Solution:
		return "solution"
	}
	return "discard"
}
