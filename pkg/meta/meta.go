// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package meta implements the type-tagged metadata store attached to the fuzzer state
// and to every corpus testcase.
//
// The set of metadata kinds is closed: every kind is declared in this package,
// carries a stable tag used for persistence and is accessed with the generic helpers:
//
//	q := meta.GetOrInsert[meta.TimeoutsToVerify](st.Meta)
//	q.Push(input)
//
//	if tcm, ok := meta.Get[meta.SchedulerTestcase](tc.Meta); ok {
//		...
//	}
package meta

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind is implemented by pointers to all metadata types.
type Kind interface {
	tag() string
}

// Map holds at most one value of every metadata kind.
type Map map[string]Kind

// ptr constrains type parameters of the accessors to *X where *X is a Kind.
type ptr[X any] interface {
	*X
	Kind
}

func tagOf[X any, PX ptr[X]]() string {
	var zero PX
	return zero.tag()
}

// Get returns the value of kind X stored in m.
func Get[X any, PX ptr[X]](m Map) (PX, bool) {
	v, ok := m[tagOf[X, PX]()]
	if !ok {
		return nil, false
	}
	return v.(PX), true
}

// GetOrInsert returns the value of kind X, inserting a zero value if there is none.
func GetOrInsert[X any, PX ptr[X]](m Map) PX {
	tag := tagOf[X, PX]()
	if v, ok := m[tag]; ok {
		return v.(PX)
	}
	v := PX(new(X))
	if init, ok := Kind(v).(interface{ init() }); ok {
		init.init()
	}
	m[tag] = v
	return v
}

// Has reports whether m holds a value of kind X.
func Has[X any, PX ptr[X]](m Map) bool {
	_, ok := m[tagOf[X, PX]()]
	return ok
}

// Remove deletes the value of kind X and returns it.
func Remove[X any, PX ptr[X]](m Map) (PX, bool) {
	tag := tagOf[X, PX]()
	v, ok := m[tag]
	if !ok {
		return nil, false
	}
	delete(m, tag)
	return v.(PX), true
}

// Put stores v replacing any previous value of the same kind.
func Put(m Map, v Kind) {
	m[v.tag()] = v
}

// Tags returns tags of all stored kinds in sorted order.
func (m Map) Tags() []string {
	var tags []string
	for tag := range m {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

var registry = map[string]func() Kind{}

func register(ctor func() Kind) {
	tag := ctor().tag()
	if registry[tag] != nil {
		panic(fmt.Sprintf("duplicate metadata tag %q", tag))
	}
	registry[tag] = ctor
}

func (m Map) MarshalJSON() ([]byte, error) {
	raw := make(map[string]json.RawMessage, len(m))
	for tag, v := range m {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %v metadata: %w", tag, err)
		}
		raw[tag] = data
	}
	return json.Marshal(raw)
}

func (m *Map) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	res := make(Map, len(raw))
	for tag, data := range raw {
		ctor := registry[tag]
		if ctor == nil {
			return fmt.Errorf("unknown metadata tag %q", tag)
		}
		v := ctor()
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to unmarshal %v metadata: %w", tag, err)
		}
		res[tag] = v
	}
	*m = res
	return nil
}
