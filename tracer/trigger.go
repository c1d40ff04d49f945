// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package tracer

import (
	"github.com/ada-trace/ada-trace-go/ring"
)

// Rule is a trigger rule bounding what the drain thread persists. A rule
// matches events of one kind; a matched event is persisted once more than
// After occurrences of that kind have been seen in the session.
//
// The rule set is loaded at session start and immutable during the run.
type Rule struct {
	// Kind is the event kind this rule applies to.
	Kind uint8

	// After is the number of leading occurrences to skip. Zero persists
	// every occurrence.
	After int
}

// filter applies the trigger rule set. With no rules configured every event
// is persisted; with rules, only events whose kind has a rule are eligible.
// Occurrence counters are session-scoped state owned exclusively by the
// filter and touched only on the drain goroutine.
type filter struct {
	rules  map[uint8]Rule
	counts map[uint8]uint64
}

func newFilter(rules []Rule) *filter {
	f := &filter{counts: make(map[uint8]uint64)}
	if len(rules) > 0 {
		f.rules = make(map[uint8]Rule, len(rules))
		for _, r := range rules {
			f.rules[r.Kind] = r
		}
	}
	return f
}

// shouldPersist reports whether ev makes it to the trace file. Drain
// goroutine only.
func (f *filter) shouldPersist(ev *ring.Event) bool {
	if f.rules == nil {
		return true
	}
	r, ok := f.rules[ev.Kind]
	if !ok {
		return false
	}
	f.counts[ev.Kind]++
	return f.counts[ev.Kind] > uint64(r.After)
}
