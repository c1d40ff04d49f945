// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package tracer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ada-trace/ada-trace-go/ring"
)

func TestFilterNoRules(t *testing.T) {
	f := newFilter(nil)
	for kind := uint8(0); kind < 10; kind++ {
		assert.True(t, f.shouldPersist(&ring.Event{Kind: kind}))
	}
}

func TestFilterAfter(t *testing.T) {
	assert := assert.New(t)
	f := newFilter([]Rule{{Kind: 3, After: 3}})
	// occurrences 1..3 are skipped, 4 and 5 persist
	var persisted int
	for i := 0; i < 5; i++ {
		if f.shouldPersist(&ring.Event{Kind: 3}) {
			persisted++
		}
	}
	assert.Equal(2, persisted)
}

func TestFilterUnmatchedKind(t *testing.T) {
	assert := assert.New(t)
	f := newFilter([]Rule{{Kind: 3}})
	// a rule set makes kinds without a rule ineligible
	assert.False(f.shouldPersist(&ring.Event{Kind: 4}))
	assert.True(f.shouldPersist(&ring.Event{Kind: 3}))
}

func TestFilterAfterZero(t *testing.T) {
	f := newFilter([]Rule{{Kind: 1, After: 0}})
	for i := 0; i < 3; i++ {
		assert.True(t, f.shouldPersist(&ring.Event{Kind: 1}))
	}
}

func TestFilterIndependentKinds(t *testing.T) {
	assert := assert.New(t)
	f := newFilter([]Rule{{Kind: 1, After: 1}, {Kind: 2, After: 2}})
	assert.False(f.shouldPersist(&ring.Event{Kind: 1}))
	assert.False(f.shouldPersist(&ring.Event{Kind: 2}))
	assert.True(f.shouldPersist(&ring.Event{Kind: 1}))
	assert.False(f.shouldPersist(&ring.Event{Kind: 2}))
	assert.True(f.shouldPersist(&ring.Event{Kind: 2}))
}
