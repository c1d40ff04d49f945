// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package tracer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ada-trace/ada-trace-go/atf"
	"github.com/ada-trace/ada-trace-go/ring"
)

// newTestSession starts a session writing into a per-test temp file. Stop is
// registered as cleanup for tests that do not stop explicitly.
func newTestSession(t *testing.T, opts ...StartOption) *Session {
	t.Helper()
	opts = append([]StartOption{
		WithSession(testSessionName(t)),
		WithTracePath(filepath.Join(t.TempDir(), "trace.atf")),
		WithPollInterval(100 * time.Microsecond),
	}, opts...)
	s, err := NewSession(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s
}

func openTrace(t *testing.T, path string) *atf.Trace {
	t.Helper()
	tr, err := atf.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSessionEndToEnd(t *testing.T) {
	assert := assert.New(t)
	s := newTestSession(t)

	c1, err := s.RegisterThread(100)
	require.NoError(t, err)
	c2, err := s.RegisterThread(200)
	require.NoError(t, err)

	root, ok := c1.Emit(1, 0, []byte("main"))
	require.True(t, ok)
	child1, ok := c1.Emit(2, root, []byte("step"))
	require.True(t, ok)
	child2, ok := c2.Emit(2, root, nil)
	require.True(t, ok)

	require.NoError(t, s.Stop())

	tr := openTrace(t, s.TracePath())
	assert.Equal(uint8(atf.V2), tr.Version())
	require.Equal(t, 3, tr.Len())
	assert.Equal(s.Session(), tr.Meta()["session.name"])

	byID := make(map[uint64]atf.Record, tr.Len())
	it := tr.Records()
	for {
		rec, err := it.Next()
		if err != nil {
			break
		}
		byID[rec.ID] = rec
	}
	require.Contains(t, byID, root)
	require.Contains(t, byID, child1)
	require.Contains(t, byID, child2)
	assert.Equal([]byte("main"), byID[root].Payload)
	assert.Equal(uint64(100), byID[child1].ThreadID)
	assert.Equal(uint64(200), byID[child2].ThreadID)

	children, err := tr.Children(byID[root])
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, c := range children {
		p, ok, err := tr.Parent(c)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(root, p.ID)
	}
}

func TestStopDrainsEverything(t *testing.T) {
	// every event committed before Stop must be in the file after Stop
	assert := assert.New(t)
	s := newTestSession(t, WithRingGeometry(64, 128))
	c, err := s.RegisterThread(1)
	require.NoError(t, err)

	committed := 0
	for i := 0; i < 5000; i++ {
		if _, ok := c.Emit(1, 0, nil); ok {
			committed++
		}
	}
	require.NoError(t, s.Stop())

	tr := openTrace(t, s.TracePath())
	assert.Equal(committed, tr.Len())
	assert.Equal(uint64(committed)+c.Dropped(), uint64(5000))
}

func TestOverwriteOldestSession(t *testing.T) {
	s := newTestSession(t, WithOverflowPolicy(ring.OverwriteOldest), WithRingGeometry(16, 128))
	c, err := s.RegisterThread(1)
	require.NoError(t, err)
	var last uint64
	for i := 0; i < 1000; i++ {
		id, ok := c.Emit(1, 0, nil)
		require.True(t, ok) // OverwriteOldest never rejects a write
		last = id
	}
	require.NoError(t, s.Stop())

	// the newest event always survives
	tr := openTrace(t, s.TracePath())
	rec, err := tr.Record(uint32(tr.Len()))
	require.NoError(t, err)
	assert.Equal(t, last, rec.ID)
	assert.Zero(t, c.Dropped())
}

func TestFlushVisibility(t *testing.T) {
	s := newTestSession(t)
	c, err := s.RegisterThread(1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, ok := c.Emit(1, 0, nil)
		require.True(t, ok)
	}
	s.Flush()

	// flushed records are readable while the session is still running
	tr := openTrace(t, s.TracePath())
	assert.Equal(t, 3, tr.Len())
	_, _, ok := tr.TimeRange()
	assert.False(t, ok) // no footer until Stop
}

func TestTriggerRules(t *testing.T) {
	assert := assert.New(t)
	s := newTestSession(t, WithTriggerRule(7, 3))
	c, err := s.RegisterThread(1)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, ok := c.Emit(7, 0, nil)
		require.True(t, ok)
	}
	for i := 0; i < 2; i++ {
		_, ok := c.Emit(1, 0, nil)
		require.True(t, ok)
	}
	require.NoError(t, s.Stop())

	tr := openTrace(t, s.TracePath())
	assert.Equal(2, tr.Len())
	it := tr.Records()
	for {
		rec, err := it.Next()
		if err != nil {
			break
		}
		assert.Equal(uint8(7), rec.Kind)
	}

	st := s.Stats()
	assert.Equal(uint64(7), st.Drained)
	assert.Equal(uint64(2), st.Persisted)
	assert.Equal(uint64(5), st.Filtered)
	assert.Equal(uint32(1), st.Threads)
}

func TestRetiredChannelStillDrained(t *testing.T) {
	s := newTestSession(t)
	c, err := s.RegisterThread(1)
	require.NoError(t, err)
	_, ok := c.Emit(1, 0, []byte("tail"))
	require.True(t, ok)
	require.NoError(t, c.Close())
	require.NoError(t, s.Stop())

	tr := openTrace(t, s.TracePath())
	assert.Equal(t, 1, tr.Len())
}

func TestStopIdempotent(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestAgentJoin(t *testing.T) {
	assert := assert.New(t)
	s := newTestSession(t)

	// a second attachment to the same published session, as an
	// instrumented process would make
	a, err := Join(s.Session())
	require.NoError(t, err)
	c, err := a.RegisterThread(42)
	require.NoError(t, err)
	id, ok := c.Emit(5, 0, []byte("remote"))
	require.True(t, ok)
	require.NoError(t, c.Close())
	require.NoError(t, a.Detach())

	require.NoError(t, s.Stop())
	tr := openTrace(t, s.TracePath())
	require.Equal(t, 1, tr.Len())
	rec, err := tr.Record(1)
	require.NoError(t, err)
	assert.Equal(id, rec.ID)
	assert.Equal(uint64(42), rec.ThreadID)
	assert.Equal([]byte("remote"), rec.Payload)
}

func TestJoinUnknownSession(t *testing.T) {
	_, err := Join("no-such-session-anywhere")
	assert.Error(t, err)
}

func TestEventIDsUniqueAcrossThreads(t *testing.T) {
	s := newTestSession(t)
	c1, err := s.RegisterThread(1)
	require.NoError(t, err)
	c2, err := s.RegisterThread(2)
	require.NoError(t, err)

	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		for _, c := range []*ThreadChannel{c1, c2} {
			id, ok := c.Emit(1, 0, nil)
			require.True(t, ok)
			require.False(t, seen[id], "event id %d allocated twice", id)
			seen[id] = true
		}
	}
}

func TestStartStopActive(t *testing.T) {
	assert := assert.New(t)
	assert.Nil(Active())
	err := Start(
		WithSession(testSessionName(t)),
		WithTracePath(filepath.Join(t.TempDir(), "trace.atf")),
	)
	require.NoError(t, err)
	require.NotNil(t, Active())
	path := Active().TracePath()
	assert.NoError(Stop())
	assert.Nil(Active())
	assert.NoError(Stop()) // no-op without an active session

	tr := openTrace(t, path)
	assert.Equal(0, tr.Len())
}

func TestFormatVersionOption(t *testing.T) {
	s := newTestSession(t, WithFormatVersion(atf.V1))
	c, err := s.RegisterThread(1)
	require.NoError(t, err)
	_, ok := c.Emit(1, 0, nil)
	require.True(t, ok)
	require.NoError(t, s.Stop())

	tr := openTrace(t, s.TracePath())
	assert.Equal(t, uint8(atf.V1), tr.Version())
	rec, err := tr.Record(1)
	require.NoError(t, err)
	_, _, err = tr.Parent(rec)
	assert.ErrorIs(t, err, atf.ErrLinksUnsupported)
}

func TestSessionMeta(t *testing.T) {
	s := newTestSession(t, WithMeta("service", "checkout"), WithCompression())
	require.NoError(t, s.Stop())
	tr := openTrace(t, s.TracePath())
	meta := tr.Meta()
	assert.Equal(t, "checkout", meta["service"])
	assert.Equal(t, "go", meta["tracer.lang"])
	assert.NotEmpty(t, meta["session.uuid"])
}
