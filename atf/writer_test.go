// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package atf

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tracePath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "trace.atf")
}

func TestWriterStates(t *testing.T) {
	assert := assert.New(t)
	w := NewWriter()

	// unopened: append and flush invalid
	_, err := w.Append(Record{ID: 1})
	assert.ErrorIs(err, ErrInvalidState)
	assert.ErrorIs(w.Flush(), ErrInvalidState)

	path := tracePath(t)
	require.NoError(t, w.Open(path, V2))
	assert.ErrorIs(w.Open(path, V2), ErrInvalidState)

	_, err = w.Append(Record{ID: 1, Kind: 2, Timestamp: 3, ThreadID: 4})
	assert.NoError(err)
	require.NoError(t, w.Close())

	// closed: append invalid, close idempotent
	_, err = w.Append(Record{ID: 2})
	assert.ErrorIs(err, ErrInvalidState)
	assert.NoError(w.Close())
}

func TestOpenBadVersion(t *testing.T) {
	w := NewWriter()
	assert.ErrorIs(t, w.Open(tracePath(t), 9), ErrUnsupportedVersion)
}

func TestAppendAssignsIndexes(t *testing.T) {
	w := NewWriter()
	require.NoError(t, w.Open(tracePath(t), V1))
	defer w.Close()
	for i := uint32(1); i <= 5; i++ {
		idx, err := w.Append(Record{ID: uint64(i)})
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}
	assert.Equal(t, uint32(5), w.Count())
}

func TestWriterFlushThreshold(t *testing.T) {
	// appending more than writerFlushThreshold bytes must not lose records
	w := NewWriter()
	path := tracePath(t)
	require.NoError(t, w.Open(path, V2))
	payload := make([]byte, 1024)
	const n = 100 // ~100KiB, crosses the threshold several times
	for i := 1; i <= n; i++ {
		_, err := w.Append(Record{ID: uint64(i), Payload: payload})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	tr, err := Open(path)
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, n, tr.Len())
}
