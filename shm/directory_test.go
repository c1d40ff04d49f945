// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package shm

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSession returns a session name unique to this test run.
func testSession(t *testing.T) string {
	return fmt.Sprintf("test-%d-%s", os.Getpid(), strings.ReplaceAll(t.Name(), "/", "-"))
}

func TestPublishAndOpen(t *testing.T) {
	assert := assert.New(t)
	session := testSession(t)
	entries := []Entry{
		{Index: 0, Name: "registry", Size: 4096},
		{Index: 3, Name: "aux", Size: 8192},
	}
	d, err := Publish(session, entries)
	require.NoError(t, err)
	defer d.Remove()

	// every attached process must read back exactly what was published
	d2, err := OpenDirectory(session)
	require.NoError(t, err)
	assert.Equal(d.Entries(), d2.Entries())
	assert.Equal(d.ID(), d2.ID())

	e, err := d2.Lookup(3)
	require.NoError(t, err)
	assert.Equal(Entry{Index: 3, Name: "aux", Size: 8192}, e)
}

func TestLookupNotFound(t *testing.T) {
	session := testSession(t)
	d, err := Publish(session, []Entry{{Index: 0, Name: "registry", Size: 4096}})
	require.NoError(t, err)
	defer d.Remove()

	_, err = d.Lookup(5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublishValidation(t *testing.T) {
	for name, entries := range map[string][]Entry{
		"empty":             {},
		"index too large":   {{Index: MaxEntries, Name: "x", Size: 64}},
		"duplicate index":   {{Index: 1, Name: "a", Size: 64}, {Index: 1, Name: "b", Size: 64}},
		"empty name":        {{Index: 0, Name: "", Size: 64}},
		"separator in name": {{Index: 0, Name: "../escape", Size: 64}},
		"zero size":         {{Index: 0, Name: "x", Size: 0}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Publish(testSession(t), entries)
			assert.Error(t, err)
		})
	}
}

func TestSessionNameValidation(t *testing.T) {
	// backing objects are single path components; names must not escape
	// the shared memory directory
	for _, session := range []string{"", "../etc", "a/b", `a\b`} {
		_, err := Publish(session, []Entry{{Index: 0, Name: "registry", Size: 64}})
		assert.Error(t, err, "session %q", session)
		_, err = OpenDirectory(session)
		assert.Error(t, err, "session %q", session)
	}
}

func TestPublishTwice(t *testing.T) {
	session := testSession(t)
	d, err := Publish(session, []Entry{{Index: 0, Name: "registry", Size: 4096}})
	require.NoError(t, err)
	defer d.Remove()

	_, err = Publish(session, []Entry{{Index: 0, Name: "registry", Size: 4096}})
	assert.Error(t, err)
}

func TestOpenMissingSession(t *testing.T) {
	_, err := OpenDirectory(testSession(t) + "-nope")
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	session := testSession(t)
	d, err := Publish(session, []Entry{{Index: 0, Name: "registry", Size: 4096}})
	require.NoError(t, err)
	require.NoError(t, d.Remove())

	_, err = OpenDirectory(session)
	assert.Error(t, err)
	_, err = os.Stat(objectPath(session, "registry"))
	assert.True(t, os.IsNotExist(err))
}
