// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package tracer

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ada-trace/ada-trace-go/ring"
	"github.com/ada-trace/ada-trace-go/shm"
)

// testSessionName returns a session name unique to this test run.
func testSessionName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("%d-%s", os.Getpid(), strings.ReplaceAll(t.Name(), "/", "-"))
}

// newTestRegistry publishes a registry arena and returns the controller-side
// registry along with its attachment.
func newTestRegistry(t *testing.T, maxThreads, slotSize, capacity uint32) (*registry, *shm.Attachment) {
	t.Helper()
	size, err := registryArenaSize(maxThreads, slotSize, capacity)
	require.NoError(t, err)
	dir, err := shm.Publish(testSessionName(t), []shm.Entry{{
		Index: RegistryArenaIndex,
		Name:  RegistryArenaName,
		Size:  size,
	}})
	require.NoError(t, err)
	att := shm.NewAttachment(dir)
	t.Cleanup(func() {
		att.Detach()
		dir.Remove()
	})
	_, err = att.Attach(RegistryArenaIndex)
	require.NoError(t, err)
	reg, err := initRegistry(att, maxThreads, slotSize, capacity, ring.DropNew)
	require.NoError(t, err)
	return reg, att
}

func TestRegistryAttach(t *testing.T) {
	assert := assert.New(t)
	_, att := newTestRegistry(t, 4, 128, 16)

	reg, err := attachRegistry(att)
	require.NoError(t, err)
	assert.Equal(uint32(4), reg.maxThreads)
	assert.Equal(uint32(128), reg.slotSize)
	assert.Equal(uint32(16), reg.ringCapacity)
	assert.Equal(ring.DropNew, reg.policy)
}

func TestAttachUninitialized(t *testing.T) {
	size, err := registryArenaSize(4, 128, 16)
	require.NoError(t, err)
	dir, err := shm.Publish(testSessionName(t), []shm.Entry{{
		Index: RegistryArenaIndex,
		Name:  RegistryArenaName,
		Size:  size,
	}})
	require.NoError(t, err)
	defer dir.Remove()
	att := shm.NewAttachment(dir)
	defer att.Detach()
	_, err = att.Attach(RegistryArenaIndex)
	require.NoError(t, err)

	_, err = attachRegistry(att)
	assert.Error(t, err)
}

func TestEventIDsStartAtOne(t *testing.T) {
	reg, _ := newTestRegistry(t, 2, 128, 16)
	for want := uint64(1); want <= 5; want++ {
		id, err := reg.nextEventID()
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
}

func TestClaimAndRetire(t *testing.T) {
	assert := assert.New(t)
	reg, _ := newTestRegistry(t, 2, 128, 16)

	s0, err := reg.claimSlot(101)
	require.NoError(t, err)
	s1, err := reg.claimSlot(102)
	require.NoError(t, err)
	assert.NotEqual(s0, s1)

	tid, err := reg.slotThreadID(s0)
	require.NoError(t, err)
	assert.Equal(uint64(101), tid)

	n, err := reg.threadCount()
	require.NoError(t, err)
	assert.Equal(uint32(2), n)

	// slots are not reused after retirement
	require.NoError(t, reg.retireSlot(s0))
	inUse, err := reg.slotInUse(s0)
	require.NoError(t, err)
	assert.True(inUse)
	_, err = reg.claimSlot(103)
	assert.Error(err)
}

func TestRegistryFull(t *testing.T) {
	reg, _ := newTestRegistry(t, 1, 128, 16)
	_, err := reg.claimSlot(1)
	require.NoError(t, err)
	_, err = reg.claimSlot(2)
	assert.ErrorContains(t, err, "registry full")
}

func TestRingRegionsDistinct(t *testing.T) {
	reg, _ := newTestRegistry(t, 2, 128, 16)
	r0, err := reg.ringRegion(0)
	require.NoError(t, err)
	r1, err := reg.ringRegion(1)
	require.NoError(t, err)
	// both regions hold initialized rings and do not alias
	_, err = ring.Attach(r0)
	require.NoError(t, err)
	_, err = ring.Attach(r1)
	require.NoError(t, err)
	assert.NotSame(t, &r0[0], &r1[0])
}
