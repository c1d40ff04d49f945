// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package tracer

import (
	"fmt"
	"sync/atomic"

	"github.com/ada-trace/ada-trace-go/ring"
	"github.com/ada-trace/ada-trace-go/shm"
)

// The registry arena (directory index 0) holds the session's shared state:
// a header with the ring geometry and the event ID counter, a thread table,
// and one ring region per thread slot. All of it is addressed as (arena,
// offset) pairs materialized per access, never as cached pointers.
//
// registry header, 64 bytes:
//
//	0  magic         u32
//	4  max threads   u32
//	8  slot size     u32
//	12 ring capacity u32
//	16 policy        u32
//	24 event id      u64 (atomic)
//	32 thread count  u32 (atomic)
//
// thread table, 16 bytes per slot: thread id u64, state u32.
const (
	registryMagic uint32 = 0x41545247 // "ATRG"

	regHeaderSize = 64

	regMagicOff       = 0
	regMaxThreadsOff  = 4
	regSlotSizeOff    = 8
	regCapacityOff    = 12
	regPolicyOff      = 16
	regEventIDOff     = 24
	regThreadCountOff = 32

	threadSlotSize     = 16
	threadSlotStateOff = 8
)

// thread slot states.
const (
	slotFree uint32 = iota
	slotActive
	slotRetired
)

// RegistryArenaIndex is the directory index the registry arena is published
// at.
const RegistryArenaIndex uint32 = 0

// RegistryArenaName is the directory name of the registry arena.
const RegistryArenaName = "registry"

type registry struct {
	att   *shm.Attachment
	arena uint32

	// geometry, read once from the shared header at attach
	maxThreads   uint32
	slotSize     uint32
	ringCapacity uint32
	policy       ring.Policy
	ringBytes    int
	ringsOff     uintptr
}

func align64(n uintptr) uintptr {
	return (n + 63) &^ 63
}

// registryArenaSize returns the arena size needed for the configured
// geometry.
func registryArenaSize(maxThreads, slotSize, ringCapacity uint32) (uint64, error) {
	rb, err := ring.Size(slotSize, ringCapacity)
	if err != nil {
		return 0, err
	}
	ringsOff := align64(regHeaderSize + uintptr(maxThreads)*threadSlotSize)
	stride := align64(uintptr(rb))
	return uint64(ringsOff) + uint64(maxThreads)*uint64(stride), nil
}

// initRegistry lays out the registry in a freshly published arena: header,
// empty thread table, and one initialized ring per slot. Controller side
// only, before any process attaches.
func initRegistry(att *shm.Attachment, maxThreads, slotSize, ringCapacity uint32, policy ring.Policy) (*registry, error) {
	r := &registry{
		att:          att,
		arena:        RegistryArenaIndex,
		maxThreads:   maxThreads,
		slotSize:     slotSize,
		ringCapacity: ringCapacity,
		policy:       policy,
	}
	rb, err := ring.Size(slotSize, ringCapacity)
	if err != nil {
		return nil, err
	}
	r.ringBytes = rb
	r.ringsOff = align64(regHeaderSize + uintptr(maxThreads)*threadSlotSize)
	for _, f := range []struct {
		off uintptr
		v   uint32
	}{
		{regMaxThreadsOff, maxThreads},
		{regSlotSizeOff, slotSize},
		{regCapacityOff, ringCapacity},
		{regPolicyOff, uint32(policy)},
	} {
		p, err := r.u32(f.off)
		if err != nil {
			return nil, err
		}
		p.Store(f.v)
	}
	for i := uint32(0); i < maxThreads; i++ {
		region, err := r.ringRegion(i)
		if err != nil {
			return nil, err
		}
		if _, err := ring.New(region, slotSize, ringCapacity, policy); err != nil {
			return nil, err
		}
	}
	// magic last, so attachers never see a half-initialized registry
	p, err := r.u32(regMagicOff)
	if err != nil {
		return nil, err
	}
	p.Store(registryMagic)
	return r, nil
}

// attachRegistry joins the registry laid out by the controller, reading the
// geometry from the shared header.
func attachRegistry(att *shm.Attachment) (*registry, error) {
	r := &registry{att: att, arena: RegistryArenaIndex}
	magic, err := r.u32(regMagicOff)
	if err != nil {
		return nil, err
	}
	if magic.Load() != registryMagic {
		return nil, fmt.Errorf("tracer: registry arena is not initialized")
	}
	for _, f := range []struct {
		off uintptr
		dst *uint32
	}{
		{regMaxThreadsOff, &r.maxThreads},
		{regSlotSizeOff, &r.slotSize},
		{regCapacityOff, &r.ringCapacity},
	} {
		p, err := r.u32(f.off)
		if err != nil {
			return nil, err
		}
		*f.dst = p.Load()
	}
	p, err := r.u32(regPolicyOff)
	if err != nil {
		return nil, err
	}
	r.policy = ring.Policy(p.Load())
	rb, err := ring.Size(r.slotSize, r.ringCapacity)
	if err != nil {
		return nil, err
	}
	r.ringBytes = rb
	r.ringsOff = align64(regHeaderSize + uintptr(r.maxThreads)*threadSlotSize)
	return r, nil
}

func (r *registry) u32(off uintptr) (*atomic.Uint32, error) {
	p, err := r.att.Resolve(r.arena, off)
	if err != nil {
		return nil, err
	}
	return (*atomic.Uint32)(p), nil
}

func (r *registry) u64(off uintptr) (*atomic.Uint64, error) {
	p, err := r.att.Resolve(r.arena, off)
	if err != nil {
		return nil, err
	}
	return (*atomic.Uint64)(p), nil
}

// nextEventID allocates a session-wide event identifier. IDs start at 1.
func (r *registry) nextEventID() (uint64, error) {
	p, err := r.u64(regEventIDOff)
	if err != nil {
		return 0, err
	}
	return p.Add(1), nil
}

// threadCount returns the number of slots ever claimed.
func (r *registry) threadCount() (uint32, error) {
	p, err := r.u32(regThreadCountOff)
	if err != nil {
		return 0, err
	}
	return p.Load(), nil
}

// claimSlot reserves a free thread slot for the given thread. Slots are
// never reused within a session.
func (r *registry) claimSlot(threadID uint64) (uint32, error) {
	for i := uint32(0); i < r.maxThreads; i++ {
		state, err := r.slotState(i)
		if err != nil {
			return 0, err
		}
		if !state.CompareAndSwap(slotFree, slotActive) {
			continue
		}
		tid, err := r.u64(r.slotOff(i))
		if err != nil {
			return 0, err
		}
		tid.Store(threadID)
		count, err := r.u32(regThreadCountOff)
		if err != nil {
			return 0, err
		}
		count.Add(1)
		return i, nil
	}
	return 0, fmt.Errorf("tracer: thread registry full (%d slots)", r.maxThreads)
}

// retireSlot marks a slot's thread as gone. The drain thread keeps scanning
// retired rings so committed events are still harvested.
func (r *registry) retireSlot(slot uint32) error {
	state, err := r.slotState(slot)
	if err != nil {
		return err
	}
	state.Store(slotRetired)
	return nil
}

func (r *registry) slotOff(i uint32) uintptr {
	return regHeaderSize + uintptr(i)*threadSlotSize
}

func (r *registry) slotState(i uint32) (*atomic.Uint32, error) {
	return r.u32(r.slotOff(i) + threadSlotStateOff)
}

// slotInUse reports whether slot i has ever been claimed.
func (r *registry) slotInUse(i uint32) (bool, error) {
	state, err := r.slotState(i)
	if err != nil {
		return false, err
	}
	return state.Load() != slotFree, nil
}

// slotThreadID returns the thread bound to slot i.
func (r *registry) slotThreadID(i uint32) (uint64, error) {
	p, err := r.u64(r.slotOff(i))
	if err != nil {
		return 0, err
	}
	return p.Load(), nil
}

// ringRegion materializes the byte range of slot i's ring.
func (r *registry) ringRegion(i uint32) ([]byte, error) {
	stride := align64(uintptr(r.ringBytes))
	return r.att.Slice(r.arena, r.ringsOff+uintptr(i)*stride, uintptr(r.ringBytes))
}
