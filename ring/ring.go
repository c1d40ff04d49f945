// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

// Package ring implements the per-thread event buffers of the trace pipeline:
// fixed-capacity single-producer/single-consumer rings laid out over shared
// arena memory.
//
// Each instrumented thread owns exactly one ring and is its only writer; the
// drain thread is the only reader of every ring. This discipline makes the
// ring lock-free by construction: the writer owns the write cursor, the
// reader owns the read cursor, and each side only reads the other's cursor.
// A slot becomes visible to the reader when the writer publishes it by
// advancing the write cursor with a release store; the reader never observes
// a partially written slot.
//
// The write path never blocks. When the ring is full the configured overflow
// policy decides whether the new event is dropped (DropNew) or the oldest
// unread slot is reclaimed (OverwriteOldest). Both outcomes are counted in
// the shared header.
package ring

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Policy selects the behaviour of a writer hitting a full ring.
type Policy uint32

const (
	// DropNew discards the incoming event and increments the drop counter.
	DropNew Policy = iota

	// OverwriteOldest reclaims the oldest unread slot for the incoming
	// event and increments the overwrite counter.
	OverwriteOldest
)

func (p Policy) String() string {
	switch p {
	case DropNew:
		return "drop-new"
	case OverwriteOldest:
		return "overwrite-oldest"
	}
	return fmt.Sprintf("policy(%d)", uint32(p))
}

const (
	ringMagic = 0x41524e47 // "ARNG"

	// HeaderSize is the size of the shared ring header at the start of the
	// region. Slot storage follows immediately after.
	HeaderSize = 64
)

// header is the shared control block at the start of a ring region. Geometry
// fields are written once at creation and read-only afterwards; cursors and
// counters are accessed atomically by both sides of the ring, possibly from
// different processes.
//
// Cursors increase monotonically and are reduced modulo capacity only when
// indexing slot storage. A cursor value therefore never recurs while events
// are in flight, which keeps the read-cursor CAS unambiguous even when a
// writer laps the ring.
type header struct {
	magic       uint32
	slotSize    uint32
	capacity    uint32
	policy      uint32
	writePos    atomic.Uint32
	readPos     atomic.Uint32
	dropped     atomic.Uint64
	overwritten atomic.Uint64
	_           [24]byte
}

// The header layout is part of the shared memory contract.
var _ [HeaderSize]byte = [unsafe.Sizeof(header{})]byte{}

// Ring is a view over a ring region. The same region may be viewed by a Ring
// in the producing process and another in the draining process.
type Ring struct {
	hdr         *header
	slots       []byte
	mask        uint32
	slotSize    uint32
	payloadRoom int
}

// Size returns the number of region bytes needed for a ring with the given
// slot size and capacity. Capacity must be a power of two; one slot is kept
// as a sentinel, so a ring holds capacity-1 unread events.
func Size(slotSize, capacity uint32) (int, error) {
	if err := checkGeometry(slotSize, capacity); err != nil {
		return 0, err
	}
	return HeaderSize + int(slotSize)*int(capacity), nil
}

func checkGeometry(slotSize, capacity uint32) error {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return fmt.Errorf("ring: capacity %d is not a power of two >= 2", capacity)
	}
	if slotSize <= slotHeaderSize {
		return fmt.Errorf("ring: slot size %d leaves no payload room (header is %d bytes)", slotSize, slotHeaderSize)
	}
	return nil
}

// New initializes a ring in mem and returns a view over it. mem is typically
// a sub-range of a mapped arena; it must be at least Size(slotSize, capacity)
// bytes and remain valid for the life of the ring.
func New(mem []byte, slotSize, capacity uint32, policy Policy) (*Ring, error) {
	if err := checkGeometry(slotSize, capacity); err != nil {
		return nil, err
	}
	need := HeaderSize + int(slotSize)*int(capacity)
	if len(mem) < need {
		return nil, fmt.Errorf("ring: region is %d bytes, need %d", len(mem), need)
	}
	hdr := (*header)(unsafe.Pointer(&mem[0]))
	hdr.slotSize = slotSize
	hdr.capacity = capacity
	hdr.policy = uint32(policy)
	hdr.writePos.Store(0)
	hdr.readPos.Store(0)
	hdr.dropped.Store(0)
	hdr.overwritten.Store(0)
	// magic last, so attachers never see a half-initialized header
	atomic.StoreUint32(&hdr.magic, ringMagic)
	return view(hdr, mem), nil
}

// Attach returns a view over a ring previously initialized in mem, validating
// the shared header before use. It never modifies the header.
func Attach(mem []byte) (*Ring, error) {
	if len(mem) < HeaderSize {
		return nil, fmt.Errorf("ring: region is %d bytes, need at least %d", len(mem), HeaderSize)
	}
	hdr := (*header)(unsafe.Pointer(&mem[0]))
	if atomic.LoadUint32(&hdr.magic) != ringMagic {
		return nil, fmt.Errorf("ring: region has no initialized ring")
	}
	if err := checkGeometry(hdr.slotSize, hdr.capacity); err != nil {
		return nil, err
	}
	need := HeaderSize + int(hdr.slotSize)*int(hdr.capacity)
	if len(mem) < need {
		return nil, fmt.Errorf("ring: region is %d bytes, header wants %d", len(mem), need)
	}
	return view(hdr, mem), nil
}

func view(hdr *header, mem []byte) *Ring {
	return &Ring{
		hdr:         hdr,
		slots:       mem[HeaderSize:],
		mask:        hdr.capacity - 1,
		slotSize:    hdr.slotSize,
		payloadRoom: int(hdr.slotSize) - slotHeaderSize,
	}
}

// Write commits ev to the ring. It reports false when the event was dropped
// under the DropNew policy. Write never blocks and must only be called from
// the single producer of this ring. Payloads longer than the slot's payload
// room are truncated.
func (r *Ring) Write(ev *Event) bool {
	w := r.hdr.writePos.Load()
	if w-r.hdr.readPos.Load() == r.mask {
		if Policy(r.hdr.policy) == DropNew {
			r.hdr.dropped.Add(1)
			return false
		}
		// Reclaim the oldest slot by stealing the read cursor. A failed
		// CAS means the reader consumed it first; the slot is free either
		// way.
		rp := r.hdr.readPos.Load()
		if w-rp == r.mask {
			if r.hdr.readPos.CompareAndSwap(rp, rp+1) {
				r.hdr.overwritten.Add(1)
			}
		}
	}
	r.encodeSlot(w, ev)
	r.hdr.writePos.Store(w + 1)
	return true
}

// Read pops the oldest unread event into ev, reporting whether one was
// available. It must only be called from the single consumer of this ring.
func (r *Ring) Read(ev *Event) bool {
	for {
		rp := r.hdr.readPos.Load()
		if rp == r.hdr.writePos.Load() {
			return false
		}
		decoded := r.decodeSlot(rp)
		// Advance only after the copy. Under OverwriteOldest the writer may
		// steal this slot mid-copy; the failed CAS discards the torn copy
		// and retries at the new cursor.
		if !r.hdr.readPos.CompareAndSwap(rp, rp+1) {
			continue
		}
		*ev = decoded
		return true
	}
}

// ReadBatch pops up to len(dst) unread events into dst and returns how many
// were read. Consumer side only.
func (r *Ring) ReadBatch(dst []Event) int {
	n := 0
	for n < len(dst) {
		if !r.Read(&dst[n]) {
			break
		}
		n++
	}
	return n
}

// Len returns the number of committed, unread events.
func (r *Ring) Len() int {
	w := r.hdr.writePos.Load()
	rp := r.hdr.readPos.Load()
	return int(w - rp)
}

// Capacity returns the number of events the ring can hold.
func (r *Ring) Capacity() int { return int(r.mask) }

// Policy returns the ring's overflow policy, fixed at creation.
func (r *Ring) Policy() Policy { return Policy(r.hdr.policy) }

// Dropped returns the number of events discarded under DropNew.
func (r *Ring) Dropped() uint64 { return r.hdr.dropped.Load() }

// Overwritten returns the number of events reclaimed under OverwriteOldest.
func (r *Ring) Overwritten() uint64 { return r.hdr.overwritten.Load() }

// Reset discards all unread events and counters. It must not race with a
// concurrent writer or reader.
func (r *Ring) Reset() {
	r.hdr.writePos.Store(0)
	r.hdr.readPos.Store(0)
	r.hdr.dropped.Store(0)
	r.hdr.overwritten.Store(0)
}
