// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package ring

import (
	"encoding/binary"
)

// Event is one execution event emitted by an instrumented thread. Events are
// immutable once committed to a ring slot.
type Event struct {
	// ID identifies the event within its session. IDs are allocated from a
	// session-wide counter and are never zero.
	ID uint64

	// Parent is the ID of the event this one descends from, or zero for a
	// root event.
	Parent uint64

	// Timestamp is the event time in nanoseconds.
	Timestamp uint64

	// ThreadID is the system identifier of the emitting thread.
	ThreadID uint64

	// Kind discriminates the event payload.
	Kind uint8

	// Payload carries kind-specific bytes. Bounded by the ring's slot size.
	Payload []byte
}

// slot layout, little endian:
//
//	0  id          u64
//	8  parent      u64
//	16 timestamp   u64
//	24 thread id   u64
//	32 kind        u8
//	33 reserved    u8
//	34 payload len u16
//	36 payload
const slotHeaderSize = 36

// PayloadRoom returns the payload capacity of a single slot.
func (r *Ring) PayloadRoom() int { return r.payloadRoom }

// slot returns the storage of the given cursor position. Cursors run free;
// the modulo happens here and only here.
func (r *Ring) slot(pos uint32) []byte {
	off := int(pos&r.mask) * int(r.slotSize)
	return r.slots[off : off+int(r.slotSize)]
}

func (r *Ring) encodeSlot(pos uint32, ev *Event) {
	s := r.slot(pos)
	binary.LittleEndian.PutUint64(s[0:], ev.ID)
	binary.LittleEndian.PutUint64(s[8:], ev.Parent)
	binary.LittleEndian.PutUint64(s[16:], ev.Timestamp)
	binary.LittleEndian.PutUint64(s[24:], ev.ThreadID)
	s[32] = ev.Kind
	s[33] = 0
	n := len(ev.Payload)
	if n > r.payloadRoom {
		n = r.payloadRoom
	}
	binary.LittleEndian.PutUint16(s[34:], uint16(n))
	copy(s[slotHeaderSize:], ev.Payload[:n])
}

func (r *Ring) decodeSlot(pos uint32) Event {
	s := r.slot(pos)
	n := int(binary.LittleEndian.Uint16(s[34:]))
	if n > r.payloadRoom {
		n = r.payloadRoom
	}
	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		copy(payload, s[slotHeaderSize:slotHeaderSize+n])
	}
	return Event{
		ID:        binary.LittleEndian.Uint64(s[0:]),
		Parent:    binary.LittleEndian.Uint64(s[8:]),
		Timestamp: binary.LittleEndian.Uint64(s[16:]),
		ThreadID:  binary.LittleEndian.Uint64(s[24:]),
		Kind:      s[32],
		Payload:   payload,
	}
}
