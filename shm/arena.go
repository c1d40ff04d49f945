// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package shm

import (
	"fmt"
	"os"
	"sync"
	"unsafe"
)

// mapping is one attached arena.
type mapping struct {
	entry Entry
	data  []byte
}

// Attachment holds a process's arena mappings for one session. Arenas are
// attached at most once per process; re-attaching an index is idempotent and
// yields the same mapping. Bases are cached here for the attachment only;
// accessors go through Resolve, which recomputes the address from the current
// base on every call.
type Attachment struct {
	dir *Directory

	mu   sync.RWMutex
	maps map[uint32]*mapping
}

// NewAttachment returns an empty attachment for the session described by d.
func NewAttachment(d *Directory) *Attachment {
	return &Attachment{dir: d, maps: make(map[uint32]*mapping)}
}

// Attach maps the arena published at the given index and returns the mapped
// region. The backing object's identity is validated against the directory
// entry before use: a missing object or a size disagreement fails with
// ErrIdentityMismatch. Attaching an already attached index returns the
// existing mapping.
func (a *Attachment) Attach(index uint32) ([]byte, error) {
	entry, err := a.dir.Lookup(index)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.maps[index]; ok {
		return m.data, nil
	}
	path := objectPath(a.dir.session, entry.Name)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: arena %q has no backing object", ErrIdentityMismatch, entry.Name)
	}
	if uint64(fi.Size()) != entry.Size {
		return nil, fmt.Errorf("%w: arena %q is %d bytes, directory says %d",
			ErrIdentityMismatch, entry.Name, fi.Size(), entry.Size)
	}
	data, err := mapObject(path, int(entry.Size))
	if err != nil {
		return nil, err
	}
	a.maps[index] = &mapping{entry: entry, data: data}
	return data, nil
}

// Resolve materializes the address of (index, offset). The address is
// computed from the arena's current base on every call; no resolved address
// is ever cached, so call sites stay correct even if an arena were remapped.
func (a *Attachment) Resolve(index uint32, offset uintptr) (unsafe.Pointer, error) {
	a.mu.RLock()
	m, ok := a.maps[index]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: arena index %d is not attached", ErrNotFound, index)
	}
	if offset >= uintptr(len(m.data)) {
		return nil, fmt.Errorf("%w: offset %d in arena %d of size %d", ErrOutOfRange, offset, index, len(m.data))
	}
	return unsafe.Pointer(&m.data[offset]), nil
}

// Slice materializes the byte range [offset, offset+length) of an arena.
// Like Resolve, the range is recomputed from the current base per call.
func (a *Attachment) Slice(index uint32, offset, length uintptr) ([]byte, error) {
	a.mu.RLock()
	m, ok := a.maps[index]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: arena index %d is not attached", ErrNotFound, index)
	}
	if offset+length > uintptr(len(m.data)) || offset+length < offset {
		return nil, fmt.Errorf("%w: range [%d, %d) in arena %d of size %d",
			ErrOutOfRange, offset, offset+length, index, len(m.data))
	}
	return m.data[offset : offset+length : offset+length], nil
}

// Detach unmaps every attached arena. The attachment can be reused by
// attaching again.
func (a *Attachment) Detach() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for idx, m := range a.maps {
		if err := unmapObject(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.maps, idx)
	}
	if firstErr != nil {
		return fmt.Errorf("shm: detaching: %w", firstErr)
	}
	return nil
}
