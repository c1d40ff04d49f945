// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package shm

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Entry describes one named arena in the session directory. Entries are
// immutable for the lifetime of the session and identical in every process
// attached to it.
type Entry struct {
	// Index is the arena's position in the directory. Indexes do not have
	// to be contiguous but must be unique and below MaxEntries.
	Index uint32

	// Name identifies the arena's backing object. At most 63 bytes.
	Name string

	// Size is the arena size in bytes.
	Size uint64
}

const (
	// MaxEntries is the number of arena slots a directory block can hold.
	MaxEntries = 8

	// maxNameLen bounds entry names; the on-disk slot is 64 bytes with a
	// terminating zero.
	maxNameLen = 63

	directoryMagic   = "ATSD"
	directoryVersion = 1

	dirHeaderSize = 28 // magic(4) version(1) endian(1) reserved(2) uuid(16) count(4)
	dirEntrySize  = 76 // index(4) size(8) name(64)
)

// Directory is a session's published arena directory. It is read-only after
// publication: concurrent lookups from any number of goroutines are safe
// without locking.
type Directory struct {
	session string
	id      uuid.UUID
	entries []Entry
	owned   bool // true in the publishing (controller) process
}

// Publish creates the directory block for the given session along with the
// backing objects of every listed arena. It must be called exactly once per
// session, by the controller, before any process attaches. Publishing an
// already published session fails.
func Publish(session string, entries []Entry) (*Directory, error) {
	if !validName(session) {
		return nil, fmt.Errorf("shm: invalid session name %q", session)
	}
	if len(entries) == 0 || len(entries) > MaxEntries {
		return nil, fmt.Errorf("shm: directory must hold between 1 and %d entries, got %d", MaxEntries, len(entries))
	}
	seen := make(map[uint32]bool, len(entries))
	for _, e := range entries {
		if e.Index >= MaxEntries {
			return nil, fmt.Errorf("shm: entry index %d out of range", e.Index)
		}
		if seen[e.Index] {
			return nil, fmt.Errorf("shm: duplicate entry index %d", e.Index)
		}
		seen[e.Index] = true
		if !validName(e.Name) {
			return nil, fmt.Errorf("shm: invalid entry name %q", e.Name)
		}
		if e.Size == 0 {
			return nil, fmt.Errorf("shm: entry %q has zero size", e.Name)
		}
	}
	d := &Directory{
		session: session,
		id:      uuid.New(),
		entries: append([]Entry(nil), entries...),
		owned:   true,
	}
	var created []string
	fail := func(err error) (*Directory, error) {
		for _, p := range created {
			os.Remove(p)
		}
		return nil, err
	}
	for _, e := range d.entries {
		path := objectPath(session, e.Name)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			return fail(fmt.Errorf("shm: creating arena %q: %w", e.Name, err))
		}
		created = append(created, path)
		if err := f.Truncate(int64(e.Size)); err != nil {
			f.Close()
			return fail(fmt.Errorf("shm: sizing arena %q: %w", e.Name, err))
		}
		if err := f.Close(); err != nil {
			return fail(fmt.Errorf("shm: creating arena %q: %w", e.Name, err))
		}
	}
	block := d.encode()
	dirPath := directoryPath(session)
	f, err := os.OpenFile(dirPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fail(fmt.Errorf("shm: publishing directory: %w", err))
	}
	created = append(created, dirPath)
	if _, err := f.Write(block); err != nil {
		f.Close()
		return fail(fmt.Errorf("shm: publishing directory: %w", err))
	}
	if err := f.Close(); err != nil {
		return fail(fmt.Errorf("shm: publishing directory: %w", err))
	}
	return d, nil
}

// validName accepts names usable as a single backing-object path component:
// non-empty, bounded and free of path separators.
func validName(s string) bool {
	return s != "" && len(s) <= maxNameLen && !strings.ContainsAny(s, "/\\")
}

// OpenDirectory reads an already published session directory.
func OpenDirectory(session string) (*Directory, error) {
	if !validName(session) {
		return nil, fmt.Errorf("shm: invalid session name %q", session)
	}
	block, err := os.ReadFile(directoryPath(session))
	if err != nil {
		return nil, fmt.Errorf("shm: opening directory for session %q: %w", session, err)
	}
	d := &Directory{session: session}
	if err := d.decode(block); err != nil {
		return nil, err
	}
	return d, nil
}

// Session returns the session name the directory was published under.
func (d *Directory) Session() string { return d.session }

// ID returns the unique identifier generated at publication.
func (d *Directory) ID() uuid.UUID { return d.id }

// Entries returns a copy of all published entries.
func (d *Directory) Entries() []Entry {
	return append([]Entry(nil), d.entries...)
}

// Lookup returns the entry published at the given index. It returns
// ErrNotFound if the index is undefined.
func (d *Directory) Lookup(index uint32) (Entry, error) {
	for _, e := range d.entries {
		if e.Index == index {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: index %d", ErrNotFound, index)
}

// Remove unlinks the directory block and every arena backing object. Only the
// publishing process may remove a session; mappings held by attached
// processes stay valid until they detach.
func (d *Directory) Remove() error {
	if !d.owned {
		return fmt.Errorf("shm: session %q is not owned by this process", d.session)
	}
	var firstErr error
	for _, e := range d.entries {
		if err := os.Remove(objectPath(d.session, e.Name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := os.Remove(directoryPath(d.session)); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("shm: removing session %q: %w", d.session, firstErr)
	}
	return nil
}

// encode serializes the directory block. All integers are little endian.
func (d *Directory) encode() []byte {
	block := make([]byte, dirHeaderSize+len(d.entries)*dirEntrySize)
	copy(block[0:4], directoryMagic)
	block[4] = directoryVersion
	block[5] = 1 // little endian
	copy(block[8:24], d.id[:])
	binary.LittleEndian.PutUint32(block[24:28], uint32(len(d.entries)))
	off := dirHeaderSize
	for _, e := range d.entries {
		binary.LittleEndian.PutUint32(block[off:], e.Index)
		binary.LittleEndian.PutUint64(block[off+4:], e.Size)
		copy(block[off+12:off+12+maxNameLen], e.Name)
		off += dirEntrySize
	}
	return block
}

func (d *Directory) decode(block []byte) error {
	if len(block) < dirHeaderSize || string(block[0:4]) != directoryMagic {
		return fmt.Errorf("shm: session %q: malformed directory block", d.session)
	}
	if v := block[4]; v != directoryVersion {
		return fmt.Errorf("shm: session %q: unsupported directory version %d", d.session, v)
	}
	copy(d.id[:], block[8:24])
	count := binary.LittleEndian.Uint32(block[24:28])
	if count == 0 || count > MaxEntries || len(block) < dirHeaderSize+int(count)*dirEntrySize {
		return fmt.Errorf("shm: session %q: malformed directory block", d.session)
	}
	d.entries = make([]Entry, 0, count)
	off := dirHeaderSize
	for i := uint32(0); i < count; i++ {
		name := block[off+12 : off+12+maxNameLen]
		end := 0
		for end < len(name) && name[end] != 0 {
			end++
		}
		e := Entry{
			Index: binary.LittleEndian.Uint32(block[off:]),
			Size:  binary.LittleEndian.Uint64(block[off+4:]),
			Name:  string(name[:end]),
		}
		if !validName(e.Name) {
			return fmt.Errorf("shm: session %q: malformed directory block", d.session)
		}
		d.entries = append(d.entries, e)
		off += dirEntrySize
	}
	return nil
}
