// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

// Package shm implements the shared-memory addressing substrate of the trace
// pipeline: a controller-published directory of named arenas, per-process
// arena attachment and per-access address materialization.
//
// The controller publishes a small, immutable directory block describing up
// to 8 named arenas. Every process participating in a session locates the
// block by session name, maps the arenas it needs and addresses memory inside
// them as (arena index, offset) pairs. Arena backing objects live under
// /dev/shm where available so that mappings are genuinely shared across
// processes.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

var (
	// ErrNotFound is returned when a directory index has no entry.
	ErrNotFound = errors.New("shm: directory entry not found")

	// ErrIdentityMismatch is returned when a mapped region's name or size
	// does not match its directory entry.
	ErrIdentityMismatch = errors.New("shm: arena identity mismatch")

	// ErrOutOfRange is returned when an (index, offset) pair points past the
	// end of the arena.
	ErrOutOfRange = errors.New("shm: offset out of arena range")
)

// objectPrefix namespaces all backing objects created by this package.
const objectPrefix = "ada-trace."

// shmDir returns the directory holding shared memory backing objects.
func shmDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// objectPath returns the backing file path for the named object of a session.
func objectPath(session, name string) string {
	return filepath.Join(shmDir(), objectPrefix+session+"."+name)
}

// directoryPath returns the backing file path of a session's directory block.
func directoryPath(session string) string {
	return objectPath(session, "dir")
}

// mapObject maps size bytes of the file at path into the address space,
// shared with every other process mapping the same object.
func mapObject(path string, size int) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: opening %s: %w", path, err)
	}
	defer f.Close()
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mapping %s: %w", path, err)
	}
	return data, nil
}

// unmapObject releases a mapping obtained from mapObject.
func unmapObject(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}
