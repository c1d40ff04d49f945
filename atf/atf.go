// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

// Package atf implements the ADA Trace Format: the versioned, append-only
// binary file that the drain pipeline persists execution events into.
//
// A trace file is a fixed header, a sequence of variable-length records and,
// when the file was closed cleanly, a footer carrying the record count, time
// range and a checksum of the record region. The header's version byte
// discriminates between format versions: version 1 records carry no links,
// version 2 records embed bidirectional parent/child links as 1-based indexes
// into the record sequence, so both directions are navigable without a
// second pass. Records are never rewritten once appended; in version 2 only
// the three link fields of earlier records are patched as descendants arrive.
//
// A file that was never finalized (no footer) remains parseable up to the
// last fully flushed record.
package atf

import (
	"errors"
)

// Format versions understood by this package.
const (
	// V1 is the initial format. Records carry no link fields.
	V1 = 1

	// V2 embeds bidirectional parent/child links in every record.
	V2 = 2
)

const (
	fileMagic   = "ATRF"
	footerMagic = "FRTA"

	// headerFixedSize is the fixed portion of the file header:
	// magic(4) endian(1) version(1) flags(2) record count(4) meta len(4).
	// The record count is zero while the file is open and patched in on
	// Close. A msgpack-encoded metadata map follows.
	headerFixedSize = 16

	// footerSize is magic(4) count(4) time start(8) time end(8) crc32(4).
	footerSize = 28

	// countOffset is the file offset of the header's record count.
	countOffset = 8
)

// header flag bits.
const (
	// hdrFlagCompression marks a file whose records may carry
	// zstd-compressed payloads.
	hdrFlagCompression = 1 << 0
)

// record flag bits.
const (
	recFlagZstd = 1 << 0
)

// record layouts, little endian. The leading size field holds the number of
// bytes that follow it.
//
//	version 1                        version 2
//	0  size        u32               0  size         u32
//	4  kind        u8                4  kind         u8
//	5  flags       u8                5  flags        u8
//	6  reserved    u16               6  reserved     u16
//	8  id          u64               8  id           u64
//	16 timestamp   u64               16 timestamp    u64
//	24 thread id   u64               24 thread id    u64
//	32 payload len u32               32 parent       u32
//	36 payload                       36 first child  u32
//	                                 40 next sibling u32
//	                                 44 payload len  u32
//	                                 48 payload
const (
	recFixedSizeV1 = 36
	recFixedSizeV2 = 48

	linkParentOff      = 32
	linkFirstChildOff  = 36
	linkNextSiblingOff = 40
)

var (
	// ErrInvalidState is returned when a writer operation is attempted
	// outside the state it is valid in, such as appending after Close.
	ErrInvalidState = errors.New("atf: operation invalid in current state")

	// ErrUnsupportedVersion is returned by the reader for format versions
	// it does not know.
	ErrUnsupportedVersion = errors.New("atf: unsupported format version")

	// ErrLinksUnsupported is returned for parent/children lookups on files
	// whose format version predates link fields.
	ErrLinksUnsupported = errors.New("atf: format version does not carry links")
)

// Record is one persisted event. Index, Parent, FirstChild and NextSibling
// are 1-based positions in the file's record sequence; zero means "none".
// Link fields are only populated for version 2 files.
type Record struct {
	// Index is the record's position in the file, assigned on append.
	Index uint32

	// ID is the session-wide event identifier.
	ID uint64

	// ParentID is the event ID referenced as parent at append time. It is
	// consumed by the writer to establish links and not stored on disk.
	ParentID uint64

	// Kind discriminates the payload.
	Kind uint8

	// Timestamp is the event time in nanoseconds.
	Timestamp uint64

	// ThreadID is the emitting thread.
	ThreadID uint64

	// Payload carries kind-specific bytes.
	Payload []byte

	// Parent links to the parent record (version 2).
	Parent uint32

	// FirstChild links to the oldest child record (version 2).
	FirstChild uint32

	// NextSibling links to the next record sharing this record's parent
	// (version 2).
	NextSibling uint32
}

func recFixedSize(version uint8) int {
	if version >= V2 {
		return recFixedSizeV2
	}
	return recFixedSizeV1
}
