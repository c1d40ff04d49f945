// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package atf

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/tinylib/msgp/msgp"
)

// writerFlushThreshold is the pending-buffer size that triggers a write to
// the underlying file.
const writerFlushThreshold = 32 * 1024

// compressMinSize is the smallest payload considered for compression.
const compressMinSize = 64

type writerState int

const (
	stateUnopened writerState = iota
	stateOpen
	stateClosed
)

// Writer serializes records into a trace file. It moves through the states
// Unopened, Open and Closed; Append is only valid while Open and a closed
// writer can never be reopened.
//
// Writer is owned by a single goroutine (the drain thread) and is not safe
// for concurrent use.
type Writer struct {
	state    writerState
	f        *os.File
	version  uint8
	compress bool
	enc      *zstd.Encoder
	meta     map[string]string

	// buf holds appended bytes not yet written to the file; flushed is the
	// file offset buf begins at. Link patches land in buf while their
	// target is still pending and go through WriteAt once it is not.
	buf     []byte
	flushed int64

	recordsStart int64
	offsets      []int64
	idToIndex    map[uint64]uint32
	lastChild    map[uint32]uint32
	count        uint32
	timeStart    uint64
	timeEnd      uint64
}

// WriterOption configures a Writer before it is opened.
type WriterOption func(*Writer)

// WithMeta adds a key/value pair to the session metadata embedded in the
// file header.
func WithMeta(key, value string) WriterOption {
	return func(w *Writer) {
		w.meta[key] = value
	}
}

// WithCompression enables zstd compression of record payloads. Small
// payloads and payloads that do not shrink are stored uncompressed; the
// reader dispatches on a per-record flag.
func WithCompression() WriterOption {
	return func(w *Writer) {
		w.compress = true
	}
}

// NewWriter returns an unopened Writer.
func NewWriter(opts ...WriterOption) *Writer {
	w := &Writer{
		meta:      make(map[string]string),
		idToIndex: make(map[uint64]uint32),
		lastChild: make(map[uint32]uint32),
	}
	for _, fn := range opts {
		fn(w)
	}
	return w
}

// Open creates the trace file at path and writes its header. Parent
// directories are created as needed. Open is only valid on an unopened
// writer.
func (w *Writer) Open(path string, version uint8) error {
	if w.state != stateUnopened {
		return fmt.Errorf("%w: writer already opened", ErrInvalidState)
	}
	if version != V1 && version != V2 {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("atf: creating trace directory: %w", err)
		}
	}
	if w.compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("atf: initializing compressor: %w", err)
		}
		w.enc = enc
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("atf: creating trace file: %w", err)
	}
	hdr := w.encodeHeader(version)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return fmt.Errorf("atf: writing header: %w", err)
	}
	w.f = f
	w.version = version
	w.flushed = int64(len(hdr))
	w.recordsStart = int64(len(hdr))
	w.state = stateOpen
	return nil
}

func (w *Writer) encodeHeader(version uint8) []byte {
	var flags uint16
	if w.compress {
		flags |= hdrFlagCompression
	}
	keys := make([]string, 0, len(w.meta))
	for k := range w.meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	meta := msgp.AppendMapHeader(nil, uint32(len(keys)))
	for _, k := range keys {
		meta = msgp.AppendString(meta, k)
		meta = msgp.AppendString(meta, w.meta[k])
	}
	hdr := make([]byte, headerFixedSize, headerFixedSize+len(meta))
	copy(hdr[0:4], fileMagic)
	hdr[4] = 1 // little endian
	hdr[5] = version
	binary.LittleEndian.PutUint16(hdr[6:], flags)
	binary.LittleEndian.PutUint32(hdr[8:], 0) // record count, patched on Close
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(meta)))
	return append(hdr, meta...)
}

// Append serializes rec at the end of the file and returns its 1-based
// record index. For version 2 files the record is linked into the graph: its
// parent field is resolved from rec.ParentID, and the parent's first-child
// or the previous sibling's next-sibling field is patched so both directions
// stay navigable. Appending to a writer that is not Open fails with
// ErrInvalidState.
func (w *Writer) Append(rec Record) (uint32, error) {
	if w.state != stateOpen {
		return 0, fmt.Errorf("%w: append on %s writer", ErrInvalidState, w.stateName())
	}
	payload := rec.Payload
	var flags uint8
	if w.enc != nil && len(payload) >= compressMinSize {
		if c := w.enc.EncodeAll(payload, nil); len(c) < len(payload) {
			payload = c
			flags |= recFlagZstd
		}
	}
	fixed := recFixedSize(w.version)
	idx := w.count + 1
	off := w.flushed + int64(len(w.buf))

	b := make([]byte, fixed+len(payload))
	binary.LittleEndian.PutUint32(b[0:], uint32(fixed-4+len(payload)))
	b[4] = rec.Kind
	b[5] = flags
	binary.LittleEndian.PutUint64(b[8:], rec.ID)
	binary.LittleEndian.PutUint64(b[16:], rec.Timestamp)
	binary.LittleEndian.PutUint64(b[24:], rec.ThreadID)
	if w.version >= V2 {
		var parentIdx uint32
		if rec.ParentID != 0 {
			parentIdx = w.idToIndex[rec.ParentID] // 0 when parent was not persisted
		}
		binary.LittleEndian.PutUint32(b[linkParentOff:], parentIdx)
		binary.LittleEndian.PutUint32(b[44:], uint32(len(payload)))
		copy(b[recFixedSizeV2:], payload)
		if parentIdx != 0 {
			if err := w.link(parentIdx, idx); err != nil {
				return 0, err
			}
		}
	} else {
		binary.LittleEndian.PutUint32(b[32:], uint32(len(payload)))
		copy(b[recFixedSizeV1:], payload)
	}

	w.buf = append(w.buf, b...)
	w.offsets = append(w.offsets, off)
	if rec.ID != 0 {
		w.idToIndex[rec.ID] = idx
	}
	if w.count == 0 {
		w.timeStart = rec.Timestamp
	}
	w.timeEnd = rec.Timestamp
	w.count = idx

	if len(w.buf) >= writerFlushThreshold {
		if err := w.flush(); err != nil {
			return 0, err
		}
	}
	return idx, nil
}

// link attaches child to parent's child chain: the parent's first-child
// field when this is the first child, the previous sibling's next-sibling
// field otherwise.
func (w *Writer) link(parentIdx, childIdx uint32) error {
	if prev, ok := w.lastChild[parentIdx]; ok {
		if err := w.patchU32(w.offsets[prev-1]+linkNextSiblingOff, childIdx); err != nil {
			return err
		}
	} else {
		if err := w.patchU32(w.offsets[parentIdx-1]+linkFirstChildOff, childIdx); err != nil {
			return err
		}
	}
	w.lastChild[parentIdx] = childIdx
	return nil
}

func (w *Writer) patchU32(fileOff int64, v uint32) error {
	if fileOff >= w.flushed {
		binary.LittleEndian.PutUint32(w.buf[fileOff-w.flushed:], v)
		return nil
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	if _, err := w.f.WriteAt(b[:], fileOff); err != nil {
		return fmt.Errorf("atf: patching link: %w", err)
	}
	return nil
}

func (w *Writer) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	n, err := w.f.Write(w.buf)
	w.flushed += int64(n)
	if err != nil {
		// drop what the file took so offsets stay consistent
		w.buf = w.buf[n:]
		return fmt.Errorf("atf: writing records: %w", err)
	}
	w.buf = w.buf[:0]
	return nil
}

// Flush writes all pending records to the file.
func (w *Writer) Flush() error {
	if w.state != stateOpen {
		return fmt.Errorf("%w: flush on %s writer", ErrInvalidState, w.stateName())
	}
	return w.flush()
}

// Count returns the number of records appended so far.
func (w *Writer) Count() uint32 { return w.count }

// Close flushes pending records, writes the footer, patches the header's
// record count and closes the file. The writer transitions to Closed no
// matter what; errors are reported, never retried, and a closed writer
// cannot be reopened. Closing an already closed writer is a no-op.
func (w *Writer) Close() error {
	if w.state == stateClosed {
		return nil
	}
	if w.state == stateUnopened {
		w.state = stateClosed
		return nil
	}
	w.state = stateClosed
	err := w.flush()
	if err == nil {
		err = w.writeFooter()
	}
	if err == nil {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], w.count)
		if _, werr := w.f.WriteAt(b[:], countOffset); werr != nil {
			err = fmt.Errorf("atf: patching record count: %w", werr)
		}
	}
	if serr := w.f.Sync(); serr != nil && err == nil {
		err = fmt.Errorf("atf: syncing trace file: %w", serr)
	}
	if cerr := w.f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("atf: closing trace file: %w", cerr)
	}
	if w.enc != nil {
		w.enc.Close()
	}
	return err
}

func (w *Writer) writeFooter() error {
	crc := crc32.NewIEEE()
	sec := io.NewSectionReader(w.f, w.recordsStart, w.flushed-w.recordsStart)
	if _, err := io.Copy(crc, sec); err != nil {
		return fmt.Errorf("atf: checksumming records: %w", err)
	}
	b := make([]byte, footerSize)
	copy(b[0:4], footerMagic)
	binary.LittleEndian.PutUint32(b[4:], w.count)
	binary.LittleEndian.PutUint64(b[8:], w.timeStart)
	binary.LittleEndian.PutUint64(b[16:], w.timeEnd)
	binary.LittleEndian.PutUint32(b[24:], crc.Sum32())
	if _, err := w.f.Write(b); err != nil {
		return fmt.Errorf("atf: writing footer: %w", err)
	}
	return nil
}

func (w *Writer) stateName() string {
	switch w.state {
	case stateUnopened:
		return "unopened"
	case stateOpen:
		return "open"
	default:
		return "closed"
	}
}
