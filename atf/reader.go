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

	"github.com/klauspost/compress/zstd"
	"github.com/tinylib/msgp/msgp"

	"github.com/ada-trace/ada-trace-go/internal/log"
)

// Trace is an open trace file. Record lookups by index are O(1) through the
// offset table built when the file is opened; parent and children lookups on
// version 2 files resolve through the embedded link fields.
//
// A Trace is safe for concurrent readers: all file access goes through
// ReadAt and no state is mutated after Open.
type Trace struct {
	f       *os.File
	version uint8
	flags   uint16
	meta    map[string]string
	dec     *zstd.Decoder

	offsets      []int64 // record index-1 -> file offset
	recordsStart int64
	hasFooter    bool
	timeStart    uint64
	timeEnd      uint64
}

// Open reads the header of the trace file at path and indexes its records.
// Unknown format versions fail with ErrUnsupportedVersion. Files missing a
// footer, or truncated mid-record, are indexed up to the last complete
// record.
func Open(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("atf: opening trace file: %w", err)
	}
	t := &Trace{f: f}
	if err := t.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if t.flags&hdrFlagCompression != 0 {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("atf: initializing decompressor: %w", err)
		}
		t.dec = dec
	}
	if err := t.index(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *Trace) readHeader() error {
	hdr := make([]byte, headerFixedSize)
	if _, err := io.ReadFull(t.f, hdr); err != nil {
		return fmt.Errorf("atf: reading header: %w", err)
	}
	if string(hdr[0:4]) != fileMagic {
		return fmt.Errorf("atf: not a trace file")
	}
	t.version = hdr[5]
	if t.version != V1 && t.version != V2 {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, t.version)
	}
	t.flags = binary.LittleEndian.Uint16(hdr[6:])
	metaLen := binary.LittleEndian.Uint32(hdr[12:])
	meta := make([]byte, metaLen)
	if _, err := io.ReadFull(t.f, meta); err != nil {
		return fmt.Errorf("atf: reading header metadata: %w", err)
	}
	t.recordsStart = int64(headerFixedSize + metaLen)
	return t.decodeMeta(meta)
}

func (t *Trace) decodeMeta(b []byte) error {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return fmt.Errorf("atf: decoding header metadata: %w", err)
	}
	t.meta = make(map[string]string, sz)
	for i := uint32(0); i < sz; i++ {
		var k, v string
		if k, b, err = msgp.ReadStringBytes(b); err != nil {
			return fmt.Errorf("atf: decoding header metadata: %w", err)
		}
		if v, b, err = msgp.ReadStringBytes(b); err != nil {
			return fmt.Errorf("atf: decoding header metadata: %w", err)
		}
		t.meta[k] = v
	}
	return nil
}

// index walks the record region once, building the index-to-offset table
// that makes link navigation O(1). When a footer is present the region is
// bounded by it and its checksum and count are verified; a disagreement is
// logged, not fatal, so a damaged file still yields its readable prefix.
func (t *Trace) index() error {
	fi, err := t.f.Stat()
	if err != nil {
		return fmt.Errorf("atf: sizing trace file: %w", err)
	}
	recordsEnd := fi.Size()
	var footCount, footCRC uint32
	if recordsEnd-t.recordsStart >= footerSize {
		var fb [footerSize]byte
		if _, err := t.f.ReadAt(fb[:], recordsEnd-footerSize); err != nil {
			return fmt.Errorf("atf: reading footer: %w", err)
		}
		if string(fb[0:4]) == footerMagic {
			t.hasFooter = true
			footCount = binary.LittleEndian.Uint32(fb[4:])
			t.timeStart = binary.LittleEndian.Uint64(fb[8:])
			t.timeEnd = binary.LittleEndian.Uint64(fb[16:])
			footCRC = binary.LittleEndian.Uint32(fb[24:])
			recordsEnd -= footerSize
		}
	}
	crc := crc32.NewIEEE()
	fixed := int64(recFixedSize(t.version))
	off := t.recordsStart
	var sz [4]byte
	for off+4 <= recordsEnd {
		if _, err := t.f.ReadAt(sz[:], off); err != nil {
			return fmt.Errorf("atf: reading record at %d: %w", off, err)
		}
		size := int64(binary.LittleEndian.Uint32(sz[:]))
		if size < fixed-4 || off+4+size > recordsEnd {
			// truncated or damaged tail; keep what parsed
			break
		}
		if t.hasFooter {
			body := make([]byte, 4+size)
			if _, err := t.f.ReadAt(body, off); err != nil {
				return fmt.Errorf("atf: reading record at %d: %w", off, err)
			}
			crc.Write(body)
		}
		t.offsets = append(t.offsets, off)
		off += 4 + size
	}
	if t.hasFooter {
		if footCount != uint32(len(t.offsets)) {
			log.Warn("trace file footer counts %d records, found %d", footCount, len(t.offsets))
		} else if crc.Sum32() != footCRC {
			log.Warn("trace file checksum mismatch, records may be damaged")
		}
	}
	return nil
}

// Version returns the file's format version.
func (t *Trace) Version() uint8 { return t.version }

// Meta returns the session metadata embedded in the header.
func (t *Trace) Meta() map[string]string { return t.meta }

// Len returns the number of complete records in the file.
func (t *Trace) Len() int { return len(t.offsets) }

// TimeRange returns the first and last record timestamps recorded in the
// footer. ok is false for files without a footer.
func (t *Trace) TimeRange() (start, end uint64, ok bool) {
	return t.timeStart, t.timeEnd, t.hasFooter
}

// Record returns the record at the given 1-based index.
func (t *Trace) Record(index uint32) (Record, error) {
	if index == 0 || int(index) > len(t.offsets) {
		return Record{}, fmt.Errorf("atf: record index %d out of range [1, %d]", index, len(t.offsets))
	}
	return t.readRecord(index)
}

func (t *Trace) readRecord(index uint32) (Record, error) {
	off := t.offsets[index-1]
	var sz [4]byte
	if _, err := t.f.ReadAt(sz[:], off); err != nil {
		return Record{}, fmt.Errorf("atf: reading record at %d: %w", off, err)
	}
	size := int(binary.LittleEndian.Uint32(sz[:]))
	b := make([]byte, 4+size)
	if _, err := t.f.ReadAt(b, off); err != nil {
		return Record{}, fmt.Errorf("atf: reading record at %d: %w", off, err)
	}
	rec := Record{
		Index:     index,
		Kind:      b[4],
		ID:        binary.LittleEndian.Uint64(b[8:]),
		Timestamp: binary.LittleEndian.Uint64(b[16:]),
		ThreadID:  binary.LittleEndian.Uint64(b[24:]),
	}
	fixed := recFixedSize(t.version)
	var plen int
	if t.version >= V2 {
		rec.Parent = binary.LittleEndian.Uint32(b[linkParentOff:])
		rec.FirstChild = binary.LittleEndian.Uint32(b[linkFirstChildOff:])
		rec.NextSibling = binary.LittleEndian.Uint32(b[linkNextSiblingOff:])
		plen = int(binary.LittleEndian.Uint32(b[44:]))
	} else {
		plen = int(binary.LittleEndian.Uint32(b[32:]))
	}
	// the inner payload length must agree with the outer size field
	if plen < 0 || fixed+plen > len(b) {
		return Record{}, fmt.Errorf("atf: record %d: payload length %d exceeds record size %d", index, plen, size)
	}
	payload := b[fixed : fixed+plen]
	if b[5]&recFlagZstd != 0 {
		if t.dec == nil {
			return Record{}, fmt.Errorf("atf: record %d is compressed but the file header does not announce compression", index)
		}
		out, err := t.dec.DecodeAll(payload, nil)
		if err != nil {
			return Record{}, fmt.Errorf("atf: decompressing record %d: %w", index, err)
		}
		payload = out
	}
	if len(payload) > 0 {
		rec.Payload = append([]byte(nil), payload...)
	}
	return rec, nil
}

// Parent returns the parent of rec. ok is false for root records. On version
// 1 files it fails with ErrLinksUnsupported.
func (t *Trace) Parent(rec Record) (parent Record, ok bool, err error) {
	if t.version < V2 {
		return Record{}, false, ErrLinksUnsupported
	}
	if rec.Parent == 0 {
		return Record{}, false, nil
	}
	p, err := t.Record(rec.Parent)
	if err != nil {
		return Record{}, false, err
	}
	return p, true, nil
}

// Children returns rec's children, oldest first, by walking the first-child
// and next-sibling links. On version 1 files it fails with
// ErrLinksUnsupported.
func (t *Trace) Children(rec Record) ([]Record, error) {
	if t.version < V2 {
		return nil, ErrLinksUnsupported
	}
	var out []Record
	for idx := rec.FirstChild; idx != 0; {
		c, err := t.Record(idx)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		idx = c.NextSibling
	}
	return out, nil
}

// Records returns an iterator over all records in file order. Each call
// returns a fresh iterator positioned at the first record.
func (t *Trace) Records() *Iterator {
	return &Iterator{t: t, next: 1}
}

// Close releases the file handle.
func (t *Trace) Close() error {
	if t.dec != nil {
		t.dec.Close()
	}
	return t.f.Close()
}

// Iterator yields a Trace's records in file order.
type Iterator struct {
	t    *Trace
	next uint32
}

// Next returns the next record. It returns io.EOF after the last one.
func (it *Iterator) Next() (Record, error) {
	if int(it.next) > len(it.t.offsets) {
		return Record{}, io.EOF
	}
	rec, err := it.t.readRecord(it.next)
	if err != nil {
		return Record{}, err
	}
	it.next++
	return rec, nil
}
