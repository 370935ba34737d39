/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package image

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/gravwell-labs/rehydrate/pkg/region"
)

// Reader decodes a framed record stream written by Writer.
type Reader struct {
	raw    io.Reader
	zr     *zstd.Decoder
	src    io.Reader
	header Header
	gotHdr bool
	done   bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{raw: r}
}

// ReadHeader reads and validates the header record. It must be called
// before Next, and only once.
func (r *Reader) ReadHeader() (Header, error) {
	if r.gotHdr {
		return r.header, fmt.Errorf("image: header already read")
	}
	tag, payload, err := readRecord(r.raw)
	if err != nil {
		return Header{}, err
	}
	if tag != TagHeader {
		return Header{}, ErrNoHeader
	}
	if len(payload) < 4+1+1+1+16+registerSetSize {
		return Header{}, fmt.Errorf("%w: short header record", ErrImageTruncated)
	}
	if string(payload[0:4]) != string(magic[:]) {
		return Header{}, ErrBadMagic
	}
	version := payload[4]
	if version != formatVersion {
		return Header{}, &VersionMismatchError{Got: version, Want: formatVersion}
	}
	flags := payload[5]
	arch := payload[6]
	id, err := uuid.FromBytes(payload[7:23])
	if err != nil {
		return Header{}, err
	}
	regs, err := decodeRegisters(payload[23:])
	if err != nil {
		return Header{}, err
	}
	r.header = Header{ID: id, Arch: arch, Registers: regs}
	r.gotHdr = true

	if flags&flagCompressed != 0 {
		zr, err := zstd.NewReader(r.raw)
		if err != nil {
			return Header{}, err
		}
		r.zr = zr
		r.src = zr
	} else {
		r.src = r.raw
	}
	return r.header, nil
}

// Close releases resources held by a compressed Reader. Safe to call on
// an uncompressed stream.
func (r *Reader) Close() {
	if r.zr != nil {
		r.zr.Close()
	}
}

// Record is one decoded body record: exactly one of Region or Fd is set.
// The terminator record is never returned as a Record; Next reports it as
// io.EOF.
type Record struct {
	Tag    RecordTag
	Region *region.MemoryRegion
	Fd     *FdEntry
}

// Next reads and decodes the next record. It returns io.EOF once the
// terminator record has been consumed; a stream that runs out of bytes
// before a terminator is ErrImageTruncated, never io.EOF.
func (r *Reader) Next() (Record, error) {
	if !r.gotHdr {
		return Record{}, ErrNoHeader
	}
	if r.done {
		return Record{}, io.EOF
	}
	tag, payload, err := readRecord(r.src)
	if err != nil {
		return Record{}, err
	}
	switch tag {
	case TagEnd:
		r.done = true
		return Record{}, io.EOF
	case TagFdEntry:
		e, err := decodeFdEntry(payload)
		if err != nil {
			return Record{}, err
		}
		return Record{Tag: tag, Fd: &e}, nil
	case TagRegionAnon, TagRegionFile, TagRegionVdso, TagRegionStack, TagRegionHeap:
		reg, err := decodeRegion(tag, payload)
		if err != nil {
			return Record{}, err
		}
		return Record{Tag: tag, Region: &reg}, nil
	default:
		return Record{}, &UnknownRecordError{Tag: byte(tag)}
	}
}

func decodeRegion(tag RecordTag, payload []byte) (region.MemoryRegion, error) {
	var reg region.MemoryRegion
	if len(payload) < 17 {
		return reg, fmt.Errorf("%w: short region record", ErrImageTruncated)
	}
	off := 0
	reg.Prot = region.Protection(payload[off])
	off++
	reg.Start = binary.LittleEndian.Uint64(payload[off:])
	off += 8
	reg.End = binary.LittleEndian.Uint64(payload[off:])
	off += 8

	if tag == TagRegionFile {
		if len(payload) < off+8 {
			return reg, fmt.Errorf("%w: short file-region record", ErrImageTruncated)
		}
		reg.Offset = binary.LittleEndian.Uint64(payload[off:])
		off += 8
	}
	var sk subKind
	if tag == TagRegionAnon {
		if len(payload) < off+1 {
			return reg, fmt.Errorf("%w: short anon-region record", ErrImageTruncated)
		}
		sk = subKind(payload[off])
		off++
	}
	kind, err := kindForTag(tag, sk)
	if err != nil {
		return reg, err
	}
	reg.Kind = kind

	if len(payload) < off+2 {
		return reg, fmt.Errorf("%w: short region path length", ErrImageTruncated)
	}
	pathLen := int(binary.LittleEndian.Uint16(payload[off:]))
	off += 2
	if len(payload) < off+pathLen {
		return reg, fmt.Errorf("%w: short region path", ErrImageTruncated)
	}
	if pathLen > 0 {
		reg.Path = string(payload[off : off+pathLen])
	}
	off += pathLen

	if kind.HasPayload() {
		if len(payload) < off+8 {
			return reg, fmt.Errorf("%w: short region payload length", ErrImageTruncated)
		}
		dataLen := binary.LittleEndian.Uint64(payload[off:])
		off += 8
		if uint64(len(payload)-off) < dataLen {
			return reg, fmt.Errorf("%w: short region payload", ErrImageTruncated)
		}
		reg.Payload = append([]byte(nil), payload[off:off+int(dataLen)]...)
		off += int(dataLen)
	}
	return reg, nil
}

func decodeFdEntry(payload []byte) (FdEntry, error) {
	var e FdEntry
	if len(payload) < 14 {
		return e, fmt.Errorf("%w: short fd record", ErrImageTruncated)
	}
	e.Fd = int32(binary.LittleEndian.Uint32(payload[0:]))
	e.Offset = binary.LittleEndian.Uint64(payload[4:])
	pathLen := int(binary.LittleEndian.Uint16(payload[12:]))
	if len(payload) < 14+pathLen {
		return e, fmt.Errorf("%w: short fd path", ErrImageTruncated)
	}
	if pathLen > 0 {
		e.Path = string(payload[14 : 14+pathLen])
	}
	return e, nil
}

func readRecord(r io.Reader) (RecordTag, []byte, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil, fmt.Errorf("%w: %v", ErrImageTruncated, err)
		}
		return 0, nil, err
	}
	tag := RecordTag(hdr[0])
	n := binary.LittleEndian.Uint64(hdr[1:])
	if n == 0 {
		return tag, nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil, fmt.Errorf("%w: %v", ErrImageTruncated, err)
		}
		return 0, nil, err
	}
	return tag, payload, nil
}
