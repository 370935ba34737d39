/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package image implements the Image Codec: the snapshot wire format
// described in spec.md §4.3, a framed sequence of typed records. Encoding
// and decoding a well-formed region sequence round-trips to the same
// sequence, byte-identical payloads, region order preserved.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gravwell-labs/rehydrate/pkg/region"
)

// magic identifies the format; a version mismatch is a hard error per
// spec.md §6.
var magic = [4]byte{'R', 'H', 'Y', 'D'}

const formatVersion byte = 1

// Arch tags. Only amd64 is implemented; the syscall ABI the Injector
// speaks is platform specific per spec.md §6, and re-deriving it for other
// architectures is explicitly future work.
const (
	ArchUnknown byte = 0
	ArchAMD64   byte = 1
)

const flagCompressed byte = 1 << 0

// RecordTag identifies a record type in the framed stream.
type RecordTag byte

const (
	TagHeader     RecordTag = 1
	TagRegionAnon RecordTag = 2
	TagRegionFile RecordTag = 3
	TagRegionVdso RecordTag = 4
	TagRegionStack RecordTag = 5
	TagRegionHeap RecordTag = 6
	TagFdEntry    RecordTag = 7
	TagEnd        RecordTag = 8
)

func (t RecordTag) String() string {
	switch t {
	case TagHeader:
		return `Header`
	case TagRegionAnon:
		return `RegionAnon`
	case TagRegionFile:
		return `RegionFile`
	case TagRegionVdso:
		return `RegionVdso`
	case TagRegionStack:
		return `RegionStack`
	case TagRegionHeap:
		return `RegionHeap`
	case TagFdEntry:
		return `FdEntry`
	case TagEnd:
		return `End`
	}
	return `Unknown`
}

// subKind distinguishes the three region.Kind values that all share the
// RegionAnon wire tag (Anonymous, SharedAnon, and the catch-all Special).
// Keeping the wire record types exactly as enumerated in spec.md §4.3 while
// still carrying the full data-model Kind set from §3.
type subKind byte

const (
	subAnonymous  subKind = 0
	subSharedAnon subKind = 1
	subSpecial    subKind = 2
)

// UnknownRecordError reports an unrecognized tag byte in the stream.
type UnknownRecordError struct {
	Tag byte
}

func (e *UnknownRecordError) Error() string {
	return fmt.Sprintf("unknown record tag %#x", e.Tag)
}

// VersionMismatchError reports an image whose format version this codec
// does not understand.
type VersionMismatchError struct {
	Got, Want byte
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("image version %d, want %d", e.Got, e.Want)
}

var (
	// ErrImageTruncated indicates the stream ended before a terminator
	// record was read, or a record's declared length ran past the end of
	// the available bytes.
	ErrImageTruncated = errors.New("image truncated")
	// ErrBadMagic indicates the header record did not begin with the
	// expected magic bytes.
	ErrBadMagic = errors.New("bad image magic")
	// ErrNoHeader indicates ReadHeader was not called, or was not the
	// first record in the stream.
	ErrNoHeader = errors.New("first record is not a header")
	// ErrUnsupportedArch indicates the image's architecture tag does not
	// match this build.
	ErrUnsupportedArch = errors.New("unsupported architecture tag")
)

// FdEntry is a minimal resource record: a regular file to be reopened by
// path at a given offset and duplicated to a specific descriptor number
// during restore. Pipes, sockets, and other descriptor kinds are out of
// scope per spec.md §1/§6.
type FdEntry struct {
	Fd     int32
	Path   string
	Offset uint64
}

// Header is the first record of every image: format identity plus the
// captured register file.
type Header struct {
	ID        uuid.UUID
	Arch      byte
	Registers region.RegisterSet
}

const registerSetSize = 27 * 8

func encodeRegisters(rs region.RegisterSet) []byte {
	b := make([]byte, registerSetSize)
	fields := [...]uint64{
		rs.R15, rs.R14, rs.R13, rs.R12, rs.Rbp, rs.Rbx,
		rs.R11, rs.R10, rs.R9, rs.R8,
		rs.Rax, rs.Rcx, rs.Rdx, rs.Rsi, rs.Rdi,
		rs.OrigRax, rs.Rip, rs.Cs, rs.Eflags, rs.Rsp, rs.Ss,
		rs.FsBase, rs.GsBase, rs.Ds, rs.Es, rs.Fs, rs.Gs,
	}
	for i, v := range fields {
		binary.LittleEndian.PutUint64(b[i*8:], v)
	}
	return b
}

func decodeRegisters(b []byte) (rs region.RegisterSet, err error) {
	if len(b) < registerSetSize {
		return rs, fmt.Errorf("%w: register set needs %d bytes, got %d", ErrImageTruncated, registerSetSize, len(b))
	}
	u := func(i int) uint64 { return binary.LittleEndian.Uint64(b[i*8:]) }
	rs = region.RegisterSet{
		R15: u(0), R14: u(1), R13: u(2), R12: u(3), Rbp: u(4), Rbx: u(5),
		R11: u(6), R10: u(7), R9: u(8), R8: u(9),
		Rax: u(10), Rcx: u(11), Rdx: u(12), Rsi: u(13), Rdi: u(14),
		OrigRax: u(15), Rip: u(16), Cs: u(17), Eflags: u(18), Rsp: u(19), Ss: u(20),
		FsBase: u(21), GsBase: u(22), Ds: u(23), Es: u(24), Fs: u(25), Gs: u(26),
	}
	return rs, nil
}

func tagForKind(k region.Kind) (RecordTag, subKind, error) {
	switch k {
	case region.Anonymous:
		return TagRegionAnon, subAnonymous, nil
	case region.SharedAnon:
		return TagRegionAnon, subSharedAnon, nil
	case region.Special:
		return TagRegionAnon, subSpecial, nil
	case region.FileBacked:
		return TagRegionFile, 0, nil
	case region.Vdso:
		return TagRegionVdso, 0, nil
	case region.Stack:
		return TagRegionStack, 0, nil
	case region.Heap:
		return TagRegionHeap, 0, nil
	case region.Vvar, region.Vsyscall:
		return 0, 0, fmt.Errorf("region kind %s is never recorded in an image", k)
	}
	return 0, 0, fmt.Errorf("unrecognized region kind %d", k)
}

func kindForTag(t RecordTag, sk subKind) (region.Kind, error) {
	switch t {
	case TagRegionAnon:
		switch sk {
		case subAnonymous:
			return region.Anonymous, nil
		case subSharedAnon:
			return region.SharedAnon, nil
		case subSpecial:
			return region.Special, nil
		}
		return 0, fmt.Errorf("invalid anon sub-kind %d", sk)
	case TagRegionFile:
		return region.FileBacked, nil
	case TagRegionVdso:
		return region.Vdso, nil
	case TagRegionStack:
		return region.Stack, nil
	case TagRegionHeap:
		return region.Heap, nil
	}
	return 0, fmt.Errorf("%w: tag %v does not carry a region", &UnknownRecordError{Tag: byte(t)}, t)
}
