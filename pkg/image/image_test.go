/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package image

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gravwell-labs/rehydrate/pkg/region"
)

func sampleRegions() []region.MemoryRegion {
	return []region.MemoryRegion{
		{Start: 0x1000, End: 0x3000, Prot: region.ProtRead | region.ProtWrite, Kind: region.Anonymous, Payload: bytes.Repeat([]byte{0xAA}, 0x2000)},
		{Start: 0x3000, End: 0x4000, Prot: region.ProtRead | region.ProtExec, Kind: region.FileBacked, Path: "/usr/bin/true", Offset: 0x1000, Payload: bytes.Repeat([]byte{0xBB}, 0x1000)},
		{Start: 0x4000, End: 0x5000, Prot: region.ProtRead, Kind: region.Vdso, Path: "[vdso]"},
		{Start: 0x5000, End: 0x7000, Prot: region.ProtRead | region.ProtWrite, Kind: region.Stack, Path: "[stack]", Payload: bytes.Repeat([]byte{0xCC}, 0x2000)},
		{Start: 0x7000, End: 0x8000, Prot: region.ProtRead | region.ProtWrite, Kind: region.SharedAnon, Payload: bytes.Repeat([]byte{0xDD}, 0x1000)},
		{Start: 0x8000, End: 0x9000, Prot: region.ProtRead, Kind: region.Special, Path: "[anon_shmem:test]", Payload: bytes.Repeat([]byte{0xEE}, 0x1000)},
	}
}

func sampleHeader() Header {
	return Header{
		ID:   uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		Arch: ArchAMD64,
		Registers: region.RegisterSet{
			Rip: 0x400000, Rsp: 0x7ffe0000, Rax: 42, FsBase: 0x1234, GsBase: 0x5678,
		},
	}
}

func TestRoundTripUncompressed(t *testing.T) {
	roundTrip(t, false)
}

func TestRoundTripCompressed(t *testing.T) {
	roundTrip(t, true)
}

func roundTrip(t *testing.T, compress bool) {
	var buf bytes.Buffer
	w := NewWriter(&buf, WithCompression(compress))
	hdr := sampleHeader()
	require.NoError(t, w.WriteHeader(hdr))

	regions := sampleRegions()
	for _, r := range regions {
		require.NoError(t, w.WriteRegion(r))
	}
	require.NoError(t, w.WriteFdEntry(FdEntry{Fd: 3, Path: "/tmp/data", Offset: 128}))
	require.NoError(t, w.WriteEnd())
	require.NoError(t, w.Close())

	r := NewReader(&buf)
	defer r.Close()
	gotHdr, err := r.ReadHeader()
	require.NoError(t, err)
	require.Equal(t, hdr, gotHdr)

	var gotRegions []region.MemoryRegion
	var gotFds []FdEntry
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if rec.Region != nil {
			gotRegions = append(gotRegions, *rec.Region)
		}
		if rec.Fd != nil {
			gotFds = append(gotFds, *rec.Fd)
		}
	}
	require.Equal(t, regions, gotRegions)
	require.Equal(t, []FdEntry{{Fd: 3, Path: "/tmp/data", Offset: 128}}, gotFds)
}

func TestReadHeaderBadMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRecord(&buf, TagHeader, make([]byte, 4+1+1+1+16+registerSetSize)))
	_, err := NewReader(&buf).ReadHeader()
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestReadHeaderVersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader(sampleHeader()))
	require.NoError(t, w.Close())

	raw := buf.Bytes()
	// version byte sits right after the 9-byte record header and 4-byte magic
	raw[9+4] = formatVersion + 1

	_, err := NewReader(bytes.NewReader(raw)).ReadHeader()
	var verr *VersionMismatchError
	require.ErrorAs(t, err, &verr)
}

func TestTruncatedStreamIsNotEOF(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader(sampleHeader()))
	require.NoError(t, w.WriteRegion(sampleRegions()[0]))
	require.NoError(t, w.Close())

	truncated := buf.Bytes()[:buf.Len()-5]
	r := NewReader(bytes.NewReader(truncated))
	_, err := r.ReadHeader()
	require.NoError(t, err)
	_, err = r.Next()
	require.ErrorIs(t, err, ErrImageTruncated)
	require.NotErrorIs(t, err, io.EOF)
}

func TestMissingTerminatorIsTruncated(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader(sampleHeader()))
	require.NoError(t, w.WriteRegion(sampleRegions()[0]))
	require.NoError(t, w.Close()) // no WriteEnd

	r := NewReader(&buf)
	_, err := r.ReadHeader()
	require.NoError(t, err)
	_, err = r.Next() // the one region
	require.NoError(t, err)
	_, err = r.Next() // stream ends here, no End record
	require.ErrorIs(t, err, ErrImageTruncated)
}

func TestUnknownRecordTag(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader(sampleHeader()))
	require.NoError(t, writeRecord(w.sink(), RecordTag(0x7F), []byte("junk")))
	require.NoError(t, w.WriteEnd())
	require.NoError(t, w.Close())

	r := NewReader(&buf)
	_, err := r.ReadHeader()
	require.NoError(t, err)
	_, err = r.Next()
	var uerr *UnknownRecordError
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, byte(0x7F), uerr.Tag)
}

func TestVvarNeverEncodes(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader(sampleHeader()))
	err := w.WriteRegion(region.MemoryRegion{Start: 1, End: 2, Kind: region.Vvar})
	require.Error(t, err)
}
