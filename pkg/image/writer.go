/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package image

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/gravwell-labs/rehydrate/pkg/region"
)

// Writer emits a framed record stream to an underlying io.Writer. The
// zero value is not usable; build one with NewWriter.
type Writer struct {
	raw      io.Writer
	bw       *bufio.Writer
	zw       *zstd.Encoder
	compress bool
	wroteHdr bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithCompression wraps every record after the header in a zstd stream.
// The header itself is always written uncompressed so a Reader can learn
// whether to expect compression before it needs to decode anything else.
func WithCompression(enabled bool) Option {
	return func(w *Writer) { w.compress = enabled }
}

func NewWriter(w io.Writer, opts ...Option) *Writer {
	wr := &Writer{raw: w}
	for _, o := range opts {
		o(wr)
	}
	return wr
}

// WriteHeader writes the header record. It must be called exactly once,
// before any other Write* method.
func (w *Writer) WriteHeader(h Header) error {
	if w.wroteHdr {
		return fmt.Errorf("image: header already written")
	}
	var flags byte
	if w.compress {
		flags |= flagCompressed
	}
	payload := make([]byte, 0, 4+1+1+16+registerSetSize)
	payload = append(payload, magic[:]...)
	payload = append(payload, formatVersion, flags, h.Arch)
	idBytes, err := h.ID.MarshalBinary()
	if err != nil {
		return err
	}
	payload = append(payload, idBytes...)
	payload = append(payload, encodeRegisters(h.Registers)...)

	if err := writeRecord(w.raw, TagHeader, payload); err != nil {
		return err
	}
	w.wroteHdr = true

	if w.compress {
		zw, err := zstd.NewWriter(w.raw)
		if err != nil {
			return err
		}
		w.zw = zw
		w.bw = bufio.NewWriter(zw)
	} else {
		w.bw = bufio.NewWriter(w.raw)
	}
	return nil
}

func (w *Writer) sink() io.Writer {
	return w.bw
}

// WriteRegion emits one memory region record. The record tag is derived
// from r.Kind; r.Kind must not be Vvar or Vsyscall (the dump path skips
// those regions, per spec.md §4.2/§4.5), and WriteRegion returns an error
// for them.
func (w *Writer) WriteRegion(r region.MemoryRegion) error {
	if !w.wroteHdr {
		return ErrNoHeader
	}
	tag, sk, err := tagForKind(r.Kind)
	if err != nil {
		return err
	}
	payload := make([]byte, 0, 17+len(r.Path)+len(r.Payload)+16)
	payload = append(payload, byte(r.Prot))
	payload = appendU64(payload, r.Start)
	payload = appendU64(payload, r.End)
	if tag == TagRegionFile {
		payload = appendU64(payload, r.Offset)
	}
	if tag == TagRegionAnon {
		payload = append(payload, byte(sk))
	}
	payload = appendU16(payload, uint16(len(r.Path)))
	payload = append(payload, r.Path...)
	if r.Kind.HasPayload() {
		payload = appendU64(payload, uint64(len(r.Payload)))
		payload = append(payload, r.Payload...)
	}
	return writeRecord(w.sink(), tag, payload)
}

// WriteFdEntry emits one descriptor-restoration record.
func (w *Writer) WriteFdEntry(e FdEntry) error {
	if !w.wroteHdr {
		return ErrNoHeader
	}
	payload := make([]byte, 0, 12+len(e.Path))
	payload = appendU32(payload, uint32(e.Fd))
	payload = appendU64(payload, e.Offset)
	payload = appendU16(payload, uint16(len(e.Path)))
	payload = append(payload, e.Path...)
	return writeRecord(w.sink(), TagFdEntry, payload)
}

// WriteEnd writes the terminator record. Call it once, last.
func (w *Writer) WriteEnd() error {
	if !w.wroteHdr {
		return ErrNoHeader
	}
	return writeRecord(w.sink(), TagEnd, nil)
}

// Close flushes buffered output and, if compression was enabled, closes
// the zstd encoder. It does not close the underlying io.Writer.
func (w *Writer) Close() error {
	if w.bw != nil {
		if err := w.bw.Flush(); err != nil {
			return err
		}
	}
	if w.zw != nil {
		return w.zw.Close()
	}
	return nil
}

func writeRecord(w io.Writer, tag RecordTag, payload []byte) error {
	var hdr [9]byte
	hdr[0] = byte(tag)
	binary.LittleEndian.PutUint64(hdr[1:], uint64(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}
