/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package region defines the data model shared by the map enumerator, the
// image codec, and the rehydrator: the description of a target's virtual
// memory layout and the register file captured alongside it. Nothing in
// this package touches the kernel tracing interface; it is pure data so
// that the codec can encode/decode it without pulling in ptrace.
package region

import (
	"errors"
	"fmt"
	"sort"
)

// Kind classifies a single memory region by how it should be captured and
// reinstated. The constant order is the data model's list of kinds, not
// the order in which the map enumerator tests for them.
type Kind uint8

const (
	Anonymous Kind = iota
	FileBacked
	Stack
	Heap
	Vdso
	Vvar
	Vsyscall
	SharedAnon
	Special
)

func (k Kind) String() string {
	switch k {
	case Anonymous:
		return `anonymous`
	case FileBacked:
		return `file-backed`
	case Stack:
		return `stack`
	case Heap:
		return `heap`
	case Vdso:
		return `vdso`
	case Vvar:
		return `vvar`
	case Vsyscall:
		return `vsyscall`
	case SharedAnon:
		return `shared-anon`
	case Special:
		return `special`
	}
	return `unknown`
}

// HasPayload reports whether a region of this kind carries captured bytes
// in the image. Vsyscall is never even enumerated with intent to read it,
// and Vdso is deliberately elided per spec - its contents are kernel
// provided and re-aliased on restore.
func (k Kind) HasPayload() bool {
	switch k {
	case Vdso, Vsyscall:
		return false
	}
	return true
}

// Protection is a bitmask of the read/write/execute permissions on a region,
// mirroring the rwx columns of the kernel's map listing.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

// ParseProtection decodes the first three characters of a maps permission
// field ("rwxp", "r-xp", "rw-p", ...) into a Protection bitmask. The fourth
// character (shared/private) is not part of the bitmask; callers extract it
// separately.
func ParseProtection(s string) (p Protection, err error) {
	if len(s) < 3 {
		return 0, fmt.Errorf("permission field %q too short", s)
	}
	switch s[0] {
	case 'r':
		p |= ProtRead
	case '-':
	default:
		return 0, fmt.Errorf("invalid read flag %q", s[0])
	}
	switch s[1] {
	case 'w':
		p |= ProtWrite
	case '-':
	default:
		return 0, fmt.Errorf("invalid write flag %q", s[1])
	}
	switch s[2] {
	case 'x':
		p |= ProtExec
	case '-':
	default:
		return 0, fmt.Errorf("invalid exec flag %q", s[2])
	}
	return p, nil
}

func (p Protection) String() string {
	r, w, x := byte('-'), byte('-'), byte('-')
	if p&ProtRead != 0 {
		r = 'r'
	}
	if p&ProtWrite != 0 {
		w = 'w'
	}
	if p&ProtExec != 0 {
		x = 'x'
	}
	return string([]byte{r, w, x})
}

// MemoryRegion is a contiguous, page-aligned range of the target's virtual
// address space. Payload is only meaningful for kinds where HasPayload is
// true, and is nil until a dump actually reads the bytes.
type MemoryRegion struct {
	Start, End uint64
	Prot       Protection
	Kind       Kind
	Path       string // set for FileBacked and Special
	Offset     uint64 // file offset backing the mapping, set for FileBacked
	Payload    []byte
}

// Len returns end-start, the number of bytes the region spans.
func (m MemoryRegion) Len() uint64 {
	if m.End < m.Start {
		return 0
	}
	return m.End - m.Start
}

var (
	ErrRegionsOverlap   = errors.New("memory regions overlap")
	ErrRegionsUnordered = errors.New("memory regions are not ordered by start address")
	ErrPayloadSize      = errors.New("region payload length does not match end-start")
)

// Validate checks the invariant that regions are strictly ordered by start
// address and that adjacent regions never overlap, and that every region
// carrying a payload has a payload exactly Len() bytes long.
func Validate(regions []MemoryRegion) error {
	var prevEnd uint64
	for i, r := range regions {
		if i > 0 {
			if r.Start < prevEnd {
				if r.Start < regions[i-1].Start {
					return fmt.Errorf("%w: region %d starts at %#x before region %d at %#x", ErrRegionsUnordered, i, r.Start, i-1, regions[i-1].Start)
				}
				return fmt.Errorf("%w: region %d [%#x,%#x) overlaps previous region ending at %#x", ErrRegionsOverlap, i, r.Start, r.End, prevEnd)
			}
		}
		if r.Kind.HasPayload() && r.Payload != nil && uint64(len(r.Payload)) != r.Len() {
			return fmt.Errorf("%w: region %d (%s) [%#x,%#x) has %d payload bytes", ErrPayloadSize, i, r.Kind, r.Start, r.End, len(r.Payload))
		}
		prevEnd = r.End
	}
	return nil
}

// SortRegions orders regions by start address in place, as required before
// Validate and before the image codec emits region records.
func SortRegions(regions []MemoryRegion) {
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
}

// RegisterSet is the general purpose x86-64 register file of the target
// thread, including the instruction and stack pointers and the FS/GS
// segment bases. The FS/GS bases are essential: thread-local storage is
// addressed relative to them, and losing them turns a restored process's
// TLS accesses into wild pointer dereferences.
type RegisterSet struct {
	R15, R14, R13, R12 uint64
	Rbp, Rbx           uint64
	R11, R10, R9, R8   uint64
	Rax, Rcx, Rdx      uint64
	Rsi, Rdi           uint64
	OrigRax            uint64
	Rip, Cs, Eflags    uint64
	Rsp, Ss             uint64
	FsBase, GsBase      uint64
	Ds, Es, Fs, Gs      uint64
}
