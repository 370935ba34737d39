/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package memmap implements the Map Enumerator: it reads the kernel's
// human-readable description of a process's virtual memory layout
// (/proc/[pid]/maps) and classifies each line into a region.MemoryRegion,
// without touching the bytes backing any of them.
package memmap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gravwell-labs/rehydrate/pkg/region"
)

// ErrMapParse indicates the kernel map enumeration produced a line this
// package could not parse.
var ErrMapParse = errors.New("unrecognized memory map line")

// Enumerator reads a target's memory map. The zero value reads the live
// system's /proc filesystem; tests substitute a root via NewWithRoot.
type Enumerator struct {
	procRoot string
}

// New returns an Enumerator that reads /proc.
func New() *Enumerator {
	return &Enumerator{procRoot: "/proc"}
}

// NewWithRoot returns an Enumerator that reads maps files under an
// alternate procfs root, used by tests to feed canned /proc/[pid]/maps
// content without a live target.
func NewWithRoot(root string) *Enumerator {
	return &Enumerator{procRoot: root}
}

// Enumerate returns the ordered list of memory regions for pid, without
// payloads. Regions are returned in the order the kernel lists them, which
// is always strictly increasing by start address.
func (e *Enumerator) Enumerate(pid int) ([]region.MemoryRegion, error) {
	root := e.procRoot
	if root == "" {
		root = "/proc"
	}
	path := fmt.Sprintf("%s/%d/maps", root, pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return ParseMaps(f)
}

// ParseMaps parses an already-open maps stream (a real /proc/[pid]/maps file,
// or anything shaped like it) into a slice of classified regions.
func ParseMaps(r io.Reader) ([]region.MemoryRegion, error) {
	var regions []region.MemoryRegion
	sc := bufio.NewScanner(r)
	// Individual map lines are short, but pathological /proc/self/maps with
	// a very long backing path can exceed bufio's default token size.
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		mr, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		regions = append(regions, mr)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading maps: %w", err)
	}
	return regions, nil
}

// parseLine parses one line of /proc/[pid]/maps:
//
//	address           perms offset  dev   inode      pathname
//	00400000-00452000 r-xp  00000000 08:02 173521     /usr/bin/cat
//	7ffd13d9d000-7ffd13dbe000 rw-p 00000000 00:00 0    [stack]
func parseLine(line string) (mr region.MemoryRegion, err error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return mr, fmt.Errorf("%w: %q", ErrMapParse, line)
	}
	addrRange := fields[0]
	perms := fields[1]
	offsetStr := fields[2]
	// fields[3] is dev, fields[4] is inode; neither is needed for capture.
	var path string
	if len(fields) > 5 {
		path = strings.Join(fields[5:], " ")
	}

	start, end, err := parseAddrRange(addrRange)
	if err != nil {
		return mr, fmt.Errorf("%w: %q: %v", ErrMapParse, line, err)
	}

	if len(perms) < 4 {
		return mr, fmt.Errorf("%w: %q: short permission field", ErrMapParse, line)
	}
	prot, err := region.ParseProtection(perms)
	if err != nil {
		return mr, fmt.Errorf("%w: %q: %v", ErrMapParse, line, err)
	}
	shared := perms[3] == 's'

	offset, err := strconv.ParseUint(offsetStr, 16, 64)
	if err != nil {
		return mr, fmt.Errorf("%w: %q: bad offset: %v", ErrMapParse, line, err)
	}

	mr = region.MemoryRegion{
		Start: start,
		End:   end,
		Prot:  prot,
	}
	mr.Kind, mr.Path, mr.Offset = classify(path, shared, offset)
	return mr, nil
}

func parseAddrRange(s string) (start, end uint64, err error) {
	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		return 0, 0, errors.New("missing '-' in address range")
	}
	if start, err = strconv.ParseUint(s[:dash], 16, 64); err != nil {
		return 0, 0, fmt.Errorf("bad start address: %w", err)
	}
	if end, err = strconv.ParseUint(s[dash+1:], 16, 64); err != nil {
		return 0, 0, fmt.Errorf("bad end address: %w", err)
	}
	if end < start {
		return 0, 0, errors.New("end address precedes start address")
	}
	return
}

// classify implements the classification rules in order: pseudo-paths for
// the kernel-installed vDSO/vvar/vsyscall pages and the stack/heap, then
// real filesystem paths, then anonymous mappings split by shared/private.
// Any other bracketed pseudo-path (e.g. "[anon:...]", "[stack:tid]" for a
// non-leader thread) falls through to Special rather than failing the whole
// enumeration - recognizing every pseudo-path the kernel might ever emit is
// not this component's job. A file path ending in the " (deleted)" marker
// stays FileBacked, with the marker stripped.
func classify(path string, shared bool, offset uint64) (region.Kind, string, uint64) {
	switch path {
	case "[vdso]":
		return region.Vdso, "", 0
	case "[vvar]":
		return region.Vvar, "", 0
	case "[vsyscall]":
		return region.Vsyscall, "", 0
	case "[stack]":
		return region.Stack, "", 0
	case "[heap]":
		return region.Heap, "", 0
	}
	if path == "" {
		if shared {
			return region.SharedAnon, "", 0
		}
		return region.Anonymous, "", 0
	}
	if strings.HasPrefix(path, "[") {
		return region.Special, path, 0
	}
	return region.FileBacked, strings.TrimSuffix(path, " (deleted)"), offset
}
