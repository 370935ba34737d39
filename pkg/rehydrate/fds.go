/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package rehydrate

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gravwell-labs/rehydrate/pkg/image"
)

// listFdEntries walks /proc/[pid]/fd, keeping only descriptors that point
// at a regular file reachable by path - the minimal fd subset spec.md §6
// scopes this tool to. Pipes, sockets, ttys, and anonymous-inode
// descriptors (memfd, eventfd, epoll, ...) are silently skipped; spec.md
// §9 names that gap explicitly as the FdEntry record's extension surface.
func listFdEntries(pid int) ([]image.FdEntry, error) {
	dir := fmt.Sprintf("/proc/%d/fd", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing descriptors: %w", err)
	}
	var out []image.FdEntry
	for _, e := range entries {
		fd, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		target, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if !strings.HasPrefix(target, "/") || isPseudoPath(target) {
			continue
		}
		if fi, err := os.Stat(target); err != nil || !fi.Mode().IsRegular() {
			continue
		}
		offset, err := readFdOffset(pid, fd)
		if err != nil {
			offset = 0
		}
		out = append(out, image.FdEntry{Fd: int32(fd), Path: target, Offset: offset})
	}
	return out, nil
}

func isPseudoPath(p string) bool {
	return strings.HasPrefix(p, "pipe:") ||
		strings.HasPrefix(p, "socket:") ||
		strings.HasPrefix(p, "anon_inode:") ||
		strings.HasPrefix(p, "/memfd:")
}

// readFdOffset reads the "pos:" field out of /proc/[pid]/fdinfo/[fd].
func readFdOffset(pid, fd int) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/fdinfo/%d", pid, fd))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		if rest, ok := strings.CutPrefix(line, "pos:"); ok {
			v, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				return 0, err
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("no pos field in fdinfo")
}
