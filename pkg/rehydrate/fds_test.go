/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build linux

package rehydrate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsPseudoPath(t *testing.T) {
	cases := map[string]bool{
		"pipe:[12345]":       true,
		"socket:[6789]":      true,
		"anon_inode:[event]": true,
		"/memfd:foo":         true,
		"/tmp/regular-file":  false,
	}
	for path, want := range cases {
		require.Equalf(t, want, isPseudoPath(path), "path %q", path)
	}
}

func TestListFdEntriesFindsOpenRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Seek(3, os.SEEK_SET)
	require.NoError(t, err)

	entries, err := listFdEntries(os.Getpid())
	require.NoError(t, err)

	var found bool
	for _, e := range entries {
		if e.Path == path {
			found = true
			require.Equal(t, uint64(3), e.Offset)
		}
	}
	require.True(t, found, "expected %s among %d fd entries", path, len(entries))
}

func TestReadFdOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Seek(7, os.SEEK_SET)
	require.NoError(t, err)

	off, err := readFdOffset(os.Getpid(), int(f.Fd()))
	require.NoError(t, err)
	require.Equal(t, uint64(7), off)
}
