/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package memmap

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravwell-labs/rehydrate/pkg/region"
)

const sampleMaps = `00400000-00401000 r-xp 00000000 08:02 173521    /usr/bin/cat
00600000-00601000 rw-p 00000000 08:02 173521    /usr/bin/cat
01ff0000-02011000 rw-p 00000000 00:00 0         [heap]
7f0000000000-7f0000021000 rw-s 00000000 00:00 0
7f0000100000-7f0000110000 rw-p 00000000 00:00 0
7ffd13d9d000-7ffd13dbe000 rw-p 00000000 00:00 0 [stack]
7ffd13dd0000-7ffd13dd2000 r--p 00000000 00:00 0 [vvar]
7ffd13dd2000-7ffd13dd4000 r-xp 00000000 00:00 0 [vdso]
ffffffffff600000-ffffffffff601000 --xp 00000000 00:00 0 [vsyscall]
`

func TestParseMapsClassification(t *testing.T) {
	regions, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, regions, 9)

	want := []region.Kind{
		region.FileBacked, region.FileBacked, region.Heap,
		region.SharedAnon, region.Anonymous, region.Stack,
		region.Vvar, region.Vdso, region.Vsyscall,
	}
	for i, k := range want {
		require.Equalf(t, k, regions[i].Kind, "region %d", i)
	}
	require.Equal(t, "/usr/bin/cat", regions[0].Path)
	require.NoError(t, region.Validate(regions))
}

func TestParseMapsDeletedFileSuffixStripped(t *testing.T) {
	regions, err := ParseMaps(strings.NewReader("00400000-00401000 r-xp 00000000 08:02 173521 /usr/bin/cat (deleted)\n"))
	require.NoError(t, err)
	require.Len(t, regions, 1)
	require.Equal(t, "/usr/bin/cat", regions[0].Path)
}

func TestParseMapsSpecialFallthrough(t *testing.T) {
	regions, err := ParseMaps(strings.NewReader("7ffd13d9d000-7ffd13dbe000 rw-p 00000000 00:00 0 [anon:some-new-kernel-tag]\n"))
	require.NoError(t, err)
	require.Len(t, regions, 1)
	require.Equal(t, region.Special, regions[0].Kind)
	require.Equal(t, "[anon:some-new-kernel-tag]", regions[0].Path)
}

func TestParseMapsMalformedLine(t *testing.T) {
	_, err := ParseMaps(strings.NewReader("not a maps line\n"))
	require.ErrorIs(t, err, ErrMapParse)
}

func TestParseMapsBadAddressRange(t *testing.T) {
	_, err := ParseMaps(strings.NewReader("zzzz-yyyy rw-p 00000000 00:00 0\n"))
	require.ErrorIs(t, err, ErrMapParse)
}

func TestEnumerateReadsProcRoot(t *testing.T) {
	dir := t.TempDir()
	pidDir := dir + "/4242"
	require.NoError(t, os.MkdirAll(pidDir, 0o755))
	require.NoError(t, os.WriteFile(pidDir+"/maps", []byte(sampleMaps), 0o644))

	e := NewWithRoot(dir)
	regions, err := e.Enumerate(4242)
	require.NoError(t, err)
	require.Len(t, regions, 9)
}
