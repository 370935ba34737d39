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
	"bytes"
	"io"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravwell-labs/rehydrate/internal/rlog"
	"github.com/gravwell-labs/rehydrate/pkg/caps"
	"github.com/gravwell-labs/rehydrate/pkg/image"
	"github.com/gravwell-labs/rehydrate/pkg/region"
)

func requireTraceCap(t *testing.T) {
	t.Helper()
	if !caps.CanTrace() {
		t.Skip("test requires CAP_SYS_PTRACE or CAP_CHECKPOINT_RESTORE")
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func discardLogger() *rlog.Logger {
	return rlog.New(nopWriteCloser{io.Discard})
}

func TestDumpProducesReadableImage(t *testing.T) {
	requireTraceCap(t)

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	var buf bytes.Buffer
	log := discardLogger()
	err := Dump(cmd.Process.Pid, &buf, DumpOptions{}, log)
	require.NoError(t, err)
	require.Greater(t, buf.Len(), 0)

	ir := image.NewReader(&buf)
	defer ir.Close()
	hdr, err := ir.ReadHeader()
	require.NoError(t, err)
	require.Equal(t, image.ArchAMD64, hdr.Arch)

	var regionCount int
	for {
		rec, err := ir.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if rec.Region != nil {
			regionCount++
			switch rec.Region.Kind {
			case region.Vvar, region.Vsyscall:
				t.Fatalf("vvar/vsyscall regions must never be recorded")
			}
		}
	}
	require.Greater(t, regionCount, 0)
}

func TestDumpCompressedRoundTrips(t *testing.T) {
	requireTraceCap(t)

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	var buf bytes.Buffer
	log := discardLogger()
	require.NoError(t, Dump(cmd.Process.Pid, &buf, DumpOptions{Compress: true}, log))

	ir := image.NewReader(&buf)
	defer ir.Close()
	_, err := ir.ReadHeader()
	require.NoError(t, err)
	for {
		_, err := ir.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
}
