/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build linux

package inject

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/gravwell-labs/rehydrate/pkg/caps"
	"github.com/gravwell-labs/rehydrate/pkg/tracer"
)

// requireTraceCap skips tests that need CAP_SYS_PTRACE when the test
// runner doesn't have it (or CAP_CHECKPOINT_RESTORE), via caps.CanTrace.
func requireTraceCap(t *testing.T) {
	t.Helper()
	if !caps.CanTrace() {
		t.Skip("test requires CAP_SYS_PTRACE or CAP_CHECKPOINT_RESTORE")
	}
}

func TestInjectedGetpid(t *testing.T) {
	requireTraceCap(t)

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	tr := tracer.New(cmd.Process.Pid)
	require.NoError(t, tr.Attach())
	defer tr.Detach()

	inj := New(tr, nil)
	ret, err := inj.Syscall(unix.SYS_GETPID, 0, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(cmd.Process.Pid), ret)

	// confirm SingleStep over the patched code left registers intact and
	// the tracee is still controllable for a second injection.
	ret2, err := inj.Syscall(unix.SYS_GETPPID, 0, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(os.Getpid()), ret2)
}
