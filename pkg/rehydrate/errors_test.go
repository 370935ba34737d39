/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package rehydrate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRestoreFailedErrorMatchesSentinel(t *testing.T) {
	inner := unix.Errno(1) // EPERM
	err := restoreFailed(StepProtect, -1, inner)

	require.True(t, errors.Is(err, ErrRestoreFailed))
	require.True(t, errors.Is(err, unix.EPERM))

	var rf *RestoreFailedError
	require.True(t, errors.As(err, &rf))
	require.Equal(t, StepProtect, rf.Step)
	require.Equal(t, int64(-1), rf.RawResult)
	require.Contains(t, rf.Error(), "apply-protection")
}

func TestRestoreFailedErrorDoesNotMatchUnrelatedSentinel(t *testing.T) {
	err := restoreFailed(StepRegisters, 0, errors.New("boom"))
	require.False(t, errors.Is(err, errors.New("boom")))
}
