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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpawnDonorStopsAtEntry(t *testing.T) {
	requireTraceCap(t)

	log := discardLogger()
	donor, err := spawnDonor("/usr/bin/true", nil, log)
	require.NoError(t, err)
	require.NotZero(t, donor.ID)
	require.Greater(t, donor.Pid(), 0)

	regs, err := donor.Tracer.GetRegisters()
	require.NoError(t, err)
	require.NotZero(t, regs.Rip, "donor should be stopped with a valid entry-point RIP")

	require.NoError(t, donor.Release())
	code, err := donor.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)
}

func TestSpawnDonorKillDiscardsIt(t *testing.T) {
	requireTraceCap(t)

	log := discardLogger()
	donor, err := spawnDonor("/usr/bin/sleep", []string{"30"}, log)
	require.NoError(t, err)

	require.NoError(t, donor.Kill())
	// a second Kill/Release on an already-claimed donor must be a no-op,
	// not a double-free of the underlying process.
	require.NoError(t, donor.Kill())
	require.Error(t, donor.Release())
}
