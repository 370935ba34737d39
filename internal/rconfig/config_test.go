/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package rconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := Default()
	require.Equal(t, defaultImageDir, c.Global.Image_Directory)
	require.Equal(t, defaultLogLevel, c.Global.Log_Level)
	require.Equal(t, 5*time.Second, c.LockTimeout())
}

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	require.NoError(t, err)
	require.Equal(t, Default().Global, c.Global)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Global, c.Global)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rehydrate.conf")
	contents := "[global]\nImage-Directory=/tmp/images\nLog-Level=DEBUG\nLock-Timeout=30s\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/images", c.Global.Image_Directory)
	require.Equal(t, "DEBUG", c.Global.Log_Level)
	require.Equal(t, 30*time.Second, c.LockTimeout())
}

func TestLoadFileTooLarge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "huge.conf")
	big := make([]byte, maxConfigSize+1)
	require.NoError(t, os.WriteFile(path, big, 0o644))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrConfigFileTooLarge)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(envLogLevel, "CRITICAL")
	t.Setenv(envImageDir, "/var/tmp/rehydrate-images")

	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "CRITICAL", c.Global.Log_Level)
	require.Equal(t, "/var/tmp/rehydrate-images", c.Global.Image_Directory)
}

func TestLockTimeoutFallsBackOnBadValue(t *testing.T) {
	c := Default()
	c.Global.Lock_Timeout = "not-a-duration"
	require.Equal(t, defaultLockWait, c.LockTimeout())
}
