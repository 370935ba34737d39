/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package rconfig loads rehydrate's optional configuration file. dump and
// restore take their operands (pid/image path) directly on the command
// line per spec.md §6, so every value here is a default the CLI falls back
// to when a flag isn't given - the config file itself is entirely optional.
package rconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gravwell/gcfg"
)

const maxConfigSize int64 = 1024 * 1024 // a rehydrate.conf this large is certainly wrong

var (
	ErrConfigFileTooLarge = errors.New("config file is too large")
	ErrFailedFileRead     = errors.New("failed to read entire config file")
)

const (
	envLogLevel  = "REHYDRATE_LOG_LEVEL"
	envImageDir  = "REHYDRATE_IMAGE_DIR"
	envDonorPath = "REHYDRATE_DONOR_PATH"

	defaultLogLevel = "WARN"
	defaultImageDir = "/var/lib/rehydrate"
	// defaultDonorPath empty means "re-exec this binary with the hidden
	// donor subcommand" - see cmd/rehydrate/donor_stub.go.
	defaultDonorPath = ""
	defaultLockWait  = 5 * time.Second
)

// Config holds rehydrate's defaults. Zero value is meaningless; use
// Default() or Load().
type Config struct {
	Global struct {
		Image_Directory string
		Log_Level       string
		Donor_Path      string
		Lock_Timeout    string
	}
}

// Default returns the built-in defaults, before any config file or
// environment variable is consulted.
func Default() (c Config) {
	c.Global.Image_Directory = defaultImageDir
	c.Global.Log_Level = defaultLogLevel
	c.Global.Donor_Path = defaultDonorPath
	c.Global.Lock_Timeout = defaultLockWait.String()
	return
}

// Load reads the config file at path (if non-empty and present), then
// applies REHYDRATE_* environment variable overrides, then returns the
// result layered on top of Default(). A missing path is not an error: the
// defaults (possibly env-overridden) are returned as-is.
func Load(path string) (c Config, err error) {
	c = Default()
	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if err = loadFile(&c, path); err != nil {
				return
			}
		} else if !os.IsNotExist(statErr) {
			err = statErr
			return
		}
	}
	applyEnvOverrides(&c)
	return
}

func loadFile(c *Config, path string) (err error) {
	fin, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fin.Close()
	fi, err := fin.Stat()
	if err != nil {
		return err
	}
	if fi.Size() > maxConfigSize {
		return ErrConfigFileTooLarge
	}
	bb := bytes.NewBuffer(nil)
	n, err := io.Copy(bb, fin)
	if err != nil {
		return err
	} else if n != fi.Size() {
		return ErrFailedFileRead
	}
	return gcfg.ReadStringInto(c, bb.String())
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv(envLogLevel); v != "" {
		c.Global.Log_Level = v
	}
	if v := os.Getenv(envImageDir); v != "" {
		c.Global.Image_Directory = v
	}
	if v := os.Getenv(envDonorPath); v != "" {
		c.Global.Donor_Path = v
	}
}

// LockTimeout parses the configured Lock-Timeout, falling back to the
// built-in default on a malformed value.
func (c Config) LockTimeout() time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(c.Global.Lock_Timeout)); err == nil {
		return d
	}
	return defaultLockWait
}

func (c Config) String() string {
	return fmt.Sprintf("image-dir=%s log-level=%s donor=%s lock-timeout=%s",
		c.Global.Image_Directory, c.Global.Log_Level, c.Global.Donor_Path, c.LockTimeout())
}
