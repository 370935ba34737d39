/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build !linux

package tracer

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/gravwell-labs/rehydrate/pkg/region"
)

// ErrUnsupportedPlatform is returned by every Tracer method outside Linux.
// Checkpoint/restore is inherently kernel-specific; spec.md §1 scopes this
// tool to Linux/ptrace, so non-Linux builds exist only so the rest of the
// module still compiles.
var ErrUnsupportedPlatform = errors.New("tracer: ptrace is only supported on linux")

var (
	ErrAttachRefused   = ErrUnsupportedPlatform
	ErrAddressUnmapped = ErrUnsupportedPlatform
)

type Tracer struct{ pid int }

func New(pid int) *Tracer                                  { return &Tracer{pid: pid} }
func (t *Tracer) Pid() int                                 { return t.pid }
func (t *Tracer) Attach() error                             { return ErrUnsupportedPlatform }
func (t *Tracer) Detach() error                             { return ErrUnsupportedPlatform }
func (t *Tracer) GetRegisters() (region.RegisterSet, error) { return region.RegisterSet{}, ErrUnsupportedPlatform }
func (t *Tracer) SetRegisters(region.RegisterSet) error     { return ErrUnsupportedPlatform }
func (t *Tracer) ReadMemory(uint64, int) ([]byte, error)    { return nil, ErrUnsupportedPlatform }
func (t *Tracer) WriteMemory(uint64, []byte) error          { return ErrUnsupportedPlatform }
func (t *Tracer) SingleStep() error                         { return ErrUnsupportedPlatform }
func (t *Tracer) Cont(int) error                            { return ErrUnsupportedPlatform }
func (t *Tracer) Wait() (unix.WaitStatus, error)            { return unix.WaitStatus(0), ErrUnsupportedPlatform }
func (t *Tracer) SetOptions(int) error                      { return ErrUnsupportedPlatform }
