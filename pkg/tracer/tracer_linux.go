/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build linux

// Package tracer wraps the ptrace(2) interface the dump and restore paths
// ride on: attach/detach, register access, single-stepping, and bulk
// memory I/O via /proc/[pid]/mem. It speaks golang.org/x/sys/unix's
// PtraceRegs directly rather than redefining the amd64 register layout,
// the way gvisor's systrap platform wraps the same syscalls in
// pkg/sentry/platform/systrap/subprocess.go.
package tracer

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/gravwell-labs/rehydrate/pkg/region"
)

var (
	// ErrAttachRefused indicates PTRACE_ATTACH failed, most commonly due to
	// missing CAP_SYS_PTRACE or a Yama ptrace_scope restriction.
	ErrAttachRefused = errors.New("ptrace attach refused")
	// ErrAddressUnmapped indicates a read or write targeted an address the
	// target process has not mapped.
	ErrAddressUnmapped = errors.New("target address is not mapped")
)

// Tracer holds the ptrace relationship with a single target thread.
// A Tracer is not safe for concurrent use; the caller serializes all
// ptrace operations against one tracee, per ptrace(2)'s single-tracer
// restriction.
type Tracer struct {
	pid int
	mem *os.File
}

// New returns a Tracer for pid. Attach must be called before any other
// method.
func New(pid int) *Tracer {
	return &Tracer{pid: pid}
}

// Pid returns the traced process ID.
func (t *Tracer) Pid() int { return t.pid }

// Attach stops the target with PTRACE_ATTACH, waits for the resulting
// SIGSTOP, and opens /proc/[pid]/mem for bulk memory access.
func (t *Tracer) Attach() error {
	if err := unix.PtraceAttach(t.pid); err != nil {
		return fmt.Errorf("%w: %v", ErrAttachRefused, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(t.pid, &ws, 0, nil); err != nil {
		return fmt.Errorf("waiting for attach stop: %w", err)
	}
	mem, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", t.pid), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening tracee memory: %w", err)
	}
	t.mem = mem
	return nil
}

// Detach closes the memory file and releases the tracee with
// PTRACE_DETACH, letting it resume normal execution.
func (t *Tracer) Detach() error {
	if t.mem != nil {
		t.mem.Close()
		t.mem = nil
	}
	return unix.PtraceDetach(t.pid)
}

// GetRegisters reads the tracee's general purpose register file.
func (t *Tracer) GetRegisters() (region.RegisterSet, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &regs); err != nil {
		return region.RegisterSet{}, fmt.Errorf("getting registers: %w", err)
	}
	return fromPtraceRegs(regs), nil
}

// SetRegisters installs rs as the tracee's register file.
func (t *Tracer) SetRegisters(rs region.RegisterSet) error {
	regs := toPtraceRegs(rs)
	if err := unix.PtraceSetRegs(t.pid, &regs); err != nil {
		return fmt.Errorf("setting registers: %w", err)
	}
	return nil
}

// ReadMemory copies n bytes starting at addr out of the tracee's address
// space, via /proc/[pid]/mem.
func (t *Tracer) ReadMemory(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := t.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %d bytes at %#x: %v", ErrAddressUnmapped, n, addr, err)
	}
	return buf[:read], nil
}

// WriteMemory copies data into the tracee's address space starting at
// addr, via /proc/[pid]/mem.
func (t *Tracer) WriteMemory(addr uint64, data []byte) error {
	if _, err := t.mem.WriteAt(data, int64(addr)); err != nil {
		return fmt.Errorf("%w: writing %d bytes at %#x: %v", ErrAddressUnmapped, len(data), addr, err)
	}
	return nil
}

// SingleStep resumes the tracee for exactly one instruction.
func (t *Tracer) SingleStep() error {
	if err := unix.PtraceSingleStep(t.pid); err != nil {
		return fmt.Errorf("single-step: %w", err)
	}
	return nil
}

// Cont resumes the tracee, optionally redelivering signal.
func (t *Tracer) Cont(signal int) error {
	if err := unix.PtraceCont(t.pid, signal); err != nil {
		return fmt.Errorf("cont: %w", err)
	}
	return nil
}

// Wait blocks until the tracee next stops or exits.
func (t *Tracer) Wait() (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	if _, err := unix.Wait4(t.pid, &ws, 0, nil); err != nil {
		return ws, fmt.Errorf("wait: %w", err)
	}
	return ws, nil
}

// SetOptions sets ptrace options, e.g. PTRACE_O_EXITKILL so a forgotten
// tracee never outlives its tracer.
func (t *Tracer) SetOptions(options int) error {
	return unix.PtraceSetOptions(t.pid, options)
}

func fromPtraceRegs(r unix.PtraceRegs) region.RegisterSet {
	return region.RegisterSet{
		R15: r.R15, R14: r.R14, R13: r.R13, R12: r.R12,
		Rbp: r.Rbp, Rbx: r.Rbx,
		R11: r.R11, R10: r.R10, R9: r.R9, R8: r.R8,
		Rax: r.Rax, Rcx: r.Rcx, Rdx: r.Rdx,
		Rsi: r.Rsi, Rdi: r.Rdi,
		OrigRax: r.Orig_rax,
		Rip:     r.Rip, Cs: r.Cs, Eflags: r.Eflags,
		Rsp: r.Rsp, Ss: r.Ss,
		FsBase: r.Fs_base, GsBase: r.Gs_base,
		Ds: r.Ds, Es: r.Es, Fs: r.Fs, Gs: r.Gs,
	}
}

func toPtraceRegs(rs region.RegisterSet) unix.PtraceRegs {
	return unix.PtraceRegs{
		R15: rs.R15, R14: rs.R14, R13: rs.R13, R12: rs.R12,
		Rbp: rs.Rbp, Rbx: rs.Rbx,
		R11: rs.R11, R10: rs.R10, R9: rs.R9, R8: rs.R8,
		Rax: rs.Rax, Rcx: rs.Rcx, Rdx: rs.Rdx,
		Rsi: rs.Rsi, Rdi: rs.Rdi,
		Orig_rax: rs.OrigRax,
		Rip:      rs.Rip, Cs: rs.Cs, Eflags: rs.Eflags,
		Rsp: rs.Rsp, Ss: rs.Ss,
		Fs_base: rs.FsBase, Gs_base: rs.GsBase,
		Ds: rs.Ds, Es: rs.Es, Fs: rs.Fs, Gs: rs.Gs,
	}
}
