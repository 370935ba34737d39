/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package inject implements the Syscall Injector described in spec.md §4.4:
// it makes a traced process execute an arbitrary syscall on the
// rehydrator's behalf by overwriting two bytes at its current instruction
// pointer with a `syscall` instruction, single-stepping across it, and
// putting everything it touched back exactly as it found it.
package inject

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/gravwell-labs/rehydrate/internal/rlog"
	"github.com/gravwell-labs/rehydrate/pkg/tracer"
)

// syscallInsn is the x86-64 two-byte `syscall` opcode (0F 05).
var syscallInsn = [2]byte{0x0f, 0x05}

// ErrInjectionTrap reports that single-stepping the injected syscall
// instruction produced something other than the expected SIGTRAP -
// almost always because the syscall itself faulted (e.g. a bad buffer
// pointer handed to the kernel) and delivered SIGSEGV to the donor
// instead of simply returning.
type ErrInjectionTrap struct {
	Signal unix.Signal
}

func (e *ErrInjectionTrap) Error() string {
	return fmt.Sprintf("injected syscall trapped with unexpected signal %v", e.Signal)
}

var (
	// ErrProcessExited indicates the tracee exited instead of stopping
	// after the single-step, e.g. the injected syscall was SYS_EXIT or a
	// fault escalated to a fatal signal.
	ErrProcessExited = errors.New("tracee exited during syscall injection")
)

// SyscallResultError reports that an injected syscall returned a negative,
// errno-encoded result. Raw carries the unmodified rax value so a caller
// that needs to report it upstream (e.g. rehydrate's RestoreFailedError)
// doesn't have to re-derive it from the decoded errno.
type SyscallResultError struct {
	Op  string
	Raw int64
}

func (e *SyscallResultError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, unix.Errno(-e.Raw))
}

func (e *SyscallResultError) Unwrap() error { return unix.Errno(-e.Raw) }

// WrapResult turns a negative raw syscall return value into a
// SyscallResultError. op names the syscall for the error string.
func WrapResult(op string, raw int64) error {
	return &SyscallResultError{Op: op, Raw: raw}
}

// Injector drives a tracer.Tracer to execute syscalls inside its tracee.
type Injector struct {
	tr      *tracer.Tracer
	scratch *uint64 // injection site override; nil means "current rip"
	log     *rlog.Logger
}

// New returns an Injector driving tr. log may be nil; when set, every
// injected syscall is traced via log.Syscall at -v 3 (log.Tracing()).
func New(tr *tracer.Tracer, log *rlog.Logger) *Injector {
	return &Injector{tr: tr, log: log}
}

// UseScratch redirects all subsequent injected syscalls to execute at addr
// instead of the tracee's current instruction pointer. The restore path
// calls this once it has mmap'd a dedicated scratch page, so later
// injections don't depend on donor code that's about to be unmapped
// (spec.md §4.5 step 6: "the Injector migrates its scratch to a safe
// address before clearing").
func (i *Injector) UseScratch(addr uint64) {
	a := addr
	i.scratch = &a
}

// Syscall executes nr(a1..a6) inside the tracee using the Linux amd64
// syscall ABI (args in rdi, rsi, rdx, r10, r8, r9) and returns its raw
// return value (rax after the call, which callers interpret as a negative
// errno the same way raw syscall wrappers do). The tracee's registers and
// the two bytes at its instruction pointer are restored before Syscall
// returns, success or failure, so a caller can inject any number of
// syscalls back to back without the tracee ever observing the borrowed
// instruction.
func (i *Injector) Syscall(nr uintptr, a1, a2, a3, a4, a5, a6 uintptr) (ret int64, err error) {
	saved, err := i.tr.GetRegisters()
	if err != nil {
		return 0, fmt.Errorf("saving registers: %w", err)
	}
	addr := saved.Rip
	if i.scratch != nil {
		addr = *i.scratch
	}

	origCode, err := i.tr.ReadMemory(addr, len(syscallInsn))
	if err != nil {
		return 0, fmt.Errorf("reading code at injection site: %w", err)
	}
	if err := i.tr.WriteMemory(addr, syscallInsn[:]); err != nil {
		return 0, fmt.Errorf("writing syscall instruction: %w", err)
	}
	defer func() {
		if werr := i.tr.WriteMemory(addr, origCode); werr != nil && err == nil {
			err = fmt.Errorf("restoring code at injection site: %w", werr)
		}
		if serr := i.tr.SetRegisters(saved); serr != nil && err == nil {
			err = fmt.Errorf("restoring registers: %w", serr)
		}
	}()

	call := saved
	call.Rax = uint64(nr)
	call.Rdi = uint64(a1)
	call.Rsi = uint64(a2)
	call.Rdx = uint64(a3)
	call.R10 = uint64(a4)
	call.R8 = uint64(a5)
	call.R9 = uint64(a6)
	call.Rip = addr
	if err := i.tr.SetRegisters(call); err != nil {
		return 0, fmt.Errorf("installing syscall registers: %w", err)
	}

	if err := i.tr.SingleStep(); err != nil {
		return 0, fmt.Errorf("single-stepping syscall: %w", err)
	}
	ws, err := i.tr.Wait()
	if err != nil {
		return 0, fmt.Errorf("waiting on injected syscall: %w", err)
	}
	if ws.Exited() || ws.Signaled() {
		return 0, ErrProcessExited
	}
	if !ws.Stopped() || ws.StopSignal() != unix.SIGTRAP {
		return 0, &ErrInjectionTrap{Signal: ws.StopSignal()}
	}

	after, err := i.tr.GetRegisters()
	if err != nil {
		return 0, fmt.Errorf("reading syscall result: %w", err)
	}
	ret = int64(after.Rax)
	if i.log != nil {
		i.log.Syscall("injected syscall", nr, ret)
	}
	return ret, nil
}

// Mmap injects mmap(2) and returns the mapped address.
func (i *Injector) Mmap(addr, length uint64, prot, flags, fd int, offset uint64) (uint64, error) {
	ret, err := i.Syscall(unix.SYS_MMAP, uintptr(addr), uintptr(length), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, WrapResult("mmap", ret)
	}
	return uint64(ret), nil
}

// Munmap injects munmap(2).
func (i *Injector) Munmap(addr, length uint64) error {
	ret, err := i.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(length), 0, 0, 0, 0)
	if err != nil {
		return err
	}
	if ret < 0 {
		return WrapResult("munmap", ret)
	}
	return nil
}

// Mremap injects mremap(2) with MREMAP_FIXED|MREMAP_MAYMOVE, the primitive
// the restore path uses to relocate the vDSO mapping the kernel handed the
// donor onto the address the original target expects it at (spec.md §4.5).
func (i *Injector) Mremap(oldAddr, oldSize, newSize, newAddr uint64) (uint64, error) {
	flags := unix.MREMAP_MAYMOVE | unix.MREMAP_FIXED
	ret, err := i.Syscall(unix.SYS_MREMAP, uintptr(oldAddr), uintptr(oldSize), uintptr(newSize), uintptr(flags), uintptr(newAddr), 0)
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, WrapResult("mremap", ret)
	}
	return uint64(ret), nil
}

// MremapAny injects mremap(2) with MREMAP_MAYMOVE only (no FIXED), letting
// the kernel choose the destination address. The restore path uses this to
// stash the donor's vDSO at a scratch address before moving it into its
// final place, when the final address overlaps another required mapping
// (spec.md §4.5 step 5).
func (i *Injector) MremapAny(oldAddr, oldSize, newSize uint64) (uint64, error) {
	ret, err := i.Syscall(unix.SYS_MREMAP, uintptr(oldAddr), uintptr(oldSize), uintptr(newSize), uintptr(unix.MREMAP_MAYMOVE), 0, 0)
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, WrapResult("mremap", ret)
	}
	return uint64(ret), nil
}

// Open injects open(2) against a path already written into the tracee's
// memory at pathAddr (by the caller, via Tracer.WriteMemory).
func (i *Injector) Open(pathAddr uint64, flags, mode int) (int, error) {
	ret, err := i.Syscall(unix.SYS_OPEN, uintptr(pathAddr), uintptr(flags), uintptr(mode), 0, 0, 0)
	if err != nil {
		return -1, err
	}
	if ret < 0 {
		return -1, WrapResult("open", ret)
	}
	return int(ret), nil
}

// Close injects close(2).
func (i *Injector) Close(fd int) error {
	ret, err := i.Syscall(unix.SYS_CLOSE, uintptr(fd), 0, 0, 0, 0, 0)
	if err != nil {
		return err
	}
	if ret < 0 {
		return WrapResult("close", ret)
	}
	return nil
}

// Lseek injects lseek(2), used to position a reopened file descriptor at
// the offset recorded in an image.FdEntry before restore hands it back.
func (i *Injector) Lseek(fd int, offset int64, whence int) (int64, error) {
	ret, err := i.Syscall(unix.SYS_LSEEK, uintptr(fd), uintptr(offset), uintptr(whence), 0, 0, 0)
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, WrapResult("lseek", ret)
	}
	return ret, nil
}

// Dup2 injects dup2(2), used to install a reopened descriptor at the
// specific number recorded in an image.FdEntry.
func (i *Injector) Dup2(oldfd, newfd int) error {
	ret, err := i.Syscall(unix.SYS_DUP2, uintptr(oldfd), uintptr(newfd), 0, 0, 0, 0)
	if err != nil {
		return err
	}
	if ret < 0 {
		return WrapResult("dup2", ret)
	}
	return nil
}

// Exit injects exit(2). The tracee exiting during the step is the expected
// outcome and is not reported as an error. The restore path does not call
// it; a failed restore kills the donor instead.
func (i *Injector) Exit(code int) error {
	_, err := i.Syscall(unix.SYS_EXIT, uintptr(code), 0, 0, 0, 0, 0)
	if err != nil && !errors.Is(err, ErrProcessExited) {
		return err
	}
	return nil
}
