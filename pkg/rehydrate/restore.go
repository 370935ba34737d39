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
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/gravwell-labs/rehydrate/internal/rlog"
	"github.com/gravwell-labs/rehydrate/pkg/image"
	"github.com/gravwell-labs/rehydrate/pkg/inject"
	"github.com/gravwell-labs/rehydrate/pkg/memmap"
	"github.com/gravwell-labs/rehydrate/pkg/region"
	"github.com/gravwell-labs/rehydrate/pkg/tracer"
)

// rawResult reports the raw, errno-encoded syscall return value that
// produced err, for inclusion in a RestoreFailedError per spec.md §7's
// RestoreFailed(step, raw_result). Errors that don't originate from an
// injected syscall (a direct ptrace register/memory operation, for
// instance) carry no such value and report 0.
func rawResult(err error) int64 {
	var se *inject.SyscallResultError
	if errors.As(err, &se) {
		return se.Raw
	}
	return 0
}

const pageSize = 4096

// RestoreOptions configures a single Restore call.
type RestoreOptions struct {
	DonorPath string
	DonorArgs []string
}

// Restore spawns a donor under donorPath, rebuilds its address space and
// register file from r, and releases it: the donor resumes as the
// restored process. Restore blocks until that process exits and returns
// its exit code, matching the CLI contract in spec.md §6
// (`restore <image_path>` "waits for it").
func Restore(r io.Reader, opts RestoreOptions, log *rlog.Logger) (exitCode int, err error) {
	donor, err := spawnDonor(opts.DonorPath, opts.DonorArgs, log)
	if err != nil {
		return 0, err
	}
	defer func() {
		if !donor.claimed {
			donor.Kill()
		}
	}()

	ir := image.NewReader(r)
	defer ir.Close()
	hdr, err := ir.ReadHeader()
	if err != nil {
		return 0, fmt.Errorf("reading image header: %w", err)
	}
	log.Info("restore started", rlog.KV("donor_pid", donor.Pid()), rlog.KV("image_id", hdr.ID.String()))

	var regions []region.MemoryRegion
	var fds []image.FdEntry
	for {
		rec, err := ir.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("reading image body: %w", err)
		}
		if rec.Region != nil {
			regions = append(regions, *rec.Region)
		}
		if rec.Fd != nil {
			fds = append(fds, *rec.Fd)
		}
	}

	enumerator := memmap.New()
	donorRegions, err := enumerator.Enumerate(donor.Pid())
	if err != nil {
		return 0, fmt.Errorf("enumerating donor regions: %w", err)
	}

	inj := inject.New(donor.Tracer, log)
	scratch, err := inj.Mmap(0, pageSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return 0, fmt.Errorf("bootstrapping injector scratch region: %w", err)
	}
	inj.UseScratch(scratch)
	log.Debug("injector bootstrapped", rlog.KV("scratch", fmt.Sprintf("%#x", scratch)))
	// The scratch page itself is never unmapped: unmapping the page a
	// tracee is actively executing the unmap instruction from is not a
	// safe operation to perform via single-step. It survives into the
	// restored process as one stray anonymous rwx page.

	if err := remapVdso(inj, donorRegions, regions, log); err != nil {
		return 0, err
	}

	if err := clearDonorMappings(inj, donorRegions, scratch, log); err != nil {
		return 0, err
	}

	if err := reinstateRegions(inj, donor.Tracer, regions, log); err != nil {
		return 0, err
	}

	if err := restoreResources(inj, donor.Tracer, fds, scratch, log); err != nil {
		return 0, err
	}

	if err := donor.Tracer.SetRegisters(hdr.Registers); err != nil {
		return 0, restoreFailed(StepRegisters, rawResult(err), err)
	}

	if err := donor.Release(); err != nil {
		return 0, fmt.Errorf("releasing donor: %w", err)
	}
	log.Info("restore complete", rlog.KV("pid", donor.Pid()))

	return donor.Wait()
}

// remapVdso relocates the donor's kernel-installed vDSO onto the address
// the image recorded, the single most subtle correctness point in the
// design (spec.md §9). If the target address overlaps another region the
// image will reinstate, the vDSO is moved through a kernel-chosen scratch
// address first so the two moves never collide.
func remapVdso(inj *inject.Injector, donorRegions, targetRegions []region.MemoryRegion, log *rlog.Logger) error {
	donorVdso, ok := findKind(donorRegions, region.Vdso)
	if !ok {
		return nil // donor has no vdso mapping; nothing to relocate
	}
	targetVdso, ok := findKind(targetRegions, region.Vdso)
	if !ok {
		return nil // image carries no vdso (e.g. a zero-user-region stub image)
	}
	if donorVdso.Start == targetVdso.Start {
		log.Debug("vdso already at recorded address", rlog.KV("addr", fmt.Sprintf("%#x", targetVdso.Start)))
		return nil
	}
	size := donorVdso.Len()

	if overlapsAny(targetVdso.Start, size, targetRegions, region.Vdso) {
		scratchAddr, err := inj.MremapAny(donorVdso.Start, size, size)
		if err != nil {
			return restoreFailed(StepVdsoRemap, rawResult(err), err)
		}
		log.Debug("vdso staged at scratch address", rlog.KV("addr", fmt.Sprintf("%#x", scratchAddr)))
		if _, err := inj.Mremap(scratchAddr, size, size, targetVdso.Start); err != nil {
			return restoreFailed(StepVdsoRemap, rawResult(err), err)
		}
	} else {
		if _, err := inj.Mremap(donorVdso.Start, size, size, targetVdso.Start); err != nil {
			return restoreFailed(StepVdsoRemap, rawResult(err), err)
		}
	}
	log.Debug("vdso relocated", rlog.KV("from", fmt.Sprintf("%#x", donorVdso.Start)), rlog.KV("to", fmt.Sprintf("%#x", targetVdso.Start)))
	return nil
}

func findKind(regions []region.MemoryRegion, k region.Kind) (region.MemoryRegion, bool) {
	for _, r := range regions {
		if r.Kind == k {
			return r, true
		}
	}
	return region.MemoryRegion{}, false
}

func overlapsAny(start, length uint64, regions []region.MemoryRegion, except region.Kind) bool {
	end := start + length
	for _, r := range regions {
		if r.Kind == except {
			continue
		}
		if start < r.End && r.Start < end {
			return true
		}
	}
	return false
}

// clearDonorMappings unmaps every donor region that isn't a system region
// (vdso/vvar/vsyscall, already handled) and isn't the injector's scratch
// page, per spec.md §4.5 step 6.
func clearDonorMappings(inj *inject.Injector, donorRegions []region.MemoryRegion, scratch uint64, log *rlog.Logger) error {
	for _, r := range donorRegions {
		switch r.Kind {
		case region.Vdso, region.Vvar, region.Vsyscall:
			continue
		}
		if r.Start <= scratch && scratch < r.End {
			continue
		}
		if err := inj.Munmap(r.Start, r.Len()); err != nil {
			return restoreFailed(StepClearMappings, rawResult(err), err)
		}
		log.Region("cleared donor mapping", r)
	}
	return nil
}

// reinstateRegions creates every non-vdso region from the image at its
// exact address, writes its payload, then tightens protections - in that
// order, since a write into an already-read-only mapping fails (spec.md
// §4.5 "Ordering requirements").
func reinstateRegions(inj *inject.Injector, tr *tracer.Tracer, regions []region.MemoryRegion, log *rlog.Logger) error {
	var toProtect []region.MemoryRegion
	for _, r := range regions {
		if r.Kind == region.Vdso {
			continue
		}
		mapFlags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED
		if _, err := inj.Mmap(r.Start, r.Len(), unix.PROT_READ|unix.PROT_WRITE, mapFlags, -1, 0); err != nil {
			return restoreFailed(StepReinstateRegion, rawResult(err), err)
		}
		if len(r.Payload) > 0 {
			if err := tr.WriteMemory(r.Start, r.Payload); err != nil {
				return restoreFailed(StepReinstateRegion, rawResult(err), err)
			}
		}
		log.Region("reinstated region", r)
		toProtect = append(toProtect, r)
	}
	for _, r := range toProtect {
		prot := protFlags(r.Prot)
		if prot == unix.PROT_READ|unix.PROT_WRITE {
			continue // already installed at the right protection above
		}
		if err := mprotect(inj, r.Start, r.Len(), prot); err != nil {
			return restoreFailed(StepProtect, rawResult(err), err)
		}
	}
	return nil
}

func protFlags(p region.Protection) int {
	var f int
	if p&region.ProtRead != 0 {
		f |= unix.PROT_READ
	}
	if p&region.ProtWrite != 0 {
		f |= unix.PROT_WRITE
	}
	if p&region.ProtExec != 0 {
		f |= unix.PROT_EXEC
	}
	return f
}

func mprotect(inj *inject.Injector, addr, length uint64, prot int) error {
	ret, err := inj.Syscall(unix.SYS_MPROTECT, uintptr(addr), uintptr(length), uintptr(prot), 0, 0, 0)
	if err != nil {
		return err
	}
	if ret < 0 {
		return inject.WrapResult("mprotect", ret)
	}
	return nil
}

// restoreResources reopens each recorded file by path, seeks it to the
// recorded offset, and installs it at the recorded descriptor number
// (spec.md §4.5 step 8). Path bytes are staged in the injector's scratch
// page, far enough past its first two bytes that Syscall's borrowed
// syscall instruction never overwrites them.
func restoreResources(inj *inject.Injector, tr *tracer.Tracer, fds []image.FdEntry, scratch uint64, log *rlog.Logger) error {
	const pathBufOffset = 64
	pathAddr := scratch + pathBufOffset

	for _, e := range fds {
		buf := append([]byte(e.Path), 0)
		if err := tr.WriteMemory(pathAddr, buf); err != nil {
			return restoreFailed(StepResource, rawResult(err), err)
		}
		opened, err := inj.Open(pathAddr, unix.O_RDWR, 0)
		if err != nil {
			return restoreFailed(StepResource, rawResult(err), err)
		}
		if e.Offset != 0 {
			if _, err := inj.Lseek(opened, int64(e.Offset), unix.SEEK_SET); err != nil {
				return restoreFailed(StepResource, rawResult(err), err)
			}
		}
		if opened != int(e.Fd) {
			if err := inj.Dup2(opened, int(e.Fd)); err != nil {
				return restoreFailed(StepResource, rawResult(err), err)
			}
			if err := inj.Close(opened); err != nil {
				return restoreFailed(StepResource, rawResult(err), err)
			}
		}
		log.Debug("restored descriptor", rlog.KV("fd", e.Fd), rlog.KV("path", e.Path), rlog.KV("offset", e.Offset))
	}
	return nil
}
