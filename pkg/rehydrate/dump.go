/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package rehydrate is the conductor (spec.md §4.5, ~45% of the core): it
// drives the Tracer, Map Enumerator, Image Codec, and Syscall Injector to
// produce an image from a live target (Dump) and to rebuild a live target
// from an image (Restore).
package rehydrate

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/gravwell-labs/rehydrate/internal/rlog"
	"github.com/gravwell-labs/rehydrate/pkg/image"
	"github.com/gravwell-labs/rehydrate/pkg/memmap"
	"github.com/gravwell-labs/rehydrate/pkg/region"
	"github.com/gravwell-labs/rehydrate/pkg/tracer"
)

// DumpOptions configures a single Dump call.
type DumpOptions struct {
	Compress bool
}

// Dump attaches to pid, captures its register file and reachable memory,
// and writes the resulting image to w. On return the target is detached
// and left stopped; the caller decides whether to let it continue (spec.md
// §4.5 dump path step 7).
func Dump(pid int, w io.Writer, opts DumpOptions, log *rlog.Logger) (err error) {
	tr := tracer.New(pid)
	if err := tr.Attach(); err != nil {
		return fmt.Errorf("attaching to pid %d: %w", pid, err)
	}
	defer func() {
		// PTRACE_DETACH alone resumes the target; a SIGSTOP queued first is
		// delivered once the tracer lets go, so the target stays stopped.
		if kerr := unix.Kill(pid, unix.SIGSTOP); kerr != nil && err == nil {
			err = fmt.Errorf("stopping pid %d before detach: %w", pid, kerr)
		}
		if derr := tr.Detach(); derr != nil && err == nil {
			err = fmt.Errorf("detaching from pid %d: %w", pid, derr)
		}
	}()

	regs, err := tr.GetRegisters()
	if err != nil {
		return fmt.Errorf("capturing registers: %w", err)
	}

	enumerator := memmap.New()
	regions, err := enumerator.Enumerate(pid)
	if err != nil {
		return fmt.Errorf("enumerating regions: %w", err)
	}

	iw := image.NewWriter(w, image.WithCompression(opts.Compress))
	hdr := image.Header{ID: uuid.New(), Arch: image.ArchAMD64, Registers: regs}
	if err := iw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing image header: %w", err)
	}
	log.Info("dump started", rlog.KV("pid", pid), rlog.KV("image_id", hdr.ID.String()), rlog.KV("regions", len(regions)))

	for _, r := range regions {
		if err := dumpRegion(tr, iw, r, log); err != nil {
			return err
		}
	}

	fds, err := listFdEntries(pid)
	if err != nil {
		return fmt.Errorf("enumerating descriptors: %w", err)
	}
	for _, fd := range fds {
		if err := iw.WriteFdEntry(fd); err != nil {
			return fmt.Errorf("writing fd entry: %w", err)
		}
	}

	if err := iw.WriteEnd(); err != nil {
		return fmt.Errorf("writing terminator: %w", err)
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("finalizing image: %w", err)
	}
	log.Info("dump complete", rlog.KV("pid", pid), rlog.KV("image_id", hdr.ID.String()))
	return nil
}

func dumpRegion(tr *tracer.Tracer, iw *image.Writer, r region.MemoryRegion, log *rlog.Logger) error {
	switch r.Kind {
	case region.Vvar, region.Vsyscall:
		log.Region("skipping system region", r)
		return nil
	case region.Vdso:
		log.Region("recording vdso stub", r)
		return iw.WriteRegion(r)
	case region.SharedAnon:
		log.Warn("shared-anonymous region loses shared identity on restore", rlog.KV("start", fmt.Sprintf("%#x", r.Start)), rlog.KV("end", fmt.Sprintf("%#x", r.End)))
	}

	payload, err := tr.ReadMemory(r.Start, int(r.Len()))
	if err != nil {
		return fmt.Errorf("reading region %s [%#x,%#x): %w", r.Kind, r.Start, r.End, err)
	}
	r.Payload = payload
	log.Region("captured region", r)
	return iw.WriteRegion(r)
}
