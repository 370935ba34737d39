/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package rehydrate

import (
	"fmt"
	"os/exec"
	"syscall"

	"github.com/google/uuid"

	"github.com/gravwell-labs/rehydrate/internal/rlog"
	"github.com/gravwell-labs/rehydrate/pkg/tracer"
)

// Donor is the blank-canvas process spec.md §3/§4.5 restore step 1 spawns:
// a trivial program, already traced, stopped at its very first instruction.
// It is owned exclusively by a Rehydrator from Spawn until its identity is
// overwritten by Release or it is killed by Kill.
type Donor struct {
	ID      uuid.UUID
	cmd     *exec.Cmd
	Tracer  *tracer.Tracer
	log     *rlog.Logger
	claimed bool
}

// spawnDonor execs donorPath(donorArgs...) with PTRACE_TRACEME set on the
// child, and waits for the post-exec SIGTRAP: the kernel stops the new
// image at its entry point before any of its own instructions run, giving
// the Rehydrator exactly the "blank canvas" spec.md §3 describes, without
// relying on any cooperation from the stub's own code to synchronize the
// attach.
func spawnDonor(donorPath string, donorArgs []string, log *rlog.Logger) (*Donor, error) {
	cmd := exec.Command(donorPath, donorArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning donor %q: %w", donorPath, err)
	}
	pid := cmd.Process.Pid

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("waiting for donor exec stop: %w", err)
	}
	if !ws.Stopped() {
		cmd.Process.Kill()
		return nil, fmt.Errorf("donor did not stop after exec, status=%v", ws)
	}

	tr := tracer.New(pid)
	tr.SetOptions(0) // PTRACE_TRACEME already active; no extra options needed

	id := uuid.New()
	log.Debug("donor spawned", rlog.KV("pid", pid), rlog.KV("id", id.String()))

	return &Donor{ID: id, cmd: cmd, Tracer: tr, log: log}, nil
}

// Pid returns the donor's process ID.
func (d *Donor) Pid() int { return d.cmd.Process.Pid }

// Release detaches the Tracer, letting the donor resume as the restored
// process under its own (now overwritten) identity. After Release the
// Rehydrator no longer owns the donor.
func (d *Donor) Release() error {
	if d.claimed {
		return fmt.Errorf("donor %s already released", d.ID)
	}
	d.claimed = true
	d.log.Debug("donor released", rlog.KV("pid", d.Pid()), rlog.KV("id", d.ID.String()))
	return d.Tracer.Detach()
}

// Kill destroys the donor outright: used when a restore attempt fails
// partway through and a half-built address space must not be allowed to
// run (spec.md §4.5 "Failure semantics").
func (d *Donor) Kill() error {
	if d.claimed {
		return nil
	}
	d.claimed = true
	d.log.Warnf("killing donor pid=%d id=%s", d.Pid(), d.ID)
	return d.cmd.Process.Kill()
}

// Wait blocks until the donor (now released, running as the restored
// process) exits, and returns its exit code.
func (d *Donor) Wait() (int, error) {
	err := d.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
