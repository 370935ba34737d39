/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import "syscall"

// runDonorStub is the hidden hand side of restore's "spawn a donor" step
// (spec.md §4.5). The Rehydrator execs this binary with `donor` as argv[1]
// and PTRACE_TRACEME already armed via SysProcAttr, so the kernel stops
// this process at its ELF entry point before a single instruction of it
// - runtime init included - ever runs. This function body is therefore
// scaffolding for the case restore's attach races the exec trap: if it is
// ever reached directly, the donor raises SIGSTOP on itself and parks, a
// second line of defense giving the Rehydrator the same known-stopped
// blank canvas by a different route.
func runDonorStub() {
	syscall.Kill(syscall.Getpid(), syscall.SIGSTOP)
	select {}
}
