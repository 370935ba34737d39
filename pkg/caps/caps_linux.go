//go:build linux
// +build linux

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package caps implements some helpers to check Linux capabilities of the
// calling process. rehydrate uses it to fail fast with a clear message
// before handing a kernel EPERM back to the operator as an AttachRefused.
package caps

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	linuxCapV3 = 0x20080522

	All Capabilities = 0xffffffffffffffff
)

// stolen directly from: https://pkg.go.dev/kernel.org/pub/linux/libs/security/libcap/cap#Value
// we are choosing to treat this a BSD 3-clause as laid out in the license note:
// https://pkg.go.dev/kernel.org/pub/linux/libs/security/libcap/cap#section-readme
const (
	CHOWN Capabilities = iota
	DAC_OVERRIDE
	DAC_READ_SEARCH
	FOWNER
	FSETID
	KILL
	SETGID
	SETUID
	SETPCAP
	LINUX_IMMUTABLE
	NET_BIND_SERVICE
	NET_BROADCAST
	NET_ADMIN
	NET_RAW
	IPC_LOCK
	IPC_OWNER
	SYS_MODULE
	SYS_RAWIO
	SYS_CHROOT

	// SYS_PTRACE allows a process to perform a ptrace() of any other
	// process. This is the capability rehydrate's Tracer needs to attach
	// to a target it doesn't own.
	SYS_PTRACE

	SYS_PACCT
	SYS_ADMIN
	SYS_BOOT
	SYS_NICE
	SYS_RESOURCE
	SYS_TIME
	SYS_TTY_CONFIG
	MKNOD
	LEASE
	AUDIT_WRITE
	AUDIT_CONTROL
	SETFCAP
	MAC_OVERRIDE
	MAC_ADMIN
	SYSLOG
	WAKE_ALARM
	BLOCK_SUSPEND
	AUDIT_READ
	PERFMON
	BPF

	// CHECKPOINT_RESTORE allows a process to perform checkpoint and
	// restore operations without the blanket SYS_PTRACE/SYS_ADMIN grant
	// (Linux 5.9+). rehydrate accepts either this or SYS_PTRACE.
	CHECKPOINT_RESTORE
)

const (
	minCap = CHOWN
	maxCap = CHECKPOINT_RESTORE
)

type capHeader struct {
	version uint32
	pid     int
}

type capData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

type Capabilities uint64

func GetCaps() (c Capabilities, err error) {
	//check if we are running as root, if so, just return ALL caps
	if os.Getuid() == 0 || os.Geteuid() == 0 {
		c = All
		return
	}
	hdr := capHeader{
		version: linuxCapV3,
	}
	var data [2]capData
	_, _, e1 := unix.RawSyscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(&hdr)), uintptr(unsafe.Pointer(&data)), 0)
	if e1 != 0 {
		err = e1
		return
	}
	c = Capabilities(uint64(data[0].effective) | (uint64(data[1].effective) << 32))
	return
}

func (c Capabilities) Has(v Capabilities) bool {
	return (c & (1 << v)) != 0
}

func Has(v Capabilities) bool {
	if c, err := GetCaps(); err == nil {
		return c.Has(v)
	}
	return false
}

// CanTrace reports whether the calling process holds either of the two
// capabilities that let the kernel's tracing interface attach to another
// process: the broad, historical SYS_PTRACE or the narrower
// CHECKPOINT_RESTORE introduced for exactly this use case.
func CanTrace() bool {
	return Has(SYS_PTRACE) || Has(CHECKPOINT_RESTORE)
}
