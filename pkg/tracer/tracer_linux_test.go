/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build linux

package tracer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravwell-labs/rehydrate/pkg/region"
)

func TestRegisterConversionRoundTrip(t *testing.T) {
	rs := region.RegisterSet{
		R15: 1, R14: 2, R13: 3, R12: 4, Rbp: 5, Rbx: 6,
		R11: 7, R10: 8, R9: 9, R8: 10,
		Rax: 11, Rcx: 12, Rdx: 13, Rsi: 14, Rdi: 15,
		OrigRax: 16, Rip: 0x400000, Cs: 0x33, Eflags: 0x246, Rsp: 0x7ffe0000, Ss: 0x2b,
		FsBase: 0xdead, GsBase: 0xbeef, Ds: 0, Es: 0, Fs: 0, Gs: 0,
	}
	got := fromPtraceRegs(toPtraceRegs(rs))
	require.Equal(t, rs, got)
}
