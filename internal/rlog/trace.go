/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package rlog

import (
	"fmt"

	"github.com/crewjam/rfc5424"

	"github.com/gravwell-labs/rehydrate/pkg/region"
)

// KV builds a single RFC5424 structured-data parameter, mirroring the
// teacher's ingest/log.KV helper.
func KV(name string, value interface{}) (r rfc5424.SDParam) {
	r.Name = name
	if s, ok := value.(string); ok {
		r.Value = s
	} else {
		r.Value = fmt.Sprintf("%v", value)
	}
	return
}

func KVErr(err error) rfc5424.SDParam {
	return KV("error", err)
}

// Region logs one structured line per memory region, gated behind -v 3
// (Logger.Tracing). The Rehydrator calls this for each region a dump
// captures or skips, and again for each donor mapping it clears and each
// region it reinstates on restore, so a restore that dies partway through
// region reinstatement can be diagnosed from which region's log line is
// last. The Map Enumerator itself does not log.
func (l *Logger) Region(msg string, r region.MemoryRegion) {
	if !l.trace {
		return
	}
	l.Debug(msg,
		KV("kind", r.Kind),
		KV("start", fmt.Sprintf("%#x", r.Start)),
		KV("end", fmt.Sprintf("%#x", r.End)),
		KV("prot", r.Prot),
		KV("path", r.Path),
	)
}

// Syscall logs one structured line per syscall the Injector executes inside
// a traced process, gated behind -v 3.
func (l *Logger) Syscall(msg string, nr uintptr, result int64) {
	if !l.trace {
		return
	}
	l.Debug(msg, KV("nr", nr), KV("result", result))
}
