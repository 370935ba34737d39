/*************************************************************************
 * Copyright 2018 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package version reports the build version of the rehydrate binary,
// surfaced by `rehydrate -version` (spec.md names no such flag; this is
// ambient engineering carried over from the teacher regardless).
package version

import (
	"fmt"
	"io"
	"time"
)

const (
	MajorVersion int = 0
	MinorVersion int = 1
	PointVersion int = 0
)

// BuildDate is overwritten at release-build time via -ldflags; the
// placeholder date below marks a dev build.
var BuildDate time.Time = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// ImageFormatVersion is the on-disk image format version this build
// writes and the only one it reads (pkg/image.formatVersion). It is
// reported alongside the binary version since the two evolve together:
// an old rehydrate talking to a new image is the first thing an operator
// needs to rule out when restore fails with a VersionMismatchError.
const ImageFormatVersion = 1

func PrintVersion(wtr io.Writer) {
	fmt.Fprintf(wtr, "Version:\t%d.%d.%d\n", MajorVersion, MinorVersion, PointVersion)
	fmt.Fprintf(wtr, "BuildDate:\t%s\n", BuildDate.Format(`2006-01-02 15:04:05`))
	fmt.Fprintf(wtr, "ImageFormat:\t%d\n", ImageFormatVersion)
}
