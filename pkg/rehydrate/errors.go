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
)

// RestoreStep names the restore-path stage a RestoreFailedError occurred
// in, matching the ordered steps of spec.md §4.5's restore path.
type RestoreStep string

const (
	StepVdsoRemap       RestoreStep = "vdso-remap"
	StepClearMappings   RestoreStep = "clear-donor-mappings"
	StepReinstateRegion RestoreStep = "reinstate-region"
	StepProtect         RestoreStep = "apply-protection"
	StepResource        RestoreStep = "restore-resource"
	StepRegisters       RestoreStep = "install-registers"
)

// ErrRestoreFailed is the sentinel every RestoreFailedError matches via
// errors.Is, per spec.md §7's RestoreFailed(step, raw_result).
var ErrRestoreFailed = errors.New("restore failed")

// RestoreFailedError reports an injected syscall returning a negative
// (errno-encoded) result during a specific restore step, or a direct
// tracer operation (register or memory write) failing in one, in which
// case RawResult is 0. There is no
// partial recovery from this per spec.md §4.5: the caller kills the donor.
type RestoreFailedError struct {
	Step      RestoreStep
	RawResult int64
	Err       error
}

func (e *RestoreFailedError) Error() string {
	return fmt.Sprintf("restore failed at step %s (raw result %d): %v", e.Step, e.RawResult, e.Err)
}

func (e *RestoreFailedError) Unwrap() error { return e.Err }

func (e *RestoreFailedError) Is(target error) bool { return target == ErrRestoreFailed }

func restoreFailed(step RestoreStep, raw int64, err error) error {
	return &RestoreFailedError{Step: step, RawResult: raw, Err: err}
}
