// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dom

import (
	"errors"
	"fmt"

	"xenbuild.dev/xenbuild/pkg/log"
)

// Error classes of a failed build. Every error returned by this package and
// by the loaders and architectures it drives wraps exactly one of these, so
// callers can classify failures with errors.Is.
var (
	// ErrFormatNotRecognized means no loader accepted the kernel.
	ErrFormatNotRecognized = errors.New("kernel format not recognized")

	// ErrInvalidKernelImage means a loader accepted the kernel but its
	// contents are inconsistent.
	ErrInvalidKernelImage = errors.New("invalid kernel image")

	// ErrUnsupportedGuestType means no architecture, or the hypervisor,
	// supports the kernel's guest type.
	ErrUnsupportedGuestType = errors.New("unsupported guest type")

	// ErrUnsupportedFeature means the kernel needs a feature it cannot be
	// given.
	ErrUnsupportedFeature = errors.New("unsupported feature")

	// ErrOutOfMemory means host or guest memory could not be allocated.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrRangeConflict means a request straddles an existing mapping.
	ErrRangeConflict = errors.New("physical range conflict")

	// ErrOutOfRange means a frame lies outside guest memory.
	ErrOutOfRange = errors.New("frame out of range")

	// ErrHypervisorCallFailed means a transport call failed.
	ErrHypervisorCallFailed = errors.New("hypervisor call failed")

	// ErrBadState means a build phase was called out of order, or after an
	// earlier phase failed.
	ErrBadState = errors.New("invalid build state")
)

// HypercallError is a failed transport call.
type HypercallError struct {
	// Op names the domctl or memory operation.
	Op string

	// Err is the transport error.
	Err error
}

// Error implements error.Error.
func (e *HypercallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the error class and the transport error.
func (e *HypercallError) Unwrap() []error {
	return []error{ErrHypervisorCallFailed, e.Err}
}

// Hypercall wraps a non-nil transport error for op.
func Hypercall(op string, err error) error {
	if err == nil {
		return nil
	}
	return &HypercallError{Op: op, Err: err}
}

// internalFault builds a RangeConflict or OutOfRange error. These indicate a
// bookkeeping bug rather than bad input, so they are also logged.
func internalFault(class error, format string, v ...any) error {
	err := fmt.Errorf("%w: %s", class, fmt.Sprintf(format, v...))
	log.Warningf("dom: internal consistency fault: %v", err)
	return err
}

var classes = []error{
	ErrFormatNotRecognized,
	ErrInvalidKernelImage,
	ErrUnsupportedGuestType,
	ErrUnsupportedFeature,
	ErrOutOfMemory,
	ErrRangeConflict,
	ErrOutOfRange,
	ErrHypervisorCallFailed,
	ErrBadState,
}

// classify wraps err with def unless it already belongs to a class.
func classify(err error, def error) error {
	for _, c := range classes {
		if errors.Is(err, c) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", def, err)
}
