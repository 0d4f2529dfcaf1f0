// Copyright 2025 The gVisor Authors.
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

// Package memerr contains the errors returned by the memory core, exported
// as *errors.Error pointers so that they can be compared with == as well as
// with errors.Is after wrapping.
package memerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/errors"
)

var (
	// ENOMEM is returned when no free frame, no free contiguous run, or no
	// free virtual gap satisfies a request.
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")

	// EINVAL is returned for misaligned addresses or sizes and zero-length
	// requests.
	EINVAL = errors.New(unix.EINVAL, "invalid argument")

	// EEXIST is returned when an exclusive mapping finds an existing
	// translation.
	EEXIST = errors.New(unix.EEXIST, "address already mapped")

	// EFAULT is returned when an address has no translation or no region.
	EFAULT = errors.New(unix.EFAULT, "address not mapped")

	// EBUSY is returned when the target range is already reserved or used.
	EBUSY = errors.New(unix.EBUSY, "range busy")

	// EIO is returned when filling a file-backed page fails.
	EIO = errors.New(unix.EIO, "I/O error")

	// EDOUBLEFREE is returned when releasing a frame that is not allocated.
	EDOUBLEFREE = errors.New(unix.EINVAL, "frame already free")
)

// ToErrno returns the errno carried by err, if any.
func ToErrno(err error) (unix.Errno, bool) {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno(), true
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}
