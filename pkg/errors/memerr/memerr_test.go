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

package memerr

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestWrappedSentinels(t *testing.T) {
	for _, test := range []struct {
		err   error
		errno unix.Errno
	}{
		{ENOMEM, unix.ENOMEM},
		{EINVAL, unix.EINVAL},
		{EEXIST, unix.EEXIST},
		{EFAULT, unix.EFAULT},
		{EBUSY, unix.EBUSY},
		{EIO, unix.EIO},
		{EDOUBLEFREE, unix.EINVAL},
	} {
		wrapped := fmt.Errorf("allocating frame: %w", test.err)
		if !errors.Is(wrapped, test.err) {
			t.Errorf("errors.Is(%v, %v) = false", wrapped, test.err)
		}
		if !errors.Is(wrapped, test.errno) {
			t.Errorf("errors.Is(%v, %v) = false", wrapped, test.errno)
		}
		if got, ok := ToErrno(wrapped); !ok || got != test.errno {
			t.Errorf("ToErrno(%v) = (%v, %v), want (%v, true)", wrapped, got, ok, test.errno)
		}
	}
}

func TestDistinctSentinels(t *testing.T) {
	if errors.Is(EDOUBLEFREE, EINVAL) {
		t.Errorf("EDOUBLEFREE must not match EINVAL as a sentinel")
	}
	if errors.Is(ENOMEM, EBUSY) {
		t.Errorf("ENOMEM must not match EBUSY")
	}
}

func TestToErrnoUnknown(t *testing.T) {
	if _, ok := ToErrno(errors.New("plain")); ok {
		t.Errorf("ToErrno of a plain error should fail")
	}
}
