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

package hostarch

import "fmt"

// MemoryType specifies CPU memory access behavior for a mapping. Only the
// types expressible with the PWT and PCD page-table bits are supported;
// the PAT is never reprogrammed.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is normal cacheable memory. It must be the zero
	// value for MemoryType.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteThrough caches reads but writes through to memory
	// (PWT set).
	MemoryTypeWriteThrough

	// MemoryTypeUncached disables caching entirely (PCD set). Device
	// registers must be mapped with this type.
	MemoryTypeUncached

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeWriteThrough:
		return "WriteThrough"
	case MemoryTypeUncached:
		return "Uncached"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WB"
	case MemoryTypeWriteThrough:
		return "WT"
	case MemoryTypeUncached:
		return "UC"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}
