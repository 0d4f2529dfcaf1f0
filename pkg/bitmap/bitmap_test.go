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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(130)
	for _, i := range []uint32{0, 63, 64, 129} {
		b.Add(i)
	}
	b.Add(63) // idempotent
	if got := b.GetNumOnes(); got != 4 {
		t.Errorf("GetNumOnes() = %d, want 4", got)
	}
	if diff := cmp.Diff([]uint32{0, 63, 64, 129}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice() mismatch (-want +got):\n%s", diff)
	}
	b.Remove(63)
	b.Remove(63)
	if b.Contains(63) || !b.Contains(64) {
		t.Errorf("Contains mismatch after Remove")
	}
	if got := b.GetNumOnes(); got != 3 {
		t.Errorf("GetNumOnes() = %d, want 3", got)
	}
}

func TestFirstZeroRespectsSize(t *testing.T) {
	b := New(4)
	for i := uint32(0); i < 4; i++ {
		if got, err := b.FirstZero(0); err != nil || got != i {
			t.Fatalf("FirstZero(0) = (%d, %v), want %d", got, err, i)
		}
		b.Add(i)
	}
	// Bits 4..63 of the only block are beyond the bitmap and must not be
	// reported as free.
	if got, err := b.FirstZero(0); err == nil {
		t.Errorf("FirstZero on full bitmap = %d, want error", got)
	}
}

func TestRanges(t *testing.T) {
	b := New(200)
	b.SetRange(10, 150)
	if got := b.GetNumOnes(); got != 140 {
		t.Errorf("after SetRange GetNumOnes() = %d, want 140", got)
	}
	if got := b.CountOnes(0, 64); got != 54 {
		t.Errorf("CountOnes(0, 64) = %d, want 54", got)
	}
	b.SetRange(0, 20) // overlapping set counts only new bits
	if got := b.GetNumOnes(); got != 150 {
		t.Errorf("GetNumOnes() = %d, want 150", got)
	}
	b.ClearRange(60, 130)
	if got := b.GetNumOnes(); got != 80 {
		t.Errorf("after ClearRange GetNumOnes() = %d, want 80", got)
	}
	if b.Contains(60) || b.Contains(129) || !b.Contains(59) || !b.Contains(130) {
		t.Errorf("ClearRange cleared the wrong bits: %v", b.ToSlice())
	}
	b.ClearRange(0, 200)
	if !b.IsEmpty() {
		t.Errorf("bitmap not empty after clearing everything")
	}
}

func TestFindZeroRun(t *testing.T) {
	for _, test := range []struct {
		name  string
		size  uint32
		used  []uint32
		n     uint32
		align uint32
		want  uint32
		ok    bool
	}{
		{name: "empty", size: 16, n: 4, want: 0, ok: true},
		{name: "skip used prefix", size: 16, used: []uint32{0, 1}, n: 4, want: 2, ok: true},
		{name: "hole too small", size: 16, used: []uint32{2, 5}, n: 3, want: 6, ok: true},
		{name: "aligned", size: 16, used: []uint32{0}, n: 4, align: 4, want: 4, ok: true},
		{name: "across blocks", size: 130, used: []uint32{62}, n: 66, want: 63, ok: true},
		{name: "exact fit at end", size: 8, used: []uint32{0, 1, 2, 3}, n: 4, want: 4, ok: true},
		{name: "no run", size: 8, used: []uint32{3}, n: 5, ok: false},
		{name: "too large", size: 8, n: 9, ok: false},
		{name: "zero", size: 8, n: 0, ok: false},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := New(test.size)
			for _, i := range test.used {
				b.Add(i)
			}
			got, ok := b.FindZeroRun(test.n, 0, test.align)
			if ok != test.ok {
				t.Fatalf("FindZeroRun(%d) ok = %v, want %v", test.n, ok, test.ok)
			}
			if ok && got != test.want {
				t.Errorf("FindZeroRun(%d) = %d, want %d", test.n, got, test.want)
			}
		})
	}
}

func TestClone(t *testing.T) {
	b := New(10)
	b.Add(3)
	c := b.Clone()
	c.Add(4)
	if b.Contains(4) {
		t.Errorf("Clone shares storage with original")
	}
	if c.GetNumOnes() != 2 || b.GetNumOnes() != 1 {
		t.Errorf("unexpected counts: clone %d, original %d", c.GetNumOnes(), b.GetNumOnes())
	}
}
