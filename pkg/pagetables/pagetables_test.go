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

package pagetables

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/bootinfo"
	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/physmem"
	"gvisor.dev/vmcore/pkg/pmm"
)

const (
	ramBase = 0x100000
	ramSize = 0x800000
)

type testFormat struct {
	kind Format

	// kernelAddr is an address in the kernel half.
	kernelAddr hostarch.Addr

	huge uint64
}

var testFormats = []testFormat{
	{kind: X86, kernelAddr: 0xc0400000, huge: 4 << 20},
	{kind: AMD64, kernelAddr: 0xffffc00000000000, huge: 2 << 20},
}

type fixture struct {
	mem    *physmem.Memory
	frames *pmm.Allocator
	kernel *PageTables
}

func newFixture(t *testing.T, kind Format) *fixture {
	t.Helper()
	mem, err := physmem.New([]physmem.Extent{{Name: "ram", Base: ramBase, Size: ramSize}})
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Release() })
	frames, err := pmm.New(bootinfo.MemoryMap{{Base: ramBase, Length: ramSize, Type: bootinfo.Available}}, pmm.Opts{})
	if err != nil {
		t.Fatalf("pmm.New failed: %v", err)
	}
	k, err := New(kind, NewRuntimeAllocator(frames, mem), mem)
	if err != nil {
		t.Fatalf("New(%s) failed: %v", kind, err)
	}
	return &fixture{mem: mem, frames: frames, kernel: k}
}

func (f *fixture) derived(t *testing.T) *PageTables {
	t.Helper()
	d, err := f.kernel.NewDerived()
	if err != nil {
		t.Fatalf("NewDerived failed: %v", err)
	}
	return d
}

func forEachFormat(t *testing.T, fn func(t *testing.T, tf testFormat, f *fixture)) {
	for _, tf := range testFormats {
		t.Run(string(tf.kind), func(t *testing.T) {
			fn(t, tf, newFixture(t, tf.kind))
		})
	}
}

var userRWX = MapOpts{AccessType: hostarch.AnyAccess, User: true, Create: true}

func TestMapUnmapRoundTrip(t *testing.T) {
	forEachFormat(t, func(t *testing.T, tf testFormat, f *fixture) {
		pt := f.derived(t)
		const addr = hostarch.Addr(0x400000)
		if err := pt.Map(addr, 0x200000, userRWX); err != nil {
			t.Fatalf("Map got err %v want nil", err)
		}
		want := Entry{Addr: addr, Phys: 0x200000, Size: hostarch.PageSize, Opts: MapOpts{AccessType: hostarch.AnyAccess, User: true}}
		got, ok := pt.Lookup(addr + 0x123)
		if !ok {
			t.Fatalf("Lookup(%v) found nothing", addr+0x123)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Lookup mismatch (-want +got):\n%s", diff)
		}
		if pa, ok := pt.GetPhysicalAddress(addr + 0x123); !ok || pa != 0x200123 {
			t.Errorf("GetPhysicalAddress = %#x, %v, want 0x200123", pa, ok)
		}

		if _, err := pt.Unmap(addr); err != nil {
			t.Fatalf("Unmap got err %v want nil", err)
		}
		if pt.IsMapped(addr) {
			t.Errorf("IsMapped after Unmap = true")
		}
		if got := pt.TableFrames(); got != 1 {
			t.Errorf("TableFrames() after Unmap = %d, want 1 (root only)", got)
		}

		if err := pt.Map(addr, 0x300000, userRWX); err != nil {
			t.Fatalf("second Map got err %v want nil", err)
		}
		if pa, ok := pt.GetPhysicalAddress(addr); !ok || pa != 0x300000 {
			t.Errorf("GetPhysicalAddress after remap = %#x, %v, want 0x300000", pa, ok)
		}
	})
}

func TestMapErrors(t *testing.T) {
	forEachFormat(t, func(t *testing.T, tf testFormat, f *fixture) {
		pt := f.derived(t)
		if err := pt.Map(0x1000, 0x200000, userRWX); err != nil {
			t.Fatalf("Map got err %v want nil", err)
		}
		nonCanonical := hostarch.Addr(1 << 32)
		if tf.kind == AMD64 {
			nonCanonical = 0x0000800000000000
		}
		for _, test := range []struct {
			name string
			fn   func() error
			want error
		}{
			{
				name: "no create",
				fn:   func() error { return pt.Map(0x40000000, 0x200000, MapOpts{AccessType: hostarch.Read}) },
				want: memerr.EFAULT,
			},
			{
				name: "exclusive",
				fn: func() error {
					return pt.Map(0x1000, 0x201000, MapOpts{AccessType: hostarch.Read, Create: true, Exclusive: true})
				},
				want: memerr.EEXIST,
			},
			{
				name: "unaligned",
				fn:   func() error { return pt.Map(0x1800, 0x200000, userRWX) },
				want: memerr.EINVAL,
			},
			{
				name: "no access",
				fn:   func() error { return pt.Map(0x2000, 0x200000, MapOpts{Create: true}) },
				want: memerr.EINVAL,
			},
			{
				name: "bad size",
				fn:   func() error { return pt.Map(0, 0, MapOpts{AccessType: hostarch.Read, Size: 0x10000, Create: true}) },
				want: memerr.EINVAL,
			},
			{
				name: "non-canonical",
				fn:   func() error { return pt.Map(nonCanonical, 0x200000, userRWX) },
				want: memerr.EINVAL,
			},
			{
				name: "kernel half from derived",
				fn:   func() error { return pt.Map(tf.kernelAddr, 0x200000, userRWX) },
				want: memerr.EINVAL,
			},
			{
				name: "unmap absent",
				fn:   func() error { _, err := pt.Unmap(0x3000); return err },
				want: memerr.EFAULT,
			},
			{
				name: "protect absent",
				fn:   func() error { return pt.Protect(0x3000, userRWX) },
				want: memerr.EFAULT,
			},
		} {
			t.Run(test.name, func(t *testing.T) {
				if err := test.fn(); !errors.Is(err, test.want) {
					t.Errorf("got err %v want %v", err, test.want)
				}
			})
		}
		// The exclusive failure must not have replaced the mapping.
		if pa, _ := pt.GetPhysicalAddress(0x1000); pa != 0x200000 {
			t.Errorf("mapping changed to %#x", pa)
		}
	})
}

func TestHugePages(t *testing.T) {
	forEachFormat(t, func(t *testing.T, tf testFormat, f *fixture) {
		pt := f.derived(t)
		const addr = hostarch.Addr(0x40000000)
		phys := tf.huge * 2
		if err := pt.Map(addr, phys, MapOpts{AccessType: hostarch.ReadWrite, User: true, Huge: true, Create: true}); err != nil {
			t.Fatalf("Map huge got err %v want nil", err)
		}
		e, ok := pt.Lookup(addr + 0x1234)
		if !ok || e.Size != tf.huge || e.Phys != phys || e.Addr != addr || !e.Opts.Huge {
			t.Fatalf("Lookup = %+v, %v, want huge page at %#x", e, ok, phys)
		}
		if pa, ok := pt.GetPhysicalAddress(addr + hostarch.Addr(tf.huge) - 1); !ok || pa != phys+tf.huge-1 {
			t.Errorf("GetPhysicalAddress of last byte = %#x, %v", pa, ok)
		}
		if err := pt.Map(addr, phys, MapOpts{AccessType: hostarch.Read, Create: true, Exclusive: true}); !errors.Is(err, memerr.EEXIST) {
			t.Errorf("exclusive 4K map inside huge page got err %v want EEXIST", err)
		}

		// Mapping a small page inside the large page splits it.
		mid := addr + hostarch.Addr(tf.huge/2)
		if err := pt.Map(mid, 0x7000, MapOpts{AccessType: hostarch.Read, User: true, Create: true}); err != nil {
			t.Fatalf("Map inside huge page got err %v want nil", err)
		}
		for _, test := range []struct {
			addr hostarch.Addr
			want uint64
		}{
			{addr + 0x1234, phys + 0x1234},
			{mid, 0x7000},
			{mid + 0x1000, phys + tf.huge/2 + 0x1000},
		} {
			if pa, ok := pt.GetPhysicalAddress(test.addr); !ok || pa != test.want {
				t.Errorf("GetPhysicalAddress(%v) = %#x, %v, want %#x", test.addr, pa, ok, test.want)
			}
		}
		if e, _ := pt.Lookup(addr); e.Size != hostarch.PageSize || !e.Opts.AccessType.Write {
			t.Errorf("split page = %+v, want writable 4K page", e)
		}

		// A large page cannot replace a table of small pages.
		if err := pt.Map(addr, phys, MapOpts{AccessType: hostarch.Read, Huge: true, Create: true}); !errors.Is(err, memerr.EEXIST) {
			t.Errorf("huge map over table got err %v want EEXIST", err)
		}
	})
}

func TestGiantPage(t *testing.T) {
	f := newFixture(t, AMD64)
	pt := f.derived(t)
	if got, want := pt.PageSizes(), []uint64{1 << 12, 1 << 21, 1 << 30}; !cmp.Equal(got, want) {
		t.Errorf("PageSizes() = %v, want %v", got, want)
	}
	if err := pt.Map(1<<30, 1<<30, MapOpts{AccessType: hostarch.Read, Size: 1 << 30, Create: true}); err != nil {
		t.Fatalf("Map 1 GiB page got err %v want nil", err)
	}
	if pa, ok := pt.GetPhysicalAddress(1<<30 + 0x12345678); !ok || pa != 1<<30+0x12345678 {
		t.Errorf("GetPhysicalAddress = %#x, %v", pa, ok)
	}
	// root + PDPT.
	if got := pt.TableFrames(); got != 2 {
		t.Errorf("TableFrames() = %d, want 2", got)
	}
}

func TestKernelHalfShared(t *testing.T) {
	forEachFormat(t, func(t *testing.T, tf testFormat, f *fixture) {
		k := f.kernel
		d := f.derived(t)
		opts := MapOpts{AccessType: hostarch.ReadWrite, Global: true, Create: true}

		// Created after d, so the root entry must be propagated.
		if err := k.Map(tf.kernelAddr, 0x200000, opts); err != nil {
			t.Fatalf("kernel Map got err %v want nil", err)
		}
		if pa, ok := d.GetPhysicalAddress(tf.kernelAddr); !ok || pa != 0x200000 {
			t.Errorf("derived GetPhysicalAddress = %#x, %v, want 0x200000", pa, ok)
		}
		if _, _, ok := d.Translate(tf.kernelAddr, hostarch.Read, false); !ok {
			t.Errorf("supervisor read through derived failed")
		}
		if _, code, ok := d.Translate(tf.kernelAddr, hostarch.Read, true); ok || code != ErrPresent|ErrUser {
			t.Errorf("user read of kernel page = %v, %v, want fault present|user", ok, code)
		}

		// Created before d2, so it is copied.
		d2 := f.derived(t)
		if !d2.IsMapped(tf.kernelAddr) {
			t.Errorf("new address space does not see kernel mapping")
		}

		// Unmapping in the kernel must not leave a stale translation.
		if _, err := k.Unmap(tf.kernelAddr); err != nil {
			t.Fatalf("kernel Unmap got err %v want nil", err)
		}
		if _, code, ok := d.Translate(tf.kernelAddr, hostarch.Read, false); ok || code != 0 {
			t.Errorf("Translate after kernel Unmap = %v, %v, want not-present fault", ok, code)
		}

		// User halves are private.
		if err := d.Map(0x1000, 0x200000, userRWX); err != nil {
			t.Fatalf("Map got err %v want nil", err)
		}
		if k.IsMapped(0x1000) || d2.IsMapped(0x1000) {
			t.Errorf("user mapping leaked into another address space")
		}
	})
}

func TestTranslatePermissions(t *testing.T) {
	forEachFormat(t, func(t *testing.T, tf testFormat, f *fixture) {
		pt := f.derived(t)
		const (
			userRO     = hostarch.Addr(0x400000)
			kernelRW   = hostarch.Addr(0x401000)
			unmapped   = hostarch.Addr(0x800000)
			userROPhys = 0x200000
		)
		if err := pt.Map(userRO, userROPhys, MapOpts{AccessType: hostarch.Read, User: true, Create: true}); err != nil {
			t.Fatalf("Map got err %v want nil", err)
		}
		if err := pt.Map(kernelRW, 0x201000, MapOpts{AccessType: hostarch.ReadWrite, Create: true}); err != nil {
			t.Fatalf("Map got err %v want nil", err)
		}
		execFault := ErrPresent | ErrInstructionFetch | ErrUser
		if tf.kind == X86 {
			execFault = 0
		}
		for _, test := range []struct {
			name string
			addr hostarch.Addr
			at   hostarch.AccessType
			user bool
			want ErrorCode
		}{
			{name: "user read", addr: userRO + 8, at: hostarch.Read, user: true},
			{name: "user write read-only", addr: userRO, at: hostarch.Write, user: true, want: ErrPresent | ErrWrite | ErrUser},
			{name: "user exec", addr: userRO, at: hostarch.Execute, user: true, want: execFault},
			{name: "user read supervisor", addr: kernelRW, at: hostarch.Read, user: true, want: ErrPresent | ErrUser},
			{name: "kernel write", addr: kernelRW, at: hostarch.Write},
			{name: "kernel write read-only", addr: userRO, at: hostarch.Write, want: ErrPresent | ErrWrite},
			{name: "not present", addr: unmapped, at: hostarch.Read, user: true, want: ErrUser},
		} {
			t.Run(test.name, func(t *testing.T) {
				// Run twice so the second lookup may be served by the TLB.
				for i := 0; i < 2; i++ {
					_, code, ok := pt.Translate(test.addr, test.at, test.user)
					if ok != (test.want == 0) || code != test.want {
						t.Errorf("Translate(%v, %v, user=%v) = ok %v code %v, want %v", test.addr, test.at, test.user, ok, code, test.want)
					}
				}
			})
		}
		if pa, _, ok := pt.Translate(userRO+8, hostarch.Read, true); !ok || pa != userROPhys+8 {
			t.Errorf("Translate = %#x, %v, want %#x", pa, ok, userROPhys+8)
		}
		if s := pt.TLBStats(); s.Hits == 0 || s.Entries == 0 {
			t.Errorf("TLB was not used: %+v", s)
		}

		// Protect takes effect immediately despite the cached translation.
		if err := pt.Protect(userRO, MapOpts{AccessType: hostarch.ReadWrite, User: true}); err != nil {
			t.Fatalf("Protect got err %v want nil", err)
		}
		if _, code, ok := pt.Translate(userRO, hostarch.Write, true); !ok {
			t.Errorf("write after Protect faulted with %v", code)
		}
	})
}

func TestReservedBit(t *testing.T) {
	forEachFormat(t, func(t *testing.T, tf testFormat, f *fixture) {
		pt := f.derived(t)
		const addr = hostarch.Addr(0x40000000)
		if err := pt.Map(addr, tf.huge*2, MapOpts{AccessType: hostarch.Read, User: true, Huge: true, Create: true}); err != nil {
			t.Fatalf("Map got err %v want nil", err)
		}
		pa, ok := pt.EntryAddress(addr)
		if !ok {
			t.Fatalf("EntryAddress(%v) found nothing", addr)
		}
		// Bit 13 of a large page entry is reserved in both formats.
		switch tf.kind {
		case X86:
			raw, _ := f.mem.Load32(pa)
			f.mem.Store32(pa, raw|1<<13)
		case AMD64:
			raw, _ := f.mem.Load64(pa)
			f.mem.Store64(pa, raw|1<<13)
		}
		pt.FlushTLB()
		if _, code, ok := pt.Translate(addr, hostarch.Read, true); ok || code != ErrPresent|ErrReserved|ErrUser {
			t.Errorf("Translate = %v, %v, want present|reserved|user", ok, code)
		}
	})
}

func TestCloneInto(t *testing.T) {
	forEachFormat(t, func(t *testing.T, tf testFormat, f *fixture) {
		parent := f.derived(t)
		frame, err := f.frames.Allocate()
		if err != nil {
			t.Fatalf("Allocate got err %v want nil", err)
		}
		payload := []byte("parent page")
		if _, err := f.mem.WriteAt(payload, frame.Address()); err != nil {
			t.Fatalf("WriteAt got err %v want nil", err)
		}
		const addr = hostarch.Addr(0x10000)
		if err := parent.Map(addr, frame.Address(), MapOpts{AccessType: hostarch.ReadWrite, User: true, Create: true}); err != nil {
			t.Fatalf("Map got err %v want nil", err)
		}
		if err := f.kernel.Map(tf.kernelAddr, 0x200000, MapOpts{AccessType: hostarch.Read, Create: true}); err != nil {
			t.Fatalf("kernel Map got err %v want nil", err)
		}

		child := f.derived(t)
		copies := 0
		newFrame := func(size uint64) (uint64, error) {
			copies++
			fr, err := f.frames.AllocateContiguous(size / hostarch.PageSize)
			return fr.Address(), err
		}
		if err := parent.CloneInto(child, EagerCopy(f.mem, newFrame)); err != nil {
			t.Fatalf("CloneInto got err %v want nil", err)
		}
		if copies != 1 {
			t.Errorf("copied %d pages, want 1 (kernel half is shared, not cloned)", copies)
		}
		pe, _ := parent.Lookup(addr)
		ce, ok := child.Lookup(addr)
		if !ok {
			t.Fatalf("child has no mapping at %v", addr)
		}
		if ce.Phys == pe.Phys {
			t.Errorf("child shares frame %#x with parent", ce.Phys)
		}
		if diff := cmp.Diff(pe.Opts, ce.Opts); diff != "" {
			t.Errorf("child options mismatch (-parent +child):\n%s", diff)
		}
		got := make([]byte, len(payload))
		f.mem.ReadAt(got, ce.Phys)
		if string(got) != string(payload) {
			t.Errorf("child page = %q, want %q", got, payload)
		}

		if err := parent.CloneInto(parent, EagerCopy(f.mem, newFrame)); !errors.Is(err, memerr.EINVAL) {
			t.Errorf("CloneInto self got err %v want EINVAL", err)
		}
		if err := parent.CloneInto(child, nil); !errors.Is(err, memerr.EINVAL) {
			t.Errorf("CloneInto with nil func got err %v want EINVAL", err)
		}
	})
}

func TestWalk(t *testing.T) {
	forEachFormat(t, func(t *testing.T, tf testFormat, f *fixture) {
		pt := f.derived(t)
		for _, addr := range []hostarch.Addr{0x400000, 0x1000, 0x5000} {
			if err := pt.Map(addr, 0x200000, userRWX); err != nil {
				t.Fatalf("Map(%v) got err %v want nil", addr, err)
			}
		}
		var got []hostarch.Addr
		if err := pt.Walk(hostarch.AddrRange{Start: 0x2000, End: 0x500000}, func(e Entry) bool {
			got = append(got, e.Addr)
			return true
		}); err != nil {
			t.Fatalf("Walk got err %v want nil", err)
		}
		if diff := cmp.Diff([]hostarch.Addr{0x5000, 0x400000}, got); diff != "" {
			t.Errorf("Walk mismatch (-want +got):\n%s", diff)
		}

		n := 0
		pt.Walk(pt.Layout().User, func(Entry) bool {
			n++
			return false
		})
		if n != 1 {
			t.Errorf("Walk visited %d entries after stop, want 1", n)
		}

		// The very top of the kernel range.
		top := pt.Layout().Kernel.End - hostarch.PageSize
		if err := f.kernel.Map(top, 0x200000, MapOpts{AccessType: hostarch.Read, Create: true}); err != nil {
			t.Fatalf("Map(%v) got err %v want nil", top, err)
		}
		got = nil
		f.kernel.Walk(pt.Layout().Kernel, func(e Entry) bool {
			got = append(got, e.Addr)
			return true
		})
		if diff := cmp.Diff([]hostarch.Addr{top}, got); diff != "" {
			t.Errorf("kernel Walk mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRelease(t *testing.T) {
	forEachFormat(t, func(t *testing.T, tf testFormat, f *fixture) {
		total := f.frames.TotalFrames()
		if err := f.kernel.Map(tf.kernelAddr, 0x200000, MapOpts{AccessType: hostarch.Read, Create: true}); err != nil {
			t.Fatalf("kernel Map got err %v want nil", err)
		}
		before := f.frames.FreeFrames()
		d := f.derived(t)
		for i := 0; i < 4; i++ {
			addr := hostarch.Addr(i) << 28
			if err := d.Map(addr, 0x200000, userRWX); err != nil {
				t.Fatalf("Map(%v) got err %v want nil", addr, err)
			}
		}
		if err := f.kernel.Release(); !errors.Is(err, memerr.EBUSY) {
			t.Errorf("kernel Release with live address space got err %v want EBUSY", err)
		}
		if err := d.Release(); err != nil {
			t.Fatalf("Release got err %v want nil", err)
		}
		if got := f.frames.FreeFrames(); got != before {
			t.Errorf("FreeFrames() after Release = %d, want %d", got, before)
		}
		if err := f.kernel.Release(); err != nil {
			t.Fatalf("kernel Release got err %v want nil", err)
		}
		if got := f.frames.FreeFrames(); got != total {
			t.Errorf("FreeFrames() after kernel Release = %d, want %d", got, total)
		}
	})
}

func TestErrorCodeString(t *testing.T) {
	for _, test := range []struct {
		code ErrorCode
		want string
	}{
		{0, "none"},
		{ErrPresent | ErrWrite | ErrUser, "present|write|user"},
		{ErrReserved | ErrInstructionFetch, "reserved|ifetch"},
	} {
		if got := fmt.Sprint(test.code); got != test.want {
			t.Errorf("%d.String() = %q, want %q", uint32(test.code), got, test.want)
		}
	}
}
