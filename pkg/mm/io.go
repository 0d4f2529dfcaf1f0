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

package mm

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/hostarch"
)

// maxFaultRetries bounds the faults taken by one page of an access.
const maxFaultRetries = 3

// ValidateAccess returns nil if every byte of ar lies in regions of as that
// permit at. It does not touch page tables, so demand-filled and
// copy-on-write pages validate before they are faulted in.
func (m *MemoryManager) ValidateAccess(as *AddressSpace, ar hostarch.AddrRange, at hostarch.AccessType) error {
	if !ar.WellFormed() {
		return fmt.Errorf("range %v: %w", ar, memerr.EINVAL)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	for addr := ar.Start; addr < ar.End; {
		r, ok := as.regions.Find(addr, true)
		if !ok || !r.Perms.SupersetOf(at) {
			return fmt.Errorf("access %s at %v in %v: %w", at, addr, as, memerr.EFAULT)
		}
		addr = r.Range.End
	}
	return nil
}

// CopyIn reads len(dst) bytes at addr in as, as the CPU would in the
// address space's privilege mode: translation failures raise page faults,
// and resolved faults are retried. It returns the number of bytes copied.
func (m *MemoryManager) CopyIn(as *AddressSpace, addr hostarch.Addr, dst []byte) (int, error) {
	return m.access(as, addr, dst, hostarch.Read)
}

// CopyOut writes src at addr in as. See CopyIn.
func (m *MemoryManager) CopyOut(as *AddressSpace, addr hostarch.Addr, src []byte) (int, error) {
	return m.access(as, addr, src, hostarch.Write)
}

func (m *MemoryManager) access(as *AddressSpace, addr hostarch.Addr, buf []byte, at hostarch.AccessType) (int, error) {
	if _, ok := addr.AddLength(uint64(len(buf))); !ok {
		return 0, fmt.Errorf("range at %v of %d bytes overflows: %w", addr, len(buf), memerr.EFAULT)
	}
	done := 0
	for done < len(buf) {
		va := addr + hostarch.Addr(done)
		n := min(len(buf)-done, int(hostarch.PageSize-va.PageOffset()))
		if err := m.accessPage(as, va, buf[done:done+n], at); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

// accessPage performs an access that does not cross a page boundary.
func (m *MemoryManager) accessPage(as *AddressSpace, va hostarch.Addr, buf []byte, at hostarch.AccessType) error {
	user := !as.kernel
	for try := 0; ; try++ {
		as.mu.Lock()
		pa, code, ok := as.pt.Translate(va, at, user)
		var err error
		if ok {
			if at.Write {
				_, err = m.mem.WriteAt(buf, pa)
			} else {
				_, err = m.mem.ReadAt(buf, pa)
			}
		}
		as.mu.Unlock()
		if ok {
			return err
		}
		if try == maxFaultRetries {
			return fmt.Errorf("access %s at %v still faults (%v): %w", at, va, code, memerr.EFAULT)
		}
		if err := m.HandlePageFault(FaultContext{Space: as, Addr: va, Info: FromErrorCode(code)}); err != nil {
			return err
		}
	}
}
