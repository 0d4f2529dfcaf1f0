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

// Package bitmap provides a fixed-size bitmap used to track frame
// allocation state. Bit i set means frame i of a region is in use.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are supported by this Bitmap
// implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap implements an efficient fixed-size bitmap.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of valid bits. Bits at or beyond size in the last
	// block are always zero.
	size uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New create a new empty Bitmap of size bits.
func New(size uint32) Bitmap {
	if size > MaxBitEntryLimit {
		panic(fmt.Sprintf("bitmap size %d exceeds limit %d", size, MaxBitEntryLimit))
	}
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// GetNumOnes return the the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// Contains returns true if bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	b.checkIndex(i)
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	b.checkIndex(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	b.checkIndex(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

func (b *Bitmap) checkIndex(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
}

// FirstZero returns the first unset bit from the range [start, size).
func (b *Bitmap) FirstZero(start uint32) (bit uint32, err error) {
	if start >= b.size {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w)) + uint32(i*64)
			if r >= b.size {
				break
			}
			return r, nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no unset bits")
}

// FirstOne returns the first set bit from the range [start, size).
func (b *Bitmap) FirstOne(start uint32) (bit uint32, err error) {
	if start >= b.size {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] & (math.MaxUint64 << nbit)
	for {
		if w != uint64(0) {
			r := bits.TrailingZeros64(w)
			return uint32(r + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no set bits")
}

// FindZeroRun returns the first index >= start, aligned to align (a power of
// two, or 0/1 for no alignment), at which n consecutive bits are unset.
func (b *Bitmap) FindZeroRun(n, start, align uint32) (uint32, bool) {
	if n == 0 || n > b.size {
		return MaxBitEntryLimit, false
	}
	if align <= 1 {
		align = 1
	}
	pos := alignUp(start, align)
	for pos <= b.size-n {
		zero, err := b.FirstZero(pos)
		if err != nil {
			return MaxBitEntryLimit, false
		}
		if zero != pos {
			pos = alignUp(zero, align)
			continue
		}
		// [pos, pos+n) is a candidate; find the first set bit inside it.
		one, err := b.FirstOne(pos)
		if err != nil || one >= pos+n {
			return pos, true
		}
		pos = alignUp(one+1, align)
	}
	return MaxBitEntryLimit, false
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// rangeMask returns the mask of bits [lo, hi) within a single block, where
// 0 <= lo < hi <= 64.
func rangeMask(lo, hi uint32) uint64 {
	if hi-lo == 64 {
		return ^uint64(0)
	}
	return ((uint64(1) << (hi - lo)) - 1) << lo
}

// forEachBlock calls fn with the block index and mask for every block
// touched by [begin, end).
func (b *Bitmap) forEachBlock(begin, end uint32, fn func(block uint32, mask uint64)) {
	if begin > end || end > b.size {
		panic(fmt.Sprintf("invalid range [%d, %d) for bitmap of size %d", begin, end, b.size))
	}
	for begin < end {
		block := begin / 64
		hi := (block + 1) * 64
		if hi > end {
			hi = end
		}
		fn(block, rangeMask(begin%64, hi-block*64))
		begin = hi
	}
}

// CountOnes returns the number of set bits in [begin, end).
func (b *Bitmap) CountOnes(begin, end uint32) uint32 {
	var ones uint32
	b.forEachBlock(begin, end, func(block uint32, mask uint64) {
		ones += uint32(bits.OnesCount64(b.bitBlock[block] & mask))
	})
	return ones
}

// SetRange sets bits within range (begin and end). begin is inclusive and end is exclusive.
func (b *Bitmap) SetRange(begin, end uint32) {
	b.forEachBlock(begin, end, func(block uint32, mask uint64) {
		b.numOnes += uint32(bits.OnesCount64(mask &^ b.bitBlock[block]))
		b.bitBlock[block] |= mask
	})
}

// ClearRange clear bits within range (begin and end) for the Bitmap. begin is inclusive and end is exclusive.
func (b *Bitmap) ClearRange(begin, end uint32) {
	b.forEachBlock(begin, end, func(block uint32, mask uint64) {
		b.numOnes -= uint32(bits.OnesCount64(mask & b.bitBlock[block]))
		b.bitBlock[block] &^= mask
	})
}

// Clone the Bitmap.
func (b *Bitmap) Clone() Bitmap {
	bitmap := Bitmap{b.numOnes, b.size, make([]uint64, len(b.bitBlock))}
	copy(bitmap.bitBlock, b.bitBlock)
	return bitmap
}

// ToSlice transform the Bitmap into slice. For example, a bitmap of [0, 1, 0, 1]
// will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	// base is the start number of a bitBlock
	base := 0
	for i := 0; i < len(b.bitBlock); i++ {
		bitBlock := b.bitBlock[i]
		// Iterate through all the numbers held by this bit block.
		for bitBlock != 0 {
			// Extract the lowest set 1 bit.
			j := bitBlock & -bitBlock
			// Interpret the bit as the in32 number it represents and add it to result.
			bitmapSlice = append(bitmapSlice, uint32((base + int(bits.OnesCount64(j-1)))))
			bitBlock ^= j
		}
		base += 64
	}
	return bitmapSlice
}
