// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package vma

import (
	"math/bits"
	"slices"
	"sort"

	"github.com/intel/gpu-bufmgr/pkg/utils"
)

const (
	// entriesPerBlock is the number of entries in a small-object block.
	entriesPerBlock = 64
	allUsed         = ^uint64(0)
)

// block is a parent reservation carved into equally sized entries.
type block struct {
	base uint64 // start of the parent reservation
	used uint64 // bitmap of entries in use
}

// sizeClass holds the blocks of a single entry size, sorted by base.
type sizeClass struct {
	entry  uint64
	blocks []*block
}

// buckets groups small reservations of a zone into larger parent blocks
// reserved from the zone heap.
type buckets struct {
	heap     *Heap
	maxEntry uint64
	classes  map[uint64]*sizeClass
}

func newBuckets(heap *Heap, maxPages uint64) *buckets {
	return &buckets{
		heap:     heap,
		maxEntry: maxPages * PageSize,
		classes:  make(map[uint64]*sizeClass),
	}
}

// entrySize returns the bucket entry size for a request, or 0 if the
// request should go directly to the heap.
func (b *buckets) entrySize(size, alignment uint64) uint64 {
	if b == nil || size > b.maxEntry {
		return 0
	}
	entry := utils.NextPowerOfTwo(utils.AlignUp(size, PageSize))
	if entry > b.maxEntry || alignment > entry {
		return 0
	}
	return entry
}

func (b *buckets) class(entry uint64) *sizeClass {
	c, ok := b.classes[entry]
	if !ok {
		c = &sizeClass{entry: entry}
		b.classes[entry] = c
	}
	return c
}

func (b *buckets) alloc(entry uint64) (uint64, bool) {
	c := b.class(entry)

	for _, blk := range c.blocks {
		if blk.used != allUsed {
			idx := uint64(bits.TrailingZeros64(^blk.used))
			blk.used |= 1 << idx
			return blk.base + idx*entry, true
		}
	}

	base, ok := b.heap.Alloc(entry*entriesPerBlock, entry)
	if !ok {
		return 0, false
	}

	blk := &block{base: base, used: 1}
	i := sort.Search(len(c.blocks), func(i int) bool { return c.blocks[i].base > base })
	c.blocks = slices.Insert(c.blocks, i, blk)

	log.Debug("new %s-entry block at %#x", utils.PrettySize(entry), base)

	return base, true
}

func (b *buckets) release(entry, addr uint64) error {
	c, ok := b.classes[entry]
	if !ok {
		return ErrNotReserved
	}

	span := entry * entriesPerBlock
	i := sort.Search(len(c.blocks), func(i int) bool { return c.blocks[i].base > addr }) - 1
	if i < 0 || addr >= c.blocks[i].base+span || (addr-c.blocks[i].base)%entry != 0 {
		return ErrNotReserved
	}

	blk := c.blocks[i]
	bit := uint64(1) << ((addr - blk.base) / entry)
	if blk.used&bit == 0 {
		return ErrNotReserved
	}

	blk.used &^= bit
	if blk.used != 0 {
		return nil
	}

	c.blocks = slices.Delete(c.blocks, i, i+1)
	log.Debug("releasing empty %s-entry block at %#x", utils.PrettySize(entry), blk.base)

	return b.heap.Release(blk.base, span)
}

// inUse returns the number of bytes handed out from blocks.
func (b *buckets) inUse() uint64 {
	if b == nil {
		return 0
	}
	total := uint64(0)
	for _, c := range b.classes {
		for _, blk := range c.blocks {
			total += uint64(bits.OnesCount64(blk.used)) * c.entry
		}
	}
	return total
}
