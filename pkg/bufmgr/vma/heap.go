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
	"fmt"
	"slices"
	"sort"

	"github.com/intel/gpu-bufmgr/pkg/utils"
)

// hole is a free range [start, end) in a Heap.
type hole struct {
	start uint64
	end   uint64
}

// Heap tracks free space in a contiguous address range. Free space is kept
// as a list of address-sorted, non-adjacent holes. Allocation is first fit
// from the low end of the range.
type Heap struct {
	start uint64
	end   uint64
	holes []hole
	free  uint64
}

// NewHeap creates a heap managing [start, start+size).
func NewHeap(start, size uint64) (*Heap, error) {
	if size == 0 || start+size < start {
		return nil, fmt.Errorf("%w: heap [%#x, +%#x)", ErrInvalidSize, start, size)
	}
	return &Heap{
		start: start,
		end:   start + size,
		holes: []hole{{start: start, end: start + size}},
		free:  size,
	}, nil
}

// Start returns the lowest address of the heap.
func (h *Heap) Start() uint64 {
	return h.start
}

// End returns the address following the heap.
func (h *Heap) End() uint64 {
	return h.end
}

// Size returns the total size of the heap.
func (h *Heap) Size() uint64 {
	return h.end - h.start
}

// Free returns the amount of free space in the heap.
func (h *Heap) Free() uint64 {
	return h.free
}

// Contains returns true if the address falls into the heap.
func (h *Heap) Contains(addr uint64) bool {
	return h.start <= addr && addr < h.end
}

// Alloc reserves size bytes aligned to the given power-of-two alignment.
// It returns false if no hole is large enough.
func (h *Heap) Alloc(size, alignment uint64) (uint64, bool) {
	if size == 0 {
		return 0, false
	}

	for i, hl := range h.holes {
		addr := utils.AlignUp(hl.start, alignment)
		if addr < hl.start || addr > hl.end || hl.end-addr < size {
			continue
		}

		var (
			left  = hole{start: hl.start, end: addr}
			right = hole{start: addr + size, end: hl.end}
			repl  []hole
		)
		if left.start != left.end {
			repl = append(repl, left)
		}
		if right.start != right.end {
			repl = append(repl, right)
		}

		h.holes = slices.Replace(h.holes, i, i+1, repl...)
		h.free -= size

		return addr, true
	}

	return 0, false
}

// Release returns [addr, addr+size) to the heap, coalescing it with any
// adjacent holes. The range must have been reserved.
func (h *Heap) Release(addr, size uint64) error {
	end := addr + size
	if size == 0 || end < addr || addr < h.start || end > h.end {
		return fmt.Errorf("%w: [%#x, %#x) outside heap [%#x, %#x)", ErrNotReserved,
			addr, end, h.start, h.end)
	}

	// index of the first hole starting after addr
	i := sort.Search(len(h.holes), func(i int) bool {
		return h.holes[i].start > addr
	})

	if i > 0 && h.holes[i-1].end > addr {
		return fmt.Errorf("%w: [%#x, %#x) overlaps free [%#x, %#x)", ErrNotReserved,
			addr, end, h.holes[i-1].start, h.holes[i-1].end)
	}
	if i < len(h.holes) && h.holes[i].start < end {
		return fmt.Errorf("%w: [%#x, %#x) overlaps free [%#x, %#x)", ErrNotReserved,
			addr, end, h.holes[i].start, h.holes[i].end)
	}

	var (
		mergePrev = i > 0 && h.holes[i-1].end == addr
		mergeNext = i < len(h.holes) && h.holes[i].start == end
	)

	switch {
	case mergePrev && mergeNext:
		h.holes[i-1].end = h.holes[i].end
		h.holes = slices.Delete(h.holes, i, i+1)
	case mergePrev:
		h.holes[i-1].end = end
	case mergeNext:
		h.holes[i].start = addr
	default:
		h.holes = slices.Insert(h.holes, i, hole{start: addr, end: end})
	}

	h.free += size

	return nil
}

// ForeachHole calls fn for each free range in address order. It stops
// iterating early if fn returns false.
func (h *Heap) ForeachHole(fn func(start, end uint64) bool) {
	for _, hl := range h.holes {
		if !fn(hl.start, hl.end) {
			return
		}
	}
}
