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

	"github.com/intel/gpu-bufmgr/pkg/utils"
)

const (
	// ForeachDone as a return value terminates iteration by a Foreach* function.
	ForeachDone = false
	// ForeachMore as a return value continues iteration by a Foreach* function.
	ForeachMore = !ForeachDone
)

// Allocator hands out GPU virtual address ranges from a set of zones.
// It is not safe for concurrent use; callers serialize access.
type Allocator struct {
	zones    [NumZones]*zone
	fixed    map[Zone]uint64
	minAlign uint64
	small    uint64
}

type zone struct {
	id      Zone
	heap    *Heap
	buckets *buckets
}

// Usage describes the state of a zone.
type Usage struct {
	Zone  Zone
	Start uint64
	Size  uint64
	Free  uint64
	Small uint64 // bytes handed out from small-object blocks
}

// AllocatorOption is an opaque option for an Allocator.
type AllocatorOption func(*Allocator) error

// WithZone is an option to set up a zone managing [start, start+size).
func WithZone(id Zone, start, size uint64) AllocatorOption {
	return func(a *Allocator) error {
		if !id.IsValid() || id == ZoneBorderColor {
			return fmt.Errorf("%w: %s", ErrInvalidZone, id)
		}
		if a.zones[id] != nil {
			return fmt.Errorf("zone %s already set up", id)
		}
		heap, err := NewHeap(start, size)
		if err != nil {
			return fmt.Errorf("zone %s: %w", id, err)
		}
		a.zones[id] = &zone{id: id, heap: heap}
		return nil
	}
}

// WithFixedZone is an option to set up a pseudo-zone which always
// reserves the same address.
func WithFixedZone(id Zone, addr uint64) AllocatorOption {
	return func(a *Allocator) error {
		if !id.IsValid() {
			return fmt.Errorf("%w: %s", ErrInvalidZone, id)
		}
		a.fixed[id] = addr
		return nil
	}
}

// WithMinAlignment is an option to set the minimum alignment of reservations.
func WithMinAlignment(alignment uint64) AllocatorOption {
	return func(a *Allocator) error {
		if !utils.IsPowerOfTwo(alignment) {
			return fmt.Errorf("%w: %d", ErrInvalidAlignment, alignment)
		}
		a.minAlign = alignment
		return nil
	}
}

// WithSmallBuckets is an option to serve reservations of up to maxPages
// pages from 64-entry blocks of power-of-two sized entries.
func WithSmallBuckets(maxPages uint64) AllocatorOption {
	return func(a *Allocator) error {
		if maxPages != 0 && !utils.IsPowerOfTwo(maxPages) {
			return fmt.Errorf("%w: small bucket limit %d pages", ErrInvalidSize, maxPages)
		}
		a.small = maxPages
		return nil
	}
}

// Range is an address range of a zone. For fixed zones Size is ignored.
type Range struct {
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
}

// DefaultLayout returns the default zone layout.
func DefaultLayout() map[Zone]Range {
	return map[Zone]Range{
		ZoneShader:      {Start: DefaultShaderStart, Size: DefaultShaderSize},
		ZoneBinder:      {Start: DefaultBinderStart, Size: DefaultBinderSize},
		ZoneSurface:     {Start: DefaultSurfaceStart, Size: DefaultSurfaceSize},
		ZoneDynamic:     {Start: DefaultDynamicStart, Size: DefaultDynamicSize},
		ZoneOther:       {Start: DefaultOtherStart, Size: DefaultOtherSize},
		ZoneBorderColor: {Start: DefaultBorderColor, Size: BorderColorSize},
	}
}

// WithLayout is an option to set up zones according to a layout.
func WithLayout(layout map[Zone]Range) AllocatorOption {
	return func(a *Allocator) error {
		for id := Zone(0); id < NumZones; id++ {
			r, ok := layout[id]
			if !ok {
				continue
			}
			o := WithZone(id, r.Start, r.Size)
			if id == ZoneBorderColor {
				o = WithFixedZone(id, r.Start)
			}
			if err := o(a); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithDefaultLayout is an option to set up the default zone layout.
func WithDefaultLayout() AllocatorOption {
	return WithLayout(DefaultLayout())
}

// New creates a new address allocator with the given options.
func New(options ...AllocatorOption) (*Allocator, error) {
	a := &Allocator{
		fixed:    make(map[Zone]uint64),
		minAlign: PageSize,
	}

	for _, o := range options {
		if err := o(a); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	for _, z := range a.zones {
		if z == nil {
			continue
		}
		if start := utils.AlignUp(z.heap.Start(), a.minAlign); start != z.heap.Start() {
			end := z.heap.End()
			if start >= end {
				return nil, fmt.Errorf("%w: zone %s [%#x, %#x) holds no %#x aligned range",
					ErrInvalidSize, z.id, z.heap.Start(), end, a.minAlign)
			}
			heap, err := NewHeap(start, end-start)
			if err != nil {
				return nil, err
			}
			log.Debug("zone %s start %#x aligned up to %#x", z.id, z.heap.Start(), start)
			z.heap = heap
		}
		if a.small != 0 {
			z.buckets = newBuckets(z.heap, a.small)
		}
	}

	return a, nil
}

// Reserve reserves an address range of the given size and alignment from
// a zone. The size is rounded up to the minimum alignment.
func (a *Allocator) Reserve(id Zone, size, alignment uint64) (uint64, error) {
	if addr, ok := a.fixed[id]; ok {
		return addr, nil
	}

	z, err := a.zone(id)
	if err != nil {
		return 0, err
	}

	if alignment == 0 {
		alignment = a.minAlign
	}
	if !utils.IsPowerOfTwo(alignment) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAlignment, alignment)
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-sized reservation", ErrInvalidSize)
	}

	alignment = max(alignment, a.minAlign)
	size = utils.AlignUp(size, a.minAlign)

	if entry := z.buckets.entrySize(size, alignment); entry != 0 {
		if addr, ok := z.buckets.alloc(entry); ok {
			return addr, nil
		}
	}

	addr, ok := z.heap.Alloc(size, alignment)
	if !ok {
		return 0, fmt.Errorf("%w: %s, %s with alignment %#x", ErrNoSpace,
			id, utils.PrettySize(size), alignment)
	}

	return addr, nil
}

// Release returns a range reserved from a zone. Releasing address 0 or
// the address of a fixed zone is a no-op.
func (a *Allocator) Release(id Zone, addr, size uint64) error {
	if addr == 0 {
		return nil
	}
	if _, ok := a.fixed[id]; ok {
		return nil
	}

	z, err := a.zone(id)
	if err != nil {
		return err
	}

	size = utils.AlignUp(size, a.minAlign)

	if entry := z.buckets.entrySize(size, 0); entry != 0 {
		err := z.buckets.release(entry, addr)
		if err == nil {
			return nil
		}
	}

	if err := z.heap.Release(addr, size); err != nil {
		log.Error("internal error: failed to release %s range: %v", id, err)
		return err
	}

	return nil
}

// ZoneForAddress returns the zone containing the given address.
func (a *Allocator) ZoneForAddress(addr uint64) (Zone, bool) {
	for id, fixed := range a.fixed {
		if fixed == addr {
			return id, true
		}
	}
	for _, z := range a.zones {
		if z != nil && z.heap.Contains(addr) {
			return z.id, true
		}
	}
	return 0, false
}

// Usage returns the usage of the given zone.
func (a *Allocator) Usage(id Zone) (Usage, error) {
	z, err := a.zone(id)
	if err != nil {
		return Usage{Zone: id}, err
	}
	return Usage{
		Zone:  id,
		Start: z.heap.Start(),
		Size:  z.heap.Size(),
		Free:  z.heap.Free(),
		Small: z.buckets.inUse(),
	}, nil
}

// ForeachZone calls fn for the usage of each zone set up in the allocator.
func (a *Allocator) ForeachZone(fn func(Usage) bool) {
	for _, z := range a.zones {
		if z == nil {
			continue
		}
		u, _ := a.Usage(z.id)
		if fn(u) == ForeachDone {
			return
		}
	}
}

func (a *Allocator) zone(id Zone) (*zone, error) {
	if !id.IsValid() || a.zones[id] == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidZone, id)
	}
	return a.zones[id], nil
}
