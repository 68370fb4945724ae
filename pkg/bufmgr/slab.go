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

package bufmgr

import (
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpu-bufmgr/pkg/bufmgr/vma"
	"github.com/intel/gpu-bufmgr/pkg/kernel"
	"github.com/intel/gpu-bufmgr/pkg/utils"
)

const (
	// NumSlabTiers is the number of slab tiers.
	NumSlabTiers = 3
	// DefaultSlabMinOrder is the order of the smallest slab entry.
	DefaultSlabMinOrder = 8
	// DefaultSlabMaxOrder is the order of the largest slab entry.
	DefaultSlabMaxOrder = 20

	minLargestSlab = 2 * vma.MiB
)

// slabTier holds the slabs for a range of entry orders. Slabs are kept in
// an arena indexed by slab id.
type slabTier struct {
	index    int
	minOrder uint
	maxOrder uint
	nextID   uint32
	slabs    map[uint32]*slab
	groups   map[slabKey][]*slab
	reclaim  entryQueue
}

// slabKey identifies the slabs interchangeable for an allocation.
type slabKey struct {
	class kernel.MemoryClass
	mode  kernel.MapMode
	zone  vma.Zone
	entry uint64
}

// slab is a real buffer carved into equally sized entries.
type slab struct {
	id      uint32
	key     slabKey
	backing *Handle
	count   uint32
	free    []uint32
	dirty   []bool // entry handed out before, or backing recycled
}

func (m *Manager) initSlabTiers() {
	var (
		orders = m.maxOrder - m.minOrder + 1
		per    = (orders + NumSlabTiers - 1) / NumSlabTiers
	)

	for lo := m.minOrder; lo <= m.maxOrder; lo += per {
		hi := min(lo+per-1, m.maxOrder)
		m.tiers = append(m.tiers, &slabTier{
			index:    len(m.tiers),
			minOrder: lo,
			maxOrder: hi,
			slabs:    make(map[uint32]*slab),
			groups:   make(map[slabKey][]*slab),
		})
	}
}

// slabEntrySize returns the smallest entry size fitting size and its
// order. Entry sizes are powers of two and three quarters of powers of
// two.
func (m *Manager) slabEntrySize(size uint64) (uint64, uint) {
	if size <= 1<<m.minOrder {
		return 1 << m.minOrder, m.minOrder
	}
	for o := m.minOrder + 1; o <= m.maxOrder; o++ {
		if threeQuarters := uint64(3) << (o - 2); size <= threeQuarters {
			return threeQuarters, o
		}
		if size <= 1<<o {
			return 1 << o, o
		}
	}
	return 0, 0
}

// entryAlignment returns the alignment guaranteed for entries of a size.
func entryAlignment(entry uint64) uint64 {
	return entry & -entry
}

func (m *Manager) canSuballoc(size, alignment uint64, zone vma.Zone, flags AllocFlags) bool {
	if !m.slabs || flags&(FlagNoSuballoc|FlagScanout|FlagCoherent) != 0 {
		return false
	}
	if zone == vma.ZoneBorderColor || size > 1<<m.maxOrder {
		return false
	}
	entry, _ := m.slabEntrySize(size)
	return entry != 0 && alignment <= entryAlignment(entry)
}

func (m *Manager) tierFor(order uint) *slabTier {
	for _, t := range m.tiers {
		if t.minOrder <= order && order <= t.maxOrder {
			return t
		}
	}
	return nil
}

// slabSize returns the backing size for slabs of an entry size: twice
// the largest entry of the tier, grown for three-quarter entries which
// would waste too much of it.
func (m *Manager) slabSize(t *slabTier, entry uint64) uint64 {
	size := 2 * (uint64(1) << t.maxOrder)
	if !utils.IsPowerOfTwo(entry) && entry*5 > size {
		size = utils.NextPowerOfTwo(entry * 5)
	}
	if t.index == len(m.tiers)-1 {
		size = max(size, minLargestSlab)
	}
	return size
}

// slabAlloc allocates a slab entry, creating a new slab if necessary.
func (m *Manager) slabAlloc(tag string, size, alignment uint64, zone vma.Zone,
	class kernel.MemoryClass, mode kernel.MapMode, flags AllocFlags) (*Handle, error) {
	var (
		entrySize, order = m.slabEntrySize(size)
		t                = m.tierFor(order)
		key              = slabKey{class: class, mode: mode, zone: zone, entry: entrySize}
		now              = m.now()
	)

	m.mu.Lock()
	m.cleanCache(now)
	m.reclaimSlabs(t, now)

	s := t.available(key)
	if s == nil {
		m.mu.Unlock()

		backing, recycled, err := m.allocReal("slab", m.slabSize(t, entrySize),
			max(entryAlignment(entrySize), vma.PageSize), zone, class, mode, FlagNoSuballoc)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSlabBacking, err)
		}

		m.mu.Lock()
		s = t.addSlab(key, backing, recycled)
		details.Debug("created slab #%d of %d %s entries in tier %d", s.id, s.count,
			utils.PrettySize(entrySize), t.index)
	}

	idx, dirty := s.take()
	h := &Handle{
		m:     m,
		size:  entrySize,
		addr:  s.backing.addr + uint64(idx)*entrySize,
		zone:  s.backing.zone,
		kind:  KindSlabEntry,
		class: class,
		mode:  mode,
		tag:   tag,
		slab:  slabRef{tier: t.index, slab: s.id, index: idx},
	}
	m.activate(h, now)
	m.counters.slabAlloc++

	m.mu.Unlock()

	if dirty && flags&FlagZeroed != 0 {
		if err := m.zero(h); err != nil {
			h.Unref()
			return nil, err
		}
	}

	return h, nil
}

// slabFree returns an unreferenced entry to its slab if it is idle, or
// queues it for reclaiming otherwise.
func (m *Manager) slabFree(h *Handle, now time.Time) {
	t := m.tiers[h.slab.tier]
	if m.markIdleIfPossible(h, kernel.Poll) != nil {
		t.reclaim.push(h.newEntry(StateSlabReclaim, now))
		return
	}
	m.slabPut(t, h, now)
}

// reclaimSlabs returns idle queued entries to their slabs, oldest first,
// up to the first busy one.
func (m *Manager) reclaimSlabs(t *slabTier, now time.Time) {
	for t.reclaim.size() > 0 {
		e := t.reclaim.peek()
		if !e.stale(StateSlabReclaim) {
			if m.markIdleIfPossible(e.h, kernel.Poll) != nil {
				break
			}
			m.slabPut(t, e.h, now)
		}
		t.reclaim.pop()
	}
}

// slabPut puts an idle entry back on the free list of its slab. A slab
// with all entries free is destroyed.
func (m *Manager) slabPut(t *slabTier, h *Handle, now time.Time) {
	s, ok := t.slabs[h.slab.slab]
	if !ok {
		log.Error("internal error: %s refers to unknown slab #%d", h, h.slab.slab)
		return
	}

	m.dropDependencies(h)
	h.state = StateSlabFree
	h.gen++
	delete(m.handles, h)

	s.free = append(s.free, h.slab.index)
	s.dirty[h.slab.index] = true

	if len(s.free) == int(s.count) {
		m.destroySlab(t, s, now)
	}
}

// destroySlab drops a slab and the reference it holds to its backing.
func (m *Manager) destroySlab(t *slabTier, s *slab, now time.Time) {
	delete(t.slabs, s.id)
	group := slices.DeleteFunc(t.groups[s.key], func(o *slab) bool { return o == s })
	if len(group) == 0 {
		delete(t.groups, s.key)
	} else {
		t.groups[s.key] = group
	}

	details.Debug("destroying empty slab #%d in tier %d", s.id, t.index)

	if b := s.backing; b.refs.Add(-1) == 0 {
		m.finalUnref(b, now)
	}
}

// destroySlabs forcibly closes every slab.
func (m *Manager) destroySlabs() error {
	var errs *multierror.Error

	for _, t := range m.tiers {
		t.reclaim.drain(func(e entry) {
			if !e.stale(StateSlabReclaim) {
				m.dropDependencies(e.h)
				e.h.state = StateClosed
				e.h.gen++
				delete(m.handles, e.h)
			}
		})

		for id, s := range t.slabs {
			s.backing.refs.Store(0)
			errs = multierror.Append(errs, m.closeHandle(s.backing))
			delete(t.slabs, id)
		}
		clear(t.groups)
	}

	return errs.ErrorOrNil()
}

func (t *slabTier) available(key slabKey) *slab {
	for _, s := range t.groups[key] {
		if len(s.free) > 0 {
			return s
		}
	}
	return nil
}

func (t *slabTier) addSlab(key slabKey, backing *Handle, recycled bool) *slab {
	t.nextID++
	s := &slab{
		id:      t.nextID,
		key:     key,
		backing: backing,
		count:   uint32(backing.size / key.entry),
	}

	s.free = make([]uint32, 0, s.count)
	for i := s.count; i > 0; i-- {
		s.free = append(s.free, i-1)
	}
	s.dirty = make([]bool, s.count)
	if recycled {
		for i := range s.dirty {
			s.dirty[i] = true
		}
	}

	t.slabs[s.id] = s
	t.groups[key] = append(t.groups[key], s)

	return s
}

// take takes a free entry of a slab.
func (s *slab) take() (uint32, bool) {
	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	return idx, s.dirty[idx]
}
