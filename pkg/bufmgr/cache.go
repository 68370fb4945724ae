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
	"slices"
	"sort"
	"time"

	"github.com/intel/gpu-bufmgr/pkg/bufmgr/vma"
	"github.com/intel/gpu-bufmgr/pkg/kernel"
)

// bucket is a size class of the buffer cache. Entries are kept in the
// order they were freed.
type bucket struct {
	size    uint64
	entries []entry
}

// initBuckets sets up 1, 2 and 3 page buckets, then four buckets per
// power of two up to the maximum cached size.
func (m *Manager) initBuckets() {
	sizes := []uint64{vma.PageSize, 2 * vma.PageSize, 3 * vma.PageSize}
	for s := 4 * vma.PageSize; s <= m.cacheMax; s *= 2 {
		for _, size := range []uint64{s, s + s/4, s + s/2, s + 3*s/4} {
			if size <= m.cacheMax {
				sizes = append(sizes, size)
			}
		}
	}

	for class := range m.buckets {
		m.buckets[class] = make([]*bucket, 0, len(sizes))
		for _, size := range sizes {
			m.buckets[class] = append(m.buckets[class], &bucket{size: size})
		}
	}
}

// bucketFor returns the smallest bucket fitting size, or nil if size is
// too large to be cached.
func (m *Manager) bucketFor(class kernel.MemoryClass, size uint64) *bucket {
	buckets := m.buckets[class]
	i := sort.Search(len(buckets), func(i int) bool {
		return buckets[i].size >= size
	})
	if i == len(buckets) {
		return nil
	}
	return buckets[i]
}

// cacheAlloc takes a buffer from the cache, preferring one already in
// the requested zone. A buffer from another zone is moved to a new
// address in the requested zone.
func (m *Manager) cacheAlloc(bkt *bucket, alignment uint64, zone vma.Zone, mode kernel.MapMode) *Handle {
	h := m.cacheFind(bkt, alignment, zone, mode, true)
	if h == nil {
		h = m.cacheFind(bkt, alignment, zone, mode, false)
	}
	if h == nil {
		return nil
	}

	if h.zone != zone || !aligned(h.addr, alignment) {
		if h.auxAddr != 0 && m.aux != nil {
			m.aux.UnmapRange(h.addr, h.size)
			h.auxAddr = 0
		}
		if err := m.vma.Release(h.zone, h.addr, h.size); err != nil {
			log.Error("internal error: failed to release address of %s: %v", h, err)
		}
		h.addr = 0

		addr, err := m.vma.Reserve(zone, h.size, alignment)
		if err != nil {
			m.closeHandle(h)
			return nil
		}
		details.Debug("moved cached %s to %s zone at %#x", h, zone, addr)
		h.addr, h.zone = addr, zone
	}

	if h.tiling != kernel.TilingNone {
		if err := m.dev.SetTiling(h.object, kernel.TilingNone); err != nil {
			log.Warn("failed to reset tiling of cached %s: %v", h, err)
			m.closeHandle(h)
			return nil
		}
		h.tiling = kernel.TilingNone
	}

	return h
}

// cacheFind scans a bucket oldest first for a matching idle buffer. The
// scan stops at the first busy buffer since newer ones are likely busy
// too. Buffers whose contents the kernel already discarded are closed.
func (m *Manager) cacheFind(bkt *bucket, alignment uint64, zone vma.Zone, mode kernel.MapMode, matchZone bool) *Handle {
	for i := 0; i < len(bkt.entries); {
		e := bkt.entries[i]
		if e.stale(StateCached) {
			bkt.entries = slices.Delete(bkt.entries, i, i+1)
			continue
		}

		h := e.h
		if h.mode != mode || (matchZone && (h.zone != zone || !aligned(h.addr, alignment))) {
			i++
			continue
		}

		if m.markIdleIfPossible(h, kernel.Poll) != nil {
			break
		}

		bkt.entries = slices.Delete(bkt.entries, i, i+1)

		retained, err := m.dev.Madvise(h.object, kernel.AdviceWillNeed)
		if err != nil || !retained {
			m.counters.purged++
			purgeLog.Warn("discarding purged cached buffer %s", h)
			m.closeHandle(h)
			continue
		}

		return h
	}

	return nil
}

func (m *Manager) cacheInsert(bkt *bucket, h *Handle, now time.Time) {
	bkt.entries = append(bkt.entries, h.newEntry(StateCached, now))
}

// cleanCache evicts buffers cached for longer than the retention period,
// then closes any idle zombies.
func (m *Manager) cleanCache(now time.Time) {
	for class := range m.buckets {
		for _, bkt := range m.buckets[class] {
			n := 0
			for _, e := range bkt.entries {
				if !e.stale(StateCached) {
					if now.Sub(e.at) < m.retention {
						break
					}
					m.counters.evicted++
					m.retire(e.h, now)
				}
				n++
			}
			if n > 0 {
				clear(bkt.entries[:n])
				bkt.entries = bkt.entries[n:]
			}
		}
	}

	m.cleanZombies()
}

// purgeCache evicts every idle cached buffer.
func (m *Manager) purgeCache() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictAll()
}

// evictAll closes every idle cached buffer, returning the number closed.
func (m *Manager) evictAll() int {
	closed := 0
	for class := range m.buckets {
		for _, bkt := range m.buckets[class] {
			kept := bkt.entries[:0]
			for _, e := range bkt.entries {
				if e.stale(StateCached) {
					continue
				}
				if m.markIdleIfPossible(e.h, kernel.Poll) != nil {
					kept = append(kept, e)
					continue
				}
				m.counters.evicted++
				m.closeHandle(e.h)
				closed++
			}
			clear(bkt.entries[len(kept):])
			bkt.entries = kept
		}
	}

	if closed > 0 {
		log.Info("evicted %d cached buffers", closed)
	}

	return closed
}

func aligned(addr, alignment uint64) bool {
	return alignment == 0 || addr%alignment == 0
}
