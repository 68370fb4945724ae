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
	"github.com/intel/gpu-bufmgr/pkg/bufmgr/vma"
	"github.com/intel/gpu-bufmgr/pkg/kernel"
)

// Stats is a snapshot of the state of a manager.
type Stats struct {
	Active      int
	Cached      int
	CachedBytes uint64
	Zombies     int
	External    int
	Slabs       int
	SlabEntries int
	SlabFree    int
	SlabReclaim int

	CacheHits   uint64
	CacheMisses uint64
	Purged      uint64
	Evicted     uint64
	SlabAllocs  uint64
	Leaked      uint64 // kernel objects abandoned on identity violations

	Kernel kernel.ClientStats
	Zones  []vma.Usage
}

// Stats returns a snapshot of the state of the manager.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		CacheHits:   m.counters.hits,
		CacheMisses: m.counters.misses,
		Purged:      m.counters.purged,
		Evicted:     m.counters.evicted,
		SlabAllocs:  m.counters.slabAlloc,
		Leaked:      m.counters.leaked,
		Kernel:      m.dev.Stats(),
	}

	backings := map[*Handle]struct{}{}
	for _, t := range m.tiers {
		for _, sl := range t.slabs {
			backings[sl.backing] = struct{}{}
			s.Slabs++
			s.SlabEntries += int(sl.count)
			s.SlabFree += len(sl.free)
		}
	}

	for h := range m.handles {
		switch h.state {
		case StateActive:
			if _, ok := backings[h]; ok {
				continue
			}
			s.Active++
			if h.external.Load() {
				s.External++
			}
		case StateCached:
			s.Cached++
			s.CachedBytes += h.size
		case StateZombie:
			s.Zombies++
		case StateSlabReclaim:
			s.SlabReclaim++
		}
	}

	m.vma.ForeachZone(func(u vma.Usage) bool {
		s.Zones = append(s.Zones, u)
		return vma.ForeachMore
	})

	return s
}
