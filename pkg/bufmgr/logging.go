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

	"github.com/intel/gpu-bufmgr/pkg/bufmgr/vma"
	"github.com/intel/gpu-bufmgr/pkg/kernel"
	logger "github.com/intel/gpu-bufmgr/pkg/log"
	"github.com/intel/gpu-bufmgr/pkg/utils"
)

var (
	log      = logger.Get("bufmgr")
	details  = logger.Get("bufmgr-details")
	purgeLog = logger.RateLimit("bufmgr", logger.Rate{Limit: logger.Every(time.Second)})
)

// usageError reports a caller error which leaves the manager intact.
func (m *Manager) usageError(format string, args ...interface{}) {
	if m.debug {
		log.Panic("usage error: "+format, args...)
	}
	log.Error("usage error: "+format, args...)
}

// validateState checks the internal consistency of the manager if debug
// checks are enabled. It must be called with the manager lock held.
func (m *Manager) validateState(where string) {
	if !m.debug {
		return
	}

	var (
		byZone = map[vma.Zone][]*Handle{}
		fail   = func(format string, args ...interface{}) {
			log.Panic("%s: inconsistent state: %s", where, fmt.Sprintf(format, args...))
		}
	)

	for h := range m.handles {
		switch h.state {
		case StateCached, StateZombie:
			if n := h.refs.Load(); n != 0 {
				fail("%s %s has %d references", h.state, h, n)
			}
		case StateSlabFree, StateClosed:
			fail("%s handle %s is registered", h.state, h)
		}

		if h.kind == KindSlabEntry {
			s, ok := m.tiers[h.slab.tier].slabs[h.slab.slab]
			if !ok {
				fail("slab entry %s without a slab", h)
				continue
			}
			b := s.backing
			if h.addr < b.addr || h.addr+h.size > b.addr+b.size {
				fail("slab entry %s outside of backing %s", h, b)
			}
			continue
		}

		if o, ok := m.objects[h.object]; !ok || o != h {
			fail("%s is not the handle of kernel object %d", h, h.object)
		}
		if h.zone != vma.ZoneBorderColor {
			byZone[h.zone] = append(byZone[h.zone], h)
		}
	}

	for id, h := range m.objects {
		if _, ok := m.handles[h]; !ok {
			fail("kernel object %d has unregistered handle %s", id, h)
		}
	}

	for zone, handles := range byZone {
		slices.SortFunc(handles, func(a, b *Handle) int {
			switch {
			case a.addr < b.addr:
				return -1
			case a.addr > b.addr:
				return 1
			}
			return 0
		})
		for i := 1; i < len(handles); i++ {
			prev, h := handles[i-1], handles[i]
			if prev.addr+prev.size > h.addr {
				fail("overlapping handles %s and %s in zone %s", prev, h, zone)
			}
		}
	}
}

// DumpState logs the state of the manager.
func (m *Manager) DumpState(context ...interface{}) {
	prefix := formatPrefix(context...)
	s := m.Stats()

	log.Info("%s<manager for device %s>", prefix, m.identity)
	log.Info("%s  handles: %d active, %d cached (%s), %d zombies, %d external", prefix,
		s.Active, s.Cached, utils.PrettySize(s.CachedBytes), s.Zombies, s.External)
	log.Info("%s  slabs: %d with %d entries, %d free, %d reclaimable", prefix,
		s.Slabs, s.SlabEntries, s.SlabFree, s.SlabReclaim)
	log.Info("%s  cache: %d hits, %d misses, %d purged, %d evicted", prefix,
		s.CacheHits, s.CacheMisses, s.Purged, s.Evicted)

	m.mu.Lock()
	defer m.mu.Unlock()

	if details.DebugEnabled() {
		for class := range m.buckets {
			for _, bkt := range m.buckets[class] {
				if len(bkt.entries) > 0 {
					details.Debug("%s    %s bucket %s: %d entries", prefix, kernel.MemoryClass(class),
						utils.PrettySize(bkt.size), len(bkt.entries))
				}
			}
		}
	}

	m.vma.DumpState(prefix + "  ")
}

func formatPrefix(args ...interface{}) string {
	if len(args) == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%!(bufmgr:Bad-Prefix)"
	}

	return fmt.Sprintf(format, args[1:]...)
}
