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
	"sync/atomic"
	"time"

	"github.com/intel/gpu-bufmgr/pkg/bufmgr/vma"
	"github.com/intel/gpu-bufmgr/pkg/kernel"
)

// Handle is a GPU buffer object.
type Handle struct {
	m     *Manager
	size  uint64
	addr  uint64
	zone  vma.Zone
	kind  Kind
	class kernel.MemoryClass
	mode  kernel.MapMode

	refs     atomic.Int32
	idle     atomic.Bool
	external atomic.Bool // exported or imported
	mapping  atomic.Pointer[[]byte]

	// guarded by the manager lock
	tag      string
	state    State
	gen      uint64
	reusable bool
	exported bool
	imported bool
	userptr  bool
	tiling   kernel.Tiling
	object   kernel.ObjectID
	name     kernel.ExportName
	auxAddr  uint64
	slab     slabRef

	// guarded by the dependency lock
	deps []dependency
}

// slabRef locates a slab entry within the slab arena of a tier.
type slabRef struct {
	tier  int
	slab  uint32
	index uint32
}

// Ref takes a new reference to the handle.
func (h *Handle) Ref() *Handle {
	if h.refs.Add(1) <= 1 {
		h.m.usageError("Ref() of unreferenced handle %s", h)
	}
	return h
}

// Unref drops a reference to the handle. Dropping the last reference
// returns the handle to the buffer cache or its slab, or closes it.
func (h *Handle) Unref() {
	for {
		n := h.refs.Load()
		if n <= 0 {
			h.m.usageError("Unref() of unreferenced handle %s", h)
			return
		}
		if n == 1 {
			break
		}
		if h.refs.CompareAndSwap(n, n-1) {
			return
		}
	}

	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.refs.Add(-1) != 0 {
		return
	}

	m.finalUnref(h, m.now())
}

// Size returns the size of the handle.
func (h *Handle) Size() uint64 {
	return h.size
}

// Address returns the GPU virtual address of the handle.
func (h *Handle) Address() uint64 {
	return h.addr
}

// Zone returns the address zone of the handle.
func (h *Handle) Zone() vma.Zone {
	return h.zone
}

// Kind returns the backing kind of the handle.
func (h *Handle) Kind() Kind {
	return h.kind
}

// Class returns the memory class of the handle.
func (h *Handle) Class() kernel.MemoryClass {
	return h.class
}

// MapMode returns the CPU mapping mode of the handle.
func (h *Handle) MapMode() kernel.MapMode {
	return h.mode
}

// Refs returns the current reference count of the handle.
func (h *Handle) Refs() int32 {
	return h.refs.Load()
}

// IsIdle returns the cached idle state of the handle without asking the
// kernel or waiting for fences.
func (h *Handle) IsIdle() bool {
	return h.idle.Load()
}

// IsExternal returns true if the handle is exported or imported.
func (h *Handle) IsExternal() bool {
	return h.external.Load()
}

// Tag returns the tag of the handle.
func (h *Handle) Tag() string {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.tag
}

// State returns the current state of the handle.
func (h *Handle) State() State {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.state
}

// IsReusable returns true if the handle can be returned to the cache.
func (h *Handle) IsReusable() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.reusable
}

// Object returns the kernel object of the handle. For slab entries this
// is the object of the slab backing buffer, or 0 once the entry is freed.
func (h *Handle) Object() kernel.ObjectID {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if owner := h.m.realOf(h); owner != nil {
		return owner.object
	}
	return 0
}

// Tiling returns the tiling mode of the handle.
func (h *Handle) Tiling() kernel.Tiling {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.tiling
}

// String returns a short description of the handle for logging.
func (h *Handle) String() string {
	return fmt.Sprintf("%s@%#x(%s %s %d bytes)", h.kind, h.addr, h.zone, h.class, h.size)
}

// newEntry enters the handle into a container, invalidating any previous
// container entries.
func (h *Handle) newEntry(state State, now time.Time) entry {
	h.state = state
	h.gen++
	return entry{h: h, gen: h.gen, at: now}
}

// entry is a container slot for a handle. An entry is stale once its
// handle has moved to another container.
type entry struct {
	h   *Handle
	gen uint64
	at  time.Time
}

func (e entry) stale(state State) bool {
	return e.h.state != state || e.h.gen != e.gen
}
