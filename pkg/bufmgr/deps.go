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
	"time"

	"github.com/intel/gpu-bufmgr/pkg/kernel"
)

// dependency holds the last read and write fence of a hardware queue
// for a buffer.
type dependency struct {
	queue uint32
	read  *kernel.Fence
	write *kernel.Fence
}

// Dependency describes the fences a buffer waits for on a queue.
type Dependency struct {
	Queue uint32
	Read  kernel.FenceID
	Write kernel.FenceID
}

// AddDependency records that GPU work on the given queue, signaling the
// fence on completion, uses the buffer. Work on a queue completes in
// order so a newer fence replaces older ones of the same kind.
func (h *Handle) AddDependency(queue uint32, fence *kernel.Fence, write bool) {
	m := h.m
	m.depsMu.Lock()
	defer m.depsMu.Unlock()

	var d *dependency
	for i := range h.deps {
		if h.deps[i].queue == queue {
			d = &h.deps[i]
			break
		}
	}
	if d == nil {
		h.deps = append(h.deps, dependency{queue: queue})
		d = &h.deps[len(h.deps)-1]
	}

	replaceFence(&d.read, fence)
	if write {
		replaceFence(&d.write, fence)
	}

	h.idle.Store(false)
}

// Dependencies returns the current dependencies of the buffer.
func (h *Handle) Dependencies() []Dependency {
	m := h.m
	m.depsMu.Lock()
	defer m.depsMu.Unlock()

	deps := make([]Dependency, 0, len(h.deps))
	for _, d := range h.deps {
		dep := Dependency{Queue: d.queue}
		if d.read != nil {
			dep.Read = d.read.ID()
		}
		if d.write != nil {
			dep.Write = d.write.ID()
		}
		deps = append(deps, dep)
	}

	return deps
}

func replaceFence(slot **kernel.Fence, f *kernel.Fence) {
	if *slot == f {
		return
	}
	if *slot != nil {
		(*slot).Unref()
	}
	*slot = f.Ref()
}

// markIdleIfPossible checks whether the GPU is done with a buffer,
// waiting up to timeout. It returns nil if the buffer is idle and
// kernel.ErrTimeout if it is still busy. Buffers shared outside the
// manager are checked with the kernel. For other buffers the collected
// fences are waited for without holding any lock and on success exactly
// those fences are dropped. The manager never calls this with a non-zero
// timeout while holding its lock.
func (m *Manager) markIdleIfPossible(h *Handle, timeout time.Duration) error {
	if h.external.Load() {
		if timeout == 0 {
			busy, err := m.dev.Busy(h.object)
			if err != nil {
				return err
			}
			if busy {
				return kernel.ErrTimeout
			}
			return nil
		}
		return m.dev.Wait(h.object, timeout)
	}

	if h.idle.Load() {
		return nil
	}

	m.depsMu.Lock()
	fences := make([]*kernel.Fence, 0, 2*len(h.deps))
	for _, d := range h.deps {
		if d.read != nil {
			fences = append(fences, d.read.Ref())
		}
		if d.write != nil && d.write != d.read {
			fences = append(fences, d.write.Ref())
		}
	}
	m.depsMu.Unlock()

	err := m.dev.WaitFences(fences, timeout)

	if err == nil {
		m.depsMu.Lock()
		kept := h.deps[:0]
		for _, d := range h.deps {
			for _, f := range fences {
				if d.read == f {
					d.read.Unref()
					d.read = nil
				}
				if d.write == f {
					d.write.Unref()
					d.write = nil
				}
			}
			if d.read != nil || d.write != nil {
				kept = append(kept, d)
			}
		}
		clear(h.deps[len(kept):])
		h.deps = kept
		if len(h.deps) == 0 {
			h.idle.Store(true)
		}
		m.depsMu.Unlock()
	}

	for _, f := range fences {
		f.Unref()
	}

	return err
}

// dropDependencies releases every fence of a buffer.
func (m *Manager) dropDependencies(h *Handle) {
	m.depsMu.Lock()
	defer m.depsMu.Unlock()

	for _, d := range h.deps {
		if d.read != nil {
			d.read.Unref()
		}
		if d.write != nil {
			d.write.Unref()
		}
	}
	h.deps = nil
}
