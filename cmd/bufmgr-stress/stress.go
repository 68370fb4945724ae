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

package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/intel/gpu-bufmgr/pkg/bufmgr"
	"github.com/intel/gpu-bufmgr/pkg/bufmgr/vma"
	"github.com/intel/gpu-bufmgr/pkg/kernel/simdev"
)

var (
	stressZones = []vma.Zone{vma.ZoneSurface, vma.ZoneDynamic, vma.ZoneOther}
	stressSizes = []uint64{
		256, 1000, 4 * vma.KiB, 12 * vma.KiB, 64 * vma.KiB,
		200 * vma.KiB, vma.MiB, 3 * vma.MiB, 16 * vma.MiB,
	}
)

const (
	maxLive     = 64
	shareEvery  = 64
	signalEvery = 5 * time.Millisecond
)

// stress runs buffer allocation workers against a simulated device.
type stress struct {
	gpu        *simdev.GPU
	reg        *bufmgr.Registry
	policy     bufmgr.Policy
	options    []bufmgr.Option
	workers    int
	iterations int

	allocs   atomic.Uint64
	shared   atomic.Uint64
	failures atomic.Uint64
}

func (s *stress) run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		errs = make([]error, s.workers)
		done = make(chan struct{})
	)

	go s.signal(done)
	defer close(done)

	for id := 0; id < s.workers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			errs[id] = s.worker(ctx, id)
		}(id)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// signal completes all submitted GPU work periodically.
func (s *stress) signal(done <-chan struct{}) {
	ticker := time.NewTicker(signalEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			s.gpu.SignalAll()
			return
		case <-ticker.C:
			s.gpu.SignalAll()
		}
	}
}

func (s *stress) worker(ctx context.Context, id int) (retErr error) {
	conn, err := s.gpu.Open()
	if err != nil {
		return fmt.Errorf("worker #%d: failed to open device: %w", id, err)
	}
	defer func() {
		if err := conn.Shutdown(); err != nil {
			log.Warn("worker #%d: failed to shut down connection: %v", id, err)
		}
	}()

	m, err := s.reg.Get(conn, s.policy, s.options...)
	if err != nil {
		return fmt.Errorf("worker #%d: failed to get buffer manager: %w", id, err)
	}
	defer func() {
		if err := s.reg.Unref(m); err != nil && retErr == nil {
			retErr = fmt.Errorf("worker #%d: %w", id, err)
		}
	}()

	dev, ok := m.Device().(*simdev.Conn)
	if !ok {
		return fmt.Errorf("worker #%d: unexpected device connection %T", id, m.Device())
	}

	var (
		rnd      = rand.New(rand.NewPCG(uint64(id), uint64(time.Now().UnixNano())))
		tag      = fmt.Sprintf("stress-%d", id)
		live     []*bufmgr.Handle
		shareDue bool
	)
	defer func() {
		for _, h := range live {
			h.Unref()
		}
	}()

	for i := 0; i < s.iterations && ctx.Err() == nil; i++ {
		var (
			size  = stressSizes[rnd.IntN(len(stressSizes))]
			zone  = stressZones[rnd.IntN(len(stressZones))]
			flags bufmgr.AllocFlags
		)
		if rnd.IntN(8) == 0 {
			flags |= bufmgr.FlagZeroed
		}
		if rnd.IntN(16) == 0 {
			flags |= bufmgr.FlagForceSystem
		}

		h, err := m.Alloc(tag, size, 0, zone, flags)
		if err != nil {
			if !errors.Is(err, bufmgr.ErrNoMemory) {
				return fmt.Errorf("worker #%d: failed to allocate %d bytes: %w", id, size, err)
			}
			s.failures.Add(1)
			for _, h := range live {
				h.Unref()
			}
			live = live[:0]
			continue
		}
		s.allocs.Add(1)

		if rnd.IntN(4) == 0 {
			buf, err := m.Map(h, bufmgr.MapWrite)
			if err != nil {
				h.Unref()
				return fmt.Errorf("worker #%d: failed to map %s: %w", id, h, err)
			}
			buf[0], buf[len(buf)-1] = byte(i), byte(id)
		}

		if rnd.IntN(2) == 0 {
			if err := s.submit(m, dev, h); err != nil {
				h.Unref()
				return fmt.Errorf("worker #%d: %w", id, err)
			}
		}

		if i%shareEvery == 0 {
			shareDue = true
		}
		if shareDue && h.Kind() == bufmgr.KindReal {
			shareDue = false
			if err := s.share(m, h); err != nil {
				h.Unref()
				return fmt.Errorf("worker #%d: %w", id, err)
			}
		}

		live = append(live, h)
		if len(live) > maxLive {
			j := rnd.IntN(len(live))
			live[j].Unref()
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
		}
	}

	return nil
}

// submit simulates GPU work writing the buffer.
func (s *stress) submit(m *bufmgr.Manager, dev *simdev.Conn, h *bufmgr.Handle) error {
	f, err := m.CreateFence()
	if err != nil {
		return fmt.Errorf("failed to create fence: %w", err)
	}
	defer f.Unref()

	h.AddDependency(0, f, true)

	if err := dev.Execute(f.ID(), h.Object()); err != nil {
		return fmt.Errorf("failed to submit %s: %w", h, err)
	}

	return nil
}

// share exports the buffer by name and imports it back, which must
// yield the same handle.
func (s *stress) share(m *bufmgr.Manager, h *bufmgr.Handle) error {
	name, err := m.Export(h)
	if err != nil {
		return fmt.Errorf("failed to export %s: %w", h, err)
	}

	imported, err := m.ImportByName(name)
	if err != nil {
		return fmt.Errorf("failed to import %s by name %d: %w", h, name, err)
	}
	defer imported.Unref()

	if imported != h {
		return fmt.Errorf("import of %s by name %d yielded different handle %s", h, name, imported)
	}
	s.shared.Add(1)

	return nil
}
