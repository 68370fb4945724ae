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

// Package simdev implements an in-process simulated GPU behind the
// kernel.Device interface. Objects are backed by anonymous memory, fences
// are signaled explicitly by the caller, and transient interruptions can
// be injected to exercise retry paths.
package simdev

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/intel/gpu-bufmgr/pkg/kernel"
	logger "github.com/intel/gpu-bufmgr/pkg/log"
)

var log = logger.Get("simdev")

const pageSize = 4096

// GPU is a simulated device. Connections to it are created with Open.
type GPU struct {
	mu        sync.Mutex
	id        kernel.DeviceID
	regions   []kernel.Region
	used      [kernel.NumClasses]uint64
	objects   map[*object]struct{}
	names     map[kernel.ExportName]*object
	fds       map[int]*object
	fences    map[kernel.FenceID]*fence
	mappings  map[*byte]*object
	nextNS    kernel.ConnectionID
	nextName  kernel.ExportName
	nextFD    int
	nextFence kernel.FenceID
	every     uint64
	calls     atomic.Uint64
	lost      atomic.Bool
	creates   atomic.Uint64
}

// Conn is a connection to a simulated GPU.
type Conn struct {
	gpu    *GPU
	ns     *namespace
	closed bool
}

type namespace struct {
	id       kernel.ConnectionID
	refs     int
	handles  map[kernel.ObjectID]*object
	ids      map[*object]kernel.ObjectID
	contexts map[kernel.ContextID]kernel.Priority
	next     uint32
}

type object struct {
	size      uint64
	class     kernel.MemoryClass
	mem       []byte
	userptr   bool
	tiling    kernel.Tiling
	caching   kernel.Caching
	mode      kernel.MapMode
	purgeable bool
	purged    bool
	refs      int // handles and exported fds
	maps      int
	name      kernel.ExportName
	fences    []*fence
}

type fence struct {
	id   kernel.FenceID
	done chan struct{}
}

// Info describes the state of an object.
type Info struct {
	Size      uint64
	Class     kernel.MemoryClass
	Userptr   bool
	Tiling    kernel.Tiling
	Caching   kernel.Caching
	MapMode   kernel.MapMode
	Purgeable bool
	Purged    bool
	Mapped    int
	Name      kernel.ExportName
}

// Option is an option for a simulated GPU.
type Option func(*GPU)

// WithIdentity sets the device identity of the GPU.
func WithIdentity(id kernel.DeviceID) Option {
	return func(g *GPU) {
		g.id = id
	}
}

// WithRegions sets the memory regions of the GPU.
func WithRegions(regions ...kernel.Region) Option {
	return func(g *GPU) {
		g.regions = append([]kernel.Region{}, regions...)
	}
}

// WithInterrupts makes every nth call fail with EINTR.
func WithInterrupts(every int) Option {
	return func(g *GPU) {
		g.every = uint64(every)
	}
}

// New creates a new simulated GPU.
func New(options ...Option) *GPU {
	g := &GPU{
		id: "sim:0000:00:02.0",
		regions: []kernel.Region{
			{Class: kernel.ClassSystem, Size: 4 << 30},
		},
		objects:  make(map[*object]struct{}),
		names:    make(map[kernel.ExportName]*object),
		fds:      make(map[int]*object),
		fences:   make(map[kernel.FenceID]*fence),
		mappings: make(map[*byte]*object),
		nextFD:   100,
	}

	for _, o := range options {
		o(g)
	}

	return g
}

// Open opens a new connection with its own object namespace.
func (g *GPU) Open() (*Conn, error) {
	if g.lost.Load() {
		return nil, unix.ENODEV
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextNS++
	ns := &namespace{
		id:       g.nextNS,
		refs:     1,
		handles:  make(map[kernel.ObjectID]*object),
		ids:      make(map[*object]kernel.ObjectID),
		contexts: make(map[kernel.ContextID]kernel.Priority),
	}

	return &Conn{gpu: g, ns: ns}, nil
}

// Creates returns the number of objects created so far.
func (g *GPU) Creates() uint64 {
	return g.creates.Load()
}

// Objects returns the number of live objects.
func (g *GPU) Objects() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.objects)
}

// Used returns the amount of memory allocated from a memory class.
func (g *GPU) Used(class kernel.MemoryClass) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used[class]
}

// Lose marks the device lost. Every subsequent call fails.
func (g *GPU) Lose() {
	g.lost.Store(true)
}

// Purge discards the contents of every idle purgeable object. It
// returns the number of purged objects.
func (g *GPU) Purge() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cnt := 0
	for o := range g.objects {
		if o.purgeable && !o.purged && !o.busy() {
			o.purged = true
			clear(o.mem)
			cnt++
		}
	}

	log.Debug("purged %d objects", cnt)

	return cnt
}

// Signal signals a fence.
func (g *GPU) Signal(id kernel.FenceID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.fences[id]
	if !ok {
		return unix.ENOENT
	}
	f.signal()

	return nil
}

// SignalAll signals every pending fence.
func (g *GPU) SignalAll() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cnt := 0
	for _, f := range g.fences {
		if !f.signaled() {
			f.signal()
			cnt++
		}
	}

	return cnt
}

// Pending returns the number of unsignaled fences.
func (g *GPU) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cnt := 0
	for _, f := range g.fences {
		if !f.signaled() {
			cnt++
		}
	}

	return cnt
}

func (g *GPU) interrupted() bool {
	return g.every > 0 && g.calls.Add(1)%g.every == 0
}

func (g *GPU) unref(o *object) {
	o.refs--
	g.maybeFree(o)
}

func (g *GPU) maybeFree(o *object) {
	if o.refs > 0 || o.maps > 0 {
		return
	}

	delete(g.objects, o)
	if o.name != 0 {
		delete(g.names, o.name)
	}

	if o.userptr {
		return
	}

	g.used[o.class] -= o.size
	if err := freeMem(o.mem); err != nil {
		log.Error("failed to free object storage: %v", err)
	}
	o.mem = nil
}

func (o *object) busy() bool {
	pending := o.fences[:0]
	for _, f := range o.fences {
		if !f.signaled() {
			pending = append(pending, f)
		}
	}
	clear(o.fences[len(pending):])
	o.fences = pending
	return len(pending) > 0
}

func (f *fence) signal() {
	if !f.signaled() {
		close(f.done)
	}
}

func (f *fence) signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// wait waits for all fences without holding any lock.
func wait(fences []*fence, timeout time.Duration) error {
	if timeout == 0 {
		for _, f := range fences {
			if !f.signaled() {
				return unix.ETIME
			}
		}
		return nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for _, f := range fences {
		select {
		case <-f.done:
		case <-expired:
			return unix.ETIME
		}
	}

	return nil
}

func (o *object) String() string {
	return fmt.Sprintf("object<%d bytes, %s>", o.size, o.class)
}
