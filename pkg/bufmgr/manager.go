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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpu-bufmgr/pkg/bufmgr/vma"
	"github.com/intel/gpu-bufmgr/pkg/kernel"
	"github.com/intel/gpu-bufmgr/pkg/utils"
)

const (
	// DefaultRetention is how long idle buffers stay in the cache.
	DefaultRetention = time.Second
	// DefaultCacheMaxSize is the size of the largest cache bucket.
	DefaultCacheMaxSize = 64 * vma.MiB
)

// Policy is the part of the configuration of a Manager that must agree
// between users sharing it.
type Policy struct {
	// CacheReuse enables reusing idle buffers from the cache.
	CacheReuse bool
}

// AuxMapper is notified when the address range of a buffer with
// auxiliary translation metadata goes away.
type AuxMapper interface {
	UnmapRange(addr, size uint64)
}

// Manager manages the buffer objects of a single device connection.
type Manager struct {
	mu     sync.Mutex // cache, zombies, zones, slabs, identity tables
	depsMu sync.Mutex // dependency sets

	dev      *kernel.Client
	identity kernel.DeviceID
	hasLocal bool

	vma      *vma.Allocator
	buckets  [kernel.NumClasses][]*bucket
	tiers    []*slabTier
	zombies  entryQueue
	objects  map[kernel.ObjectID]*Handle
	names    map[kernel.ExportName]*Handle
	handles  map[*Handle]struct{}
	contexts map[kernel.ContextID]struct{}
	counters counters
	closed   bool

	policy    Policy
	retention time.Duration
	cacheMax  uint64
	slabs     bool
	minOrder  uint
	maxOrder  uint
	llc       bool
	debug     bool
	layout    map[vma.Zone]vma.Range
	vmaOpts   []vma.AllocatorOption
	aux       AuxMapper
	now       func() time.Time
}

type counters struct {
	hits      uint64
	misses    uint64
	purged    uint64
	evicted   uint64
	slabAlloc uint64
	leaked    uint64
}

// Option is an opaque option for a Manager.
type Option func(*Manager) error

// WithPolicy is an option to set the policy of the manager.
func WithPolicy(p Policy) Option {
	return func(m *Manager) error {
		m.policy = p
		return nil
	}
}

// WithRetention is an option to set how long idle buffers are cached.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) error {
		if d < 0 {
			return fmt.Errorf("%w: negative retention %s", ErrInvalidArgument, d)
		}
		m.retention = d
		return nil
	}
}

// WithCacheMaxSize is an option to set the size of the largest cache bucket.
func WithCacheMaxSize(size uint64) Option {
	return func(m *Manager) error {
		if size < 4*vma.PageSize {
			return fmt.Errorf("%w: cache max size %d", ErrInvalidArgument, size)
		}
		m.cacheMax = size
		return nil
	}
}

// WithSlabs is an option to enable or disable slab sub-allocation.
func WithSlabs(enabled bool) Option {
	return func(m *Manager) error {
		m.slabs = enabled
		return nil
	}
}

// WithSlabOrders is an option to set the range of slab entry sizes as
// orders of two.
func WithSlabOrders(minOrder, maxOrder uint) Option {
	return func(m *Manager) error {
		if minOrder < 4 || maxOrder < minOrder || maxOrder > 24 {
			return fmt.Errorf("%w: slab orders %d..%d", ErrInvalidArgument, minOrder, maxOrder)
		}
		m.minOrder, m.maxOrder = minOrder, maxOrder
		return nil
	}
}

// WithZoneLayout is an option to override the address of some zones.
func WithZoneLayout(layout map[vma.Zone]vma.Range) Option {
	return func(m *Manager) error {
		for z, r := range layout {
			if !z.IsValid() {
				return fmt.Errorf("%w: %d", vma.ErrInvalidZone, z)
			}
			m.layout[z] = r
		}
		return nil
	}
}

// WithMinAlignment is an option to set the minimum alignment of GPU
// virtual addresses.
func WithMinAlignment(alignment uint64) Option {
	return func(m *Manager) error {
		m.vmaOpts = append(m.vmaOpts, vma.WithMinAlignment(alignment))
		return nil
	}
}

// WithSmallVMABuckets is an option to group small address reservations
// of up to maxPages pages into larger blocks.
func WithSmallVMABuckets(maxPages uint64) Option {
	return func(m *Manager) error {
		m.vmaOpts = append(m.vmaOpts, vma.WithSmallBuckets(maxPages))
		return nil
	}
}

// WithLLC is an option to declare whether the device shares the last
// level cache with the CPU.
func WithLLC(llc bool) Option {
	return func(m *Manager) error {
		m.llc = llc
		return nil
	}
}

// WithDebugChecks is an option to enable internal consistency checks.
// Identity violations panic with checks enabled.
func WithDebugChecks(enabled bool) Option {
	return func(m *Manager) error {
		m.debug = enabled
		return nil
	}
}

// WithAuxMapper is an option to set the consumer of aux-map notifications.
func WithAuxMapper(aux AuxMapper) Option {
	return func(m *Manager) error {
		m.aux = aux
		return nil
	}
}

// WithClock is an option to set the clock used for cache retention.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) error {
		if now == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidArgument)
		}
		m.now = now
		return nil
	}
}

// NewManager creates a manager for the given device connection. The
// manager takes ownership of the connection and shuts it down on Close.
func NewManager(dev kernel.Device, options ...Option) (*Manager, error) {
	m := &Manager{
		dev:       kernel.NewClient(dev),
		objects:   make(map[kernel.ObjectID]*Handle),
		names:     make(map[kernel.ExportName]*Handle),
		handles:   make(map[*Handle]struct{}),
		contexts:  make(map[kernel.ContextID]struct{}),
		policy:    Policy{CacheReuse: true},
		retention: DefaultRetention,
		cacheMax:  DefaultCacheMaxSize,
		slabs:     true,
		minOrder:  DefaultSlabMinOrder,
		maxOrder:  DefaultSlabMaxOrder,
		layout:    vma.DefaultLayout(),
		now:       time.Now,
	}

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	id, err := m.dev.Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to query device identity: %w", err)
	}
	m.identity = id

	regions, err := m.dev.MemoryRegions()
	if err != nil {
		return nil, fmt.Errorf("failed to query memory regions: %w", err)
	}
	for _, r := range regions {
		if r.Class == kernel.ClassLocal && r.Size > 0 {
			m.hasLocal = true
		}
	}

	m.vma, err = vma.New(append([]vma.AllocatorOption{vma.WithLayout(m.layout)}, m.vmaOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create address allocator: %w", err)
	}

	m.initBuckets()
	m.initSlabTiers()

	log.Info("created manager for device %s (local memory: %v, LLC: %v, reuse: %v)",
		m.identity, m.hasLocal, m.llc, m.policy.CacheReuse)

	return m, nil
}

// Identity returns the identity of the managed device.
func (m *Manager) Identity() kernel.DeviceID {
	return m.identity
}

// Policy returns the policy of the manager.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Device returns the device connection of the manager.
func (m *Manager) Device() kernel.Device {
	return m.dev.Device()
}

// ZoneForAddress returns the zone containing a GPU virtual address.
func (m *Manager) ZoneForAddress(addr uint64) (vma.Zone, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vma.ZoneForAddress(addr)
}

// Alloc allocates a buffer of at least size bytes in the given zone.
func (m *Manager) Alloc(tag string, size, alignment uint64, zone vma.Zone, flags AllocFlags) (*Handle, error) {
	if err := m.checkAlloc(size, alignment, zone); err != nil {
		return nil, err
	}

	var (
		class = m.classFor(flags)
		mode  = m.modeFor(class, flags)
		h     *Handle
		err   error
	)

	if m.canSuballoc(size, alignment, zone, flags) {
		h, err = m.slabAlloc(tag, size, alignment, zone, class, mode, flags)
	}
	if h == nil && err == nil {
		h, _, err = m.allocReal(tag, size, alignment, zone, class, mode, flags)
	}
	if err != nil {
		return nil, err
	}

	details.Debug("allocated %q %s (flags %s)", tag, h, flags)

	if m.debug {
		m.mu.Lock()
		m.validateState("Alloc")
		m.mu.Unlock()
	}

	return h, nil
}

// AllocUserptr creates a buffer backed by the given page-aligned memory.
func (m *Manager) AllocUserptr(tag string, mem []byte, zone vma.Zone) (*Handle, error) {
	size := uint64(len(mem))
	if size == 0 || size%vma.PageSize != 0 {
		return nil, fmt.Errorf("%w: userptr size %d", ErrInvalidArgument, size)
	}
	if err := m.checkAlloc(size, 0, zone); err != nil {
		return nil, err
	}

	id, err := m.dev.CreateUserptr(mem)
	if err != nil {
		return nil, fmt.Errorf("failed to create userptr object: %w", err)
	}

	h := &Handle{
		m:       m,
		size:    size,
		zone:    zone,
		kind:    KindReal,
		class:   kernel.ClassSystem,
		mode:    kernel.MapWB,
		tag:     tag,
		userptr: true,
		object:  id,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.register(h); err != nil {
		m.counters.leaked++
		log.Error("leaking kernel object %d created for %q: %v", id, tag, err)
		return nil, err
	}
	if err := m.reserve(h, zone, 0); err != nil {
		m.closeObject(id)
		return nil, err
	}
	m.activate(h, m.now())

	return h, nil
}

func (m *Manager) checkAlloc(size, alignment uint64, zone vma.Zone) error {
	if size == 0 {
		return fmt.Errorf("%w: zero-sized allocation", ErrInvalidArgument)
	}
	if alignment != 0 && !utils.IsPowerOfTwo(alignment) {
		return fmt.Errorf("%w: %d", vma.ErrInvalidAlignment, alignment)
	}
	if !zone.IsValid() {
		return fmt.Errorf("%w: %w: %d", ErrInvalidArgument, vma.ErrInvalidZone, zone)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.checkOpen()
}

func (m *Manager) classFor(flags AllocFlags) kernel.MemoryClass {
	if m.hasLocal && flags&(FlagForceSystem|FlagCoherent) == 0 {
		return kernel.ClassLocal
	}
	return kernel.ClassSystem
}

func (m *Manager) modeFor(class kernel.MemoryClass, flags AllocFlags) kernel.MapMode {
	switch {
	case flags&FlagCoherent != 0:
		return kernel.MapWB
	case class == kernel.ClassLocal:
		return kernel.MapWC
	case flags&FlagScanout != 0:
		return kernel.MapWC
	case m.llc:
		return kernel.MapWB
	default:
		return kernel.MapWC
	}
}

// allocReal allocates a buffer with a kernel object of its own, from the
// cache if possible. It also returns whether the buffer was recycled.
func (m *Manager) allocReal(tag string, size, alignment uint64, zone vma.Zone,
	class kernel.MemoryClass, mode kernel.MapMode, flags AllocFlags) (*Handle, bool, error) {
	now := m.now()
	size = utils.AlignUp(size, vma.PageSize)

	bkt := m.bucketFor(class, size)
	if bkt != nil {
		size = bkt.size
	}
	reusable := m.policy.CacheReuse && bkt != nil

	m.mu.Lock()
	m.cleanCache(now)

	if reusable {
		if h := m.cacheAlloc(bkt, alignment, zone, mode); h != nil {
			m.counters.hits++
			h = m.recycle(h, tag, now)
			m.mu.Unlock()

			if flags&FlagZeroed != 0 {
				if err := m.zero(h); err != nil {
					h.Unref()
					return nil, false, err
				}
			}

			return h, true, nil
		}
	}

	m.counters.misses++
	m.mu.Unlock()

	h, err := m.allocFresh(tag, size, alignment, zone, class, mode, flags, reusable)
	if err != nil {
		return nil, false, err
	}

	return h, false, nil
}

func (m *Manager) allocFresh(tag string, size, alignment uint64, zone vma.Zone,
	class kernel.MemoryClass, mode kernel.MapMode, flags AllocFlags, reusable bool) (*Handle, error) {
	placements := []kernel.MemoryClass{class}

	id, err := m.dev.CreateObject(size, placements)
	if errors.Is(err, kernel.ErrNoMemory) && m.purgeCache() > 0 {
		id, err = m.dev.CreateObject(size, placements)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s object of %s: %w", class,
			utils.PrettySize(size), err)
	}

	if flags&FlagCoherent != 0 && !m.llc {
		if err := m.dev.SetCaching(id, kernel.CachingCached); err != nil {
			m.closeObject(id)
			return nil, fmt.Errorf("failed to set coherent caching: %w", err)
		}
	}

	h := &Handle{
		m:        m,
		size:     size,
		zone:     zone,
		kind:     KindReal,
		class:    class,
		mode:     mode,
		tag:      tag,
		reusable: reusable,
		object:   id,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.register(h); err != nil {
		m.counters.leaked++
		log.Error("leaking kernel object %d created for %q: %v", id, tag, err)
		return nil, err
	}
	if err := m.reserve(h, zone, alignment); err != nil {
		m.closeObject(id)
		return nil, err
	}
	m.activate(h, m.now())

	return h, nil
}

// reserve assigns an address to a new handle, evicting the cache once if
// the zone is out of space.
func (m *Manager) reserve(h *Handle, zone vma.Zone, alignment uint64) error {
	addr, err := m.vma.Reserve(zone, h.size, alignment)
	if errors.Is(err, vma.ErrNoSpace) && m.evictAll() > 0 {
		addr, err = m.vma.Reserve(zone, h.size, alignment)
	}
	if err != nil {
		return err
	}

	h.addr = addr
	h.zone = zone

	return nil
}

// activate registers a new handle with a single reference.
func (m *Manager) activate(h *Handle, now time.Time) {
	h.idle.Store(true)
	h.refs.Store(1)
	h.newEntry(StateActive, now)
	m.handles[h] = struct{}{}
	if h.kind == KindReal {
		m.objects[h.object] = h
	}
}

// recycle moves the kernel object and address of a cached handle into a
// new handle, leaving the old handle closed.
func (m *Manager) recycle(old *Handle, tag string, now time.Time) *Handle {
	h := &Handle{
		m:        m,
		size:     old.size,
		addr:     old.addr,
		zone:     old.zone,
		kind:     old.kind,
		class:    old.class,
		mode:     old.mode,
		tag:      tag,
		reusable: old.reusable,
		tiling:   old.tiling,
		object:   old.object,
	}
	h.mapping.Store(old.mapping.Swap(nil))

	old.state = StateClosed
	old.gen++
	delete(m.handles, old)

	m.activate(h, now)

	return h
}

func (m *Manager) zero(h *Handle) error {
	mem, err := m.mapping(h)
	if err != nil {
		return fmt.Errorf("failed to map buffer for zeroing: %w", err)
	}
	clear(mem)
	return nil
}

// finalUnref transitions a handle after its last reference is gone.
func (m *Manager) finalUnref(h *Handle, now time.Time) {
	if h.state != StateActive {
		log.Error("internal error: final unref of %s handle %s", h.state, h)
		return
	}

	if h.kind == KindSlabEntry {
		m.slabFree(h, now)
		m.validateState("slabFree")
		return
	}

	if h.reusable && m.policy.CacheReuse && !m.closed {
		if bkt := m.bucketFor(h.class, h.size); bkt != nil && bkt.size == h.size {
			retained, err := m.dev.Madvise(h.object, kernel.AdviceDontNeed)
			if err == nil && retained {
				m.cacheInsert(bkt, h, now)
				m.validateState("cacheInsert")
				return
			}
		}
	}

	m.retire(h, now)
	m.validateState("retire")
}

// retire closes an unreferenced handle if it is idle, or parks it in the
// zombie list otherwise.
func (m *Manager) retire(h *Handle, now time.Time) {
	if m.markIdleIfPossible(h, kernel.Poll) == nil {
		m.closeHandle(h)
		return
	}
	m.zombies.push(h.newEntry(StateZombie, now))
	details.Debug("%s is busy, parked as zombie", h)
}

// cleanZombies closes idle zombies, oldest first, up to the first busy one.
func (m *Manager) cleanZombies() {
	for m.zombies.size() > 0 {
		e := m.zombies.peek()
		if !e.stale(StateZombie) {
			if m.markIdleIfPossible(e.h, kernel.Poll) != nil {
				break
			}
			m.closeHandle(e.h)
		}
		m.zombies.pop()
	}
}

// closeHandle releases everything held by a real handle.
func (m *Manager) closeHandle(h *Handle) error {
	var errs *multierror.Error

	if h.auxAddr != 0 && m.aux != nil {
		m.aux.UnmapRange(h.addr, h.size)
		h.auxAddr = 0
	}
	if mem := h.mapping.Swap(nil); mem != nil {
		if err := m.dev.Unmap(*mem); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := m.vma.Release(h.zone, h.addr, h.size); err != nil {
		errs = multierror.Append(errs, err)
	}
	if h.name != 0 && m.names[h.name] == h {
		delete(m.names, h.name)
	}
	if m.objects[h.object] == h {
		delete(m.objects, h.object)
	}
	if err := m.dev.Close(h.object); err != nil {
		errs = multierror.Append(errs, err)
	}

	m.dropDependencies(h)
	h.state = StateClosed
	h.gen++
	delete(m.handles, h)

	if err := errs.ErrorOrNil(); err != nil {
		log.Error("failed to close %s: %v", h, err)
		return err
	}

	details.Debug("closed %s", h)

	return nil
}

func (m *Manager) closeObject(id kernel.ObjectID) {
	if err := m.dev.Close(id); err != nil {
		log.Error("failed to close kernel object %d: %v", id, err)
	}
}

// realOf returns the handle owning the kernel object of a handle, or nil
// for a slab entry which is no longer checked out.
func (m *Manager) realOf(h *Handle) *Handle {
	if h.kind != KindSlabEntry {
		return h
	}
	if h.state != StateActive {
		return nil
	}
	s, ok := m.tiers[h.slab.tier].slabs[h.slab.slab]
	if !ok {
		return nil
	}
	return s.backing
}

// Map returns a CPU mapping of the buffer. Unless MapRaw or MapNoWait is
// given, it first waits for the GPU to finish with the buffer.
func (m *Manager) Map(h *Handle, access MapFlags) ([]byte, error) {
	if err := m.checkActive(h); err != nil {
		return nil, err
	}

	switch {
	case access&MapRaw != 0:
	case access&MapNoWait != 0:
		if err := m.markIdleIfPossible(h, kernel.Poll); err != nil {
			if errors.Is(err, kernel.ErrTimeout) {
				return nil, fmt.Errorf("%w: %s", ErrBusy, h)
			}
			return nil, err
		}
	default:
		if err := m.markIdleIfPossible(h, kernel.Forever); err != nil {
			return nil, err
		}
	}

	return m.mapping(h)
}

// mapping returns the mapping of a handle, creating it if necessary.
// Concurrent creators race and the losers discard their mapping.
func (m *Manager) mapping(h *Handle) ([]byte, error) {
	if mem := h.mapping.Load(); mem != nil {
		return *mem, nil
	}

	if h.kind == KindSlabEntry {
		m.mu.Lock()
		backing := m.realOf(h)
		m.mu.Unlock()

		if backing == nil {
			return nil, fmt.Errorf("%w: %s", ErrClosedHandle, h)
		}

		bmem, err := m.mapping(backing)
		if err != nil {
			return nil, err
		}

		off := h.addr - backing.addr
		mem := bmem[off : off+h.size : off+h.size]
		h.mapping.CompareAndSwap(nil, &mem)

		return *h.mapping.Load(), nil
	}

	mem, err := m.dev.Map(h.object, h.mode, h.size)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", h, err)
	}

	if !h.mapping.CompareAndSwap(nil, &mem) {
		if err := m.dev.Unmap(mem); err != nil {
			log.Error("failed to unmap redundant mapping of %s: %v", h, err)
		}
	}

	return *h.mapping.Load(), nil
}

// Wait waits for the GPU to finish with the buffer. A zero timeout
// polls, a negative one waits without bound. ErrTimeout is returned if
// the buffer is still busy.
func (m *Manager) Wait(h *Handle, timeout time.Duration) error {
	if err := m.checkActive(h); err != nil {
		return err
	}
	return m.markIdleIfPossible(h, timeout)
}

func (m *Manager) checkActive(h *Handle) error {
	if h == nil || h.m != m {
		return fmt.Errorf("%w: foreign or nil handle", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h.state != StateActive {
		return fmt.Errorf("%w: %s is %s", ErrClosedHandle, h, h.state)
	}

	return nil
}

// SetTiling sets the tiling mode of a buffer.
func (m *Manager) SetTiling(h *Handle, tiling kernel.Tiling) error {
	if err := m.checkActive(h); err != nil {
		return err
	}
	if h.kind == KindSlabEntry {
		return fmt.Errorf("%w: cannot set tiling of slab entry %s", ErrInvalidArgument, h)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h.tiling == tiling {
		return nil
	}
	if err := m.dev.SetTiling(h.object, tiling); err != nil {
		return err
	}
	h.tiling = tiling

	return nil
}

// SetCaching sets the kernel caching mode of a buffer. The buffer will
// no longer be reused from the cache.
func (m *Manager) SetCaching(h *Handle, caching kernel.Caching) error {
	if err := m.checkActive(h); err != nil {
		return err
	}
	if h.kind == KindSlabEntry {
		return fmt.Errorf("%w: cannot set caching of slab entry %s", ErrInvalidArgument, h)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h.exported {
		return fmt.Errorf("%w: caching of %s", ErrExported, h)
	}
	if err := m.dev.SetCaching(h.object, caching); err != nil {
		return err
	}
	h.reusable = false

	return nil
}

// SetAuxMapAddress records the aux-map metadata address of a buffer.
func (m *Manager) SetAuxMapAddress(h *Handle, addr uint64) error {
	if err := m.checkActive(h); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	h.auxAddr = addr

	return nil
}

// CreateFence creates a fence for tracking GPU work on buffers.
func (m *Manager) CreateFence() (*kernel.Fence, error) {
	return m.dev.CreateFence()
}

// CreateContext creates a hardware context.
func (m *Manager) CreateContext(priority kernel.Priority) (kernel.ContextID, error) {
	id, err := m.dev.CreateContext(priority)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[id] = struct{}{}

	return id, nil
}

// DestroyContext destroys a hardware context.
func (m *Manager) DestroyContext(id kernel.ContextID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contexts[id]; !ok {
		return fmt.Errorf("%w: unknown context %d", ErrInvalidArgument, id)
	}
	delete(m.contexts, id)

	return m.dev.DestroyContext(id)
}

// SetContextPriority sets the scheduling priority of a hardware context.
func (m *Manager) SetContextPriority(id kernel.ContextID, priority kernel.Priority) error {
	return m.dev.SetContextPriority(id, priority)
}

// Close tears down the manager. Cached, zombie and slab buffers are
// closed regardless of their GPU state, and the device connection is
// shut down. Any handle still referenced by callers is closed as well.
func (m *Manager) Close() error {
	var errs *multierror.Error

	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	for class := range m.buckets {
		for _, bkt := range m.buckets[class] {
			for _, e := range bkt.entries {
				if !e.stale(StateCached) {
					errs = multierror.Append(errs, m.closeHandle(e.h))
				}
			}
			bkt.entries = nil
		}
	}

	m.zombies.drain(func(e entry) {
		if !e.stale(StateZombie) {
			errs = multierror.Append(errs, m.closeHandle(e.h))
		}
	})

	errs = multierror.Append(errs, m.destroySlabs())

	for h := range m.handles {
		log.Warn("closing leaked handle %s (%q, %d references)", h, h.tag, h.refs.Load())
		h.refs.Store(0)
		if h.kind == KindSlabEntry {
			m.dropDependencies(h)
			h.state = StateClosed
			h.gen++
			delete(m.handles, h)
			continue
		}
		errs = multierror.Append(errs, m.closeHandle(h))
	}

	for id := range m.contexts {
		errs = multierror.Append(errs, m.dev.DestroyContext(id))
	}
	clear(m.contexts)

	m.mu.Unlock()

	errs = multierror.Append(errs, m.dev.Shutdown())

	log.Info("closed manager for device %s", m.identity)

	return errs.ErrorOrNil()
}
