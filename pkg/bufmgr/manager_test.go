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

package bufmgr_test

import (
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/intel/gpu-bufmgr/pkg/bufmgr"
	"github.com/intel/gpu-bufmgr/pkg/bufmgr/vma"
	"github.com/intel/gpu-bufmgr/pkg/kernel"
	"github.com/intel/gpu-bufmgr/pkg/kernel/simdev"
)

func TestAllocErrors(t *testing.T) {
	type testCase struct {
		name      string
		size      uint64
		alignment uint64
		zone      vma.Zone
		expect    error
	}

	e := newTestEnv(t)

	for _, tc := range []*testCase{
		{
			name:   "zero size",
			size:   0,
			zone:   vma.ZoneOther,
			expect: ErrInvalidArgument,
		},
		{
			name:      "bad alignment",
			size:      4096,
			alignment: 3 * 4096,
			zone:      vma.ZoneOther,
			expect:    vma.ErrInvalidAlignment,
		},
		{
			name:   "bad zone",
			size:   4096,
			zone:   vma.NumZones,
			expect: ErrInvalidArgument,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h, err := e.m.Alloc(tc.name, tc.size, tc.alignment, tc.zone, 0)
			require.ErrorIs(t, err, tc.expect)
			require.Nil(t, h)
		})
	}

	require.Nil(t, e.m.Close())
	_, err := e.m.Alloc("closed", 4096, 0, vma.ZoneOther, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAllocPlacement(t *testing.T) {
	type testCase struct {
		name   string
		flags  AllocFlags
		class  kernel.MemoryClass
		mode   kernel.MapMode
		kind   Kind
		region bool
	}

	gpu := simdev.New(simdev.WithRegions(
		kernel.Region{Class: kernel.ClassSystem, Size: 1 << 30},
		kernel.Region{Class: kernel.ClassLocal, Size: 1 << 30},
	))
	e := newTestEnvOn(t, gpu)

	for _, tc := range []*testCase{
		{
			name:  "local by default",
			class: kernel.ClassLocal,
			mode:  kernel.MapWC,
			kind:  KindSlabEntry,
		},
		{
			name:  "forced system",
			flags: FlagForceSystem,
			class: kernel.ClassSystem,
			mode:  kernel.MapWC,
			kind:  KindSlabEntry,
		},
		{
			name:  "coherent",
			flags: FlagCoherent,
			class: kernel.ClassSystem,
			mode:  kernel.MapWB,
			kind:  KindReal,
		},
		{
			name:  "no suballocation",
			flags: FlagNoSuballoc,
			class: kernel.ClassLocal,
			mode:  kernel.MapWC,
			kind:  KindReal,
		},
		{
			name:  "scanout",
			flags: FlagScanout | FlagForceSystem,
			class: kernel.ClassSystem,
			mode:  kernel.MapWC,
			kind:  KindReal,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := e.alloc(t, tc.name, 4096, vma.ZoneOther, tc.flags)
			defer h.Unref()

			require.Equal(t, tc.class, h.Class())
			require.Equal(t, tc.mode, h.MapMode())
			require.Equal(t, tc.kind, h.Kind())
			require.Equal(t, tc.class, e.info(t, h).Class, "kernel placement")
		})
	}
}

func TestCoherentCaching(t *testing.T) {
	e := newTestEnv(t)

	h := e.alloc(t, "coherent", 8192, vma.ZoneOther, FlagCoherent)
	require.Equal(t, kernel.CachingCached, e.info(t, h).Caching)
	h.Unref()

	llc := newTestEnv(t, WithLLC(true))
	h = llc.alloc(t, "coherent", 8192, vma.ZoneOther, FlagCoherent)
	require.Equal(t, kernel.CachingNone, llc.info(t, h).Caching, "LLC needs no snooping")
	require.Equal(t, kernel.MapWB, h.MapMode())
	h.Unref()
}

func TestRefUnref(t *testing.T) {
	e := newTestEnv(t, WithSlabs(false), WithPolicy(Policy{CacheReuse: false}))

	h := e.alloc(t, "refs", 4096, vma.ZoneOther, 0)
	require.Equal(t, int32(1), h.Refs())
	require.Same(t, h, h.Ref())
	require.Equal(t, int32(2), h.Refs())

	h.Unref()
	require.Equal(t, StateActive, h.State())
	h.Unref()
	require.Equal(t, StateClosed, h.State())
	require.Equal(t, 0, e.gpu.Objects())

	require.Panics(t, func() { h.Unref() }, "unref of closed handle with debug checks")
}

func TestIdleBeforeClose(t *testing.T) {
	e := newTestEnv(t, WithSlabs(false), WithPolicy(Policy{CacheReuse: false}))

	h := e.alloc(t, "busy", 4096, vma.ZoneOther, 0)
	f := e.busy(t, h)
	defer f.Unref()

	require.False(t, h.IsIdle())
	require.ErrorIs(t, e.m.Wait(h, kernel.Poll), ErrTimeout)
	require.ErrorIs(t, e.m.Wait(h, 10*time.Millisecond), ErrTimeout)

	h.Unref()
	require.Equal(t, StateZombie, h.State())
	require.Equal(t, 1, e.gpu.Objects())

	e.alloc(t, "other", 4096, vma.ZoneOther, 0).Unref()
	require.Equal(t, StateZombie, h.State(), "busy zombie must not be closed")

	require.Nil(t, e.gpu.Signal(f.ID()))
	e.alloc(t, "other", 4096, vma.ZoneOther, 0).Unref()
	require.Equal(t, StateClosed, h.State())
	require.Equal(t, 0, e.gpu.Objects())
}

func TestWaitDropsDependencies(t *testing.T) {
	e := newTestEnv(t, WithSlabs(false))

	h := e.alloc(t, "deps", 4096, vma.ZoneOther, 0)
	defer h.Unref()

	r, err := e.m.CreateFence()
	require.Nil(t, err)
	defer r.Unref()
	w, err := e.m.CreateFence()
	require.Nil(t, err)
	defer w.Unref()

	h.AddDependency(1, w, true)
	h.AddDependency(1, r, false)
	h.AddDependency(2, r, false)
	require.Equal(t, []Dependency{
		{Queue: 1, Read: r.ID(), Write: w.ID()},
		{Queue: 2, Read: r.ID()},
	}, h.Dependencies())
	require.Equal(t, int32(3), r.Refs())

	done := make(chan error, 1)
	go func() {
		done <- e.m.Wait(h, kernel.Forever)
	}()

	require.Nil(t, e.gpu.Signal(r.ID()))
	require.Nil(t, e.gpu.Signal(w.ID()))
	require.Nil(t, <-done)

	require.True(t, h.IsIdle())
	require.Empty(t, h.Dependencies())
	require.Equal(t, int32(1), r.Refs())
	require.Equal(t, int32(1), w.Refs())
}

func TestMap(t *testing.T) {
	e := newTestEnv(t, WithSlabs(false))

	h := e.alloc(t, "map", 8192, vma.ZoneOther, 0)
	defer h.Unref()

	mem, err := e.m.Map(h, MapWrite)
	require.Nil(t, err)
	require.Len(t, mem, 8192)
	again, err := e.m.Map(h, MapRead)
	require.Nil(t, err)
	require.Same(t, &mem[0], &again[0], "mapping is created once")
	require.Equal(t, 1, e.info(t, h).Mapped)

	f := e.busy(t, h)
	defer f.Unref()

	_, err = e.m.Map(h, MapWrite|MapNoWait)
	require.ErrorIs(t, err, ErrBusy)
	_, err = e.m.Map(h, MapWrite|MapRaw)
	require.Nil(t, err, "raw mapping does not synchronize")

	require.Nil(t, e.gpu.Signal(f.ID()))
	_, err = e.m.Map(h, MapWrite|MapNoWait)
	require.Nil(t, err)
}

func TestConcurrentMap(t *testing.T) {
	e := newTestEnv(t, WithSlabs(false))

	h := e.alloc(t, "map", 8192, vma.ZoneOther, 0)
	defer h.Unref()

	var (
		wg   sync.WaitGroup
		mems = make([][]byte, 8)
		errs = make([]error, 8)
	)
	for i := range mems {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mems[i], errs[i] = e.m.Map(h, MapRead)
		}()
	}
	wg.Wait()

	for i := range mems {
		require.Nil(t, errs[i])
		require.Same(t, &mems[0][0], &mems[i][0])
	}
	require.Equal(t, 1, e.info(t, h).Mapped, "redundant mappings are discarded")
}

func TestUserptr(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.m.AllocUserptr("bad", make([]byte, 100), vma.ZoneOther)
	require.ErrorIs(t, err, ErrInvalidArgument)

	mem := make([]byte, 2*vma.PageSize)
	h, err := e.m.AllocUserptr("userptr", mem, vma.ZoneOther)
	require.Nil(t, err)
	require.Equal(t, kernel.MapWB, h.MapMode())
	require.False(t, h.IsReusable())
	require.True(t, e.info(t, h).Userptr)

	mapped, err := e.m.Map(h, MapWrite)
	require.Nil(t, err)
	mapped[0] = 0x5a
	require.Equal(t, byte(0x5a), mem[0])

	h.Unref()
	require.Equal(t, StateClosed, h.State())
}

func TestTilingAndCaching(t *testing.T) {
	e := newTestEnv(t, WithSlabs(false))

	h := e.alloc(t, "tiled", 16384, vma.ZoneOther, 0)
	require.Nil(t, e.m.SetTiling(h, kernel.TilingY))
	require.Equal(t, kernel.TilingY, h.Tiling())
	require.Equal(t, kernel.TilingY, e.info(t, h).Tiling)

	h.Unref()
	require.Equal(t, StateCached, h.State())

	h2 := e.alloc(t, "recycled", 16384, vma.ZoneOther, 0)
	require.Equal(t, kernel.TilingNone, h2.Tiling(), "tiling is reset on reuse")
	require.Equal(t, kernel.TilingNone, e.info(t, h2).Tiling)

	require.Nil(t, e.m.SetCaching(h2, kernel.CachingDisplay))
	require.False(t, h2.IsReusable())
	h2.Unref()
	require.Equal(t, StateClosed, h2.State())

	slab := e.alloc(t, "entry", 256, vma.ZoneOther, FlagForceSystem)
	require.Equal(t, StateActive, slab.State())
	require.ErrorIs(t, newTestEnv(t).m.SetTiling(slab, kernel.TilingX), ErrInvalidArgument, "foreign handle")
	slab.Unref()
	require.ErrorIs(t, e.m.SetTiling(slab, kernel.TilingX), ErrClosedHandle)
}

func TestAuxMapper(t *testing.T) {
	aux := &testAux{}
	e := newTestEnv(t, WithSlabs(false), WithPolicy(Policy{CacheReuse: false}), WithAuxMapper(aux))

	h := e.alloc(t, "aux", 65536, vma.ZoneOther, 0)
	require.Nil(t, e.m.SetAuxMapAddress(h, 0x1000))
	addr := h.Address()
	h.Unref()

	require.Equal(t, [][2]uint64{{addr, 65536}}, aux.unmapped)
}

type testAux struct {
	unmapped [][2]uint64
}

func (a *testAux) UnmapRange(addr, size uint64) {
	a.unmapped = append(a.unmapped, [2]uint64{addr, size})
}

func TestNoMemory(t *testing.T) {
	gpu := simdev.New(simdev.WithRegions(
		kernel.Region{Class: kernel.ClassSystem, Size: 64 * vma.KiB},
	))
	e := newTestEnvOn(t, gpu, WithSlabs(false))

	e.alloc(t, "cached", 32*vma.KiB, vma.ZoneOther, 0).Unref()
	require.Equal(t, 1, e.m.Stats().Cached)

	h := e.alloc(t, "big", 48*vma.KiB, vma.ZoneOther, 0)
	require.Equal(t, 0, e.m.Stats().Cached, "cache purged to make room")

	_, err := e.m.Alloc("too big", 32*vma.KiB, 0, vma.ZoneOther, 0)
	require.ErrorIs(t, err, ErrNoMemory)
	require.Equal(t, 1, e.gpu.Objects(), "no partial state retained")

	h.Unref()
}

func TestDeviceLost(t *testing.T) {
	e := newTestEnv(t, WithSlabs(false))

	h := e.alloc(t, "lost", 4096, vma.ZoneOther, 0)
	e.gpu.Lose()

	_, err := e.m.Alloc("lost", 1<<20, 0, vma.ZoneOther, 0)
	require.ErrorIs(t, err, kernel.ErrDeviceLost)
	require.Error(t, e.m.Close())
	require.Equal(t, StateClosed, h.State())
}

func TestContexts(t *testing.T) {
	e := newTestEnv(t)

	id, err := e.m.CreateContext(kernel.PriorityHigh)
	require.Nil(t, err)
	prio, ok := e.conn.ContextPriority(id)
	require.True(t, ok)
	require.Equal(t, kernel.PriorityHigh, prio)

	require.Nil(t, e.m.SetContextPriority(id, kernel.PriorityLow))
	prio, _ = e.conn.ContextPriority(id)
	require.Equal(t, kernel.PriorityLow, prio)

	require.Nil(t, e.m.DestroyContext(id))
	require.ErrorIs(t, e.m.DestroyContext(id), ErrInvalidArgument)

	_, err = e.m.CreateContext(kernel.PriorityNormal)
	require.Nil(t, err)
}

func TestClose(t *testing.T) {
	e := newTestEnv(t)

	var (
		leaked = e.alloc(t, "leaked", 1<<20, vma.ZoneOther, FlagNoSuballoc)
		entry  = e.alloc(t, "entry", 512, vma.ZoneOther, 0)
		cached = e.alloc(t, "cached", 1<<20, vma.ZoneOther, FlagNoSuballoc)
		zombie = e.alloc(t, "zombie", 2<<20, vma.ZoneOther, FlagNoSuballoc)
	)
	cached.Unref()
	require.Nil(t, e.m.SetCaching(zombie, kernel.CachingCached))
	f := e.busy(t, zombie)
	defer f.Unref()
	zombie.Unref()

	require.Equal(t, StateCached, cached.State())
	require.Equal(t, StateZombie, zombie.State())

	mem, err := e.m.Map(leaked, MapWrite)
	require.Nil(t, err)
	require.NotEmpty(t, mem)

	require.Nil(t, e.m.Close())
	require.Nil(t, e.m.Close(), "closing twice is a no-op")

	for _, h := range []*Handle{leaked, entry, cached, zombie} {
		require.Equal(t, StateClosed, h.State(), "%s", h)
	}
	require.Equal(t, 0, e.gpu.Objects())
}

func TestConcurrentNonOverlap(t *testing.T) {
	e := newTestEnv(t, WithSmallVMABuckets(4))

	var (
		zones   = []vma.Zone{vma.ZoneSurface, vma.ZoneDynamic, vma.ZoneOther}
		flags   = []AllocFlags{0, FlagNoSuballoc, FlagZeroed, FlagCoherent}
		workers = 8
		rounds  = 200
		wg      sync.WaitGroup
		mu      sync.Mutex
		live    = map[*Handle]struct{}{}
	)

	check := func() {
		byZone := map[vma.Zone][]*Handle{}
		for h := range live {
			byZone[h.Zone()] = append(byZone[h.Zone()], h)
		}
		for zone, handles := range byZone {
			slices.SortFunc(handles, func(a, b *Handle) int {
				switch {
				case a.Address() < b.Address():
					return -1
				case a.Address() > b.Address():
					return 1
				}
				return 0
			})
			for i := 1; i < len(handles); i++ {
				prev, h := handles[i-1], handles[i]
				require.LessOrEqual(t, prev.Address()+prev.Size(), h.Address(),
					"overlap of %s and %s in zone %s", prev, h, zone)
			}
		}
	}

	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()

			var (
				rnd  = rand.New(rand.NewSource(seed))
				mine []*Handle
			)
			for i := 0; i < rounds; i++ {
				if len(mine) > 0 && rnd.Intn(3) == 0 {
					idx := rnd.Intn(len(mine))
					h := mine[idx]
					mine = slices.Delete(mine, idx, idx+1)
					mu.Lock()
					delete(live, h)
					mu.Unlock()
					h.Unref()
					continue
				}

				size := uint64(rnd.Intn(256*1024) + 1)
				h, err := e.m.Alloc("stress", size, 0, zones[rnd.Intn(len(zones))],
					flags[rnd.Intn(len(flags))])
				if err != nil {
					errs <- err
					return
				}
				mine = append(mine, h)

				mu.Lock()
				live[h] = struct{}{}
				mu.Unlock()
			}
			for _, h := range mine {
				mu.Lock()
				delete(live, h)
				mu.Unlock()
				h.Unref()
			}
		}(int64(w))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for running := true; running; {
		select {
		case err := <-errs:
			require.Nil(t, err)
		case <-done:
			running = false
		case <-time.After(time.Millisecond):
			mu.Lock()
			check()
			mu.Unlock()
		}
	}

	require.Equal(t, 0, e.m.Stats().Active)
}
