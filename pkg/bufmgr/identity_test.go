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
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/intel/gpu-bufmgr/pkg/bufmgr"
	"github.com/intel/gpu-bufmgr/pkg/bufmgr/vma"
	"github.com/intel/gpu-bufmgr/pkg/kernel"
	"github.com/intel/gpu-bufmgr/pkg/kernel/simdev"
)

func TestImportDedup(t *testing.T) {
	var (
		gpu = simdev.New()
		e1  = newTestEnvOn(t, gpu)
		e2  = newTestEnvOn(t, gpu)
	)

	h := e1.alloc(t, "shared", 8192, vma.ZoneOther, FlagNoSuballoc)
	defer h.Unref()

	name, err := e1.m.Export(h)
	require.Nil(t, err)
	require.True(t, h.IsExternal())
	require.False(t, h.IsReusable())
	again, err := e1.m.Export(h)
	require.Nil(t, err)
	require.Equal(t, name, again)

	i1, err := e2.m.ImportByName(name)
	require.Nil(t, err)
	require.Equal(t, int32(1), i1.Refs())
	require.Equal(t, vma.ZoneOther, i1.Zone())
	require.Equal(t, uint64(8192), i1.Size())
	require.True(t, i1.IsExternal())

	i2, err := e2.m.ImportByName(name)
	require.Nil(t, err)
	require.Same(t, i1, i2)
	require.Equal(t, int32(2), i1.Refs())

	fd, err := e1.m.ExportFD(h)
	require.Nil(t, err)
	i3, err := e2.m.ImportFD(fd)
	require.Nil(t, err)
	require.Same(t, i1, i3)
	require.Equal(t, int32(3), i1.Refs())
	require.Nil(t, e1.conn.CloseFD(fd))

	i4, err := e2.m.ImportObject(i1.Object(), i1.Size())
	require.Nil(t, err)
	require.Same(t, i1, i4)
	require.Equal(t, int32(4), i1.Refs())

	self, err := e1.m.ImportByName(name)
	require.Nil(t, err)
	require.Same(t, h, self, "importing an own export returns the exported handle")
	self.Unref()

	for range 4 {
		i1.Unref()
	}
	require.Equal(t, StateClosed, i1.State())
	require.Equal(t, StateActive, h.State())

	_, err = e2.m.ImportByName(name + 1000)
	require.ErrorIs(t, err, kernel.ErrInvalidObject)
}

func TestZombieResurrection(t *testing.T) {
	var (
		gpu = simdev.New()
		e1  = newTestEnvOn(t, gpu)
		e2  = newTestEnvOn(t, gpu)
	)

	h := e1.alloc(t, "shared", 8192, vma.ZoneOther, FlagNoSuballoc)
	defer h.Unref()
	name, err := e1.m.Export(h)
	require.Nil(t, err)

	imported, err := e2.m.ImportByName(name)
	require.Nil(t, err)

	f, err := e2.m.CreateFence()
	require.Nil(t, err)
	defer f.Unref()
	require.Nil(t, e2.conn.Execute(f.ID(), imported.Object()))

	imported.Unref()
	require.Equal(t, StateZombie, imported.State(), "busy shared buffer is kept")
	require.Equal(t, 1, e2.m.Stats().Zombies)

	again, err := e2.m.ImportByName(name)
	require.Nil(t, err)
	require.Same(t, imported, again)
	require.Equal(t, StateActive, again.State())
	require.Equal(t, int32(1), again.Refs())
	require.Equal(t, 0, e2.m.Stats().Zombies)

	require.Nil(t, gpu.Signal(f.ID()))
	e2.alloc(t, "trigger", 4096, vma.ZoneOther, 0).Unref()
	require.Equal(t, StateActive, again.State(), "resurrected buffer is not closed")

	again.Unref()
	require.Equal(t, StateClosed, again.State())
}

func TestIdentityViolation(t *testing.T) {
	e := newTestEnv(t)

	h := e.alloc(t, "owned", 8192, vma.ZoneOther, FlagNoSuballoc)
	defer h.Unref()

	require.Panics(t, func() {
		_, _ = e.m.ImportObject(h.Object(), 4096)
	}, "identity violation with debug checks")

	lax := newTestEnv(t, WithDebugChecks(false))
	h = lax.alloc(t, "owned", 8192, vma.ZoneOther, FlagNoSuballoc)
	defer h.Unref()

	_, err := lax.m.ImportObject(h.Object(), 4096)
	require.ErrorIs(t, err, ErrIdentityViolation)

	same, err := lax.m.ImportObject(h.Object(), 8192)
	require.Nil(t, err)
	require.Same(t, h, same)
	require.True(t, h.IsExternal())
	require.False(t, h.IsReusable())
	same.Unref()
}

// reusingDevice hands out an already live kernel object id on creation.
type reusingDevice struct {
	*simdev.Conn
	reuse kernel.ObjectID
}

func (d *reusingDevice) CreateObject(size uint64, placements []kernel.MemoryClass) (kernel.ObjectID, error) {
	if d.reuse != 0 {
		return d.reuse, nil
	}
	return d.Conn.CreateObject(size, placements)
}

func (d *reusingDevice) CreateUserptr(mem []byte) (kernel.ObjectID, error) {
	if d.reuse != 0 {
		return d.reuse, nil
	}
	return d.Conn.CreateUserptr(mem)
}

func TestCreatedObjectIdentityViolation(t *testing.T) {
	conn, err := simdev.New().Open()
	require.Nil(t, err)
	dev := &reusingDevice{Conn: conn}

	m, err := NewManager(dev, WithDebugChecks(false))
	require.Nil(t, err)
	t.Cleanup(func() { _ = m.Close() })

	h, err := m.Alloc("owned", 8192, 0, vma.ZoneOther, FlagNoSuballoc)
	require.Nil(t, err)
	defer h.Unref()

	dev.reuse = h.Object()

	_, err = m.Alloc("duplicate", 8192, 0, vma.ZoneOther, FlagNoSuballoc)
	require.ErrorIs(t, err, ErrIdentityViolation)
	require.Equal(t, uint64(1), m.Stats().Leaked)

	_, err = m.AllocUserptr("duplicate", make([]byte, vma.PageSize), vma.ZoneOther)
	require.ErrorIs(t, err, ErrIdentityViolation)
	require.Equal(t, uint64(2), m.Stats().Leaked)

	require.Equal(t, StateActive, h.State())
	require.Equal(t, dev.reuse, h.Object())
	require.Equal(t, 1, m.Stats().Active)
}

func TestImportObject(t *testing.T) {
	e := newTestEnv(t)

	id, err := e.conn.CreateObject(12288, nil)
	require.Nil(t, err)
	require.Nil(t, e.conn.SetTiling(id, kernel.TilingX))

	h, err := e.m.ImportObject(id, 12288)
	require.Nil(t, err)
	require.Equal(t, vma.ZoneOther, h.Zone())
	require.Equal(t, kernel.TilingX, h.Tiling())
	require.True(t, h.IsExternal())

	_, err = e.m.ImportObject(id, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)

	h.Unref()
	require.Equal(t, StateClosed, h.State())
	require.Equal(t, 0, e.gpu.Objects())
}

func TestExportErrors(t *testing.T) {
	e := newTestEnv(t)

	entry := e.alloc(t, "entry", 256, vma.ZoneOther, 0)
	defer entry.Unref()
	require.Equal(t, KindSlabEntry, entry.Kind())
	require.ErrorIs(t, e.m.MarkExported(entry), ErrNotExportable)
	_, err := e.m.Export(entry)
	require.ErrorIs(t, err, ErrNotExportable)

	h := e.alloc(t, "exported", 8192, vma.ZoneOther, FlagNoSuballoc)
	require.Nil(t, e.m.MarkExported(h))
	require.ErrorIs(t, e.m.SetCaching(h, kernel.CachingDisplay), ErrExported)

	h.Unref()
	require.Equal(t, StateClosed, h.State(), "exported buffer is not cached")
	require.Equal(t, 0, e.m.Stats().Cached)

	_, err = e.m.Export(h)
	require.ErrorIs(t, err, ErrClosedHandle)
}

func TestExportForDevice(t *testing.T) {
	e := newTestEnv(t)

	h := e.alloc(t, "shared", 8192, vma.ZoneOther, FlagNoSuballoc)
	defer h.Unref()

	dup, err := e.conn.Dup()
	require.Nil(t, err)
	defer dup.Shutdown()

	id, err := e.m.ExportForDevice(h, dup)
	require.Nil(t, err)
	require.Equal(t, h.Object(), id, "same namespace uses the local id")
	require.True(t, h.IsExternal())

	other, err := e.gpu.Open()
	require.Nil(t, err)
	defer other.Shutdown()

	id, err = e.m.ExportForDevice(h, other)
	require.Nil(t, err)
	info, err := other.Info(id)
	require.Nil(t, err)
	require.Equal(t, uint64(8192), info.Size)
}
