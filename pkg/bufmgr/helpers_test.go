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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/intel/gpu-bufmgr/pkg/bufmgr"
	"github.com/intel/gpu-bufmgr/pkg/bufmgr/vma"
	"github.com/intel/gpu-bufmgr/pkg/kernel"
	"github.com/intel/gpu-bufmgr/pkg/kernel/simdev"
)

type testClock struct {
	sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	gpu   *simdev.GPU
	conn  *simdev.Conn
	m     *Manager
	clock *testClock
}

func newTestEnv(t *testing.T, options ...Option) *testEnv {
	t.Helper()
	return newTestEnvOn(t, simdev.New(), options...)
}

func newTestEnvOn(t *testing.T, gpu *simdev.GPU, options ...Option) *testEnv {
	t.Helper()

	conn, err := gpu.Open()
	require.Nil(t, err)

	clock := newTestClock()
	m, err := NewManager(conn, append([]Option{WithDebugChecks(true), WithClock(clock.Now)}, options...)...)
	require.Nil(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return &testEnv{
		gpu:   gpu,
		conn:  conn,
		m:     m,
		clock: clock,
	}
}

func (e *testEnv) alloc(t *testing.T, tag string, size uint64, zone vma.Zone, flags AllocFlags) *Handle {
	t.Helper()
	h, err := e.m.Alloc(tag, size, 0, zone, flags)
	require.Nil(t, err, "allocate %q", tag)
	return h
}

// busy makes the GPU use the buffer until the returned fence is signaled.
func (e *testEnv) busy(t *testing.T, h *Handle) *kernel.Fence {
	t.Helper()
	f, err := e.m.CreateFence()
	require.Nil(t, err)
	h.AddDependency(0, f, true)
	require.Nil(t, e.conn.Execute(f.ID(), h.Object()))
	return f
}

func (e *testEnv) info(t *testing.T, h *Handle) simdev.Info {
	t.Helper()
	info, err := e.conn.Info(h.Object())
	require.Nil(t, err)
	return info
}
