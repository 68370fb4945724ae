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

package kernel_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	. "github.com/intel/gpu-bufmgr/pkg/kernel"
	"github.com/intel/gpu-bufmgr/pkg/kernel/simdev"
)

func TestRetryOnInterrupt(t *testing.T) {
	gpu := simdev.New(simdev.WithInterrupts(2))
	dev, err := gpu.Open()
	require.Nil(t, err)

	c := NewClient(dev)
	for i := 0; i < 10; i++ {
		id, err := c.CreateObject(4096, nil)
		require.Nil(t, err, "create #%d", i)
		require.Nil(t, c.Close(id), "close #%d", i)
	}

	stats := c.Stats()
	require.Equal(t, uint64(20), stats.Calls)
	require.NotZero(t, stats.Retries)
	require.Zero(t, stats.Failures)
	require.Equal(t, uint64(10), stats.Creates)
	require.Equal(t, uint64(10), stats.Closes)
	require.Equal(t, uint64(10), gpu.Creates())
	require.Equal(t, 0, gpu.Objects())
}

func TestErrorTranslation(t *testing.T) {
	gpu := simdev.New(simdev.WithRegions(Region{Class: ClassSystem, Size: 8192}))
	dev, err := gpu.Open()
	require.Nil(t, err)
	c := NewClient(dev)

	_, err = c.CreateObject(16384, nil)
	require.ErrorIs(t, err, ErrNoMemory)
	require.ErrorIs(t, err, unix.ENOMEM, "errno should stay in the chain")

	err = c.Close(1234)
	require.ErrorIs(t, err, ErrInvalidObject)

	_, _, err = c.ImportFD(-1)
	require.ErrorIs(t, err, ErrInvalidObject)

	gpu.Lose()
	_, err = c.CreateObject(4096, nil)
	require.ErrorIs(t, err, ErrDeviceLost)

	require.Equal(t, uint64(4), c.Stats().Failures)
}

func TestWaitTimeout(t *testing.T) {
	gpu := simdev.New(simdev.WithInterrupts(3))
	dev, err := gpu.Open()
	require.Nil(t, err)
	c := NewClient(dev)

	id, err := c.CreateObject(4096, nil)
	require.Nil(t, err)
	f, err := c.CreateFence()
	require.Nil(t, err)

	require.Nil(t, dev.Execute(f.ID(), id))

	busy, err := c.Busy(id)
	require.Nil(t, err)
	require.True(t, busy)

	require.ErrorIs(t, c.Wait(id, Poll), ErrTimeout)
	require.ErrorIs(t, c.Wait(id, 10*time.Millisecond), ErrTimeout)
	require.ErrorIs(t, c.WaitFences([]*Fence{f}, 5*time.Millisecond), ErrTimeout)
	require.Zero(t, c.Stats().Failures, "timeouts are not failures")

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = gpu.Signal(f.ID())
	}()
	require.Nil(t, c.Wait(id, Forever))
	require.Nil(t, c.WaitFences([]*Fence{f}, Poll))

	busy, err = c.Busy(id)
	require.Nil(t, err)
	require.False(t, busy)
}

func TestFenceRefcount(t *testing.T) {
	gpu := simdev.New()
	dev, err := gpu.Open()
	require.Nil(t, err)
	c := NewClient(dev)

	f, err := c.CreateFence()
	require.Nil(t, err)
	require.Equal(t, int32(1), f.Refs())

	f.Ref()
	f.Ref()
	require.Equal(t, int32(3), f.Refs())

	f.Unref()
	f.Unref()
	require.Equal(t, int32(1), f.Refs())
	require.Nil(t, gpu.Signal(f.ID()), "fence should still exist")

	f.Unref()
	require.NotNil(t, gpu.Signal(f.ID()), "fence should be destroyed")
	require.Panics(t, func() { f.Unref() })
}

func TestEnumStrings(t *testing.T) {
	require.Equal(t, "local", ClassLocal.String())
	require.Equal(t, "WC", MapWC.String())
	require.Equal(t, "dont-need", AdviceDontNeed.String())
	require.Equal(t, "%!(kernel:Bad-MapMode 7)", fmt.Sprint(MapMode(7)))
}
