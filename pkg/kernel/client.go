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

package kernel

import (
	"errors"
	"sync/atomic"
	"time"

	logger "github.com/intel/gpu-bufmgr/pkg/log"
)

var (
	log     = logger.Get("kernel")
	retries = logger.RateLimit("kernel", logger.Rate{Limit: logger.Every(time.Second)})
)

// Client wraps a Device. Every call is retried on transient
// interruption and failures are translated to the errors of this
// package.
type Client struct {
	dev   Device
	stats clientStats
	now   func() time.Time
}

type clientStats struct {
	calls    atomic.Uint64
	retries  atomic.Uint64
	failures atomic.Uint64
	creates  atomic.Uint64
	closes   atomic.Uint64
}

// ClientStats are the call statistics of a Client.
type ClientStats struct {
	Calls    uint64
	Retries  uint64
	Failures uint64
	Creates  uint64
	Closes   uint64
}

// NewClient creates a new client for the device.
func NewClient(dev Device) *Client {
	return &Client{
		dev: dev,
		now: time.Now,
	}
}

// Device returns the wrapped device.
func (c *Client) Device() Device {
	return c.dev
}

// Stats returns the call statistics of the client.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Calls:    c.stats.calls.Load(),
		Retries:  c.stats.retries.Load(),
		Failures: c.stats.failures.Load(),
		Creates:  c.stats.creates.Load(),
		Closes:   c.stats.closes.Load(),
	}
}

// call runs fn until it returns a non-transient result.
func (c *Client) call(op string, fn func() error) error {
	c.stats.calls.Add(1)
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			c.stats.retries.Add(1)
			retries.Debug("%s interrupted (%v), retrying", op, err)
			continue
		}
		if errors.Is(err, ErrTimeout) {
			return err
		}
		err = translate(op, err)
		if !errors.Is(err, ErrTimeout) {
			c.stats.failures.Add(1)
		}
		return err
	}
}

func (c *Client) Identity() (DeviceID, error) {
	var id DeviceID
	err := c.call("identity", func() (err error) {
		id, err = c.dev.Identity()
		return err
	})
	return id, err
}

func (c *Client) Connection() ConnectionID {
	return c.dev.Connection()
}

func (c *Client) Dup() (Device, error) {
	var dev Device
	err := c.call("dup", func() (err error) {
		dev, err = c.dev.Dup()
		return err
	})
	return dev, err
}

func (c *Client) Shutdown() error {
	return c.call("shutdown", c.dev.Shutdown)
}

func (c *Client) MemoryRegions() ([]Region, error) {
	var regions []Region
	err := c.call("query-regions", func() (err error) {
		regions, err = c.dev.MemoryRegions()
		return err
	})
	return regions, err
}

func (c *Client) CreateObject(size uint64, placements []MemoryClass) (ObjectID, error) {
	var id ObjectID
	err := c.call("create", func() (err error) {
		id, err = c.dev.CreateObject(size, placements)
		return err
	})
	if err == nil {
		c.stats.creates.Add(1)
	}
	return id, err
}

func (c *Client) CreateUserptr(mem []byte) (ObjectID, error) {
	var id ObjectID
	err := c.call("userptr", func() (err error) {
		id, err = c.dev.CreateUserptr(mem)
		return err
	})
	if err == nil {
		c.stats.creates.Add(1)
	}
	return id, err
}

func (c *Client) OpenByName(name ExportName) (ObjectID, uint64, error) {
	var (
		id   ObjectID
		size uint64
	)
	err := c.call("open", func() (err error) {
		id, size, err = c.dev.OpenByName(name)
		return err
	})
	return id, size, err
}

func (c *Client) Close(id ObjectID) error {
	err := c.call("close", func() error {
		return c.dev.Close(id)
	})
	if err == nil {
		c.stats.closes.Add(1)
	}
	return err
}

func (c *Client) GetTiling(id ObjectID) (Tiling, error) {
	var tiling Tiling
	err := c.call("get-tiling", func() (err error) {
		tiling, err = c.dev.GetTiling(id)
		return err
	})
	return tiling, err
}

func (c *Client) SetTiling(id ObjectID, tiling Tiling) error {
	return c.call("set-tiling", func() error {
		return c.dev.SetTiling(id, tiling)
	})
}

func (c *Client) SetCaching(id ObjectID, caching Caching) error {
	return c.call("set-caching", func() error {
		return c.dev.SetCaching(id, caching)
	})
}

func (c *Client) Madvise(id ObjectID, advice Advice) (bool, error) {
	var retained bool
	err := c.call("madvise", func() (err error) {
		retained, err = c.dev.Madvise(id, advice)
		return err
	})
	return retained, err
}

func (c *Client) Busy(id ObjectID) (bool, error) {
	var busy bool
	err := c.call("busy", func() (err error) {
		busy, err = c.dev.Busy(id)
		return err
	})
	return busy, err
}

// Wait waits for the object to become idle. ErrTimeout is returned if
// the object is still busy once the timeout has expired. An interrupted
// wait is resumed with the remaining time.
func (c *Client) Wait(id ObjectID, timeout time.Duration) error {
	remaining := c.deadline(timeout)
	return c.call("wait", func() error {
		t, err := remaining()
		if err != nil {
			return err
		}
		return c.dev.Wait(id, t)
	})
}

// WaitFences waits for all fences to signal, with the same timeout
// semantics as Wait.
func (c *Client) WaitFences(fences []*Fence, timeout time.Duration) error {
	if len(fences) == 0 {
		return nil
	}

	ids := make([]FenceID, 0, len(fences))
	for _, f := range fences {
		ids = append(ids, f.id)
	}

	remaining := c.deadline(timeout)
	return c.call("wait-fences", func() error {
		t, err := remaining()
		if err != nil {
			return err
		}
		return c.dev.WaitFences(ids, t)
	})
}

// deadline returns a function giving the time left of timeout.
func (c *Client) deadline(timeout time.Duration) func() (time.Duration, error) {
	if timeout <= 0 {
		return func() (time.Duration, error) { return timeout, nil }
	}

	end := c.now().Add(timeout)
	first := true

	return func() (time.Duration, error) {
		if first {
			first = false
			return timeout, nil
		}
		left := end.Sub(c.now())
		if left <= 0 {
			return 0, ErrTimeout
		}
		return left, nil
	}
}

func (c *Client) Map(id ObjectID, mode MapMode, size uint64) ([]byte, error) {
	var mem []byte
	err := c.call("mmap", func() (err error) {
		mem, err = c.dev.Map(id, mode, size)
		return err
	})
	return mem, err
}

func (c *Client) Unmap(mem []byte) error {
	return c.call("munmap", func() error {
		return c.dev.Unmap(mem)
	})
}

func (c *Client) Flink(id ObjectID) (ExportName, error) {
	var name ExportName
	err := c.call("flink", func() (err error) {
		name, err = c.dev.Flink(id)
		return err
	})
	return name, err
}

func (c *Client) ExportFD(id ObjectID) (int, error) {
	var fd int
	err := c.call("export-fd", func() (err error) {
		fd, err = c.dev.ExportFD(id)
		return err
	})
	return fd, err
}

func (c *Client) ImportFD(fd int) (ObjectID, uint64, error) {
	var (
		id   ObjectID
		size uint64
	)
	err := c.call("import-fd", func() (err error) {
		id, size, err = c.dev.ImportFD(fd)
		return err
	})
	return id, size, err
}

func (c *Client) CloseFD(fd int) error {
	return c.call("close-fd", func() error {
		return c.dev.CloseFD(fd)
	})
}

func (c *Client) CreateContext(priority Priority) (ContextID, error) {
	var id ContextID
	err := c.call("context-create", func() (err error) {
		id, err = c.dev.CreateContext(priority)
		return err
	})
	return id, err
}

func (c *Client) DestroyContext(id ContextID) error {
	return c.call("context-destroy", func() error {
		return c.dev.DestroyContext(id)
	})
}

func (c *Client) SetContextPriority(id ContextID, priority Priority) error {
	return c.call("context-priority", func() error {
		return c.dev.SetContextPriority(id, priority)
	})
}
