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

package simdev

import (
	"slices"
	"time"

	"golang.org/x/sys/unix"

	"github.com/intel/gpu-bufmgr/pkg/kernel"
	"github.com/intel/gpu-bufmgr/pkg/utils"
)

var _ kernel.Device = &Conn{}

// enter locks the GPU for a call on the connection. Unless the call is
// not interruptible, it may fail with an injected EINTR.
func (c *Conn) enter(interruptible bool) error {
	if c.gpu.lost.Load() {
		return unix.EIO
	}
	if interruptible && c.gpu.interrupted() {
		return unix.EINTR
	}
	c.gpu.mu.Lock()
	if c.closed {
		c.gpu.mu.Unlock()
		return unix.EBADF
	}
	return nil
}

func (c *Conn) leave() {
	c.gpu.mu.Unlock()
}

func (c *Conn) lookup(id kernel.ObjectID) (*object, error) {
	o, ok := c.ns.handles[id]
	if !ok {
		return nil, unix.ENOENT
	}
	return o, nil
}

// handle returns the handle of the object in this namespace, creating
// one if necessary.
func (c *Conn) handle(o *object) kernel.ObjectID {
	if id, ok := c.ns.ids[o]; ok {
		return id
	}
	c.ns.next++
	id := kernel.ObjectID(c.ns.next)
	c.ns.handles[id] = o
	c.ns.ids[o] = id
	o.refs++
	return id
}

func (c *Conn) Identity() (kernel.DeviceID, error) {
	if c.gpu.lost.Load() {
		return "", unix.ENODEV
	}
	return c.gpu.id, nil
}

func (c *Conn) Connection() kernel.ConnectionID {
	return c.ns.id
}

func (c *Conn) Dup() (kernel.Device, error) {
	if err := c.enter(false); err != nil {
		return nil, err
	}
	defer c.leave()

	c.ns.refs++

	return &Conn{gpu: c.gpu, ns: c.ns}, nil
}

func (c *Conn) Shutdown() error {
	c.gpu.mu.Lock()
	defer c.gpu.mu.Unlock()

	if c.closed {
		return unix.EBADF
	}
	c.closed = true

	if c.ns.refs--; c.ns.refs > 0 {
		return nil
	}

	for id, o := range c.ns.handles {
		delete(c.ns.handles, id)
		c.gpu.unref(o)
	}
	clear(c.ns.ids)
	clear(c.ns.contexts)

	return nil
}

func (c *Conn) MemoryRegions() ([]kernel.Region, error) {
	if err := c.enter(true); err != nil {
		return nil, err
	}
	defer c.leave()

	return slices.Clone(c.gpu.regions), nil
}

func (c *Conn) CreateObject(size uint64, placements []kernel.MemoryClass) (kernel.ObjectID, error) {
	if err := c.enter(true); err != nil {
		return 0, err
	}
	defer c.leave()

	if size == 0 {
		return 0, unix.EINVAL
	}
	size = utils.AlignUp(size, pageSize)

	if len(placements) == 0 {
		placements = []kernel.MemoryClass{kernel.ClassSystem}
	}

	for _, class := range placements {
		for _, r := range c.gpu.regions {
			if r.Class != class || c.gpu.used[class]+size > r.Size {
				continue
			}

			mem, err := allocMem(size)
			if err != nil {
				return 0, unix.ENOMEM
			}

			o := &object{
				size:  size,
				class: class,
				mem:   mem,
			}
			c.gpu.objects[o] = struct{}{}
			c.gpu.used[class] += size
			c.gpu.creates.Add(1)

			return c.handle(o), nil
		}
	}

	return 0, unix.ENOMEM
}

func (c *Conn) CreateUserptr(mem []byte) (kernel.ObjectID, error) {
	if err := c.enter(true); err != nil {
		return 0, err
	}
	defer c.leave()

	if len(mem) == 0 || len(mem)%pageSize != 0 {
		return 0, unix.EINVAL
	}

	o := &object{
		size:    uint64(len(mem)),
		class:   kernel.ClassSystem,
		mem:     mem,
		userptr: true,
		caching: kernel.CachingCached,
	}
	c.gpu.objects[o] = struct{}{}
	c.gpu.creates.Add(1)

	return c.handle(o), nil
}

func (c *Conn) OpenByName(name kernel.ExportName) (kernel.ObjectID, uint64, error) {
	if err := c.enter(true); err != nil {
		return 0, 0, err
	}
	defer c.leave()

	o, ok := c.gpu.names[name]
	if !ok {
		return 0, 0, unix.ENOENT
	}

	return c.handle(o), o.size, nil
}

func (c *Conn) Close(id kernel.ObjectID) error {
	if err := c.enter(true); err != nil {
		return err
	}
	defer c.leave()

	o, err := c.lookup(id)
	if err != nil {
		return err
	}

	delete(c.ns.handles, id)
	delete(c.ns.ids, o)
	c.gpu.unref(o)

	return nil
}

func (c *Conn) GetTiling(id kernel.ObjectID) (kernel.Tiling, error) {
	if err := c.enter(true); err != nil {
		return 0, err
	}
	defer c.leave()

	o, err := c.lookup(id)
	if err != nil {
		return 0, err
	}

	return o.tiling, nil
}

func (c *Conn) SetTiling(id kernel.ObjectID, tiling kernel.Tiling) error {
	if err := c.enter(true); err != nil {
		return err
	}
	defer c.leave()

	o, err := c.lookup(id)
	if err != nil {
		return err
	}
	if tiling < kernel.TilingNone || tiling > kernel.TilingY {
		return unix.EINVAL
	}
	o.tiling = tiling

	return nil
}

func (c *Conn) SetCaching(id kernel.ObjectID, caching kernel.Caching) error {
	if err := c.enter(true); err != nil {
		return err
	}
	defer c.leave()

	o, err := c.lookup(id)
	if err != nil {
		return err
	}
	if o.userptr {
		return unix.ENXIO
	}
	o.caching = caching

	return nil
}

func (c *Conn) Madvise(id kernel.ObjectID, advice kernel.Advice) (bool, error) {
	if err := c.enter(true); err != nil {
		return false, err
	}
	defer c.leave()

	o, err := c.lookup(id)
	if err != nil {
		return false, err
	}

	switch advice {
	case kernel.AdviceDontNeed:
		o.purgeable = true
	case kernel.AdviceWillNeed:
		o.purgeable = false
	default:
		return false, unix.EINVAL
	}

	return !o.purged, nil
}

func (c *Conn) Busy(id kernel.ObjectID) (bool, error) {
	if err := c.enter(true); err != nil {
		return false, err
	}
	defer c.leave()

	o, err := c.lookup(id)
	if err != nil {
		return false, err
	}

	return o.busy(), nil
}

func (c *Conn) Wait(id kernel.ObjectID, timeout time.Duration) error {
	if err := c.enter(timeout != 0); err != nil {
		return err
	}

	o, err := c.lookup(id)
	if err != nil {
		c.leave()
		return err
	}
	o.busy()
	fences := slices.Clone(o.fences)
	c.leave()

	return wait(fences, timeout)
}

func (c *Conn) CreateFence() (kernel.FenceID, error) {
	if err := c.enter(true); err != nil {
		return 0, err
	}
	defer c.leave()

	c.gpu.nextFence++
	f := &fence{
		id:   c.gpu.nextFence,
		done: make(chan struct{}),
	}
	c.gpu.fences[f.id] = f

	return f.id, nil
}

func (c *Conn) DestroyFence(id kernel.FenceID) error {
	if err := c.enter(true); err != nil {
		return err
	}
	defer c.leave()

	if _, ok := c.gpu.fences[id]; !ok {
		return unix.ENOENT
	}
	delete(c.gpu.fences, id)

	return nil
}

func (c *Conn) WaitFences(ids []kernel.FenceID, timeout time.Duration) error {
	if err := c.enter(timeout != 0); err != nil {
		return err
	}

	fences := make([]*fence, 0, len(ids))
	for _, id := range ids {
		f, ok := c.gpu.fences[id]
		if !ok {
			c.leave()
			return unix.ENOENT
		}
		fences = append(fences, f)
	}
	c.leave()

	return wait(fences, timeout)
}

// Execute simulates a submission referencing the given objects which
// completes once the fence is signaled.
func (c *Conn) Execute(id kernel.FenceID, objects ...kernel.ObjectID) error {
	if err := c.enter(false); err != nil {
		return err
	}
	defer c.leave()

	f, ok := c.gpu.fences[id]
	if !ok {
		return unix.ENOENT
	}

	for _, oid := range objects {
		o, err := c.lookup(oid)
		if err != nil {
			return err
		}
		if o.purged {
			return unix.EFAULT
		}
		o.fences = append(o.fences, f)
	}

	return nil
}

func (c *Conn) Map(id kernel.ObjectID, mode kernel.MapMode, size uint64) ([]byte, error) {
	if err := c.enter(true); err != nil {
		return nil, err
	}
	defer c.leave()

	o, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	if size == 0 || size > o.size {
		return nil, unix.EINVAL
	}
	if o.purged {
		return nil, unix.EFAULT
	}
	if o.userptr && mode != kernel.MapWB {
		return nil, unix.EINVAL
	}

	mem := o.mem[:size:size]
	c.gpu.mappings[&mem[0]] = o
	o.maps++
	o.mode = mode

	return mem, nil
}

func (c *Conn) Unmap(mem []byte) error {
	if err := c.enter(true); err != nil {
		return err
	}
	defer c.leave()

	if len(mem) == 0 {
		return unix.EINVAL
	}
	o, ok := c.gpu.mappings[&mem[0]]
	if !ok {
		return unix.EINVAL
	}

	if o.maps--; o.maps == 0 {
		delete(c.gpu.mappings, &mem[0])
		c.gpu.maybeFree(o)
	}

	return nil
}

func (c *Conn) Flink(id kernel.ObjectID) (kernel.ExportName, error) {
	if err := c.enter(true); err != nil {
		return 0, err
	}
	defer c.leave()

	o, err := c.lookup(id)
	if err != nil {
		return 0, err
	}

	if o.name == 0 {
		c.gpu.nextName++
		o.name = c.gpu.nextName
		c.gpu.names[o.name] = o
	}

	return o.name, nil
}

func (c *Conn) ExportFD(id kernel.ObjectID) (int, error) {
	if err := c.enter(true); err != nil {
		return 0, err
	}
	defer c.leave()

	o, err := c.lookup(id)
	if err != nil {
		return 0, err
	}

	fd := c.gpu.nextFD
	c.gpu.nextFD++
	c.gpu.fds[fd] = o
	o.refs++

	return fd, nil
}

func (c *Conn) ImportFD(fd int) (kernel.ObjectID, uint64, error) {
	if err := c.enter(true); err != nil {
		return 0, 0, err
	}
	defer c.leave()

	o, ok := c.gpu.fds[fd]
	if !ok {
		return 0, 0, unix.EBADF
	}

	return c.handle(o), o.size, nil
}

func (c *Conn) CloseFD(fd int) error {
	if err := c.enter(false); err != nil {
		return err
	}
	defer c.leave()

	o, ok := c.gpu.fds[fd]
	if !ok {
		return unix.EBADF
	}
	delete(c.gpu.fds, fd)
	c.gpu.unref(o)

	return nil
}

func (c *Conn) CreateContext(priority kernel.Priority) (kernel.ContextID, error) {
	if err := c.enter(true); err != nil {
		return 0, err
	}
	defer c.leave()

	if priority < kernel.PriorityLow || priority > kernel.PriorityHigh {
		return 0, unix.EINVAL
	}

	c.ns.next++
	id := kernel.ContextID(c.ns.next)
	c.ns.contexts[id] = priority

	return id, nil
}

func (c *Conn) DestroyContext(id kernel.ContextID) error {
	if err := c.enter(true); err != nil {
		return err
	}
	defer c.leave()

	if _, ok := c.ns.contexts[id]; !ok {
		return unix.ENOENT
	}
	delete(c.ns.contexts, id)

	return nil
}

func (c *Conn) SetContextPriority(id kernel.ContextID, priority kernel.Priority) error {
	if err := c.enter(true); err != nil {
		return err
	}
	defer c.leave()

	if _, ok := c.ns.contexts[id]; !ok {
		return unix.ENOENT
	}
	if priority < kernel.PriorityLow || priority > kernel.PriorityHigh {
		return unix.EINVAL
	}
	c.ns.contexts[id] = priority

	return nil
}

// ContextPriority returns the priority of a context.
func (c *Conn) ContextPriority(id kernel.ContextID) (kernel.Priority, bool) {
	c.gpu.mu.Lock()
	defer c.gpu.mu.Unlock()
	p, ok := c.ns.contexts[id]
	return p, ok
}

// Info returns the state of an object.
func (c *Conn) Info(id kernel.ObjectID) (Info, error) {
	c.gpu.mu.Lock()
	defer c.gpu.mu.Unlock()

	o, err := c.lookup(id)
	if err != nil {
		return Info{}, err
	}

	return Info{
		Size:      o.size,
		Class:     o.class,
		Userptr:   o.userptr,
		Tiling:    o.tiling,
		Caching:   o.caching,
		MapMode:   o.mode,
		Purgeable: o.purgeable,
		Purged:    o.purged,
		Mapped:    o.maps,
		Name:      o.name,
	}, nil
}
