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
	"sync/atomic"
)

// Fence is a reference-counted kernel sync object. The last Unref
// destroys the kernel object.
type Fence struct {
	c    *Client
	id   FenceID
	refs atomic.Int32
}

// CreateFence creates a new fence with a single reference.
func (c *Client) CreateFence() (*Fence, error) {
	var id FenceID
	err := c.call("fence-create", func() (err error) {
		id, err = c.dev.CreateFence()
		return err
	})
	if err != nil {
		return nil, err
	}

	f := &Fence{c: c, id: id}
	f.refs.Store(1)

	return f, nil
}

// ID returns the kernel handle of the fence.
func (f *Fence) ID() FenceID {
	return f.id
}

// Ref takes a new reference to the fence.
func (f *Fence) Ref() *Fence {
	if f.refs.Add(1) <= 1 {
		log.Panic("internal error: reference to destroyed fence %d", f.id)
	}
	return f
}

// Unref drops a reference to the fence, destroying it with the last one.
func (f *Fence) Unref() {
	switch n := f.refs.Add(-1); {
	case n > 0:
		return
	case n < 0:
		log.Panic("internal error: fence %d over-released", f.id)
	}

	err := f.c.call("fence-destroy", func() error {
		return f.c.dev.DestroyFence(f.id)
	})
	if err != nil {
		log.Error("failed to destroy fence %d: %v", f.id, err)
	}
}

// Refs returns the current reference count of the fence.
func (f *Fence) Refs() int32 {
	return f.refs.Load()
}
