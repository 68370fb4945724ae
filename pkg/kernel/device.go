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
	"time"
)

// Device is a connection to a kernel graphics-memory service. Methods
// report failures as raw errno values (golang.org/x/sys/unix.Errno)
// which Client translates.
type Device interface {
	// Identity returns the stable identity of the underlying device.
	Identity() (DeviceID, error)
	// Connection returns the identity of the connection's object namespace.
	Connection() ConnectionID
	// Dup duplicates the connection. The duplicate shares the object
	// namespace of the original and must be shut down separately.
	Dup() (Device, error)
	// Shutdown closes the connection.
	Shutdown() error

	MemoryRegions() ([]Region, error)

	// CreateObject creates an object of the given size placed in one of
	// the given memory classes, in order of preference.
	CreateObject(size uint64, placements []MemoryClass) (ObjectID, error)
	// CreateUserptr creates an object backed by user memory.
	CreateUserptr(mem []byte) (ObjectID, error)
	// OpenByName opens an object by its export name, returning its
	// handle and size. An object already open on the connection keeps
	// its existing handle.
	OpenByName(name ExportName) (ObjectID, uint64, error)
	Close(id ObjectID) error

	GetTiling(id ObjectID) (Tiling, error)
	SetTiling(id ObjectID, tiling Tiling) error
	SetCaching(id ObjectID, caching Caching) error
	// Madvise updates the purgeability of an object. It returns whether
	// the object's contents are still retained.
	Madvise(id ObjectID, advice Advice) (bool, error)

	// Busy returns whether the object is in use by the GPU.
	Busy(id ObjectID) (bool, error)
	// Wait waits for the object to become idle. A zero timeout polls,
	// a negative one waits without bound.
	Wait(id ObjectID, timeout time.Duration) error

	CreateFence() (FenceID, error)
	DestroyFence(id FenceID) error
	// WaitFences waits for all given fences to signal.
	WaitFences(ids []FenceID, timeout time.Duration) error

	// Map maps the first size bytes of an object for CPU access.
	Map(id ObjectID, mode MapMode, size uint64) ([]byte, error)
	Unmap(mem []byte) error

	// Flink exports an object by a global name.
	Flink(id ObjectID) (ExportName, error)
	// ExportFD exports an object as a transferable file descriptor.
	ExportFD(id ObjectID) (int, error)
	// ImportFD imports an object from a transferable file descriptor,
	// returning its handle and size.
	ImportFD(fd int) (ObjectID, uint64, error)
	CloseFD(fd int) error

	CreateContext(priority Priority) (ContextID, error)
	DestroyContext(id ContextID) error
	SetContextPriority(id ContextID, priority Priority) error
}
