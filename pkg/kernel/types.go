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
	"fmt"
	"time"
)

type (
	// DeviceID is a stable identity of a physical device. Two connections
	// to the same device report the same DeviceID.
	DeviceID string
	// ConnectionID identifies the object namespace of a connection. A
	// duplicated connection shares the namespace of its original.
	ConnectionID uint64
	// ObjectID is a connection-local kernel object handle.
	ObjectID uint32
	// ExportName is a global, flink-style name of an exported object.
	ExportName uint32
	// FenceID is a connection-local kernel sync object handle.
	FenceID uint32
	// ContextID is a connection-local hardware context handle.
	ContextID uint32
)

// MemoryClass is the class of a memory region.
type MemoryClass int

const (
	// ClassSystem is system memory.
	ClassSystem MemoryClass = iota
	// ClassLocal is device local memory.
	ClassLocal
	NumClasses
)

// Region describes a memory region of a device.
type Region struct {
	Class    MemoryClass
	Instance int
	Size     uint64
}

// Tiling is the tiling layout of an object.
type Tiling int

const (
	TilingNone Tiling = iota
	TilingX
	TilingY
)

// Caching is the kernel caching mode of an object.
type Caching int

const (
	CachingNone Caching = iota
	CachingCached
	CachingDisplay
)

// Advice tells the kernel whether an object's contents are needed.
type Advice int

const (
	// AdviceWillNeed marks an object needed again.
	AdviceWillNeed Advice = iota
	// AdviceDontNeed marks an object discardable.
	AdviceDontNeed
)

// MapMode is the CPU mapping mode of an object.
type MapMode int

const (
	// MapWB is a cacheable write-back mapping.
	MapWB MapMode = iota
	// MapWC is a write-combined mapping.
	MapWC
	// MapUC is an uncached mapping.
	MapUC
)

// Priority is the scheduling priority of a hardware context.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

const (
	// Forever as a timeout waits without bound.
	Forever = time.Duration(-1)
	// Poll as a timeout checks without blocking.
	Poll = time.Duration(0)
)

func (c MemoryClass) String() string {
	switch c {
	case ClassSystem:
		return "system"
	case ClassLocal:
		return "local"
	}
	return fmt.Sprintf("%%!(kernel:Bad-MemoryClass %d)", c)
}

func (t Tiling) String() string {
	switch t {
	case TilingNone:
		return "linear"
	case TilingX:
		return "X"
	case TilingY:
		return "Y"
	}
	return fmt.Sprintf("%%!(kernel:Bad-Tiling %d)", t)
}

func (c Caching) String() string {
	switch c {
	case CachingNone:
		return "none"
	case CachingCached:
		return "cached"
	case CachingDisplay:
		return "display"
	}
	return fmt.Sprintf("%%!(kernel:Bad-Caching %d)", c)
}

func (a Advice) String() string {
	switch a {
	case AdviceWillNeed:
		return "will-need"
	case AdviceDontNeed:
		return "dont-need"
	}
	return fmt.Sprintf("%%!(kernel:Bad-Advice %d)", a)
}

func (m MapMode) String() string {
	switch m {
	case MapWB:
		return "WB"
	case MapWC:
		return "WC"
	case MapUC:
		return "UC"
	}
	return fmt.Sprintf("%%!(kernel:Bad-MapMode %d)", m)
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	}
	return fmt.Sprintf("%%!(kernel:Bad-Priority %d)", p)
}
