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
	"fmt"
	"strings"
)

// AllocFlags alter how a buffer is allocated.
type AllocFlags uint32

const (
	// FlagForceSystem places the buffer in system memory.
	FlagForceSystem AllocFlags = 1 << iota
	// FlagCoherent requests a CPU cache coherent buffer.
	FlagCoherent
	// FlagZeroed requests zero-filled contents.
	FlagZeroed
	// FlagNoSuballoc disallows allocating the buffer from a slab.
	FlagNoSuballoc
	// FlagScanout requests a buffer usable for scanout.
	FlagScanout
)

// MapFlags alter how a buffer is mapped for CPU access.
type MapFlags uint32

const (
	MapRead MapFlags = 1 << iota
	MapWrite
	// MapNoWait fails with ErrBusy instead of waiting for a busy buffer.
	MapNoWait
	// MapRaw skips synchronization with the GPU.
	MapRaw
)

// State is the owner of a Handle.
type State int

const (
	// StateActive handles are owned by callers.
	StateActive State = iota
	// StateCached handles sit idle in the buffer cache.
	StateCached
	// StateZombie handles are unreferenced but possibly still busy.
	StateZombie
	// StateSlabFree slab entries are on the free list of their slab.
	StateSlabFree
	// StateSlabReclaim slab entries are unreferenced but possibly still busy.
	StateSlabReclaim
	// StateClosed handles are gone.
	StateClosed
)

// Kind is the backing kind of a Handle.
type Kind int

const (
	// KindReal handles have a kernel object of their own.
	KindReal Kind = iota
	// KindSlabEntry handles are sub-ranges of a slab backing buffer.
	KindSlabEntry
)

var (
	flagNames  = []string{"force-system", "coherent", "zeroed", "no-suballoc", "scanout"}
	stateNames = map[State]string{
		StateActive:      "active",
		StateCached:      "cached",
		StateZombie:      "zombie",
		StateSlabFree:    "slab-free",
		StateSlabReclaim: "slab-reclaim",
		StateClosed:      "closed",
	}
)

func (f AllocFlags) String() string {
	if f == 0 {
		return "none"
	}

	var names []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
			f &^= 1 << i
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(f)))
	}

	return strings.Join(names, ",")
}

func (f MapFlags) String() string {
	var names []string
	for i, name := range []string{"read", "write", "no-wait", "raw"} {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("%%!(bufmgr:Bad-State %d)", s)
}

func (k Kind) String() string {
	switch k {
	case KindReal:
		return "real"
	case KindSlabEntry:
		return "slab-entry"
	}
	return fmt.Sprintf("%%!(bufmgr:Bad-Kind %d)", k)
}
