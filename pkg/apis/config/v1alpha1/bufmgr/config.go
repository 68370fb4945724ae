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

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/intel/gpu-bufmgr/pkg/bufmgr"
	"github.com/intel/gpu-bufmgr/pkg/bufmgr/vma"
)

// Config provides runtime configuration for a buffer manager.
// +kubebuilder:object:generate=true
type Config struct {
	// CacheReuse enables reusing idle buffers from the buffer cache.
	// Users sharing a manager must agree on this setting.
	// +optional
	// +kubebuilder:default=true
	CacheReuse *bool `json:"cacheReuse,omitempty"`
	// Retention is how long idle buffers stay in the cache before they
	// are released to the kernel.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="1s"
	Retention *metav1.Duration `json:"retention,omitempty"`
	// CacheMaxSize is the size of the largest cache bucket. Larger
	// buffers are never cached.
	// +optional
	// +kubebuilder:default="64Mi"
	CacheMaxSize *resource.Quantity `json:"cacheMaxSize,omitempty"`
	// Slabs enables sub-allocating small buffers out of larger slabs.
	// +optional
	// +kubebuilder:default=true
	Slabs *bool `json:"slabs,omitempty"`
	// SlabMinOrder is the order of two of the smallest slab entry.
	// +optional
	// +kubebuilder:validation:Minimum=4
	// +kubebuilder:default=8
	SlabMinOrder uint `json:"slabMinOrder,omitempty"`
	// SlabMaxOrder is the order of two of the largest slab entry.
	// +optional
	// +kubebuilder:validation:Maximum=24
	// +kubebuilder:default=20
	SlabMaxOrder uint `json:"slabMaxOrder,omitempty"`
	// SmallVMABuckets groups address reservations of up to this many
	// pages into larger blocks. Zero disables grouping.
	// +optional
	// +kubebuilder:example=16
	SmallVMABuckets uint64 `json:"smallVMABuckets,omitempty"`
	// MinAlignment is the minimum alignment of GPU virtual addresses.
	// +optional
	// +kubebuilder:example="64Ki"
	MinAlignment *resource.Quantity `json:"minAlignment,omitempty"`
	// LLC declares that the device shares the last level cache with
	// the CPU.
	// +optional
	LLC bool `json:"llc,omitempty"`
	// DebugChecks enables internal consistency checks. With checks
	// enabled usage errors panic.
	// +optional
	DebugChecks bool `json:"debugChecks,omitempty"`
	// Zones overrides the address range of some address zones.
	// +optional
	// +kubebuilder:example={"other": {"start": 4294967296, "size": 4294967296}}
	Zones map[vma.Zone]vma.Range `json:"zones,omitempty"`
}

// Policy returns the shared policy part of the configuration.
func (c *Config) Policy() bufmgr.Policy {
	if c == nil || c.CacheReuse == nil {
		return bufmgr.Policy{CacheReuse: true}
	}
	return bufmgr.Policy{CacheReuse: *c.CacheReuse}
}

// Options returns manager options for the configuration.
func (c *Config) Options() ([]bufmgr.Option, error) {
	if c == nil {
		return nil, nil
	}

	opts := []bufmgr.Option{
		bufmgr.WithPolicy(c.Policy()),
		bufmgr.WithLLC(c.LLC),
		bufmgr.WithDebugChecks(c.DebugChecks),
	}

	if c.Retention != nil {
		opts = append(opts, bufmgr.WithRetention(c.Retention.Duration))
	}
	if c.CacheMaxSize != nil {
		size, err := quantity("cacheMaxSize", c.CacheMaxSize)
		if err != nil {
			return nil, err
		}
		opts = append(opts, bufmgr.WithCacheMaxSize(size))
	}
	if c.Slabs != nil {
		opts = append(opts, bufmgr.WithSlabs(*c.Slabs))
	}
	if c.SlabMinOrder != 0 || c.SlabMaxOrder != 0 {
		minOrder, maxOrder := c.SlabMinOrder, c.SlabMaxOrder
		if minOrder == 0 {
			minOrder = bufmgr.DefaultSlabMinOrder
		}
		if maxOrder == 0 {
			maxOrder = bufmgr.DefaultSlabMaxOrder
		}
		opts = append(opts, bufmgr.WithSlabOrders(minOrder, maxOrder))
	}
	if c.SmallVMABuckets != 0 {
		opts = append(opts, bufmgr.WithSmallVMABuckets(c.SmallVMABuckets))
	}
	if c.MinAlignment != nil {
		align, err := quantity("minAlignment", c.MinAlignment)
		if err != nil {
			return nil, err
		}
		opts = append(opts, bufmgr.WithMinAlignment(align))
	}
	if len(c.Zones) > 0 {
		opts = append(opts, bufmgr.WithZoneLayout(c.Zones))
	}

	return opts, nil
}

func quantity(name string, q *resource.Quantity) (uint64, error) {
	v, ok := q.AsInt64()
	if !ok || v < 0 {
		return 0, fmt.Errorf("%w: invalid %s %s", bufmgr.ErrInvalidArgument, name, q.String())
	}
	return uint64(v), nil
}
