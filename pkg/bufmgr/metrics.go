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
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the statistics of a manager as prometheus metrics.
type Collector struct {
	m     *Manager
	descs map[string]*prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// Collector returns a prometheus collector for the manager.
func (m *Manager) Collector() *Collector {
	labels := prometheus.Labels{"device": string(m.identity)}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, variable, labels)
	}

	return &Collector{
		m: m,
		descs: map[string]*prometheus.Desc{
			"handles":       desc("handles", "Number of buffer handles by state.", "state"),
			"cached_bytes":  desc("cached_bytes", "Bytes of idle buffers in the cache."),
			"slabs":         desc("slabs", "Number of slabs."),
			"slab_entries":  desc("slab_entries", "Number of slab entries by state.", "state"),
			"cache_lookups": desc("cache_lookups_total", "Number of cache lookups by result.", "result"),
			"purged":        desc("purged_total", "Number of cached buffers discarded by the kernel."),
			"evicted":       desc("evicted_total", "Number of buffers evicted from the cache."),
			"slab_allocs":   desc("slab_allocations_total", "Number of slab entry allocations."),
			"kernel_calls":  desc("kernel_calls_total", "Number of kernel calls by result.", "result"),
			"zone_size":     desc("zone_size_bytes", "Size of address zones.", "zone"),
			"zone_free":     desc("zone_free_bytes", "Free space in address zones.", "zone"),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Stats()

	gauge := func(name string, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.GaugeValue, v, labels...)
	}
	counter := func(name string, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(v), labels...)
	}

	gauge("handles", float64(s.Active), StateActive.String())
	gauge("handles", float64(s.Cached), StateCached.String())
	gauge("handles", float64(s.Zombies), StateZombie.String())
	gauge("handles", float64(s.SlabReclaim), StateSlabReclaim.String())
	gauge("cached_bytes", float64(s.CachedBytes))
	gauge("slabs", float64(s.Slabs))
	gauge("slab_entries", float64(s.SlabEntries-s.SlabFree), "used")
	gauge("slab_entries", float64(s.SlabFree), "free")

	counter("cache_lookups", s.CacheHits, "hit")
	counter("cache_lookups", s.CacheMisses, "miss")
	counter("purged", s.Purged)
	counter("evicted", s.Evicted)
	counter("slab_allocs", s.SlabAllocs)
	counter("kernel_calls", s.Kernel.Calls-s.Kernel.Failures, "ok")
	counter("kernel_calls", s.Kernel.Failures, "failed")
	counter("kernel_calls", s.Kernel.Retries, "retried")

	for _, u := range s.Zones {
		gauge("zone_size", float64(u.Size), u.Zone.String())
		gauge("zone_free", float64(u.Free), u.Zone.String())
	}
}
