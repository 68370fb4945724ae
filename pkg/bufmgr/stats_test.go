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
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	. "github.com/intel/gpu-bufmgr/pkg/bufmgr"
	"github.com/intel/gpu-bufmgr/pkg/bufmgr/vma"
)

func TestStats(t *testing.T) {
	e := newTestEnv(t)

	var (
		big   = e.alloc(t, "big", 1<<20, vma.ZoneOther, FlagNoSuballoc)
		entry = e.alloc(t, "entry", 256, vma.ZoneOther, 0)
		freed = e.alloc(t, "freed", 256, vma.ZoneOther, 0)
	)
	defer big.Unref()
	defer entry.Unref()

	e.alloc(t, "cached", 8192, vma.ZoneOther, FlagNoSuballoc).Unref()
	freed.Unref()

	expected := Stats{
		Active:      2,
		Cached:      1,
		CachedBytes: 8192,
		Slabs:       1,
		SlabEntries: 32,
		SlabFree:    31,
		CacheMisses: 3,
		SlabAllocs:  2,
	}
	if diff := cmp.Diff(expected, e.m.Stats(), cmpopts.IgnoreFields(Stats{}, "Kernel", "Zones")); diff != "" {
		t.Errorf("unexpected stats (-want +got):\n%s", diff)
	}

	s := e.m.Stats()
	require.NotZero(t, s.Kernel.Calls)
	require.Len(t, s.Zones, int(vma.NumZones)-1, "fixed zones have no usage")
}

func TestCollector(t *testing.T) {
	e := newTestEnv(t, WithSlabs(false))

	h := e.alloc(t, "active", 4096, vma.ZoneOther, 0)
	defer h.Unref()
	e.alloc(t, "cached", 8192, vma.ZoneOther, 0).Unref()

	c := e.m.Collector()
	require.Equal(t, 4, testutil.CollectAndCount(c, "handles"))
	require.Equal(t, 2*(int(vma.NumZones)-1), testutil.CollectAndCount(c, "zone_size_bytes", "zone_free_bytes"))

	expected := `
# HELP cached_bytes Bytes of idle buffers in the cache.
# TYPE cached_bytes gauge
cached_bytes{device="sim:0000:00:02.0"} 8192
# HELP cache_lookups_total Number of cache lookups by result.
# TYPE cache_lookups_total counter
cache_lookups_total{device="sim:0000:00:02.0",result="hit"} 0
cache_lookups_total{device="sim:0000:00:02.0",result="miss"} 2
`
	require.Nil(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"cached_bytes", "cache_lookups_total"))
}

func TestDumpStateWhileAllocating(t *testing.T) {
	e := newTestEnv(t, WithSmallVMABuckets(4))

	var (
		wg   sync.WaitGroup
		stop = make(chan struct{})
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				e.m.DumpState("dump: ")
			}
		}
	}()

	for i := 0; i < 200; i++ {
		h, err := e.m.Alloc("dumped", uint64(i%16+1)*vma.PageSize, 0, vma.ZoneSurface, FlagNoSuballoc)
		require.Nil(t, err)
		h.Unref()
	}

	close(stop)
	wg.Wait()

	require.Zero(t, e.m.Stats().Active)
}
