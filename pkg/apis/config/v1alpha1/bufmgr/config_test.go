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
	"testing"

	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	. "github.com/intel/gpu-bufmgr/pkg/apis/config/v1alpha1/bufmgr"
	"github.com/intel/gpu-bufmgr/pkg/bufmgr"
	"github.com/intel/gpu-bufmgr/pkg/bufmgr/vma"
	"github.com/intel/gpu-bufmgr/pkg/kernel/simdev"
)

func newManager(t *testing.T, cfg *Config) (*bufmgr.Manager, error) {
	t.Helper()

	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}

	conn, err := simdev.New().Open()
	require.Nil(t, err)

	m, err := bufmgr.NewManager(conn, opts...)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = m.Close() })

	return m, nil
}

func TestConfig(t *testing.T) {
	type testCase struct {
		name      string
		yaml      string
		policy    bufmgr.Policy
		parseErr  bool
		optErr    error
		createErr error
	}

	for _, tc := range []*testCase{
		{
			name:   "empty configuration",
			yaml:   ``,
			policy: bufmgr.Policy{CacheReuse: true},
		},
		{
			name: "full configuration",
			yaml: `
cacheReuse: false
retention: 250ms
cacheMaxSize: 16Mi
slabs: true
slabMinOrder: 6
slabMaxOrder: 16
smallVMABuckets: 16
minAlignment: 64Ki
llc: true
debugChecks: true
`,
			policy: bufmgr.Policy{CacheReuse: false},
		},
		{
			name:     "unknown field",
			yaml:     `cacheReuses: false`,
			parseErr: true,
		},
		{
			name:     "bad retention",
			yaml:     `retention: forever`,
			parseErr: true,
		},
		{
			name:      "negative retention",
			yaml:      `retention: -1s`,
			policy:    bufmgr.Policy{CacheReuse: true},
			createErr: bufmgr.ErrFailedOption,
		},
		{
			name:   "fractional cache size",
			yaml:   `cacheMaxSize: 100m`,
			optErr: bufmgr.ErrInvalidArgument,
		},
		{
			name:      "tiny cache size",
			yaml:      `cacheMaxSize: 4Ki`,
			policy:    bufmgr.Policy{CacheReuse: true},
			createErr: bufmgr.ErrFailedOption,
		},
		{
			name:      "bad slab orders",
			yaml:      `{"slabMinOrder": 12, "slabMaxOrder": 10}`,
			policy:    bufmgr.Policy{CacheReuse: true},
			createErr: bufmgr.ErrFailedOption,
		},
		{
			name:     "bad zone",
			yaml:     `{"zones": {"nowhere": {"start": 0, "size": 4096}}}`,
			parseErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			err := yaml.UnmarshalStrict([]byte(tc.yaml), cfg)
			if tc.parseErr {
				require.NotNil(t, err)
				return
			}
			require.Nil(t, err)

			if tc.optErr != nil {
				_, err := cfg.Options()
				require.ErrorIs(t, err, tc.optErr)
				return
			}

			require.Equal(t, tc.policy, cfg.Policy())

			m, err := newManager(t, cfg)
			if tc.createErr != nil {
				require.ErrorIs(t, err, tc.createErr)
				return
			}
			require.Nil(t, err)
			require.Equal(t, tc.policy, m.Policy())
		})
	}
}

func TestNilConfig(t *testing.T) {
	var cfg *Config

	opts, err := cfg.Options()
	require.Nil(t, err)
	require.Nil(t, opts)
	require.Equal(t, bufmgr.Policy{CacheReuse: true}, cfg.Policy())
}

func TestZoneOverride(t *testing.T) {
	cfg := &Config{}
	require.Nil(t, yaml.UnmarshalStrict([]byte(`
zones:
  other:
    start: 34359738368
    size: 4294967296
`), cfg))
	require.Equal(t, vma.Range{Start: 32 * vma.GiB, Size: 4 * vma.GiB}, cfg.Zones[vma.ZoneOther])

	m, err := newManager(t, cfg)
	require.Nil(t, err)

	zone, ok := m.ZoneForAddress(32*vma.GiB + vma.PageSize)
	require.True(t, ok)
	require.Equal(t, vma.ZoneOther, zone)

	_, ok = m.ZoneForAddress(vma.DefaultOtherStart)
	require.False(t, ok)

	h, err := m.Alloc("other", vma.MiB, 0, vma.ZoneOther, bufmgr.FlagNoSuballoc)
	require.Nil(t, err)
	require.GreaterOrEqual(t, h.Address(), 32*vma.GiB)
	require.Less(t, h.Address(), 36*vma.GiB)
	h.Unref()
}

func TestMinAlignment(t *testing.T) {
	cfg := &Config{}
	require.Nil(t, yaml.UnmarshalStrict([]byte(`minAlignment: 64Ki`), cfg))

	m, err := newManager(t, cfg)
	require.Nil(t, err)

	for _, size := range []uint64{vma.PageSize, 3 * vma.PageSize, 100 * vma.KiB} {
		h, err := m.Alloc("aligned", size, 0, vma.ZoneSurface, bufmgr.FlagNoSuballoc)
		require.Nil(t, err)
		require.Zero(t, h.Address()%(64*vma.KiB), "address %#x", h.Address())
		defer h.Unref()
	}
}
