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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/intel/gpu-bufmgr/pkg/apis/config/v1alpha1/log"
)

func TestSrcmapParse(t *testing.T) {
	type testCase struct {
		name   string
		specs  []string
		result srcmap
		str    string
		fail   bool
	}

	for _, tc := range []*testCase{
		{
			name:   "plain sources",
			specs:  []string{"bufmgr, vma"},
			result: srcmap{"bufmgr": true, "vma": true},
			str:    "on:bufmgr,vma",
		},
		{
			name:   "state carries over",
			specs:  []string{"on:bufmgr,vma,off:kernel,simdev"},
			result: srcmap{"bufmgr": true, "vma": true, "kernel": false, "simdev": false},
			str:    "on:bufmgr,vma,off:kernel,simdev",
		},
		{
			name:   "all and overrides",
			specs:  []string{"all", "off:bufmgr-details"},
			result: srcmap{"*": true, "bufmgr-details": false},
			str:    "on:*,off:bufmgr-details",
		},
		{
			name:   "empty entries",
			specs:  []string{" , ,", ""},
			result: srcmap{},
			str:    "",
		},
		{
			name:  "bad state",
			specs: []string{"maybe:bufmgr"},
			fail:  true,
		},
		{
			name:  "too many colons",
			specs: []string{"on:bufmgr:vma"},
			fail:  true,
		},
		{
			name:  "missing source",
			specs: []string{"on:"},
			fail:  true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := srcmap{}
			var err error
			for _, spec := range tc.specs {
				if err = m.parse(spec); err != nil {
					break
				}
			}
			if tc.fail {
				require.NotNil(t, err)
				return
			}
			require.Nil(t, err)
			require.Equal(t, tc.result, m)
			require.Equal(t, tc.str, m.String())
		})
	}
}

func TestSrcmapEnabled(t *testing.T) {
	m := srcmap{"*": true, "vma": false}
	require.True(t, m.enabled("bufmgr"))
	require.False(t, m.enabled("vma"))
	require.False(t, srcmap{}.enabled("bufmgr"))
}

func TestConfigure(t *testing.T) {
	t.Cleanup(func() { require.Nil(t, Configure(nil)) })

	l := Get("config-test")
	require.False(t, l.DebugEnabled())

	require.Nil(t, Configure(&cfgapi.Config{Debug: []string{"on:config-test"}}))
	require.True(t, l.DebugEnabled())
	require.False(t, Get("config-test-other").DebugEnabled())

	require.Nil(t, Configure(&cfgapi.Config{Debug: []string{"all", "off:config-test"}}))
	require.False(t, l.DebugEnabled())
	require.True(t, Get("config-test-other").DebugEnabled())

	require.NotNil(t, Configure(&cfgapi.Config{Debug: []string{"sometimes:config-test"}}))
}
