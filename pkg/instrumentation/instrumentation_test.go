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

package instrumentation

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/intel/gpu-bufmgr/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/intel/gpu-bufmgr/pkg/metrics"
)

func TestPrometheusConfiguration(t *testing.T) {
	log.EnableDebug(true)

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "A gauge for testing.",
	})
	gauge.Set(42)
	require.Nil(t, metrics.Register("gauge", gauge, metrics.WithGroup("test")))

	c := &cfgapi.Config{
		HTTPEndpoint: "127.0.0.1:0",
	}

	for _, export := range []bool{false, true, false, true} {
		c.PrometheusExport = export
		require.Nil(t, Reconfigure(c))

		address := Address()
		require.NotEmpty(t, address)

		checkHealthz(t, address)
		body, ok := checkPrometheus(t, address)
		require.Equal(t, export, ok, "metrics exported")
		if export {
			require.Contains(t, body, "bufmgr_test_test_gauge 42")
		}
	}

	Stop()
	require.Empty(t, Address())
}

func TestDisabled(t *testing.T) {
	require.Nil(t, Reconfigure(nil))
	require.Empty(t, Address())
	Stop()
}

func TestBadMetricsConfiguration(t *testing.T) {
	c := &cfgapi.Config{
		HTTPEndpoint:     "127.0.0.1:0",
		PrometheusExport: true,
		Metrics: &cfgapi.MetricsConfig{
			Enabled: []string{"no-such-collector"},
		},
	}

	require.NotNil(t, Reconfigure(c))
	require.Empty(t, Address())
}

func checkHealthz(t *testing.T, server string) {
	rpl, err := http.Get("http://" + server + "/healthz")
	require.Nil(t, err)
	defer rpl.Body.Close()
	require.Equal(t, http.StatusOK, rpl.StatusCode)
}

func checkPrometheus(t *testing.T, server string) (string, bool) {
	rpl, err := http.Get("http://" + server + "/metrics")
	require.Nil(t, err)
	defer rpl.Body.Close()

	if rpl.StatusCode != http.StatusOK {
		return "", false
	}

	body, err := io.ReadAll(rpl.Body)
	require.Nil(t, err)

	return strings.TrimSpace(string(body)), true
}
