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

package collectors

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	logger "github.com/intel/gpu-bufmgr/pkg/log"
	"github.com/intel/gpu-bufmgr/pkg/metrics"
)

var (
	log = logger.Get("metrics")
)

// RegisterStandard registers the standard build, runtime and process
// collectors in the "standard" group of the registry.
func RegisterStandard(r *metrics.Registry) {
	for name, c := range map[string]func() prometheus.Collector{
		"buildinfo": collectors.NewBuildInfoCollector,
		"golang":    func() prometheus.Collector { return collectors.NewGoCollector() },
		"process": func() prometheus.Collector {
			return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})
		},
	} {
		err := r.Register(name, c(), metrics.WithGroup("standard"),
			metrics.WithCollectorOptions(metrics.WithoutPrefix()))
		if err != nil {
			log.Error("failed to register %s collector: %v", name, err)
		}
	}
}
