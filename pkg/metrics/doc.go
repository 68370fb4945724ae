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

// Package metrics is a thin layer over prometheus for registering
// collectors in groups which can be enabled selectively by glob patterns.
// Collectors too expensive to run on every scrape can be polled
// periodically instead.
//
// A gatherer prefixes the metrics of a collector with a common namespace
// and the name of the group of the collector, unless the collector was
// registered with WithoutPrefix():
//
//	metrics.MustRegister("stats", collector, metrics.WithGroup("bufmgr"))
//	g, err := metrics.Default().NewGatherer(metrics.GathererOptions{Namespace: "gpu"})
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
