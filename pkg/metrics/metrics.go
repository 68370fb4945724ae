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

package metrics

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/intel/gpu-bufmgr/pkg/log"
)

var (
	log  = logger.Get("metrics")
	clog = logger.Get("collector")
)

// Collector is a named prometheus.Collector in a group.
type Collector struct {
	collector prometheus.Collector
	name      string
	group     string
	enabled   bool
	polled    bool
	prefixed  bool
	lastpoll  []prometheus.Metric
}

// CollectorOption is an option for a Collector.
type CollectorOption func(*Collector)

const (
	// DefaultGroup is the name of the default group.
	DefaultGroup = "default"
)

// WithoutPrefix registers the metrics of the collector without the
// namespace and group prefixes.
func WithoutPrefix() CollectorOption {
	return func(c *Collector) {
		c.prefixed = false
	}
}

// WithPolled marks the collector polled. Polled collectors serve the
// metrics collected during the last polling cycle.
func WithPolled() CollectorOption {
	return func(c *Collector) {
		c.polled = true
	}
}

// Name returns the full name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Matches returns true if the glob matches the group, name or full name
// of the collector.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	switch {
	case !c.enabled:
	case !c.polled:
		clog.Debug("collecting %q", c.Name())
		c.collector.Collect(ch)
	default:
		clog.Debug("collecting (polled) %q", c.Name())
		for _, m := range c.lastpoll {
			ch <- m
		}
	}
}

func (c *Collector) poll() {
	if !c.enabled || !c.polled {
		return
	}

	clog.Debug("polling %q", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	polled := make([]prometheus.Metric, 0, 16)
	for m := range ch {
		polled = append(polled, m)
	}
	c.lastpoll = polled
}

// Registry is a collection of collectors in groups.
type Registry struct {
	sync.Mutex
	collectors []*Collector
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*Collector)

// WithGroup sets the group of the registered collector.
func WithGroup(name string) RegisterOption {
	return func(c *Collector) {
		if name == "" {
			name = DefaultGroup
		}
		c.group = name
	}
}

// WithCollectorOptions applies the options to the registered collector.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(c *Collector) {
		for _, o := range opts {
			o(c)
		}
	}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register registers a named collector.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	c := &Collector{
		collector: collector,
		name:      name,
		group:     DefaultGroup,
		enabled:   true,
		prefixed:  true,
	}
	for _, o := range opts {
		o(c)
	}

	r.Lock()
	defer r.Unlock()

	for _, o := range r.collectors {
		if o.Name() == c.Name() {
			return fmt.Errorf("metrics: collector %q already registered", c.Name())
		}
	}
	r.collectors = append(r.collectors, c)

	log.Info("registered collector %q", c.Name())

	return nil
}

// Configure enables the collectors matching any of the enabled globs
// and forces the ones matching any of the polled globs to be polled.
func (r *Registry) Configure(enabled, polled []string) error {
	r.Lock()
	defer r.Unlock()

	log.Info("configuring collectors enabled=[%s], polled=[%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	match := map[string]bool{}
	for _, c := range r.collectors {
		c.enabled = false
		for _, glob := range enabled {
			if c.Matches(glob) {
				match[glob] = true
				c.enabled = true
			}
		}
		for _, glob := range polled {
			if c.Matches(glob) {
				match[glob] = true
				c.enabled = true
				c.polled = true
			}
		}
	}

	var unmatched []string
	for _, glob := range slices.Concat(enabled, polled) {
		if !match[glob] {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return fmt.Errorf("metrics: no collectors match globs %s", strings.Join(unmatched, ", "))
	}

	return nil
}

func (r *Registry) poll() bool {
	r.Lock()
	defer r.Unlock()

	polled := false
	wg := sync.WaitGroup{}
	for _, c := range r.collectors {
		if c.enabled && c.polled {
			polled = true
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.poll()
			}()
		}
	}
	wg.Wait()

	return polled
}

// Gatherer is a prometheus gatherer for the collectors of a registry.
type Gatherer struct {
	*prometheus.Registry
	r      *Registry
	lock   sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// GathererOptions are the options of a Gatherer.
type GathererOptions struct {
	// Namespace prefixes the names of prefixed metrics.
	Namespace string
	// PollInterval is the interval of polling collectors, 0 disables it.
	PollInterval time.Duration
}

const (
	// MinPollInterval is the most frequent allowed polling interval.
	MinPollInterval = time.Second
)

// NewGatherer creates a gatherer for the registry.
func (r *Registry) NewGatherer(o GathererOptions) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewPedanticRegistry(),
		r:        r,
	}

	r.Lock()
	for _, c := range r.collectors {
		var reg prometheus.Registerer = g.Registry
		if c.prefixed {
			reg = prefixed(c.group, prefixed(o.Namespace, reg))
		}
		if err := reg.Register(c); err != nil {
			r.Unlock()
			return nil, fmt.Errorf("metrics: failed to register %q: %w", c.Name(), err)
		}
	}
	r.Unlock()

	if g.r.poll() && o.PollInterval > 0 {
		g.start(max(o.PollInterval, MinPollInterval))
	}

	return g, nil
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.Registry.Gather()
}

// Poll polls all polled collectors.
func (g *Gatherer) Poll() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.r.poll()
}

func (g *Gatherer) start(interval time.Duration) {
	log.Info("polling collectors every %s", interval)

	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer func() {
			ticker.Stop()
			close(g.doneCh)
		}()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.Poll()
			}
		}
	}()
}

// Stop stops polling collectors.
func (g *Gatherer) Stop() {
	if g.stopCh == nil {
		return
	}
	close(g.stopCh)
	<-g.doneCh
	g.stopCh = nil
}

func prefixed(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix != "" {
		return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
	}
	return reg
}

var (
	defaultRegistry = NewRegistry()
)

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return Default().Register(name, collector, opts...)
}

// MustRegister registers a collector with the default registry, panicking on error.
func MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := Register(name, collector, opts...); err != nil {
		panic(err)
	}
}
