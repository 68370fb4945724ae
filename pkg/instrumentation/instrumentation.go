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
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/intel/gpu-bufmgr/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/intel/gpu-bufmgr/pkg/healthz"
	logger "github.com/intel/gpu-bufmgr/pkg/log"
	"github.com/intel/gpu-bufmgr/pkg/metrics"
)

const (
	// Namespace prefixes the names of our prefixed metrics.
	Namespace = "bufmgr"
	// shutdownTimeout is how long we wait for pending HTTP requests on stop.
	shutdownTimeout = time.Second
)

var (
	// Our runtime configuration.
	cfg = &cfgapi.Config{}
	// Lock to protect against reconfiguration.
	lock sync.Mutex
	// Our running HTTP server, if any.
	srv *server
	// Our logger instance.
	log = logger.Get("instrumentation")
)

type server struct {
	http *http.Server
	addr net.Addr
	g    *metrics.Gatherer
	done chan struct{}
}

// Start our instrumentation services.
func Start() error {
	log.Info("starting instrumentation services...")

	lock.Lock()
	defer lock.Unlock()

	return start()
}

// Stop our instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

// Restart our instrumentation services.
func Restart() error {
	lock.Lock()
	defer lock.Unlock()

	stop()

	err := start()
	if err != nil {
		log.Error("failed to start instrumentation: %v", err)
	}

	return err
}

// Reconfigure our instrumentation services.
func Reconfigure(newCfg *cfgapi.Config) error {
	lock.Lock()
	if newCfg == nil {
		newCfg = &cfgapi.Config{}
	}
	cfg = newCfg
	lock.Unlock()

	return Restart()
}

// Address returns the address our HTTP server listens on, or an empty
// string if it is not running.
func Address() string {
	lock.Lock()
	defer lock.Unlock()

	if srv == nil {
		return ""
	}
	return srv.addr.String()
}

func start() error {
	if srv != nil {
		return nil
	}

	if cfg.HTTPEndpoint == "" {
		log.Info("no HTTP endpoint configured, instrumentation disabled")
		return nil
	}

	s := &server{
		done: make(chan struct{}),
	}

	mux := http.NewServeMux()
	healthz.Setup(mux)

	if cfg.PrometheusExport {
		g, err := startMetrics()
		if err != nil {
			return err
		}
		s.g = g
		mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}

	ln, err := net.Listen("tcp", cfg.HTTPEndpoint)
	if err != nil {
		if s.g != nil {
			s.g.Stop()
		}
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.addr = ln.Addr()
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		defer close(s.done)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}()

	log.Info("HTTP server listening on %s (metrics: %v)", s.addr, cfg.PrometheusExport)
	srv = s

	return nil
}

func startMetrics() (*metrics.Gatherer, error) {
	enabled, polled := []string{"*"}, []string(nil)
	if cfg.Metrics != nil {
		enabled, polled = cfg.Metrics.Enabled, cfg.Metrics.Polled
	}

	if err := metrics.Default().Configure(enabled, polled); err != nil {
		return nil, fmt.Errorf("failed to configure metrics: %w", err)
	}

	g, err := metrics.Default().NewGatherer(metrics.GathererOptions{
		Namespace:    Namespace,
		PollInterval: cfg.ReportPeriod.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start metrics: %w", err)
	}

	return g, nil
}

func stop() {
	if srv == nil {
		return
	}

	if srv.g != nil {
		srv.g.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.http.Shutdown(ctx); err != nil {
		log.Warn("failed to shut down HTTP server: %v", err)
	}
	<-srv.done

	srv = nil
}
