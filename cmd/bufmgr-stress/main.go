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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cfgapi "github.com/intel/gpu-bufmgr/pkg/apis/config/v1alpha1"
	"github.com/intel/gpu-bufmgr/pkg/bufmgr"
	"github.com/intel/gpu-bufmgr/pkg/healthz"
	"github.com/intel/gpu-bufmgr/pkg/instrumentation"
	"github.com/intel/gpu-bufmgr/pkg/kernel/simdev"
	logger "github.com/intel/gpu-bufmgr/pkg/log"
	"github.com/intel/gpu-bufmgr/pkg/metrics"
	"github.com/intel/gpu-bufmgr/pkg/metrics/collectors"
)

var (
	log = logger.Get("stress")
)

type options struct {
	configFile  string
	workers     int
	iterations  int
	metricsAddr string
	printConfig bool
	interrupts  int
}

func newRootCmd() *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:   "bufmgr-stress",
		Short: "Stress a GPU buffer manager on a simulated device",
		Long: `bufmgr-stress runs concurrent workers allocating, mapping, sharing
and releasing buffers through a single buffer manager of a simulated GPU,
then reports cache, slab and kernel statistics.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load()
			if err != nil {
				return err
			}
			if o.printConfig {
				return printConfig(cmd.OutOrStdout(), cfg)
			}
			return o.run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&o.configFile, "config", "c", "", "configuration file name")
	flags.IntVarP(&o.workers, "workers", "w", 4, "number of concurrent workers")
	flags.IntVarP(&o.iterations, "iterations", "n", 10000, "number of allocations per worker")
	flags.StringVar(&o.metricsAddr, "metrics-addr", "", "address to serve /metrics and /healthz on")
	flags.BoolVar(&o.printConfig, "print-config", false, "print the effective configuration and exit")
	flags.IntVar(&o.interrupts, "interrupts", 0, "interrupt every Nth blocking device call")

	return cmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	logger.Flush()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// load loads the configuration and applies command line overrides.
func (o *options) load() (*cfgapi.BufferManager, error) {
	if o.workers < 1 || o.iterations < 0 {
		return nil, fmt.Errorf("invalid workers %d or iterations %d", o.workers, o.iterations)
	}

	cfg := cfgapi.NewBufferManager("default")
	if o.configFile != "" {
		c, err := cfgapi.Load(o.configFile)
		if err != nil {
			return nil, err
		}
		cfg = c
	}

	if o.metricsAddr != "" {
		cfg.Spec.Instrumentation.HTTPEndpoint = o.metricsAddr
		cfg.Spec.Instrumentation.PrometheusExport = true
	}

	if _, err := cfg.Spec.Options(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", cfg.Name, err)
	}

	return cfg, nil
}

func printConfig(w io.Writer, cfg *cfgapi.BufferManager) error {
	_, err := io.WriteString(w, cfg.Dump())
	return err
}

func (o *options) run(ctx context.Context, cfg *cfgapi.BufferManager) (retErr error) {
	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	logger.SetSlogLogger("slog")

	opts, err := cfg.Spec.Options()
	if err != nil {
		return err
	}

	gpu := simdev.New(simdev.WithInterrupts(o.interrupts))
	s := &stress{
		gpu:        gpu,
		reg:        bufmgr.DefaultRegistry(),
		policy:     cfg.Spec.Policy(),
		options:    opts,
		workers:    o.workers,
		iterations: o.iterations,
	}

	// Keep one reference for the lifetime of the run so that workers
	// share a single manager and stats survive their exit.
	conn, err := gpu.Open()
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	defer func() {
		if err := conn.Shutdown(); err != nil {
			log.Warn("failed to shut down connection: %v", err)
		}
	}()

	m, err := s.reg.Get(conn, s.policy, opts...)
	if err != nil {
		return fmt.Errorf("failed to create buffer manager: %w", err)
	}
	defer func() {
		retErr = errors.Join(retErr, s.reg.Unref(m))
	}()

	collectors.RegisterStandard(metrics.Default())
	if err := metrics.Register("bufmgr", m.Collector(), metrics.WithGroup("gpu")); err != nil {
		return err
	}
	healthz.RegisterHealthChecker("bufmgr", func() (healthz.Status, error) {
		return health(m.Stats())
	})

	if err := instrumentation.Reconfigure(&cfg.Spec.Instrumentation); err != nil {
		return fmt.Errorf("failed to start instrumentation: %w", err)
	}
	defer instrumentation.Stop()

	log.Info("running %d workers with %d iterations each...", o.workers, o.iterations)
	start := time.Now()
	runErr := s.run(ctx)
	elapsed := time.Since(start)

	st := m.Stats()
	log.Info("%d allocations (%d shared, %d out of memory) in %s",
		s.allocs.Load(), s.shared.Load(), s.failures.Load(), elapsed)
	log.Info("cache: %d hits, %d misses, %d purged, %d evicted",
		st.CacheHits, st.CacheMisses, st.Purged, st.Evicted)
	log.Info("slabs: %d allocations, %d slabs, %d entries",
		st.SlabAllocs, st.Slabs, st.SlabEntries)
	log.Info("kernel: %d calls, %d failures, %d retries",
		st.Kernel.Calls, st.Kernel.Failures, st.Kernel.Retries)
	m.DumpState()

	if runErr != nil {
		return fmt.Errorf("stress test failed: %w", runErr)
	}

	return nil
}

// health reports the device as degraded once most kernel calls fail.
func health(st bufmgr.Stats) (healthz.Status, error) {
	if st.Kernel.Failures > 0 && st.Kernel.Failures*2 > st.Kernel.Calls {
		return healthz.Degraded, fmt.Errorf("%d of %d kernel calls failed",
			st.Kernel.Failures, st.Kernel.Calls)
	}
	return healthz.Healthy, nil
}
