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
	"os"
	"slices"
	"strings"

	cfgapi "github.com/intel/gpu-bufmgr/pkg/apis/config/v1alpha1/log"
	"github.com/intel/gpu-bufmgr/pkg/log/klogcontrol"
	"github.com/intel/gpu-bufmgr/pkg/utils"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// DebugEnvVar seeds per-source debugging, for instance 'on:bufmgr,vma'.
	DebugEnvVar = "LOGGER_DEBUG"
	// LogSourceEnvVar turns on source prefixes if set to a non-empty value.
	LogSourceEnvVar = "LOGGER_LOG_SOURCE"
)

// srcmap is the debug state of logger sources. The source "*" holds the
// state of sources without an entry of their own.
type srcmap map[string]bool

// parse updates the map from a spec of comma-separated [state:]source
// entries. A state carries over to subsequent entries without one, the first
// entries without a state are enabled. The source "all" is an alias for "*".
func (m srcmap) parse(spec string) error {
	state := "on"
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		src := entry
		if s, rest, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(rest, ":") {
				return loggerError("invalid debug entry %q", entry)
			}
			state, src = strings.TrimSpace(s), strings.TrimSpace(rest)
		}
		if src == "" {
			return loggerError("missing source in debug entry %q", entry)
		}
		if src == "all" {
			src = "*"
		}

		enabled, err := utils.ParseEnabled(state)
		if err != nil {
			return loggerError("invalid state in debug entry %q: %w", entry, err)
		}
		m[src] = enabled
	}

	return nil
}

// String returns the map as a spec parse accepts, sources sorted.
func (m srcmap) String() string {
	var on, off []string
	for src, enabled := range m {
		if enabled {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	slices.Sort(on)
	slices.Sort(off)

	var parts []string
	if len(on) > 0 {
		parts = append(parts, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		parts = append(parts, "off:"+strings.Join(off, ","))
	}
	return strings.Join(parts, ",")
}

// Configure updates the logging configuration.
func Configure(cfg *cfgapi.Config) error {
	if cfg == nil {
		cfg = &cfgapi.Config{}
	}

	dbg := srcmap{}
	for _, spec := range cfg.Debug {
		if err := dbg.parse(spec); err != nil {
			return loggerError("failed to configure debugging: %w", err)
		}
	}

	// Without klog headers the source prefix is all that identifies a message.
	prefix := cfg.LogSource
	if isSet(cfg.Klog.Logtostderr) && isSet(cfg.Klog.Skip_headers) {
		prefix = true
	}

	if err := klogcontrol.Get().Configure(&cfg.Klog); err != nil {
		return err
	}

	log.Lock()
	log.setDbgMap(dbg)
	log.setPrefix(prefix)
	log.Unlock()

	deflog.Debug("logging configured, debug %q, source prefix %v", dbg.String(), prefix)

	return nil
}

func isSet(b *bool) bool {
	return b != nil && *b
}

// configFromEnv returns the logging configuration seeded from the environment.
func configFromEnv() (*cfgapi.Config, error) {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(LogSourceEnvVar) != "",
	}

	if spec, ok := os.LookupEnv(DebugEnvVar); ok {
		if err := (srcmap{}).parse(spec); err != nil {
			return cfg, loggerError("invalid $%s: %w", DebugEnvVar, err)
		}
		cfg.Debug = []string{spec}
	}

	return cfg, nil
}

func init() {
	cfg, err := configFromEnv()
	if err != nil {
		deflog.Error("%v", err)
	}
	if err := Configure(cfg); err != nil {
		deflog.Error("initial logging configuration failed: %v", err)
	}
}
