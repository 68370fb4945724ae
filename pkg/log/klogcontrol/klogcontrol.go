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

package klogcontrol

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	cfgapi "github.com/intel/gpu-bufmgr/pkg/apis/config/v1alpha1/log/klogcontrol"
)

const (
	// envPrefix prefixes the names of environment variables seeding klog flags.
	envPrefix = "LOGGER_"
	// journalEnvVar is set by systemd when our output goes to the journal.
	journalEnvVar = "JOURNAL_STREAM"
)

// Control provides runtime control over the klog command line flags.
type Control struct {
	flags *flag.FlagSet
}

var ctl = newControl(os.LookupEnv)

// Get returns the klog Control of the process.
func Get() *Control {
	return ctl
}

func newControl(lookup func(string) (string, bool)) *Control {
	c := &Control{
		flags: flag.NewFlagSet("klog", flag.ContinueOnError),
	}
	c.flags.SetOutput(io.Discard)
	klog.InitFlags(c.flags)
	c.seed(lookup)
	return c
}

// EnvVar returns the name of the environment variable seeding a klog flag.
func EnvVar(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// Configure sets every klog flag the configuration has a value for.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var errs *multierror.Error

	c.flags.VisitAll(func(f *flag.Flag) {
		value, ok := cfg.GetByFlag(f.Name)
		if !ok {
			return
		}
		if err := c.flags.Set(f.Name, value); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("klogcontrol: flag %s=%q: %w",
				f.Name, value, err))
		}
	})

	return errs.ErrorOrNil()
}

// Value returns the current value of a klog flag.
func (c *Control) Value(name string) (string, bool) {
	f := c.flags.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}

// seed sets flags from the environment. Headers are turned off by default
// when logging to the journal, which timestamps messages itself.
func (c *Control) seed(lookup func(string) (string, bool)) {
	c.flags.VisitAll(func(f *flag.Flag) {
		name := EnvVar(f.Name)
		if value, ok := lookup(name); ok {
			if err := c.flags.Set(f.Name, value); err != nil {
				klog.Errorf("invalid klog flag default %s=%q: %v", name, value, err)
			}
			return
		}
		if f.Name == "skip_headers" {
			if value, _ := lookup(journalEnvVar); value != "" {
				_ = c.flags.Set(f.Name, "true")
			}
		}
	})
}
