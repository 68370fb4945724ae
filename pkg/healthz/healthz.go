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

package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	logger "github.com/intel/gpu-bufmgr/pkg/log"
)

// CheckFn checks the health of a single component.
type CheckFn func() (Status, error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

// Checkers is a set of named health checkers.
type Checkers struct {
	sync.Mutex
	checkers map[string]CheckFn
}

var (
	log      = logger.Get("health-check")
	defaults = NewCheckers()
)

// NewCheckers creates an empty set of health checkers.
func NewCheckers() *Checkers {
	return &Checkers{checkers: map[string]CheckFn{}}
}

// Setup installs the default health checkers at /healthz of mux.
func Setup(mux *http.ServeMux) {
	mux.Handle("/healthz", defaults)
}

// RegisterHealthChecker registers a checker with the default set.
func RegisterHealthChecker(name string, fn CheckFn) {
	defaults.Register(name, fn)
}

// Register registers the given health checker function.
func (c *Checkers) Register(name string, fn CheckFn) {
	c.Lock()
	defer c.Unlock()

	if _, conflict := c.checkers[name]; conflict {
		panic(fmt.Sprintf("checker %q already registered", name))
	}
	c.checkers[name] = fn
}

// Check runs all checkers, returning the worst status and the details
// of unhealthy components.
func (c *Checkers) Check() (Status, map[string]error) {
	c.Lock()
	defer c.Unlock()

	status := Healthy
	details := map[string]error{}
	for name, fn := range c.checkers {
		if s, err := fn(); s != Healthy {
			status = max(status, s)
			details[name] = err
		}
	}

	return status, details
}

// ServeHTTP serves a health check request.
func (c *Checkers) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status, details := c.Check()
	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Error("failed to write response: %v", err)
		}
		return
	}

	names := make([]string, 0, len(details))
	for name := range details {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %v\n", name, details[name])
	}

	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write([]byte(b.String())); err != nil {
		log.Error("failed to write response: %v", err)
	}
}
