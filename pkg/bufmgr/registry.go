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

package bufmgr

import (
	"fmt"
	"slices"
	"sync"

	"github.com/intel/gpu-bufmgr/pkg/kernel"
)

// Registry multiplexes a single Manager per device among its users.
type Registry struct {
	mu       sync.Mutex
	managers map[kernel.DeviceID]*registered
}

type registered struct {
	m      *Manager
	refs   int
	policy Policy
}

var defaultRegistry = NewRegistry()

// NewRegistry creates a new manager registry.
func NewRegistry() *Registry {
	return &Registry{
		managers: make(map[kernel.DeviceID]*registered),
	}
}

// DefaultRegistry returns the process-wide manager registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Get returns a reference to the manager of the device behind the given
// connection, creating the manager if necessary. All users of a manager
// must agree on its policy. A new manager gets a duplicate of the
// connection, the caller keeps ownership of dev. The options are only
// used when a new manager is created.
func (r *Registry) Get(dev kernel.Device, policy Policy, options ...Option) (*Manager, error) {
	id, err := kernel.NewClient(dev).Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to query device identity: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.managers[id]; ok {
		if e.policy != policy {
			return nil, fmt.Errorf("%w: %s: have %+v, requested %+v", ErrPolicyMismatch,
				id, e.policy, policy)
		}
		e.refs++
		return e.m, nil
	}

	dup, err := dev.Dup()
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate connection to %s: %w", id, err)
	}

	m, err := NewManager(dup, append(slices.Clip(options), WithPolicy(policy))...)
	if err != nil {
		if err := dup.Shutdown(); err != nil {
			log.Warn("failed to shut down connection to %s: %v", id, err)
		}
		return nil, err
	}

	r.managers[id] = &registered{m: m, refs: 1, policy: policy}

	return m, nil
}

// Unref drops a reference to a manager. Dropping the last reference
// closes the manager.
func (r *Registry) Unref(m *Manager) error {
	r.mu.Lock()

	e, ok := r.managers[m.identity]
	if !ok || e.m != m {
		r.mu.Unlock()
		return fmt.Errorf("%w: manager for %s is not registered", ErrInvalidArgument, m.identity)
	}

	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.managers, m.identity)

	r.mu.Unlock()

	return m.Close()
}

// Len returns the number of registered managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}
