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

	"github.com/intel/gpu-bufmgr/pkg/bufmgr/vma"
	"github.com/intel/gpu-bufmgr/pkg/kernel"
)

// MarkExported marks a buffer as shared outside the manager. Exported
// buffers are never cached for reuse, and their caching can no longer
// be changed.
func (m *Manager) MarkExported(h *Handle) error {
	if err := m.checkActive(h); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.markExportedLocked(h)
}

func (m *Manager) markExportedLocked(h *Handle) error {
	if h.state != StateActive {
		return fmt.Errorf("%w: %s is %s", ErrClosedHandle, h, h.state)
	}
	if h.kind == KindSlabEntry {
		return fmt.Errorf("%w: %s is a slab entry", ErrNotExportable, h)
	}
	if h.exported {
		return nil
	}

	h.exported = true
	h.reusable = false
	h.external.Store(true)

	details.Debug("marked %s exported", h)

	return nil
}

// Export exports a buffer by a global name.
func (m *Manager) Export(h *Handle) (kernel.ExportName, error) {
	if err := m.checkActive(h); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.markExportedLocked(h); err != nil {
		return 0, err
	}
	if h.name != 0 {
		return h.name, nil
	}

	name, err := m.dev.Flink(h.object)
	if err != nil {
		return 0, fmt.Errorf("failed to export %s: %w", h, err)
	}
	h.name = name
	m.names[name] = h

	return name, nil
}

// ExportFD exports a buffer as a transferable file descriptor. The
// caller owns the descriptor.
func (m *Manager) ExportFD(h *Handle) (int, error) {
	if err := m.checkActive(h); err != nil {
		return -1, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.markExportedLocked(h); err != nil {
		return -1, err
	}

	fd, err := m.dev.ExportFD(h.object)
	if err != nil {
		return -1, fmt.Errorf("failed to export %s: %w", h, err)
	}

	return fd, nil
}

// ExportForDevice returns the kernel object id of a buffer on another
// device connection. Connections sharing the object namespace of the
// manager use the local id, others import a transferable descriptor.
func (m *Manager) ExportForDevice(h *Handle, other kernel.Device) (kernel.ObjectID, error) {
	if other.Connection() == m.dev.Connection() {
		if err := m.MarkExported(h); err != nil {
			return 0, err
		}
		return h.Object(), nil
	}

	fd, err := m.ExportFD(h)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := m.dev.CloseFD(fd); err != nil {
			log.Warn("failed to close exported descriptor %d: %v", fd, err)
		}
	}()

	id, _, err := kernel.NewClient(other).ImportFD(fd)
	if err != nil {
		return 0, fmt.Errorf("failed to import %s on connection %d: %w", h,
			other.Connection(), err)
	}

	return id, nil
}

// ImportByName returns a buffer for an exported global name. Importing
// a buffer already known to the manager returns a new reference to the
// existing handle.
func (m *Manager) ImportByName(name kernel.ExportName) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	if h, ok := m.names[name]; ok {
		return m.refExisting(h, 0)
	}

	id, size, err := m.dev.OpenByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer %d: %w", name, err)
	}

	h, err := m.importLocked(id, size)
	if err != nil {
		return nil, err
	}
	if h.name == 0 {
		h.name = name
		m.names[name] = h
	}

	return h, nil
}

// ImportObject returns a buffer for a kernel object already open on the
// device connection of the manager. The manager takes over the object.
func (m *Manager) ImportObject(id kernel.ObjectID, size uint64) (*Handle, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized import", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	return m.importLocked(id, size)
}

// ImportFD returns a buffer for a transferable file descriptor. The
// caller keeps ownership of the descriptor.
func (m *Manager) ImportFD(fd int) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	id, size, err := m.dev.ImportFD(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to import descriptor %d: %w", fd, err)
	}

	return m.importLocked(id, size)
}

// importLocked finds or creates the single handle of a kernel object.
func (m *Manager) importLocked(id kernel.ObjectID, size uint64) (*Handle, error) {
	if h, ok := m.objects[id]; ok {
		return m.refExisting(h, size)
	}

	h := &Handle{
		m:        m,
		size:     size,
		zone:     vma.ZoneOther,
		kind:     KindReal,
		class:    kernel.ClassSystem,
		mode:     m.modeFor(kernel.ClassSystem, 0),
		tag:      "import",
		imported: true,
		object:   id,
	}
	h.external.Store(true)

	tiling, err := m.dev.GetTiling(id)
	if err != nil {
		log.Warn("failed to query tiling of imported object %d: %v", id, err)
	}
	h.tiling = tiling

	if err := m.reserve(h, vma.ZoneOther, 0); err != nil {
		m.closeObject(id)
		return nil, err
	}
	m.activate(h, m.now())

	details.Debug("imported kernel object %d as %s", id, h)
	m.validateState("import")

	return h, nil
}

// refExisting takes a reference to the handle of an imported object. An
// unreferenced handle is resurrected.
func (m *Manager) refExisting(h *Handle, size uint64) (*Handle, error) {
	if size != 0 && size != h.size {
		return nil, m.identityViolation("kernel object %d imported with size %d, handle %s",
			h.object, size, h)
	}

	switch h.state {
	case StateActive:
		h.refs.Add(1)
	case StateZombie:
		h.newEntry(StateActive, m.now())
		h.refs.Store(1)
		details.Debug("resurrected zombie %s", h)
	case StateCached:
		retained, err := m.dev.Madvise(h.object, kernel.AdviceWillNeed)
		if err != nil || !retained {
			log.Warn("contents of imported cached buffer %s were discarded", h)
		}
		h.newEntry(StateActive, m.now())
		h.refs.Store(1)
	default:
		return nil, m.identityViolation("kernel object %d maps to %s handle %s",
			h.object, h.state, h)
	}

	h.imported = true
	h.reusable = false
	h.external.Store(true)

	return h, nil
}

// register checks that a kernel object has no other live handle.
func (m *Manager) register(h *Handle) error {
	if o, ok := m.objects[h.object]; ok && o != h && o.state != StateClosed {
		return m.identityViolation("kernel object %d of %s already has handle %s",
			h.object, h, o)
	}
	return nil
}

func (m *Manager) identityViolation(format string, args ...interface{}) error {
	if m.debug {
		log.Panic("identity violation: "+format, args...)
	}
	log.Error("identity violation: "+format, args...)
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrIdentityViolation}, args...)...)
}

func (m *Manager) checkOpen() error {
	if m.closed {
		return fmt.Errorf("%w: manager is closed", ErrInvalidArgument)
	}
	return nil
}
