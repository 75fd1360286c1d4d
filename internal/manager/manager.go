// Package manager is the backend-agnostic lifecycle orchestrator. It owns
// visibility policy, the descriptor cache and lookup filtering; all backend
// state changes go through the backend contract, never directly.
package manager

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/vmgate/vmgate/internal/backend"
	"github.com/vmgate/vmgate/internal/logging"
	"github.com/vmgate/vmgate/internal/vm"
)

// LookupQuery narrows and shapes a Lookup.
type LookupQuery struct {
	// Predicates keeps a machine only when every named canonical field
	// matches exactly.
	Predicates map[string]string
	// Fields optionally projects results to a field subset.
	Fields []string
	// IncludeHidden opts in to do-not-inventory machines.
	IncludeHidden bool
}

// Option adjusts a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logging.Ensure(logger) }
}

// WithoutCache disables the descriptor cache; every read hits the backend.
func WithoutCache() Option {
	return func(m *Manager) { m.cache = nil }
}

// Manager sequences lifecycle operations over one backend.
type Manager struct {
	backend backend.Backend
	cache   *descriptorCache
	logger  *slog.Logger
}

// New constructs a Manager over b.
func New(b backend.Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: b,
		cache:   newDescriptorCache(),
		logger:  logging.Ensure(nil),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Exists reports whether uuid names a visible machine. A hidden or absent
// machine is false, never an error.
func (m *Manager) Exists(ctx context.Context, uuid string, includeHidden bool) (bool, error) {
	exists, err := m.backend.Exists(ctx, uuid, backend.GetOptions{IncludeDoNotInventory: includeHidden})
	if vm.IsNotFound(err) {
		return false, nil
	}
	return exists, err
}

// Load fetches one machine, from cache when possible. Hidden machines
// without opt-in load as not found regardless of transport.
func (m *Manager) Load(ctx context.Context, uuid string, includeHidden bool) (*vm.Machine, error) {
	if cached, ok := m.cache.get(uuid); ok {
		if cached.DoNotInventory && !includeHidden {
			return nil, &vm.NotFoundError{UUID: uuid}
		}
		logging.Trace(m.logger, "descriptor cache hit", "uuid", uuid)
		return cached, nil
	}
	machine, err := m.backend.Load(ctx, uuid, backend.GetOptions{IncludeDoNotInventory: includeHidden})
	if err != nil {
		return nil, err
	}
	m.cache.put(machine)
	return machine, nil
}

// Lookup fetches the full machine set once, applies visibility, then the
// query predicates.
func (m *Manager) Lookup(ctx context.Context, query LookupQuery) ([]*vm.Machine, error) {
	machines, err := m.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]*vm.Machine, 0, len(machines))
	for _, machine := range machines {
		if machine.DoNotInventory && !query.IncludeHidden {
			continue
		}
		m.cache.put(machine)
		if !machine.Matches(query.Predicates) {
			continue
		}
		matched = append(matched, machine)
	}
	return matched, nil
}

// LookupFields runs Lookup and projects each match to the query's field
// subset, every field when none are named.
func (m *Manager) LookupFields(ctx context.Context, query LookupQuery) ([]map[string]any, error) {
	machines, err := m.Lookup(ctx, query)
	if err != nil {
		return nil, err
	}
	projected := make([]map[string]any, 0, len(machines))
	for _, machine := range machines {
		projected = append(projected, machine.Project(query.Fields))
	}
	return projected, nil
}

// Create provisions a machine. The backend owns autoboot: success means
// creation and, where requested, the dependent boot both settled.
func (m *Manager) Create(ctx context.Context, machine *vm.Machine) error {
	if err := machine.Normalize().Validate(); err != nil {
		return err
	}
	m.logger.Info("creating machine", "uuid", machine.UUID, "brand", machine.Brand, "alias", machine.Alias)
	m.cache.invalidate(machine.UUID)
	if err := m.backend.Create(ctx, machine); err != nil {
		return err
	}
	return nil
}

// Update replaces mutable fields of a visible machine.
func (m *Manager) Update(ctx context.Context, machine *vm.Machine, includeHidden bool) error {
	if err := m.visible(ctx, machine.UUID, includeHidden); err != nil {
		return err
	}
	m.cache.invalidate(machine.UUID)
	return m.backend.Update(ctx, machine)
}

// Delete destroys a visible machine. Stopping a running machine first is
// the backend's concern so the composite outcome is uniform.
func (m *Manager) Delete(ctx context.Context, uuid string, includeHidden bool) error {
	if err := m.visible(ctx, uuid, includeHidden); err != nil {
		return err
	}
	m.logger.Info("deleting machine", "uuid", uuid)
	m.cache.invalidate(uuid)
	return m.backend.Delete(ctx, uuid)
}

// Start boots a visible machine.
func (m *Manager) Start(ctx context.Context, uuid string, opts backend.StartOptions, includeHidden bool) error {
	if err := m.visible(ctx, uuid, includeHidden); err != nil {
		return err
	}
	m.cache.invalidate(uuid)
	return m.backend.Start(ctx, uuid, opts)
}

// Stop shuts a visible machine down.
func (m *Manager) Stop(ctx context.Context, uuid string, opts backend.StopOptions, includeHidden bool) error {
	if err := m.visible(ctx, uuid, includeHidden); err != nil {
		return err
	}
	m.cache.invalidate(uuid)
	return m.backend.Stop(ctx, uuid, opts)
}

// Reboot restarts a visible machine.
func (m *Manager) Reboot(ctx context.Context, uuid string, includeHidden bool) error {
	if err := m.visible(ctx, uuid, includeHidden); err != nil {
		return err
	}
	m.cache.invalidate(uuid)
	return m.backend.Reboot(ctx, uuid)
}

// Events subscribes to lifecycle events, optionally for one machine.
func (m *Manager) Events(ctx context.Context, uuid string, handler backend.EventHandler) (backend.EventStream, error) {
	return m.backend.Events(ctx, uuid, handler)
}

// Kill delivers a signal to a visible machine.
func (m *Manager) Kill(ctx context.Context, uuid, signal string, includeHidden bool) error {
	if err := m.visible(ctx, uuid, includeHidden); err != nil {
		return err
	}
	return m.backend.Kill(ctx, uuid, signal)
}

// Info queries runtime information for a visible machine.
func (m *Manager) Info(ctx context.Context, uuid string, includeHidden bool, types ...string) (json.RawMessage, error) {
	if err := m.visible(ctx, uuid, includeHidden); err != nil {
		return nil, err
	}
	return m.backend.Info(ctx, uuid, types...)
}

// Sysrq sends a system request to a visible machine.
func (m *Manager) Sysrq(ctx context.Context, uuid, request string, includeHidden bool) error {
	if err := m.visible(ctx, uuid, includeHidden); err != nil {
		return err
	}
	return m.backend.Sysrq(ctx, uuid, request)
}

// Reprovision reinstalls a visible machine from a new image.
func (m *Manager) Reprovision(ctx context.Context, uuid, imageUUID string, includeHidden bool) error {
	if err := m.visible(ctx, uuid, includeHidden); err != nil {
		return err
	}
	m.cache.invalidate(uuid)
	return m.backend.Reprovision(ctx, uuid, imageUUID)
}

// CreateSnapshot snapshots a visible machine.
func (m *Manager) CreateSnapshot(ctx context.Context, uuid, name string, includeHidden bool) error {
	if err := m.visible(ctx, uuid, includeHidden); err != nil {
		return err
	}
	return m.backend.CreateSnapshot(ctx, uuid, name)
}

// RollbackSnapshot restores a visible machine to a named snapshot.
func (m *Manager) RollbackSnapshot(ctx context.Context, uuid, name string, includeHidden bool) error {
	if err := m.visible(ctx, uuid, includeHidden); err != nil {
		return err
	}
	m.cache.invalidate(uuid)
	return m.backend.RollbackSnapshot(ctx, uuid, name)
}

// DeleteSnapshot removes a named snapshot of a visible machine.
func (m *Manager) DeleteSnapshot(ctx context.Context, uuid, name string, includeHidden bool) error {
	if err := m.visible(ctx, uuid, includeHidden); err != nil {
		return err
	}
	return m.backend.DeleteSnapshot(ctx, uuid, name)
}

// visible is the shared gate every mutate operation runs first: an absent
// or hidden machine is not found, identically for both transports.
func (m *Manager) visible(ctx context.Context, uuid string, includeHidden bool) error {
	exists, err := m.backend.Exists(ctx, uuid, backend.GetOptions{IncludeDoNotInventory: includeHidden})
	if err != nil {
		return err
	}
	if !exists {
		return &vm.NotFoundError{UUID: uuid}
	}
	return nil
}
