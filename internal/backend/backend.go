// Package backend defines the operation contract both machine backends
// satisfy. The lifecycle manager depends only on this interface; transport
// and descriptor-schema differences stay inside the implementations.
package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vmgate/vmgate/internal/vm"
)

// GetOptions adjusts visibility for read and existence operations.
type GetOptions struct {
	// IncludeDoNotInventory opts in to machines hidden by the
	// do-not-inventory flag. Without it such machines resolve to not found.
	IncludeDoNotInventory bool
}

// StartOptions carries boot-time overrides for Start.
type StartOptions struct {
	Order  string
	Once   string
	CDROMs []string
	Disks  []string
}

// StopOptions carries shutdown overrides for Stop.
type StopOptions struct {
	Force   bool
	Timeout time.Duration
}

// Event is one parsed lifecycle event from a backend's push channel.
type Event struct {
	Type string
	Date time.Time
	UUID string
	Raw  json.RawMessage
}

// EventHandler receives events in arrival order.
type EventHandler func(Event)

// EventStream is a live subscription. Stop is idempotent; Done closes when
// the stream has fully terminated and Err reports why, nil for a caller
// stop or a clean remote close.
type EventStream interface {
	Stop()
	Done() <-chan struct{}
	Err() error
}

// Backend is the uniform machine lifecycle contract. Create covers the
// backend's autoboot semantics and Delete covers stopping a running
// machine first, so composite outcomes are consistent across transports.
type Backend interface {
	Exists(ctx context.Context, uuid string, opts GetOptions) (bool, error)
	Load(ctx context.Context, uuid string, opts GetOptions) (*vm.Machine, error)
	List(ctx context.Context) ([]*vm.Machine, error)
	Create(ctx context.Context, machine *vm.Machine) error
	Update(ctx context.Context, machine *vm.Machine) error
	Delete(ctx context.Context, uuid string) error
	Start(ctx context.Context, uuid string, opts StartOptions) error
	Stop(ctx context.Context, uuid string, opts StopOptions) error
	Reboot(ctx context.Context, uuid string) error
	Events(ctx context.Context, uuid string, handler EventHandler) (EventStream, error)

	// Thin administrative pass-throughs. They share the existence-check
	// contract; backends without an equivalent return NotImplemented.
	Kill(ctx context.Context, uuid string, signal string) error
	Info(ctx context.Context, uuid string, types ...string) (json.RawMessage, error)
	Sysrq(ctx context.Context, uuid string, request string) error
	Reprovision(ctx context.Context, uuid string, imageUUID string) error
	CreateSnapshot(ctx context.Context, uuid, name string) error
	RollbackSnapshot(ctx context.Context, uuid, name string) error
	DeleteSnapshot(ctx context.Context, uuid, name string) error
}
