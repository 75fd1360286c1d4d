package lxd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmgate/vmgate/internal/backend"
	"github.com/vmgate/vmgate/internal/logging"
	"github.com/vmgate/vmgate/internal/netmap"
	"github.com/vmgate/vmgate/internal/vm"
)

// defaultStateTimeout is the shutdown grace the daemon is given on state
// changes.
const defaultStateTimeout = 30 * time.Second

// Config wires a Backend to the local daemon.
type Config struct {
	// SocketPath is the daemon's unix socket, DefaultSocketPath if empty.
	SocketPath string
	// NicTags maps logical network tags to physical parent devices.
	NicTags netmap.Table
	Logger  *slog.Logger
}

// Backend implements backend.Backend against the REST daemon. One
// persistent event-feed subscription serves every awaited operation.
type Backend struct {
	client  *apiClient
	tracker *opTracker
	nicTags netmap.Table
	logger  *slog.Logger

	mu   sync.Mutex
	feed *eventFeed
}

var _ backend.Backend = (*Backend)(nil)

// New constructs a daemon backend from cfg.
func New(cfg Config) *Backend {
	logger := logging.Ensure(cfg.Logger).With("backend", "lxd")
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Backend{
		client:  newAPIClient(socketPath, logger),
		tracker: newOpTracker(logger),
		nicTags: cfg.NicTags,
		logger:  logger,
	}
}

// ensureFeed lazily establishes the shared event feed, redialing after a
// feed failure. It must be up before any mutating call is issued.
func (b *Backend) ensureFeed(ctx context.Context) (*eventFeed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.feed != nil && !b.feed.dead() {
		return b.feed, nil
	}
	feed, err := dialFeed(ctx, b.client.socketPath, b.tracker, b.logger)
	if err != nil {
		return nil, err
	}
	b.feed = feed
	return feed, nil
}

// Close tears down the shared event feed.
func (b *Backend) Close() {
	b.mu.Lock()
	feed := b.feed
	b.feed = nil
	b.mu.Unlock()
	if feed != nil {
		feed.close()
	}
}

// Exists reports whether the machine is present and visible.
func (b *Backend) Exists(ctx context.Context, uuid string, opts backend.GetOptions) (bool, error) {
	inst, err := b.getInstance(ctx, uuid)
	if vm.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if inst.Config[keyHidden] == "true" && !opts.IncludeDoNotInventory {
		logging.Trace(b.logger, "machine hidden by do-not-inventory", "uuid", uuid)
		return false, nil
	}
	return true, nil
}

// Load fetches one machine by uuid.
func (b *Backend) Load(ctx context.Context, uuid string, opts backend.GetOptions) (*vm.Machine, error) {
	inst, err := b.getInstance(ctx, uuid)
	if err != nil {
		return nil, err
	}
	machine, err := fromNative(inst)
	if err != nil {
		return nil, err
	}
	if machine.DoNotInventory && !opts.IncludeDoNotInventory {
		return nil, &vm.NotFoundError{UUID: uuid}
	}
	return machine, nil
}

// List fetches the full instance set in one recursive call. Instances not
// managed through this backend translate with a validation error and are
// skipped.
func (b *Backend) List(ctx context.Context) ([]*vm.Machine, error) {
	envelope, err := b.client.do(ctx, "GET", "/1.0/instances?recursion=2", nil)
	if err != nil {
		return nil, err
	}
	var instances []instance
	if err := decodeMetadata(envelope, &instances); err != nil {
		return nil, fmt.Errorf("decode instance list: %w", err)
	}
	machines := make([]*vm.Machine, 0, len(instances))
	for i := range instances {
		machine, err := fromNative(&instances[i])
		if err != nil {
			logging.Trace(b.logger, "skipping foreign instance", "name", instances[i].Name, "error", err)
			continue
		}
		machines = append(machines, machine)
	}
	return machines, nil
}

// Create provisions a machine and, when autoboot applies, boots it once the
// creation operation settles successfully. A failure in either phase fails
// the composite; the created instance persists after a failed boot.
func (b *Backend) Create(ctx context.Context, machine *vm.Machine) error {
	if _, err := b.ensureFeed(ctx); err != nil {
		return err
	}
	if err := machine.Normalize().Validate(); err != nil {
		return err
	}
	inst, err := toNative(machine, b.nicTags)
	if err != nil {
		return err
	}
	if err := b.async(ctx, "POST", "/1.0/instances", inst); err != nil {
		return fmt.Errorf("create %s: %w", machine.UUID, err)
	}
	if !machine.AutobootEnabled() {
		return nil
	}
	if err := b.changeState(ctx, machine.UUID, "start", backend.StopOptions{}); err != nil {
		return fmt.Errorf("boot %s after create: %w", machine.UUID, err)
	}
	return nil
}

// Update replaces the instance's config and devices.
func (b *Backend) Update(ctx context.Context, machine *vm.Machine) error {
	if _, err := b.ensureFeed(ctx); err != nil {
		return err
	}
	if _, err := b.getInstance(ctx, machine.UUID); err != nil {
		return err
	}
	inst, err := toNative(machine, b.nicTags)
	if err != nil {
		return err
	}
	body := map[string]any{"config": inst.Config, "devices": inst.Devices}
	if err := b.async(ctx, "PUT", "/1.0/instances/"+inst.Name, body); err != nil {
		return fmt.Errorf("update %s: %w", machine.UUID, err)
	}
	return nil
}

// Delete destroys a machine, stopping it first when it is running.
func (b *Backend) Delete(ctx context.Context, uuid string) error {
	if _, err := b.ensureFeed(ctx); err != nil {
		return err
	}
	inst, err := b.getInstance(ctx, uuid)
	if err != nil {
		return err
	}
	if mapNativeState(inst.Status) == vm.StateRunning {
		stopOpts := backend.StopOptions{Force: true}
		if err := b.changeState(ctx, uuid, "stop", stopOpts); err != nil {
			return fmt.Errorf("stop %s before delete: %w", uuid, err)
		}
	}
	if err := b.async(ctx, "DELETE", "/1.0/instances/"+applyNamePrefix(uuid), nil); err != nil {
		return fmt.Errorf("delete %s: %w", uuid, err)
	}
	return nil
}

// Start boots a stopped machine. The daemon has no boot-order overrides;
// they are ignored here.
func (b *Backend) Start(ctx context.Context, uuid string, _ backend.StartOptions) error {
	return b.stateOp(ctx, uuid, "start", backend.StopOptions{})
}

// Stop shuts a machine down.
func (b *Backend) Stop(ctx context.Context, uuid string, opts backend.StopOptions) error {
	return b.stateOp(ctx, uuid, "stop", opts)
}

// Reboot restarts a running machine.
func (b *Backend) Reboot(ctx context.Context, uuid string) error {
	return b.stateOp(ctx, uuid, "restart", backend.StopOptions{})
}

// Events subscribes to lifecycle messages on the shared feed.
func (b *Backend) Events(ctx context.Context, uuid string, handler backend.EventHandler) (backend.EventStream, error) {
	if handler == nil {
		return nil, errors.New("event handler is required")
	}
	feed, err := b.ensureFeed(ctx)
	if err != nil {
		return nil, err
	}
	return feed.subscribe(uuid, handler), nil
}

// Kill has no daemon equivalent.
func (b *Backend) Kill(context.Context, string, string) error {
	return &vm.NotImplementedError{Op: "kill"}
}

// Info has no daemon equivalent.
func (b *Backend) Info(context.Context, string, ...string) (json.RawMessage, error) {
	return nil, &vm.NotImplementedError{Op: "info"}
}

// Sysrq has no daemon equivalent.
func (b *Backend) Sysrq(context.Context, string, string) error {
	return &vm.NotImplementedError{Op: "sysrq"}
}

// Reprovision has no daemon equivalent.
func (b *Backend) Reprovision(context.Context, string, string) error {
	return &vm.NotImplementedError{Op: "reprovision"}
}

// CreateSnapshot snapshots an instance.
func (b *Backend) CreateSnapshot(ctx context.Context, uuid, name string) error {
	return b.snapshotOp(ctx, uuid, "POST", "/1.0/instances/"+applyNamePrefix(uuid)+"/snapshots", map[string]string{"name": name})
}

// RollbackSnapshot restores an instance to a named snapshot.
func (b *Backend) RollbackSnapshot(ctx context.Context, uuid, name string) error {
	return b.snapshotOp(ctx, uuid, "PUT", "/1.0/instances/"+applyNamePrefix(uuid), map[string]string{"restore": name})
}

// DeleteSnapshot removes a named snapshot.
func (b *Backend) DeleteSnapshot(ctx context.Context, uuid, name string) error {
	return b.snapshotOp(ctx, uuid, "DELETE", "/1.0/instances/"+applyNamePrefix(uuid)+"/snapshots/"+name, nil)
}

func (b *Backend) snapshotOp(ctx context.Context, uuid, method, path string, body any) error {
	if _, err := b.ensureFeed(ctx); err != nil {
		return err
	}
	if _, err := b.getInstance(ctx, uuid); err != nil {
		return err
	}
	return b.async(ctx, method, path, body)
}

func (b *Backend) stateOp(ctx context.Context, uuid, action string, opts backend.StopOptions) error {
	if _, err := b.ensureFeed(ctx); err != nil {
		return err
	}
	if err := b.changeState(ctx, uuid, action, opts); err != nil {
		return mapAPIError(err, uuid)
	}
	return nil
}

// changeState submits a state-change request and waits for the operation's
// terminal event.
func (b *Backend) changeState(ctx context.Context, uuid, action string, opts backend.StopOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultStateTimeout
	}
	body := map[string]any{
		"action":   action,
		"timeout":  int(timeout / time.Second),
		"force":    opts.Force,
		"stateful": false,
	}
	err := b.async(ctx, "PUT", "/1.0/instances/"+applyNamePrefix(uuid)+"/state", body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, uuid, mapAPIError(err, uuid))
	}
	return nil
}

// async issues one two-phase mutation: submit the request, then await the
// operation's terminal status on the event feed. The feed runs concurrently
// with the submit call, so a terminal message can be published before the
// waiter is registered; after registering, the operation's current status is
// re-read once and an already-terminal status counts as the settlement.
func (b *Backend) async(ctx context.Context, method, path string, body any) error {
	envelope, err := b.client.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	op, err := decodeOperation(envelope)
	if err != nil {
		return err
	}
	ch := b.tracker.watch(op.ID)
	if !op.terminal() {
		if current, err := b.getOperation(ctx, op.ID); err == nil && current.terminal() {
			op = current
		} else if err != nil {
			logging.Trace(b.logger, "operation status re-check failed", "id", op.ID, "error", err)
		}
	}
	return b.tracker.await(ctx, op, ch)
}

// getOperation reads an operation's current record.
func (b *Backend) getOperation(ctx context.Context, id string) (operation, error) {
	envelope, err := b.client.do(ctx, "GET", "/1.0/operations/"+id, nil)
	if err != nil {
		return operation{}, err
	}
	var op operation
	if err := decodeMetadata(envelope, &op); err != nil {
		return operation{}, fmt.Errorf("decode operation %s: %w", id, err)
	}
	return op, nil
}

// getInstance fetches the native descriptor, mapping the daemon's 404 to
// the typed not-found error.
func (b *Backend) getInstance(ctx context.Context, uuid string) (*instance, error) {
	path := "/1.0/instances/" + applyNamePrefix(uuid) + "?recursion=1"
	envelope, err := b.client.do(ctx, "GET", path, nil)
	if err != nil {
		return nil, mapAPIError(err, uuid)
	}
	inst := &instance{}
	if err := decodeMetadata(envelope, inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", uuid, err)
	}
	return inst, nil
}

func mapAPIError(err error, uuid string) error {
	var daemonErr *apiError
	if errors.As(err, &daemonErr) && daemonErr.notFound() {
		return &vm.NotFoundError{UUID: uuid}
	}
	return err
}
