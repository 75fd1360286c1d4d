// Package vmadm drives machines through the line-oriented administration
// tool. The tool speaks the canonical descriptor schema as JSON documents
// on stdin/stdout; failures are classified from its stderr.
package vmadm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vmgate/vmgate/internal/backend"
	"github.com/vmgate/vmgate/internal/logging"
	"github.com/vmgate/vmgate/internal/vm"
)

// Defaults for a stock host install.
const (
	DefaultToolPath = "vmadm"
	DefaultZonesDir = "/etc/zones"
)

// doNotInventoryMarker matches the hidden-machine attribute inside an
// on-disk zone descriptor, however the attribute list is ordered.
var doNotInventoryMarker = regexp.MustCompile(`do[-_]not[-_]inventory[^>]*value="true"|value="true"[^>]*do[-_]not[-_]inventory`)

// Config wires a Backend to the host.
type Config struct {
	// ToolPath is the administration tool binary, DefaultToolPath if empty.
	ToolPath string
	// ZonesDir holds the per-machine descriptor files probed for existence,
	// DefaultZonesDir if empty.
	ZonesDir string
	Logger   *slog.Logger
}

// Backend implements backend.Backend over the subprocess tool.
type Backend struct {
	tool     runner
	toolPath string
	zonesDir string
	logger   *slog.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New constructs a subprocess backend from cfg.
func New(cfg Config) *Backend {
	path := cfg.ToolPath
	if path == "" {
		path = DefaultToolPath
	}
	zonesDir := cfg.ZonesDir
	if zonesDir == "" {
		zonesDir = DefaultZonesDir
	}
	logger := logging.Ensure(cfg.Logger).With("backend", "vmadm")
	return &Backend{
		tool:     newTool(path, logger),
		toolPath: path,
		zonesDir: zonesDir,
		logger:   logger,
	}
}

// Exists probes the on-disk descriptor file directly, avoiding a tool
// round trip. A missing file and a hidden machine without opt-in both
// report false; any other read error surfaces unmodified.
func (b *Backend) Exists(_ context.Context, uuid string, opts backend.GetOptions) (bool, error) {
	data, err := os.ReadFile(filepath.Join(b.zonesDir, uuid+".xml"))
	if errors.Is(err, fs.ErrNotExist) {
		logging.Trace(b.logger, "machine descriptor file absent", "uuid", uuid)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if doNotInventoryMarker.Match(data) && !opts.IncludeDoNotInventory {
		logging.Trace(b.logger, "machine hidden by do-not-inventory", "uuid", uuid)
		return false, nil
	}
	return true, nil
}

// Load fetches one machine by uuid.
func (b *Backend) Load(ctx context.Context, uuid string, opts backend.GetOptions) (*vm.Machine, error) {
	if err := b.check(ctx, uuid, opts); err != nil {
		return nil, err
	}
	res, err := b.tool.run(ctx, []string{"get", uuid}, nil)
	if err != nil {
		return nil, err
	}
	if err := b.toError(uuid, res); err != nil {
		return nil, err
	}
	machine := &vm.Machine{}
	if err := json.Unmarshal([]byte(res.Stdout), machine); err != nil {
		return nil, fmt.Errorf("decode machine %s: %w", uuid, err)
	}
	machine.State = vm.NormalizeState(machine.State)
	return machine, nil
}

// List fetches the full machine set in one lookup. Visibility filtering is
// the caller's concern; the raw set includes hidden machines.
func (b *Backend) List(ctx context.Context) ([]*vm.Machine, error) {
	res, err := b.tool.run(ctx, []string{"lookup", "-j"}, nil)
	if err != nil {
		return nil, err
	}
	if res.Code == errNotFound {
		return nil, nil
	}
	if err := b.unclassified(res); err != nil {
		return nil, err
	}
	var machines []*vm.Machine
	if err := json.Unmarshal([]byte(res.Stdout), &machines); err != nil {
		return nil, fmt.Errorf("decode lookup result: %w", err)
	}
	for _, machine := range machines {
		machine.State = vm.NormalizeState(machine.State)
	}
	return machines, nil
}

// Create submits one machine. The tool owns autoboot: a descriptor with
// autoboot enabled comes back booted.
func (b *Backend) Create(ctx context.Context, machine *vm.Machine) error {
	if err := machine.Normalize().Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(machine)
	if err != nil {
		return fmt.Errorf("encode machine %s: %w", machine.UUID, err)
	}
	res, err := b.tool.run(ctx, []string{"create"}, payload)
	if err != nil {
		return err
	}
	return b.toError(machine.UUID, res)
}

// Update replaces mutable fields of an existing machine.
func (b *Backend) Update(ctx context.Context, machine *vm.Machine) error {
	opts := backend.GetOptions{IncludeDoNotInventory: true}
	if err := b.check(ctx, machine.UUID, opts); err != nil {
		return err
	}
	payload, err := json.Marshal(machine)
	if err != nil {
		return fmt.Errorf("encode machine %s: %w", machine.UUID, err)
	}
	res, err := b.tool.run(ctx, []string{"update", machine.UUID}, payload)
	if err != nil {
		return err
	}
	return b.toError(machine.UUID, res)
}

// Delete destroys a machine. The tool stops a running machine itself.
func (b *Backend) Delete(ctx context.Context, uuid string) error {
	return b.simple(ctx, uuid, "delete", uuid)
}

// Start boots a stopped machine.
func (b *Backend) Start(ctx context.Context, uuid string, opts backend.StartOptions) error {
	args := []string{"start", uuid}
	if opts.Order != "" {
		args = append(args, "order="+opts.Order)
	}
	if opts.Once != "" {
		args = append(args, "once="+opts.Once)
	}
	for _, cdrom := range opts.CDROMs {
		args = append(args, "cdrom="+cdrom)
	}
	for _, disk := range opts.Disks {
		args = append(args, "disk="+disk)
	}
	return b.simple(ctx, uuid, args...)
}

// Stop shuts a machine down.
func (b *Backend) Stop(ctx context.Context, uuid string, opts backend.StopOptions) error {
	args := []string{"stop", uuid}
	if opts.Force {
		args = append(args, "-F")
	}
	if opts.Timeout > 0 {
		args = append(args, "-t", strconv.Itoa(int(opts.Timeout/time.Second)))
	}
	return b.simple(ctx, uuid, args...)
}

// Reboot restarts a running machine.
func (b *Backend) Reboot(ctx context.Context, uuid string) error {
	return b.simple(ctx, uuid, "reboot", uuid)
}

// Kill delivers a signal to a machine's init process.
func (b *Backend) Kill(ctx context.Context, uuid string, signal string) error {
	args := []string{"kill"}
	if signal != "" {
		args = append(args, "-s", signal)
	}
	args = append(args, uuid)
	return b.simple(ctx, uuid, args...)
}

// Info queries runtime information, optionally narrowed to the given types.
func (b *Backend) Info(ctx context.Context, uuid string, types ...string) (json.RawMessage, error) {
	opts := backend.GetOptions{IncludeDoNotInventory: true}
	if err := b.check(ctx, uuid, opts); err != nil {
		return nil, err
	}
	args := append([]string{"info", uuid}, types...)
	res, err := b.tool.run(ctx, args, nil)
	if err != nil {
		return nil, err
	}
	if err := b.toError(uuid, res); err != nil {
		return nil, err
	}
	return json.RawMessage(res.Stdout), nil
}

// Sysrq sends a system request to a running machine.
func (b *Backend) Sysrq(ctx context.Context, uuid string, request string) error {
	return b.simple(ctx, uuid, "sysrq", uuid, request)
}

// Reprovision replaces a machine's root dataset from a new image.
func (b *Backend) Reprovision(ctx context.Context, uuid string, imageUUID string) error {
	opts := backend.GetOptions{IncludeDoNotInventory: true}
	if err := b.check(ctx, uuid, opts); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"image_uuid": imageUUID})
	if err != nil {
		return err
	}
	res, err := b.tool.run(ctx, []string{"reprovision", uuid}, payload)
	if err != nil {
		return err
	}
	return b.toError(uuid, res)
}

// CreateSnapshot snapshots a machine's root dataset.
func (b *Backend) CreateSnapshot(ctx context.Context, uuid, name string) error {
	return b.simple(ctx, uuid, "create-snapshot", uuid, name)
}

// RollbackSnapshot restores a machine to a named snapshot.
func (b *Backend) RollbackSnapshot(ctx context.Context, uuid, name string) error {
	return b.simple(ctx, uuid, "rollback-snapshot", uuid, name)
}

// DeleteSnapshot removes a named snapshot.
func (b *Backend) DeleteSnapshot(ctx context.Context, uuid, name string) error {
	return b.simple(ctx, uuid, "delete-snapshot", uuid, name)
}

// simple runs a mutating subcommand behind the shared existence check.
func (b *Backend) simple(ctx context.Context, uuid string, args ...string) error {
	opts := backend.GetOptions{IncludeDoNotInventory: true}
	if err := b.check(ctx, uuid, opts); err != nil {
		return err
	}
	res, err := b.tool.run(ctx, args, nil)
	if err != nil {
		return err
	}
	return b.toError(uuid, res)
}

// check is the shared existence pre-check every per-machine call runs
// before spawning the tool.
func (b *Backend) check(ctx context.Context, uuid string, opts backend.GetOptions) error {
	exists, err := b.Exists(ctx, uuid, opts)
	if err != nil {
		return err
	}
	if !exists {
		return &vm.NotFoundError{UUID: uuid}
	}
	return nil
}

// toError converts a classified tool result into a typed error.
func (b *Backend) toError(uuid string, res result) error {
	switch res.Code {
	case errNone:
		return nil
	case errNotFound:
		return &vm.NotFoundError{UUID: uuid}
	case errNotRunning:
		return &vm.NotRunningError{UUID: uuid}
	default:
		return b.unclassified(res)
	}
}

func (b *Backend) unclassified(res result) error {
	if res.Code == errNone || res.Code == errNotFound {
		return nil
	}
	detail := lastLine(res.StderrLines)
	if detail == "" {
		detail = strings.TrimSpace(res.Stdout)
	}
	if res.Signal != "" {
		return fmt.Errorf("%s killed by %s: %s", b.toolPath, res.Signal, detail)
	}
	return fmt.Errorf("%s exited %d: %s", b.toolPath, res.ExitCode, detail)
}
