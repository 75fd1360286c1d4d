package lxd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vmgate/vmgate/internal/cloudinit"
	"github.com/vmgate/vmgate/internal/netmap"
	"github.com/vmgate/vmgate/internal/vm"
)

// namePrefix turns a canonical uuid into a daemon instance name. Instance
// names must not begin with a digit, so the prefix is unconditional for
// canonical uuids; stripping is the deterministic inverse.
const namePrefix = "vm-"

// Config keys of the native descriptor. Everything the native schema cannot
// represent rides in the user.vmgate namespace, with the full creation
// request snapshotted under keyPayload.
const (
	keyCPUAllowance  = "limits.cpu.allowance"
	keyCPUPriority   = "limits.cpu.priority"
	keyProcesses     = "limits.processes"
	keyMemory        = "limits.memory"
	keyAutostart     = "boot.autostart"
	keyNetworkConfig = "cloud-init.network-config"
	keyBaseImage     = "volatile.base_image"

	keyAlias   = "user.vmgate.alias"
	keyOwner   = "user.vmgate.owner_uuid"
	keyTags    = "user.vmgate.tags"
	keyHidden  = "user.vmgate.do_not_inventory"
	keyPayload = "user.vmgate.payload"
)

const mib = 1 << 20

// instance is the daemon's native descriptor.
type instance struct {
	Name       string                       `json:"name"`
	Type       string                       `json:"type,omitempty"`
	Status     string                       `json:"status,omitempty"`
	StatusCode int                          `json:"status_code,omitempty"`
	CreatedAt  time.Time                    `json:"created_at,omitempty"`
	Config     map[string]string            `json:"config"`
	Devices    map[string]map[string]string `json:"devices,omitempty"`
	Source     *instanceSource              `json:"source,omitempty"`
}

// instanceSource names the image an instance is created from.
type instanceSource struct {
	Type        string            `json:"type"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Alias       string            `json:"alias,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// nativeStates maps daemon status strings to canonical states. Anything
// unlisted surfaces lowercased as-is.
var nativeStates = map[string]string{
	"Running":  vm.StateRunning,
	"Starting": vm.StateProvisioning,
	"Stopped":  vm.StateStopped,
}

// toNative maps a canonical machine onto the daemon's descriptor schema.
// Pure; the nic tag table is the caller-supplied lookup from logical tag to
// physical parent device.
func toNative(machine *vm.Machine, nicTags netmap.Table) (*instance, error) {
	if err := machine.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(machine)
	if err != nil {
		return nil, fmt.Errorf("snapshot machine %s: %w", machine.UUID, err)
	}

	config := map[string]string{
		keyCPUAllowance: fmt.Sprintf("%d%%", machine.CPUCap),
		keyCPUPriority:  strconv.Itoa(machine.CPUShares),
		keyProcesses:    strconv.Itoa(machine.MaxLWPs),
		keyAutostart:    strconv.FormatBool(machine.AutobootEnabled()),
		keyOwner:        machine.OwnerUUID,
		keyPayload:      string(payload),
	}
	if machine.MaxPhysicalMemory > 0 {
		config[keyMemory] = strconv.FormatInt(machine.MaxPhysicalMemory*mib, 10)
	}
	if machine.Alias != "" {
		config[keyAlias] = machine.Alias
	}
	if machine.DoNotInventory {
		config[keyHidden] = "true"
	}
	if len(machine.Tags) > 0 {
		tags, err := json.Marshal(machine.Tags)
		if err != nil {
			return nil, fmt.Errorf("encode tags for %s: %w", machine.UUID, err)
		}
		config[keyTags] = string(tags)
	}
	if len(machine.NICs) > 0 || len(machine.Resolvers) > 0 {
		networkConfig, err := cloudinit.RenderNetworkConfig(machine)
		if err != nil {
			return nil, err
		}
		config[keyNetworkConfig] = networkConfig
	}

	devices := map[string]map[string]string{}
	if machine.Quota > 0 {
		pool := machine.Zpool
		if pool == "" {
			pool = "default"
		}
		devices["root"] = map[string]string{
			"type": "disk",
			"path": "/",
			"pool": pool,
			"size": fmt.Sprintf("%dGiB", machine.Quota),
		}
	}
	for i, nic := range machine.NICs {
		parent, err := nicTags.Resolve(nic.Tag)
		if err != nil {
			return nil, &vm.ValidationError{
				Field:  fmt.Sprintf("nics[%d].nic_tag", i),
				Reason: err.Error(),
			}
		}
		device := map[string]string{
			"type":    "nic",
			"nictype": "macvlan",
			"parent":  parent,
		}
		if nic.MAC != "" {
			device["hwaddr"] = nic.MAC
		}
		if nic.VLANID > 0 {
			device["vlan"] = strconv.Itoa(nic.VLANID)
		}
		devices[fmt.Sprintf("eth%d", i)] = device
	}

	return &instance{
		Name:    applyNamePrefix(machine.UUID),
		Config:  config,
		Devices: devices,
		Source:  imageSource(machine),
	}, nil
}

// imageSource resolves image identity in strict priority order: explicit
// fingerprint, image uuid's leading hex, canonical image_uuid's leading
// hex, alias, then the arbitrary properties bag. First match wins.
func imageSource(machine *vm.Machine) *instanceSource {
	image := machine.Image
	if image != nil && image.Fingerprint != "" {
		return &instanceSource{Type: "image", Fingerprint: image.Fingerprint}
	}
	if image != nil && vm.IsUUID(image.UUID) {
		return &instanceSource{Type: "image", Fingerprint: image.UUID[:8]}
	}
	if vm.IsUUID(machine.ImageUUID) {
		return &instanceSource{Type: "image", Fingerprint: machine.ImageUUID[:8]}
	}
	if image != nil && image.Alias != "" {
		return &instanceSource{Type: "image", Alias: image.Alias}
	}
	properties := map[string]string{}
	if image != nil {
		properties = image.Properties
	}
	return &instanceSource{Type: "image", Properties: properties}
}

// fromNative rebuilds the canonical machine from a native descriptor. The
// persisted payload snapshot is the base object; live fields reported by
// the daemon overlay it so dynamic truth wins over the stale snapshot.
func fromNative(inst *instance) (*vm.Machine, error) {
	if inst == nil || inst.Name == "" {
		return nil, &vm.ValidationError{Field: "name", Reason: "missing"}
	}
	uuid := stripNamePrefix(inst.Name)
	if !vm.IsUUID(uuid) {
		return nil, &vm.ValidationError{Field: "name", Reason: fmt.Sprintf("%q does not name a machine", inst.Name)}
	}
	payload, ok := inst.Config[keyPayload]
	if !ok || payload == "" {
		return nil, &vm.ValidationError{Field: "config." + keyPayload, Reason: "missing"}
	}

	machine := &vm.Machine{}
	if err := json.Unmarshal([]byte(payload), machine); err != nil {
		return nil, &vm.ValidationError{Field: "config." + keyPayload, Reason: err.Error()}
	}
	machine.Normalize()
	machine.UUID = uuid

	if inst.Status != "" {
		machine.State = mapNativeState(inst.Status)
	}
	if !inst.CreatedAt.IsZero() {
		created := inst.CreatedAt
		machine.CreateTimestamp = &created
	}
	if raw, ok := inst.Config[keyMemory]; ok {
		if bytes, err := strconv.ParseInt(raw, 10, 64); err == nil && bytes > 0 {
			// Floor division: sub-MiB precision is accepted loss.
			machine.MaxPhysicalMemory = bytes / mib
		}
	}
	if alias, ok := inst.Config[keyAlias]; ok {
		machine.Alias = alias
	}
	if owner, ok := inst.Config[keyOwner]; ok && owner != "" {
		machine.OwnerUUID = owner
	}
	if hidden, ok := inst.Config[keyHidden]; ok {
		machine.DoNotInventory = hidden == "true"
	}
	if raw, ok := inst.Config[keyTags]; ok && raw != "" {
		tags := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &tags); err == nil {
			machine.Tags = tags
		}
	}
	if hash, ok := inst.Config[keyBaseImage]; ok {
		if uuid := expandImageUUID(hash); uuid != "" {
			machine.ImageUUID = uuid
		}
	}
	if root, ok := inst.Devices["root"]; ok {
		if pool := root["pool"]; pool != "" {
			machine.Zpool = pool
		}
	}
	return machine, nil
}

// mapNativeState translates a daemon status through the fixed table,
// lowercasing anything unknown.
func mapNativeState(status string) string {
	if state, ok := nativeStates[status]; ok {
		return state
	}
	return vm.NormalizeState(status)
}

// expandImageUUID reconstructs a uuid from a stored 32-hex content hash by
// re-inserting dashes at the 8-4-4-4-12 offsets. Returns "" when the hash
// does not round-trip to a canonical uuid.
func expandImageUUID(hash string) string {
	if len(hash) < 32 {
		return ""
	}
	hash = hash[:32]
	uuid := strings.Join([]string{
		hash[0:8],
		hash[8:12],
		hash[12:16],
		hash[16:20],
		hash[20:32],
	}, "-")
	if !vm.IsUUID(uuid) {
		return ""
	}
	return uuid
}

func applyNamePrefix(uuid string) string {
	if vm.IsUUID(uuid) {
		return namePrefix + uuid
	}
	return uuid
}

func stripNamePrefix(name string) string {
	if rest, ok := strings.CutPrefix(name, namePrefix); ok && vm.IsUUID(rest) {
		return rest
	}
	return name
}
