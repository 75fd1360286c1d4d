package vm

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ZeroOwnerUUID is the owner recorded for machines created without one.
const ZeroOwnerUUID = "00000000-0000-0000-0000-000000000000"

// MaxResolvers bounds the resolver list of a machine.
const MaxResolvers = 6

// Machine states. Backends reporting anything else surface it lowercased.
const (
	StateProvisioning = "provisioning"
	StateRunning      = "running"
	StateStopping     = "stopping"
	StateStopped      = "stopped"
)

// NIC is one virtual network interface of a machine. Tag names a logical
// network; the backend resolves it to a physical parent device.
type NIC struct {
	Tag     string `json:"nic_tag"`
	MAC     string `json:"mac,omitempty"`
	IP      string `json:"ip,omitempty"`
	Netmask string `json:"netmask,omitempty"`
	Gateway string `json:"gateway,omitempty"`
	VLANID  int    `json:"vlan_id,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// Image identifies the source image of a machine.
type Image struct {
	UUID        string            `json:"uuid,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Alias       string            `json:"alias,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Machine is the backend-neutral description of one virtual machine or
// container. Its JSON rendering is both the subprocess wire document and
// the payload snapshot persisted into backend metadata.
type Machine struct {
	UUID      string `json:"uuid"`
	Brand     string `json:"brand"`
	CPUCap    int    `json:"cpu_cap"`
	CPUShares int    `json:"cpu_shares"`
	MaxLWPs   int    `json:"max_lwps"`

	Alias                  string            `json:"alias,omitempty"`
	Autoboot               *bool             `json:"autoboot,omitempty"`
	CreateTimestamp        *time.Time        `json:"create_timestamp,omitempty"`
	CustomerMetadata       map[string]string `json:"customer_metadata,omitempty"`
	DoNotInventory         bool              `json:"do_not_inventory,omitempty"`
	FirewallEnabled        bool              `json:"firewall_enabled,omitempty"`
	Hostname               string            `json:"hostname,omitempty"`
	Image                  *Image            `json:"image,omitempty"`
	ImageUUID              string            `json:"image_uuid,omitempty"`
	IndestructibleZoneroot bool              `json:"indestructible_zoneroot,omitempty"`
	InternalMetadata       map[string]string `json:"internal_metadata,omitempty"`
	MaxPhysicalMemory      int64             `json:"max_physical_memory,omitempty"`
	NICs                   []NIC             `json:"nics,omitempty"`
	OwnerUUID              string            `json:"owner_uuid,omitempty"`
	Quota                  int64             `json:"quota,omitempty"`
	Resolvers              []string          `json:"resolvers,omitempty"`
	State                  string            `json:"state,omitempty"`
	Tags                   map[string]string `json:"tags,omitempty"`

	// Reported by the backend, never written by callers.
	ZFSFilesystem string `json:"zfs_filesystem,omitempty"`
	Zpool         string `json:"zpool,omitempty"`
}

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// IsUUID reports whether s is a canonical (lowercase, unprefixed) UUID.
// Both translators use this to decide when their naming prefix applies.
func IsUUID(s string) bool {
	return uuidPattern.MatchString(s)
}

// AutobootEnabled reports the effective autoboot setting (default true).
func (m *Machine) AutobootEnabled() bool {
	return m.Autoboot == nil || *m.Autoboot
}

// Normalize applies canonical defaults in place and returns the machine.
func (m *Machine) Normalize() *Machine {
	if m.Autoboot == nil {
		enabled := true
		m.Autoboot = &enabled
	}
	if m.OwnerUUID == "" {
		m.OwnerUUID = ZeroOwnerUUID
	}
	return m
}

// Validate checks the fields a well-formed machine must carry.
func (m *Machine) Validate() error {
	if !IsUUID(m.UUID) {
		return &ValidationError{Field: "uuid", Reason: fmt.Sprintf("%q is not a canonical uuid", m.UUID)}
	}
	if strings.TrimSpace(m.Brand) == "" {
		return &ValidationError{Field: "brand", Reason: "required"}
	}
	if m.CPUCap <= 0 {
		return &ValidationError{Field: "cpu_cap", Reason: "must be a positive percentage"}
	}
	if m.CPUShares <= 0 {
		return &ValidationError{Field: "cpu_shares", Reason: "must be positive"}
	}
	if m.MaxLWPs <= 0 {
		return &ValidationError{Field: "max_lwps", Reason: "must be positive"}
	}
	if m.OwnerUUID != "" && !IsUUID(m.OwnerUUID) {
		return &ValidationError{Field: "owner_uuid", Reason: fmt.Sprintf("%q is not a canonical uuid", m.OwnerUUID)}
	}
	if len(m.Resolvers) > MaxResolvers {
		return &ValidationError{Field: "resolvers", Reason: fmt.Sprintf("at most %d entries allowed", MaxResolvers)}
	}
	return nil
}

// PrimaryNIC returns the nic flagged primary, or nil.
func (m *Machine) PrimaryNIC() *NIC {
	for i := range m.NICs {
		if m.NICs[i].Primary {
			return &m.NICs[i]
		}
	}
	return nil
}

// Clone returns a deep copy. The descriptor cache hands out clones so
// callers cannot mutate cached state.
func (m *Machine) Clone() *Machine {
	if m == nil {
		return nil
	}
	out := *m
	if m.Autoboot != nil {
		enabled := *m.Autoboot
		out.Autoboot = &enabled
	}
	if m.CreateTimestamp != nil {
		ts := *m.CreateTimestamp
		out.CreateTimestamp = &ts
	}
	if m.Image != nil {
		image := *m.Image
		image.Properties = cloneStringMap(m.Image.Properties)
		out.Image = &image
	}
	out.CustomerMetadata = cloneStringMap(m.CustomerMetadata)
	out.InternalMetadata = cloneStringMap(m.InternalMetadata)
	out.Tags = cloneStringMap(m.Tags)
	if m.NICs != nil {
		out.NICs = append([]NIC(nil), m.NICs...)
	}
	if m.Resolvers != nil {
		out.Resolvers = append([]string(nil), m.Resolvers...)
	}
	return &out
}

// NormalizeState lowercases backend-reported states that have no canonical
// mapping of their own.
func NormalizeState(state string) string {
	return strings.ToLower(strings.TrimSpace(state))
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
