// Package config loads the host configuration file.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no configuration file is named.
const DefaultPath = "/etc/vmgate/config.yaml"

// Backend kinds.
const (
	BackendVmadm = "vmadm"
	BackendLXD   = "lxd"
)

// VmadmConfig configures the subprocess backend.
type VmadmConfig struct {
	// Path is the administration tool binary.
	Path string `yaml:"path,omitempty"`
	// ZonesDir holds per-machine descriptor files for existence probes.
	ZonesDir string `yaml:"zones_dir,omitempty"`
}

// LXDConfig configures the daemon backend.
type LXDConfig struct {
	Socket string `yaml:"socket,omitempty"`
}

// Config is the full host configuration.
type Config struct {
	// Backend selects the transport: "vmadm" or "lxd".
	Backend string `yaml:"backend"`
	// LogLevel is the default verbosity (trace, debug, info, warning, error).
	LogLevel string `yaml:"log_level,omitempty"`
	// DisableCache turns the descriptor cache off.
	DisableCache bool `yaml:"disable_cache,omitempty"`
	// NicTags maps logical network tags to physical parent devices.
	NicTags map[string]string `yaml:"nic_tags,omitempty"`
	// DiscoverNicTags fills unmapped tags from the host's links.
	DiscoverNicTags bool `yaml:"discover_nic_tags,omitempty"`

	Vmadm VmadmConfig `yaml:"vmadm,omitempty"`
	LXD   LXDConfig   `yaml:"lxd,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Backend:  BackendVmadm,
		LogLevel: "info",
	}
}

// Load reads path, falling back to defaults when the file does not exist.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no backend can act on.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendVmadm, BackendLXD:
	case "":
		return fmt.Errorf("backend is required")
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}
