// Package cloudinit renders guest provisioning documents: the network
// configuration handed to the daemon backend and NoCloud seed images for
// machines booted from plain disk images.
package cloudinit

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/vmgate/vmgate/internal/vm"
)

type subnet struct {
	Type    string `yaml:"type"`
	Address string `yaml:"address,omitempty"`
	Netmask string `yaml:"netmask,omitempty"`
	Gateway string `yaml:"gateway,omitempty"`
}

type configEntry struct {
	Type       string   `yaml:"type"`
	Name       string   `yaml:"name,omitempty"`
	MACAddress string   `yaml:"mac_address,omitempty"`
	Subnets    []subnet `yaml:"subnets,omitempty"`
	Address    string   `yaml:"address,omitempty"`
}

type networkConfig struct {
	Version int           `yaml:"version"`
	Config  []configEntry `yaml:"config"`
}

// RenderNetworkConfig produces a version-1 network configuration document:
// one physical entry per nic with a static subnet, a gateway only on the
// primary nic, then one nameserver entry per resolver in list order.
func RenderNetworkConfig(machine *vm.Machine) (string, error) {
	doc := networkConfig{Version: 1}

	primary := machine.PrimaryNIC()
	for i := range machine.NICs {
		nic := &machine.NICs[i]
		sub := subnet{
			Type:    "static",
			Address: nic.IP,
			Netmask: nic.Netmask,
		}
		if nic == primary && nic.Gateway != "" {
			sub.Gateway = nic.Gateway
		}
		doc.Config = append(doc.Config, configEntry{
			Type:       "physical",
			Name:       fmt.Sprintf("eth%d", i),
			MACAddress: nic.MAC,
			Subnets:    []subnet{sub},
		})
	}
	for _, resolver := range machine.Resolvers {
		doc.Config = append(doc.Config, configEntry{
			Type:    "nameserver",
			Address: resolver,
		})
	}

	rendered, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render network config: %w", err)
	}
	return string(rendered), nil
}
