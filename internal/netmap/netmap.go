// Package netmap provides the lookup table mapping logical network tags to
// physical parent devices. The rest of the system treats the table as
// opaque; only construction knows about host interfaces.
package netmap

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Table maps a logical network tag to the physical device backing it.
type Table map[string]string

// Resolve returns the parent device for tag.
func (t Table) Resolve(tag string) (string, error) {
	parent, ok := t[tag]
	if !ok {
		return "", fmt.Errorf("no physical device mapped for nic tag %q", tag)
	}
	return parent, nil
}

// Discover builds a table from the host's links. A link's alias names its
// tag when set, otherwise the link name doubles as the tag. Loopback and
// virtual leaf devices are skipped.
func Discover() (Table, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list host links: %w", err)
	}
	table := Table{}
	for _, link := range links {
		attrs := link.Attrs()
		if attrs == nil || attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		// Leaf devices hanging off another link are not usable parents.
		if attrs.ParentIndex != 0 {
			continue
		}
		tag := attrs.Alias
		if tag == "" {
			tag = attrs.Name
		}
		table[tag] = attrs.Name
	}
	return table, nil
}

// Build merges configured tag mappings over discovered ones when discovery
// is requested. Configured entries always win.
func Build(configured map[string]string, discover bool) (Table, error) {
	table := Table{}
	if discover {
		discovered, err := Discover()
		if err != nil {
			return nil, err
		}
		for tag, device := range discovered {
			table[tag] = device
		}
	}
	for tag, device := range configured {
		table[tag] = device
	}
	return table, nil
}
