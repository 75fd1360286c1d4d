package manager

import (
	"sync"

	"github.com/vmgate/vmgate/internal/vm"
)

// descriptorCache holds the last machine seen per uuid. It is never a
// source of truth: a miss always triggers a backend re-fetch, and mutations
// invalidate rather than update.
type descriptorCache struct {
	mu       sync.Mutex
	machines map[string]*vm.Machine
}

func newDescriptorCache() *descriptorCache {
	return &descriptorCache{machines: map[string]*vm.Machine{}}
}

func (c *descriptorCache) get(uuid string) (*vm.Machine, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	machine, ok := c.machines[uuid]
	if !ok {
		return nil, false
	}
	return machine.Clone(), true
}

func (c *descriptorCache) put(machine *vm.Machine) {
	if c == nil || machine == nil {
		return
	}
	c.mu.Lock()
	c.machines[machine.UUID] = machine.Clone()
	c.mu.Unlock()
}

func (c *descriptorCache) invalidate(uuid string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.machines, uuid)
	c.mu.Unlock()
}
