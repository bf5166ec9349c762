// Package registry implements the block-storage registry the driver
// registers each Namespace with (§6): the registry assigns a unique device
// name, and (an addition beyond the distilled spec) a stable uuid.UUID that
// survives a hypothetical detach/reattach cycle even though the NVMe-level
// nsid does not change identity semantics.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dboyd/gonvme/internal/blockdev"
)

// Entry is one registered block device.
type Entry struct {
	Name   string
	ID     uuid.UUID
	Device blockdev.Device
}

// Registry assigns unique device names to registered namespaces.
type Registry struct {
	mu      sync.Mutex
	counter int
	entries map[string]Entry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register assigns dev a unique name, prefix + "n" + a registry-wide counter
// (the first device under "nvme" is "nvmen0"), and a stable uuid.UUID, and
// records it.
func (r *Registry) Register(dev blockdev.Device, prefix string) (string, uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := fmt.Sprintf("%sn%d", prefix, r.counter)
	r.counter++
	id := uuid.New()
	r.entries[name] = Entry{Name: name, ID: id, Device: dev}
	return name, id
}

// Lookup returns the entry registered under name, if any.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return e, ok
}

// List returns every registered entry.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}
