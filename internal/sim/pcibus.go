package sim

import "github.com/dboyd/gonvme/internal/pci"

// FakeBus is a fixed, in-memory PCI bus: a pci.Scanner that returns a
// preloaded device list instead of walking /sys/bus/pci/devices, so
// Controller.Discover can be exercised without a Linux host or real
// hardware.
type FakeBus struct {
	devices []pci.Device
}

// NewFakeBus constructs a bus preloaded with devices.
func NewFakeBus(devices ...pci.Device) *FakeBus {
	return &FakeBus{devices: devices}
}

// Add appends a device to the bus, useful for building up a bus
// incrementally in a test's setup.
func (b *FakeBus) Add(dev pci.Device) { b.devices = append(b.devices, dev) }

// Scan returns every preloaded device. The fake bus doesn't track class/subclass per device (it only ever simulates
// NVMe controllers), so it returns every preloaded device regardless of
// the arguments, mirroring a real bus limited to a single device class.
func (b *FakeBus) Scan(class, subclass byte) ([]pci.Device, error) {
	out := make([]pci.Device, len(b.devices))
	copy(out, b.devices)
	return out, nil
}

var _ pci.Scanner = (*FakeBus)(nil)
