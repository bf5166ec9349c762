//go:build linux

package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const sysfsPCIDevices = "/sys/bus/pci/devices"

// LinuxScanner walks /sys/bus/pci/devices, the same sysfs surface the
// teaching OS's host exposes for PCI enumeration.
type LinuxScanner struct{}

func (LinuxScanner) Scan(class, subclass byte) ([]Device, error) {
	entries, err := os.ReadDir(sysfsPCIDevices)
	if err != nil {
		return nil, fmt.Errorf("pci: read %s: %w", sysfsPCIDevices, err)
	}

	var out []Device
	for _, e := range entries {
		dir := filepath.Join(sysfsPCIDevices, e.Name())

		classHex, err := readHexFile(filepath.Join(dir, "class"))
		if err != nil {
			continue
		}
		// class file format: 0xCCSSPP (class, subclass, prog-if)
		devClass := byte((classHex >> 16) & 0xFF)
		devSubclass := byte((classHex >> 8) & 0xFF)
		if devClass != class || devSubclass != subclass {
			continue
		}

		vendor, err := readHexFile(filepath.Join(dir, "vendor"))
		if err != nil {
			continue
		}
		device, err := readHexFile(filepath.Join(dir, "device"))
		if err != nil {
			continue
		}

		bar0, barSize, err := readBAR0(dir)
		if err != nil {
			// A device with an unreadable BAR0 is still worth reporting;
			// Discover's mapBAR callback will fail it individually.
			bar0, barSize = 0, 0
		}

		out = append(out, NewDevice(uint16(vendor), uint16(device), 0, 0, 0, bar0, barSize))
		out[len(out)-1].sysfsDir = dir
	}
	return out, nil
}

// readBAR0 parses sysfs's "resource" file, whose first line describes BAR0
// as "<start> <end> <flags>" in hex.
func readBAR0(dir string) (base uint64, size int, err error) {
	b, err := os.ReadFile(filepath.Join(dir, "resource"))
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) == 0 {
		return 0, 0, fmt.Errorf("pci: empty resource file")
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("pci: malformed resource line %q", lines[0])
	}
	start, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
	if err != nil {
		return 0, 0, err
	}
	end, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("pci: resource end %d before start %d", end, start)
	}
	return start, int(end-start) + 1, nil
}

func readHexFile(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}

// MapBAR mmaps a device's BAR0 resource file, the sysfs-exposed
// equivalent of mapping the physical BAR region directly. It is the Linux
// mapBAR implementation Controller.Discover expects as its second
// argument.
func MapBAR(dev Device) ([]byte, error) {
	if dev.sysfsDir == "" {
		return nil, fmt.Errorf("pci: device has no sysfs resource path")
	}
	_, size := dev.BAR()
	if size <= 0 {
		return nil, fmt.Errorf("pci: device has no BAR0 size")
	}

	path := filepath.Join(dev.sysfsDir, "resource0")
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: open %s: %w", path, err)
	}
	defer f.Close()

	buf, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pci: mmap %s: %w", path, err)
	}
	return buf, nil
}
