//go:build linux

package memsvc

import (
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sys/unix"
)

// linuxService backs MapIO with anonymous, page-aligned mmap regions, the
// same primitive the teaching driver's host would use to hand the NVMe
// driver DMA-able memory. Userspace has no portable way to learn a real bus
// address for such a region, so PhysicalAddress returns the region's
// virtual address as its "physical" address: on this host model, driver
// and device agree on one flat address space, matching how the teaching
// source's mapIO/getPhysicalAddress pair is used (callers never interpret
// the returned value except to write it back into a PRP field).
type linuxService struct {
	mu      sync.Mutex
	regions map[uintptr][]byte
}

// NewLinux constructs a memsvc.Service backed by golang.org/x/sys/unix.Mmap.
func NewLinux() Service {
	return &linuxService{regions: make(map[uintptr][]byte)}
}

func (s *linuxService) MapIO(bytes int) ([]byte, error) {
	if bytes <= 0 {
		return nil, fmt.Errorf("memsvc: invalid size %d", bytes)
	}
	pageSize := unix.Getpagesize()
	size := (bytes + pageSize - 1) / pageSize * pageSize

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("memsvc: mmap: %w", err)
	}

	s.mu.Lock()
	s.regions[addrOf(buf)] = buf
	s.mu.Unlock()

	return buf[:bytes], nil
}

func (s *linuxService) PhysicalAddress(virt []byte) uint64 {
	return uint64(addrOf(virt))
}

func (s *linuxService) Free(virt []byte) error {
	s.mu.Lock()
	full, ok := s.regions[addrOf(virt)]
	if ok {
		delete(s.regions, addrOf(virt))
	}
	s.mu.Unlock()

	if !ok {
		full = virt
	}
	return unix.Munmap(full)
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return reflect.ValueOf(&b[0]).Pointer()
}
