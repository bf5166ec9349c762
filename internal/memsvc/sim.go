package memsvc

import (
	"fmt"
	"reflect"
	"sync"
)

// simService is a plain-heap memsvc.Service for tests and for platforms
// without a real mmap-based allocator. Physical addresses are derived from
// the backing array's real pointer value, which is stable for the slice's
// lifetime (the allocations here are never grown), good enough to exercise
// PRP construction and the doorbell/queue-pair contract without a real
// IOMMU.
type simService struct {
	mu      sync.Mutex
	regions map[uintptr][]byte
}

// NewSim constructs an in-memory memsvc.Service for the simulated
// controller and for driver unit tests.
func NewSim() Service {
	return &simService{regions: make(map[uintptr][]byte)}
}

const simPageSize = 4096

func (s *simService) MapIO(bytes int) ([]byte, error) {
	if bytes <= 0 {
		return nil, fmt.Errorf("memsvc: invalid size %d", bytes)
	}
	size := (bytes + simPageSize - 1) / simPageSize * simPageSize
	buf := make([]byte, size)

	s.mu.Lock()
	s.regions[simAddrOf(buf)] = buf
	s.mu.Unlock()

	return buf[:bytes], nil
}

func (s *simService) PhysicalAddress(virt []byte) uint64 {
	return uint64(simAddrOf(virt))
}

func (s *simService) Free(virt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, simAddrOf(virt))
	return nil
}

func simAddrOf(b []byte) uintptr {
	if cap(b) == 0 {
		return 0
	}
	return reflect.ValueOf(&b[:1][0]).Pointer()
}
