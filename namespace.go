package gonvme

import (
	"context"

	"github.com/dboyd/gonvme/internal/blockdev"
)

// Namespace is a thin facade over a controller-owned NVMe namespace,
// exposing the block-device surface internal/blockdev.Device describes
// (§4.4/§6).
type Namespace struct {
	id         uint32
	blockSize  uint32
	blockCount uint64
	controller *Controller
}

// ID returns the namespace identifier (NSID) assigned by the controller.
func (n *Namespace) ID() uint32 { return n.id }

// SectorSize returns the namespace's logical block size, decoded from its
// active LBA format (LBADS) during Identify.
func (n *Namespace) SectorSize() uint32 { return n.blockSize }

// SectorCount returns the namespace's logical block count (NSZE).
func (n *Namespace) SectorCount() uint64 { return n.blockCount }

// Read reads sectorCount sectors starting at startSector into buffer,
// splitting into multiple NVMe commands per §4.5 if the request exceeds
// MaxBlocksPerCommand. Bounded by defaultCompletionTimeout; the package
// exports no variant that takes a caller-supplied context.
func (n *Namespace) Read(buffer []byte, startSector, sectorCount uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCompletionTimeout)
	defer cancel()
	return n.controller.readNamespace(ctx, n, buffer, startSector, sectorCount)
}

// Write writes sectorCount sectors starting at startSector from buffer,
// splitting into multiple NVMe commands per §4.5 if the request exceeds
// MaxBlocksPerCommand. Bounded by defaultCompletionTimeout, same as Read.
func (n *Namespace) Write(buffer []byte, startSector, sectorCount uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCompletionTimeout)
	defer cancel()
	return n.controller.writeNamespace(ctx, n, buffer, startSector, sectorCount)
}

var _ blockdev.Device = (*Namespace)(nil)
