// Package blockdev defines the abstract block-device surface a Namespace
// exposes to the rest of the teaching OS (the filesystem front-end and
// anything else that wants raw sector access), per §6's block-storage
// client API.
package blockdev

// Device is the platform's abstract block-device interface.
type Device interface {
	SectorSize() uint32
	SectorCount() uint64
	Read(buffer []byte, startSector uint64, sectorCount uint64) (uint64, error)
	Write(buffer []byte, startSector uint64, sectorCount uint64) (uint64, error)
}
