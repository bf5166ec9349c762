// Package mmio provides a typed, volatile-correct view over an NVMe
// controller's memory-mapped register BAR, replacing the raw integer-array
// access a naive port from the teaching source would use.
package mmio

import "encoding/binary"

// Window is a byte-addressable register window. A real Window wraps a
// unix.Mmap'd BAR; a simulated Window (internal/sim) wraps a plain slice.
// Either way, access goes through Read32/Write32/Read64/Write64 so 64-bit
// registers are always assembled/disassembled in the documented
// low-dword-then-high-dword order, never as a single unaligned store that
// could tear on a 32-bit host.
type Window struct {
	buf     []byte
	onWrite func(offset int, value uint32)
}

// New wraps an existing byte slice (an mmap'd BAR, or a simulated register
// file) as a register Window. The caller owns the slice's lifetime.
func New(buf []byte) *Window {
	return &Window{buf: buf}
}

func (w *Window) Read32(offset int) uint32 {
	return binary.LittleEndian.Uint32(w.buf[offset : offset+4])
}

func (w *Window) Write32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[offset:offset+4], v)
	if w.onWrite != nil {
		w.onWrite(offset, v)
	}
}

// Read64 assembles a 64-bit register from its low dword (at offset) then
// its high dword (at offset+4), per the NVMe register layout.
func (w *Window) Read64(offset int) uint64 {
	lo := uint64(w.Read32(offset))
	hi := uint64(w.Read32(offset + 4))
	return lo | hi<<32
}

// Write64 disassembles a 64-bit value into its low dword (written first,
// to offset) then its high dword (to offset+4).
func (w *Window) Write64(offset int, v uint64) {
	w.Write32(offset, uint32(v))
	w.Write32(offset+4, uint32(v>>32))
}

// DoorbellKind distinguishes a queue's submission doorbell from its
// completion doorbell.
type DoorbellKind int

const (
	DoorbellSubmission DoorbellKind = 0
	DoorbellCompletion DoorbellKind = 1
)

// DoorbellOffset computes the byte offset of queue id's doorbell register,
// per NVMe 1.4 §3.1.16: base 0x1000, stride (4 << dstrd), index (2q + k).
func DoorbellOffset(base int, queueID uint16, kind DoorbellKind, dstrd uint8) int {
	stride := 4 << dstrd
	index := 2*int(queueID) + int(kind)
	return base + index*stride
}

// RingDoorbell writes value to the doorbell register for queueID/kind.
func (w *Window) RingDoorbell(base int, queueID uint16, kind DoorbellKind, dstrd uint8, value uint32) {
	w.Write32(DoorbellOffset(base, queueID, kind, dstrd), value)
}
