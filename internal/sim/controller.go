// Package sim implements a simulated NVMe controller that honours the
// register/doorbell contract a real BAR would, so the driver's state
// machine, queue pair, admin queue, and I/O engine can be exercised and
// tested without real hardware. It plays the role the teaching source's
// incomplete NvmeController.cpp never got to: a controller that actually
// answers Identify, Create I/O Queue, and read/write commands.
package sim

import (
	"encoding/binary"
	"sync"

	"github.com/dboyd/gonvme/internal/memsvc"
	"github.com/dboyd/gonvme/internal/mmio"
)

// NamespaceData preloads a simulated namespace's identify data and backing
// store.
type NamespaceData struct {
	NSID       uint32
	BlockSize  uint32 // must be a power of two >= 512
	BlockCount uint64
	data       []byte
}

// Config seeds the simulated controller's capability register and
// namespace inventory.
type Config struct {
	TO         uint8 // CAP.TO, in 500ms units
	DSTRD      uint8
	MPSMIN     uint8
	MQES       uint16
	MDTS       uint8
	CNTLID     uint16
	Namespaces []NamespaceData
}

// Controller is a simulated NVMe device: a register file plus a command
// executor that reacts to submission-queue doorbell writes the same way
// real hardware would.
type Controller struct {
	mu   sync.Mutex
	regs *mmio.Window
	buf  []byte
	mem  memsvc.Service
	cfg  Config

	interruptHandler func()

	adminQueue *queueState
	ioQueues   map[uint16]*queueState

	asq, acq uint64
	aqaDepth uint16

	attached map[uint32]bool // nsids currently attached to the controller
}

type queueState struct {
	id             uint16
	depth          uint16
	subPhys        uint64
	cplPhys        uint64
	submissionHead uint16 // sim's own view of what it has consumed
	completionTail uint16
	phase          uint32
}

// New constructs a simulated controller. regSize should be large enough to
// cover the doorbell array for every queue id the test will create
// (0x1000 + (2*maxQueues)*4 is generous for dstrd=0).
func New(mem memsvc.Service, cfg Config, regSize int) *Controller {
	buf := make([]byte, regSize)
	c := &Controller{
		buf:      buf,
		mem:      mem,
		cfg:      cfg,
		ioQueues: make(map[uint16]*queueState),
		attached: make(map[uint32]bool),
	}
	c.regs = mmio.New(buf)
	c.regs.OnWrite(c.onWrite)

	for i := range cfg.Namespaces {
		if cfg.Namespaces[i].data == nil {
			cfg.Namespaces[i].data = make([]byte, cfg.Namespaces[i].BlockCount*uint64(cfg.Namespaces[i].BlockSize))
		}
	}

	c.seedCapabilities()
	return c
}

// Registers returns the register window the driver should treat as the
// controller's BAR.
func (c *Controller) Registers() *mmio.Window { return c.regs }

// AttachedNamespaceCount reports how many distinct nsids are currently
// attached, so a test can confirm a repeated attach left this count
// unchanged.
func (c *Controller) AttachedNamespaceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attached)
}

// BARBytes returns the raw backing buffer of the simulated register file,
// for tests that drive Controller.Discover's mapBAR callback against a
// FakeBus entry rather than constructing a driver-side mmio.Window
// directly.
func (c *Controller) BARBytes() []byte { return c.buf }

// SetInterruptHandler registers the callback the simulated controller
// invokes after processing a command, standing in for a real PCI
// interrupt firing. A real intsvc.Service.Assign implementation would wire
// this to an actual IRQ line; the simulation just calls it inline.
func (c *Controller) SetInterruptHandler(fn func()) { c.interruptHandler = fn }

func (c *Controller) seedCapabilities() {
	const mpsmax = 0
	cap64 := uint64(c.cfg.MQES) |
		uint64(c.cfg.DSTRD)<<4 |
		uint64(c.cfg.TO)<<24 |
		uint64(c.cfg.MPSMIN)<<48 |
		uint64(mpsmax)<<52
	c.regs.Write64(0x00, cap64)
	c.regs.Write32(0x08, 0x00010300) // VS: NVMe 1.3.0
}

func (c *Controller) onWrite(offset int, value uint32) {
	// Only CC and submission-doorbell writes change simulated state; every
	// other write returns before taking c.mu. This hook also runs for the
	// CSTS writes made below and for the INTMS/INTMC and completion-doorbell
	// writes the interrupt handler makes from inside processSubmissions,
	// both while c.mu is already held.
	isSubmissionDoorbell := offset >= 0x1000 && ((offset-0x1000)/(4<<c.cfg.DSTRD))%2 == 0
	if offset != 0x14 && !isSubmissionDoorbell {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case offset == 0x14: // CC
		en := value&0x1 != 0
		shn := (value >> 14) & 0x3

		if shn == 0b10 {
			// shutdown-notification handshake completes synchronously in
			// simulation: SHST goes straight to "shutdown complete" so the
			// driver's pollUntil sees it on the first check.
			csts := c.regs.Read32(0x1C)
			csts = (csts &^ (0x3 << 2)) | (0b10 << 2)
			c.regs.Write32(0x1C, csts)
		}

		if en {
			// controller becomes ready immediately in simulation;
			// ASQ/ACQ/AQA must already be programmed.
			csts := c.regs.Read32(0x1C)
			c.regs.Write32(0x1C, csts|0x1)
			c.asq = c.regs.Read64(0x28)
			c.acq = c.regs.Read64(0x30)
			aqa := c.regs.Read32(0x24)
			depth := uint16(aqa&0xFFFF) + 1
			c.aqaDepth = depth
			c.adminQueue = &queueState{id: 0, depth: depth, subPhys: c.asq, cplPhys: c.acq, phase: 1}
		} else {
			csts := c.regs.Read32(0x1C)
			c.regs.Write32(0x1C, csts&^uint32(0x1))
		}
	case offset == 0x24, offset == 0x28, offset == 0x2C, offset == 0x30, offset == 0x34:
		// AQA/ASQ/ACQ writes: latched lazily when CC.EN flips, nothing to
		// do here.
	case offset >= 0x1000:
		c.handleDoorbellWrite(offset, value)
	}
}

func (c *Controller) handleDoorbellWrite(offset int, value uint32) {
	dstrd := c.cfg.DSTRD
	stride := 4 << dstrd
	idx := (offset - 0x1000) / stride
	qid := uint16(idx / 2)
	kind := idx % 2
	if kind != 0 {
		return // completion doorbell writes come from the driver draining, not from us
	}

	qs := c.queueByID(qid)
	if qs == nil {
		return
	}
	c.processSubmissions(qs, uint16(value))
}

func (c *Controller) queueByID(qid uint16) *queueState {
	if qid == 0 {
		return c.adminQueue
	}
	return c.ioQueues[qid]
}

func (c *Controller) processSubmissions(qs *queueState, newTail uint16) {
	for qs.submissionHead != newTail {
		cmdBytes := memsvc.AddrToSlice(qs.subPhys+uint64(qs.submissionHead)*64, 64)
		c.execute(qs, cmdBytes)
		qs.submissionHead = (qs.submissionHead + 1) % qs.depth
	}
	if c.interruptHandler != nil {
		c.interruptHandler()
	}
}

func (c *Controller) writeCompletion(qs *queueState, cid uint16, sct, sc uint8) {
	entry := memsvc.AddrToSlice(qs.cplPhys+uint64(qs.completionTail)*16, 16)
	for i := range entry {
		entry[i] = 0
	}
	status := (uint32(sct)&0x7)<<8 | uint32(sc)
	dw3 := uint32(cid) | qs.phase<<16 | status<<17
	binary.LittleEndian.PutUint32(entry[12:16], dw3)

	if qs.completionTail == qs.depth-1 {
		qs.phase ^= 1
	}
	qs.completionTail = (qs.completionTail + 1) % qs.depth
}
