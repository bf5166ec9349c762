package gonvme

import (
	"context"
	"time"

	"github.com/dboyd/gonvme/internal/intsvc"
	"github.com/dboyd/gonvme/internal/logging"
	"github.com/dboyd/gonvme/internal/memsvc"
	"github.com/dboyd/gonvme/internal/mmio"
	"github.com/dboyd/gonvme/internal/pci"
	"github.com/dboyd/gonvme/internal/registry"
)

// Controller represents one NVMe controller: discovered on the PCI bus,
// reset and configured through the CC/CSTS handshake, then identified and
// enumerated into Namespaces (§4.4).
type Controller struct {
	logger   *logging.Logger
	metrics  *Metrics
	mem      memsvc.Service
	irq      intsvc.Service
	registry *registry.Registry

	regs  *mmio.Window
	dstrd uint8

	timeoutMs        int
	mqes             uint16
	mpsmin           uint8
	queueDepth       uint16
	maxDataTransfer  int
	controllerID     uint32

	admin *AdminQueue
	io    *QueuePair

	namespaces []*Namespace
	queues     []*QueuePair // every queue pair registered for interrupt dispatch
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithQueueDepth overrides the default I/O/admin queue depth (clamped to
// MQES once CAP is read).
func WithQueueDepth(depth uint16) Option {
	return func(c *Controller) { c.queueDepth = depth }
}

// WithMetrics attaches a Metrics collector; if omitted, a fresh one backed
// by NoOpObserver is used.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController constructs a Controller bound to an already BAR-mapped
// register window. Discovery (PCI scan + BAR mapping) is handled
// separately by Discover; NewController is the construction phase of the
// two-phase lifecycle §3 describes, and Initialize is the second phase.
func NewController(regs *mmio.Window, mem memsvc.Service, irq intsvc.Service, reg *registry.Registry, logger *logging.Logger, opts ...Option) *Controller {
	c := &Controller{
		logger:     logger.WithComponent("NVME"),
		mem:        mem,
		irq:        irq,
		registry:   reg,
		regs:       regs,
		queueDepth: DefaultQueueDepth,
		metrics:    NewMetrics(NoOpObserver{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover scans the PCI bus for NVMe controllers (class 0x01, subclass
// 0x08) and maps each match's BAR, per §4.4 step 1. BAR-mapping failures
// are fatal for that controller only (§7): the scan continues.
func Discover(scanner pci.Scanner, mapBAR func(pci.Device) ([]byte, error), mem memsvc.Service, irq intsvc.Service, reg *registry.Registry, logger *logging.Logger, opts ...Option) ([]*Controller, error) {
	devices, err := scanner.Scan(PCIClassMassStorage, PCISubclassNVMe)
	if err != nil {
		return nil, err
	}

	var controllers []*Controller
	for _, dev := range devices {
		barBuf, err := mapBAR(dev)
		if err != nil {
			logger.WithComponent("NVME").Error("bar map failed, skipping controller",
				"vendor", dev.VendorID, "device", dev.DeviceID, "err", err)
			continue
		}
		regs := mmio.New(barBuf)
		controllers = append(controllers, NewController(regs, mem, irq, reg, logger, opts...))
	}
	return controllers, nil
}

// readCapabilities decodes MQES, DSTRD, TO, MPSMIN from CAP (§4.4 step 2).
func (c *Controller) readCapabilities() {
	cap64 := c.regs.Read64(RegCAP)
	c.mqes = uint16(cap64 & 0xFFFF)
	c.dstrd = uint8((cap64 >> 4) & 0xF)
	to := uint8((cap64 >> 24) & 0xFF)
	c.timeoutMs = int(to) * 500
	c.mpsmin = uint8((cap64 >> 48) & 0xF)

	if c.queueDepth == 0 || c.queueDepth > c.mqes+1 {
		c.queueDepth = c.mqes + 1
	}
}

// resetIfNeeded implements §4.4 step 3: if the controller is already ready
// or fatal, shut it down and clear EN, optimistically continuing (logged,
// not aborted) if the hardware doesn't cooperate.
func (c *Controller) resetIfNeeded(ctx context.Context) {
	csts := c.regs.Read32(RegCSTS)
	rdy := csts&(1<<cstsRDYBit) != 0
	cfs := csts&(1<<cstsCFSBit) != 0
	if !rdy && !cfs {
		return
	}

	cc := c.regs.Read32(RegCC)
	cc = (cc &^ (0x3 << ccSHNShift)) | (0b10 << ccSHNShift)
	c.regs.Write32(RegCC, cc)

	if !c.pollUntil(ctx, func() bool {
		shst := (c.regs.Read32(RegCSTS) >> cstsSHSTShift) & cstsSHSTMask
		return shst == 0b10
	}, 2) {
		c.logger.Warn("failed to shut down cleanly, continuing")
	}

	cc = c.regs.Read32(RegCC) &^ (1 << ccEnShift)
	c.regs.Write32(RegCC, cc)

	if !c.pollUntil(ctx, func() bool {
		return c.regs.Read32(RegCSTS)&(1<<cstsRDYBit) == 0
	}, 2) {
		c.logger.Warn("RDY did not clear after reset, continuing optimistically")
	}
}

// pollUntil checks cond, then sleeps timeoutMs and checks again, up to
// attempts sleeps (attempts+1 checks in all), per §4.4's "wait timeout_ms;
// if not, wait once more" pattern.
func (c *Controller) pollUntil(ctx context.Context, cond func() bool, attempts int) bool {
	for i := 0; i < attempts; i++ {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(c.timeoutMs) * time.Millisecond):
		}
	}
	return cond()
}

// Initialize drives the full bring-up sequence: reset if needed, program
// the admin queue, configure CC, enable, then identify/enumerate
// namespaces (phase 2 of the controller lifecycle, §4.4 steps 3-7).
func (c *Controller) Initialize(ctx context.Context) error {
	c.readCapabilities()
	c.resetIfNeeded(ctx)

	if err := c.programAdminQueue(); err != nil {
		return WrapError("initialize", err)
	}

	cc := uint32(0) // AMS=0, MPS=0, CSS=0
	cc |= IOSQES << ccIOSQESShift
	cc |= IOCQES << ccIOCQESShift
	c.regs.Write32(RegCC, cc)

	cc = c.regs.Read32(RegCC) | (1 << ccEnShift)
	c.regs.Write32(RegCC, cc)

	if !c.pollUntil(ctx, func() bool {
		return c.regs.Read32(RegCSTS)&(1<<cstsRDYBit) != 0
	}, 2) {
		return NewError("initialize", ErrCodeResetTimeout, "CSTS.RDY did not set after enable")
	}

	if c.irq != nil {
		c.irq.Assign(0, func() { c.HandleInterrupt() })
		c.irq.UnmaskLine(0)
	}

	return c.identifyAndEnumerate(ctx)
}

func (c *Controller) programAdminQueue() error {
	depth := c.queueDepth
	subBytes := int(depth) * 64
	cplBytes := int(depth) * 16

	subVirt, err := c.mem.MapIO(subBytes)
	if err != nil {
		return WrapError("program_admin_queue", err)
	}
	cplVirt, err := c.mem.MapIO(cplBytes)
	if err != nil {
		return WrapError("program_admin_queue", err)
	}

	subPhys := c.mem.PhysicalAddress(subVirt)
	cplPhys := c.mem.PhysicalAddress(cplVirt)

	c.regs.Write32(RegAQA, uint32(depth-1)<<16|uint32(depth-1))
	c.regs.Write64(RegASQ, subPhys)
	c.regs.Write64(RegACQ, cplPhys)

	qp := NewQueuePair(0, depth, subVirt, cplVirt, subPhys, cplPhys, c.regs, c.dstrd, c.logger)
	c.admin = NewAdminQueue(qp, c.logger)
	c.queues = append(c.queues, qp)
	return nil
}

// runAdmin times an admin-queue round trip and records it into c.metrics,
// so Identify/AttachNamespace/queue-creation calls show up in AdminOps
// alongside the read/write counters recordIOOutcome maintains.
func (c *Controller) runAdmin(fn func() error) error {
	start := time.Now()
	err := fn()
	c.metrics.RecordAdmin(uint64(time.Since(start)), err == nil)
	return err
}

func (c *Controller) identifyAndEnumerate(ctx context.Context) error {
	idPage, err := c.mem.MapIO(PageSize)
	if err != nil {
		return WrapError("identify", err)
	}
	defer c.mem.Free(idPage)
	idPA := c.mem.PhysicalAddress(idPage)

	if err := c.runAdmin(func() error { return c.admin.Identify(ctx, idPA, IdentifyCNSController, 0) }); err != nil {
		return WrapError("identify_controller", err)
	}
	mdts := idPage[77]
	c.maxDataTransfer = (1 << mdts) * int(PageSize)
	c.controllerID = uint32(idPage[78]) | uint32(idPage[79])<<8

	if err := c.createIOQueue(ctx, 1); err != nil {
		return WrapError("create_new_queue", err)
	}

	if err := c.runAdmin(func() error { return c.admin.Identify(ctx, idPA, IdentifyCNSActiveNamespaceList, 0) }); err != nil {
		return WrapError("identify_namespace_list", err)
	}

	var nsids []uint32
	for i := 0; i < PageSize/4; i++ {
		nsid := uint32(idPage[i*4]) | uint32(idPage[i*4+1])<<8 | uint32(idPage[i*4+2])<<16 | uint32(idPage[i*4+3])<<24
		if nsid == 0 {
			break
		}
		nsids = append(nsids, nsid)
	}

	for _, nsid := range nsids {
		if err := c.runAdmin(func() error { return c.admin.Identify(ctx, idPA, IdentifyCNSNamespace, nsid) }); err != nil {
			return WrapError("identify_namespace", err)
		}
		nsze := leUint64(idPage[0:8])
		flbas := idPage[26] & 0x0F
		lbaFormatEntry := leUint32(idPage[128+int(flbas)*4:])
		lbads := uint8((lbaFormatEntry >> 16) & 0xFF)
		blockSize := uint32(1) << lbads

		ns := &Namespace{
			id:         nsid,
			blockCount: nsze,
			blockSize:  blockSize,
			controller: c,
		}
		c.namespaces = append(c.namespaces, ns)

		if err := c.runAdmin(func() error { return c.admin.AttachNamespace(ctx, c.mem, uint16(c.controllerID), nsid) }); err != nil {
			return WrapError("attach_namespace", err)
		}

		if c.registry != nil {
			name, _ := c.registry.Register(ns, "nvme")
			c.logger.Info("registered namespace", "nsid", nsid, "name", name)
		}
	}

	return nil
}

func (c *Controller) createIOQueue(ctx context.Context, qid uint16) error {
	depth := c.queueDepth
	subBytes := int(depth) * 64
	cplBytes := int(depth) * 16

	subVirt, err := c.mem.MapIO(subBytes)
	if err != nil {
		return err
	}
	cplVirt, err := c.mem.MapIO(cplBytes)
	if err != nil {
		return err
	}
	subPhys := c.mem.PhysicalAddress(subVirt)
	cplPhys := c.mem.PhysicalAddress(cplVirt)

	// create-CQ before create-SQ: mandatory order, the SQ references its CQ.
	if err := c.runAdmin(func() error { return c.admin.CreateIOCompletionQueue(ctx, qid, depth, cplPhys) }); err != nil {
		return err
	}
	if err := c.runAdmin(func() error { return c.admin.CreateIOSubmissionQueue(ctx, qid, depth, subPhys, qid) }); err != nil {
		return err
	}

	qp := NewQueuePair(qid, depth, subVirt, cplVirt, subPhys, cplPhys, c.regs, c.dstrd, c.logger)
	c.io = qp
	c.queues = append(c.queues, qp)
	return nil
}

// readNamespace and writeNamespace implement §4.5's I/O engine: split the
// logical request into MaxBlocksPerCommand-sized NVMe commands, stage each
// chunk into a page-aligned DMA region, build that command's PRP fields
// over the staging region, execute on the I/O queue, and abort the
// remaining commands on the first error.
func (c *Controller) readNamespace(ctx context.Context, ns *Namespace, buffer []byte, startSector, sectorCount uint64) (uint64, error) {
	return c.doIO(ctx, ns, buffer, startSector, sectorCount, OpIORead)
}

func (c *Controller) writeNamespace(ctx context.Context, ns *Namespace, buffer []byte, startSector, sectorCount uint64) (uint64, error) {
	return c.doIO(ctx, ns, buffer, startSector, sectorCount, OpIOWrite)
}

func (c *Controller) doIO(ctx context.Context, ns *Namespace, buffer []byte, startSector, sectorCount uint64, opcode uint8) (uint64, error) {
	if sectorCount == 0 {
		return 0, nil
	}
	if c.io == nil {
		return 0, NewError("io", ErrCodeUnsupported, "no I/O queue programmed")
	}

	counts := splitCommandCounts(sectorCount)
	c.metrics.RecordSplit(len(counts))

	var done uint64
	lba := startSector
	byteOff := uint64(0)
	start := time.Now()

	for _, count := range counts {
		chunkBytes := uint64(count) * uint64(ns.blockSize)

		// Stage into a freshly mapped, page-aligned DMA region rather than
		// building PRPs directly over the caller's slice: the caller owes us
		// no alignment or physical contiguity guarantee, and buildPRP's
		// page-stride math requires both.
		staging, err := c.mem.MapIO(int(chunkBytes))
		if err != nil {
			return done, c.recordIOOutcome(opcode, start, done*uint64(ns.blockSize), err)
		}

		if opcode == OpIOWrite {
			copy(staging, buffer[byteOff:byteOff+chunkBytes])
		}

		prp, err := buildPRP(c.mem, staging)
		if err != nil {
			c.mem.Free(staging)
			return done, c.recordIOOutcome(opcode, start, done*uint64(ns.blockSize), err)
		}

		_, execErr := c.io.Execute(ctx, "io", func(cmd *Command) {
			cmd.SetCDW0(opcode, 0)
			cmd.NSID = ns.id
			cmd.PRP1 = prp.prp1
			cmd.PRP2 = prp.prp2
			cmd.CDW10 = uint32(lba & 0xFFFFFFFF)
			cmd.CDW11 = uint32(lba >> 32)
			cmd.CDW12 = uint32(count - 1)
		})
		releasePRP(prp)

		if execErr != nil {
			c.mem.Free(staging)
			return done, c.recordIOOutcome(opcode, start, done*uint64(ns.blockSize), execErr)
		}

		if opcode == OpIORead {
			copy(buffer[byteOff:byteOff+chunkBytes], staging)
		}
		c.mem.Free(staging)

		done += uint64(count)
		lba += uint64(count)
		byteOff += chunkBytes
	}

	return done, c.recordIOOutcome(opcode, start, done*uint64(ns.blockSize), nil)
}

func (c *Controller) recordIOOutcome(opcode uint8, start time.Time, bytes uint64, err error) error {
	latency := uint64(time.Since(start))
	switch opcode {
	case OpIORead:
		c.metrics.RecordRead(bytes, latency, err == nil)
	case OpIOWrite:
		c.metrics.RecordWrite(bytes, latency, err == nil)
	}
	return err
}

// HandleInterrupt is installed as the controller's single PCI interrupt
// handler: it drains every registered queue pair's completion ring
// (§4.7).
func (c *Controller) HandleInterrupt() {
	for _, q := range c.queues {
		q.DrainCompletions()
	}
}

// MaxDataTransferBytes returns the controller's MDTS-derived transfer
// limit.
func (c *Controller) MaxDataTransferBytes() int { return c.maxDataTransfer }

// ControllerID returns the CNTLID read during identify.
func (c *Controller) ControllerID() uint32 { return c.controllerID }

// Namespaces returns every namespace enumerated during Initialize.
func (c *Controller) Namespaces() []*Namespace { return c.namespaces }

// Metrics returns the controller's metrics collector, for callers that
// want a Snapshot without wiring their own Observer via WithMetrics.
func (c *Controller) Metrics() *Metrics { return c.metrics }

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	lo := uint64(leUint32(b[0:4]))
	hi := uint64(leUint32(b[4:8]))
	return lo | hi<<32
}
