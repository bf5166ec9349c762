package sim

import (
	"unsafe"

	nvme "github.com/dboyd/gonvme"
	"github.com/dboyd/gonvme/internal/memsvc"
)

func asCommand(b []byte) *nvme.Command {
	return (*nvme.Command)(unsafe.Pointer(&b[0]))
}

func (c *Controller) execute(qs *queueState, cmdBytes []byte) {
	cmd := asCommand(cmdBytes)
	opcode := uint8(cmd.CDW0 & 0xFF)
	cid := uint16((cmd.CDW0 >> 16) & 0xFFFF)

	switch {
	case qs.id == 0:
		c.executeAdmin(qs, cmd, cid, opcode)
	default:
		c.executeIO(qs, cmd, cid, opcode)
	}
}

func (c *Controller) executeAdmin(qs *queueState, cmd *nvme.Command, cid uint16, opcode uint8) {
	switch opcode {
	case nvme.OpAdminIdentify:
		c.handleIdentify(cmd, cid, qs)
	case nvme.OpAdminNamespaceAttachment:
		c.handleNamespaceAttachment(cmd, cid, qs)
	case nvme.OpAdminCreateIOCompletionQueue:
		qid := uint16(cmd.CDW10 & 0xFFFF)
		depth := uint16(cmd.CDW10>>16) + 1
		c.ensureIOQueue(qid).cplPhys = cmd.PRP1
		c.ioQueues[qid].depth = depth
		c.ioQueues[qid].phase = 1
		c.writeCompletion(qs, cid, 0, 0)
	case nvme.OpAdminCreateIOSubmissionQueue:
		qid := uint16(cmd.CDW10 & 0xFFFF)
		depth := uint16(cmd.CDW10>>16) + 1
		iq := c.ensureIOQueue(qid)
		iq.subPhys = cmd.PRP1
		iq.depth = depth
		iq.id = qid
		c.writeCompletion(qs, cid, 0, 0)
	default:
		c.writeCompletion(qs, cid, 0, nvme.StatusCommandNotSupported)
	}
}

// handleNamespaceAttachment tracks which nsids are attached, returning
// StatusNamespaceAlreadyAttached (rather than mutating any state) when the
// controller-listing/attach command names an nsid already attached.
func (c *Controller) handleNamespaceAttachment(cmd *nvme.Command, cid uint16, qs *queueState) {
	sel := cmd.CDW10 & 0xF // 0 = attach, 1 = detach
	if sel != 0 {
		delete(c.attached, cmd.NSID)
		c.writeCompletion(qs, cid, 0, 0)
		return
	}

	if c.attached[cmd.NSID] {
		c.writeCompletion(qs, cid, 0, nvme.StatusNamespaceAlreadyAttached)
		return
	}
	c.attached[cmd.NSID] = true
	c.writeCompletion(qs, cid, 0, 0)
}

func (c *Controller) ensureIOQueue(qid uint16) *queueState {
	q, ok := c.ioQueues[qid]
	if !ok {
		q = &queueState{id: qid, phase: 1}
		c.ioQueues[qid] = q
	}
	return q
}

func (c *Controller) handleIdentify(cmd *nvme.Command, cid uint16, qs *queueState) {
	cns := uint16(cmd.CDW10 & 0xFFFF)
	page := memsvc.AddrToSlice(cmd.PRP1, 4096)
	for i := range page {
		page[i] = 0
	}

	switch cns {
	case nvme.IdentifyCNSController:
		page[77] = c.cfg.MDTS       // MDTS, byte offset 77
		putU16(page[78:80], c.cfg.CNTLID) // CNTLID, byte offset 78
	case nvme.IdentifyCNSActiveNamespaceList:
		for i, ns := range c.cfg.Namespaces {
			putU32(page[i*4:i*4+4], ns.NSID)
		}
	case nvme.IdentifyCNSNamespace:
		ns := c.namespaceByNSID(cmd.NSID)
		if ns != nil {
			putU64(page[0:8], ns.BlockCount) // NSZE
			page[26] = 0                     // FLBAS = format 0
			lbads := log2(ns.BlockSize)
			putU32(page[128:132], uint32(lbads)<<16) // LBA Format 0 descriptor
		}
	}

	c.writeCompletion(qs, cid, 0, 0)
}

func (c *Controller) namespaceByNSID(nsid uint32) *NamespaceData {
	for i := range c.cfg.Namespaces {
		if c.cfg.Namespaces[i].NSID == nsid {
			return &c.cfg.Namespaces[i]
		}
	}
	return nil
}

func (c *Controller) executeIO(qs *queueState, cmd *nvme.Command, cid uint16, opcode uint8) {
	ns := c.namespaceByNSID(cmd.NSID)
	if ns == nil {
		c.writeCompletion(qs, cid, 0, nvme.StatusCommandNotSupported)
		return
	}

	startLBA := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
	count := uint64(cmd.CDW12&0xFFFF) + 1
	byteOff := startLBA * uint64(ns.BlockSize)
	byteLen := count * uint64(ns.BlockSize)

	transfer := resolveTransferRegion(cmd, ns.BlockSize, count)

	switch opcode {
	case nvme.OpIORead:
		copy(transfer, ns.data[byteOff:byteOff+byteLen])
	case nvme.OpIOWrite:
		copy(ns.data[byteOff:byteOff+byteLen], transfer)
	default:
		c.writeCompletion(qs, cid, 0, nvme.StatusCommandNotSupported)
		return
	}
	c.writeCompletion(qs, cid, 0, 0)
}

// resolveTransferRegion reconstructs the data region addressed by a
// command's PRP1/PRP2 (and, for larger transfers, PRP list), mirroring the
// driver's own PRP construction in reverse so the simulated controller can
// read/write the same bytes the driver staged.
func resolveTransferRegion(cmd *nvme.Command, blockSize uint32, count uint64) []byte {
	bytes := int(count) * int(blockSize)
	pages := (bytes + nvme.PageSize - 1) / nvme.PageSize

	if pages <= 1 {
		return memsvc.AddrToSlice(cmd.PRP1, bytes)
	}
	if pages == 2 {
		out := make([]byte, 0, bytes)
		out = append(out, memsvc.AddrToSlice(cmd.PRP1, nvme.PageSize)...)
		remaining := bytes - nvme.PageSize
		out = append(out, memsvc.AddrToSlice(cmd.PRP2, remaining)...)
		return out
	}

	// PRP list case: PRP1 points at the list's first page, PRP2 is
	// redundant with the list's first entry, so just walk the list.
	return walkPRPList(cmd.PRP1, pages, bytes)
}

const prpEntriesPerPage = nvme.PageSize / 8

// walkPRPList mirrors the driver's own PRP-list construction (buildPRP in
// prp.go) exactly: the same listPages count and the same "last slot of a
// non-final list page is a link" rule, so the simulated controller decodes
// precisely the layout the driver wrote.
func walkPRPList(listPA uint64, pages int, totalBytes int) []byte {
	listPages := (pages + (prpEntriesPerPage - 2)) / (prpEntriesPerPage - 1)

	out := make([]byte, 0, totalBytes)
	remaining := totalBytes
	dataIdx := 0
	pageIdx := 0
	slot := 0
	curPA := listPA
	for dataIdx < pages {
		isFinalListPage := pageIdx == listPages-1
		listBuf := memsvc.AddrToSlice(curPA, nvme.PageSize)
		entryAddr := getU64(listBuf[slot*8 : slot*8+8])

		if slot == prpEntriesPerPage-1 && !isFinalListPage {
			curPA = entryAddr
			pageIdx++
			slot = 0
			continue
		}

		n := nvme.PageSize
		if remaining < n {
			n = remaining
		}
		out = append(out, memsvc.AddrToSlice(entryAddr, n)...)
		remaining -= n
		dataIdx++
		slot++
	}
	return out
}

func log2(v uint32) uint8 {
	var n uint8
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

func putU16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
