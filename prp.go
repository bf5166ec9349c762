package gonvme

import (
	"encoding/binary"

	"github.com/dboyd/gonvme/internal/bufpool"
	"github.com/dboyd/gonvme/internal/memsvc"
)

// splitCommandCounts computes the per-command block counts for an I/O of
// lbaCount blocks, per §4.5's command-splitting rule: ceil(lbaCount /
// MaxBlocksPerCommand) commands, each carrying at most MaxBlocksPerCommand
// blocks, with monotonically advancing starting LBAs.
func splitCommandCounts(lbaCount uint64) []uint32 {
	if lbaCount == 0 {
		return nil
	}
	n := (lbaCount + MaxBlocksPerCommand - 1) / MaxBlocksPerCommand
	counts := make([]uint32, 0, n)
	remaining := lbaCount
	for remaining > 0 {
		c := uint64(MaxBlocksPerCommand)
		if remaining < c {
			c = remaining
		}
		counts = append(counts, uint32(c))
		remaining -= c
	}
	return counts
}

// prpResult holds the PRP1/PRP2 fields to place in a command, plus any
// PRP-list page allocated to back them (nil if none was needed).
type prpResult struct {
	prp1     uint64
	prp2     uint64
	listPage []byte // non-nil iff a PRP-list page was allocated; caller must Put it
}

// buildPRP constructs the PRP1/PRP2 (and, for transfers spanning more than
// two pages, a PRP-list) fields for a transfer of `data`, per §4.5:
//   - <= 1 page: PRP1 = physical(data), PRP2 = 0.
//   - exactly 2 pages: PRP1 = page 0, PRP2 = page 1.
//   - > 2 pages: PRP1 = physical(first list page), PRP2 = first data page
//     pointer, and the list is walked left-to-right, writing a link
//     pointer into the last slot of every non-final list page using the
//     pageSlot+1 scheme (not p/sizeof(uint64_t)).
func buildPRP(mem memsvc.Service, data []byte) (prpResult, error) {
	pages := (len(data) + PageSize - 1) / PageSize
	base := mem.PhysicalAddress(data)

	switch {
	case pages <= 1:
		return prpResult{prp1: base}, nil
	case pages == 2:
		return prpResult{prp1: base, prp2: base + PageSize}, nil
	}

	dataPagePAs := make([]uint64, pages)
	for i := 0; i < pages; i++ {
		dataPagePAs[i] = base + uint64(i)*PageSize
	}

	// number of list pages: each full list page holds prpEntriesPerPage-1
	// data pointers once you reserve its last slot for a link, except the
	// final list page, which needs no link slot.
	listPages := (pages + (prpEntriesPerPage - 2)) / (prpEntriesPerPage - 1)
	listBuf := bufpool.Get(listPages * PageSize)
	listBase := mem.PhysicalAddress(listBuf)

	dataIdx := 0
	pageIdx := 0
	pageSlot := 0
	for dataIdx < pages {
		isFinalListPage := pageIdx == listPages-1
		if pageSlot == prpEntriesPerPage-1 && !isFinalListPage {
			nextListPagePA := listBase + uint64(pageIdx+1)*PageSize
			writeEntry(listBuf, pageIdx*PageSize, pageSlot, nextListPagePA)
			pageIdx++
			pageSlot = 0
			continue
		}
		writeEntry(listBuf, pageIdx*PageSize, pageSlot, dataPagePAs[dataIdx])
		dataIdx++
		pageSlot++
	}

	return prpResult{
		prp1:     listBase,
		prp2:     dataPagePAs[0],
		listPage: listBuf,
	}, nil
}

func writeEntry(listBuf []byte, pageOffset, slot int, value uint64) {
	off := pageOffset + slot*8
	binary.LittleEndian.PutUint64(listBuf[off:off+8], value)
}

// releasePRP returns any PRP-list page obtained by buildPRP to its pool.
func releasePRP(r prpResult) {
	if r.listPage != nil {
		bufpool.Put(r.listPage)
	}
}

// countPRPLinkPointers reports how many link pointers a PRP list for the
// given page count contains, used by the testable-property suite: for
// bytes = N*page_size with N>2, this equals
// ceil(N / (page_size/8 - 1)) - 1.
func countPRPLinkPointers(pages int) int {
	if pages <= 2 {
		return 0
	}
	listPages := (pages + (prpEntriesPerPage - 2)) / (prpEntriesPerPage - 1)
	return listPages - 1
}
