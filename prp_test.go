package gonvme

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dboyd/gonvme/internal/memsvc"
)

func TestBuildPRPSinglePageUsesPRP1Only(t *testing.T) {
	mem := memsvc.NewSim()
	data, err := mem.MapIO(PageSize)
	require.NoError(t, err)

	r, err := buildPRP(mem, data)
	require.NoError(t, err)
	require.Equal(t, mem.PhysicalAddress(data), r.prp1)
	require.Zero(t, r.prp2)
	require.Nil(t, r.listPage)
}

func TestBuildPRPTwoPagesUsesPRP1AndPRP2(t *testing.T) {
	mem := memsvc.NewSim()
	data, err := mem.MapIO(2 * PageSize)
	require.NoError(t, err)

	r, err := buildPRP(mem, data)
	require.NoError(t, err)
	base := mem.PhysicalAddress(data)
	require.Equal(t, base, r.prp1)
	require.Equal(t, base+PageSize, r.prp2)
	require.Nil(t, r.listPage)
}

func TestCountPRPLinkPointersMatchesFormula(t *testing.T) {
	// ceil(N / (page_size/8 - 1)) - 1, for N > 2.
	cases := []struct {
		pages int
		links int
	}{
		{pages: 1, links: 0},
		{pages: 2, links: 0},
		{pages: 3, links: 0},
		{pages: 511, links: 0},
		{pages: 512, links: 1},
		{pages: 1021, links: 1},
		{pages: 1022, links: 1},
		{pages: 1023, links: 2},
	}
	for _, tc := range cases {
		got := countPRPLinkPointers(tc.pages)
		require.Equal(t, tc.links, got, "pages=%d", tc.pages)
	}
}

// TestBuildPRPListMatchesLinkPointerCount walks the actual bytes buildPRP
// wrote, following every link pointer exactly as the simulated controller's
// walkPRPList does, and counts how many list pages that walk visits versus
// how many data pointers it collects. If buildPRP's link bookkeeping were
// off by one, this would either loop forever (a bad link) or collect the
// wrong number of data pointers.
func TestBuildPRPListMatchesLinkPointerCount(t *testing.T) {
	mem := memsvc.NewSim()

	for _, pages := range []int{3, 511, 512, 1022, 1023} {
		data, err := mem.MapIO(pages * PageSize)
		require.NoError(t, err)
		base := mem.PhysicalAddress(data)

		r, err := buildPRP(mem, data)
		require.NoError(t, err)
		require.NotNil(t, r.listPage, "pages=%d", pages)
		listBase := mem.PhysicalAddress(r.listPage)
		require.Equal(t, listBase, r.prp1, "pages=%d", pages)
		require.Equal(t, base, r.prp2, "pages=%d", pages)

		dataPointers, linkPointers, gotDataPAs := walkListForTest(r.listPage, listBase, pages)
		require.Equal(t, pages, dataPointers, "pages=%d", pages)
		require.Equal(t, countPRPLinkPointers(pages), linkPointers, "pages=%d", pages)
		for i, pa := range gotDataPAs {
			require.Equal(t, base+uint64(i)*PageSize, pa, "pages=%d data page %d", pages, i)
		}

		releasePRP(r)
	}
}

// walkListForTest replays the PRP-list walk a reader (the simulated
// controller) performs: follow link pointers, collecting exactly `pages`
// data pointers (known in advance from the transfer size, exactly as a
// real reader derives it from the command's block count), and counts how
// many of the visited slots were links along the way. It does not rely on
// unused slots being zero — bufpool-recycled buffers carry whatever a
// prior use left behind — so it stops by count, not by sentinel.
func walkListForTest(listBuf []byte, listBase uint64, pages int) (dataPointers, linkPointers int, dataPAs []uint64) {
	// listPages and "is this page index the final one" are a global
	// property of the transfer size, fixed before any page is written —
	// buildPRP decides both the same way, once, up front.
	listPages := (pages + (prpEntriesPerPage - 2)) / (prpEntriesPerPage - 1)

	pageOffset := 0
	pageIdx := 0
	for dataPointers < pages {
		isFinalPage := pageIdx == listPages-1

		for slot := 0; slot < prpEntriesPerPage; slot++ {
			off := pageOffset + slot*8
			value := leUint64(listBuf[off : off+8])

			if slot == prpEntriesPerPage-1 && !isFinalPage {
				linkPointers++
				pageOffset = int(value - listBase)
				pageIdx++
				break
			}
			dataPointers++
			dataPAs = append(dataPAs, value)
			if dataPointers == pages {
				break
			}
		}
	}
	return dataPointers, linkPointers, dataPAs
}

func TestSplitCommandCountsZero(t *testing.T) {
	require.Nil(t, splitCommandCounts(0))
}

func TestSplitCommandCountsUnderLimit(t *testing.T) {
	require.Equal(t, []uint32{100}, splitCommandCounts(100))
}

func TestSplitCommandCountsExactlyAtLimit(t *testing.T) {
	require.Equal(t, []uint32{MaxBlocksPerCommand}, splitCommandCounts(MaxBlocksPerCommand))
}

func TestSplitCommandCountsSpansMultipleCommands(t *testing.T) {
	got := splitCommandCounts(MaxBlocksPerCommand*2 + 1)
	require.Equal(t, []uint32{MaxBlocksPerCommand, MaxBlocksPerCommand, 1}, got)
}

func TestSplitCommandCountsStartingLBAsAdvanceMonotonically(t *testing.T) {
	counts := splitCommandCounts(MaxBlocksPerCommand + 5)
	var lba uint64
	var startLBAs []uint64
	for _, c := range counts {
		startLBAs = append(startLBAs, lba)
		lba += uint64(c)
	}
	require.Equal(t, []uint64{0, MaxBlocksPerCommand}, startLBAs)
}
