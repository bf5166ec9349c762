package gonvme

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dboyd/gonvme/internal/logging"
	"github.com/dboyd/gonvme/internal/memsvc"
	"github.com/dboyd/gonvme/internal/registry"
	"github.com/dboyd/gonvme/internal/sim"
)

const (
	testNSID      = 1
	testBlockSize = 512
	testBlocks    = 4096 // 2 MiB namespace, enough to exercise multi-page PRP transfers
)

// newTestController wires a simulated controller to a driver Controller,
// connecting the simulation's inline interrupt callback to the driver's
// HandleInterrupt so Execute's busy-wait resolves synchronously, exactly as
// the real doorbell-write-triggers-completion path does on hardware.
func newTestController(t *testing.T, opts ...Option) (*Controller, *sim.Controller) {
	t.Helper()
	mem := memsvc.NewSim()

	simCfg := sim.Config{
		TO:     4, // 2000ms
		DSTRD:  0,
		MPSMIN: 0,
		MQES:   255,
		MDTS:   5,
		CNTLID: 7,
		Namespaces: []sim.NamespaceData{
			{NSID: testNSID, BlockSize: testBlockSize, BlockCount: testBlocks},
		},
	}
	simCtrl := sim.New(mem, simCfg, 0x2000)

	reg := registry.New()
	drv := NewController(simCtrl.Registers(), mem, nil, reg, logging.Default(), opts...)
	simCtrl.SetInterruptHandler(drv.HandleInterrupt)

	return drv, simCtrl
}

func TestControllerInitializeEnumeratesNamespace(t *testing.T) {
	drv, _ := newTestController(t)

	err := drv.Initialize(context.Background())
	require.NoError(t, err)

	require.Equal(t, uint32(7), drv.ControllerID())
	require.Len(t, drv.Namespaces(), 1)

	ns := drv.Namespaces()[0]
	require.Equal(t, uint32(testNSID), ns.ID())
	require.Equal(t, uint32(testBlockSize), ns.SectorSize())
	require.Equal(t, uint64(testBlocks), ns.SectorCount())
}

// TestControllerInitializeRecordsAdminMetrics confirms the Identify/
// Create-I/O-Queue/AttachNamespace round trips Initialize performs during
// bring-up are counted as admin ops, not silently dropped.
func TestControllerInitializeRecordsAdminMetrics(t *testing.T) {
	drv, _ := newTestController(t)
	require.NoError(t, drv.Initialize(context.Background()))

	snap := drv.metrics.Snapshot()
	require.Greater(t, snap.AdminOps, uint64(0))
	require.Equal(t, uint64(0), snap.AdminErrors)
}

func TestControllerReadWriteRoundTripSinglePage(t *testing.T) {
	drv, _ := newTestController(t)
	require.NoError(t, drv.Initialize(context.Background()))

	ns := drv.Namespaces()[0]
	want := make([]byte, 4*testBlockSize)
	for i := range want {
		want[i] = byte(i)
	}

	n, err := ns.Write(want, 10, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(4), n)

	got := make([]byte, len(want))
	n, err = ns.Read(got, 10, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(4), n)
	require.Equal(t, want, got)
}

// TestControllerReadWriteRoundTripWithUnalignedCallerBuffer exercises
// §4.5's staging-region guarantee: the caller's buffer need not be
// page-aligned (here it is deliberately offset into a larger backing
// array) because doIO stages into its own page-aligned region before
// building PRPs.
func TestControllerReadWriteRoundTripWithUnalignedCallerBuffer(t *testing.T) {
	drv, _ := newTestController(t)
	require.NoError(t, drv.Initialize(context.Background()))

	ns := drv.Namespaces()[0]
	const blocks = 4
	backing := make([]byte, 3+blocks*testBlockSize) // odd offset, never page-aligned
	want := backing[3:]
	for i := range want {
		want[i] = byte((i*31 + 1) & 0xFF)
	}

	n, err := ns.Write(want, 0, blocks)
	require.NoError(t, err)
	require.Equal(t, uint64(blocks), n)

	gotBacking := make([]byte, 3+blocks*testBlockSize)
	got := gotBacking[3:]
	n, err = ns.Read(got, 0, blocks)
	require.NoError(t, err)
	require.Equal(t, uint64(blocks), n)
	require.Equal(t, want, got)
}

func TestControllerReadWriteRoundTripMultiPagePRPList(t *testing.T) {
	drv, _ := newTestController(t)
	require.NoError(t, drv.Initialize(context.Background()))

	ns := drv.Namespaces()[0]
	// 600 blocks * 512 bytes = 300 KiB = 75 pages, forcing the PRP-list
	// path (> 2 pages) within a single NVMe command (< MaxBlocksPerCommand).
	const blocks = 600
	want := make([]byte, blocks*testBlockSize)
	for i := range want {
		want[i] = byte((i * 7) & 0xFF)
	}

	n, err := ns.Write(want, 0, blocks)
	require.NoError(t, err)
	require.Equal(t, uint64(blocks), n)

	got := make([]byte, len(want))
	n, err = ns.Read(got, 0, blocks)
	require.NoError(t, err)
	require.Equal(t, uint64(blocks), n)
	require.Equal(t, want, got)
}

// newTestControllerWithBlocks is newTestController with a caller-chosen
// namespace size, for round trips too large for the default 2 MiB
// testBlocks namespace (crossing a PRP-list-page boundary or
// MAX_BLOCKS_PER_COMMAND both need a much larger backing namespace).
func newTestControllerWithBlocks(t *testing.T, blocks uint64, opts ...Option) *Controller {
	t.Helper()
	mem := memsvc.NewSim()

	simCfg := sim.Config{
		TO:     4,
		DSTRD:  0,
		MPSMIN: 0,
		MQES:   255,
		MDTS:   8, // headroom; command splitting here is governed by MaxBlocksPerCommand, not MDTS
		CNTLID: 7,
		Namespaces: []sim.NamespaceData{
			{NSID: testNSID, BlockSize: testBlockSize, BlockCount: blocks},
		},
	}
	simCtrl := sim.New(mem, simCfg, 0x2000)

	reg := registry.New()
	drv := NewController(simCtrl.Registers(), mem, nil, reg, logging.Default(), opts...)
	simCtrl.SetInterruptHandler(drv.HandleInterrupt)
	return drv
}

func TestControllerReadWriteRoundTripCrossesPRPListPageBoundary(t *testing.T) {
	// prpEntriesPerPage-1 == 511 data pointers fit in a single list page;
	// 513 data pages need a second list page and a link pointer.
	const blocks = 513 * (PageSize / testBlockSize)
	drv := newTestControllerWithBlocks(t, blocks+8)
	require.NoError(t, drv.Initialize(context.Background()))

	ns := drv.Namespaces()[0]
	want := make([]byte, blocks*testBlockSize)
	for i := range want {
		want[i] = byte((i*13 + 5) & 0xFF)
	}

	n, err := ns.Write(want, 0, blocks)
	require.NoError(t, err)
	require.Equal(t, uint64(blocks), n)

	got := make([]byte, len(want))
	n, err = ns.Read(got, 0, blocks)
	require.NoError(t, err)
	require.Equal(t, uint64(blocks), n)
	require.Equal(t, want, got)
}

func TestControllerReadWriteRoundTripAcrossMaxBlocksPerCommand(t *testing.T) {
	const blocks = MaxBlocksPerCommand + 10
	drv := newTestControllerWithBlocks(t, blocks+8)
	require.NoError(t, drv.Initialize(context.Background()))

	ns := drv.Namespaces()[0]
	want := make([]byte, blocks*testBlockSize)
	for i := range want {
		want[i] = byte(i & 0xFF)
	}

	n, err := ns.Write(want, 0, blocks)
	require.NoError(t, err)
	require.Equal(t, uint64(blocks), n)

	got := make([]byte, len(want))
	n, err = ns.Read(got, 0, blocks)
	require.NoError(t, err)
	require.Equal(t, uint64(blocks), n)
	require.Equal(t, want, got)

	snap := drv.metrics.Snapshot()
	require.GreaterOrEqual(t, snap.SplitCommands, uint64(2))
}

func TestAttachNamespaceIsIdempotent(t *testing.T) {
	drv, simCtrl := newTestController(t)
	require.NoError(t, drv.Initialize(context.Background()))

	require.Equal(t, 1, simCtrl.AttachedNamespaceCount())

	// A second attach of the same namespace must report success (the
	// driver treats status 0x18 as non-fatal) and must not change the
	// controller's attached-namespace count.
	err := drv.admin.AttachNamespace(context.Background(), drv.mem, uint16(drv.controllerID), testNSID)
	require.NoError(t, err)
	require.Equal(t, 1, simCtrl.AttachedNamespaceCount())
}

// TestControllerInitializeResetsAnAlreadyRunningController exercises the
// hot-reset path (S2): a controller found with CSTS.RDY already set (as if
// surviving a previous session) must be shut down and re-enabled rather
// than left alone or treated as an error.
func TestControllerInitializeResetsAnAlreadyRunningController(t *testing.T) {
	drv, simCtrl := newTestController(t)
	simCtrl.Registers().Write32(RegCSTS, 1<<cstsRDYBit)

	require.NoError(t, drv.Initialize(context.Background()))

	require.Equal(t, uint32(1), simCtrl.Registers().Read32(RegCSTS)&(1<<cstsRDYBit))
	require.Len(t, drv.Namespaces(), 1)
}

func TestControllerZeroLengthIOIsNoOp(t *testing.T) {
	drv, _ := newTestController(t)
	require.NoError(t, drv.Initialize(context.Background()))

	ns := drv.Namespaces()[0]
	n, err := ns.Read(nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)
}

func TestControllerCommandSplittingAcrossMaxBlocksPerCommand(t *testing.T) {
	drv, _ := newTestController(t, WithQueueDepth(256))
	require.NoError(t, drv.Initialize(context.Background()))

	counts := splitCommandCounts(MaxBlocksPerCommand + 10)
	require.Equal(t, []uint32{MaxBlocksPerCommand, 10}, counts)
}

func TestControllerMetricsRecordSingleWriteOp(t *testing.T) {
	drv, _ := newTestController(t)
	require.NoError(t, drv.Initialize(context.Background()))

	ns := drv.Namespaces()[0]
	buf := make([]byte, 8*testBlockSize)
	_, err := ns.Write(buf, 0, 8)
	require.NoError(t, err)

	snap := drv.metrics.Snapshot()
	require.Equal(t, uint64(1), snap.WriteOps)
	require.Equal(t, uint64(0), snap.WriteErrors)
}
