package gonvme

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dboyd/gonvme/internal/logging"
	"github.com/dboyd/gonvme/internal/memsvc"
	"github.com/dboyd/gonvme/internal/mmio"
)

func newTestQueuePair(t *testing.T, depth uint16) (*QueuePair, *mmio.Window) {
	t.Helper()
	mem := memsvc.NewSim()

	subBuf, err := mem.MapIO(int(depth) * 64)
	require.NoError(t, err)
	cplBuf, err := mem.MapIO(int(depth) * 16)
	require.NoError(t, err)

	regBuf := make([]byte, 0x2000)
	regs := mmio.New(regBuf)

	qp := NewQueuePair(1, depth, subBuf, cplBuf, mem.PhysicalAddress(subBuf), mem.PhysicalAddress(cplBuf), regs, 0, logging.Default())
	return qp, regs
}

func TestSubmissionMonotonicity(t *testing.T) {
	qp, _ := newTestQueuePair(t, 8)

	var slots []uint16
	for i := 0; i < 5; i++ {
		slot, _ := qp.ReserveSubmissionSlot()
		qp.ReleaseSlot()
		slots = append(slots, slot)
	}

	require.Equal(t, []uint16{0, 1, 2, 3, 4}, slots)
	require.Equal(t, uint16(5), qp.SubmissionTail())
}

func TestSubmissionMonotonicityWraps(t *testing.T) {
	qp, _ := newTestQueuePair(t, 4)

	for i := 0; i < 3; i++ {
		_, _ = qp.ReserveSubmissionSlot()
		qp.ReleaseSlot()
	}
	slot, _ := qp.ReserveSubmissionSlot()
	qp.ReleaseSlot()

	require.Equal(t, uint16(3), slot)
	require.Equal(t, uint16(0), qp.SubmissionTail())
}

func TestPhaseTagScanDrainsWithoutWrap(t *testing.T) {
	depth := uint16(4)
	qp, regs := newTestQueuePair(t, depth)

	// seed completions for slots 0..2 in the current expected phase (1)
	for i := uint16(0); i < 3; i++ {
		entry := qp.completionSlot(i)
		entry.DW3 = 1 << 16 // phase=1, cid=0, status=0
	}
	qp.waiting.Store(true)

	drained := qp.DrainCompletions()

	require.Equal(t, 3, drained)
	require.Equal(t, uint16(3), qp.CompletionHead())
	require.Equal(t, uint32(1), qp.ExpectedPhase()) // no wrap yet, depth-1=3 not reached
	require.False(t, qp.waiting.Load())

	got := regs.Read32(mmio.DoorbellOffset(RegDoorbellBase, qp.ID(), mmio.DoorbellCompletion, 0))
	require.Equal(t, uint32(3), got)
}

func TestPhaseTagScanFlipsExactlyOnWrap(t *testing.T) {
	depth := uint16(4)
	qp, _ := newTestQueuePair(t, depth)

	for i := uint16(0); i < depth; i++ {
		entry := qp.completionSlot(i)
		entry.DW3 = 1 << 16
	}
	qp.waiting.Store(true)

	drained := qp.DrainCompletions()

	require.Equal(t, 4, drained)
	require.Equal(t, uint16(0), qp.CompletionHead())
	require.Equal(t, uint32(0), qp.ExpectedPhase(), "phase must flip exactly once on wrap")
}

func TestWaitForCompletionRespectsContextDeadline(t *testing.T) {
	qp, _ := newTestQueuePair(t, 4)
	qp.waiting.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := qp.WaitForCompletion(ctx, 0)
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeResetTimeout))
}
