package gonvme

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dboyd/gonvme/internal/logging"
	"github.com/dboyd/gonvme/internal/mmio"
)

// QueuePair is one submission ring plus one completion ring of equal depth:
// id 0 is the admin queue, id >= 1 is an I/O queue. Only one command may be
// outstanding on a queue pair at a time (§4.2/§5): the caller holds the
// queue while submitting and busy-waits for the matching completion before
// issuing the next one.
type QueuePair struct {
	id    uint16
	depth uint16

	subVirt []byte // depth * 64 bytes
	cplVirt []byte // depth * 16 bytes
	subPhys uint64
	cplPhys uint64

	mu             sync.Mutex
	submissionTail uint16
	completionHead uint16
	expectedPhase  uint32 // written only under mu

	waiting atomic.Bool

	regs   *mmio.Window
	dstrd  uint8
	logger *logging.Logger
}

// NewQueuePair builds a queue pair of the given id and depth over two DMA
// rings the caller has already allocated; it allocates nothing itself.
// subVirt/cplVirt must be page-aligned regions obtained from a
// memsvc.Service, sized depth*64 and depth*16 respectively; their physical
// addresses are supplied directly since the pair never needs to call back
// into the memory service after construction.
func NewQueuePair(id uint16, depth uint16, subVirt, cplVirt []byte, subPhys, cplPhys uint64, regs *mmio.Window, dstrd uint8, logger *logging.Logger) *QueuePair {
	// completion entries start zeroed (phase 0); the queue's expected
	// phase starts at 1, per §4.2's phase rule.
	for i := range cplVirt {
		cplVirt[i] = 0
	}
	qp := &QueuePair{
		id:            id,
		depth:         depth,
		subVirt:       subVirt,
		cplVirt:       cplVirt,
		subPhys:       subPhys,
		cplPhys:       cplPhys,
		expectedPhase: 1,
		regs:          regs,
		dstrd:         dstrd,
		logger:        logger.WithQueue(int(id)),
	}
	return qp
}

func (q *QueuePair) ID() uint16    { return q.id }
func (q *QueuePair) Depth() uint16 { return q.depth }

func (q *QueuePair) submissionSlot(i uint16) *Command {
	return (*Command)(unsafe.Pointer(&q.subVirt[int(i)*int(unsafe.Sizeof(Command{}))]))
}

func (q *QueuePair) completionSlot(i uint16) *CompletionEntry {
	return (*CompletionEntry)(unsafe.Pointer(&q.cplVirt[int(i)*int(unsafe.Sizeof(CompletionEntry{}))]))
}

// ReserveSubmissionSlot locks the queue, computes the next submission slot,
// and advances the tail modulo depth, keeping the lock held: the returned
// slot must be filled and released with ReleaseSlot before any other
// submitter may proceed.
func (q *QueuePair) ReserveSubmissionSlot() (slot uint16, cmd *Command) {
	q.mu.Lock()
	slot = q.submissionTail
	cmd = q.submissionSlot(slot)
	q.submissionTail = (q.submissionTail + 1) % q.depth
	return slot, cmd
}

// ReleaseSlot releases the lock taken by ReserveSubmissionSlot, once the
// command fields have been written.
func (q *QueuePair) ReleaseSlot() {
	q.mu.Unlock()
}

// RingSubmissionDoorbell sets the waiting flag and writes the new
// submission tail to the doorbell register.
func (q *QueuePair) RingSubmissionDoorbell() {
	q.waiting.Store(true)
	q.regs.RingDoorbell(RegDoorbellBase, q.id, mmio.DoorbellSubmission, q.dstrd, uint32(q.submissionTailSnapshot()))
}

func (q *QueuePair) submissionTailSnapshot() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.submissionTail
}

// WaitForCompletion spins until the waiting flag is cleared by the
// interrupt path (DrainCompletions), then returns the completion entry at
// slot. ctx bounds the wait: a missing completion otherwise hangs the
// submitter indefinitely (§5's documented gap), so callers should derive
// ctx from a CAP.TO deadline or defaultCompletionTimeout.
func (q *QueuePair) WaitForCompletion(ctx context.Context, slot uint16) (*CompletionEntry, error) {
	for q.waiting.Load() {
		select {
		case <-ctx.Done():
			return nil, NewQueueError("wait_for_completion", int(q.id), ErrCodeResetTimeout, "completion wait deadline exceeded")
		default:
		}
	}
	return q.completionSlot(slot), nil
}

// DrainCompletions is invoked from the interrupt path: it locks the queue,
// masks its interrupts, scans forward from completionHead while phase tags
// match the expected phase, flips the expected phase exactly on every
// ring wrap, writes the new head to the completion doorbell once, unmasks,
// and clears waiting.
func (q *QueuePair) DrainCompletions() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.regs.Write32(RegINTMS, 1<<q.id)

	drained := 0
	for {
		entry := q.completionSlot(q.completionHead)
		if entry.Phase() != uint8(q.expectedPhase) {
			break
		}
		if q.completionHead == q.depth-1 {
			q.expectedPhase ^= 1
		}
		q.completionHead = (q.completionHead + 1) % q.depth
		drained++
	}

	if drained > 0 {
		q.regs.RingDoorbell(RegDoorbellBase, q.id, mmio.DoorbellCompletion, q.dstrd, uint32(q.completionHead))
	}

	q.regs.Write32(RegINTMC, 1<<q.id)
	q.waiting.Store(false)

	if drained > 0 {
		q.logger.Debug("drained completions", "count", drained, "head", q.completionHead)
	}
	return drained
}

// CompletionHead exposes the current completion head index, for tests
// verifying the phase-tag scan invariant.
func (q *QueuePair) CompletionHead() uint16 { return q.completionHead }

// ExpectedPhase exposes the queue's current expected phase, for tests.
func (q *QueuePair) ExpectedPhase() uint32 { return q.expectedPhase }

// SubmissionTail exposes the current submission tail index, for tests
// verifying submission monotonicity.
func (q *QueuePair) SubmissionTail() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.submissionTail
}

// defaultCompletionTimeout bounds WaitForCompletion for callers (Namespace's
// Read/Write) that don't derive their own deadline from CAP.TO.
const defaultCompletionTimeout = 30 * time.Second

// Execute reserves a slot, lets fill populate the command (CID is assigned
// automatically to the reserved slot index, per §3's "command id is the
// current submission-tail index at the moment the slot is reserved"),
// rings the doorbell, waits for the matching completion, and translates a
// non-zero status into a *Error. The caller supplies op purely for error
// attribution.
func (q *QueuePair) Execute(ctx context.Context, op string, fill func(cmd *Command)) (*CompletionEntry, error) {
	slot, cmd := q.ReserveSubmissionSlot()
	*cmd = Command{}
	fill(cmd)
	// command id is assigned as the reserved slot index; fill is only
	// responsible for the opcode (CDW0 bits 0-7) and the rest of the
	// command, not CID.
	cmd.CDW0 = (cmd.CDW0 & 0xFF) | uint32(slot)<<16
	q.ReleaseSlot()

	q.RingSubmissionDoorbell()

	entry, err := q.WaitForCompletion(ctx, slot)
	if err != nil {
		return nil, WrapError(op, err)
	}

	sct, sc := entry.Status()
	if sct != 0 || sc != 0 {
		return entry, NewCommandError(op, int(q.id), sct, sc)
	}
	return entry, nil
}
