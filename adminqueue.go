package gonvme

import (
	"context"
	"encoding/binary"

	"github.com/dboyd/gonvme/internal/logging"
	"github.com/dboyd/gonvme/internal/memsvc"
)

// AdminQueue is the queue pair with id 0, used for controller-management
// commands: Identify, Namespace Attach, and I/O queue creation (§4.3).
type AdminQueue struct {
	*QueuePair
	logger *logging.Logger
}

// NewAdminQueue wraps a queue pair (constructed with id 0) as an AdminQueue.
func NewAdminQueue(qp *QueuePair, logger *logging.Logger) *AdminQueue {
	return &AdminQueue{QueuePair: qp, logger: logger.WithComponent("NVMEAdmin")}
}

// Identify issues a CNS-selected Identify whose data the controller writes
// into the caller-supplied, page-aligned 4 KiB buffer at bufferPA (placed in
// PRP1); it returns only the command's error. cns=0x01 is controller
// identify, cns=0x02 is the active namespace id list, cns=0x00 is namespace
// identify for nsid.
func (a *AdminQueue) Identify(ctx context.Context, bufferPA uint64, cns uint16, nsid uint32) error {
	_, err := a.Execute(ctx, "identify", func(cmd *Command) {
		cmd.CDW0 = OpAdminIdentify
		cmd.NSID = nsid
		cmd.PRP1 = bufferPA
		cmd.CDW10 = uint32(cns)
	})
	return err
}

// AttachNamespace attaches nsid to controllerID. Status 0x18 (already
// attached) and 0x02 (unsupported) are non-fatal per §4.3/§7: this method
// logs them at info level and returns nil.
func (a *AdminQueue) AttachNamespace(ctx context.Context, mem memsvc.Service, controllerID uint16, nsid uint32) error {
	page, err := mem.MapIO(PageSize)
	if err != nil {
		return WrapError("attach_namespace", err)
	}
	defer mem.Free(page)

	binary.LittleEndian.PutUint16(page[0:2], 1) // count
	binary.LittleEndian.PutUint16(page[2:4], controllerID)

	_, err = a.Execute(ctx, "attach_namespace", func(cmd *Command) {
		cmd.CDW0 = OpAdminNamespaceAttachment
		cmd.NSID = nsid
		cmd.PRP1 = mem.PhysicalAddress(page)
		cmd.CDW10 = 0 // attach
	})

	if sct, sc, ok := CommandStatus(err); ok {
		if sc == StatusNamespaceAlreadyAttached || sc == StatusCommandNotSupported {
			a.logger.Info("namespace attach non-fatal status", "nsid", nsid, "sct", sct, "sc", sc)
			return nil
		}
	}
	return err
}

// CreateIOCompletionQueue issues Create I/O Completion Queue for qid/depth,
// with interrupts enabled on vector 0.
func (a *AdminQueue) CreateIOCompletionQueue(ctx context.Context, qid, depth uint16, cqBasePA uint64) error {
	_, err := a.Execute(ctx, "create_io_completion_queue", func(cmd *Command) {
		cmd.CDW0 = OpAdminCreateIOCompletionQueue
		cmd.PRP1 = cqBasePA
		cmd.CDW10 = uint32(depth-1)<<16 | uint32(qid)
		const interruptVector = 0
		const interruptEnable = 1
		const physContig = 1
		cmd.CDW11 = uint32(interruptVector)<<16 | interruptEnable<<1 | physContig
	})
	return err
}

// CreateIOSubmissionQueue issues Create I/O Submission Queue for qid/depth,
// bound to completion queue cqID. Must be called after
// CreateIOCompletionQueue for the same cqID: the submission queue
// references its completion queue.
func (a *AdminQueue) CreateIOSubmissionQueue(ctx context.Context, qid, depth uint16, sqBasePA uint64, cqID uint16) error {
	_, err := a.Execute(ctx, "create_io_submission_queue", func(cmd *Command) {
		cmd.CDW0 = OpAdminCreateIOSubmissionQueue
		cmd.PRP1 = sqBasePA
		cmd.CDW10 = uint32(depth-1)<<16 | uint32(qid)
		const priority = 3
		const physContig = 1
		cmd.CDW11 = uint32(cqID)<<16 | priority<<1 | physContig
	})
	return err
}
