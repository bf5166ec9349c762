package gonvme

// Register byte offsets within the controller's memory-mapped BAR, per
// NVMe 1.4 §3.1.
const (
	RegCAP    = 0x00 // Controller Capabilities, 64-bit
	RegVS     = 0x08 // Version
	RegINTMS  = 0x0C // Interrupt Mask Set
	RegINTMC  = 0x10 // Interrupt Mask Clear
	RegCC     = 0x14 // Controller Configuration
	RegCSTS   = 0x1C // Controller Status
	RegAQA    = 0x24 // Admin Queue Attributes
	RegASQ    = 0x28 // Admin Submission Queue Base Address, 64-bit
	RegACQ    = 0x30 // Admin Completion Queue Base Address, 64-bit
	RegDoorbellBase = 0x1000
)

// CC (Controller Configuration) field shifts/widths.
const (
	ccEnShift    = 0
	ccCSSShift   = 4
	ccMPSShift   = 7
	ccAMSShift   = 11
	ccSHNShift   = 14
	ccIOSQESShift = 16
	ccIOCQESShift = 20
)

// CSTS (Controller Status) bit positions.
const (
	cstsRDYBit = 0
	cstsCFSBit = 1
	cstsSHSTShift = 2
	cstsSHSTMask  = 0x3
)

// Queue entry size log2 values: these are log2(bytes), not the queue
// depth. A 64-byte submission entry is 1<<6; a 16-byte completion entry is
// 1<<4.
const (
	IOSQES = 6
	IOCQES = 4
)

// DefaultQueueDepth is the number of entries allocated for the admin and I/O
// queue pairs when the caller doesn't request otherwise, matching the
// teaching source's own default; readCapabilities clamps this down to the
// controller's MQES at runtime if the hardware can't support it.
const DefaultQueueDepth = 128

// Admin command opcodes, NVMe 1.4 §5.
const (
	OpAdminCreateIOSubmissionQueue = 0x01
	OpAdminCreateIOCompletionQueue = 0x05
	OpAdminIdentify                = 0x06
	OpAdminNamespaceAttachment     = 0x15
)

// I/O command opcodes, NVMe 1.4 §6 (NVM command set).
const (
	OpIOWrite = 0x01
	OpIORead  = 0x02
)

// Identify CNS values.
const (
	IdentifyCNSNamespace          = 0x00
	IdentifyCNSController         = 0x01
	IdentifyCNSActiveNamespaceList = 0x02
)

// Namespace attachment status codes that are non-fatal per §4.3/§7.
const (
	StatusNamespaceAlreadyAttached = 0x18
	StatusCommandNotSupported      = 0x02
)

// MaxBlocksPerCommand is the largest block count a single NVMe read/write
// command can carry: the "number of logical blocks" field is a zero-based
// 16-bit quantity, so the maximum representable count is 65536.
const MaxBlocksPerCommand = 65536

// PageSize is the fixed 4 KiB memory page size this driver assumes
// (CC.MPS = 0).
const PageSize = 4096

// prpEntriesPerPage is the number of 64-bit PRP pointers that fit in one
// 4 KiB PRP-list page.
const prpEntriesPerPage = PageSize / 8

// PCI class/subclass this driver scans for, per §6.
const (
	PCIClassMassStorage = 0x01
	PCISubclassNVMe     = 0x08
)
