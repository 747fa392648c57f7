package pl330

// Register offsets.
const (
	DSR         = 0x000
	DPC         = 0x004
	INTEN       = 0x020
	INTEVENTRIS = 0x024
	INTMIS      = 0x028
	INTCLR      = 0x02C
	FSRD        = 0x030
	FSRC        = 0x034
	FTRD        = 0x038
	DBGSTATUS   = 0xD00
	DBGCMD      = 0xD04
	DBGINST0    = 0xD08
	DBGINST1    = 0xD0C
	CR0         = 0xE00
	CRD         = 0xE14
)

// FTR is the fault type register of channel n.
func FTR(n int) uint32 { return 0x040 + 4*uint32(n) }

// CSR is the status register of channel n.
func CSR(n int) uint32 { return 0x100 + 8*uint32(n) }

// CPC is the program counter of channel n.
func CPC(n int) uint32 { return 0x104 + 8*uint32(n) }

// SAR is the source address register of channel n.
func SAR(n int) uint32 { return 0x400 + 0x20*uint32(n) }

// DAR is the destination address register of channel n.
func DAR(n int) uint32 { return 0x404 + 0x20*uint32(n) }

// CCR is the channel control register of channel n.
func CCR(n int) uint32 { return 0x408 + 0x20*uint32(n) }

// LC0 is loop counter 0 of channel n.
func LC0(n int) uint32 { return 0x40C + 0x20*uint32(n) }

// LC1 is loop counter 1 of channel n.
func LC1(n int) uint32 { return 0x410 + 0x20*uint32(n) }

// Channel control bits.
const (
	CCRSrcInc   = 1 << 0
	CCRDstInc   = 1 << 14
	CCRDstProt1 = 1 << 22

	ccrSrcSizeShift = 1
	ccrDstSizeShift = 15
	ccrSizeMask     = 0x7
)

// Channel status, the low nibble of CSR.
const (
	CSRStopped   = 0x0
	CSRExecuting = 0x1
	CSRWFP       = 0x7
	CSRKilling   = 0x8
	CSRFaulting  = 0xF
	csrStateMask = 0xF
)

// Fault types reported in FTR.
const (
	FTRUndefInstr   = 1 << 0
	FTROperandInval = 1 << 1
	FTRChRdwrErr    = 1 << 5
	FTRDataReadErr  = 1 << 18
	FTRDataWriteErr = 1 << 17
)

// DBGSTATUSBusy is set while a debug instruction is being executed.
const DBGSTATUSBusy = 1 << 0

// dbgThreadChannel selects a channel thread in DBGINST0. Clear selects the
// manager thread.
const dbgThreadChannel = 1 << 0

const (
	cr0NumChnlsShift = 4
	cr0NumChnlsMask  = 0x7
)

// Registers of the MOV instruction.
const (
	RegSAR = 0
	RegCCR = 1
	RegDAR = 2
)
