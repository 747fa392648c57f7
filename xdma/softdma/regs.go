package softdma

// Data window registers.
const (
	DATA     uint32 = 0x0
	METADATA uint32 = 0x4
)

// Control window registers.
const (
	FILLLEVEL   uint32 = 0x0
	ISTATUS     uint32 = 0x4
	EVENT       uint32 = 0x8
	INTENABLE   uint32 = 0xC
	ALMOSTFULL  uint32 = 0x10
	ALMOSTEMPTY uint32 = 0x14
)

// Metadata fields.
const (
	MetaSOP          uint32 = 1 << 0
	MetaEOP          uint32 = 1 << 1
	MetaEmptyMask    uint32 = 0x3c
	MetaEmptyShift          = 2
	MetaChannelMask  uint32 = 0xff00
	MetaChannelShift        = 8
	MetaErrorMask    uint32 = 0xff0000
	MetaErrorShift          = 16
)

// Status and event bits.
const (
	IntrFull        uint32 = 1 << 0
	IntrEmpty       uint32 = 1 << 1
	IntrAlmostFull  uint32 = 1 << 2
	IntrAlmostEmpty uint32 = 1 << 3
	IntrOverflow    uint32 = 1 << 4
	IntrUnderflow   uint32 = 1 << 5
)

// DefaultDepth is the number of words the FIFO holds.
const DefaultDepth = 16

const rxEvents = IntrFull | IntrOverflow | IntrUnderflow
