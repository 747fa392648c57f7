package tmc

// Register offsets.
const (
	RSZ       uint32 = 0x004
	STS       uint32 = 0x00C
	RRD       uint32 = 0x010
	RRP       uint32 = 0x014
	RWP       uint32 = 0x018
	TRG       uint32 = 0x01C
	CTL       uint32 = 0x020
	RWD       uint32 = 0x024
	MODE      uint32 = 0x028
	LBUFLEVEL uint32 = 0x02C
	CBUFLEVEL uint32 = 0x030
	BUFWM     uint32 = 0x034
	RRPHI     uint32 = 0x038
	RWPHI     uint32 = 0x03C
	AXICTL    uint32 = 0x110
	DBALO     uint32 = 0x118
	DBAHI     uint32 = 0x11C
	FFSR      uint32 = 0x300
	FFCR      uint32 = 0x304
	PSCR      uint32 = 0x308
	LAR       uint32 = 0xFB0
	LSR       uint32 = 0xFB4
	DEVID     uint32 = 0xFC8
)

// UnlockKey opens the lock access register.
const UnlockKey uint32 = 0xC5ACCE55

// STS bits.
const (
	STSFull      uint32 = 1 << 0
	STSTriggered uint32 = 1 << 1
	STSTMCReady  uint32 = 1 << 2
)

// CTL bits.
const CTLTraceCaptEn uint32 = 1 << 0

// LSR bits.
const (
	LSRPresent uint32 = 1 << 0
	LSRLocked  uint32 = 1 << 1
)

// MODE values.
const (
	ModeCircularBuffer uint32 = 0
	ModeSWFIFO         uint32 = 1
	ModeHWFIFO         uint32 = 2
)

// FFCR bits.
const (
	FFCREnFmt       uint32 = 1 << 0
	FFCREnTI        uint32 = 1 << 1
	FFCRFOnFlIn     uint32 = 1 << 4
	FFCRFOnTrigEvt  uint32 = 1 << 5
	FFCRTrigOnTrgIn uint32 = 1 << 8
)

// AXICTL bits.
const (
	AXICTLProtCtrlBit1 uint32 = 1 << 1
	AXICTLAXCacheOS    uint32 = 0xF << 2
	AXICTLWrBurstLen16 uint32 = 0xF << 8
)

// DEVID configuration types.
const (
	DevIDConfigTypeMask uint32 = 0x3 << 6
	DevIDConfigTypeETB  uint32 = 0 << 6
	DevIDConfigTypeETR  uint32 = 1 << 6
	DevIDConfigTypeETF  uint32 = 2 << 6
)

const (
	triggerCount  = 8
	etfWatermark  = 0x800 - 1
	etrAXIControl = AXICTLProtCtrlBit1 | AXICTLWrBurstLen16 | AXICTLAXCacheOS
	etrFormatter  = FFCREnFmt | FFCREnTI | FFCRFOnFlIn | FFCRFOnTrigEvt |
		FFCRTrigOnTrgIn
)
