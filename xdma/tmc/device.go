package tmc

import (
	"sync"

	"github.com/sarchlab/xdma/physmem"
	"github.com/sarchlab/xdma/regs"
)

// A Device is a behavioural model of a trace memory controller configured as
// an embedded trace router. While capture is enabled, trace bytes given to
// Emit are written into the circular buffer in physical memory.
type Device struct {
	bank *regs.Bank
	mem  *physmem.Storage

	mu         sync.Mutex
	capturing  bool
	refuse     bool
	readyDelay int
	stsReads   int
	unlocked   bool
	emitted    uint64
}

// NewDevice creates a device of the given configuration type.
func NewDevice(name string, mem *physmem.Storage, configType uint32) *Device {
	d := &Device{
		bank: regs.NewBank(name),
		mem:  mem,
	}

	d.bank.Set(DEVID, configType&DevIDConfigTypeMask)
	d.bank.Set(LSR, LSRPresent|LSRLocked)
	d.bank.Set(STS, STSTMCReady)

	d.bank.OnWrite(LAR, d.onLAR)
	d.bank.OnWrite(CTL, d.onCTL)
	d.bank.OnRead(STS, d.readSTS)

	return d
}

// Registers returns the register window of the device.
func (d *Device) Registers() *regs.Bank {
	return d.bank
}

// Unlocked tells whether the lock access register has been opened.
func (d *Device) Unlocked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.unlocked
}

// Capturing tells whether trace capture is enabled.
func (d *Device) Capturing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.capturing
}

// SetReadyDelay makes TMCREADY read as clear for the next n status reads
// after capture stops.
func (d *Device) SetReadyDelay(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.readyDelay = n
}

// RefuseCapture makes the capture enable bit not stick.
func (d *Device) RefuseCapture(refuse bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.refuse = refuse
}

// Emitted returns the number of bytes captured so far.
func (d *Device) Emitted() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.emitted
}

// Emit captures trace bytes at the write pointer. The write pointer wraps at
// the end of the buffer and every wrap sets FULL. It returns the number
// of bytes captured, which is zero while capture is disabled.
func (d *Device) Emit(data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.capturing {
		return 0, nil
	}

	base := uint64(d.bank.Get(DBAHI))<<32 | uint64(d.bank.Get(DBALO))
	size := uint64(d.bank.Get(RSZ)) * 4

	if size == 0 {
		return 0, nil
	}

	rwp := uint64(d.bank.Get(RWPHI))<<32 | uint64(d.bank.Get(RWP))
	if rwp < base || rwp >= base+size {
		rwp = base
	}

	for n := 0; n < len(data); {
		chunk := min(uint64(len(data)-n), base+size-rwp)

		if err := d.mem.Write(rwp, data[n:n+int(chunk)]); err != nil {
			return n, err
		}

		n += int(chunk)
		rwp += chunk

		if rwp == base+size {
			rwp = base
			d.bank.SetBits(STS, STSFull)
		}
	}

	d.emitted += uint64(len(data))
	d.bank.Set(RWP, uint32(rwp))
	d.bank.Set(RWPHI, uint32(rwp>>32))

	return len(data), nil
}

func (d *Device) onLAR(_, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.unlocked = v == UnlockKey
	if d.unlocked {
		d.bank.ClearBits(LSR, LSRLocked)
	} else {
		d.bank.SetBits(LSR, LSRLocked)
	}
}

func (d *Device) onCTL(_, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	enable := v&CTLTraceCaptEn != 0

	if enable && d.refuse {
		d.bank.ClearBits(CTL, CTLTraceCaptEn)
		return
	}

	if enable == d.capturing {
		return
	}

	d.capturing = enable
	d.stsReads = 0
	d.bank.ClearBits(STS, STSTMCReady)
}

func (d *Device) readSTS(uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.capturing {
		if d.stsReads >= d.readyDelay {
			d.bank.SetBits(STS, STSTMCReady)
		}

		d.stsReads++
	}

	return d.bank.Get(STS)
}
