package pl330

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/sarchlab/xdma/physmem"
	"github.com/sarchlab/xdma/regs"
)

// A Peripheral blocks until peripheral periph requests a burst, or ctx ends.
type Peripheral func(ctx context.Context, periph int) error

// A Device is a behavioural model of the engine. Programs issued through the
// debug registers run on their own goroutine against physical memory.
type Device struct {
	bank        *regs.Bank
	mem         *physmem.Storage
	line        *regs.Line
	numChannels int

	mu      sync.Mutex
	periph  Peripheral
	threads []*thread
	wg      sync.WaitGroup
}

type thread struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDevice creates a device with numChannels channels, at most 8.
func NewDevice(
	name string,
	mem *physmem.Storage,
	line *regs.Line,
	numChannels int,
) *Device {
	if numChannels < 1 || numChannels > cr0NumChnlsMask+1 {
		panic("pl330 supports 1 to 8 channels")
	}

	d := &Device{
		bank:        regs.NewBank(name),
		mem:         mem,
		line:        line,
		numChannels: numChannels,
		threads:     make([]*thread, numChannels),
	}

	d.bank.Set(CR0, uint32(numChannels-1)<<cr0NumChnlsShift)
	d.bank.OnWrite(DBGCMD, d.onDebug)
	d.bank.OnWrite(INTCLR, d.onIntClr)

	return d
}

// Registers returns the register window of the device.
func (d *Device) Registers() *regs.Bank {
	return d.bank
}

// SetPeripheral installs the function that paces WFP.
func (d *Device) SetPeripheral(p Peripheral) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.periph = p
}

// Wait blocks until no channel thread is running.
func (d *Device) Wait() {
	d.wg.Wait()
}

// Close kills every channel thread.
func (d *Device) Close() {
	for ch := range d.threads {
		d.kill(ch)
	}

	d.wg.Wait()
}

func (d *Device) onIntClr(_, v uint32) {
	d.bank.ClearBits(INTMIS, v)
	d.bank.ClearBits(INTEVENTRIS, v)
}

func (d *Device) onDebug(_, v uint32) {
	if v != 0 {
		return
	}

	d.bank.SetBits(DBGSTATUS, DBGSTATUSBusy)
	defer d.bank.ClearBits(DBGSTATUS, DBGSTATUSBusy)

	ins0 := d.bank.Get(DBGINST0)
	ins1 := d.bank.Get(DBGINST1)

	op := byte(ins0 >> 16)
	onChannel := ins0&dbgThreadChannel != 0
	ch := int(ins0>>8) & cr0NumChnlsMask

	switch {
	case op&^0x2 == opGO && !onChannel:
		d.start(int(byte(ins0>>24)), ins1)
	case op == opKILL && onChannel:
		d.kill(ch)
	default:
		d.bank.Set(FTRD, FTRUndefInstr)
		d.bank.Set(FSRD, 1)
	}
}

func (d *Device) start(ch int, addr uint32) {
	if ch >= d.numChannels {
		d.bank.Set(FTRD, FTROperandInval)
		d.bank.Set(FSRD, 1)

		return
	}

	d.kill(ch)

	ctx, cancel := context.WithCancel(context.Background())
	t := &thread{cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	d.threads[ch] = t
	periph := d.periph
	d.mu.Unlock()

	d.bank.Set(CSR(ch), CSRExecuting)

	d.wg.Add(1)
	go d.run(ctx, t, ch, addr, periph)
}

func (d *Device) kill(ch int) {
	d.mu.Lock()
	t := d.threads[ch]
	d.threads[ch] = nil
	d.mu.Unlock()

	if t != nil {
		t.cancel()
		<-t.done
	}

	d.bank.ClearBits(FSRC, 1<<ch)
	d.bank.Set(FTR(ch), 0)
	d.bank.Set(CSR(ch), CSRStopped)
}

// executor holds the registers of one running channel.
type executor struct {
	d      *Device
	ch     int
	pc     uint32
	sar    uint32
	dar    uint32
	ccr    uint32
	lc     [2]uint32
	data   []byte
	periph Peripheral
}

func (d *Device) run(
	ctx context.Context,
	t *thread,
	ch int,
	addr uint32,
	periph Peripheral,
) {
	defer d.wg.Done()
	defer close(t.done)

	e := &executor{d: d, ch: ch, pc: addr, periph: periph}

	for ctx.Err() == nil {
		d.bank.Set(CPC(ch), e.pc)

		done, fault := e.step(ctx)
		if fault != 0 {
			e.fault(fault)
			return
		}

		if done {
			d.bank.Set(CSR(ch), CSRStopped)
			return
		}
	}
}

func (e *executor) fetch(n uint64) ([]byte, bool) {
	b, err := e.d.mem.Read(uint64(e.pc), n)
	return b, err == nil
}

// step executes one instruction. It returns a fault type when the channel
// faulted.
func (e *executor) step(ctx context.Context) (done bool, fault uint32) {
	b, ok := e.fetch(1)
	if !ok {
		return false, FTRChRdwrErr
	}

	op := b[0]

	switch {
	case op == opEND:
		return true, 0
	case op == opMOV:
		return false, e.mov()
	case op&^0x2 == opLP:
		return false, e.lp(int(op>>1) & 1)
	case op&0xE8 == opLPEND:
		return false, e.lpend(int(op>>2) & 1)
	case op&^0x3 == opLD:
		e.pc++
		return false, e.ld()
	case op&^0x3 == opST:
		e.pc++
		return false, e.st()
	case op&^0x3 == opWFP:
		return e.wfp(ctx)
	case op == opSEV:
		return false, e.sev()
	case op == opFLUSHP:
		e.pc += 2
		return false, 0
	default:
		return false, FTRUndefInstr
	}
}

func (e *executor) mov() uint32 {
	b, ok := e.fetch(6)
	if !ok {
		return FTRChRdwrErr
	}

	v := binary.LittleEndian.Uint32(b[2:])
	bank := e.d.bank

	switch b[1] {
	case RegSAR:
		e.sar = v
		bank.Set(SAR(e.ch), v)
	case RegCCR:
		e.ccr = v
		bank.Set(CCR(e.ch), v)
	case RegDAR:
		e.dar = v
		bank.Set(DAR(e.ch), v)
	default:
		return FTROperandInval
	}

	e.pc += 6

	return 0
}

func (e *executor) lp(idx int) uint32 {
	b, ok := e.fetch(2)
	if !ok {
		return FTRChRdwrErr
	}

	e.lc[idx] = uint32(b[1])
	e.d.bank.Set(e.lcReg(idx), e.lc[idx])
	e.pc += 2

	return 0
}

func (e *executor) lpend(idx int) uint32 {
	b, ok := e.fetch(2)
	if !ok {
		return FTRChRdwrErr
	}

	if e.lc[idx] == 0 {
		e.pc += 2
		return 0
	}

	e.lc[idx]--
	e.d.bank.Set(e.lcReg(idx), e.lc[idx])
	e.pc -= uint32(b[1])

	return 0
}

func (e *executor) lcReg(idx int) uint32 {
	if idx == 0 {
		return LC0(e.ch)
	}

	return LC1(e.ch)
}

func (e *executor) beatSize(shift int) uint64 {
	return 1 << ((e.ccr >> shift) & ccrSizeMask)
}

func (e *executor) ld() uint32 {
	n := e.beatSize(ccrSrcSizeShift)

	data, err := e.d.mem.Read(uint64(e.sar), n)
	if err != nil {
		return FTRDataReadErr
	}

	e.data = data

	if e.ccr&CCRSrcInc != 0 {
		e.sar += uint32(n)
		e.d.bank.Set(SAR(e.ch), e.sar)
	}

	return 0
}

func (e *executor) st() uint32 {
	n := e.beatSize(ccrDstSizeShift)
	if uint64(len(e.data)) < n {
		return FTROperandInval
	}

	if err := e.d.mem.Write(uint64(e.dar), e.data[:n]); err != nil {
		return FTRDataWriteErr
	}

	if e.ccr&CCRDstInc != 0 {
		e.dar += uint32(n)
		e.d.bank.Set(DAR(e.ch), e.dar)
	}

	return 0
}

func (e *executor) wfp(ctx context.Context) (bool, uint32) {
	b, ok := e.fetch(2)
	if !ok {
		return false, FTRChRdwrErr
	}

	if e.periph != nil {
		e.d.bank.Set(CSR(e.ch), CSRWFP)

		if err := e.periph(ctx, int(b[1]>>3)); err != nil {
			return true, 0
		}

		e.d.bank.Set(CSR(e.ch), CSRExecuting)
	}

	e.pc += 2

	return false, 0
}

func (e *executor) sev() uint32 {
	b, ok := e.fetch(2)
	if !ok {
		return FTRChRdwrErr
	}

	bit := uint32(1) << (b[1] >> 3)
	bank := e.d.bank

	bank.SetBits(INTEVENTRIS, bit)
	if bank.Get(INTEN)&bit != 0 {
		bank.SetBits(INTMIS, bit)
		e.d.line.Raise()
	}

	e.pc += 2

	return 0
}

func (e *executor) fault(ftr uint32) {
	bank := e.d.bank

	bank.Set(FTR(e.ch), ftr)
	bank.SetBits(FSRC, 1<<e.ch)
	bank.Set(CSR(e.ch), CSRFaulting)

	e.d.line.Raise()
}
