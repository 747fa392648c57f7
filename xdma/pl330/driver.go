// Package pl330 drives a PL330-style DMA engine that executes micro-programs.
//
// Every batch of submitted segments is compiled into one program that moves
// the segments one after the other and signals the channel's event when it
// is done. The program is written into an instruction buffer in physical
// memory and started through the debug registers.
package pl330

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xdma/physmem"
	"github.com/sarchlab/xdma/regs"
	"github.com/sarchlab/xdma/xdma"
)

const (
	// IdleCapacity is the number of bytes an idle channel accepts.
	IdleCapacity = 0x10000

	ibufSize = 4096

	// addrSpace bounds the addresses SAR and DAR can hold.
	addrSpace = 1 << 32
)

// Metadata selects the peripheral request line of a channel.
type Metadata struct {
	PeriphID int
}

// A Driver is the xdma backend of one engine.
type Driver struct {
	name         string
	log          *logrus.Logger
	mem          *physmem.Storage
	alloc        *physmem.Allocator
	pollRetries  int
	pollInterval time.Duration
	numChannels  int

	// hwMu guards the register window.
	hwMu sync.Mutex
	regs regs.Window

	mu    sync.Mutex
	chans []*channel
	ibufs []uint64
}

type channel struct {
	index     int
	xch       *xdma.Channel
	periph    int
	hasPeriph bool
	op        xdma.OperationType

	pending  []xdma.Submission
	inflight []xdma.Submission
	cyclic   []xdma.Submission
	period   int
	paused   bool
	stopped  bool
}

// Name returns the name of the driver.
func (d *Driver) Name() string {
	return d.name
}

// NumChannels returns the number of hardware channels.
func (d *Driver) NumChannels() int {
	return d.numChannels
}

// Caps returns the capabilities of the engine.
func (d *Driver) Caps() xdma.Caps {
	return xdma.Caps{
		MaxSegmentSize: IdleCapacity,
		Alignment:      4,
		Ops: []xdma.OperationType{
			xdma.Memcpy, xdma.ScatterGather, xdma.Cyclic,
		},
	}
}

// ParseMetadata takes the peripheral request line from a single cell.
func (d *Driver) ParseMetadata(cells []uint32) (any, error) {
	if len(cells) != 1 {
		return nil, fmt.Errorf("pl330 takes 1 metadata cell, got %d", len(cells))
	}

	return Metadata{PeriphID: int(cells[0])}, nil
}

// ChannelAlloc takes the lowest free hardware channel.
func (d *Driver) ChannelAlloc(ch *xdma.Channel) (int, error) {
	c := &channel{xch: ch}

	switch meta := ch.Metadata().(type) {
	case nil:
	case Metadata:
		c.periph, c.hasPeriph = meta.PeriphID, true
	case *Metadata:
		c.periph, c.hasPeriph = meta.PeriphID, true
	default:
		return -1, fmt.Errorf("%w: unexpected metadata %T",
			xdma.ErrConfiguration, meta)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for i, used := range d.chans {
		if used != nil {
			continue
		}

		if d.ibufs[i] == 0 {
			addr, err := d.alloc.Alloc(ibufSize, ibufSize)
			if err != nil {
				return -1, fmt.Errorf("%w: instruction buffer: %w",
					xdma.ErrNoCapacity, err)
			}

			d.ibufs[i] = addr
		}

		c.index = i
		d.chans[i] = c
		ch.SetBackendData(c)

		return i, nil
	}

	return -1, fmt.Errorf("%w: all %d channels in use",
		xdma.ErrNoCapacity, d.numChannels)
}

// ChannelFree stops the channel and returns it to the pool.
func (d *Driver) ChannelFree(ch *xdma.Channel) error {
	c := d.channel(ch)

	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if len(c.inflight) > 0 {
		err = d.stopLocked(c)
	}

	d.chans[c.index] = nil

	d.hwMu.Lock()
	d.regs.Write32(INTEN, d.regs.Read32(INTEN)&^(1<<c.index))
	d.hwMu.Unlock()

	return err
}

// Prep records the operation of the channel.
func (d *Driver) Prep(ch *xdma.Channel, op xdma.OperationType) error {
	c := d.channel(ch)

	if op == xdma.Cyclic {
		cfg := ch.Config()
		if cfg.BlockLen > IdleCapacity {
			return fmt.Errorf("period of %d bytes exceeds %d",
				cfg.BlockLen, IdleCapacity)
		}
	}

	d.mu.Lock()
	c.op = op
	d.mu.Unlock()

	return nil
}

// Submit queues the segments and starts a program if the channel is idle.
func (d *Driver) Submit(ch *xdma.Channel, subs []xdma.Submission) error {
	for _, s := range subs {
		if s.SrcAddr+s.Len > addrSpace || s.DstAddr+s.Len > addrSpace {
			return fmt.Errorf("%w: segment 0x%x->0x%x of %d bytes is beyond "+
				"the 32-bit address space", xdma.ErrConfiguration,
				s.SrcAddr, s.DstAddr, s.Len)
		}
	}

	c := d.channel(ch)

	d.mu.Lock()
	defer d.mu.Unlock()

	if c.op == xdma.Cyclic {
		c.cyclic = subs
		c.period = 0
		c.stopped = false

		if err := d.kickLocked(c); err != nil {
			c.cyclic = nil
			return err
		}

		return nil
	}

	c.pending = append(c.pending, subs...)
	c.stopped = false

	if err := d.kickLocked(c); err != nil {
		c.pending = c.pending[:len(c.pending)-len(subs)]
		return err
	}

	return nil
}

// Control pauses, resumes or stops a channel. Pause lets the running program
// finish and holds the rest.
func (d *Driver) Control(ch *xdma.Channel, cmd xdma.Command) error {
	c := d.channel(ch)

	d.mu.Lock()
	defer d.mu.Unlock()

	switch cmd {
	case xdma.CmdBegin:
		c.paused = false
		return d.kickLocked(c)
	case xdma.CmdPause:
		c.paused = true
		return nil
	case xdma.CmdTerminate, xdma.CmdTerminateAll:
		return d.stopLocked(c)
	}

	return fmt.Errorf("%w: unknown command %s", xdma.ErrConfiguration, cmd)
}

// Capacity reports IdleCapacity when no program runs and 0 otherwise.
func (d *Driver) Capacity(ch *xdma.Channel) (uint64, error) {
	c := d.channel(ch)

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(c.inflight) > 0 {
		return 0, nil
	}

	return IdleCapacity, nil
}

func (d *Driver) channel(ch *xdma.Channel) *channel {
	c, ok := ch.BackendData().(*channel)
	if !ok {
		panic("channel not allocated by pl330")
	}

	return c
}

func (d *Driver) stopLocked(c *channel) error {
	c.stopped = true
	c.pending = nil
	c.inflight = nil
	c.cyclic = nil

	d.hwMu.Lock()
	defer d.hwMu.Unlock()

	return d.debugLocked(KILL(), c.index, true)
}

// kickLocked starts the next program of an idle channel.
func (d *Driver) kickLocked(c *channel) error {
	if c.paused || c.stopped || len(c.inflight) > 0 {
		return nil
	}

	var batch []xdma.Submission

	switch {
	case c.op == xdma.Cyclic && len(c.cyclic) > 0:
		batch = c.cyclic[c.period : c.period+1]
	case len(c.pending) > 0:
		batch = c.pending
	default:
		return nil
	}

	p := &Program{}
	n := 0

	for _, s := range batch {
		start := p.Len()
		p.Transfer(c.block(s))

		// Room for SEV and END.
		if p.Len()+3 > ibufSize {
			p.Truncate(start)
			break
		}

		n++
	}

	if n == 0 {
		return fmt.Errorf("%w: segment of %d bytes does not fit a program",
			xdma.ErrConfiguration, batch[0].Len)
	}

	p.SEV(c.index)
	p.END()

	ibuf := d.ibufs[c.index]
	if err := d.mem.Write(ibuf, p.Bytes()); err != nil {
		return fmt.Errorf("write program: %w", err)
	}

	d.hwMu.Lock()
	bit := uint32(1) << c.index
	d.regs.Write32(INTCLR, bit)
	d.regs.Write32(INTEN, d.regs.Read32(INTEN)|bit)
	err := d.debugLocked(GO(c.index, uint32(ibuf)), 0, false)
	d.hwMu.Unlock()

	if err != nil {
		return err
	}

	c.inflight = batch[:n:n]
	if c.op != xdma.Cyclic {
		c.pending = c.pending[n:]
	}

	return nil
}

func (c *channel) block(s xdma.Submission) Block {
	b := Block{
		Src:    uint32(s.SrcAddr),
		Dst:    uint32(s.DstAddr),
		Len:    uint32(s.Len),
		Periph: c.periph,
	}

	switch s.Direction {
	case xdma.MemToDev:
		b.IncSrc = true
		b.WaitPeriph = c.hasPeriph
	case xdma.DevToMem:
		b.IncDst = true
		b.WaitPeriph = c.hasPeriph
	case xdma.MemToMem:
		b.IncSrc, b.IncDst = true, true
	case xdma.DevToDev:
		b.WaitPeriph = c.hasPeriph
	}

	return b
}

// debugLocked executes one instruction through the debug registers. ins is
// at most six bytes.
func (d *Driver) debugLocked(ins []byte, ch int, onChannel bool) error {
	for i := 0; d.regs.Read32(DBGSTATUS)&DBGSTATUSBusy != 0; i++ {
		if i >= d.pollRetries {
			return fmt.Errorf("%w: debug interface busy", xdma.ErrBackendTimeout)
		}

		time.Sleep(d.pollInterval)
	}

	var buf [6]byte
	copy(buf[:], ins)

	v0 := uint32(buf[1])<<24 | uint32(buf[0])<<16 | uint32(ch)<<8
	if onChannel {
		v0 |= dbgThreadChannel
	}

	v1 := uint32(buf[5])<<24 | uint32(buf[4])<<16 |
		uint32(buf[3])<<8 | uint32(buf[2])

	d.regs.Write32(DBGINST0, v0)
	d.regs.Write32(DBGINST1, v1)
	d.regs.Write32(DBGCMD, 0)

	return nil
}

// intr services the interrupt line. Events are numbered after channels.
func (d *Driver) intr() {
	d.hwMu.Lock()
	events := d.regs.Read32(INTMIS)
	d.regs.Write32(INTCLR, events)

	faults := d.regs.Read32(FSRC)
	ftrs := make(map[int]uint32)

	for f := faults; f != 0; f &= f - 1 {
		i := bits.TrailingZeros32(f)
		ftrs[i] = d.regs.Read32(FTR(i))

		if err := d.debugLocked(KILL(), i, true); err != nil {
			d.log.WithError(err).WithField("hw_index", i).
				Error("cannot kill faulting channel")
		}
	}
	d.hwMu.Unlock()

	for i := 0; i < d.numChannels; i++ {
		bit := uint32(1) << i
		if (events|faults)&bit == 0 {
			continue
		}

		var err error
		if faults&bit != 0 {
			err = fmt.Errorf("%w: channel %d fault 0x%x",
				xdma.ErrProtocol, i, ftrs[i])
		}

		d.finish(i, err)
	}
}

// finish retires the running program of channel i and starts the next one.
func (d *Driver) finish(i int, progErr error) {
	d.mu.Lock()

	c := d.chans[i]
	if c == nil || len(c.inflight) == 0 {
		d.mu.Unlock()
		d.log.WithFields(logrus.Fields{
			"driver":   d.name,
			"hw_index": i,
		}).Debug("spurious interrupt")

		return
	}

	batch := c.inflight
	c.inflight = nil
	cyclic := c.op == xdma.Cyclic

	if cyclic && progErr == nil {
		c.period = (c.period + 1) % len(c.cyclic)
	} else if cyclic {
		c.stopped = true
	}

	kickErr := d.kickLocked(c)
	xch := c.xch
	d.mu.Unlock()

	ctrl := xch.Controller()

	if cyclic {
		ctrl.CompleteCyclic(i, xdma.Status{Err: progErr, Transferred: batch[0].Len})
	} else {
		results := make([]xdma.Status, len(batch))
		for j, s := range batch {
			results[j] = xdma.Status{Err: progErr, Transferred: s.Len}
			if progErr != nil {
				results[j].Transferred = 0
			}
		}

		ctrl.Complete(i, results...)
	}

	if kickErr != nil {
		d.failPending(i, kickErr)
	}
}

// failPending retires everything queued on channel i with err.
func (d *Driver) failPending(i int, err error) {
	d.mu.Lock()

	c := d.chans[i]
	if c == nil {
		d.mu.Unlock()
		return
	}

	pending := c.pending
	c.pending = nil
	xch := c.xch
	d.mu.Unlock()

	d.log.WithError(err).WithField("hw_index", i).Error("cannot start program")

	if len(pending) == 0 {
		return
	}

	results := make([]xdma.Status, len(pending))
	for j := range results {
		results[j] = xdma.Status{Err: err}
	}

	xch.Controller().Complete(i, results...)
}
