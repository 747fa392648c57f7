// Package softdma moves data between memory and an on-chip memory FIFO in
// software.
//
// Each channel runs a worker goroutine. The worker parks until it is woken
// by a submission, by Begin, or by the FIFO interrupt, and then works
// through its descriptors in order. Every descriptor is one packet: a
// transmit descriptor is pushed into the FIFO word by word with start and end
// of packet markers, and a receive descriptor takes one packet out.
package softdma

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xdma/physmem"
	"github.com/sarchlab/xdma/regs"
	"github.com/sarchlab/xdma/xdma"
)

// A Driver is the xdma backend of one FIFO.
type Driver struct {
	name         string
	log          *logrus.Logger
	mem          *physmem.Storage
	depth        uint32
	pollRetries  int
	pollInterval time.Duration
	idlePoll     time.Duration

	// fifoMu serializes access to the FIFO windows between workers.
	fifoMu  sync.Mutex
	data    regs.Window
	control regs.Window

	mu    sync.Mutex
	chans []*channel
	wg    sync.WaitGroup
}

type channel struct {
	index int
	xch   *xdma.Channel
	wake  chan struct{}
	quit  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	op     xdma.OperationType
	queue  []xdma.Submission
	cyclic []xdma.Submission
	period int
	paused bool
	ctx    context.Context
	cancel context.CancelFunc
}

// Name returns the name of the driver.
func (d *Driver) Name() string {
	return d.name
}

// NumChannels returns the number of channels the driver can run.
func (d *Driver) NumChannels() int {
	return len(d.chans)
}

// Caps returns the capabilities of the driver. Segments are not limited in
// size because the worker moves them word by word.
func (d *Driver) Caps() xdma.Caps {
	return xdma.Caps{
		Alignment: 1,
		Ops: []xdma.OperationType{
			xdma.Memcpy, xdma.ScatterGather, xdma.Cyclic,
		},
	}
}

// ChannelAlloc takes the lowest free channel and starts its worker.
func (d *Driver) ChannelAlloc(ch *xdma.Channel) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, used := range d.chans {
		if used != nil {
			continue
		}

		c := &channel{
			index: i,
			xch:   ch,
			wake:  make(chan struct{}, 1),
			quit:  make(chan struct{}),
		}
		c.ctx, c.cancel = context.WithCancel(context.Background())

		d.chans[i] = c
		ch.SetBackendData(c)

		d.wg.Add(1)
		go d.worker(c)

		return i, nil
	}

	return -1, fmt.Errorf("%w: all %d channels in use",
		xdma.ErrNoCapacity, len(d.chans))
}

// ChannelFree stops the worker and returns the hardware index to the pool.
// A worker still finishing a cancelled packet never completes into the next
// owner of the index.
func (d *Driver) ChannelFree(ch *xdma.Channel) error {
	c := d.channel(ch)

	c.mu.Lock()
	c.cancel()
	c.queue = nil
	c.cyclic = nil
	c.mu.Unlock()

	c.stop()
	d.release(c)

	return nil
}

// Prep records the operation of the channel.
func (d *Driver) Prep(ch *xdma.Channel, op xdma.OperationType) error {
	c := d.channel(ch)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.op = op

	return nil
}

// Submit queues the descriptors and wakes the worker.
func (d *Driver) Submit(ch *xdma.Channel, subs []xdma.Submission) error {
	for _, s := range subs {
		if s.Direction == xdma.DevToDev {
			return fmt.Errorf("%w: FIFO cannot move device to device",
				xdma.ErrConfiguration)
		}
	}

	c := d.channel(ch)

	c.mu.Lock()
	if c.op == xdma.Cyclic {
		c.cyclic = subs
		c.period = 0
	} else {
		c.queue = append(c.queue, subs...)
	}

	rx := false
	for _, s := range subs {
		rx = rx || s.Direction == xdma.DevToMem
	}
	c.mu.Unlock()

	if rx {
		d.fifoMu.Lock()
		d.control.Write32(INTENABLE, rxEvents)
		d.fifoMu.Unlock()
	}

	c.notify()

	return nil
}

// Control starts, pauses or stops a channel. Pause takes effect between
// descriptors.
func (d *Driver) Control(ch *xdma.Channel, cmd xdma.Command) error {
	c := d.channel(ch)

	c.mu.Lock()

	switch cmd {
	case xdma.CmdBegin:
		c.paused = false
		c.mu.Unlock()
		c.notify()

		return nil
	case xdma.CmdPause:
		c.paused = true
	case xdma.CmdTerminate, xdma.CmdTerminateAll:
		c.cancel()
		c.ctx, c.cancel = context.WithCancel(context.Background())
		c.queue = nil
		c.cyclic = nil
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: unknown command %s", xdma.ErrConfiguration, cmd)
	}

	c.mu.Unlock()

	return nil
}

// Capacity reports the free words of the FIFO in bytes.
func (d *Driver) Capacity(*xdma.Channel) (uint64, error) {
	d.fifoMu.Lock()
	defer d.fifoMu.Unlock()

	level := d.control.Read32(FILLLEVEL)
	if level >= d.depth {
		return 0, nil
	}

	return uint64(d.depth-level) * 4, nil
}

// Close stops every worker and waits for them.
func (d *Driver) Close() {
	d.mu.Lock()
	for _, c := range d.chans {
		if c == nil {
			continue
		}

		c.mu.Lock()
		c.cancel()
		c.mu.Unlock()

		c.stop()
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Driver) channel(ch *xdma.Channel) *channel {
	c, ok := ch.BackendData().(*channel)
	if !ok {
		panic("channel not allocated by softdma")
	}

	return c
}

func (c *channel) stop() {
	c.once.Do(func() { close(c.quit) })
}

func (c *channel) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// intr acknowledges the FIFO events and wakes every worker.
func (d *Driver) intr() {
	d.fifoMu.Lock()
	events := d.control.Read32(EVENT)
	if events != 0 {
		d.control.Write32(EVENT, events)
	}
	d.fifoMu.Unlock()

	if events == 0 {
		return
	}

	d.log.WithFields(logrus.Fields{
		"driver": d.name,
		"events": fmt.Sprintf("0x%x", events),
	}).Trace("FIFO interrupt")

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, c := range d.chans {
		if c != nil {
			c.notify()
		}
	}
}

func (d *Driver) worker(c *channel) {
	defer d.wg.Done()
	defer d.release(c)

	idle := time.NewTicker(d.idlePoll)
	defer idle.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-c.wake:
		case <-idle.C:
		}

		d.process(c)
	}
}

func (d *Driver) release(c *channel) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.chans[c.index] == c {
		d.chans[c.index] = nil
	}
}

// process works through the descriptors of c until it runs out, is paused,
// or waits for data that has not arrived.
func (d *Driver) process(c *channel) {
	for {
		c.mu.Lock()

		var (
			s  xdma.Submission
			ok bool
		)

		switch {
		case c.paused:
		case c.op == xdma.Cyclic && len(c.cyclic) > 0:
			s, ok = c.cyclic[c.period], true
		case c.op != xdma.Cyclic && len(c.queue) > 0:
			s, ok = c.queue[0], true
		}

		ctx := c.ctx
		c.mu.Unlock()

		if !ok {
			return
		}

		n, idle, err := d.transfer(ctx, s)
		if idle {
			return
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return
		}

		cyclic := c.op == xdma.Cyclic
		if cyclic {
			c.period = (c.period + 1) % len(c.cyclic)
			if err != nil {
				c.cyclic = nil
			}
		} else {
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()

		st := xdma.Status{Err: err, Transferred: n}
		if err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{
				"driver":   d.name,
				"hw_index": c.index,
				"desc":     s.Desc,
			}).Warn("transfer failed")
		}

		if cyclic {
			c.xch.CompleteCyclic(st)
		} else {
			c.xch.Complete(st)
		}
	}
}

// transfer runs one descriptor. idle tells that a receive descriptor found no
// data and was left alone.
func (d *Driver) transfer(
	ctx context.Context,
	s xdma.Submission,
) (n uint64, idle bool, err error) {
	switch s.Direction {
	case xdma.MemToMem:
		n, err = d.copy(s)
	case xdma.MemToDev:
		n, err = d.transmit(ctx, s)
	case xdma.DevToMem:
		n, idle, err = d.receive(ctx, s)
	default:
		err = fmt.Errorf("%w: direction %s", xdma.ErrConfiguration, s.Direction)
	}

	return n, idle, err
}

func (d *Driver) copy(s xdma.Submission) (uint64, error) {
	data, err := d.mem.Read(s.SrcAddr, s.Len)
	if err != nil {
		return 0, fmt.Errorf("%w: read 0x%x: %w", xdma.ErrProtocol, s.SrcAddr, err)
	}

	if err := d.mem.Write(s.DstAddr, data); err != nil {
		return 0, fmt.Errorf("%w: write 0x%x: %w", xdma.ErrProtocol, s.DstAddr, err)
	}

	return s.Len, nil
}

// transmit pushes one packet into the FIFO. Bytes go most significant first;
// the last word carries the end of packet marker and the number of unused
// bytes.
func (d *Driver) transmit(ctx context.Context, s xdma.Submission) (uint64, error) {
	data, err := d.mem.Read(s.SrcAddr, s.Len)
	if err != nil {
		return 0, fmt.Errorf("%w: read 0x%x: %w", xdma.ErrProtocol, s.SrcAddr, err)
	}

	d.fifoMu.Lock()
	defer d.fifoMu.Unlock()

	words := (len(data) + 3) / 4
	meta := MetaSOP

	for i := 0; i < words; i++ {
		if err := d.waitLocked(ctx, func(level uint32) bool {
			return level < d.depth
		}); err != nil {
			return 0, fmt.Errorf("FIFO full after %d of %d words: %w",
				i, words, err)
		}

		lo := i * 4
		hi := min(lo+4, len(data))

		if i == words-1 {
			meta |= MetaEOP | uint32(4-(hi-lo))<<MetaEmptyShift
		}

		d.data.Write32(METADATA, meta)
		d.data.Write32(DATA, packWord(data[lo:hi]))
		meta = 0
	}

	return s.Len, nil
}

// receive takes one packet out of the FIFO into the segment.
func (d *Driver) receive(
	ctx context.Context,
	s xdma.Submission,
) (uint64, bool, error) {
	d.fifoMu.Lock()

	if d.control.Read32(FILLLEVEL) == 0 {
		d.fifoMu.Unlock()
		return 0, true, nil
	}

	packet, err := d.readPacketLocked(ctx, s.Len)
	d.fifoMu.Unlock()

	if err != nil {
		return 0, false, err
	}

	if err := d.mem.Write(s.DstAddr, packet); err != nil {
		return 0, false, fmt.Errorf("%w: write 0x%x: %w",
			xdma.ErrProtocol, s.DstAddr, err)
	}

	return uint64(len(packet)), false, nil
}

func (d *Driver) readPacketLocked(ctx context.Context, limit uint64) ([]byte, error) {
	var (
		packet []byte
		sop    bool
	)

	for {
		data := d.data.Read32(DATA)
		meta := d.data.Read32(METADATA)
		eop := meta&MetaEOP != 0

		if err := d.checkMeta(meta, sop); err != nil {
			// A word outside any packet is dropped on its own.
			if !eop && (sop || meta&MetaSOP != 0) {
				d.skipPacketLocked()
			}

			return nil, err
		}

		sop = true

		n := 4
		if eop {
			n -= int((meta & MetaEmptyMask) >> MetaEmptyShift)
		}

		packet = append(packet, unpackWord(data, n)...)

		if uint64(len(packet)) > limit {
			if !eop {
				d.skipPacketLocked()
			}

			return nil, fmt.Errorf("%w: packet exceeds %d byte buffer",
				xdma.ErrProtocol, limit)
		}

		if eop {
			return packet, nil
		}

		if err := d.waitLocked(ctx, func(level uint32) bool {
			return level > 0
		}); err != nil {
			return nil, fmt.Errorf("no end of packet after %d bytes: %w",
				len(packet), err)
		}
	}
}

func (d *Driver) checkMeta(meta uint32, sop bool) error {
	switch {
	case meta&MetaErrorMask != 0:
		return fmt.Errorf("%w: receive error 0x%x", xdma.ErrProtocol,
			(meta&MetaErrorMask)>>MetaErrorShift)
	case meta&MetaChannelMask != 0:
		return fmt.Errorf("%w: unexpected channel %d", xdma.ErrProtocol,
			(meta&MetaChannelMask)>>MetaChannelShift)
	case !sop && meta&MetaSOP == 0:
		return fmt.Errorf("%w: data before start of packet", xdma.ErrProtocol)
	case meta&MetaEOP != 0 && (meta&MetaEmptyMask)>>MetaEmptyShift > 3:
		return fmt.Errorf("%w: %d empty bytes", xdma.ErrProtocol,
			(meta&MetaEmptyMask)>>MetaEmptyShift)
	}

	return nil
}

// skipPacketLocked discards what is left of a broken packet, up to its end
// or until the FIFO runs dry.
func (d *Driver) skipPacketLocked() {
	for d.control.Read32(FILLLEVEL) > 0 {
		d.data.Read32(DATA)

		if d.data.Read32(METADATA)&MetaEOP != 0 {
			return
		}
	}
}

// waitLocked polls the fill level until ready accepts it, up to the poll
// retry budget.
func (d *Driver) waitLocked(ctx context.Context, ready func(level uint32) bool) error {
	for i := 0; ; i++ {
		if ready(d.control.Read32(FILLLEVEL)) {
			return nil
		}

		if i >= d.pollRetries {
			return fmt.Errorf("%w: %d polls", xdma.ErrBackendTimeout, i)
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", xdma.ErrCancelled, err)
		}

		time.Sleep(d.pollInterval)
	}
}
