// Package tmc drives a trace memory controller as a fixed-function xdma
// backend.
//
// As an embedded trace router the controller streams trace data into a
// circular buffer in memory on its own. A FIFO channel points it at the
// buffer, starts capture on Begin, and reports how far it has written
// through StreamPosition. Nothing is ever submitted and nothing completes.
// As an embedded trace FIFO it is configured once when the driver is built
// and offers no channel operations.
package tmc

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xdma/regs"
	"github.com/sarchlab/xdma/xdma"
)

// A Driver is the xdma backend of one trace memory controller.
type Driver struct {
	name         string
	log          *logrus.Logger
	configType   uint32
	pollRetries  int
	pollInterval time.Duration

	mu   sync.Mutex
	regs regs.Window
	ch   *channel
}

type channel struct {
	xch     *xdma.Channel
	base    uint64
	size    uint64
	cycle   uint64
	started bool
}

// Name returns the name of the driver.
func (d *Driver) Name() string {
	return d.name
}

// ConfigType returns the DEVID configuration type of the controller.
func (d *Driver) ConfigType() uint32 {
	return d.configType
}

// Caps returns the capabilities of the controller. Only a router streams
// into memory.
func (d *Driver) Caps() xdma.Caps {
	if d.configType != DevIDConfigTypeETR {
		return xdma.Caps{}
	}

	return xdma.Caps{
		Alignment: 4,
		Ops:       []xdma.OperationType{xdma.FIFO},
	}
}

// ChannelAlloc hands out the single capture path.
func (d *Driver) ChannelAlloc(ch *xdma.Channel) (int, error) {
	if d.configType != DevIDConfigTypeETR {
		return -1, fmt.Errorf("%w: %s has no memory interface",
			xdma.ErrNoCapacity, d.name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ch != nil {
		return -1, fmt.Errorf("%w: %s capture path in use",
			xdma.ErrNoCapacity, d.name)
	}

	d.ch = &channel{xch: ch}
	ch.SetBackendData(d.ch)

	return 0, nil
}

// ChannelFree stops capture and releases the capture path.
func (d *Driver) ChannelFree(ch *xdma.Channel) error {
	c := d.channel(ch)

	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if c.started {
		err = d.stopLocked()
	}

	d.ch = nil

	return err
}

// Prep checks the buffer of a FIFO channel.
func (d *Driver) Prep(ch *xdma.Channel, op xdma.OperationType) error {
	if op != xdma.FIFO {
		return fmt.Errorf("%w: %s only streams", xdma.ErrConfiguration, d.name)
	}

	cfg := ch.Config()
	size := cfg.BlockLen * uint64(cfg.BlockNum)

	switch {
	case cfg.Direction != xdma.DevToMem:
		return fmt.Errorf("%w: trace flows device to memory, not %s",
			xdma.ErrConfiguration, cfg.Direction)
	case cfg.DstAddr%4 != 0 || size%4 != 0:
		return fmt.Errorf("%w: buffer 0x%x+0x%x is not word aligned",
			xdma.ErrConfiguration, cfg.DstAddr, size)
	case size/4 > math.MaxUint32:
		return fmt.Errorf("%w: buffer of %d bytes is too large",
			xdma.ErrConfiguration, size)
	}

	c := d.channel(ch)

	d.mu.Lock()
	defer d.mu.Unlock()

	c.base = cfg.DstAddr
	c.size = size
	c.cycle = 0

	return nil
}

// Submit is not supported. A stream has no descriptors.
func (d *Driver) Submit(*xdma.Channel, []xdma.Submission) error {
	return fmt.Errorf("%w: %s takes no submissions",
		xdma.ErrConfiguration, d.name)
}

// Control starts or stops capture. Pause and Terminate both stop it.
func (d *Driver) Control(ch *xdma.Channel, cmd xdma.Command) error {
	c := d.channel(ch)

	d.mu.Lock()
	defer d.mu.Unlock()

	switch cmd {
	case xdma.CmdBegin:
		if c.size == 0 {
			return fmt.Errorf("%w: no buffer configured", xdma.ErrConfiguration)
		}

		if err := d.configureLocked(c); err != nil {
			return err
		}

		c.started = true

		return nil
	case xdma.CmdPause, xdma.CmdTerminate, xdma.CmdTerminateAll:
		if !c.started {
			return nil
		}

		c.started = false

		return d.stopLocked()
	}

	return fmt.Errorf("%w: unknown command %s", xdma.ErrConfiguration, cmd)
}

// ReadPosition reports how far the controller has written. When the buffer
// has filled up the position restarts at the beginning of the buffer with
// the next cycle, and capture is restarted.
func (d *Driver) ReadPosition(ch *xdma.Channel) (xdma.StreamPosition, error) {
	c := d.channel(ch)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.regs.Read32(STS)&STSFull != 0 {
		c.cycle++

		d.log.WithFields(logrus.Fields{
			"driver": d.name,
			"cycle":  c.cycle,
		}).Debug("trace buffer wrapped")

		if err := d.restartLocked(c); err != nil {
			return xdma.StreamPosition{}, err
		}

		return xdma.StreamPosition{Offset: 0, Cycle: c.cycle}, nil
	}

	return xdma.StreamPosition{Offset: d.offsetLocked(c), Cycle: c.cycle}, nil
}

// Capacity reports the bytes left before the buffer wraps.
func (d *Driver) Capacity(ch *xdma.Channel) (uint64, error) {
	c := d.channel(ch)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.regs.Read32(STS)&STSFull != 0 {
		return 0, nil
	}

	return c.size - d.offsetLocked(c), nil
}

func (d *Driver) channel(ch *xdma.Channel) *channel {
	c, ok := ch.BackendData().(*channel)
	if !ok {
		panic("channel not allocated by tmc")
	}

	return c
}

func (d *Driver) offsetLocked(c *channel) uint64 {
	rwp := uint64(d.regs.Read32(RWPHI))<<32 | uint64(d.regs.Read32(RWP))
	if rwp < c.base || rwp >= c.base+c.size {
		return 0
	}

	return rwp - c.base
}

func (d *Driver) unlockLocked() {
	d.regs.Write32(LAR, UnlockKey)
}

// configureLocked points the router at the buffer of c and starts capture.
func (d *Driver) configureLocked(c *channel) error {
	d.unlockLocked()

	if err := d.stopLocked(); err != nil {
		return err
	}

	d.regs.Write32(MODE, ModeCircularBuffer)
	d.regs.Write32(AXICTL, etrAXIControl)
	d.regs.Write32(FFCR, etrFormatter)
	d.regs.Write32(TRG, triggerCount)
	d.regs.Write32(DBALO, uint32(c.base))
	d.regs.Write32(DBAHI, uint32(c.base>>32))
	d.regs.Write32(RSZ, uint32(c.size/4))

	return d.restartLocked(c)
}

// restartLocked rewinds the pointers of a stopped or wrapped router and
// enables capture.
func (d *Driver) restartLocked(c *channel) error {
	if d.regs.Read32(CTL)&CTLTraceCaptEn != 0 {
		if err := d.stopLocked(); err != nil {
			return err
		}
	}

	d.regs.Write32(RRP, uint32(c.base))
	d.regs.Write32(RRPHI, uint32(c.base>>32))
	d.regs.Write32(RWP, uint32(c.base))
	d.regs.Write32(RWPHI, uint32(c.base>>32))
	d.regs.Write32(STS, d.regs.Read32(STS)&^STSFull)

	return d.startLocked()
}

func (d *Driver) startLocked() error {
	d.regs.Write32(CTL, CTLTraceCaptEn)

	return d.pollLocked("capture enable", func() bool {
		return d.regs.Read32(CTL)&CTLTraceCaptEn != 0
	})
}

func (d *Driver) stopLocked() error {
	d.regs.Write32(CTL, d.regs.Read32(CTL)&^CTLTraceCaptEn)

	return d.pollLocked("TMCREADY", func() bool {
		return d.regs.Read32(STS)&STSTMCReady != 0
	})
}

func (d *Driver) pollLocked(what string, done func() bool) error {
	for i := 0; !done(); i++ {
		if i >= d.pollRetries {
			return fmt.Errorf("%w: %s on %s after %d polls",
				xdma.ErrBackendTimeout, what, d.name, i)
		}

		time.Sleep(d.pollInterval)
	}

	return nil
}

// configureETF sets up a trace FIFO. It runs once, when the driver is built.
func (d *Driver) configureETF() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.unlockLocked()

	if err := d.pollLocked("TMCREADY", func() bool {
		return d.regs.Read32(STS)&STSTMCReady != 0
	}); err != nil {
		return err
	}

	d.regs.Write32(MODE, ModeHWFIFO)
	d.regs.Write32(FFCR, FFCREnFmt|FFCREnTI)
	d.regs.Write32(BUFWM, etfWatermark)

	return d.startLocked()
}
