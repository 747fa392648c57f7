package xdma

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xdma/busdma"
	"github.com/sarchlab/xdma/hooking"
	"github.com/sarchlab/xdma/idgen"
)

// A Controller is one DMA engine instance. It owns the pool of channels and
// routes completions reported by its backend to them.
type Controller struct {
	hooking.HookableBase

	name             string
	backend          Backend
	mapper           busdma.Mapper
	log              *logrus.Logger
	metrics          *metrics
	idGen            idgen.IDGenerator
	terminateTimeout time.Duration

	// allocMu is held across the backend's ChannelAlloc and ChannelFree.
	allocMu  sync.Mutex
	channels []*Channel
	nextSeq  int

	indexMu sync.RWMutex
	byIndex map[int]*Channel
}

// Name returns the name of the controller.
func (c *Controller) Name() string {
	return c.name
}

// Backend returns the backend of the controller.
func (c *Controller) Backend() Backend {
	return c.backend
}

// Caps returns the capabilities of the backend.
func (c *Controller) Caps() Caps {
	return c.backend.Caps()
}

// Channels returns the allocated channels in allocation order.
func (c *Controller) Channels() []*Channel {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	return slices.Clone(c.channels)
}

// Channel looks up a channel by hardware index.
func (c *Controller) Channel(hwIndex int) (*Channel, bool) {
	c.indexMu.RLock()
	defer c.indexMu.RUnlock()

	ch, ok := c.byIndex[hwIndex]

	return ch, ok
}

// AllocChannel takes a channel from the backend. meta is the backend-specific
// metadata that selects the channel, usually the result of ParseMetadata.
// Hooks registered on the controller are added to the new channel.
func (c *Controller) AllocChannel(meta any) (*Channel, error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	ch := newChannel(c, fmt.Sprintf("%s.Chan[%d]", c.name, c.nextSeq), meta)

	for _, h := range c.Hooks() {
		ch.AcceptHook(h)
	}

	idx, err := c.backend.ChannelAlloc(ch)
	if err != nil {
		if errors.Is(err, ErrNoCapacity) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %s: %w", ErrNoCapacity, c.backend.Name(), err)
	}

	c.nextSeq++
	ch.hwIndex = idx
	ch.log = ch.log.WithField("hw_index", idx)

	c.indexMu.Lock()
	c.byIndex[idx] = ch
	c.indexMu.Unlock()

	c.channels = append(c.channels, ch)
	c.metrics.allocated.WithLabelValues(c.name).Inc()

	ch.log.Debug("channel allocated")

	return ch, nil
}

// FreeChannel returns a channel to the backend. A channel that still holds
// requests, or a running cyclic or FIFO channel, cannot be freed. It must be
// terminated and drained first.
func (c *Controller) FreeChannel(ch *Channel) error {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	i := slices.Index(c.channels, ch)
	if i < 0 {
		return fmt.Errorf("%w: channel not allocated on %s",
			ErrConfiguration, c.name)
	}

	if err := ch.markFreed(); err != nil {
		return err
	}

	if err := c.backend.ChannelFree(ch); err != nil {
		ch.mu.Lock()
		ch.freed = false
		ch.mu.Unlock()

		return fmt.Errorf("free on %s: %w", c.backend.Name(), err)
	}

	c.indexMu.Lock()
	delete(c.byIndex, ch.hwIndex)
	c.indexMu.Unlock()

	c.channels = slices.Delete(c.channels, i, i+1)
	ch.TeardownAllIntr()
	c.metrics.allocated.WithLabelValues(c.name).Dec()

	ch.log.Debug("channel freed")

	return nil
}

func (ch *Channel) markFreed() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.reqs != nil && !ch.reqRing.empty() {
		return fmt.Errorf("%w: channel %s still holds %d requests",
			ErrConfiguration, ch.name, ch.reqRing.count())
	}

	streaming := ch.op == Cyclic || ch.op == FIFO
	active := ch.state == Running || ch.state == Paused

	if streaming && active {
		return fmt.Errorf("%w: %s channel %s is %s",
			ErrConfiguration, ch.op, ch.name, ch.state)
	}

	ch.freed = true

	return nil
}

// TerminateAll terminates every channel of the controller.
func (c *Controller) TerminateAll() error {
	var errs []error

	for _, ch := range c.Channels() {
		if err := ch.terminate(CmdTerminateAll); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Complete reports that the backend finished the oldest len(results)
// descriptors submitted on the channel with the given hardware index.
func (c *Controller) Complete(hwIndex int, results ...Status) {
	ch, ok := c.lookup(hwIndex)
	if !ok {
		return
	}

	ch.complete(results)
}

// CompleteCyclic reports that the backend finished one period of a cyclic
// channel.
func (c *Controller) CompleteCyclic(hwIndex int, st Status) {
	ch, ok := c.lookup(hwIndex)
	if !ok {
		return
	}

	ch.completeCyclic(st)
}

// Complete reports results for ch itself. A backend that keeps the channel
// uses it so that results of a freed channel are dropped rather than routed
// to the next owner of the hardware index.
func (ch *Channel) Complete(results ...Status) {
	ch.complete(results)
}

// CompleteCyclic reports one finished period for ch itself.
func (ch *Channel) CompleteCyclic(st Status) {
	ch.completeCyclic(st)
}

func (c *Controller) lookup(hwIndex int) (*Channel, bool) {
	ch, ok := c.Channel(hwIndex)
	if !ok {
		c.log.WithFields(logrus.Fields{
			"controller": c.name,
			"hw_index":   hwIndex,
		}).Warn("completion for unknown channel dropped")
		c.metrics.unknownIntr.WithLabelValues(c.name).Inc()
	}

	return ch, ok
}

// ParseMetadata lets the backend decode the device-tree cells of a channel
// reference. Backends without metadata return nil.
func (c *Controller) ParseMetadata(cells []uint32) (any, error) {
	p, ok := c.backend.(MetadataParser)
	if !ok {
		return nil, nil
	}

	meta, err := p.ParseMetadata(cells)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	return meta, nil
}
