// Package platform assembles DMA controllers and the engines behind them from
// a configuration, and drives workloads through them.
package platform

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xdma/busdma"
	"github.com/sarchlab/xdma/config"
	"github.com/sarchlab/xdma/physmem"
	"github.com/sarchlab/xdma/regs"
	"github.com/sarchlab/xdma/xdma"
	"github.com/sarchlab/xdma/xdma/pl330"
	"github.com/sarchlab/xdma/xdma/softdma"
	"github.com/sarchlab/xdma/xdma/tmc"
)

const (
	// microcodeSize is reserved at the top of memory for every PL330.
	microcodeSize = 0x10000

	// heapBase keeps buffers off address zero.
	heapBase = 0x1000

	// userPID owns the virtual address space when a page table is used.
	userPID busdma.PID = 1

	// userBase is where the virtual address space starts.
	userBase = 1 << 32
)

// A Unit is a controller together with the simulated engine behind it.
type Unit struct {
	Config     config.ControllerConfig
	Controller *xdma.Controller

	pl330   *pl330.Device
	fifo    *softdma.FIFO
	softdma *softdma.Driver
	tmc     *tmc.Device
	line    *regs.Line
}

// Name returns the controller name.
func (u *Unit) Name() string {
	return u.Config.Name
}

// Engine returns the engine kind.
func (u *Unit) Engine() string {
	return u.Config.Engine
}

// FIFO returns the stream FIFO of a softdma unit.
func (u *Unit) FIFO() *softdma.FIFO {
	return u.fifo
}

// TraceSource returns the trace memory controller of a tmc unit.
func (u *Unit) TraceSource() *tmc.Device {
	return u.tmc
}

// PL330 returns the engine model of a pl330 unit.
func (u *Unit) PL330() *pl330.Device {
	return u.pl330
}

func (u *Unit) close() {
	switch {
	case u.pl330 != nil:
		u.pl330.Close()
	case u.softdma != nil:
		u.softdma.Close()
	}

	if u.line != nil {
		u.line.Close()
	}
}

// A Region is a buffer in system memory, with both the address the consumer
// sees and the physical address behind it.
type Region struct {
	busdma.Buffer
	PAddr uint64
}

// Slice returns the part of r that starts at off and is n bytes long.
func (r Region) Slice(id string, off, n uint64) Region {
	s := r
	s.ID = id
	s.VAddr += off
	s.Len = n
	s.PAddr += off

	return s
}

// A Platform is a set of DMA controllers sharing one system memory.
type Platform struct {
	log       *logrus.Logger
	mem       *physmem.Storage
	heap      *physmem.Allocator
	pageTable busdma.PageTable

	mu        sync.Mutex
	nextVAddr uint64

	units     []*Unit
	closeOnce sync.Once
}

// Memory returns the system memory.
func (p *Platform) Memory() *physmem.Storage {
	return p.mem
}

// Units returns the units in configuration order.
func (p *Platform) Units() []*Unit {
	return p.units
}

// Unit finds a unit by controller name.
func (p *Platform) Unit(name string) (*Unit, bool) {
	for _, u := range p.units {
		if u.Name() == name {
			return u, true
		}
	}

	return nil, false
}

// Controllers returns the controllers of all units.
func (p *Platform) Controllers() []*xdma.Controller {
	ctrls := make([]*xdma.Controller, len(p.units))
	for i, u := range p.units {
		ctrls[i] = u.Controller
	}

	return ctrls
}

// AllocRegion reserves size bytes of memory. With a page table, the region
// is also mapped into the user address space and its buffer carries the
// virtual address.
func (p *Platform) AllocRegion(id string, size uint64) (Region, error) {
	align := uint64(64)
	if p.pageTable != nil {
		align = p.pageTable.PageSize()
		size = (size + align - 1) &^ (align - 1)
	}

	pAddr, err := p.heap.Alloc(size, align)
	if err != nil {
		return Region{}, fmt.Errorf("region %s: %w", id, err)
	}

	r := Region{
		Buffer: busdma.Buffer{ID: id, VAddr: pAddr, Len: size},
		PAddr:  pAddr,
	}

	if p.pageTable == nil {
		return r, nil
	}

	p.mu.Lock()
	vAddr := p.nextVAddr
	p.nextVAddr += size
	p.mu.Unlock()

	for off := uint64(0); off < size; off += align {
		p.pageTable.Insert(busdma.Page{
			PID:      userPID,
			PAddr:    pAddr + off,
			VAddr:    vAddr + off,
			PageSize: align,
			Valid:    true,
		})
	}

	r.VAddr = vAddr
	r.PID = userPID

	return r, nil
}

// Close terminates every controller and stops the engine models.
func (p *Platform) Close() error {
	var err error

	p.closeOnce.Do(func() {
		for _, u := range p.units {
			if tErr := u.Controller.TerminateAll(); tErr != nil {
				p.log.WithError(tErr).
					WithField("controller", u.Name()).
					Warn("terminate failed")

				if err == nil {
					err = tErr
				}
			}

			u.close()
		}
	})

	return err
}
