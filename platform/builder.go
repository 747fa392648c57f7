package platform

import (
	"fmt"
	"math/bits"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
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

// idlePoll bounds how long a packet tail below the FIFO threshold waits.
const idlePoll = time.Millisecond

// A Builder can build platforms.
type Builder struct {
	log        *logrus.Logger
	registerer prometheus.Registerer
}

// MakeBuilder creates a builder with the standard logger and no metrics.
func MakeBuilder() Builder {
	return Builder{
		log: logrus.StandardLogger(),
	}
}

// WithLogger sets the logger shared by all controllers and engines.
func (b Builder) WithLogger(log *logrus.Logger) Builder {
	b.log = log
	return b
}

// WithMetrics sets where controllers register their metrics.
func (b Builder) WithMetrics(reg prometheus.Registerer) Builder {
	b.registerer = reg
	return b
}

type assembly struct {
	Builder
	mem           *physmem.Storage
	mapper        busdma.Mapper
	microcodeNext uint64
}

// Build creates the memory, the engines and the controllers described by
// cfg.
func (b Builder) Build(cfg *config.Config) (*Platform, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	var numPL330 uint64
	for _, c := range cfg.Controllers {
		if c.Engine == config.EnginePL330 {
			numPL330++
		}
	}

	capacity := cfg.Memory.Capacity
	reserved := numPL330 * microcodeSize
	if capacity <= reserved+heapBase {
		return nil, fmt.Errorf("memory of %d bytes cannot hold %d pl330 microcode areas",
			capacity, numPL330)
	}

	p := &Platform{
		log:       b.log,
		mem:       physmem.NewStorage(capacity),
		heap:      physmem.NewAllocator(heapBase, capacity-reserved-heapBase),
		nextVAddr: userBase,
	}

	a := assembly{
		Builder:       b,
		mem:           p.mem,
		mapper:        busdma.IdentityMapper{},
		microcodeNext: capacity - reserved,
	}

	if ps := cfg.Memory.PageSize; ps != 0 {
		p.pageTable = busdma.NewPageTable(uint64(bits.TrailingZeros64(ps)))
		a.mapper = busdma.NewPageTableMapper(p.pageTable)
	}

	for _, c := range cfg.Controllers {
		u := a.buildUnit(c)
		p.units = append(p.units, u)

		b.log.WithFields(logrus.Fields{
			"controller": c.Name,
			"engine":     c.Engine,
			"channels":   c.Channels,
		}).Debug("controller built")
	}

	return p, nil
}

func (a *assembly) buildUnit(c config.ControllerConfig) *Unit {
	u := &Unit{Config: c}

	var backend xdma.Backend

	switch c.Engine {
	case config.EnginePL330:
		backend = a.buildPL330(u)
	case config.EngineSoftDMA:
		backend = a.buildSoftDMA(u)
	case config.EngineTMC:
		backend = a.buildTMC(u)
	}

	u.Controller = xdma.MakeBuilder().
		WithBackend(backend).
		WithLogger(a.log).
		WithMetrics(a.registerer).
		WithMapper(a.mapper).
		WithTerminateTimeout(u.Config.TerminateTimeout).
		Build(c.Name)

	return u
}

func engineName(c config.ControllerConfig) string {
	return c.Name + "." + strings.ToUpper(c.Engine)
}

func (a *assembly) buildPL330(u *Unit) xdma.Backend {
	c := u.Config

	u.line = regs.NewLine(c.Name + ".irq")
	u.pl330 = pl330.NewDevice(engineName(c), a.mem, u.line, c.Channels)

	microcode := physmem.NewAllocator(a.microcodeNext, microcodeSize)
	a.microcodeNext += microcodeSize

	b := pl330.MakeBuilder().
		WithRegisters(u.pl330.Registers()).
		WithMemory(a.mem).
		WithAllocator(microcode).
		WithInterrupt(u.line).
		WithLogger(a.log)

	if c.PollRetries > 0 {
		b = b.WithPollRetries(c.PollRetries)
	}

	if c.PollInterval > 0 {
		b = b.WithPollInterval(c.PollInterval)
	}

	return b.Build(engineName(c))
}

func (a *assembly) buildSoftDMA(u *Unit) xdma.Backend {
	c := u.Config

	mode := softdma.Transmit
	if c.Mode == config.ModeReceive {
		mode = softdma.Receive
	}

	u.line = regs.NewLine(c.Name + ".irq")
	u.fifo = softdma.NewFIFO(engineName(c), mode, c.FIFODepth, u.line)

	b := softdma.MakeBuilder().
		WithFIFO(u.fifo).
		WithMemory(a.mem).
		WithLogger(a.log).
		WithIdlePoll(idlePoll)

	if c.PollRetries > 0 {
		b = b.WithPollRetries(c.PollRetries)
	}

	if c.PollInterval > 0 {
		b = b.WithPollInterval(c.PollInterval)
	}

	u.softdma = b.Build(engineName(c))

	return u.softdma
}

func (a *assembly) buildTMC(u *Unit) xdma.Backend {
	c := u.Config

	u.tmc = tmc.NewDevice(engineName(c), a.mem, tmc.DevIDConfigTypeETR)

	return tmc.MakeBuilder().
		WithRegisters(u.tmc.Registers()).
		WithLogger(a.log).
		WithPollRetries(c.PollRetries).
		WithPollInterval(c.PollInterval).
		Build(engineName(c))
}
