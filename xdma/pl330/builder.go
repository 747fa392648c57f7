package pl330

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xdma/physmem"
	"github.com/sarchlab/xdma/regs"
)

// A Builder can build drivers.
type Builder struct {
	regs         regs.Window
	mem          *physmem.Storage
	alloc        *physmem.Allocator
	line         *regs.Line
	log          *logrus.Logger
	pollRetries  int
	pollInterval time.Duration
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		pollRetries:  1000,
		pollInterval: time.Microsecond,
	}
}

// WithRegisters sets the register window of the engine.
func (b Builder) WithRegisters(w regs.Window) Builder {
	b.regs = w
	return b
}

// WithMemory sets the physical memory that holds instruction buffers.
func (b Builder) WithMemory(mem *physmem.Storage) Builder {
	b.mem = mem
	return b
}

// WithAllocator sets where instruction buffers are allocated.
func (b Builder) WithAllocator(a *physmem.Allocator) Builder {
	b.alloc = a
	return b
}

// WithInterrupt sets the interrupt line the engine raises.
func (b Builder) WithInterrupt(line *regs.Line) Builder {
	b.line = line
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log *logrus.Logger) Builder {
	b.log = log
	return b
}

// WithPollRetries sets how many times a busy register is polled before the
// driver gives up.
func (b Builder) WithPollRetries(n int) Builder {
	b.pollRetries = n
	return b
}

// WithPollInterval sets the pause between polls.
func (b Builder) WithPollInterval(d time.Duration) Builder {
	b.pollInterval = d
	return b
}

// Build creates a driver and attaches it to the interrupt line. The number
// of channels is read from CR0.
func (b Builder) Build(name string) *Driver {
	if b.regs == nil || b.mem == nil || b.line == nil {
		panic("pl330 needs registers, memory and an interrupt line")
	}

	if b.log == nil {
		b.log = logrus.StandardLogger()
	}

	if b.alloc == nil {
		b.alloc = physmem.NewAllocator(0, b.mem.Capacity())
	}

	n := int((b.regs.Read32(CR0)>>cr0NumChnlsShift)&cr0NumChnlsMask) + 1

	d := &Driver{
		name:         name,
		log:          b.log,
		mem:          b.mem,
		alloc:        b.alloc,
		pollRetries:  b.pollRetries,
		pollInterval: b.pollInterval,
		numChannels:  n,
		regs:         b.regs,
		chans:        make([]*channel, n),
		ibufs:        make([]uint64, n),
	}

	b.line.Attach(d.intr)

	return d
}
