package softdma

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xdma/physmem"
	"github.com/sarchlab/xdma/regs"
)

// A Builder can build drivers.
type Builder struct {
	data         regs.Window
	control      regs.Window
	mem          *physmem.Storage
	line         *regs.Line
	log          *logrus.Logger
	numChannels  int
	depth        int
	pollRetries  int
	pollInterval time.Duration
	idlePoll     time.Duration
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		numChannels:  1,
		depth:        DefaultDepth,
		pollRetries:  100,
		pollInterval: 10 * time.Microsecond,
		idlePoll:     500 * time.Millisecond,
	}
}

// WithFIFO takes both register windows from a FIFO model.
func (b Builder) WithFIFO(f *FIFO) Builder {
	b.data = f.Data()
	b.control = f.Control()
	b.depth = f.depth
	b.line = f.line

	return b
}

// WithDataRegisters sets the window with the DATA and METADATA registers.
func (b Builder) WithDataRegisters(w regs.Window) Builder {
	b.data = w
	return b
}

// WithControlRegisters sets the window with the fill level and event
// registers.
func (b Builder) WithControlRegisters(w regs.Window) Builder {
	b.control = w
	return b
}

// WithMemory sets the physical memory the FIFO exchanges data with.
func (b Builder) WithMemory(mem *physmem.Storage) Builder {
	b.mem = mem
	return b
}

// WithInterrupt sets the interrupt line of the FIFO.
func (b Builder) WithInterrupt(line *regs.Line) Builder {
	b.line = line
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log *logrus.Logger) Builder {
	b.log = log
	return b
}

// WithChannels sets how many channels share the FIFO.
func (b Builder) WithChannels(n int) Builder {
	b.numChannels = n
	return b
}

// WithDepth sets the number of words the FIFO holds.
func (b Builder) WithDepth(n int) Builder {
	b.depth = n
	return b
}

// WithPollRetries sets how many times the fill level is polled before a
// transfer gives up.
func (b Builder) WithPollRetries(n int) Builder {
	b.pollRetries = n
	return b
}

// WithPollInterval sets the pause between polls.
func (b Builder) WithPollInterval(d time.Duration) Builder {
	b.pollInterval = d
	return b
}

// WithIdlePoll sets how often a parked worker looks at the FIFO without
// being woken.
func (b Builder) WithIdlePoll(d time.Duration) Builder {
	b.idlePoll = d
	return b
}

// Build creates a driver and attaches it to the interrupt line.
func (b Builder) Build(name string) *Driver {
	if b.data == nil || b.control == nil || b.mem == nil || b.line == nil {
		panic("softdma needs both register windows, memory and an interrupt line")
	}

	if b.numChannels <= 0 || b.depth <= 0 {
		panic("softdma needs at least one channel and a FIFO depth")
	}

	if b.log == nil {
		b.log = logrus.StandardLogger()
	}

	d := &Driver{
		name:         name,
		log:          b.log,
		mem:          b.mem,
		depth:        uint32(b.depth),
		pollRetries:  b.pollRetries,
		pollInterval: b.pollInterval,
		idlePoll:     b.idlePoll,
		data:         b.data,
		control:      b.control,
		chans:        make([]*channel, b.numChannels),
	}

	d.control.Write32(INTENABLE, 0)
	d.control.Write32(EVENT, ^uint32(0))

	b.line.Attach(d.intr)

	return d
}
