package tmc

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xdma/regs"
)

// A Builder can build drivers.
type Builder struct {
	regs         regs.Window
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

// WithRegisters sets the register window of the controller.
func (b Builder) WithRegisters(w regs.Window) Builder {
	b.regs = w
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log *logrus.Logger) Builder {
	b.log = log
	return b
}

// WithPollRetries sets how many times a status bit is polled before the
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

// Build creates a driver. The configuration type is read from DEVID, and a
// trace FIFO is configured right away.
func (b Builder) Build(name string) *Driver {
	if b.regs == nil {
		panic("tmc needs registers")
	}

	if b.log == nil {
		b.log = logrus.StandardLogger()
	}

	d := &Driver{
		name:         name,
		log:          b.log,
		configType:   b.regs.Read32(DEVID) & DevIDConfigTypeMask,
		pollRetries:  b.pollRetries,
		pollInterval: b.pollInterval,
		regs:         b.regs,
	}

	switch d.configType {
	case DevIDConfigTypeETR:
		d.log.WithField("driver", name).Info("ETR configuration found")
	case DevIDConfigTypeETF:
		if err := d.configureETF(); err != nil {
			d.log.WithError(err).WithField("driver", name).
				Error("cannot configure ETF")
		} else {
			d.log.WithField("driver", name).Info("ETF configuration found")
		}
	}

	return d
}
