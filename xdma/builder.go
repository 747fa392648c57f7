package xdma

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xdma/busdma"
	"github.com/sarchlab/xdma/idgen"
)

// A Builder can build controllers.
type Builder struct {
	backend          Backend
	mapper           busdma.Mapper
	log              *logrus.Logger
	registerer       prometheus.Registerer
	idGen            idgen.IDGenerator
	terminateTimeout time.Duration
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		mapper:           busdma.IdentityMapper{},
		terminateTimeout: time.Second,
	}
}

// WithBackend sets the backend that executes transfers.
func (b Builder) WithBackend(backend Backend) Builder {
	b.backend = backend
	return b
}

// WithMapper sets the mapper that loads consumer buffers.
func (b Builder) WithMapper(m busdma.Mapper) Builder {
	b.mapper = m
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log *logrus.Logger) Builder {
	b.log = log
	return b
}

// WithMetrics registers the controller's metrics on reg.
func (b Builder) WithMetrics(reg prometheus.Registerer) Builder {
	b.registerer = reg
	return b
}

// WithIDGenerator sets the generator of request IDs.
func (b Builder) WithIDGenerator(g idgen.IDGenerator) Builder {
	b.idGen = g
	return b
}

// WithTerminateTimeout sets how long Terminate waits for a running callback.
func (b Builder) WithTerminateTimeout(d time.Duration) Builder {
	b.terminateTimeout = d
	return b
}

// Build creates a controller with the given name.
func (b Builder) Build(name string) *Controller {
	if b.backend == nil {
		panic("xdma: controller needs a backend")
	}

	if b.log == nil {
		b.log = logrus.StandardLogger()
	}

	if b.idGen == nil {
		b.idGen = idgen.Get()
	}

	return &Controller{
		name:             name,
		backend:          b.backend,
		mapper:           b.mapper,
		log:              b.log,
		metrics:          newMetrics(b.registerer),
		idGen:            b.idGen,
		terminateTimeout: b.terminateTimeout,
		byIndex:          make(map[int]*Channel),
	}
}
