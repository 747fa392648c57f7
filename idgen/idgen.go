// Package idgen generates request IDs.
package idgen

import (
	"log"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

var idGeneratorMutex sync.Mutex
var idGeneratorInstantiated bool
var idGenerator IDGenerator

// IDGenerator can generate IDs
type IDGenerator interface {
	// Generate an ID
	Generate() string
}

// NewSequential creates a generator that counts from 1. IDs are deterministic
// as long as a single goroutine generates them.
func NewSequential() IDGenerator {
	return &sequentialIDGenerator{}
}

// NewParallel creates a generator of globally unique, non-deterministic IDs.
func NewParallel() IDGenerator {
	return parallelIDGenerator{}
}

// UseSequentialIDGenerator configures the default generator to generate IDs
// in sequence.
func UseSequentialIDGenerator() {
	use(NewSequential())
}

// UseParallelIDGenerator configures the default generator to generate ID in
// parallel. The IDs generated will not be deterministic anymore.
func UseParallelIDGenerator() {
	use(NewParallel())
}

func use(g IDGenerator) {
	idGeneratorMutex.Lock()
	defer idGeneratorMutex.Unlock()

	if idGeneratorInstantiated {
		log.Panic("cannot change id generator type after using it")
	}

	idGenerator = g
	idGeneratorInstantiated = true
}

// Get returns the default ID generator.
func Get() IDGenerator {
	idGeneratorMutex.Lock()
	defer idGeneratorMutex.Unlock()

	if !idGeneratorInstantiated {
		idGenerator = NewSequential()
		idGeneratorInstantiated = true
	}

	return idGenerator
}

type sequentialIDGenerator struct {
	nextID uint64
}

func (g *sequentialIDGenerator) Generate() string {
	idNumber := atomic.AddUint64(&g.nextID, 1)
	id := strconv.FormatUint(idNumber, 10)

	return id
}

type parallelIDGenerator struct{}

func (g parallelIDGenerator) Generate() string {
	return xid.New().String()
}
