package physmem

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoMemory is returned when an allocator runs out of space.
var ErrNoMemory = errors.New("out of physical memory")

// An Allocator hands out physically contiguous regions from a fixed window of
// a Storage. Regions are never returned; it is meant for long-lived buffers
// such as instruction buffers and descriptor areas.
type Allocator struct {
	mu    sync.Mutex
	base  uint64
	limit uint64
	next  uint64
}

// NewAllocator creates an allocator over [base, base+size).
func NewAllocator(base, size uint64) *Allocator {
	return &Allocator{
		base:  base,
		limit: base + size,
		next:  base,
	}
}

// Alloc reserves size bytes aligned to align, which must be a power of two.
func (a *Allocator) Alloc(size, align uint64) (uint64, error) {
	if align == 0 {
		align = 1
	}

	if align&(align-1) != 0 {
		panic("alignment must be a power of two")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	addr := (a.next + align - 1) &^ (align - 1)
	if addr < a.next || addr+size > a.limit || addr+size < addr {
		return 0, fmt.Errorf("%w: want %d bytes, %d left",
			ErrNoMemory, size, a.limit-a.next)
	}

	a.next = addr + size

	return addr, nil
}

// Used returns the number of bytes consumed so far, including padding.
func (a *Allocator) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.next - a.base
}
