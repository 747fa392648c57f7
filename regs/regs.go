// Package regs provides register windows and interrupt lines, the two things a
// DMA driver needs from the device it is attached to.
package regs

import (
	"sync"
)

// A Window gives 32-bit access to a register block.
type Window interface {
	Read32(off uint32) uint32
	Write32(off, v uint32)
}

// A ReadHook computes the value returned by a register read.
type ReadHook func(off uint32) uint32

// A WriteHook observes a register write after the value has been stored.
type WriteHook func(off, v uint32)

// A Bank is an in-memory register block. Device models attach hooks to give
// registers side effects. Hooks run without the bank lock held, so they may
// access the bank themselves.
type Bank struct {
	mu      sync.Mutex
	name    string
	values  map[uint32]uint32
	onRead  map[uint32]ReadHook
	onWrite map[uint32]WriteHook
}

// NewBank creates an empty register bank.
func NewBank(name string) *Bank {
	return &Bank{
		name:    name,
		values:  make(map[uint32]uint32),
		onRead:  make(map[uint32]ReadHook),
		onWrite: make(map[uint32]WriteHook),
	}
}

// Name returns the name of the bank.
func (b *Bank) Name() string {
	return b.name
}

// OnRead installs a read hook at off.
func (b *Bank) OnRead(off uint32, fn ReadHook) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.onRead[off] = fn
}

// OnWrite installs a write hook at off.
func (b *Bank) OnWrite(off uint32, fn WriteHook) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.onWrite[off] = fn
}

// Read32 reads a register, going through the read hook if there is one.
func (b *Bank) Read32(off uint32) uint32 {
	b.mu.Lock()
	fn := b.onRead[off]
	v := b.values[off]
	b.mu.Unlock()

	if fn != nil {
		return fn(off)
	}

	return v
}

// Write32 stores a register value and then calls the write hook.
func (b *Bank) Write32(off, v uint32) {
	b.mu.Lock()
	b.values[off] = v
	fn := b.onWrite[off]
	b.mu.Unlock()

	if fn != nil {
		fn(off, v)
	}
}

// Get returns the stored value, bypassing hooks.
func (b *Bank) Get(off uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.values[off]
}

// Set stores a value, bypassing hooks.
func (b *Bank) Set(off, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.values[off] = v
}

// Update atomically replaces a stored value with fn applied to it and returns
// the new value. Hooks are bypassed.
func (b *Bank) Update(off uint32, fn func(uint32) uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := fn(b.values[off])
	b.values[off] = v

	return v
}

// SetBits sets mask in the stored value.
func (b *Bank) SetBits(off, mask uint32) uint32 {
	return b.Update(off, func(v uint32) uint32 { return v | mask })
}

// ClearBits clears mask in the stored value.
func (b *Bank) ClearBits(off, mask uint32) uint32 {
	return b.Update(off, func(v uint32) uint32 { return v &^ mask })
}
