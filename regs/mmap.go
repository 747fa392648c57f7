//go:build linux

package regs

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// A MappedWindow is a register window backed by an mmap of a device file, such
// as a UIO node or /dev/mem.
type MappedWindow struct {
	file *os.File
	data []byte
}

// MapFile maps size bytes of path starting at offset.
func MapFile(path string, offset int64, size int) (*MappedWindow, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), offset, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &MappedWindow{file: f, data: data}, nil
}

func (w *MappedWindow) word(off uint32) *uint32 {
	if off%4 != 0 || int(off)+4 > len(w.data) {
		panic(fmt.Sprintf("register offset 0x%x out of window", off))
	}

	return (*uint32)(unsafe.Pointer(&w.data[off]))
}

// Read32 reads a register.
func (w *MappedWindow) Read32(off uint32) uint32 {
	return atomic.LoadUint32(w.word(off))
}

// Write32 writes a register.
func (w *MappedWindow) Write32(off, v uint32) {
	atomic.StoreUint32(w.word(off), v)
}

// Close unmaps the window and closes the file.
func (w *MappedWindow) Close() error {
	if err := unix.Munmap(w.data); err != nil {
		return err
	}

	return w.file.Close()
}
