// Package busdma translates consumer buffers into the physical fragments that
// a DMA engine can address.
//
// A Mapper loads a Buffer under a Tag, which carries the addressing
// constraints of the engine. The resulting Map lists the physical segments
// and must be unloaded once the transfer retires. Sync operations bracket the
// window in which the device owns the memory.
package busdma

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotMapped is returned when part of a buffer has no physical page.
	ErrNotMapped = errors.New("virtual address not mapped")

	// ErrTooManySegments is returned when a buffer needs more segments than
	// the tag allows.
	ErrTooManySegments = errors.New("too many segments")

	// ErrNotLoaded is returned when unloading or syncing a map twice.
	ErrNotLoaded = errors.New("map not loaded")
)

// A Segment is a physically contiguous range.
type Segment struct {
	PAddr uint64
	Len   uint64
}

// End returns the first address after the segment.
func (s Segment) End() uint64 {
	return s.PAddr + s.Len
}

// A Buffer is a consumer-owned virtual range. The DMA layer never touches the
// memory behind it directly; it only passes the Buffer back on completion.
type Buffer struct {
	ID     string
	VAddr  uint64
	Len    uint64
	PID    PID
	Cookie any
}

// A Tag describes the addressing constraints of a DMA engine. Zero values
// mean no constraint.
type Tag struct {
	Alignment  uint64
	Boundary   uint64
	MaxSegSize uint64
	NSegments  int
}

// SyncOp selects which side of a transfer a sync brackets.
type SyncOp int

// Sync operations, named after the direction the CPU sees.
const (
	PreRead SyncOp = iota
	PreWrite
	PostRead
	PostWrite
	numSyncOps
)

func (op SyncOp) String() string {
	switch op {
	case PreRead:
		return "PreRead"
	case PreWrite:
		return "PreWrite"
	case PostRead:
		return "PostRead"
	case PostWrite:
		return "PostWrite"
	default:
		return fmt.Sprintf("SyncOp(%d)", int(op))
	}
}

// A Map is a loaded buffer.
type Map struct {
	mu     sync.Mutex
	tag    Tag
	buf    Buffer
	segs   []Segment
	syncs  [numSyncOps]int
	loaded bool
}

// Segments returns the physical segments of the map.
func (m *Map) Segments() []Segment {
	return m.segs
}

// Buffer returns the buffer the map was loaded from.
func (m *Map) Buffer() Buffer {
	return m.buf
}

// Tag returns the tag used to load the map.
func (m *Map) Tag() Tag {
	return m.tag
}

// Loaded tells whether the map has not been unloaded yet.
func (m *Map) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.loaded
}

// SyncCount returns how many times op has been applied to the map.
func (m *Map) SyncCount(op SyncOp) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.syncs[op]
}

func (m *Map) sync(op SyncOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return ErrNotLoaded
	}

	m.syncs[op]++

	return nil
}

func (m *Map) unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return ErrNotLoaded
	}

	m.loaded = false

	return nil
}

// A Mapper loads buffers into physical segments.
type Mapper interface {
	Load(tag Tag, buf Buffer) (*Map, error)
	Unload(m *Map) error
	Sync(m *Map, op SyncOp) error
}

func newMap(tag Tag, buf Buffer, frags []Segment) (*Map, error) {
	segs := ApplyTag(tag, frags)

	if tag.NSegments > 0 && len(segs) > tag.NSegments {
		return nil, fmt.Errorf("%w: buffer %s needs %d, tag allows %d",
			ErrTooManySegments, buf.ID, len(segs), tag.NSegments)
	}

	return &Map{
		tag:    tag,
		buf:    buf,
		segs:   segs,
		loaded: true,
	}, nil
}

// ApplyTag splits fragments so that none crosses the tag's boundary or exceeds
// its maximum segment size. Zero-length fragments are dropped.
func ApplyTag(tag Tag, frags []Segment) []Segment {
	segs := make([]Segment, 0, len(frags))

	for _, f := range frags {
		addr := f.PAddr
		left := f.Len

		for left > 0 {
			n := left

			if tag.MaxSegSize > 0 && n > tag.MaxSegSize {
				n = tag.MaxSegSize
			}

			if tag.Boundary > 0 {
				toBoundary := tag.Boundary - addr%tag.Boundary
				n = min(n, toBoundary)
			}

			segs = append(segs, Segment{PAddr: addr, Len: n})
			addr += n
			left -= n
		}
	}

	return segs
}

// merge appends seg to segs, extending the last segment when the two are
// physically contiguous.
func merge(segs []Segment, seg Segment) []Segment {
	if n := len(segs); n > 0 && segs[n-1].End() == seg.PAddr {
		segs[n-1].Len += seg.Len
		return segs
	}

	return append(segs, seg)
}
