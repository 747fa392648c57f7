package xdma

import (
	"github.com/sarchlab/xdma/busdma"
)

// Constraints limit how a buffer may be cut into segments. Zero values mean no
// limit.
type Constraints struct {
	MaxSegmentSize uint64
	Alignment      uint64
	Boundary       uint64
	MaxSegments    int
}

// A Segment is one elementary transfer produced from a buffer.
type Segment struct {
	PAddr     uint64
	Len       uint64
	Direction Direction
	SrcAddr   uint64
	DstAddr   uint64
	First     bool
	Last      bool
}

// SGBuilder cuts physical fragments into segments that an engine can accept.
type SGBuilder struct {
	c Constraints
}

// NewSGBuilder creates a builder for the given constraints.
func NewSGBuilder(c Constraints) SGBuilder {
	if c.Alignment > 1 && c.Alignment&(c.Alignment-1) != 0 {
		panic("alignment must be a power of two")
	}

	return SGBuilder{c: c}
}

// Constraints returns the constraints of the builder.
func (b SGBuilder) Constraints() Constraints {
	return b.c
}

// Build returns a lazy sequence of segments covering frags. target is the
// device address for device-paced directions, and the destination base for
// MemToMem.
func (b SGBuilder) Build(
	frags []busdma.Segment,
	dir Direction,
	target uint64,
) *SegmentIter {
	nonEmpty := make([]busdma.Segment, 0, len(frags))

	for _, f := range frags {
		if f.Len > 0 {
			nonEmpty = append(nonEmpty, f)
		}
	}

	it := &SegmentIter{
		c:      b.c,
		frags:  nonEmpty,
		dir:    dir,
		target: target,
	}

	if len(nonEmpty) > 0 {
		it.addr = nonEmpty[0].PAddr
		it.left = nonEmpty[0].Len
	}

	return it
}

// A SegmentIter walks a buffer once. It cannot be restarted.
type SegmentIter struct {
	c      Constraints
	frags  []busdma.Segment
	dir    Direction
	target uint64

	frag    int
	addr    uint64
	left    uint64
	offset  uint64
	emitted int
}

// Next returns the next segment. It returns false once the buffer has been
// covered, and keeps returning false afterwards.
func (it *SegmentIter) Next() (Segment, bool) {
	for it.left == 0 {
		it.frag++
		if it.frag >= len(it.frags) {
			it.frag = len(it.frags)
			return Segment{}, false
		}

		it.addr = it.frags[it.frag].PAddr
		it.left = it.frags[it.frag].Len
	}

	n := it.cut()

	seg := Segment{
		PAddr:     it.addr,
		Len:       n,
		Direction: it.dir,
		First:     it.emitted == 0,
		Last:      it.frag == len(it.frags)-1 && n == it.left,
	}
	it.address(&seg)

	it.addr += n
	it.left -= n
	it.offset += n
	it.emitted++

	return seg, true
}

func (it *SegmentIter) cut() uint64 {
	n := it.left

	if it.c.MaxSegmentSize > 0 {
		n = min(n, it.c.MaxSegmentSize)
	}

	if it.c.Boundary > 0 {
		n = min(n, it.c.Boundary-it.addr%it.c.Boundary)
	}

	if n < it.left && it.c.Alignment > 1 {
		end := (it.addr + n) &^ (it.c.Alignment - 1)
		if end > it.addr {
			n = end - it.addr
		}
	}

	return n
}

func (it *SegmentIter) address(seg *Segment) {
	switch it.dir {
	case MemToDev:
		seg.SrcAddr = seg.PAddr
		seg.DstAddr = it.target
	case DevToMem:
		seg.SrcAddr = it.target
		seg.DstAddr = seg.PAddr
	case MemToMem:
		seg.SrcAddr = seg.PAddr
		seg.DstAddr = it.target + it.offset
	default:
		seg.SrcAddr = seg.PAddr
		seg.DstAddr = it.target
	}
}

// Collect drains an iterator.
func Collect(it *SegmentIter) []Segment {
	var segs []Segment

	for {
		seg, ok := it.Next()
		if !ok {
			return segs
		}

		segs = append(segs, seg)
	}
}
