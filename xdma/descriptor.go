package xdma

import (
	"github.com/sarchlab/xdma/busdma"
)

// A Descriptor is one hardware-visible elementary transfer. Descriptors live
// in an arena owned by the channel and refer to each other by index.
type Descriptor struct {
	Addr      uint64
	Len       uint64
	SrcAddr   uint64
	DstAddr   uint64
	Direction Direction
	First     bool
	Last      bool
	Owner     Owner
	Next      int

	// Request is the request slot the descriptor belongs to, or -1.
	Request int

	// Backend holds per-descriptor data private to the backend.
	Backend any
}

// A Request is one logical transfer of a consumer buffer.
type Request struct {
	ID        string
	Buffer    busdma.Buffer
	Direction Direction
	SrcAddr   uint64
	DstAddr   uint64
	Len       uint64
	Status    Status
	Done      bool
}

// bufEntry is the buffer table slot of an in-flight request.
type bufEntry struct {
	firstDesc int
	nsegs     int
	nsegsLeft int
	mapping   *busdma.Map
}

func (d *Descriptor) fill(seg Segment, req int) {
	d.Addr = seg.PAddr
	d.Len = seg.Len
	d.SrcAddr = seg.SrcAddr
	d.DstAddr = seg.DstAddr
	d.Direction = seg.Direction
	d.First = seg.First
	d.Last = seg.Last
	d.Owner = OwnerConsumer
	d.Request = req
}

func (d *Descriptor) segment() Segment {
	return Segment{
		PAddr:     d.Addr,
		Len:       d.Len,
		Direction: d.Direction,
		SrcAddr:   d.SrcAddr,
		DstAddr:   d.DstAddr,
		First:     d.First,
		Last:      d.Last,
	}
}
