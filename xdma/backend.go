package xdma

// Caps declares what a backend can do and how buffers must be cut for it.
type Caps struct {
	MaxSegmentSize uint64
	Alignment      uint64
	Boundary       uint64
	Ops            []OperationType
}

// Supports tells whether op is listed in the capabilities.
func (c Caps) Supports(op OperationType) bool {
	for _, o := range c.Ops {
		if o == op {
			return true
		}
	}

	return false
}

// A Submission hands one descriptor to a backend.
type Submission struct {
	Desc int
	Segment
}

// A Backend executes transfers for the channels of one controller.
//
// Submit and Control return as soon as the work has been handed over.
// Completion is reported later through Controller.Complete or
// Controller.CompleteCyclic, from whatever goroutine the backend runs its
// interrupt handling or worker on.
type Backend interface {
	Name() string
	Caps() Caps
	ChannelAlloc(ch *Channel) (hwIndex int, err error)
	ChannelFree(ch *Channel) error
	Submit(ch *Channel, subs []Submission) error
	Control(ch *Channel, cmd Command) error
}

// A Preparer is told when a channel is configured.
type Preparer interface {
	Prep(ch *Channel, op OperationType) error
}

// A CapacityReporter reports how many bytes a channel can still accept.
type CapacityReporter interface {
	Capacity(ch *Channel) (uint64, error)
}

// A StreamReader reports the write position of a streaming engine.
type StreamReader interface {
	ReadPosition(ch *Channel) (StreamPosition, error)
}

// A MetadataParser turns device-tree cells into backend metadata.
type MetadataParser interface {
	ParseMetadata(cells []uint32) (any, error)
}
