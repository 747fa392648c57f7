package xdma

import (
	"fmt"
)

// Direction tells which side of a transfer is memory and which is a device.
type Direction int

// Transfer directions.
const (
	MemToMem Direction = iota
	MemToDev
	DevToMem
	DevToDev
)

func (d Direction) String() string {
	switch d {
	case MemToMem:
		return "MemToMem"
	case MemToDev:
		return "MemToDev"
	case DevToMem:
		return "DevToMem"
	case DevToDev:
		return "DevToDev"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// OperationType is the shape of work a channel is configured for.
type OperationType int

// Operation types.
const (
	Memcpy OperationType = iota
	ScatterGather
	Cyclic
	FIFO
)

func (o OperationType) String() string {
	switch o {
	case Memcpy:
		return "Memcpy"
	case ScatterGather:
		return "ScatterGather"
	case Cyclic:
		return "Cyclic"
	case FIFO:
		return "FIFO"
	default:
		return fmt.Sprintf("OperationType(%d)", int(o))
	}
}

// Command is a lifecycle command forwarded to a backend.
type Command int

// Commands.
const (
	CmdBegin Command = iota
	CmdPause
	CmdTerminate
	CmdTerminateAll
)

func (c Command) String() string {
	switch c {
	case CmdBegin:
		return "Begin"
	case CmdPause:
		return "Pause"
	case CmdTerminate:
		return "Terminate"
	case CmdTerminateAll:
		return "TerminateAll"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// State is the lifecycle state of a channel.
type State int

// Channel states.
const (
	Unconfigured State = iota
	Configured
	Running
	Paused
	Terminated
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "Unconfigured"
	case Configured:
		return "Configured"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Owner tells who may touch a descriptor.
type Owner int

// Descriptor owners.
const (
	OwnerConsumer Owner = iota
	OwnerBackend
)

func (o Owner) String() string {
	if o == OwnerBackend {
		return "Backend"
	}

	return "Consumer"
}

// Status is the outcome of a transfer.
type Status struct {
	Err         error
	Transferred uint64
}

// Failed tells whether the transfer carries an error.
func (s Status) Failed() bool {
	return s.Err != nil
}

// add folds other into s. The first error wins and bytes add up.
func (s *Status) add(other Status) {
	if s.Err == nil {
		s.Err = other.Err
	}

	s.Transferred += other.Transferred
}

// Config describes a fixed block transfer, used by memcpy, cyclic and FIFO
// channels.
type Config struct {
	Direction Direction
	SrcAddr   uint64
	DstAddr   uint64
	BlockLen  uint64
	BlockNum  int
	SrcWidth  int
	DstWidth  int
}

// StreamPosition is where a streaming engine has written up to.
type StreamPosition struct {
	Offset uint64
	Cycle  uint64
}
