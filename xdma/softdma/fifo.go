package softdma

import (
	"sync"

	"github.com/sarchlab/xdma/regs"
)

// Mode tells which side of a FIFO the driver sits on.
type Mode int

// FIFO modes.
const (
	// Transmit FIFOs are written by the driver and drained into a Sink.
	Transmit Mode = iota
	// Receive FIFOs are fed through Inject and read by the driver.
	Receive
)

// A Word is one FIFO entry with its sideband.
type Word struct {
	Data uint32
	Meta uint32
}

// A Sink receives the packets that leave a transmit FIFO.
type Sink func(packet []byte)

// A FIFO is a behavioural model of an on-chip memory FIFO with a data window
// and a control window.
type FIFO struct {
	data    *regs.Bank
	control *regs.Bank
	line    *regs.Line
	mode    Mode
	depth   int

	mu       sync.Mutex
	words    []Word
	backlog  []Word
	events   uint32
	txMeta   uint32
	stalled  bool
	inPacket bool
	packet   []byte
	dropped  int
	sink     Sink
}

// NewFIFO creates a FIFO of depth words.
func NewFIFO(name string, mode Mode, depth int, line *regs.Line) *FIFO {
	if depth <= 0 {
		panic("FIFO depth must be positive")
	}

	f := &FIFO{
		data:    regs.NewBank(name + ".Data"),
		control: regs.NewBank(name + ".Control"),
		line:    line,
		mode:    mode,
		depth:   depth,
	}

	f.data.OnRead(DATA, f.readData)
	f.data.OnWrite(DATA, f.writeData)
	f.data.OnWrite(METADATA, f.writeMeta)

	f.control.OnRead(FILLLEVEL, f.readLevel)
	f.control.OnRead(ISTATUS, f.readStatus)
	f.control.OnRead(EVENT, f.readEvent)
	f.control.OnWrite(EVENT, f.clearEvent)
	f.control.OnWrite(INTENABLE, func(_, _ uint32) { f.signal() })

	return f
}

// Data returns the data window.
func (f *FIFO) Data() *regs.Bank {
	return f.data
}

// Control returns the control window.
func (f *FIFO) Control() *regs.Bank {
	return f.control
}

// Mode returns the side the driver sits on.
func (f *FIFO) Mode() Mode {
	return f.mode
}

// SetSink sets where transmitted packets go.
func (f *FIFO) SetSink(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sink = s
}

// Stall stops or restarts the consumer of a transmit FIFO. A stalled FIFO
// fills up.
func (f *FIFO) Stall(stalled bool) {
	f.mu.Lock()
	f.stalled = stalled

	var out [][]byte
	if !stalled {
		out = f.drainLocked()
	}

	sink := f.sink
	f.mu.Unlock()

	f.deliver(sink, out)
	f.signal()
}

// Level returns the number of words in the FIFO.
func (f *FIFO) Level() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.words)
}

// Words returns a copy of the words in the FIFO.
func (f *FIFO) Words() []Word {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Word(nil), f.words...)
}

// Dropped returns the number of transmitted words that were not part of a
// packet.
func (f *FIFO) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.dropped
}

// Inject queues a packet on a receive FIFO. Words that do not fit wait
// until the driver makes room.
func (f *FIFO) Inject(packet []byte) {
	f.InjectWords(Packetize(packet)...)
}

// InjectWords queues raw words on a receive FIFO.
func (f *FIFO) InjectWords(words ...Word) {
	if f.mode != Receive {
		panic("inject into a transmit FIFO")
	}

	f.mu.Lock()
	f.backlog = append(f.backlog, words...)
	f.refillLocked()
	f.mu.Unlock()

	f.signal()
}

// Packetize cuts a packet into words. Bytes are packed most significant
// first and the last word carries the number of unused bytes.
func Packetize(packet []byte) []Word {
	if len(packet) == 0 {
		return nil
	}

	n := (len(packet) + 3) / 4
	words := make([]Word, n)

	for i := range words {
		lo := i * 4
		hi := min(lo+4, len(packet))
		words[i].Data = packWord(packet[lo:hi])
	}

	words[0].Meta |= MetaSOP
	words[n-1].Meta |= MetaEOP |
		uint32(n*4-len(packet))<<MetaEmptyShift

	return words
}

func packWord(b []byte) uint32 {
	var w uint32
	for i := 0; i < 4; i++ {
		w <<= 8
		if i < len(b) {
			w |= uint32(b[i])
		}
	}

	return w
}

func unpackWord(w uint32, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(w >> (24 - 8*i))
	}

	return b
}

func (f *FIFO) readLevel(uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return uint32(len(f.words))
}

func (f *FIFO) readStatus(uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.levelBitsLocked()
}

func (f *FIFO) levelBitsLocked() uint32 {
	var st uint32

	n := uint32(len(f.words))

	switch n {
	case 0:
		st |= IntrEmpty
	case uint32(f.depth):
		st |= IntrFull
	}

	if af := f.control.Get(ALMOSTFULL); af > 0 && n >= af {
		st |= IntrAlmostFull
	}

	if ae := f.control.Get(ALMOSTEMPTY); n <= ae {
		st |= IntrAlmostEmpty
	}

	return st
}

func (f *FIFO) readEvent(uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.events
}

func (f *FIFO) clearEvent(_, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events &^= v
}

// signal raises the line while an enabled event is pending.
func (f *FIFO) signal() {
	f.mu.Lock()
	events := f.events
	f.mu.Unlock()

	if events&f.control.Get(INTENABLE) != 0 && f.line != nil {
		f.line.Raise()
	}
}

func (f *FIFO) writeMeta(_, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.txMeta = v
}

func (f *FIFO) writeData(_, v uint32) {
	f.mu.Lock()

	if f.mode != Transmit {
		f.events |= IntrOverflow
		f.mu.Unlock()
		f.signal()

		return
	}

	w := Word{Data: v, Meta: f.txMeta}
	f.txMeta = 0

	if len(f.words) >= f.depth {
		f.events |= IntrOverflow
	} else {
		f.words = append(f.words, w)
		f.events |= f.levelBitsLocked() & (IntrFull | IntrAlmostFull)
	}

	var out [][]byte
	if !f.stalled {
		out = f.drainLocked()
	}

	sink := f.sink
	f.mu.Unlock()

	f.deliver(sink, out)
	f.signal()
}

func (f *FIFO) readData(uint32) uint32 {
	f.mu.Lock()

	if len(f.words) == 0 {
		f.events |= IntrUnderflow
		f.mu.Unlock()
		f.data.Set(METADATA, 0)
		f.signal()

		return 0
	}

	w := f.words[0]
	f.words = f.words[1:]
	f.refillLocked()
	f.events |= f.levelBitsLocked() & (IntrEmpty | IntrAlmostEmpty)
	f.mu.Unlock()

	f.data.Set(METADATA, w.Meta)
	f.signal()

	return w.Data
}

func (f *FIFO) refillLocked() {
	for len(f.backlog) > 0 && len(f.words) < f.depth {
		f.words = append(f.words, f.backlog[0])
		f.backlog = f.backlog[1:]
	}

	f.events |= f.levelBitsLocked() & (IntrFull | IntrAlmostFull)
}

// drainLocked moves every queued word of a transmit FIFO into packets and
// returns the packets that ended.
func (f *FIFO) drainLocked() [][]byte {
	var out [][]byte

	for _, w := range f.words {
		if w.Meta&MetaSOP != 0 {
			if f.inPacket {
				f.dropped += (len(f.packet) + 3) / 4
			}

			f.inPacket = true
			f.packet = nil
		}

		if !f.inPacket {
			f.dropped++
			continue
		}

		n := 4
		if w.Meta&MetaEOP != 0 {
			n -= int((w.Meta & MetaEmptyMask) >> MetaEmptyShift)
			n = max(n, 0)
		}

		f.packet = append(f.packet, unpackWord(w.Data, n)...)

		if w.Meta&MetaEOP != 0 {
			out = append(out, f.packet)
			f.packet = nil
			f.inPacket = false
		}
	}

	if len(f.words) > 0 {
		f.words = f.words[:0]
		f.events |= IntrEmpty
	}

	return out
}

func (f *FIFO) deliver(sink Sink, packets [][]byte) {
	if sink == nil {
		return
	}

	for _, p := range packets {
		sink(p)
	}
}
