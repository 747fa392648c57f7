package pl330

import (
	"encoding/binary"
)

// Opcodes.
const (
	opEND    = 0x00
	opKILL   = 0x01
	opLD     = 0x04
	opST     = 0x08
	opLP     = 0x20
	opLPEND  = 0x28
	opWFP    = 0x30
	opSEV    = 0x34
	opFLUSHP = 0x35
	opGO     = 0xA0
	opMOV    = 0xBC
)

// burst selects the burst form of LD, ST and LPEND.
const burst = 1<<1 | 1<<0

// lpendNoForever marks a loop end that was started by LP.
const lpendNoForever = 1 << 4

// Loop counters take at most 256 iterations, so a word count is covered by an
// outer loop around an inner loop of innerIter iterations plus a remainder
// loop.
const (
	maxIter   = 256
	innerIter = 128
)

// A Program accumulates micro-program bytes.
type Program struct {
	buf []byte
}

// Bytes returns the encoded program.
func (p *Program) Bytes() []byte {
	return p.buf
}

// Len returns the number of bytes emitted so far.
func (p *Program) Len() int {
	return len(p.buf)
}

func (p *Program) emit(b ...byte) {
	p.buf = append(p.buf, b...)
}

// MOV loads an immediate into SAR, CCR or DAR.
func (p *Program) MOV(reg byte, val uint32) {
	p.emit(opMOV, reg)
	p.buf = binary.LittleEndian.AppendUint32(p.buf, val)
}

// LP starts a loop on counter idx that runs iter times. It returns the offset
// of the loop body, which LPEND needs.
func (p *Program) LP(idx int, iter int) int {
	if idx > 1 || iter < 1 || iter > maxIter {
		panic("invalid loop")
	}

	p.emit(opLP|byte(idx)<<1, byte(iter-1))

	return len(p.buf)
}

// LPEND closes the loop on counter idx whose body starts at body.
func (p *Program) LPEND(idx int, body int) {
	jump := len(p.buf) - body
	if jump > 0xff {
		panic("loop body too long")
	}

	p.emit(opLPEND|lpendNoForever|byte(idx)<<2|burst, byte(jump))
}

// LD loads one beat from SAR.
func (p *Program) LD() {
	p.emit(opLD | burst)
}

// ST stores one beat to DAR.
func (p *Program) ST() {
	p.emit(opST | burst)
}

// WFP waits for a burst request from a peripheral.
func (p *Program) WFP(periph int) {
	p.emit(opWFP|1, byte(periph)<<3)
}

// SEV signals an event.
func (p *Program) SEV(event int) {
	p.emit(opSEV, byte(event)<<3)
}

// FLUSHP flushes a peripheral's request state.
func (p *Program) FLUSHP(periph int) {
	p.emit(opFLUSHP, byte(periph)<<3)
}

// END stops the channel.
func (p *Program) END() {
	p.emit(opEND)
}

// KILL returns the bytes of the KILL instruction, issued on a channel thread.
func KILL() []byte {
	return []byte{opKILL}
}

// GO returns the bytes of the GO instruction that starts channel ch at addr.
func GO(ch int, addr uint32) []byte {
	b := []byte{opGO, byte(ch)}
	return binary.LittleEndian.AppendUint32(b, addr)
}

// ccr builds a channel control value with beats of 1<<size bytes.
func ccr(incSrc, incDst bool, size uint32) uint32 {
	v := size<<ccrSrcSizeShift | size<<ccrDstSizeShift
	if incSrc {
		v |= CCRSrcInc | CCRDstProt1
	}

	if incDst {
		v |= CCRDstInc
	}

	return v
}

// A Block is one contiguous move.
type Block struct {
	Src, Dst   uint32
	Len        uint32
	IncSrc     bool
	IncDst     bool
	Periph     int
	WaitPeriph bool
}

// Transfer emits the moves of b: four-byte beats for the words, then one-byte
// beats for a tail that is not a multiple of four.
func (p *Program) Transfer(b Block) {
	p.MOV(RegCCR, ccr(b.IncSrc, b.IncDst, 2))
	p.MOV(RegSAR, b.Src)
	p.MOV(RegDAR, b.Dst)

	words := int(b.Len / 4)
	for words > innerIter {
		outer := min(words/innerIter, maxIter)

		o := p.LP(0, outer)
		i := p.LP(1, innerIter)
		p.beat(b)
		p.LPEND(1, i)
		p.LPEND(0, o)

		words -= outer * innerIter
	}

	if words > 0 {
		p.loop(b, words)
	}

	if tail := int(b.Len % 4); tail > 0 {
		p.MOV(RegCCR, ccr(b.IncSrc, b.IncDst, 0))
		p.loop(b, tail)
	}
}

func (p *Program) loop(b Block, n int) {
	body := p.LP(0, n)
	p.beat(b)
	p.LPEND(0, body)
}

func (p *Program) beat(b Block) {
	if b.WaitPeriph {
		p.WFP(b.Periph)
	}

	p.LD()
	p.ST()
}

// Truncate drops everything emitted after the first n bytes.
func (p *Program) Truncate(n int) {
	p.buf = p.buf[:n]
}
