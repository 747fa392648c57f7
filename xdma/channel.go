package xdma

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xdma/busdma"
	"github.com/sarchlab/xdma/hooking"
)

// A Channel is one independently scheduled DMA stream.
//
// The channel lock guards the request queue, the buffer table and the
// descriptor ring. It is never held while calling into the backend or while
// running completion callbacks.
type Channel struct {
	hooking.HookableBase

	ctrl    *Controller
	name    string
	hwIndex int
	meta    any
	log     *logrus.Entry

	// submitMu serializes the producer side of the channel (prep, begin,
	// submit) across backend calls.
	submitMu sync.Mutex

	mu          sync.Mutex
	state       State
	op          OperationType
	cfg         Config
	builder     SGBuilder
	freed       bool
	backendData any
	progress    chan struct{}

	reqs      []Request
	bufs      []bufEntry
	reqRing   ring
	reqSubmit int

	descs      []Descriptor
	descRing   ring
	descSubmit int
	cyclicIdx  int
	cyclicArmd bool

	intrMu   sync.Mutex
	handlers []*IntrHandler

	// dispatchers counts running completion callbacks per goroutine.
	dispatchers  map[uint64]int
	dispatchIdle chan struct{}
}

func newChannel(ctrl *Controller, name string, meta any) *Channel {
	return &Channel{
		ctrl:     ctrl,
		name:     name,
		hwIndex:  -1,
		meta:     meta,
		progress: make(chan struct{}),
		log: ctrl.log.WithFields(logrus.Fields{
			"controller": ctrl.name,
			"channel":    name,
		}),
	}
}

// Name returns the name of the channel.
func (ch *Channel) Name() string {
	return ch.name
}

// HWIndex returns the hardware channel index assigned by the backend.
func (ch *Channel) HWIndex() int {
	return ch.hwIndex
}

// Controller returns the controller that owns the channel.
func (ch *Channel) Controller() *Controller {
	return ch.ctrl
}

// Metadata returns the backend metadata handed in at allocation.
func (ch *Channel) Metadata() any {
	return ch.meta
}

// State returns the lifecycle state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.state
}

// Operation returns the operation the channel was prepared for. It is only
// meaningful once the channel is configured.
func (ch *Channel) Operation() OperationType {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.op
}

// Config returns the block transfer configuration.
func (ch *Channel) Config() Config {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.cfg
}

// Constraints returns the segment constraints of a scatter-gather channel.
func (ch *Channel) Constraints() Constraints {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.builder.Constraints()
}

// BackendData returns the state the backend attached to the channel.
func (ch *Channel) BackendData() any {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.backendData
}

// SetBackendData attaches backend state to the channel.
func (ch *Channel) SetBackendData(v any) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.backendData = v
}

// SetDescriptorData attaches backend data to a descriptor.
func (ch *Channel) SetDescriptorData(i int, v any) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.descs[i].Backend = v
}

// Descriptors calls fn on a copy of every descriptor in the arena.
func (ch *Channel) Descriptors(fn func(i int, d Descriptor)) {
	ch.mu.Lock()
	descs := make([]Descriptor, len(ch.descs))
	copy(descs, ch.descs)
	ch.mu.Unlock()

	for i, d := range descs {
		fn(i, d)
	}
}

// Len returns the number of requests between tail and head.
func (ch *Channel) Len() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.reqs == nil {
		return 0
	}

	return ch.reqRing.count()
}

// Depth returns how many requests the queue holds when full. It is zero
// before the channel is prepared.
func (ch *Channel) Depth() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.reqs == nil {
		return 0
	}

	return ch.reqRing.capacity - 1
}

// Pending returns the number of submitted requests that are not done yet.
func (ch *Channel) Pending() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.pendingLocked()
}

func (ch *Channel) pendingLocked() int {
	if ch.reqs == nil {
		return 0
	}

	n := 0
	for i := ch.reqRing.tail; i != ch.reqSubmit; i = ch.reqRing.next(i) {
		if !ch.reqs[i].Done {
			n++
		}
	}

	return n
}

func (ch *Channel) notifyProgressLocked() {
	close(ch.progress)
	ch.progress = make(chan struct{})
}

// PrepMemcpy configures a one-shot memory to memory copy. Begin starts it.
func (ch *Channel) PrepMemcpy(src, dst, length uint64) error {
	if length == 0 {
		return fmt.Errorf("%w: zero-length memcpy", ErrConfiguration)
	}

	cfg := Config{
		Direction: MemToMem,
		SrcAddr:   src,
		DstAddr:   dst,
		BlockLen:  length,
		BlockNum:  1,
	}

	return ch.prep(Memcpy, cfg, func() {
		ch.allocQueues(1, 1)

		slot := ch.reqRing.head
		ch.reqs[slot] = Request{
			ID:        ch.ctrl.idGen.Generate(),
			Direction: MemToMem,
			SrcAddr:   src,
			DstAddr:   dst,
			Len:       length,
		}
		ch.bufs[slot] = bufEntry{firstDesc: 0, nsegs: 1, nsegsLeft: 1}
		ch.descs[0].fill(Segment{
			PAddr:     src,
			Len:       length,
			Direction: MemToMem,
			SrcAddr:   src,
			DstAddr:   dst,
			First:     true,
			Last:      true,
		}, slot)

		ch.reqRing.head = ch.reqRing.next(slot)
		ch.descRing.head = ch.descRing.next(0)
	})
}

// PrepCyclic configures a repeating transfer of cfg.BlockNum blocks of
// cfg.BlockLen bytes. The descriptors form a closed loop and each one is
// re-armed after its period has been consumed.
func (ch *Channel) PrepCyclic(cfg Config) error {
	if cfg.BlockLen == 0 || cfg.BlockNum <= 0 {
		return fmt.Errorf("%w: cyclic transfer needs blocks, got %d x %d",
			ErrConfiguration, cfg.BlockNum, cfg.BlockLen)
	}

	return ch.prep(Cyclic, cfg, func() {
		ch.descs = make([]Descriptor, cfg.BlockNum)

		for i := range ch.descs {
			off := uint64(i) * cfg.BlockLen
			seg := Segment{
				Len:       cfg.BlockLen,
				Direction: cfg.Direction,
				SrcAddr:   cfg.SrcAddr,
				DstAddr:   cfg.DstAddr,
				First:     true,
				Last:      true,
			}

			switch cfg.Direction {
			case MemToDev:
				seg.SrcAddr += off
				seg.PAddr = seg.SrcAddr
			case DevToMem:
				seg.DstAddr += off
				seg.PAddr = seg.DstAddr
			default:
				seg.SrcAddr += off
				seg.DstAddr += off
				seg.PAddr = seg.SrcAddr
			}

			ch.descs[i].fill(seg, -1)
			ch.descs[i].Next = (i + 1) % cfg.BlockNum
		}
	})
}

// PrepFIFO configures a fixed-function stream into the buffer at
// cfg.DstAddr of cfg.BlockLen*cfg.BlockNum bytes.
func (ch *Channel) PrepFIFO(cfg Config) error {
	if cfg.BlockLen == 0 || cfg.BlockNum <= 0 {
		return fmt.Errorf("%w: FIFO stream needs a buffer", ErrConfiguration)
	}

	return ch.prep(FIFO, cfg, func() {})
}

// PrepScatterGather sizes the channel for queueDepth in-flight requests of up
// to maxSegments segments each. A zero maxSegmentSize takes the backend
// limit.
func (ch *Channel) PrepScatterGather(
	queueDepth int,
	maxSegmentSize uint64,
	maxSegments int,
) error {
	if queueDepth <= 0 || maxSegments <= 0 {
		return fmt.Errorf("%w: queue depth %d, max segments %d",
			ErrConfiguration, queueDepth, maxSegments)
	}

	caps := ch.ctrl.backend.Caps()
	if maxSegmentSize == 0 ||
		(caps.MaxSegmentSize > 0 && maxSegmentSize > caps.MaxSegmentSize) {
		maxSegmentSize = caps.MaxSegmentSize
	}

	return ch.prep(ScatterGather, Config{}, func() {
		ch.allocQueues(queueDepth, maxSegments)
		ch.builder = NewSGBuilder(Constraints{
			MaxSegmentSize: maxSegmentSize,
			Alignment:      caps.Alignment,
			Boundary:       caps.Boundary,
			MaxSegments:    maxSegments,
		})
	})
}

func (ch *Channel) allocQueues(depth, maxSegments int) {
	ch.reqRing = newRing(depth + 1)
	ch.reqs = make([]Request, ch.reqRing.capacity)
	ch.bufs = make([]bufEntry, ch.reqRing.capacity)

	ch.descRing = newRing(depth*maxSegments + 1)
	ch.descs = make([]Descriptor, ch.descRing.capacity)

	for i := range ch.descs {
		ch.descs[i].Next = ch.descRing.next(i)
		ch.descs[i].Request = -1
	}
}

func (ch *Channel) prep(op OperationType, cfg Config, setup func()) error {
	if !ch.ctrl.backend.Caps().Supports(op) {
		return fmt.Errorf("%w: backend %s does not support %s",
			ErrConfiguration, ch.ctrl.backend.Name(), op)
	}

	ch.submitMu.Lock()
	defer ch.submitMu.Unlock()

	ch.mu.Lock()
	if ch.state != Unconfigured {
		state := ch.state
		ch.mu.Unlock()

		return fmt.Errorf("%w: channel %s is %s",
			ErrConfiguration, ch.name, state)
	}

	ch.op = op
	ch.cfg = cfg
	setup()
	ch.mu.Unlock()

	if p, ok := ch.ctrl.backend.(Preparer); ok {
		if err := p.Prep(ch, op); err != nil {
			ch.mu.Lock()
			ch.reqs, ch.bufs, ch.descs = nil, nil, nil
			ch.mu.Unlock()

			return fmt.Errorf("%w: prepare %s: %w", ErrConfiguration, op, err)
		}
	}

	ch.mu.Lock()
	ch.state = Configured
	ch.mu.Unlock()

	ch.log.WithField("op", op.String()).Debug("channel configured")

	return nil
}

// Enqueue maps buf and appends one request for it. The request needs one
// descriptor per segment. It fails fast with ErrQueueFull when either the
// request queue or the descriptor ring cannot take it, leaving the channel
// untouched.
func (ch *Channel) Enqueue(
	buf busdma.Buffer,
	target uint64,
	dir Direction,
) error {
	if buf.Len == 0 {
		return fmt.Errorf("%w: empty buffer %s", ErrConfiguration, buf.ID)
	}

	ch.mu.Lock()
	if ch.op != ScatterGather || ch.state == Unconfigured ||
		ch.state == Terminated {
		state := ch.state
		ch.mu.Unlock()

		return fmt.Errorf("%w: cannot enqueue on %s channel %s",
			ErrConfiguration, state, ch.name)
	}

	builder := ch.builder
	ch.mu.Unlock()

	c := builder.Constraints()

	m, err := ch.ctrl.mapper.Load(busdma.Tag{
		Alignment:  c.Alignment,
		Boundary:   c.Boundary,
		MaxSegSize: c.MaxSegmentSize,
		NSegments:  c.MaxSegments,
	}, buf)
	if errors.Is(err, busdma.ErrTooManySegments) {
		return fmt.Errorf("%w: %w", ErrNoCapacity, err)
	} else if err != nil {
		return fmt.Errorf("%w: load buffer %s: %w", ErrConfiguration, buf.ID, err)
	}

	segs := Collect(builder.Build(m.Segments(), dir, target))
	if len(segs) > c.MaxSegments {
		ch.unload(m)

		return fmt.Errorf("%w: buffer %s needs %d segments, channel allows %d",
			ErrNoCapacity, buf.ID, len(segs), c.MaxSegments)
	}

	req, err := ch.commit(buf, target, dir, segs, m)
	if err != nil {
		ch.unload(m)
		return err
	}

	ch.sync(m, dir, true)

	ch.ctrl.metrics.enqueued.WithLabelValues(ch.ctrl.name, ch.name).Inc()
	ch.invoke(HookPosReqEnqueue, req)

	return nil
}

func (ch *Channel) commit(
	buf busdma.Buffer,
	target uint64,
	dir Direction,
	segs []Segment,
	m *busdma.Map,
) (Request, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state == Terminated {
		return Request{}, fmt.Errorf("%w: channel %s terminated",
			ErrConfiguration, ch.name)
	}

	if ch.reqRing.full() || ch.descRing.free() < len(segs) {
		return Request{}, fmt.Errorf("%w: %d requests, %d free descriptors",
			ErrQueueFull, ch.reqRing.count(), ch.descRing.free())
	}

	slot := ch.reqRing.head
	req := Request{
		ID:        ch.ctrl.idGen.Generate(),
		Buffer:    buf,
		Direction: dir,
		SrcAddr:   segs[0].SrcAddr,
		DstAddr:   segs[0].DstAddr,
		Len:       buf.Len,
	}
	ch.reqs[slot] = req
	ch.bufs[slot] = bufEntry{
		firstDesc: ch.descRing.head,
		nsegs:     len(segs),
		nsegsLeft: len(segs),
		mapping:   m,
	}

	for _, seg := range segs {
		ch.descs[ch.descRing.head].fill(seg, slot)
		ch.descRing.head = ch.descRing.next(ch.descRing.head)
	}

	ch.reqRing.head = ch.reqRing.next(slot)

	return req, nil
}

func (ch *Channel) sync(m *busdma.Map, dir Direction, pre bool) {
	var ops []busdma.SyncOp

	switch dir {
	case MemToDev:
		ops = []busdma.SyncOp{busdma.PostWrite}
		if pre {
			ops = []busdma.SyncOp{busdma.PreWrite}
		}
	case DevToMem:
		ops = []busdma.SyncOp{busdma.PostRead}
		if pre {
			ops = []busdma.SyncOp{busdma.PreRead}
		}
	default:
		ops = []busdma.SyncOp{busdma.PostRead, busdma.PostWrite}
		if pre {
			ops = []busdma.SyncOp{busdma.PreRead, busdma.PreWrite}
		}
	}

	for _, op := range ops {
		if err := ch.ctrl.mapper.Sync(m, op); err != nil {
			ch.log.WithError(err).WithField("sync", op.String()).
				Warn("sync failed")
		}
	}
}

func (ch *Channel) unload(m *busdma.Map) {
	if err := ch.ctrl.mapper.Unload(m); err != nil {
		ch.log.WithError(err).Warn("unload failed")
	}
}

// Submit hands every request that has not been submitted yet to the backend.
// Their descriptors become owned by the backend. While the channel is paused
// the requests stay pending until Begin.
func (ch *Channel) Submit() error {
	ch.submitMu.Lock()
	defer ch.submitMu.Unlock()

	return ch.flush()
}

// flush must be called with submitMu held.
func (ch *Channel) flush() error {
	ch.mu.Lock()

	switch {
	case ch.state == Unconfigured || ch.state == Terminated:
		state := ch.state
		ch.mu.Unlock()

		return fmt.Errorf("%w: cannot submit on %s channel %s",
			ErrConfiguration, state, ch.name)
	case ch.op != ScatterGather && ch.op != Memcpy:
		ch.mu.Unlock()
		return fmt.Errorf("%w: nothing to submit on %s channel",
			ErrConfiguration, ch.op)
	case ch.state == Paused:
		ch.mu.Unlock()
		return nil
	}

	var subs []Submission
	for i := ch.descSubmit; i != ch.descRing.head; i = ch.descRing.next(i) {
		ch.descs[i].Owner = OwnerBackend
		subs = append(subs, Submission{Desc: i, Segment: ch.descs[i].segment()})
	}

	if len(subs) == 0 {
		ch.mu.Unlock()
		return nil
	}

	prevDesc, prevReq := ch.descSubmit, ch.reqSubmit

	var submitted []Request
	for i := prevReq; i != ch.reqRing.head; i = ch.reqRing.next(i) {
		submitted = append(submitted, ch.reqs[i])
	}

	ch.descSubmit = ch.descRing.head
	ch.reqSubmit = ch.reqRing.head
	ch.state = Running
	ch.mu.Unlock()

	if err := ch.ctrl.backend.Submit(ch, subs); err != nil {
		ch.mu.Lock()
		if ch.state != Terminated {
			for _, s := range subs {
				ch.descs[s.Desc].Owner = OwnerConsumer
			}

			ch.descSubmit, ch.reqSubmit = prevDesc, prevReq
		}
		ch.mu.Unlock()

		return fmt.Errorf("submit to %s: %w", ch.ctrl.backend.Name(), err)
	}

	for _, req := range submitted {
		ch.invoke(HookPosReqSubmit, req)
	}

	return nil
}

// Dequeue pops the oldest request if it is done. It returns ErrEmpty when
// there is no request or the oldest one is still in flight.
func (ch *Channel) Dequeue() (busdma.Buffer, Status, error) {
	ch.mu.Lock()

	if ch.reqs == nil {
		ch.mu.Unlock()
		return busdma.Buffer{}, Status{}, fmt.Errorf(
			"%w: channel %s has no request queue", ErrConfiguration, ch.name)
	}

	if ch.reqRing.empty() {
		ch.mu.Unlock()
		return busdma.Buffer{}, Status{}, ErrEmpty
	}

	slot := ch.reqRing.tail
	req := ch.reqs[slot]

	if !req.Done {
		ch.mu.Unlock()
		return busdma.Buffer{}, Status{}, fmt.Errorf(
			"%w: request %s in flight", ErrEmpty, req.ID)
	}

	b := ch.bufs[slot]
	ch.reqs[slot] = Request{}
	ch.bufs[slot] = bufEntry{}

	if ch.reqSubmit == slot {
		ch.reqSubmit = ch.reqRing.next(slot)
	}

	ch.reqRing.tail = ch.reqRing.next(slot)
	ch.mu.Unlock()

	if b.mapping != nil {
		ch.sync(b.mapping, req.Direction, false)
		ch.unload(b.mapping)
	}

	ch.invoke(HookPosReqDequeue, req)

	return req.Buffer, req.Status, nil
}

// Begin starts or resumes the channel. Pending requests are submitted.
func (ch *Channel) Begin() error {
	ch.submitMu.Lock()
	defer ch.submitMu.Unlock()

	ch.mu.Lock()
	prev := ch.state

	if prev == Unconfigured || prev == Terminated {
		ch.mu.Unlock()
		return fmt.Errorf("%w: cannot begin %s channel %s",
			ErrConfiguration, prev, ch.name)
	}

	ch.state = Running
	op := ch.op
	ch.mu.Unlock()

	if err := ch.ctrl.backend.Control(ch, CmdBegin); err != nil {
		ch.restoreState(Running, prev)
		return fmt.Errorf("begin on %s: %w", ch.ctrl.backend.Name(), err)
	}

	switch op {
	case ScatterGather, Memcpy:
		return ch.flush()
	case Cyclic:
		return ch.armCyclic()
	}

	return nil
}

func (ch *Channel) restoreState(from, to State) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state == from {
		ch.state = to
	}
}

func (ch *Channel) armCyclic() error {
	ch.mu.Lock()

	if ch.cyclicArmd {
		ch.mu.Unlock()
		return nil
	}

	subs := make([]Submission, len(ch.descs))
	for i := range ch.descs {
		ch.descs[i].Owner = OwnerBackend
		subs[i] = Submission{Desc: i, Segment: ch.descs[i].segment()}
	}

	ch.cyclicArmd = true
	ch.cyclicIdx = 0
	ch.mu.Unlock()

	if err := ch.ctrl.backend.Submit(ch, subs); err != nil {
		ch.mu.Lock()
		for i := range ch.descs {
			ch.descs[i].Owner = OwnerConsumer
		}
		ch.cyclicArmd = false
		ch.mu.Unlock()

		return fmt.Errorf("arm cyclic on %s: %w", ch.ctrl.backend.Name(), err)
	}

	return nil
}

// Pause stops the channel from taking new work. Submitted work may still
// complete.
func (ch *Channel) Pause() error {
	ch.submitMu.Lock()
	defer ch.submitMu.Unlock()

	ch.mu.Lock()
	prev := ch.state

	switch prev {
	case Paused:
		ch.mu.Unlock()
		return nil
	case Running:
	default:
		ch.mu.Unlock()
		return fmt.Errorf("%w: cannot pause %s channel %s",
			ErrConfiguration, prev, ch.name)
	}

	ch.state = Paused
	ch.mu.Unlock()

	if err := ch.ctrl.backend.Control(ch, CmdPause); err != nil {
		ch.restoreState(Paused, prev)
		return fmt.Errorf("pause on %s: %w", ch.ctrl.backend.Name(), err)
	}

	return nil
}

// Terminate invalidates every request that is not done with ErrCancelled,
// returns all descriptors to the consumer and stops the backend. It waits for
// completion callbacks running for this channel on other goroutines, up to
// the controller's terminate timeout. No callback fires for the channel after
// Terminate returns. A callback may terminate its own channel.
func (ch *Channel) Terminate() error {
	return ch.terminate(CmdTerminate)
}

func (ch *Channel) terminate(cmd Command) error {
	ch.mu.Lock()
	prev := ch.state

	if prev == Terminated {
		ch.mu.Unlock()
		return nil
	}

	ch.state = Terminated
	cancelled := ch.cancelLocked()
	ch.notifyProgressLocked()
	ch.mu.Unlock()

	ch.ctrl.metrics.cancelled.WithLabelValues(ch.ctrl.name, ch.name).
		Add(float64(len(cancelled)))

	for _, req := range cancelled {
		ch.invoke(HookPosReqComplete, req)
	}

	var ctrlErr error
	if prev != Unconfigured {
		ctrlErr = ch.ctrl.backend.Control(ch, cmd)
	}

	if err := ch.waitDispatch(); err != nil {
		return err
	}

	ch.log.WithField("cancelled", len(cancelled)).Info("channel terminated")

	if ctrlErr != nil {
		return fmt.Errorf("terminate on %s: %w", ch.ctrl.backend.Name(), ctrlErr)
	}

	return nil
}

func (ch *Channel) cancelLocked() []Request {
	var cancelled []Request

	if ch.reqs != nil {
		for i := ch.reqRing.tail; i != ch.reqRing.head; i = ch.reqRing.next(i) {
			req := &ch.reqs[i]
			if req.Done {
				continue
			}

			req.Done = true
			req.Status.Err = fmt.Errorf("%w: request %s", ErrCancelled, req.ID)
			ch.bufs[i].nsegsLeft = 0
			cancelled = append(cancelled, *req)
		}

		ch.reqSubmit = ch.reqRing.head
		ch.descRing.tail = ch.descRing.head
		ch.descSubmit = ch.descRing.head
	}

	for i := range ch.descs {
		ch.descs[i].Owner = OwnerConsumer
	}

	ch.cyclicArmd = false

	return cancelled
}

// waitDispatch waits for callbacks running on other goroutines. A callback
// that terminates its own channel does not wait for itself.
func (ch *Channel) waitDispatch() error {
	self := goroutineID()
	timeout := ch.ctrl.terminateTimeout

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ch.mu.Lock()
	for ch.dispatchingElsewhereLocked(self) {
		idle := ch.dispatchIdle
		ch.mu.Unlock()

		select {
		case <-idle:
		case <-timer.C:
			return fmt.Errorf("%w: callback on %s still running after %s",
				ErrBackendTimeout, ch.name, timeout)
		}

		ch.mu.Lock()
	}
	ch.mu.Unlock()

	return nil
}

// Capacity asks the backend how many bytes the channel can still take.
func (ch *Channel) Capacity() (uint64, error) {
	r, ok := ch.ctrl.backend.(CapacityReporter)
	if !ok {
		return 0, fmt.Errorf("%w: backend %s does not report capacity",
			ErrConfiguration, ch.ctrl.backend.Name())
	}

	if s := ch.State(); s == Unconfigured || s == Terminated {
		return 0, fmt.Errorf("%w: channel %s is %s", ErrConfiguration, ch.name, s)
	}

	return r.Capacity(ch)
}

// StreamPosition asks a streaming backend where it has written up to.
func (ch *Channel) StreamPosition() (StreamPosition, error) {
	r, ok := ch.ctrl.backend.(StreamReader)
	if !ok {
		return StreamPosition{}, fmt.Errorf("%w: backend %s does not stream",
			ErrConfiguration, ch.ctrl.backend.Name())
	}

	if s := ch.State(); s == Unconfigured || s == Terminated {
		return StreamPosition{}, fmt.Errorf("%w: channel %s is %s",
			ErrConfiguration, ch.name, s)
	}

	return r.ReadPosition(ch)
}
