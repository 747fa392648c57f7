package xdma

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"slices"
	"strconv"
)

// Callback is called once per completion batch with the aggregate status of
// the requests that became done, or once per cyclic period.
type Callback func(ch *Channel, st Status)

// An IntrHandler is a callback registered on a channel.
type IntrHandler struct {
	ch *Channel
	cb Callback
}

// SetupIntr registers cb on the channel. Callbacks run on the goroutine that
// reports the completion, outside of the channel lock, so they may call back
// into the channel.
func (ch *Channel) SetupIntr(cb Callback) *IntrHandler {
	h := &IntrHandler{ch: ch, cb: cb}

	ch.intrMu.Lock()
	ch.handlers = append(ch.handlers, h)
	ch.intrMu.Unlock()

	return h
}

// TeardownIntr removes a handler registered with SetupIntr.
func (ch *Channel) TeardownIntr(h *IntrHandler) error {
	ch.intrMu.Lock()
	defer ch.intrMu.Unlock()

	i := slices.Index(ch.handlers, h)
	if i < 0 {
		return fmt.Errorf("%w: handler not registered on %s",
			ErrConfiguration, ch.name)
	}

	ch.handlers = slices.Delete(ch.handlers, i, i+1)

	return nil
}

// TeardownAllIntr removes every handler of the channel.
func (ch *Channel) TeardownAllIntr() {
	ch.intrMu.Lock()
	defer ch.intrMu.Unlock()

	ch.handlers = nil
}

// WaitUntilDone blocks until every submitted request is done, or ctx ends.
func (ch *Channel) WaitUntilDone(ctx context.Context) error {
	for {
		ch.mu.Lock()
		if ch.pendingLocked() == 0 {
			ch.mu.Unlock()
			return nil
		}

		progress := ch.progress
		ch.mu.Unlock()

		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (ch *Channel) dispatch(st Status) {
	ch.intrMu.Lock()
	handlers := slices.Clone(ch.handlers)
	ch.intrMu.Unlock()

	for _, h := range handlers {
		h.cb(ch, st)
	}
}

// complete retires one submitted descriptor per result, oldest first.
func (ch *Channel) complete(results []Status) {
	ch.mu.Lock()

	if ch.state == Terminated || ch.freed || ch.descs == nil {
		ch.mu.Unlock()
		ch.log.WithField("results", len(results)).
			Debug("completion after terminate dropped")

		return
	}

	var (
		batch    Status
		finished []Request
		retired  int
	)

	for _, r := range results {
		tail := ch.descRing.tail
		d := &ch.descs[tail]

		if ch.descRing.empty() || d.Owner != OwnerBackend {
			ch.log.WithField("extra", len(results)-retired).
				Warn("completion without submitted descriptor")

			break
		}

		d.Owner = OwnerConsumer
		ch.descRing.tail = ch.descRing.next(tail)
		retired++

		slot := d.Request
		req := &ch.reqs[slot]
		req.Status.add(r)

		b := &ch.bufs[slot]
		b.nsegsLeft--

		if b.nsegsLeft == 0 {
			req.Done = true
			batch.add(req.Status)
			finished = append(finished, *req)
		}
	}

	if len(finished) == 0 {
		ch.mu.Unlock()
		return
	}

	ch.notifyProgressLocked()
	gid := ch.beginDispatchLocked()
	ch.mu.Unlock()

	defer ch.endDispatch(gid)

	m := ch.ctrl.metrics
	for _, req := range finished {
		m.completed.WithLabelValues(ch.ctrl.name, ch.name).Inc()
		m.bytes.WithLabelValues(ch.ctrl.name, ch.name).
			Add(float64(req.Status.Transferred))

		if req.Status.Failed() {
			m.failed.WithLabelValues(ch.ctrl.name, ch.name).Inc()
		}

		ch.invoke(HookPosReqComplete, req)
	}

	ch.dispatch(batch)
}

// completeCyclic consumes the current period and moves on to the next one.
// Cyclic descriptors stay owned by the backend until Terminate.
func (ch *Channel) completeCyclic(st Status) {
	ch.mu.Lock()

	if ch.state == Terminated || ch.freed || ch.op != Cyclic ||
		!ch.cyclicArmd {
		ch.mu.Unlock()
		return
	}

	d := &ch.descs[ch.cyclicIdx]
	if st.Transferred == 0 && st.Err == nil {
		st.Transferred = d.Len
	}

	ch.cyclicIdx = d.Next

	gid := ch.beginDispatchLocked()
	ch.mu.Unlock()

	defer ch.endDispatch(gid)

	ch.ctrl.metrics.bytes.WithLabelValues(ch.ctrl.name, ch.name).
		Add(float64(st.Transferred))
	ch.invoke(HookPosPeriodDone, st)
	ch.dispatch(st)
}

// Period returns the index of the cyclic descriptor the backend is working on.
func (ch *Channel) Period() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.cyclicIdx
}

// beginDispatchLocked records a callback run on the calling goroutine.
func (ch *Channel) beginDispatchLocked() uint64 {
	if ch.dispatchers == nil {
		ch.dispatchers = make(map[uint64]int)
		ch.dispatchIdle = make(chan struct{})
	}

	gid := goroutineID()
	ch.dispatchers[gid]++

	return gid
}

func (ch *Channel) endDispatch(gid uint64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.dispatchers[gid]--
	if ch.dispatchers[gid] == 0 {
		delete(ch.dispatchers, gid)
	}

	close(ch.dispatchIdle)
	ch.dispatchIdle = make(chan struct{})
}

// dispatchingElsewhereLocked reports whether a callback runs on a goroutine
// other than self.
func (ch *Channel) dispatchingElsewhereLocked(self uint64) bool {
	for gid := range ch.dispatchers {
		if gid != self {
			return true
		}
	}

	return false
}

// goroutineID parses the id of the calling goroutine from the header of its
// stack trace, "goroutine 18 [running]:".
func goroutineID() uint64 {
	var buf [64]byte

	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))

	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}

	id, _ := strconv.ParseUint(string(b), 10, 64)

	return id
}
