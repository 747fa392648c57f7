package regs

import (
	"sync"
)

// A Handler services an interrupt.
type Handler func()

// A Line is an interrupt line. Raising it runs the attached handler on the
// line's own goroutine. Handler runs are serialized and never nested; raises
// that arrive while the handler is running are coalesced into one more run.
type Line struct {
	name string

	mu      sync.Mutex
	handler Handler
	closed  bool

	pending chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLine creates a line and starts its delivery goroutine.
func NewLine(name string) *Line {
	l := &Line{
		name:    name,
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.deliver()

	return l
}

// Name returns the name of the line.
func (l *Line) Name() string {
	return l.name
}

// Attach sets the handler. A nil handler masks the line.
func (l *Line) Attach(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.handler = h
}

// Raise asserts the line. It never blocks.
func (l *Line) Raise() {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return
	}

	select {
	case l.pending <- struct{}{}:
	default:
	}
}

// Close stops delivery and waits for a running handler to return.
func (l *Line) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}

	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
}

func (l *Line) deliver() {
	defer l.wg.Done()

	for {
		select {
		case <-l.done:
			return
		case <-l.pending:
			l.mu.Lock()
			h := l.handler
			l.mu.Unlock()

			if h != nil {
				h()
			}
		}
	}
}
