package tracing

import "time"

// A Tracer can collect task traces
type Tracer interface {
	StartTask(task Task)
	StepTask(task Task)
	EndTask(task Task)
}

// A TraceWriter stores finished tasks.
type TraceWriter interface {
	Init() error
	Write(task Task)
	Flush() error
}

// A TimeTeller tells the time tasks are stamped with.
type TimeTeller interface {
	CurrentTime() time.Time
}

// WallClock tells the time of the host.
type WallClock struct{}

// CurrentTime returns the current time.
func (WallClock) CurrentTime() time.Time {
	return time.Now()
}

// A MultiTracer fans tasks out to several tracers.
type MultiTracer struct {
	tracers []Tracer
}

// NewMultiTracer creates a tracer that forwards to all of ts.
func NewMultiTracer(ts ...Tracer) *MultiTracer {
	return &MultiTracer{tracers: ts}
}

// StartTask forwards to every tracer.
func (m *MultiTracer) StartTask(task Task) {
	for _, t := range m.tracers {
		t.StartTask(task)
	}
}

// StepTask forwards to every tracer.
func (m *MultiTracer) StepTask(task Task) {
	for _, t := range m.tracers {
		t.StepTask(task)
	}
}

// EndTask forwards to every tracer.
func (m *MultiTracer) EndTask(task Task) {
	for _, t := range m.tracers {
		t.EndTask(task)
	}
}
