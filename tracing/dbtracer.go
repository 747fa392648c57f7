package tracing

import (
	"sync"
	"time"

	"github.com/tebeka/atexit"
)

// DBTracer is a tracer that can store tasks into a database.
// DBTracers can connect with different backends so that the tasks can be stored
// in different types of databases (e.g., CSV files, SQL databases, etc.)
type DBTracer struct {
	mu         sync.Mutex
	timeTeller TimeTeller
	backend    TraceWriter

	startTime, endTime time.Time

	tracingTasks map[string]Task
	written      uint64
	terminated   bool
}

// NewDBTracer creates a new DBTracer. The backend is flushed when the
// program exits through atexit.
func NewDBTracer(timeTeller TimeTeller, backend TraceWriter) *DBTracer {
	t := &DBTracer{
		timeTeller:   timeTeller,
		backend:      backend,
		tracingTasks: make(map[string]Task),
	}

	atexit.Register(func() {
		_ = t.Terminate()
	})

	return t
}

// SetTimeRange limits the tracer to tasks that overlap the range. A zero
// bound is open.
func (t *DBTracer) SetTimeRange(startTime, endTime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.startTime = startTime
	t.endTime = endTime
}

// StartTask marks the start of a task.
func (t *DBTracer) StartTask(task Task) {
	t.startingTaskMustBeValid(task)

	task.StartTime = t.timeTeller.CurrentTime()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminated {
		return
	}

	if !t.endTime.IsZero() && task.StartTime.After(t.endTime) {
		return
	}

	t.tracingTasks[task.ID] = task
}

func (t *DBTracer) startingTaskMustBeValid(task Task) {
	if task.ID == "" {
		panic("task ID must be set")
	}

	if task.Kind == "" {
		panic("task kind must be set")
	}

	if task.Where == "" {
		panic("task where must be set")
	}
}

// StepTask records the steps of the task.
func (t *DBTracer) StepTask(task Task) {
	now := t.timeTeller.CurrentTime()

	t.mu.Lock()
	defer t.mu.Unlock()

	original, ok := t.tracingTasks[task.ID]
	if !ok {
		return
	}

	for _, step := range task.Steps {
		step.Time = now
		original.Steps = append(original.Steps, step)
	}

	t.tracingTasks[task.ID] = original
}

// EndTask marks the end of a task and hands it to the backend.
func (t *DBTracer) EndTask(task Task) {
	now := t.timeTeller.CurrentTime()

	t.mu.Lock()
	defer t.mu.Unlock()

	original, ok := t.tracingTasks[task.ID]
	if !ok {
		return
	}

	delete(t.tracingTasks, task.ID)

	if !t.startTime.IsZero() && now.Before(t.startTime) {
		return
	}

	original.EndTime = now
	t.backend.Write(original)
	t.written++
}

// Written returns the number of tasks handed to the backend.
func (t *DBTracer) Written() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.written
}

// Terminate drops the tasks still in flight and flushes the backend. Tasks
// that end later are not recorded.
func (t *DBTracer) Terminate() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminated {
		return nil
	}

	t.terminated = true
	t.tracingTasks = make(map[string]Task)

	return t.backend.Flush()
}
