package tracing

import (
	"container/list"
	"sync"
	"time"
)

type taskTimeStartEnd struct {
	start, end time.Time
	completed  bool
}

// BusyTimeTracer traces the time that a domain is processing a kind of task.
// If the task processing time overlaps, this tracer only consider one instance
// of the overlapped time.
type BusyTimeTracer struct {
	timeTeller    TimeTeller
	filter        TaskFilter
	lock          sync.Mutex
	inflightTasks map[string]*list.Element
	taskTimes     *list.List
	busyTime      time.Duration
}

// NewBusyTimeTracer creates a new BusyTimeTracer
func NewBusyTimeTracer(
	timeTeller TimeTeller,
	filter TaskFilter,
) *BusyTimeTracer {
	t := &BusyTimeTracer{
		timeTeller:    timeTeller,
		filter:        filter,
		inflightTasks: make(map[string]*list.Element),
		taskTimes:     list.New(),
	}

	return t
}

// BusyTime returns the total time has been spent on a certain type of tasks.
func (t *BusyTimeTracer) BusyTime() time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.busyTime
}

// TerminateAllTasks will mark all the tasks as completed.
func (t *BusyTimeTracer) TerminateAllTasks(now time.Time) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for e := t.taskTimes.Front(); e != nil; e = e.Next() {
		task := e.Value.(*taskTimeStartEnd)
		if !task.completed {
			task.completed = true
			task.end = now
		}
	}

	clear(t.inflightTasks)
	t.collapse(now)
}

// StartTask records the task start time
func (t *BusyTimeTracer) StartTask(task Task) {
	task.StartTime = t.timeTeller.CurrentTime()

	if t.filter != nil && !t.filter(task) {
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	elem := t.taskTimes.PushBack(&taskTimeStartEnd{start: task.StartTime})
	t.inflightTasks[task.ID] = elem
}

// StepTask does nothing
func (t *BusyTimeTracer) StepTask(_ Task) {
	// Do nothing
}

// EndTask records the end of the task
func (t *BusyTimeTracer) EndTask(task Task) {
	task.EndTime = t.timeTeller.CurrentTime()

	t.lock.Lock()
	defer t.lock.Unlock()

	originalTask, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}

	tt := originalTask.Value.(*taskTimeStartEnd)
	tt.end = task.EndTime
	tt.completed = true
	delete(t.inflightTasks, task.ID)

	t.collapse(task.EndTime)
}

// collapse folds the completed tasks at the front of the list into the busy
// time, unless an incomplete task started before now.
func (t *BusyTimeTracer) collapse(now time.Time) {
	start, found := t.startTimeOfFirstIncompleteTask()
	if found && start.Before(now) {
		return
	}

	finishedTasks := make([]*taskTimeStartEnd, 0)

	var next *list.Element
	for e := t.taskTimes.Front(); e != nil; e = next {
		next = e.Next()

		task := e.Value.(*taskTimeStartEnd)
		if !task.completed {
			break
		}

		if !task.end.After(now) {
			finishedTasks = append(finishedTasks, task)
			t.taskTimes.Remove(e)
		}
	}

	t.busyTime += taskBusyTime(finishedTasks)
}

func (t *BusyTimeTracer) startTimeOfFirstIncompleteTask() (time.Time, bool) {
	for e := t.taskTimes.Front(); e != nil; e = e.Next() {
		task := e.Value.(*taskTimeStartEnd)
		if !task.completed {
			return task.start, true
		}
	}

	return time.Time{}, false
}

func taskBusyTime(tasks []*taskTimeStartEnd) time.Duration {
	var busyTime time.Duration

	covered := make([]bool, len(tasks))

	for i, t1 := range tasks {
		if covered[i] {
			continue
		}

		covered[i] = true

		ext := taskTimeStartEnd{start: t1.start, end: t1.end}

		for j, t2 := range tasks {
			if covered[j] {
				continue
			}

			if taskTimeOverlap(t1, t2) {
				covered[j] = true
				extendTaskTime(&ext, t2)
			}
		}

		busyTime += ext.end.Sub(ext.start)
	}

	return busyTime
}

func extendTaskTime(base, t2 *taskTimeStartEnd) {
	if t2.start.Before(base.start) {
		base.start = t2.start
	}

	if t2.end.After(base.end) {
		base.end = t2.end
	}
}

func taskTimeOverlap(t1, t2 *taskTimeStartEnd) bool {
	within := func(x time.Time) bool {
		return !x.Before(t1.start) && !x.After(t1.end)
	}

	if within(t2.start) || within(t2.end) {
		return true
	}

	return !t1.start.Before(t2.start) && !t1.end.After(t2.end)
}
