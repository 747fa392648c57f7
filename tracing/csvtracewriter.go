package tracing

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// CSVTraceWriter is a task tracer that can store the tasks into a CSV file.
// It is not safe for concurrent use. DBTracer serializes its calls.
type CSVTraceWriter struct {
	path string
	file *os.File
	csv  *csv.Writer

	tasks      []Task
	bufferSize int
}

// NewCSVTraceWriter creates a new CSVTraceWriter. The file is named after
// path with a .csv extension. An empty path picks a unique name.
func NewCSVTraceWriter(path string) *CSVTraceWriter {
	return &CSVTraceWriter{
		path:       path,
		bufferSize: 1000,
	}
}

// Path returns the name of the trace file.
func (t *CSVTraceWriter) Path() string {
	return t.path + ".csv"
}

// Init creates the tracing csv file. It fails if the file already exists.
func (t *CSVTraceWriter) Init() error {
	if t.path == "" {
		t.path = "xdma_trace_" + xid.New().String()
	}

	filename := t.Path()
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("file %s already exists", filename)
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	t.file = file
	t.csv = csv.NewWriter(file)

	err = t.csv.Write([]string{
		"ID", "ParentID", "Kind", "What", "Where", "Start", "End", "Steps",
	})
	if err != nil {
		return err
	}

	atexit.Register(func() {
		_ = t.Close()
	})

	return nil
}

// Write buffers a task.
func (t *CSVTraceWriter) Write(task Task) {
	t.tasks = append(t.tasks, task)
	if len(t.tasks) >= t.bufferSize {
		_ = t.Flush()
	}
}

// Flush flushes the tasks to the CSV file.
func (t *CSVTraceWriter) Flush() error {
	if t.csv == nil {
		return nil
	}

	for _, task := range t.tasks {
		err := t.csv.Write([]string{
			task.ID,
			task.ParentID,
			task.Kind,
			task.What,
			task.Where,
			task.StartTime.Format(time.RFC3339Nano),
			task.EndTime.Format(time.RFC3339Nano),
			formatSteps(task),
		})
		if err != nil {
			return err
		}
	}

	t.tasks = nil
	t.csv.Flush()

	return t.csv.Error()
}

// Close flushes the buffered tasks and closes the file.
func (t *CSVTraceWriter) Close() error {
	if t.file == nil {
		return nil
	}

	err := t.Flush()
	if cerr := t.file.Close(); err == nil {
		err = cerr
	}

	t.file = nil
	t.csv = nil

	return err
}

// formatSteps lists the steps as what@offset, the offset counted from the
// start of the task.
func formatSteps(task Task) string {
	steps := make([]string, 0, len(task.Steps))
	for _, s := range task.Steps {
		steps = append(steps,
			fmt.Sprintf("%s@%s", s.What, s.Time.Sub(task.StartTime)))
	}

	return strings.Join(steps, ";")
}
