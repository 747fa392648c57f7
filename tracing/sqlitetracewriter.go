package tracing

import (
	"database/sql"
	"fmt"
	"os"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// SQLiteTraceWriter is a writer that writes trace data to a SQLite database.
// It is not safe for concurrent use. DBTracer serializes its calls.
type SQLiteTraceWriter struct {
	*sql.DB
	statement     *sql.Stmt
	stepStatement *sql.Stmt

	dbName           string
	tasksToWriteToDB []Task
	batchSize        int
}

// NewSQLiteTraceWriter creates a new SQLiteTraceWriter. The database is named
// after path with a .sqlite3 extension. An empty path picks a unique name.
func NewSQLiteTraceWriter(path string) *SQLiteTraceWriter {
	return &SQLiteTraceWriter{
		dbName:    path,
		batchSize: 100000,
	}
}

// Path returns the name of the database file.
func (t *SQLiteTraceWriter) Path() string {
	return t.dbName + ".sqlite3"
}

// Init creates the database and its tables.
func (t *SQLiteTraceWriter) Init() error {
	if t.dbName == "" {
		t.dbName = "xdma_trace_" + xid.New().String()
	}

	if err := t.createDatabase(); err != nil {
		return err
	}

	if err := t.createTables(); err != nil {
		return err
	}

	if err := t.prepareStatements(); err != nil {
		return err
	}

	atexit.Register(func() {
		_ = t.Close()
	})

	return nil
}

// Write buffers a task.
func (t *SQLiteTraceWriter) Write(task Task) {
	t.tasksToWriteToDB = append(t.tasksToWriteToDB, task)
	if len(t.tasksToWriteToDB) >= t.batchSize {
		_ = t.Flush()
	}
}

// Flush writes all the buffered tasks to the database in one transaction.
func (t *SQLiteTraceWriter) Flush() error {
	if len(t.tasksToWriteToDB) == 0 || t.DB == nil {
		return nil
	}

	tx, err := t.Begin()
	if err != nil {
		return err
	}

	stmt := tx.Stmt(t.statement)
	stepStmt := tx.Stmt(t.stepStatement)

	for _, task := range t.tasksToWriteToDB {
		_, err = stmt.Exec(
			task.ID,
			task.ParentID,
			task.Kind,
			task.What,
			task.Where,
			task.StartTime.UnixNano(),
			task.EndTime.UnixNano(),
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("task %s: %w", task.ID, err)
		}

		for _, step := range task.Steps {
			_, err = stepStmt.Exec(task.ID, step.What, step.Time.UnixNano())
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("step %s of task %s: %w", step.What, task.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	t.tasksToWriteToDB = nil

	return nil
}

// Close flushes the buffered tasks and closes the database.
func (t *SQLiteTraceWriter) Close() error {
	if t.DB == nil {
		return nil
	}

	err := t.Flush()
	if cerr := t.DB.Close(); err == nil {
		err = cerr
	}

	t.DB = nil

	return err
}

func (t *SQLiteTraceWriter) createDatabase() error {
	filename := t.Path()
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("file %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return err
	}

	t.DB = db

	return nil
}

func (t *SQLiteTraceWriter) createTables() error {
	stmts := []string{
		`create table trace
		(
			task_id    varchar(200) not null,
			parent_id  varchar(200),
			kind       varchar(100),
			what       varchar(100),
			location   varchar(100),
			start_time integer      not null,
			end_time   integer      default 0
		);`,
		`create index trace_task_id_index on trace (task_id);`,
		`create index trace_parent_id_index on trace (parent_id);`,
		`create index trace_kind_index on trace (kind);`,
		`create index trace_location_index on trace (location);`,
		`create index trace_start_time_index on trace (start_time);`,
		`create index trace_end_time_index on trace (end_time);`,
		`create table step
		(
			task_id varchar(200) not null,
			what    varchar(100),
			time    integer      not null
		);`,
		`create index step_task_id_index on step (task_id);`,
	}

	for _, s := range stmts {
		if _, err := t.Exec(s); err != nil {
			return err
		}
	}

	return nil
}

func (t *SQLiteTraceWriter) prepareStatements() error {
	stmt, err := t.Prepare(`INSERT INTO trace VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	t.statement = stmt

	stmt, err = t.Prepare(`INSERT INTO step VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}

	t.stepStatement = stmt

	return nil
}
