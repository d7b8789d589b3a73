// Package schedule runs stored prompts at future times: one-shot
// reminders created by the assistant itself and recurring jobs defined
// in config. Fired prompts are submitted through the dispatcher on the
// "schedule" channel like any other request.
package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Task frequencies.
const (
	FreqOnce     = "once"
	FreqDaily    = "daily"
	FreqWeekly   = "weekly"
	FreqInterval = "interval"
)

// Run statuses recorded after each fire.
const (
	RunOK     = "ok"
	RunFailed = "failed"
)

// Task is one stored scheduled prompt.
type Task struct {
	ID         string
	Name       string
	Command    string
	UserID     string
	Frequency  string
	Hour       int          // daily and weekly: hour of day
	Minute     int          // daily and weekly: minute of hour
	Weekday    time.Weekday // weekly only
	Every      time.Duration
	Enabled    bool
	NextRun    time.Time
	LastRun    time.Time
	LastStatus string
	CreatedAt  time.Time
}

// Run is one recorded execution of a task.
type Run struct {
	ID     int64
	TaskID string
	RanAt  time.Time
	Status string
	Result string
}

// NextAfter computes the task's next fire time strictly after now.
// ok is false when the task has no future runs (a spent one-shot).
func (t *Task) NextAfter(now time.Time) (time.Time, bool) {
	switch t.Frequency {
	case FreqOnce:
		if t.NextRun.After(now) {
			return t.NextRun, true
		}
		return time.Time{}, false
	case FreqDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, true
	case FreqWeekly:
		next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, now.Location())
		ahead := int(t.Weekday-now.Weekday()+7) % 7
		next = next.AddDate(0, 0, ahead)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next, true
	case FreqInterval:
		if t.Every <= 0 {
			return time.Time{}, false
		}
		return now.Add(t.Every), true
	}
	return time.Time{}, false
}

// Store persists scheduled tasks and their run history.
type Store struct {
	db *sql.DB

	now func() time.Time // test hook
}

// Open opens (or creates) the schedule database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		command TEXT NOT NULL,
		user_id TEXT NOT NULL,
		frequency TEXT NOT NULL,
		hour INTEGER DEFAULT 9,
		minute INTEGER DEFAULT 0,
		weekday INTEGER DEFAULT 0,
		every_ns INTEGER DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		next_run TIMESTAMP,
		last_run TIMESTAMP,
		last_status TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(enabled, next_run);

	CREATE TABLE IF NOT EXISTS task_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		ran_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		FOREIGN KEY (task_id) REFERENCES scheduled_tasks(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_runs_task ON task_runs(task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a task ID.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Create inserts a task. Assigns an ID and creation time when unset,
// and computes the first fire time when NextRun is zero.
func (s *Store) Create(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	if t.NextRun.IsZero() {
		next, ok := t.NextAfter(s.now())
		if !ok {
			return fmt.Errorf("task %q has no future runs", t.Name)
		}
		t.NextRun = next
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks
		 (id, name, command, user_id, frequency, hour, minute, weekday, every_ns, enabled, next_run, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Command, t.UserID, t.Frequency,
		t.Hour, t.Minute, int(t.Weekday), int64(t.Every),
		t.Enabled, t.NextRun.UTC(), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get retrieves one task by ID.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, command, user_id, frequency, hour, minute, weekday, every_ns,
		        enabled, next_run, last_run, last_status, created_at
		 FROM scheduled_tasks WHERE id = ?`, id)
	return scanTask(row.Scan)
}

// List returns tasks ordered by next fire time. With enabledOnly set,
// disabled tasks are omitted.
func (s *Store) List(ctx context.Context, enabledOnly bool) ([]*Task, error) {
	query := `SELECT id, name, command, user_id, frequency, hour, minute, weekday, every_ns,
	                 enabled, next_run, last_run, last_status, created_at
	          FROM scheduled_tasks`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY next_run ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Due returns enabled tasks whose next fire time has passed.
func (s *Store) Due(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, command, user_id, frequency, hour, minute, weekday, every_ns,
		        enabled, next_run, last_run, last_status, created_at
		 FROM scheduled_tasks WHERE enabled = 1 AND next_run <= ?
		 ORDER BY next_run ASC`, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Delete removes a task and its run history.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM task_runs WHERE task_id = ?`, id)
	return err
}

// MarkRun records the outcome of a fire: stamps last_run and
// last_status, appends a run row, and either advances next_run or
// disables the task when it has no future runs.
func (s *Store) MarkRun(ctx context.Context, t *Task, status, result string) error {
	ranAt := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	next, ok := t.NextAfter(s.now())
	if ok {
		_, err = tx.ExecContext(ctx,
			`UPDATE scheduled_tasks SET last_run = ?, last_status = ?, next_run = ? WHERE id = ?`,
			ranAt, status, next.UTC(), t.ID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE scheduled_tasks SET last_run = ?, last_status = ?, enabled = 0 WHERE id = ?`,
			ranAt, status, t.ID)
	}
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_runs (task_id, ran_at, status, result) VALUES (?, ?, ?, ?)`,
		t.ID, ranAt, status, result); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return tx.Commit()
}

// Runs returns the most recent runs of a task, newest first.
func (s *Store) Runs(ctx context.Context, taskID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, ran_at, status, result FROM task_runs
		 WHERE task_id = ? ORDER BY ran_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var result sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.RanAt, &r.Status, &result); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Result = result.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanTask(scan func(...any) error) (*Task, error) {
	var t Task
	var weekday int
	var everyNS int64
	var nextRun, lastRun sql.NullTime
	var lastStatus sql.NullString
	err := scan(&t.ID, &t.Name, &t.Command, &t.UserID, &t.Frequency,
		&t.Hour, &t.Minute, &weekday, &everyNS,
		&t.Enabled, &nextRun, &lastRun, &lastStatus, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Weekday = time.Weekday(weekday)
	t.Every = time.Duration(everyNS)
	t.NextRun = nextRun.Time
	t.LastRun = lastRun.Time
	t.LastStatus = lastStatus.String
	return &t, nil
}
