// Package queue provides the durable request queues backing the
// orchestrator: a retry queue for tasks that hit transient failures, a
// pending queue held while the backend is unreachable, and the bot
// availability row. All three live in one SQLite database so a claim
// and its status update share a transaction.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Request statuses. A row moves pending -> in_progress -> one of the
// terminal states, or back to pending when a retry is rescheduled.
// Retry rows complete as "completed"; pending rows complete as
// "processed", matching the on-disk layout other tooling reads.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Bot availability values stored in bot_status.
const (
	BotOnline  = "online"
	BotOffline = "offline"
)

// RetryRequest is a task parked for re-execution after a transient
// failure.
type RetryRequest struct {
	ID         int64
	UserID     string
	Channel    string
	Message    string
	Error      string
	RetryCount int
	MaxRetries int
	CreatedAt  time.Time
	NextRetry  time.Time
	Status     string
	Metadata   string
}

// PendingRequest is a task held while the decision backend is offline.
type PendingRequest struct {
	ID          int64
	UserID      string
	Channel     string
	Message     string
	Priority    int
	CreatedAt   time.Time
	Status      string
	ProcessedAt sql.NullTime
	Response    string
	Metadata    string
}

// BotStatus is the single availability row (id = 1).
type BotStatus struct {
	Status       string
	LastCheck    time.Time
	LastOnline   sql.NullTime
	ErrorMessage string
}

// Stats reports queue depths for the status endpoint.
type Stats struct {
	RetryPending    int
	RetryCompleted  int
	RetryFailed     int
	PendingWaiting  int
	PendingComplete int
}

// Store is the SQLite-backed queue store.
type Store struct {
	db          *sql.DB
	retryDelay  time.Duration
	maxAttempts int

	now func() time.Time // test hook
}

// Open opens (or creates) the queue database at dbPath. retryDelay is
// how far in the future a new or rescheduled retry is due; maxAttempts
// is the per-request retry budget.
func Open(dbPath string, retryDelay time.Duration, maxAttempts int) (*Store, error) {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 2
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:          db,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS retry_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		message TEXT NOT NULL,
		error TEXT,
		retry_count INTEGER DEFAULT 0,
		max_retries INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		next_retry TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		claimed_at TIMESTAMP,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_requests(status, next_retry);

	CREATE TABLE IF NOT EXISTS pending_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		message TEXT NOT NULL,
		priority INTEGER DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		claimed_at TIMESTAMP,
		processed_at TIMESTAMP,
		response TEXT,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_pending_due ON pending_requests(status, priority DESC, created_at);

	CREATE TABLE IF NOT EXISTS bot_status (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		status TEXT NOT NULL,
		last_check TIMESTAMP NOT NULL,
		last_online TIMESTAMP,
		error_message TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// EnqueueRetry parks a failed task. The first attempt becomes due
// after the configured retry delay.
func (s *Store) EnqueueRetry(ctx context.Context, userID, channel, message, errMsg string) (int64, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_requests
			(user_id, channel, message, error, retry_count, max_retries, created_at, next_retry, status)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		userID, channel, message, errMsg, s.maxAttempts, now, now.Add(s.retryDelay), StatusPending)
	if err != nil {
		return 0, fmt.Errorf("enqueue retry: %w", err)
	}
	return res.LastInsertId()
}

// DueRetries claims up to limit retry requests whose next_retry has
// passed. Each returned row has been moved to in_progress; a row
// concurrently claimed elsewhere is skipped.
func (s *Store) DueRetries(ctx context.Context, limit int) ([]RetryRequest, error) {
	now := s.now().UTC()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, channel, message, COALESCE(error, ''), retry_count,
			max_retries, created_at, next_retry, status, COALESCE(metadata, '')
		 FROM retry_requests
		 WHERE status = ? AND next_retry <= ?
		 ORDER BY next_retry ASC
		 LIMIT ?`,
		StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due retries: %w", err)
	}
	defer rows.Close()

	var candidates []RetryRequest
	for rows.Next() {
		var r RetryRequest
		if err := rows.Scan(&r.ID, &r.UserID, &r.Channel, &r.Message, &r.Error,
			&r.RetryCount, &r.MaxRetries, &r.CreatedAt, &r.NextRetry, &r.Status, &r.Metadata); err != nil {
			return nil, fmt.Errorf("scan retry: %w", err)
		}
		candidates = append(candidates, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []RetryRequest
	for _, r := range candidates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE retry_requests SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`,
			StatusInProgress, now, r.ID, StatusPending)
		if err != nil {
			return claimed, fmt.Errorf("claim retry %d: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, err
		}
		if n == 0 {
			continue // another worker got it
		}
		r.Status = StatusInProgress
		claimed = append(claimed, r)
	}
	return claimed, nil
}

// RecordAttempt records the outcome of a claimed retry. On success the
// request completes. On failure the attempt counter is bumped; the
// request either reschedules (status back to pending, next_retry
// pushed out) or, once attempts reach max_retries, fails permanently.
// Terminal rows are left untouched, so duplicate delivery of the same
// outcome is harmless. The returned flag is true when the request
// reached a terminal state.
func (s *Store) RecordAttempt(ctx context.Context, id int64, success bool, errMsg string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var status string
	var retryCount, maxRetries int
	err = tx.QueryRowContext(ctx,
		`SELECT status, retry_count, max_retries FROM retry_requests WHERE id = ?`, id).
		Scan(&status, &retryCount, &maxRetries)
	if err != nil {
		return false, fmt.Errorf("load retry %d: %w", id, err)
	}

	if status == StatusCompleted || status == StatusFailed {
		return true, nil
	}

	now := s.now().UTC()
	switch {
	case success:
		_, err = tx.ExecContext(ctx,
			`UPDATE retry_requests SET status = ?, error = '' WHERE id = ?`,
			StatusCompleted, id)
		if err != nil {
			return false, fmt.Errorf("complete retry %d: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return true, nil

	case retryCount+1 >= maxRetries:
		_, err = tx.ExecContext(ctx,
			`UPDATE retry_requests SET status = ?, retry_count = retry_count + 1, error = ? WHERE id = ?`,
			StatusFailed, errMsg, id)
		if err != nil {
			return false, fmt.Errorf("fail retry %d: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return true, nil

	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE retry_requests
			 SET status = ?, retry_count = retry_count + 1, error = ?, next_retry = ?
			 WHERE id = ?`,
			StatusPending, errMsg, now.Add(s.retryDelay), id)
		if err != nil {
			return false, fmt.Errorf("reschedule retry %d: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return false, nil
	}
}

// Retry returns a single retry request by id.
func (s *Store) Retry(ctx context.Context, id int64) (*RetryRequest, error) {
	var r RetryRequest
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, channel, message, COALESCE(error, ''), retry_count,
			max_retries, created_at, next_retry, status, COALESCE(metadata, '')
		 FROM retry_requests WHERE id = ?`, id).
		Scan(&r.ID, &r.UserID, &r.Channel, &r.Message, &r.Error,
			&r.RetryCount, &r.MaxRetries, &r.CreatedAt, &r.NextRetry, &r.Status, &r.Metadata)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// EnqueuePending stores a task to run once the backend comes back.
// Higher priority runs first; ties run oldest first.
func (s *Store) EnqueuePending(ctx context.Context, userID, channel, message string, priority int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_requests (user_id, channel, message, priority, created_at, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, channel, message, priority, s.now().UTC(), StatusPending)
	if err != nil {
		return 0, fmt.Errorf("enqueue pending: %w", err)
	}
	return res.LastInsertId()
}

// DuePending claims up to limit pending requests in priority order
// (priority DESC, created_at ASC). Claimed rows move to in_progress.
func (s *Store) DuePending(ctx context.Context, limit int) ([]PendingRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, channel, message, priority, created_at, status,
			processed_at, COALESCE(response, ''), COALESCE(metadata, '')
		 FROM pending_requests
		 WHERE status = ?
		 ORDER BY priority DESC, created_at ASC
		 LIMIT ?`,
		StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query due pending: %w", err)
	}
	defer rows.Close()

	var candidates []PendingRequest
	for rows.Next() {
		var p PendingRequest
		if err := rows.Scan(&p.ID, &p.UserID, &p.Channel, &p.Message, &p.Priority,
			&p.CreatedAt, &p.Status, &p.ProcessedAt, &p.Response, &p.Metadata); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		candidates = append(candidates, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []PendingRequest
	for _, p := range candidates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE pending_requests SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`,
			StatusInProgress, s.now().UTC(), p.ID, StatusPending)
		if err != nil {
			return claimed, fmt.Errorf("claim pending %d: %w", p.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, err
		}
		if n == 0 {
			continue
		}
		p.Status = StatusInProgress
		claimed = append(claimed, p)
	}
	return claimed, nil
}

// MarkProcessed completes a claimed pending request and stores the
// answer delivered to the user.
func (s *Store) MarkProcessed(ctx context.Context, id int64, response string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_requests SET status = ?, processed_at = ?, response = ? WHERE id = ?`,
		StatusProcessed, s.now().UTC(), response, id)
	if err != nil {
		return fmt.Errorf("mark processed %d: %w", id, err)
	}
	return nil
}

// MarkFailed marks a claimed pending request as permanently failed.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_requests SET status = ?, processed_at = ?, response = ? WHERE id = ?`,
		StatusFailed, s.now().UTC(), errMsg, id)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return nil
}

// ReleasePending returns a claimed pending request to the queue, e.g.
// when the backend went away again mid-replay.
// ReclaimStale releases in_progress rows whose claim is older than
// olderThan back to pending on both queues. A sweep pass that dies
// after claiming would otherwise orphan its rows forever. Returns the
// number reclaimed.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	var total int64

	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_requests SET status = ?, claimed_at = NULL
		 WHERE status = ? AND claimed_at < ?`,
		StatusPending, StatusInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale retries: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx,
		`UPDATE pending_requests SET status = ?, claimed_at = NULL
		 WHERE status = ? AND claimed_at < ?`,
		StatusPending, StatusInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale pending: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	return total, nil
}

func (s *Store) ReleasePending(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_requests SET status = ? WHERE id = ? AND status = ?`,
		StatusPending, id, StatusInProgress)
	if err != nil {
		return fmt.Errorf("release pending %d: %w", id, err)
	}
	return nil
}

// SetStatus updates the availability row. Going online clears the
// error message and stamps last_online.
func (s *Store) SetStatus(ctx context.Context, status, errMsg string) error {
	now := s.now().UTC()
	var err error
	if status == BotOnline {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO bot_status (id, status, last_check, last_online, error_message)
			 VALUES (1, ?, ?, ?, '')
			 ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				last_check = excluded.last_check,
				last_online = excluded.last_online,
				error_message = ''`,
			status, now, now)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO bot_status (id, status, last_check, error_message)
			 VALUES (1, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				last_check = excluded.last_check,
				error_message = excluded.error_message`,
			status, now, errMsg)
	}
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// Status returns the availability row. Before the first SetStatus the
// bot reports offline with no timestamps.
func (s *Store) Status(ctx context.Context) (*BotStatus, error) {
	var bs BotStatus
	var errMsg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT status, last_check, last_online, error_message FROM bot_status WHERE id = 1`).
		Scan(&bs.Status, &bs.LastCheck, &bs.LastOnline, &errMsg)
	if err == sql.ErrNoRows {
		return &BotStatus{Status: BotOffline}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query status: %w", err)
	}
	bs.ErrorMessage = errMsg.String
	return &bs, nil
}

// ClearOld deletes terminal retry and pending rows older than the
// retention period. Returns the total removed.
func (s *Store) ClearOld(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-retention)
	var total int64

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM retry_requests WHERE status IN (?, ?) AND created_at < ?`,
		StatusCompleted, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear old retries: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM pending_requests WHERE status IN (?, ?) AND created_at < ?`,
		StatusProcessed, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear old pending: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	return total, nil
}

// QueueStats returns per-status row counts.
func (s *Store) QueueStats(ctx context.Context) (*Stats, error) {
	var st Stats
	count := func(query string, args ...any) (int, error) {
		var n int
		err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
		return n, err
	}

	var err error
	if st.RetryPending, err = count(
		`SELECT COUNT(*) FROM retry_requests WHERE status IN (?, ?)`,
		StatusPending, StatusInProgress); err != nil {
		return nil, fmt.Errorf("count retry pending: %w", err)
	}
	if st.RetryCompleted, err = count(
		`SELECT COUNT(*) FROM retry_requests WHERE status = ?`, StatusCompleted); err != nil {
		return nil, fmt.Errorf("count retry completed: %w", err)
	}
	if st.RetryFailed, err = count(
		`SELECT COUNT(*) FROM retry_requests WHERE status = ?`, StatusFailed); err != nil {
		return nil, fmt.Errorf("count retry failed: %w", err)
	}
	if st.PendingWaiting, err = count(
		`SELECT COUNT(*) FROM pending_requests WHERE status IN (?, ?)`,
		StatusPending, StatusInProgress); err != nil {
		return nil, fmt.Errorf("count pending waiting: %w", err)
	}
	if st.PendingComplete, err = count(
		`SELECT COUNT(*) FROM pending_requests WHERE status = ?`, StatusProcessed); err != nil {
		return nil, fmt.Errorf("count pending complete: %w", err)
	}
	return &st, nil
}
