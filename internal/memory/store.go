// Package memory provides durable conversation history and per-user
// context, backed by SQLite.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Message is one stored conversation turn.
type Message struct {
	ID        int64
	UserID    string
	Channel   string
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
	Metadata  string
}

// UserContext is the per-user summary row maintained alongside the
// conversation log.
type UserContext struct {
	UserID        string
	Name          string
	Preferences   string
	LastSeen      time.Time
	TotalMessages int
}

// Stats summarizes store contents for the status endpoint.
type Stats struct {
	Messages int
	Users    int
}

// Store is a SQLite-backed conversation memory store.
type Store struct {
	db           *sql.DB
	historyLimit int
}

// Open opens (or creates) the memory database at dbPath. historyLimit
// bounds the number of turns History returns when the caller passes no
// explicit limit.
func Open(dbPath string, historyLimit int) (*Store, error) {
	if historyLimit <= 0 {
		historyLimit = 20
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, historyLimit: historyLimit}
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
	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, channel, timestamp);

	CREATE TABLE IF NOT EXISTS user_context (
		user_id TEXT PRIMARY KEY,
		name TEXT,
		preferences TEXT,
		last_seen TIMESTAMP,
		total_messages INTEGER DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append records one conversation turn and bumps the sender's context
// row in the same transaction.
func (s *Store) Append(ctx context.Context, userID, channel, role, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (user_id, channel, role, content, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		userID, channel, role, content, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_context (user_id, last_seen, total_messages)
		 VALUES (?, ?, 1)
		 ON CONFLICT(user_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			total_messages = total_messages + 1`,
		userID, now)
	if err != nil {
		return fmt.Errorf("update user context: %w", err)
	}

	return tx.Commit()
}

// History returns up to limit most recent turns for the user, oldest
// first. An empty channel spans all channels. A limit <= 0 uses the
// store default.
func (s *Store) History(ctx context.Context, userID, channel string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, channel, role, content, timestamp, COALESCE(metadata, '')
		 FROM conversations
		 WHERE user_id = ? AND (? = '' OR channel = ?)
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		userID, channel, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Channel, &m.Role, &m.Content, &m.Timestamp, &m.Metadata); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Clear deletes the user's stored turns and returns the number
// removed. An empty channel clears every channel.
func (s *Store) Clear(ctx context.Context, userID, channel string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE user_id = ? AND (? = '' OR channel = ?)`,
		userID, channel, channel)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return res.RowsAffected()
}

// UserContext returns the context row for userID, or sql.ErrNoRows if
// the user has never been seen.
func (s *Store) UserContext(ctx context.Context, userID string) (*UserContext, error) {
	var uc UserContext
	var name, prefs sql.NullString
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, name, preferences, last_seen, total_messages
		 FROM user_context WHERE user_id = ?`, userID).
		Scan(&uc.UserID, &name, &prefs, &lastSeen, &uc.TotalMessages)
	if err != nil {
		return nil, err
	}
	uc.Name = name.String
	uc.Preferences = prefs.String
	uc.LastSeen = lastSeen.Time
	return &uc, nil
}

// SetUserName stores a display name for the user, creating the context
// row if needed.
func (s *Store) SetUserName(ctx context.Context, userID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_context (user_id, name, last_seen)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET name = excluded.name`,
		userID, name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set user name: %w", err)
	}
	return nil
}

// SetPreferences stores the free-form preferences blob for the user.
func (s *Store) SetPreferences(ctx context.Context, userID, preferences string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_context (user_id, preferences, last_seen)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET preferences = excluded.preferences`,
		userID, preferences, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set preferences: %w", err)
	}
	return nil
}

// Prune deletes turns older than the cutoff and returns the number
// removed. User context rows are kept.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE timestamp < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns message and user counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations`).Scan(&st.Messages); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_context`).Scan(&st.Users); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	return &st, nil
}
