package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Event type constants: process events
const (
	EventProcessStarted = "process.started"
	EventQuotaReset     = "quota.reset"
)

// Event type constants: message pipeline events
const (
	EventMessageReceived = "message.received"
	EventQuotaRejected   = "quota.rejected"
	EventBackendFailed   = "backend.failed"
	EventReplyDelivered  = "reply.delivered"
	EventReplyFailed     = "reply.failed"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists. Transactions take the write lock on
// BEGIN so read-modify-write sequences cannot interleave.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates all tables: message_history, user_limits, events.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS message_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			message_text TEXT NOT NULL,
			message_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch())
		);
		CREATE INDEX IF NOT EXISTS idx_message_history_user_id ON message_history(user_id, id);

		CREATE TABLE IF NOT EXISTS user_limits (
			user_id INTEGER PRIMARY KEY,
			message_count INTEGER NOT NULL DEFAULT 0,
			last_reset_date TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_user_limits_last_reset_date ON user_limits(last_reset_date);

		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);
	`)
	return err
}

// Store is the handle every component uses to reach the database. It owns
// the connection pool; callers never see raw connections.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the database at path, initializes the schema and returns a Store.
func Open(path string) (*Store, error) {
	database, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := InitSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return NewStore(database), nil
}

// DB exposes the underlying handle for tests and maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func (s *Store) LogEvent(ctx context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, storageErr("log_event", fmt.Errorf("marshal event payload: %w", err))
		}
		payloadJSON = string(data)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, storageErr("log_event", fmt.Errorf("insert event %s: %w", eventType, err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("log_event", fmt.Errorf("get event id: %w", err))
	}
	return id, nil
}

// CountEvents returns how many events of the given type exist.
func (s *Store) CountEvents(ctx context.Context, eventType string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE event_type = ?`, eventType,
	).Scan(&count)
	if err != nil {
		return 0, storageErr("count_events", err)
	}
	return count, nil
}
