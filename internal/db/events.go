package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
)

// Event is a row from the events table.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
}

// ErrNoEvent is returned when a lookup matches no event.
var ErrNoEvent = errors.New("no matching event")

// OpenReadOnly opens an existing database without write access and without
// touching the schema. Used by inspection commands that may run alongside
// the server.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open db at %s: %w", path, err)
	}
	database, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}
	return NewStore(database), nil
}

// LatestEventID returns the id of the newest event of the given type.
func (s *Store) LatestEventID(ctx context.Context, eventType string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1`, eventType,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", eventType, ErrNoEvent)
	}
	if err != nil {
		return 0, storageErr("latest_event", err)
	}
	return id, nil
}

// EventSubtree returns the event rootID and all of its descendants, ordered by id.
func (s *Store) EventSubtree(ctx context.Context, rootID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, storageErr("event_subtree", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, storageErr("event_subtree", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("event_subtree", err)
	}
	return events, nil
}
