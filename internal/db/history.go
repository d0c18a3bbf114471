package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Kind classifies a history entry.
type Kind int

const (
	KindText Kind = iota
	KindImage
	KindDocument
	KindBotResponse
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindDocument:
		return "document"
	case KindBotResponse:
		return "bot_response"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Inbound reports whether the entry was written by the user.
func (k Kind) Inbound() bool {
	switch k {
	case KindText, KindImage, KindDocument:
		return true
	case KindBotResponse:
		return false
	default:
		return false
	}
}

// ParseKind maps a stored message_type back to its Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "text":
		return KindText, nil
	case "image":
		return KindImage, nil
	case "document":
		return KindDocument, nil
	case "bot_response":
		return KindBotResponse, nil
	default:
		return 0, fmt.Errorf("unknown message kind %q", s)
	}
}

// HistoryEntry is one stored conversation turn.
type HistoryEntry struct {
	ID        int64
	UserID    int64
	Text      string
	Kind      Kind
	Timestamp time.Time
}

// AppendHistory inserts one entry and then deletes the user's rows beyond the
// newest keep, ordered by insertion sequence. keep <= 0 disables eviction.
func (s *Store) AppendHistory(ctx context.Context, userID int64, text string, kind Kind, keep int) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("append_history", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO message_history (user_id, message_text, message_type, timestamp) VALUES (?, ?, ?, ?)`,
		userID, text, kind.String(), time.Now().Unix(),
	)
	if err != nil {
		return 0, storageErr("append_history", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("append_history", err)
	}

	if keep > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM message_history
			 WHERE user_id = ? AND id NOT IN (
				SELECT id FROM message_history WHERE user_id = ? ORDER BY id DESC LIMIT ?
			 )`,
			userID, userID, keep,
		)
		if err != nil {
			return 0, storageErr("append_history", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("append_history", err)
	}
	return id, nil
}

// FetchHistory returns up to limit entries for the user, newest first.
func (s *Store) FetchHistory(ctx context.Context, userID int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_text, message_type, timestamp FROM message_history
		 WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, storageErr("fetch_history", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			entry    HistoryEntry
			kindText string
			ts       int64
		)
		if err := rows.Scan(&entry.ID, &entry.Text, &kindText, &ts); err != nil {
			return nil, storageErr("fetch_history", err)
		}
		kind, err := ParseKind(kindText)
		if err != nil {
			return nil, storageErr("fetch_history", err)
		}
		entry.UserID = userID
		entry.Kind = kind
		entry.Timestamp = time.Unix(ts, 0).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("fetch_history", err)
	}
	return entries, nil
}

// CountHistory returns how many entries the user currently has.
func (s *Store) CountHistory(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_history WHERE user_id = ?`, userID,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("count_history", err)
	}
	return count, nil
}
