package db

import (
	"context"
	"database/sql"
	"errors"
)

// DateLayout is the layout of last_reset_date. Dates in this layout sort
// lexicographically in calendar order.
const DateLayout = "2006-01-02"

// QuotaRecord is a user's message counter for one UTC day.
type QuotaRecord struct {
	UserID        int64
	Count         int
	LastResetDate string
}

// GetQuota returns the user's record; found is false when none exists.
func (s *Store) GetQuota(ctx context.Context, userID int64) (QuotaRecord, bool, error) {
	rec, found, err := getQuota(ctx, s.db, userID)
	if err != nil {
		return QuotaRecord{}, false, storageErr("get_quota", err)
	}
	return rec, found, nil
}

// UpsertQuota writes count and date for the user, creating the row if needed.
func (s *Store) UpsertQuota(ctx context.Context, userID int64, count int, date string) error {
	if err := upsertQuota(ctx, s.db, userID, count, date); err != nil {
		return storageErr("upsert_quota", err)
	}
	return nil
}

// UpdateQuota runs fn against the user's current record inside a write
// transaction. fn returns the record to store and whether to store it.
// The returned record is what the row holds when the transaction commits.
func (s *Store) UpdateQuota(
	ctx context.Context,
	userID int64,
	fn func(rec QuotaRecord, found bool) (QuotaRecord, bool),
) (QuotaRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return QuotaRecord{}, storageErr("update_quota", err)
	}
	defer tx.Rollback()

	current, found, err := getQuota(ctx, tx, userID)
	if err != nil {
		return QuotaRecord{}, storageErr("update_quota", err)
	}
	if !found {
		current = QuotaRecord{UserID: userID}
	}

	next, write := fn(current, found)
	if !write {
		return current, nil
	}
	next.UserID = userID
	if err := upsertQuota(ctx, tx, userID, next.Count, next.LastResetDate); err != nil {
		return QuotaRecord{}, storageErr("update_quota", err)
	}
	if err := tx.Commit(); err != nil {
		return QuotaRecord{}, storageErr("update_quota", err)
	}
	return next, nil
}

// ResetAllQuotas zeroes every record last reset before today and moves its
// date to today. Records already on today (or later) are untouched.
func (s *Store) ResetAllQuotas(ctx context.Context, today string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_limits SET message_count = 0, last_reset_date = ?
		 WHERE last_reset_date < ?`,
		today, today,
	)
	if err != nil {
		return 0, storageErr("reset_all_quotas", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("reset_all_quotas", err)
	}
	return affected, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getQuota(ctx context.Context, q queryer, userID int64) (QuotaRecord, bool, error) {
	rec := QuotaRecord{UserID: userID}
	err := q.QueryRowContext(ctx,
		`SELECT message_count, last_reset_date FROM user_limits WHERE user_id = ?`,
		userID,
	).Scan(&rec.Count, &rec.LastResetDate)
	if errors.Is(err, sql.ErrNoRows) {
		return QuotaRecord{}, false, nil
	}
	if err != nil {
		return QuotaRecord{}, false, err
	}
	return rec, true, nil
}

func upsertQuota(ctx context.Context, q queryer, userID int64, count int, date string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO user_limits (user_id, message_count, last_reset_date) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			message_count = excluded.message_count,
			last_reset_date = excluded.last_reset_date`,
		userID, count, date,
	)
	return err
}

// ClearQuotas zeroes every record dated on or before today and moves it to
// today. It is the administrative override; the daily job uses ResetAllQuotas.
func (s *Store) ClearQuotas(ctx context.Context, today string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_limits SET message_count = 0, last_reset_date = ?
		 WHERE last_reset_date <= ?`,
		today, today,
	)
	if err != nil {
		return 0, storageErr("clear_quotas", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("clear_quotas", err)
	}
	return affected, nil
}
