// Package quota enforces the per-user daily message limit.
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/stupiduntilnot/aibot/internal/db"
)

// Store is the subset of the persistent store the tracker needs.
type Store interface {
	GetQuota(ctx context.Context, userID int64) (db.QuotaRecord, bool, error)
	UpdateQuota(ctx context.Context, userID int64, fn func(rec db.QuotaRecord, found bool) (db.QuotaRecord, bool)) (db.QuotaRecord, error)
	ResetAllQuotas(ctx context.Context, today string) (int64, error)
	ClearQuotas(ctx context.Context, today string) (int64, error)
}

// Today returns the UTC calendar date of now in db.DateLayout.
func Today(now time.Time) string {
	return now.UTC().Format(db.DateLayout)
}

// Tracker decides whether a user may send another message today.
type Tracker struct {
	store Store
	max   int
	log   *slog.Logger
}

// NewTracker returns a tracker allowing maxPerDay messages per UTC day.
func NewTracker(store Store, maxPerDay int, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: store, max: maxPerDay, log: log}
}

// Limit is the configured daily maximum.
func (t *Tracker) Limit() int {
	return t.max
}

// CheckAndIncrement counts one message for userID on day today (UTC,
// db.DateLayout) and reports whether it is allowed along with the count after
// the call. A denied message does not change the record. On storage failure it
// fails open and returns (true, 0).
func (t *Tracker) CheckAndIncrement(ctx context.Context, userID int64, today string) (bool, int) {
	allowed := true
	rec, err := t.store.UpdateQuota(ctx, userID, func(rec db.QuotaRecord, found bool) (db.QuotaRecord, bool) {
		switch {
		case !found, rec.LastResetDate < today:
			return db.QuotaRecord{Count: 1, LastResetDate: today}, true
		case rec.Count >= t.max:
			allowed = false
			return rec, false
		default:
			rec.Count++
			return rec, true
		}
	})
	if err != nil {
		t.log.Warn("quota check failed; allowing message",
			"user_id", userID,
			"error", err,
		)
		return true, 0
	}
	return allowed, rec.Count
}

// Usage is a read-only view of a user's quota for today.
type Usage struct {
	Found         bool
	Count         int
	Limit         int
	Remaining     int
	LastResetDate string
}

// Usage reports the user's counter without changing it. A record from an
// earlier day counts as zero used.
func (t *Tracker) Usage(ctx context.Context, userID int64, today string) (Usage, error) {
	rec, found, err := t.store.GetQuota(ctx, userID)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{Found: found, Limit: t.max, LastResetDate: rec.LastResetDate}
	if found && rec.LastResetDate >= today {
		u.Count = rec.Count
	}
	u.Remaining = t.max - u.Count
	if u.Remaining < 0 {
		u.Remaining = 0
	}
	return u, nil
}

// ResetAll zeroes every record last reset before today.
func (t *Tracker) ResetAll(ctx context.Context, today string) (int64, error) {
	n, err := t.store.ResetAllQuotas(ctx, today)
	if err != nil {
		t.log.Warn("daily quota reset failed", "date", today, "error", err)
		return 0, err
	}
	t.log.Info("daily quotas reset", "date", today, "records", n)
	return n, nil
}

// ClearAll zeroes today's counters as well as stale ones.
func (t *Tracker) ClearAll(ctx context.Context, today string) (int64, error) {
	n, err := t.store.ClearQuotas(ctx, today)
	if err != nil {
		t.log.Warn("quota clear failed", "date", today, "error", err)
		return 0, err
	}
	t.log.Info("quotas cleared", "date", today, "records", n)
	return n, nil
}
