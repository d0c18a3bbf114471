package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/aibot/internal/db"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTracker(t *testing.T, max int) (*Tracker, *db.Store) {
	t.Helper()
	store, err := db.Open(t.TempDir() + "/quota.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewTracker(store, max, discardLogger()), store
}

func TestToday_IsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	// 02:00 local on the 10th is still the 9th in UTC.
	now := time.Date(2026, 3, 10, 2, 0, 0, 0, loc)
	assert.Equal(t, "2026-03-09", Today(now))
}

func TestCheckAndIncrement_CountsUpToLimit(t *testing.T) {
	tr, _ := newTracker(t, 3)
	ctx := context.Background()
	day := "2026-03-01"

	for n := 1; n <= 3; n++ {
		allowed, count := tr.CheckAndIncrement(ctx, 1, day)
		require.True(t, allowed, "message %d", n)
		require.Equal(t, n, count)
	}

	allowed, count := tr.CheckAndIncrement(ctx, 1, day)
	assert.False(t, allowed)
	assert.Equal(t, 3, count)

	// Denials don't mutate.
	allowed, count = tr.CheckAndIncrement(ctx, 1, day)
	assert.False(t, allowed)
	assert.Equal(t, 3, count)
}

func TestCheckAndIncrement_SingleMessageLimit(t *testing.T) {
	tr, _ := newTracker(t, 1)
	ctx := context.Background()

	allowed, count := tr.CheckAndIncrement(ctx, 42, "2026-03-01")
	assert.True(t, allowed)
	assert.Equal(t, 1, count)

	allowed, count = tr.CheckAndIncrement(ctx, 42, "2026-03-01")
	assert.False(t, allowed)
	assert.Equal(t, 1, count)
}

func TestCheckAndIncrement_DayRolloverResets(t *testing.T) {
	tr, store := newTracker(t, 2)
	ctx := context.Background()

	tr.CheckAndIncrement(ctx, 1, "2026-03-01")
	tr.CheckAndIncrement(ctx, 1, "2026-03-01")
	allowed, _ := tr.CheckAndIncrement(ctx, 1, "2026-03-01")
	require.False(t, allowed)

	allowed, count := tr.CheckAndIncrement(ctx, 1, "2026-03-02")
	assert.True(t, allowed)
	assert.Equal(t, 1, count)

	rec, found, err := store.GetQuota(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2026-03-02", rec.LastResetDate)
}

func TestCheckAndIncrement_DateNeverMovesBackwards(t *testing.T) {
	tr, store := newTracker(t, 5)
	ctx := context.Background()

	tr.CheckAndIncrement(ctx, 1, "2026-03-02")
	allowed, count := tr.CheckAndIncrement(ctx, 1, "2026-03-01")
	assert.True(t, allowed)
	assert.Equal(t, 2, count)

	rec, _, err := store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", rec.LastResetDate)
}

func TestCheckAndIncrement_UsersAreIndependent(t *testing.T) {
	tr, _ := newTracker(t, 1)
	ctx := context.Background()

	allowed, _ := tr.CheckAndIncrement(ctx, 1, "2026-03-01")
	require.True(t, allowed)
	allowed, _ = tr.CheckAndIncrement(ctx, 2, "2026-03-01")
	assert.True(t, allowed)
}

func TestCheckAndIncrement_ConcurrentNeverExceedsLimit(t *testing.T) {
	tr, _ := newTracker(t, 5)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := tr.CheckAndIncrement(ctx, 77, "2026-03-01")
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, allowed)
}

type brokenStore struct{}

func (brokenStore) GetQuota(context.Context, int64) (db.QuotaRecord, bool, error) {
	return db.QuotaRecord{}, false, &db.StorageError{Op: "get_quota", Err: errors.New("locked")}
}

func (brokenStore) UpdateQuota(context.Context, int64, func(db.QuotaRecord, bool) (db.QuotaRecord, bool)) (db.QuotaRecord, error) {
	return db.QuotaRecord{}, &db.StorageError{Op: "update_quota", Err: errors.New("locked")}
}

func (brokenStore) ResetAllQuotas(context.Context, string) (int64, error) {
	return 0, &db.StorageError{Op: "reset_all_quotas", Err: errors.New("locked")}
}

func (brokenStore) ClearQuotas(context.Context, string) (int64, error) {
	return 0, &db.StorageError{Op: "clear_quotas", Err: errors.New("locked")}
}

func TestCheckAndIncrement_FailsOpen(t *testing.T) {
	tr := NewTracker(brokenStore{}, 1, discardLogger())
	allowed, count := tr.CheckAndIncrement(context.Background(), 1, "2026-03-01")
	assert.True(t, allowed)
	assert.Equal(t, 0, count)

	_, err := tr.ResetAll(context.Background(), "2026-03-01")
	assert.True(t, db.IsStorageError(err))
}

func TestUsage(t *testing.T) {
	tr, _ := newTracker(t, 3)
	ctx := context.Background()

	u, err := tr.Usage(ctx, 1, "2026-03-01")
	require.NoError(t, err)
	assert.False(t, u.Found)
	assert.Equal(t, 3, u.Remaining)

	tr.CheckAndIncrement(ctx, 1, "2026-03-01")
	tr.CheckAndIncrement(ctx, 1, "2026-03-01")
	u, err = tr.Usage(ctx, 1, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 2, u.Count)
	assert.Equal(t, 1, u.Remaining)

	// Yesterday's usage doesn't count today.
	u, err = tr.Usage(ctx, 1, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, 0, u.Count)
	assert.Equal(t, 3, u.Remaining)
}

func TestResetAll_IdempotentWithLazyReset(t *testing.T) {
	tr, store := newTracker(t, 10)
	ctx := context.Background()

	tr.CheckAndIncrement(ctx, 1, "2026-03-01")
	tr.CheckAndIncrement(ctx, 2, "2026-03-01")
	// User 2 already rolled over lazily.
	tr.CheckAndIncrement(ctx, 2, "2026-03-02")

	n, err := tr.ResetAll(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec1, _, _ := store.GetQuota(ctx, 1)
	rec2, _, _ := store.GetQuota(ctx, 2)
	assert.Equal(t, db.QuotaRecord{UserID: 1, Count: 0, LastResetDate: "2026-03-02"}, rec1)
	assert.Equal(t, db.QuotaRecord{UserID: 2, Count: 1, LastResetDate: "2026-03-02"}, rec2)

	allowed, count := tr.CheckAndIncrement(ctx, 1, "2026-03-02")
	assert.True(t, allowed)
	assert.Equal(t, 1, count)
}

func TestClearAll_UnblocksToday(t *testing.T) {
	tr, _ := newTracker(t, 1)
	ctx := context.Background()
	day := "2026-03-01"

	tr.CheckAndIncrement(ctx, 1, day)
	allowed, _ := tr.CheckAndIncrement(ctx, 1, day)
	require.False(t, allowed)

	n, err := tr.ClearAll(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	allowed, count := tr.CheckAndIncrement(ctx, 1, day)
	assert.True(t, allowed)
	assert.Equal(t, 1, count)
}
