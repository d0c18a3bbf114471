package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitSchema(t *testing.T) {
	s := testStore(t)

	tables := map[string]bool{}
	rows, err := s.DB().Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('message_history','user_limits','events')`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		tables[name] = true
	}

	for _, want := range []string{"message_history", "user_limits", "events"} {
		if !tables[want] {
			t.Errorf("table %q not created", want)
		}
	}

	// Running it again must be a no-op.
	if err := InitSchema(s.DB()); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
}

func TestLogEvent_WithParent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	parentID, err := s.LogEvent(ctx, nil, EventMessageReceived, map[string]any{"user_id": 1})
	if err != nil {
		t.Fatal(err)
	}
	childID, err := s.LogEvent(ctx, &parentID, EventReplyDelivered, map[string]any{"parts": 2})
	if err != nil {
		t.Fatal(err)
	}
	if childID <= parentID {
		t.Errorf("expected child id > parent id, got %d <= %d", childID, parentID)
	}

	var storedParent int64
	var payloadStr string
	err = s.DB().QueryRow(`SELECT parent_id, payload FROM events WHERE id = ?`, childID).Scan(&storedParent, &payloadStr)
	if err != nil {
		t.Fatal(err)
	}
	if storedParent != parentID {
		t.Errorf("expected parent_id=%d, got %d", parentID, storedParent)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		t.Fatalf("invalid payload JSON: %v", err)
	}
	if payload["parts"] != float64(2) {
		t.Errorf("expected parts=2, got %v", payload["parts"])
	}

	var nullParent sql.NullInt64
	if err := s.DB().QueryRow(`SELECT parent_id FROM events WHERE id = ?`, parentID).Scan(&nullParent); err != nil {
		t.Fatal(err)
	}
	if nullParent.Valid {
		t.Errorf("expected NULL parent_id for root event, got %d", nullParent.Int64)
	}

	cnt, err := s.CountEvents(ctx, EventReplyDelivered)
	if err != nil {
		t.Fatal(err)
	}
	if cnt != 1 {
		t.Fatalf("expected 1 reply.delivered event, got %d", cnt)
	}
}

func TestAppendHistory_EvictsOldest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		if _, err := s.AppendHistory(ctx, 1, text, KindText, 2); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.AppendHistory(ctx, 2, "other", KindText, 2); err != nil {
		t.Fatal(err)
	}

	entries, err := s.FetchHistory(ctx, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Text != "c" || entries[1].Text != "b" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	other, err := s.CountHistory(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if other != 1 {
		t.Fatalf("eviction leaked across users: user 2 has %d entries", other)
	}
}

func TestAppendHistory_NeverExceedsWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const keep = 3
	for i := 0; i < 20; i++ {
		kind := KindText
		if i%2 == 1 {
			kind = KindBotResponse
		}
		if _, err := s.AppendHistory(ctx, 7, fmt.Sprintf("m%d", i), kind, keep); err != nil {
			t.Fatal(err)
		}
		n, err := s.CountHistory(ctx, 7)
		if err != nil {
			t.Fatal(err)
		}
		if n > keep {
			t.Fatalf("after %d appends user has %d entries, want <= %d", i+1, n, keep)
		}
	}

	entries, err := s.FetchHistory(ctx, 7, keep)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m19", "m18", "m17"}
	for i, e := range entries {
		if e.Text != want[i] {
			t.Fatalf("entry %d: want %s, got %s", i, want[i], e.Text)
		}
	}
	if entries[0].Kind != KindBotResponse || entries[1].Kind != KindText {
		t.Fatalf("kinds not round-tripped: %v %v", entries[0].Kind, entries[1].Kind)
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindText, KindImage, KindDocument, KindBotResponse} {
		got, err := ParseKind(k.String())
		if err != nil {
			t.Fatal(err)
		}
		if got != k {
			t.Errorf("round trip %v gave %v", k, got)
		}
	}
	if _, err := ParseKind("voice"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if KindBotResponse.Inbound() || !KindDocument.Inbound() {
		t.Fatal("unexpected Inbound classification")
	}
}

func TestUpdateQuota_CreatesAndSkipsWrite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec, err := s.UpdateQuota(ctx, 5, func(rec QuotaRecord, found bool) (QuotaRecord, bool) {
		if found {
			t.Fatal("expected no record")
		}
		return QuotaRecord{Count: 1, LastResetDate: "2026-01-01"}, true
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Count != 1 || rec.UserID != 5 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	rec, err = s.UpdateQuota(ctx, 5, func(rec QuotaRecord, found bool) (QuotaRecord, bool) {
		return QuotaRecord{Count: 99, LastResetDate: "2026-01-01"}, false
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Count != 1 {
		t.Fatalf("skipped write should return stored record, got %+v", rec)
	}

	stored, found, err := s.GetQuota(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !found || stored.Count != 1 || stored.LastResetDate != "2026-01-01" {
		t.Fatalf("unexpected stored record: %+v found=%v", stored, found)
	}
}

func TestUpdateQuota_ConcurrentIncrementsAreNotLost(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateQuota(ctx, 9, func(rec QuotaRecord, found bool) (QuotaRecord, bool) {
				rec.Count++
				rec.LastResetDate = "2026-01-01"
				return rec, true
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	rec, _, err := s.GetQuota(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Count != workers {
		t.Fatalf("expected count=%d, got %d", workers, rec.Count)
	}
}

func TestResetAllQuotas_OnlyStale(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.UpsertQuota(ctx, 1, 40, "2026-01-01"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertQuota(ctx, 2, 3, "2026-01-02"); err != nil {
		t.Fatal(err)
	}

	n, err := s.ResetAllQuotas(ctx, "2026-01-02")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row reset, got %d", n)
	}

	stale, _, _ := s.GetQuota(ctx, 1)
	if stale.Count != 0 || stale.LastResetDate != "2026-01-02" {
		t.Fatalf("stale record not reset: %+v", stale)
	}
	fresh, _, _ := s.GetQuota(ctx, 2)
	if fresh.Count != 3 {
		t.Fatalf("current-day record touched: %+v", fresh)
	}

	n, err = s.ResetAllQuotas(ctx, "2026-01-02")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second reset should be a no-op, reset %d rows", n)
	}
}

func TestStorageError_WrapsClosedDB(t *testing.T) {
	s := testStore(t)
	s.Close()

	_, err := s.FetchHistory(context.Background(), 1, 5)
	if err == nil {
		t.Fatal("expected error on closed db")
	}
	if !IsStorageError(err) {
		t.Fatalf("expected StorageError, got %T", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "fetch_history" {
		t.Fatalf("unexpected op: %v", err)
	}
}

func TestClearQuotas_IncludesToday(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.UpsertQuota(ctx, 1, 50, "2026-01-02"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertQuota(ctx, 2, 4, "2026-01-01"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertQuota(ctx, 3, 9, "2026-01-03"); err != nil {
		t.Fatal(err)
	}

	n, err := s.ClearQuotas(ctx, "2026-01-02")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows cleared, got %d", n)
	}
	rec, _, _ := s.GetQuota(ctx, 1)
	if rec.Count != 0 || rec.LastResetDate != "2026-01-02" {
		t.Fatalf("today's record not cleared: %+v", rec)
	}
	future, _, _ := s.GetQuota(ctx, 3)
	if future.Count != 9 || future.LastResetDate != "2026-01-03" {
		t.Fatalf("later-dated record must not move backwards: %+v", future)
	}
}
