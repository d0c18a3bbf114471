// Package history keeps each user's bounded conversation window.
package history

import (
	"context"
	"log/slog"

	ctxpkg "github.com/stupiduntilnot/aibot/internal/context"
	"github.com/stupiduntilnot/aibot/internal/db"
)

// Store is the subset of the persistent store the manager needs.
type Store interface {
	AppendHistory(ctx context.Context, userID int64, text string, kind db.Kind, keep int) (int64, error)
	FetchHistory(ctx context.Context, userID int64, limit int) ([]db.HistoryEntry, error)
}

// Manager appends turns and serves ordered context. Storage faults are
// logged and degrade to a skipped write or an empty context.
type Manager struct {
	store      Store
	memorySize int
	log        *slog.Logger
}

// NewManager returns a manager keeping at most memorySize entries per user.
func NewManager(store Store, memorySize int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, memorySize: memorySize, log: log}
}

// MemorySize is the per-user window.
func (m *Manager) MemorySize() int {
	return m.memorySize
}

// Append records one turn and evicts the user's oldest entries beyond the window.
// It reports whether the write happened.
func (m *Manager) Append(ctx context.Context, userID int64, text string, kind db.Kind) bool {
	if _, err := m.store.AppendHistory(ctx, userID, text, kind, m.memorySize); err != nil {
		m.log.Warn("history append failed",
			"user_id", userID,
			"kind", kind.String(),
			"error", err,
		)
		return false
	}
	return true
}

// FetchContext returns the newest n entries (n clamped to the window) oldest first.
func (m *Manager) FetchContext(ctx context.Context, userID int64, n int) []db.HistoryEntry {
	if n > m.memorySize {
		n = m.memorySize
	}
	if n <= 0 {
		return nil
	}
	entries, err := m.store.FetchHistory(ctx, userID, n)
	if err != nil {
		m.log.Warn("history fetch failed; using empty context",
			"user_id", userID,
			"error", err,
		)
		return nil
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

// Recent returns the whole window oldest first.
func (m *Manager) Recent(ctx context.Context, userID int64) []db.HistoryEntry {
	return m.FetchContext(ctx, userID, m.memorySize)
}

// Turns implements ctxpkg.Provider.
func (m *Manager) Turns(ctx context.Context, userID int64, n int) []ctxpkg.Turn {
	entries := m.FetchContext(ctx, userID, n)
	turns := make([]ctxpkg.Turn, 0, len(entries))
	for _, e := range entries {
		turns = append(turns, ctxpkg.Turn{Inbound: e.Kind.Inbound(), Text: e.Text})
	}
	return turns
}
