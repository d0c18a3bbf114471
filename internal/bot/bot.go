// Package bot runs the per-message pipeline: quota check, history, backend
// dispatch and chunked delivery, plus the chat commands.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	cmdpkg "github.com/stupiduntilnot/aibot/internal/commander"
	"github.com/stupiduntilnot/aibot/internal/control"
	"github.com/stupiduntilnot/aibot/internal/dispatch"
	"github.com/stupiduntilnot/aibot/internal/history"
	"github.com/stupiduntilnot/aibot/internal/quota"
)

// EventLog records pipeline transitions. Failures are logged and ignored.
type EventLog interface {
	LogEvent(ctx context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// Config is the part of the process configuration the pipeline reads.
type Config struct {
	Model             string
	MaxMessageLength  int
	MaxMessagesPerDay int
	MemorySize        int
	AdminIDs          []int64
	MaxConcurrent     int
	Policy            control.Policy

	// ProcessEventID, when set, parents message.received and command
	// events under the process.started event of this run.
	ProcessEventID int64
}

func (c Config) processEvent() *int64 {
	if c.ProcessEventID <= 0 {
		return nil
	}
	id := c.ProcessEventID
	return &id
}

func (c Config) isAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Deps are the collaborators a Bot drives.
type Deps struct {
	Transport  cmdpkg.Commander
	Quota      *quota.Tracker
	History    *history.Manager
	Dispatcher *dispatch.Dispatcher
	Events     EventLog
	Logger     *slog.Logger
}

type Bot struct {
	transport  cmdpkg.Commander
	quota      *quota.Tracker
	history    *history.Manager
	dispatcher *dispatch.Dispatcher
	events     EventLog
	cfg        Config
	log        *slog.Logger
	now        func() time.Time
	newID      func() string
}

func New(deps Deps, cfg Config) *Bot {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Bot{
		transport:  deps.Transport,
		quota:      deps.Quota,
		history:    deps.History,
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Run consumes updates until ctx is done or the transport closes its
// channel, handling each message in its own goroutine. In-flight messages
// are allowed to finish (bounded by the policy wall time) before Run returns.
func (b *Bot) Run(ctx context.Context) error {
	sem := make(chan struct{}, b.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	defer wg.Wait()

	updates := b.transport.Updates(ctx)
	b.log.Info("bot started", "max_concurrent", b.cfg.MaxConcurrent, "model", b.cfg.Model)
	for {
		var (
			u  cmdpkg.Update
			ok bool
		)
		select {
		case <-ctx.Done():
			b.log.Info("bot stopping", "reason", ctx.Err())
			return nil
		case u, ok = <-updates:
			if !ok {
				b.log.Info("update stream closed")
				return nil
			}
		}
		if u.Message == nil {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		wg.Add(1)
		go func(u cmdpkg.Update) {
			defer wg.Done()
			defer func() { <-sem }()
			b.Handle(context.WithoutCancel(ctx), u)
		}(u)
	}
}

// Handle processes one update to completion.
func (b *Bot) Handle(ctx context.Context, u cmdpkg.Update) {
	m := u.Message
	if m == nil {
		return
	}
	ctx, cancel := b.cfg.Policy.WithWallTime(ctx)
	defer cancel()

	log := b.log.With(
		"request_id", b.newID(),
		"update_id", u.UpdateID,
		"user_id", m.UserID,
		"chat_id", m.ChatID,
	)
	started := b.now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("message handler panicked", "panic", fmt.Sprint(r))
			_, _, _ = b.send(ctx, m.ChatID, unexpectedErrorText)
		}
		if err := control.CheckWallTime(b.cfg.Policy, started, b.now()); err != nil {
			log.Warn("message exceeded wall time", "error", err)
		}
	}()

	switch {
	case m.Command != "":
		b.handleCommand(ctx, log, m)
	case m.Photo != nil:
		b.handlePhoto(ctx, log, m)
	case m.Document != nil:
		b.handleDocument(ctx, log, m)
	case strings.TrimSpace(m.Text) != "":
		b.handleText(ctx, log, m)
	default:
		log.Debug("ignoring unsupported message")
	}
}

func (b *Bot) event(ctx context.Context, log *slog.Logger, parent *int64, eventType string, payload map[string]any) *int64 {
	if b.events == nil {
		return nil
	}
	id, err := b.events.LogEvent(ctx, parent, eventType, payload)
	if err != nil {
		log.Warn("event log failed", "event_type", eventType, "error", err)
		return nil
	}
	return &id
}
