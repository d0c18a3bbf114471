package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	cmdpkg "github.com/stupiduntilnot/aibot/internal/commander"
	"github.com/stupiduntilnot/aibot/internal/db"
	"github.com/stupiduntilnot/aibot/internal/quota"
)

const (
	historyPreviewRunes = 50

	imageReceivedText   = "🖼️ Image received. Processing..."
	unexpectedErrorText = "⚠️ An unexpected error occurred."
	emptyHistoryText    = "📝 Your message history is empty."
	noStatsText         = "📊 You haven't sent any messages today yet."
	statsFailedText     = "⚠️ Could not fetch your statistics."
	adminOnlyText       = "⛔ This command is only available to administrators."
	unknownCommandText  = "🤔 Unknown command. Send /help for the list of commands."
)

func quotaExceededText(count, limit int) string {
	return fmt.Sprintf("❌ Daily message limit reached (%d/%d). The limit resets at 00:00 UTC.", count, limit)
}

func fileInfoText(doc *cmdpkg.File) string {
	name := doc.FileName
	if name == "" {
		name = "unnamed"
	}
	mime := doc.MIMEType
	if mime == "" {
		mime = "unknown"
	}
	return fmt.Sprintf("📎 File received: %s\nType: %s\n\n"+
		"I can't analyze file contents yet. Send text or an image instead.", name, mime)
}

func (b *Bot) handleCommand(ctx context.Context, log *slog.Logger, m *cmdpkg.Message) {
	log = log.With("command", m.Command)
	log.Debug("command received", "args", m.Args)

	var text string
	switch strings.ToLower(m.Command) {
	case "start":
		text = b.startText()
	case "help":
		text = b.helpText()
	case "about":
		text = b.aboutText()
	case "history":
		text = b.historyText(ctx, m.UserID)
	case "stats":
		text = b.statsText(ctx, log, m.UserID)
	case "resetquotas":
		text = b.resetQuotas(ctx, log, m.UserID)
	default:
		text = unknownCommandText
	}
	if parts, sent, err := b.send(ctx, m.ChatID, text); err != nil {
		log.Error("command reply failed", "sent_parts", sent, "parts", parts, "error", err)
	}
}

func (b *Bot) startText() string {
	return fmt.Sprintf(`🤖 Hi! I'm running on %s

Send me:
• Any text message
• An image, with or without a caption
• Files (file info only)

I'll do my best to answer with the help of AI!

📊 Limits:
• Messages per day: %d
• Memory: %d messages`, b.cfg.Model, b.cfg.MaxMessagesPerDay, b.cfg.MemorySize)
}

func (b *Bot) helpText() string {
	return fmt.Sprintf(`📖 Available commands:
/start - Start using the bot
/help - Show this help
/about - About the bot
/history - Show your message history
/stats - Show your usage statistics

📋 What you can send:
• Text messages
• Images (with or without a caption)
• Files (info only)

🔧 Settings:
• Model: %s
• Max message length: %d characters
• Image support: ✅
• Memory: %d messages
• Daily limit: %d messages`, b.cfg.Model, b.cfg.MaxMessageLength, b.cfg.MemorySize, b.cfg.MaxMessagesPerDay)
}

func (b *Bot) aboutText() string {
	return fmt.Sprintf(`🤖 About:
This bot answers through an OpenAI-compatible API (OpenRouter).

🔧 Stack:
• Telegram Bot API
• Model: %s
• SQLite storage

📊 Features:
• Text answers
• Image analysis
• Long replies split into parts
• Message history (last %d)
• Usage limits (%d per day)

📝 Limitations:
• Max message length: %d characters
• File support: limited`, b.cfg.Model, b.cfg.MemorySize, b.cfg.MaxMessagesPerDay, b.cfg.MaxMessageLength)
}

func (b *Bot) historyText(ctx context.Context, userID int64) string {
	entries := b.history.Recent(ctx, userID)
	if len(entries) == 0 {
		return emptyHistoryText
	}
	var sb strings.Builder
	sb.WriteString("📝 Your message history:\n\n")
	for i, e := range entries {
		marker := "🤖"
		if e.Kind.Inbound() {
			marker = "👤"
		}
		fmt.Fprintf(&sb, "%d. %s [%s]: %s\n", i+1, marker, e.Timestamp.UTC().Format("15:04:05"), preview(e.Text, historyPreviewRunes))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}

func (b *Bot) statsText(ctx context.Context, log *slog.Logger, userID int64) string {
	u, err := b.quota.Usage(ctx, userID, quota.Today(b.now()))
	if err != nil {
		log.Warn("usage lookup failed", "error", err)
		return statsFailedText
	}
	if !u.Found {
		return noStatsText
	}
	return fmt.Sprintf(`📊 Your usage statistics:

• Used today: %d/%d
• Remaining today: %d
• Last reset: %s
• Next reset: 00:00 UTC

💾 Memory: last %d messages`, u.Count, u.Limit, u.Remaining, u.LastResetDate, b.cfg.MemorySize)
}

func (b *Bot) resetQuotas(ctx context.Context, log *slog.Logger, userID int64) string {
	if !b.cfg.isAdmin(userID) {
		log.Warn("non-admin attempted quota reset")
		return adminOnlyText
	}
	today := quota.Today(b.now())
	n, err := b.quota.ClearAll(ctx, today)
	if err != nil {
		return "⚠️ Quota reset failed."
	}
	b.event(ctx, log, b.cfg.processEvent(), db.EventQuotaReset, map[string]any{
		"date":    today,
		"records": n,
		"trigger": "command",
		"admin":   userID,
	})
	return fmt.Sprintf("✅ Reset %d quota records.", n)
}
