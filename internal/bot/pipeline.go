package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/stupiduntilnot/aibot/internal/chunk"
	cmdpkg "github.com/stupiduntilnot/aibot/internal/commander"
	"github.com/stupiduntilnot/aibot/internal/control"
	"github.com/stupiduntilnot/aibot/internal/db"
	"github.com/stupiduntilnot/aibot/internal/dispatch"
	"github.com/stupiduntilnot/aibot/internal/quota"
)

const (
	DefaultImagePrompt = "What is in this image?"
	DefaultFilePrompt  = "Tell me about this file"
)

// imageMIME maps the file extensions treated as images to their MIME type.
var imageMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
}

// inbound is a message reduced to what the pipeline needs.
type inbound struct {
	msg         *cmdpkg.Message
	kind        db.Kind
	historyText string
	prompt      string
	image       *cmdpkg.File
	imageMIME   string
}

func (b *Bot) handleText(ctx context.Context, log *slog.Logger, m *cmdpkg.Message) {
	b.process(ctx, log, inbound{
		msg:         m,
		kind:        db.KindText,
		historyText: m.Text,
		prompt:      m.Text,
	})
}

func (b *Bot) handlePhoto(ctx context.Context, log *slog.Logger, m *cmdpkg.Message) {
	caption := strings.TrimSpace(m.Caption)
	if caption == "" {
		caption = DefaultImagePrompt
	}
	b.process(ctx, log, inbound{
		msg:         m,
		kind:        db.KindImage,
		historyText: "Image: " + caption,
		prompt:      caption,
		image:       m.Photo,
		imageMIME:   "image/jpeg",
	})
}

func (b *Bot) handleDocument(ctx context.Context, log *slog.Logger, m *cmdpkg.Message) {
	doc := m.Document
	caption := strings.TrimSpace(m.Caption)
	historyCaption := caption
	if historyCaption == "" {
		historyCaption = DefaultFilePrompt
	}
	in := inbound{
		msg:         m,
		kind:        db.KindDocument,
		historyText: fmt.Sprintf("File: %s - %s", doc.FileName, historyCaption),
	}
	if mime, ok := documentImageMIME(doc); ok {
		in.prompt = caption
		if in.prompt == "" {
			in.prompt = DefaultImagePrompt
		}
		in.image = doc
		in.imageMIME = mime
	}
	b.process(ctx, log, in)
}

// documentImageMIME reports whether the document is handled as an image,
// judged by its file extension.
func documentImageMIME(doc *cmdpkg.File) (string, bool) {
	ext := strings.ToLower(filepath.Ext(doc.FileName))
	byExt, ok := imageMIME[ext]
	if !ok {
		return "", false
	}
	if strings.HasPrefix(doc.MIMEType, "image/") {
		return doc.MIMEType, true
	}
	return byExt, true
}

// process runs RECEIVED -> QUOTA_CHECKED -> (REJECTED | HISTORY_RECORDED ->
// BACKEND_INVOKED -> RESPONSE_RECORDED -> DELIVERED).
func (b *Bot) process(ctx context.Context, log *slog.Logger, in inbound) {
	m := in.msg
	log = log.With("kind", in.kind.String())
	received := b.event(ctx, log, b.cfg.processEvent(), db.EventMessageReceived, map[string]any{
		"user_id": m.UserID,
		"chat_id": m.ChatID,
		"kind":    in.kind.String(),
	})

	allowed, count := b.quota.CheckAndIncrement(ctx, m.UserID, quota.Today(b.now()))
	if !allowed {
		log.Info("quota exceeded", "count", count, "limit", b.quota.Limit())
		b.event(ctx, log, received, db.EventQuotaRejected, map[string]any{
			"count": count,
			"limit": b.quota.Limit(),
		})
		b.reply(ctx, log, received, m.ChatID, quotaExceededText(count, b.quota.Limit()), nil)
		return
	}

	b.history.Append(ctx, m.UserID, in.historyText, in.kind)

	if in.kind == db.KindDocument && in.image == nil {
		text := fileInfoText(m.Document)
		b.history.Append(ctx, m.UserID, text, db.KindBotResponse)
		b.reply(ctx, log, received, m.ChatID, text, nil)
		return
	}
	if in.kind == db.KindDocument {
		if _, _, err := b.send(ctx, m.ChatID, imageReceivedText); err != nil {
			log.Warn("image acknowledgement failed", "error", err)
		}
	}

	if err := b.transport.IndicateActivity(ctx, m.ChatID); err != nil {
		log.Warn("typing indicator failed", "error", err)
	}

	res := b.respond(ctx, log, in)
	if res.Fallback {
		b.event(ctx, log, received, db.EventBackendFailed, map[string]any{
			"error":       errString(res.Err),
			"error_class": errClass(res.Err),
		})
	}
	b.history.Append(ctx, m.UserID, res.Text, db.KindBotResponse)
	b.reply(ctx, log, received, m.ChatID, res.Text, map[string]any{
		"fallback":      res.Fallback,
		"latency_ms":    res.Latency.Milliseconds(),
		"input_tokens":  res.InputTokens,
		"output_tokens": res.OutputTokens,
	})
}

func (b *Bot) respond(ctx context.Context, log *slog.Logger, in inbound) dispatch.Result {
	req := dispatch.Request{UserID: in.msg.UserID, Prompt: in.prompt}
	if in.image != nil {
		data, err := b.transport.FetchBinary(ctx, in.image.FileID)
		if err == nil && len(data) == 0 {
			err = &cmdpkg.TransportError{Op: "fetch_binary", Err: fmt.Errorf("empty file %s", in.image.FileID)}
		}
		if err != nil {
			log.Error("image download failed", "file_id", in.image.FileID, "error", err)
			return dispatch.Result{Text: b.dispatcher.Fallback(true), Fallback: true, Err: err}
		}
		req.Image = data
		req.ImageMIME = in.imageMIME
	}
	return b.dispatcher.Respond(ctx, req)
}

// reply delivers text in labelled chunks and records the outcome with fields
// added to the event payload. The first send error stops delivery of the
// remaining parts.
func (b *Bot) reply(ctx context.Context, log *slog.Logger, parent *int64, chatID int64, text string, fields map[string]any) {
	parts, sent, err := b.send(ctx, chatID, text)
	if err != nil {
		log.Error("reply delivery failed", "part", sent+1, "parts", parts, "error", err)
		b.event(ctx, log, parent, db.EventReplyFailed, map[string]any{
			"sent_parts":  sent,
			"total_parts": parts,
			"error":       err.Error(),
			"error_class": control.Classify(err),
		})
		return
	}

	payload := map[string]any{
		"parts": parts,
		"chars": utf8.RuneCountInString(text),
	}
	for k, v := range fields {
		payload[k] = v
	}
	b.event(ctx, log, parent, db.EventReplyDelivered, payload)
	log.Info("reply delivered", "parts", parts)
}

// send splits text to the transport limit and sends the parts in order,
// stopping at the first error. It reports the part count and how many were
// sent.
func (b *Bot) send(ctx context.Context, chatID int64, text string) (parts, sent int, err error) {
	chunks := chunk.Prepare(text, b.cfg.MaxMessageLength)
	for i, part := range chunks {
		if err := b.transport.SendText(ctx, chatID, part); err != nil {
			return len(chunks), i, err
		}
	}
	return len(chunks), len(chunks), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errClass(err error) string {
	if errors.Is(err, dispatch.ErrCircuitOpen) {
		return "circuit_open"
	}
	return control.Classify(err)
}
