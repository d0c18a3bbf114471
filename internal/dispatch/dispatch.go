// Package dispatch turns a user request plus conversation context into a
// backend completion, falling back to a static reply on any failure.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	ctxpkg "github.com/stupiduntilnot/aibot/internal/context"
	"github.com/stupiduntilnot/aibot/internal/control"
	modelpkg "github.com/stupiduntilnot/aibot/internal/model"
)

// Personas and fallbacks used when Config leaves them empty.
const (
	DefaultTextPersona   = "You are a helpful AI assistant in a Telegram chat. Answer briefly and to the point. Be friendly and helpful."
	DefaultImagePersona  = "You are a helpful AI assistant. Analyze images and answer questions about them. Be friendly and helpful."
	DefaultFallbackText  = "❌ Could not get a response from the AI. Please try again later."
	DefaultFallbackImage = "❌ Could not analyze the image. Please try again later."
)

// ErrCircuitOpen is reported when the backend is skipped because it has been failing.
var ErrCircuitOpen = errors.New("backend circuit open")

// Config is the fixed sampling and prompt configuration.
type Config struct {
	Model         string
	MaxTokens     int
	Temperature   float32
	ContextSize   int
	TextPersona   string
	ImagePersona  string
	FallbackText  string
	FallbackImage string
}

func (c Config) withDefaults() Config {
	if c.TextPersona == "" {
		c.TextPersona = DefaultTextPersona
	}
	if c.ImagePersona == "" {
		c.ImagePersona = DefaultImagePersona
	}
	if c.FallbackText == "" {
		c.FallbackText = DefaultFallbackText
	}
	if c.FallbackImage == "" {
		c.FallbackImage = DefaultFallbackImage
	}
	return c
}

// Request is one user turn to answer.
type Request struct {
	UserID    int64
	Prompt    string
	Image     []byte
	ImageMIME string
}

// HasImage reports whether the request carries an image.
func (r Request) HasImage() bool {
	return len(r.Image) > 0
}

// Result is what the caller records and delivers. Text is never empty.
type Result struct {
	Text         string
	Fallback     bool
	Err          error
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// Dispatcher builds prompts and calls the backend.
type Dispatcher struct {
	provider  modelpkg.Provider
	history   ctxpkg.Provider
	assembler ctxpkg.Assembler
	breaker   *control.CircuitBreaker
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
}

// New returns a dispatcher. breaker may be nil to always call the backend.
func New(
	provider modelpkg.Provider,
	history ctxpkg.Provider,
	assembler ctxpkg.Assembler,
	breaker *control.CircuitBreaker,
	cfg Config,
	log *slog.Logger,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if assembler == nil {
		assembler = &ctxpkg.StandardAssembler{}
	}
	return &Dispatcher{
		provider:  provider,
		history:   history,
		assembler: assembler,
		breaker:   breaker,
		cfg:       cfg.withDefaults(),
		log:       log,
		now:       time.Now,
	}
}

// Messages assembles the payload for req: persona plus chronological context
// in the system message, then the user prompt (with the image inlined when present).
func (d *Dispatcher) Messages(ctx context.Context, req Request) []ctxpkg.Message {
	var turns []ctxpkg.Turn
	if d.history != nil {
		turns = d.history.Turns(ctx, req.UserID, d.cfg.ContextSize)
	}
	persona := d.cfg.TextPersona
	user := ctxpkg.TextMessage(req.Prompt)
	if req.HasImage() {
		persona = d.cfg.ImagePersona
		user = ctxpkg.ImageMessage(req.Prompt, req.ImageMIME, req.Image)
	}
	return d.assembler.Assemble(persona, turns, user)
}

// Respond returns the backend's answer, or the static fallback when the
// backend fails, returns nothing, or is short-circuited.
func (d *Dispatcher) Respond(ctx context.Context, req Request) Result {
	fallback := d.Fallback(req.HasImage())
	log := d.log.With("user_id", req.UserID, "image", req.HasImage())

	if d.breaker != nil && !d.breaker.Allow(d.now()) {
		log.Warn("backend skipped; circuit open", "error_class", d.breaker.OpenedClass())
		return Result{Text: fallback, Fallback: true, Err: ErrCircuitOpen}
	}

	messages := d.Messages(ctx, req)
	started := d.now()
	resp, err := d.provider.Complete(ctx, modelpkg.CompletionRequest{
		Model:       d.cfg.Model,
		Messages:    messages,
		MaxTokens:   d.cfg.MaxTokens,
		Temperature: d.cfg.Temperature,
	})
	latency := d.now().Sub(started)
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = &modelpkg.BackendError{Provider: "model", Err: errors.New("empty completion")}
	}
	if err != nil {
		if d.breaker != nil && d.breaker.RecordFailure(control.Classify(err), d.now()) {
			log.Warn("backend circuit opened", "threshold", d.breaker.Threshold, "cooldown", d.breaker.Cooldown.String())
		}
		log.Error("backend completion failed",
			"model", d.cfg.Model,
			"error_class", control.Classify(err),
			"latency_ms", latency.Milliseconds(),
			"error", err,
		)
		return Result{Text: fallback, Fallback: true, Err: err, Latency: latency}
	}
	if d.breaker != nil && d.breaker.RecordSuccess() {
		log.Info("backend circuit closed")
	}

	log.Debug("backend completion",
		"model", d.cfg.Model,
		"latency_ms", latency.Milliseconds(),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	return Result{
		Text:         strings.TrimSpace(resp.Content),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Latency:      latency,
	}
}

// Fallback returns the static reply used when no answer can be produced.
func (d *Dispatcher) Fallback(image bool) string {
	if image {
		return d.cfg.FallbackImage
	}
	return d.cfg.FallbackText
}
