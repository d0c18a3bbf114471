package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/aibot/internal/commander"
	modelpkg "github.com/stupiduntilnot/aibot/internal/model"
)

// DummyUserID and DummyChatID identify every update a scripted Commander emits.
const (
	DummyUserID int64 = 1
	DummyChatID int64 = 1
)

type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			actions = append(actions, action{kind: "ok"})
			continue
		}
		if strings.HasPrefix(token, "err:") {
			actions = append(actions, action{kind: "err", arg: strings.TrimPrefix(token, "err:")})
			continue
		}
		if strings.HasPrefix(token, "sleep:") {
			actions = append(actions, action{kind: "sleep", arg: strings.TrimPrefix(token, "sleep:")})
			continue
		}
		if strings.HasPrefix(token, "msg:") {
			actions = append(actions, action{kind: "msg", arg: strings.TrimPrefix(token, "msg:")})
			continue
		}
		if strings.HasPrefix(token, "msgb64:") {
			actions = append(actions, action{kind: "msgb64", arg: strings.TrimPrefix(token, "msgb64:")})
			continue
		}
		return nil, fmt.Errorf("invalid dummy action: %s", token)
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleepMillis(arg string) {
	ms, _ := strconv.Atoi(arg)
	if ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

func decodeText(a action) (string, error) {
	if a.kind == "msgb64" {
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return "", fmt.Errorf("msgb64 decode failed: %w", err)
		}
		return string(raw), nil
	}
	return a.arg, nil
}

// Sent is one message delivered through a dummy Commander.
type Sent struct {
	ChatID int64
	Text   string
}

// Commander is a scripted transport. The poll script feeds Updates once, in
// order; the send script decides the outcome of each SendText call.
type Commander struct {
	mu       sync.Mutex
	poll     []action
	send     *scriptRunner
	files    map[string][]byte
	sent     []Sent
	actions  int
	updateID int64
}

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := parseScript(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{poll: poll, send: send, files: map[string][]byte{}, updateID: 1}, nil
}

// Updates emits one text update per msg/msgb64 action, then blocks until ctx is done.
func (c *Commander) Updates(ctx context.Context) <-chan cmdpkg.Update {
	out := make(chan cmdpkg.Update)
	go func() {
		defer close(out)
		for _, a := range c.poll {
			switch a.kind {
			case "sleep":
				sleepMillis(a.arg)
				continue
			case "msg", "msgb64":
			default:
				continue
			}
			text, err := decodeText(a)
			if err != nil {
				continue
			}
			c.mu.Lock()
			c.updateID++
			id := c.updateID
			c.mu.Unlock()
			u := cmdpkg.Update{
				UpdateID: id,
				Message:  parseText(text),
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out
}

func parseText(text string) *cmdpkg.Message {
	msg := &cmdpkg.Message{
		ChatID:    DummyChatID,
		UserID:    DummyUserID,
		Text:      text,
		Timestamp: time.Now().Unix(),
	}
	if strings.HasPrefix(text, "/") {
		cmd, args, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
		msg.Command = cmd
		msg.Args = strings.TrimSpace(args)
	}
	return msg
}

func (c *Commander) SendText(_ context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.send.next()
	switch a.kind {
	case "err":
		return &cmdpkg.TransportError{Op: "send_text", Err: fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "transport"))}
	case "sleep":
		sleepMillis(a.arg)
	}
	c.sent = append(c.sent, Sent{ChatID: chatID, Text: text})
	return nil
}

// AddFile registers bytes FetchBinary will return for fileID.
func (c *Commander) AddFile(fileID string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[fileID] = data
}

func (c *Commander) FetchBinary(_ context.Context, fileID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.files[fileID]
	if !ok {
		return nil, &cmdpkg.TransportError{Op: "fetch_binary", Err: fmt.Errorf("dummy file %q not found", fileID)}
	}
	return data, nil
}

func (c *Commander) IndicateActivity(context.Context, int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions++
	return nil
}

// Sent returns a copy of every successfully sent message.
func (c *Commander) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

// Activities counts IndicateActivity calls.
func (c *Commander) Activities() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actions
}

// Provider is a scripted completion backend.
type Provider struct {
	mu       sync.Mutex
	model    string
	script   *scriptRunner
	requests []modelpkg.CompletionRequest
}

func NewProvider(model, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: model, script: runner}, nil
}

func (p *Provider) Complete(_ context.Context, req modelpkg.CompletionRequest) (modelpkg.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	a := p.script.next()
	switch a.kind {
	case "ok":
		return modelpkg.CompletionResponse{
			Content:      emptyAs(a.arg, "dummy-ok"),
			InputTokens:  1,
			OutputTokens: 1,
		}, nil
	case "err":
		return modelpkg.CompletionResponse{}, &modelpkg.BackendError{
			Provider: "dummy",
			Err:      fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api")),
		}
	case "sleep":
		sleepMillis(a.arg)
		return modelpkg.CompletionResponse{
			Content:      "dummy-after-sleep",
			InputTokens:  1,
			OutputTokens: 1,
		}, nil
	case "msg", "msgb64":
		text, err := decodeText(a)
		if err != nil {
			return modelpkg.CompletionResponse{}, &modelpkg.BackendError{Provider: "dummy", Err: err}
		}
		return modelpkg.CompletionResponse{
			Content:      text,
			InputTokens:  1,
			OutputTokens: 1,
		}, nil
	default:
		return modelpkg.CompletionResponse{
			Content:      "dummy-ok",
			InputTokens:  1,
			OutputTokens: 1,
		}, nil
	}
}

// Requests returns every request the provider has seen.
func (p *Provider) Requests() []modelpkg.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]modelpkg.CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
