package telegram

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cmdpkg "github.com/stupiduntilnot/aibot/internal/commander"
)

const testToken = "test-token"

type fakeAPI struct {
	mu       sync.Mutex
	sent     []string
	actions  []string
	polls    atomic.Int32
	sendFail bool
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasPrefix(r.URL.Path, "/file/bot"+testToken+"/") {
			_, _ = io.WriteString(w, "image-bytes")
			return
		}
		_ = r.ParseForm()
		method := strings.TrimPrefix(r.URL.Path, "/bot"+testToken+"/")
		switch method {
		case "getMe":
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"bot","username":"aibot"}}`)
		case "getUpdates":
			if f.polls.Add(1) == 1 {
				_, _ = io.WriteString(w, `{"ok":true,"result":[
					{"update_id":5,"channel_post":{"message_id":9,"date":1700000000,"chat":{"id":-100,"type":"channel"},"text":"ignored"}},
					{"update_id":6,"message":{"message_id":1,"date":1700000000,"from":{"id":42,"is_bot":false,"first_name":"A"},"chat":{"id":99,"type":"private"},"text":"/stats now","entities":[{"type":"bot_command","offset":0,"length":6}]}},
					{"update_id":7,"message":{"message_id":2,"date":1700000001,"from":{"id":42,"is_bot":false,"first_name":"A"},"chat":{"id":99,"type":"private"},"caption":"look","photo":[{"file_id":"small","file_unique_id":"s","width":90,"height":90},{"file_id":"large","file_unique_id":"l","width":800,"height":800}]}},
					{"update_id":8,"message":{"message_id":3,"date":1700000002,"from":{"id":42,"is_bot":false,"first_name":"A"},"chat":{"id":99,"type":"private"},"document":{"file_id":"doc","file_unique_id":"d","file_name":"a.PNG","mime_type":"image/png"}}}
				]}`)
				return
			}
			time.Sleep(20 * time.Millisecond)
			_, _ = io.WriteString(w, `{"ok":true,"result":[]}`)
		case "sendMessage":
			if f.sendFail {
				_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
				return
			}
			f.mu.Lock()
			f.sent = append(f.sent, r.FormValue("chat_id")+":"+r.FormValue("text"))
			f.mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":10,"date":1700000000,"chat":{"id":99,"type":"private"}}}`)
		case "sendChatAction":
			f.mu.Lock()
			f.actions = append(f.actions, r.FormValue("action"))
			f.mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
		case "getFile":
			if r.FormValue("file_id") != "large" {
				_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: invalid file_id"}`)
				return
			}
			_, _ = io.WriteString(w, `{"ok":true,"result":{"file_id":"large","file_unique_id":"l","file_size":11,"file_path":"photos/a.jpg"}}`)
		default:
			t.Errorf("unexpected method %q", method)
			http.NotFound(w, r)
		}
	}
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	c, err := New(Options{
		Token:        testToken,
		APIEndpoint:  srv.URL + "/bot%s/%s",
		FileEndpoint: srv.URL + "/file/bot%s/%s",
		HTTPClient:   srv.Client(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestNew_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}))
	defer srv.Close()

	_, err := New(Options{Token: "bad", APIEndpoint: srv.URL + "/bot%s/%s", HTTPClient: srv.Client()})
	if !cmdpkg.IsTransportError(err) {
		t.Fatalf("expected TransportError on auth failure, got %v", err)
	}
}

func TestUpdates_NormalizesMessages(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := c.Updates(ctx)

	var got []cmdpkg.Update
	for len(got) < 3 {
		select {
		case u := <-updates:
			got = append(got, u)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d updates", len(got))
		}
	}

	cmd := got[0]
	if cmd.UpdateID != 6 || cmd.Message.UserID != 42 || cmd.Message.ChatID != 99 {
		t.Fatalf("unexpected command update: %+v", cmd.Message)
	}
	if cmd.Message.Command != "stats" || cmd.Message.Args != "now" {
		t.Fatalf("command not parsed: %+v", cmd.Message)
	}

	photo := got[1].Message
	if photo.Photo == nil || photo.Photo.FileID != "large" || photo.Caption != "look" {
		t.Fatalf("expected largest photo size, got %+v", photo)
	}

	doc := got[2].Message
	if doc.Document == nil || doc.Document.FileName != "a.PNG" || doc.Document.MIMEType != "image/png" {
		t.Fatalf("unexpected document: %+v", doc.Document)
	}

	cancel()
	deadline := time.After(3 * time.Second)
	for closed := false; !closed; {
		select {
		case _, ok := <-updates:
			closed = !ok
		case <-deadline:
			t.Fatal("updates channel not closed after cancel")
		}
	}

	// The channel closes only after the poller has exited.
	polls := api.polls.Load()
	time.Sleep(100 * time.Millisecond)
	if after := api.polls.Load(); after != polls {
		t.Fatalf("getUpdates still polled after close: %d -> %d", polls, after)
	}
}

func TestNew_SecondClientSwapsLogger(t *testing.T) {
	api := &fakeAPI{}
	first := newTestClient(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	updates := first.Updates(ctx)
	<-updates

	var buf syncBuffer
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	if _, err := New(Options{
		Token:       testToken,
		APIEndpoint: srv.URL + "/bot%s/%s",
		HTTPClient:  srv.Client(),
		Logger:      slog.New(slog.NewTextHandler(&buf, nil)),
	}); err != nil {
		t.Fatalf("second New failed: %v", err)
	}

	botLogger{}.Printf("poll failed: %s", "boom")
	if !strings.Contains(buf.String(), "poll failed: boom") {
		t.Fatalf("tgbotapi log not routed to newest logger: %q", buf.String())
	}

	cancel()
	for range updates {
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSendTextAndActivity(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)
	ctx := context.Background()

	if err := c.SendText(ctx, 99, "hello"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if err := c.IndicateActivity(ctx, 99); err != nil {
		t.Fatalf("IndicateActivity failed: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.sent) != 1 || api.sent[0] != "99:hello" {
		t.Fatalf("unexpected sent: %v", api.sent)
	}
	if len(api.actions) != 1 || api.actions[0] != "typing" {
		t.Fatalf("unexpected actions: %v", api.actions)
	}
}

func TestSendText_APIErrorIsTransportError(t *testing.T) {
	api := &fakeAPI{sendFail: true}
	c := newTestClient(t, api)

	err := c.SendText(context.Background(), 99, "hello")
	if !cmdpkg.IsTransportError(err) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestSendText_CancelledWhileRateLimited(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()
	c, err := New(Options{
		Token:       testToken,
		APIEndpoint: srv.URL + "/bot%s/%s",
		SendRate:    0.001,
		HTTPClient:  srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.SendText(context.Background(), 99, "first"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.SendText(ctx, 99, "second"); !cmdpkg.IsTransportError(err) {
		t.Fatalf("expected TransportError from limiter, got %v", err)
	}
}

func TestFetchBinary(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)
	ctx := context.Background()

	data, err := c.FetchBinary(ctx, "large")
	if err != nil {
		t.Fatalf("FetchBinary failed: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Fatalf("unexpected data %q", data)
	}

	if _, err := c.FetchBinary(ctx, "missing"); !cmdpkg.IsTransportError(err) {
		t.Fatalf("expected TransportError for unknown file, got %v", err)
	}
}
