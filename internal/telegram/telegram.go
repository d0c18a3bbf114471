// Package telegram implements commander.Commander on the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	cmdpkg "github.com/stupiduntilnot/aibot/internal/commander"
)

// Options configures a Client. Empty endpoints use the public Bot API.
type Options struct {
	Token string
	// APIEndpoint and FileEndpoint are format strings taking the token and
	// the method (or file path), as tgbotapi.APIEndpoint does.
	APIEndpoint  string
	FileEndpoint string
	PollTimeout  int
	// SendRate caps outbound messages per second; <= 0 disables the limit.
	SendRate   float64
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a long-polling Telegram transport.
type Client struct {
	api          *tgbotapi.BotAPI
	token        string
	fileEndpoint string
	pollTimeout  int
	limiter      *rate.Limiter
	httpClient   *http.Client
	log          *slog.Logger
}

// New authenticates against the Bot API (getMe) and returns a client.
func New(opts Options) (*Client, error) {
	if opts.APIEndpoint == "" {
		opts.APIEndpoint = tgbotapi.APIEndpoint
	}
	if opts.FileEndpoint == "" {
		opts.FileEndpoint = tgbotapi.FileEndpoint
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: time.Duration(opts.PollTimeout+30) * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "telegram")
	if err := installLogger(log); err != nil {
		return nil, err
	}

	api, err := tgbotapi.NewBotAPIWithClient(opts.Token, opts.APIEndpoint, opts.HTTPClient)
	if err != nil {
		return nil, &cmdpkg.TransportError{Op: "auth", Err: err}
	}
	log.Info("telegram authorized", "username", api.Self.UserName)

	limit := rate.Inf
	if opts.SendRate > 0 {
		limit = rate.Limit(opts.SendRate)
	}
	return &Client{
		api:          api,
		token:        opts.Token,
		fileEndpoint: opts.FileEndpoint,
		pollTimeout:  opts.PollTimeout,
		limiter:      rate.NewLimiter(limit, 1),
		httpClient:   opts.HTTPClient,
		log:          log,
	}, nil
}

// Updates long-polls until ctx is done, then closes the channel.
func (c *Client) Updates(ctx context.Context) <-chan cmdpkg.Update {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.pollTimeout
	in := c.api.GetUpdatesChan(u)

	out := make(chan cmdpkg.Update)
	go func() {
		defer close(out)
		defer func() {
			c.api.StopReceivingUpdates()
			// The poller closes in once it sees the stop signal; drain so a
			// pending delivery cannot block it.
			for range in {
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-in:
				if !ok {
					return
				}
				msg := normalize(upd.Message)
				if msg == nil {
					continue
				}
				select {
				case out <- cmdpkg.Update{UpdateID: int64(upd.UpdateID), Message: msg}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func normalize(m *tgbotapi.Message) *cmdpkg.Message {
	if m == nil || m.From == nil || m.Chat == nil {
		return nil
	}
	msg := &cmdpkg.Message{
		ChatID:    m.Chat.ID,
		UserID:    m.From.ID,
		Text:      m.Text,
		Caption:   m.Caption,
		Timestamp: int64(m.Date),
	}
	if m.IsCommand() {
		msg.Command = m.Command()
		msg.Args = m.CommandArguments()
	}
	if n := len(m.Photo); n > 0 {
		// Sizes are ascending; the last one is the original resolution.
		msg.Photo = &cmdpkg.File{FileID: m.Photo[n-1].FileID}
	}
	if m.Document != nil {
		msg.Document = &cmdpkg.File{
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			MIMEType: m.Document.MimeType,
		}
	}
	return msg
}

// SendText delivers one message, waiting for the outbound rate limiter first.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &cmdpkg.TransportError{Op: "send_text", Err: err}
	}
	if _, err := c.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return &cmdpkg.TransportError{Op: "send_text", Err: err}
	}
	return nil
}

// IndicateActivity shows the "typing" chat action.
func (c *Client) IndicateActivity(_ context.Context, chatID int64) error {
	if _, err := c.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return &cmdpkg.TransportError{Op: "indicate_activity", Err: err}
	}
	return nil
}

// FetchBinary resolves fileID with getFile and downloads its content.
func (c *Client) FetchBinary(ctx context.Context, fileID string) ([]byte, error) {
	file, err := c.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, &cmdpkg.TransportError{Op: "get_file", Err: err}
	}
	url := fmt.Sprintf(c.fileEndpoint, c.token, file.FilePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &cmdpkg.TransportError{Op: "fetch_binary", Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &cmdpkg.TransportError{Op: "fetch_binary", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &cmdpkg.TransportError{Op: "fetch_binary", Err: fmt.Errorf("download status=%d", resp.StatusCode)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &cmdpkg.TransportError{Op: "fetch_binary", Err: err}
	}
	return data, nil
}

var (
	loggerOnce sync.Once
	loggerErr  error
	pollLog    atomic.Pointer[slog.Logger]
)

// installLogger routes tgbotapi's package-level logger (poll errors) to log.
// tgbotapi keeps one global logger, so it is set once and later clients only
// swap the destination.
func installLogger(log *slog.Logger) error {
	pollLog.Store(log)
	loggerOnce.Do(func() {
		if err := tgbotapi.SetLogger(botLogger{}); err != nil {
			loggerErr = fmt.Errorf("set telegram logger: %w", err)
		}
	})
	return loggerErr
}

type botLogger struct{}

func (botLogger) Println(v ...interface{}) {
	pollLog.Load().Warn(fmt.Sprint(v...))
}

func (botLogger) Printf(format string, v ...interface{}) {
	pollLog.Load().Warn(fmt.Sprintf(format, v...))
}
