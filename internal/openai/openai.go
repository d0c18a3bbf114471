// Package openai adapts an OpenAI-compatible chat completions endpoint
// (OpenRouter by default) to model.Provider.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	ctxpkg "github.com/stupiduntilnot/aibot/internal/context"
	modelpkg "github.com/stupiduntilnot/aibot/internal/model"
)

const providerName = "openrouter"

// DefaultBaseURL is OpenRouter's OpenAI-compatible API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Options configures a Client.
type Options struct {
	APIKey  string
	BaseURL string
	// Referer and Title are sent as HTTP-Referer and X-Title for OpenRouter attribution.
	Referer string
	Title   string
	Timeout time.Duration
}

// Client is a chat completions client.
type Client struct {
	api *goopenai.Client
}

// NewClient creates a client for opts.
func NewClient(opts Options) *Client {
	cfg := goopenai.DefaultConfig(opts.APIKey)
	cfg.BaseURL = strings.TrimRight(emptyAs(opts.BaseURL, DefaultBaseURL), "/")
	cfg.HTTPClient = &http.Client{
		Timeout: opts.Timeout,
		Transport: &attributionTransport{
			base:    http.DefaultTransport,
			referer: opts.Referer,
			title:   opts.Title,
		},
	}
	return &Client{api: goopenai.NewClientWithConfig(cfg)}
}

type attributionTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.referer == "" && t.title == "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	if t.referer != "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	return t.base.RoundTrip(req)
}

// Complete implements model.Provider.
func (c *Client) Complete(ctx context.Context, req modelpkg.CompletionRequest) (modelpkg.CompletionResponse, error) {
	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toChatMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return modelpkg.CompletionResponse{}, &modelpkg.BackendError{
			Provider: providerName,
			Status:   statusOf(err),
			Err:      fmt.Errorf("chat completion failed: %w", err),
		}
	}

	result := modelpkg.CompletionResponse{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) == 0 {
		return result, &modelpkg.BackendError{Provider: providerName, Err: errors.New("no choices in response")}
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return result, &modelpkg.BackendError{Provider: providerName, Err: errors.New("empty model response")}
	}
	result.Content = content
	return result, nil
}

func toChatMessages(messages []ctxpkg.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := goopenai.ChatCompletionMessage{Role: m.Role}
		if len(m.Parts) == 0 {
			msg.Content = m.Content
			out = append(out, msg)
			continue
		}
		for _, p := range m.Parts {
			switch p.Type {
			case ctxpkg.PartImage:
				msg.MultiContent = append(msg.MultiContent, goopenai.ChatMessagePart{
					Type:     goopenai.ChatMessagePartTypeImageURL,
					ImageURL: &goopenai.ChatMessageImageURL{URL: p.ImageURL},
				})
			default:
				msg.MultiContent = append(msg.MultiContent, goopenai.ChatMessagePart{
					Type: goopenai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			}
		}
		out = append(out, msg)
	}
	return out
}

func statusOf(err error) int {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func emptyAs(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
