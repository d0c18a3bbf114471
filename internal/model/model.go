package model

import (
	"context"
	"errors"
	"fmt"

	ctxpkg "github.com/stupiduntilnot/aibot/internal/context"
)

// CompletionRequest is everything a backend needs for one completion.
type CompletionRequest struct {
	Model       string
	Messages    []ctxpkg.Message
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is the common response model for model providers.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Provider is the AI completion backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// BackendError reports a network, auth or model failure from a provider.
type BackendError struct {
	Provider string
	Status   int
	Err      error
}

func (e *BackendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s backend status=%d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s backend: %v", e.Provider, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsBackendError reports whether err (or anything it wraps) is a BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
