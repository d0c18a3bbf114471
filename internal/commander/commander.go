package commander

import (
	"context"
	"errors"
	"fmt"
)

// Commander is the messaging transport used by the bot.
type Commander interface {
	Updates(ctx context.Context) <-chan Update
	SendText(ctx context.Context, chatID int64, text string) error
	FetchBinary(ctx context.Context, fileID string) ([]byte, error)
	IndicateActivity(ctx context.Context, chatID int64) error
}

// Update represents an incoming message, already normalized.
type Update struct {
	UpdateID int64
	Message  *Message
}

// Message represents a source message.
type Message struct {
	ChatID    int64
	UserID    int64
	Text      string
	Caption   string
	Command   string
	Args      string
	Photo     *File
	Document  *File
	Timestamp int64
}

// File references an attachment the transport can fetch by id.
type File struct {
	FileID   string
	FileName string
	MIMEType string
}

// TransportError reports a delivery or retrieval fault.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err (or anything it wraps) is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
