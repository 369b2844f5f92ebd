// Package transport defines the chat-transport contract the delivery engine
// sends through. The Telegram implementation lives in transport/telegram;
// tests use in-memory fakes.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrBlocked reports that the recipient blocked the sender (or deactivated
// their account). Matched with errors.Is.
var ErrBlocked = errors.New("recipient blocked sender")

// BadRequestError reports a request the transport rejected as malformed
// (bad file handle, bad markup, empty text). Matched with errors.As; Msg
// carries the transport's own description.
type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("transport rejected request: %s", e.Msg)
}

// InlineButton is one link button of a message keyboard.
type InlineButton struct {
	Text string
	URL  string
}

// SendOptions carries per-send rendering options. Keyboard is the button
// grid (outer slice = rows); nil means no keyboard.
type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Keyboard       [][]InlineButton
}

// Client is the outbound send surface. Media operations take the opaque
// file handle the transport issued at upload time; body text becomes the
// caption. All methods classify recipient-level failures as ErrBlocked or
// *BadRequestError; everything else is passed through unchanged.
type Client interface {
	SendText(ctx context.Context, chatID int64, text string, opt *SendOptions) error
	SendPhoto(ctx context.Context, chatID int64, fileID, caption string, opt *SendOptions) error
	SendVideo(ctx context.Context, chatID int64, fileID, caption string, opt *SendOptions) error
	SendAnimation(ctx context.Context, chatID int64, fileID, caption string, opt *SendOptions) error
	SendDocument(ctx context.Context, chatID int64, fileID, caption string, opt *SendOptions) error
}
