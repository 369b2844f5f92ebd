// Package telegram implements the transport.Client contract over the
// Telegram Bot API via telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

type Config struct {
	Token string
	// Offline skips the getMe verification call; used in tests.
	Offline bool
	// Timeout bounds a single API call. Zero means telebot's default client.
	Timeout time.Duration
}

type Client struct {
	bot *tele.Bot
	log logx.Logger
}

var _ transport.Client = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" && !cfg.Offline {
		return nil, errors.New("telegram token is empty")
	}
	settings := tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
	}
	if cfg.Timeout > 0 {
		settings.Client = &http.Client{Timeout: cfg.Timeout}
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{bot: b, log: log}, nil
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) error {
	return c.send(ctx, chatID, text, opt)
}

func (c *Client) SendPhoto(ctx context.Context, chatID int64, fileID, caption string, opt *transport.SendOptions) error {
	return c.send(ctx, chatID, &tele.Photo{File: tele.File{FileID: fileID}, Caption: caption}, opt)
}

func (c *Client) SendVideo(ctx context.Context, chatID int64, fileID, caption string, opt *transport.SendOptions) error {
	return c.send(ctx, chatID, &tele.Video{File: tele.File{FileID: fileID}, Caption: caption}, opt)
}

func (c *Client) SendAnimation(ctx context.Context, chatID int64, fileID, caption string, opt *transport.SendOptions) error {
	return c.send(ctx, chatID, &tele.Animation{File: tele.File{FileID: fileID}, Caption: caption}, opt)
}

func (c *Client) SendDocument(ctx context.Context, chatID int64, fileID, caption string, opt *transport.SendOptions) error {
	return c.send(ctx, chatID, &tele.Document{File: tele.File{FileID: fileID}, Caption: caption}, opt)
}

func (c *Client) send(ctx context.Context, chatID int64, what any, opt *transport.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}
	if rm := markup(opt.Keyboard); rm != nil {
		sendOpt.ReplyMarkup = rm
	}
	_, err := c.bot.Send(&tele.Chat{ID: chatID}, what, sendOpt)
	return classify(err)
}

// markup converts a button grid into telebot inline markup. Nil for an
// empty grid so no keyboard is attached.
func markup(grid [][]transport.InlineButton) *tele.ReplyMarkup {
	if len(grid) == 0 {
		return nil
	}
	rows := make([][]tele.InlineButton, 0, len(grid))
	for _, row := range grid {
		r := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			r = append(r, tele.InlineButton{Text: b.Text, URL: b.URL})
		}
		rows = append(rows, r)
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}

// classify maps telebot errors onto the transport error taxonomy:
// 403 (blocked, deactivated, never started) -> ErrBlocked, 400 -> BadRequestError.
// Everything else passes through for the caller to treat as unexpected.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch te.Code {
		case 403:
			return fmt.Errorf("%w: %s", transport.ErrBlocked, te.Description)
		case 400:
			return &transport.BadRequestError{Msg: te.Description}
		}
	}
	return err
}
