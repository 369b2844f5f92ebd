package delivery

import (
	"context"
	"errors"
	"fmt"

	"newsbot/internal/newsletter"
	"newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

// deliverOne sends a newsletter to a single recipient and classifies the
// outcome. It never returns control flow to the caller via error or panic;
// every failure becomes a classified newsletter.Failure (nil on success).
func (s *Service) deliverOne(ctx context.Context, chatID int64, n *newsletter.Newsletter) (failure *newsletter.Failure) {
	defer func() {
		if r := recover(); r != nil {
			failure = &newsletter.Failure{
				RecipientID: chatID,
				Kind:        newsletter.FailureUnexpected,
				Reason:      fmt.Sprintf("panic: %v", r),
			}
			s.log.Error("panic during delivery", logx.Int64("chat_id", chatID), logx.Int64("newsletter", n.ID), logx.Any("panic", r))
		}
	}()

	opt := &transport.SendOptions{
		ParseMode: "HTML",
		Keyboard:  newsletter.BuildKeyboard(n.Buttons),
	}

	err := s.sendByKind(ctx, chatID, n, opt)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrBlocked):
		s.log.Warn("recipient blocked the bot", logx.Int64("chat_id", chatID), logx.Int64("newsletter", n.ID))
		return &newsletter.Failure{RecipientID: chatID, Kind: newsletter.FailureBlocked, Reason: "recipient blocked sender"}
	}
	var badReq *transport.BadRequestError
	if errors.As(err, &badReq) {
		s.log.Error("transport rejected send", logx.Int64("chat_id", chatID), logx.Int64("newsletter", n.ID), logx.String("reason", badReq.Msg))
		return &newsletter.Failure{RecipientID: chatID, Kind: newsletter.FailureBadRequest, Reason: badReq.Msg}
	}
	s.log.Error("unexpected send error", logx.Int64("chat_id", chatID), logx.Int64("newsletter", n.ID), logx.Err(err))
	return &newsletter.Failure{RecipientID: chatID, Kind: newsletter.FailureUnexpected, Reason: err.Error()}
}

// sendByKind selects the transport operation for the newsletter's content
// kind. A media newsletter whose attachment is missing (or tagged with a
// different kind) degrades to a marked plain-text send rather than failing.
func (s *Service) sendByKind(ctx context.Context, chatID int64, n *newsletter.Newsletter, opt *transport.SendOptions) error {
	if n.Kind == newsletter.ContentText {
		return s.client.SendText(ctx, chatID, n.Text, opt)
	}

	media := n.Media
	if media == nil || media.Kind != n.Kind {
		body := newsletter.UnavailableMarker(n.Kind) + "\n\n" + n.Text
		return s.client.SendText(ctx, chatID, body, opt)
	}

	switch n.Kind {
	case newsletter.ContentPhoto:
		return s.client.SendPhoto(ctx, chatID, media.FileID, n.Text, opt)
	case newsletter.ContentVideo:
		return s.client.SendVideo(ctx, chatID, media.FileID, n.Text, opt)
	case newsletter.ContentAnimation:
		return s.client.SendAnimation(ctx, chatID, media.FileID, n.Text, opt)
	case newsletter.ContentDocument:
		return s.client.SendDocument(ctx, chatID, media.FileID, n.Text, opt)
	}
	// Unknown kinds were rejected at the parse boundary; fall back to text.
	return s.client.SendText(ctx, chatID, n.Text, opt)
}
