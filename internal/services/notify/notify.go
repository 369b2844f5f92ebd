// Package notify delivers best-effort completion reports to newsletter
// creators. A failed or rate-capped notification is logged and dropped,
// never retried, and never affects the dispatch that produced it.
package notify

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"newsbot/internal/newsletter"
	"newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

type Config struct {
	Enabled    bool
	RatePerSec int
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	client transport.Client
	log    logx.Logger

	now func() time.Time
}

func New(cfg Config, client transport.Client, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{client: client, log: log, now: time.Now}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.mu.Unlock()
}

// NewsletterCompleted satisfies delivery.CompletionHook. It sends the
// formatted report to the creator's chat; every failure path only logs.
func (s *Service) NewsletterCompleted(ctx context.Context, n *newsletter.Newsletter, rep *newsletter.Report) {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	lim := s.limiter
	s.mu.Unlock()

	if !enabled {
		return
	}
	if n.Creator == nil {
		s.log.Warn("creator unknown, skipping report", logx.Int64("newsletter", n.ID), logx.Int64("creator_id", n.CreatorID))
		return
	}
	if !lim.Allow() {
		s.log.Warn("report dropped by rate cap", logx.Int64("newsletter", n.ID))
		return
	}

	text := FormatReport(n, rep, s.now().Local())
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if err := s.client.SendText(ctx, n.Creator.TelegramID, text, opt); err != nil {
		s.log.Warn("report send failed", logx.Int64("newsletter", n.ID), logx.Int64("chat_id", n.Creator.TelegramID), logx.Err(err))
		return
	}
	s.log.Debug("report sent to creator", logx.Int64("newsletter", n.ID), logx.Int64("chat_id", n.Creator.TelegramID))
}

const previewLen = 50

// FormatReport renders the creator-facing completion summary. Timestamps
// are converted to local time here, at the presentation boundary only.
func FormatReport(n *newsletter.Newsletter, rep *newsletter.Report, finishedAt time.Time) string {
	preview := []rune(n.Text)
	suffix := ""
	if len(preview) > previewLen {
		preview = preview[:previewLen]
		suffix = "..."
	}
	return fmt.Sprintf(
		"📊 <b>Newsletter report</b>\n\n"+
			"📝 <b>Text:</b> %s%s\n"+
			"👥 <b>Audience:</b> %s\n"+
			"📈 <b>Stats:</b>\n"+
			"• Recipients: %d\n"+
			"• Delivered: %d\n"+
			"• Failed: %d\n"+
			"⏰ <b>Finished:</b> %s",
		html.EscapeString(string(preview)), suffix,
		n.Audience,
		rep.Total, rep.Success, rep.Failed,
		finishedAt.Format("02.01.2006 15:04"),
	)
}
