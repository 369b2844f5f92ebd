package delivery

import (
	"context"
	"errors"
	"time"

	"newsbot/internal/newsletter"
	"newsbot/internal/storage"
	logx "newsbot/pkg/logx"
)

// Dispatch runs one fan-out pass for a pending newsletter.
//
// The pending->sending flip is persisted before the first send, so a crash
// mid-pass leaves the record visibly stuck in sending rather than silently
// re-queued. Per-recipient failures are absorbed into the report; the pass
// always ends in sent once the recipient loop completes. Errors returned
// from Dispatch are orchestration failures (not-found, invalid state,
// persistence) and are the caller's to compensate.
func (s *Service) Dispatch(ctx context.Context, id int64) (*newsletter.Report, error) {
	n, err := s.store.GetNewsletter(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if n.Status != newsletter.StatusPending {
		return nil, &InvalidStateError{ID: id, Status: n.Status}
	}

	// Guarded flip: a concurrent dispatch for the same id loses here.
	if err := s.store.UpdateStatus(ctx, id, newsletter.StatusPending, newsletter.StatusSending); err != nil {
		var conflict *storage.StatusConflictError
		if errors.As(err, &conflict) {
			return nil, &InvalidStateError{ID: id, Status: conflict.Have}
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	start := time.Now()
	s.log.Info("fan-out started", logx.Int64("newsletter", id), logx.String("audience", string(n.Audience)), logx.String("kind", string(n.Kind)))

	recipients, err := s.Resolve(ctx, n.Audience)
	if err != nil {
		return nil, err
	}

	rep := &newsletter.Report{Total: len(recipients)}
	if len(recipients) == 0 {
		s.log.Warn("no recipients matched audience", logx.Int64("newsletter", id), logx.String("audience", string(n.Audience)))
		if err := s.store.UpdateStatus(ctx, id, newsletter.StatusSending, newsletter.StatusSent); err != nil {
			return nil, err
		}
		s.complete(ctx, n, rep)
		return rep, nil
	}

	s.drainPacing()
	for i, u := range recipients {
		if i > 0 {
			if err := s.pace(ctx); err != nil {
				return nil, err
			}
		}
		rep.RecordOutcome(s.deliverOne(ctx, u.TelegramID, n))
	}

	if err := s.store.UpdateStatus(ctx, id, newsletter.StatusSending, newsletter.StatusSent); err != nil {
		return nil, err
	}

	fields := []logx.Field{
		logx.Int64("newsletter", id),
		logx.Int("total", rep.Total),
		logx.Int("success", rep.Success),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", time.Since(start)),
	}
	if rep.Failed > 0 {
		s.log.Warn("fan-out finished with failures", fields...)
	} else {
		s.log.Info("fan-out finished", fields...)
	}

	s.complete(ctx, n, rep)
	return rep, nil
}

// SendNow persists a newsletter as pending and dispatches it immediately.
// This is the "send now" path of the compose flow.
func (s *Service) SendNow(ctx context.Context, n *newsletter.Newsletter) (*newsletter.Report, error) {
	n.Status = newsletter.StatusPending
	n.ScheduledAt = nil
	if err := s.store.CreateNewsletter(ctx, n); err != nil {
		return nil, err
	}
	return s.Dispatch(ctx, n.ID)
}

func (s *Service) complete(ctx context.Context, n *newsletter.Newsletter, rep *newsletter.Report) {
	if s.onComplete == nil {
		return
	}
	s.onComplete(ctx, n, rep)
}
