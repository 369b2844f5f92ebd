// Package poller runs the recurring loop that discovers due scheduled
// newsletters and hands them to the fan-out engine.
//
// The loop is strictly sequential: process, sleep the configured interval
// measured from the end of the tick, repeat. A slow tick self-throttles
// instead of overlapping the next one.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"newsbot/internal/newsletter"
	"newsbot/internal/runtime/supervisor"
	"newsbot/internal/storage"
	logx "newsbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Interval time.Duration
}

const defaultInterval = 60 * time.Second

// Store is the persistence surface the poller needs; *storage.Store
// satisfies it.
type Store interface {
	ListDue(ctx context.Context, before time.Time) ([]*newsletter.Newsletter, error)
	UpdateStatus(ctx context.Context, id int64, from, to newsletter.Status) error
}

// Dispatcher runs one fan-out pass; *delivery.Service satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, id int64) (*newsletter.Report, error)
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store    Store
	dispatch Dispatcher
	log      logx.Logger

	// sup is non-nil while the loop runs.
	sup *supervisor.Supervisor

	now func() time.Time
}

func New(cfg Config, store Store, dispatch Dispatcher, log logx.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		dispatch: dispatch,
		log:      log,
		now:      time.Now,
	}
}

// Apply swaps the poll interval at runtime; the loop picks it up on the
// next sleep.
func (s *Service) Apply(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start launches the poll loop. Idempotent: calling Start on a running
// poller is a logged no-op. Stop cancels only the loop; dispatch of records
// already picked up runs on the parent context, so stopping the poller does
// not abort an in-flight fan-out pass.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		s.log.Warn("poller already running")
		return
	}
	interval := s.cfg.Interval
	s.sup = supervisor.New(ctx, s.log)
	s.sup.Go("poller.loop", func(loopCtx context.Context) error {
		s.run(loopCtx, ctx)
		return nil
	})
	s.log.Info("poller started", logx.Duration("interval", interval))
}

// Stop signals cancellation and waits for the loop's clean exit. Idempotent:
// stopping a stopped poller is a no-op.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("poller stop timed out", logx.Err(err))
		return
	}
	s.log.Info("poller stopped")
}

func (s *Service) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval
}

// run drives the loop. loopCtx ends on Stop; workCtx is the parent context
// and keeps an in-flight pass alive past Stop.
func (s *Service) run(loopCtx, workCtx context.Context) {
	for {
		s.tick(workCtx, loopCtx)

		timer := time.NewTimer(s.interval())
		select {
		case <-loopCtx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// tick processes every due scheduled newsletter once.
func (s *Service) tick(workCtx, loopCtx context.Context) {
	now := s.now().UTC()
	due, err := s.store.ListDue(workCtx, now)
	if err != nil {
		s.log.Error("due query failed", logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	s.log.Info("due newsletters found", logx.Int("count", len(due)), logx.Time("now", now))

	for _, n := range due {
		// Stop between records, but never mid-record.
		select {
		case <-loopCtx.Done():
			return
		default:
		}
		s.process(workCtx, n)
	}
}

// process hands one due newsletter to the fan-out engine. The handoff is a
// guarded scheduled->pending flip; on any orchestration failure the record
// is reverted to scheduled so the next tick retries it.
func (s *Service) process(ctx context.Context, n *newsletter.Newsletter) {
	if err := s.store.UpdateStatus(ctx, n.ID, newsletter.StatusScheduled, newsletter.StatusPending); err != nil {
		var conflict *storage.StatusConflictError
		if errors.As(err, &conflict) {
			// Someone else picked it up since the due query; not ours anymore.
			s.log.Debug("skipping contested newsletter", logx.Int64("newsletter", n.ID), logx.String("status", string(conflict.Have)))
			return
		}
		s.log.Error("scheduled->pending handoff failed", logx.Int64("newsletter", n.ID), logx.Err(err))
		return
	}

	if _, err := s.dispatch.Dispatch(ctx, n.ID); err != nil {
		s.log.Error("scheduled dispatch failed", logx.Int64("newsletter", n.ID), logx.Err(err))
		s.revert(ctx, n.ID)
	}
}

// revert is the compensating transition: a failed pass may have left the
// record in pending or already flipped to sending; either way it goes back
// to scheduled for the next tick.
func (s *Service) revert(ctx context.Context, id int64) {
	err := s.store.UpdateStatus(ctx, id, newsletter.StatusPending, newsletter.StatusScheduled)
	if err == nil {
		return
	}
	var conflict *storage.StatusConflictError
	if errors.As(err, &conflict) && conflict.Have == newsletter.StatusSending {
		err = s.store.UpdateStatus(ctx, id, newsletter.StatusSending, newsletter.StatusScheduled)
		if err == nil {
			return
		}
	}
	s.log.Error("compensating revert failed", logx.Int64("newsletter", id), logx.Err(err))
}
