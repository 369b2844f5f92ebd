// Package retention prunes terminal newsletters on a cron schedule so the
// database does not grow without bound. Media and buttons go with their
// newsletter via the storage cascade.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "newsbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string        // cron expression, default "0 4 * * *"
	MaxAge   time.Duration // newsletters older than this are pruned
}

const (
	defaultSchedule = "0 4 * * *"
	defaultMaxAge   = 30 * 24 * time.Hour
)

// Store is the pruning surface; *storage.Store satisfies it.
type Store interface {
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	cron *cron.Cron

	store Store
	log   logx.Logger
}

func New(cfg Config, store Store, log logx.Logger) *Service {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, log: log}
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, s.runOnce); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Info("retention started", logx.String("schedule", s.cfg.Schedule), logx.Duration("max_age", s.cfg.MaxAge))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("retention stopped")
}

func (s *Service) runOnce() {
	s.mu.Lock()
	maxAge := s.cfg.MaxAge
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-maxAge)
	n, err := s.store.DeleteSentBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("pruned sent newsletters", logx.Int64("deleted", n), logx.Time("cutoff", cutoff))
	}
}
