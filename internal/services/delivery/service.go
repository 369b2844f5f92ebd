// Package delivery implements the newsletter fan-out engine: resolving the
// target audience, sending to each recipient with inter-send pacing, and
// driving the lifecycle status transitions around a pass.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"newsbot/internal/directory"
	"newsbot/internal/newsletter"
	"newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

// ErrNotFound reports a dispatch for an unknown newsletter id.
var ErrNotFound = errors.New("newsletter not found")

// InvalidStateError reports a dispatch precondition violation: the
// newsletter is not in the pending state. Callers must not blindly retry.
type InvalidStateError struct {
	ID     int64
	Status newsletter.Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("newsletter %d: cannot dispatch in status %q", e.ID, e.Status)
}

// Store is the persistence surface the engine needs. *storage.Store
// satisfies it; tests use in-memory fakes.
type Store interface {
	GetNewsletter(ctx context.Context, id int64) (*newsletter.Newsletter, error)
	CreateNewsletter(ctx context.Context, n *newsletter.Newsletter) error
	// UpdateStatus is a guarded compare-and-swap; see storage.UpdateStatus.
	UpdateStatus(ctx context.Context, id int64, from, to newsletter.Status) error
}

type Config struct {
	// Pacing is the fixed delay between consecutive sends of one pass.
	// Applied between sends only, never before the first or after the last.
	Pacing time.Duration
}

const defaultPacing = 50 * time.Millisecond

// CompletionHook is called after a pass transitions to sent. It runs on the
// dispatching goroutine and must not block for long.
type CompletionHook func(ctx context.Context, n *newsletter.Newsletter, rep *newsletter.Report)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	store  Store
	dir    directory.Directory
	client transport.Client
	log    logx.Logger

	onComplete CompletionHook

	// pace waits out the inter-send delay; swapped in tests to count waits.
	pace func(ctx context.Context) error
}

type Option func(*Service)

// WithCompletionHook registers the post-sent callback (creator report
// notification). Failures inside the hook are the hook's own problem.
func WithCompletionHook(h CompletionHook) Option {
	return func(s *Service) { s.onComplete = h }
}

func New(cfg Config, store Store, dir directory.Directory, client transport.Client, log logx.Logger, opts ...Option) *Service {
	if cfg.Pacing <= 0 {
		cfg.Pacing = defaultPacing
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.Pacing), 1),
		store:   store,
		dir:     dir,
		client:  client,
		log:     log,
	}
	s.pace = s.waitPacing
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the pacing knob at runtime (config reload).
func (s *Service) Apply(cfg Config) {
	if cfg.Pacing <= 0 {
		cfg.Pacing = defaultPacing
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Every(cfg.Pacing), 1)
	s.mu.Unlock()
}

// waitPacing blocks for one pacing interval.
func (s *Service) waitPacing(ctx context.Context) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	return lim.Wait(ctx)
}

// drainPacing removes any token the limiter accumulated while idle. Called
// at the start of each pass so every one of the N-1 inter-send waits blocks
// for a full interval instead of the first one passing for free.
func (s *Service) drainPacing() {
	s.mu.Lock()
	s.limiter.Allow()
	s.mu.Unlock()
}
