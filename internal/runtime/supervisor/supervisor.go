// Package supervisor manages named background goroutines tied to a shared
// context: panic recovery, first-error capture, and timeout-aware waiting.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "newsbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	firstErr atomic.Value // stores error
	wg       sync.WaitGroup
}

func New(parent context.Context, log logx.Logger) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{ctx: ctx, cancel: cancel, log: log}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if v := s.firstErr.Load(); v != nil {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return nil
}

// Go launches a named goroutine under the supervisor context. A panic is
// recovered, logged with its stack, and recorded as the first error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic in %s: %v", name, r)
				s.firstErr.CompareAndSwap(nil, err)
				s.log.Error("goroutine panicked", logx.String("goroutine", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()

		s.log.Debug("goroutine started", logx.String("goroutine", name))
		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.firstErr.CompareAndSwap(nil, err)
			s.log.Warn("goroutine exited with error", logx.String("goroutine", name), logx.Err(err))
			return
		}
		s.log.Debug("goroutine stopped", logx.String("goroutine", name))
	}()
}

// Wait blocks until every goroutine exits or ctx expires.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
