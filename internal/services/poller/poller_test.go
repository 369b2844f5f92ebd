package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"newsbot/internal/newsletter"
	"newsbot/internal/storage"
	logx "newsbot/pkg/logx"
)

type fakeStore struct {
	mu     sync.Mutex
	items  map[int64]*newsletter.Newsletter
	dueErr error
}

func newFakeStore(items ...*newsletter.Newsletter) *fakeStore {
	f := &fakeStore{items: map[int64]*newsletter.Newsletter{}}
	for _, n := range items {
		f.items[n.ID] = n
	}
	return f
}

func (f *fakeStore) ListDue(ctx context.Context, before time.Time) ([]*newsletter.Newsletter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	var out []*newsletter.Newsletter
	for _, n := range f.items {
		if n.Status == newsletter.StatusScheduled && n.ScheduledAt != nil && !n.ScheduledAt.After(before) {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id int64, from, to newsletter.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.items[id]
	if !ok {
		return storage.ErrNotFound
	}
	if n.Status != from {
		return &storage.StatusConflictError{ID: id, Want: from, Have: n.Status}
	}
	n.Status = to
	return nil
}

func (f *fakeStore) status(id int64) newsletter.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[id].Status
}

// fakeDispatcher mimics the engine's status handling: it flips the record
// through sending and, on scripted failure, leaves it where the script says.
type fakeDispatcher struct {
	mu        sync.Mutex
	store     *fakeStore
	calls     []int64
	failIDs   map[int64]bool
	failAfter map[int64]newsletter.Status // status to leave the record in on failure
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, id int64) (*newsletter.Report, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	fail := f.failIDs[id]
	leave, hasLeave := f.failAfter[id]
	f.mu.Unlock()

	if fail {
		if hasLeave && leave == newsletter.StatusSending {
			_ = f.store.UpdateStatus(ctx, id, newsletter.StatusPending, newsletter.StatusSending)
		}
		return nil, errors.New("dispatch broke")
	}
	if err := f.store.UpdateStatus(ctx, id, newsletter.StatusPending, newsletter.StatusSending); err != nil {
		return nil, err
	}
	if err := f.store.UpdateStatus(ctx, id, newsletter.StatusSending, newsletter.StatusSent); err != nil {
		return nil, err
	}
	return &newsletter.Report{Total: 1, Success: 1}, nil
}

func (f *fakeDispatcher) dispatched() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.calls...)
}

func scheduledAt(ts time.Time) *newsletter.Newsletter {
	return &newsletter.Newsletter{
		ID:          1,
		Text:        "due",
		Audience:    newsletter.AudienceAll,
		Kind:        newsletter.ContentText,
		Status:      newsletter.StatusScheduled,
		ScheduledAt: &ts,
	}
}

func TestTickDispatchesDue(t *testing.T) {
	t.Parallel()
	past := time.Now().UTC().Add(-time.Minute)
	store := newFakeStore(scheduledAt(past))
	disp := &fakeDispatcher{store: store}
	s := New(Config{Interval: time.Hour}, store, disp, logx.Nop())

	s.tick(context.Background(), context.Background())

	if got := disp.dispatched(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("dispatched = %v, want [1]", got)
	}
	if got := store.status(1); got != newsletter.StatusSent {
		t.Fatalf("status = %q, want sent", got)
	}
}

func TestTickSkipsFutureRecords(t *testing.T) {
	t.Parallel()
	future := time.Now().UTC().Add(time.Hour)
	store := newFakeStore(scheduledAt(future))
	disp := &fakeDispatcher{store: store}
	s := New(Config{Interval: time.Hour}, store, disp, logx.Nop())

	s.tick(context.Background(), context.Background())

	if got := disp.dispatched(); len(got) != 0 {
		t.Fatalf("dispatched = %v, want none", got)
	}
	if got := store.status(1); got != newsletter.StatusScheduled {
		t.Fatalf("status = %q, want scheduled untouched", got)
	}
}

func TestTickRevertsOnDispatchFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		leftIn newsletter.Status
	}{
		{name: "failed before sending flip", leftIn: newsletter.StatusPending},
		{name: "failed after sending flip", leftIn: newsletter.StatusSending},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			past := time.Now().UTC().Add(-time.Minute)
			store := newFakeStore(scheduledAt(past))
			disp := &fakeDispatcher{
				store:     store,
				failIDs:   map[int64]bool{1: true},
				failAfter: map[int64]newsletter.Status{1: tt.leftIn},
			}
			s := New(Config{Interval: time.Hour}, store, disp, logx.Nop())

			s.tick(context.Background(), context.Background())

			if got := store.status(1); got != newsletter.StatusScheduled {
				t.Fatalf("status = %q, want scheduled (compensating revert)", got)
			}

			// The next tick retries the reverted record.
			disp.mu.Lock()
			disp.failIDs[1] = false
			disp.mu.Unlock()
			s.tick(context.Background(), context.Background())
			if got := store.status(1); got != newsletter.StatusSent {
				t.Fatalf("status after retry = %q, want sent", got)
			}
		})
	}
}

func TestTickSkipsContestedRecord(t *testing.T) {
	t.Parallel()
	past := time.Now().UTC().Add(-time.Minute)
	n := scheduledAt(past)
	store := newFakeStore(n)
	disp := &fakeDispatcher{store: store}
	s := New(Config{Interval: time.Hour}, store, disp, logx.Nop())

	// Another instance grabbed the record between the due query and the flip.
	due, err := store.ListDue(context.Background(), time.Now().UTC())
	if err != nil || len(due) != 1 {
		t.Fatalf("setup ListDue: %v %v", due, err)
	}
	if err := store.UpdateStatus(context.Background(), 1, newsletter.StatusScheduled, newsletter.StatusPending); err != nil {
		t.Fatalf("setup flip: %v", err)
	}

	s.process(context.Background(), due[0])

	if got := disp.dispatched(); len(got) != 0 {
		t.Fatalf("dispatched = %v, want none for contested record", got)
	}
	if got := store.status(1); got != newsletter.StatusPending {
		t.Fatalf("status = %q, want pending left to the winner", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	disp := &fakeDispatcher{store: store}
	s := New(Config{Interval: time.Hour}, store, disp, logx.Nop())

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // no-op, must not double-launch

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	s.Stop(stopCtx) // no-op on a stopped poller
}

func TestStopReturnsPromptly(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	disp := &fakeDispatcher{store: store}
	s := New(Config{Interval: time.Hour}, store, disp, logx.Nop())

	s.Start(context.Background())

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while loop slept on interval")
	}
}

func TestDefaultInterval(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newFakeStore(), &fakeDispatcher{}, logx.Nop())
	if got := s.interval(); got != defaultInterval {
		t.Fatalf("interval = %v, want %v", got, defaultInterval)
	}
}
