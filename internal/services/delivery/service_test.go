package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"newsbot/internal/directory"
	"newsbot/internal/newsletter"
	"newsbot/internal/storage"
	"newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

// ---- fakes ----

type fakeStore struct {
	mu           sync.Mutex
	items        map[int64]*newsletter.Newsletter
	nextID       int64
	statusWrites int
	failStatusTo map[newsletter.Status]error
}

func newFakeStore(items ...*newsletter.Newsletter) *fakeStore {
	f := &fakeStore{items: map[int64]*newsletter.Newsletter{}, nextID: 1}
	for _, n := range items {
		if n.ID == 0 {
			n.ID = f.nextID
		}
		if n.ID >= f.nextID {
			f.nextID = n.ID + 1
		}
		f.items[n.ID] = n
	}
	return f
}

func (f *fakeStore) GetNewsletter(ctx context.Context, id int64) (*newsletter.Newsletter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.items[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (f *fakeStore) CreateNewsletter(ctx context.Context, n *newsletter.Newsletter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n.ID = f.nextID
	f.nextID++
	cp := *n
	f.items[n.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id int64, from, to newsletter.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failStatusTo[to]; err != nil {
		return err
	}
	n, ok := f.items[id]
	if !ok {
		return storage.ErrNotFound
	}
	if n.Status != from {
		return &storage.StatusConflictError{ID: id, Want: from, Have: n.Status}
	}
	n.Status = to
	f.statusWrites++
	return nil
}

func (f *fakeStore) status(id int64) newsletter.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[id].Status
}

func (f *fakeStore) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusWrites
}

type fakeDirectory struct {
	users []directory.User
	err   error
}

func (f *fakeDirectory) ListAllUsers(ctx context.Context) ([]directory.User, error) {
	return f.users, f.err
}

func (f *fakeDirectory) ListUsersByRole(ctx context.Context, role string) ([]directory.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []directory.User
	for _, u := range f.users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out, nil
}

type sentMsg struct {
	op       string
	chatID   int64
	body     string
	fileID   string
	keyboard [][]transport.InlineButton
}

type fakeClient struct {
	mu       sync.Mutex
	sent     []sentMsg
	errFor   map[int64]error
	panicFor map[int64]bool
}

func (f *fakeClient) record(op string, chatID int64, body, fileID string, opt *transport.SendOptions) error {
	f.mu.Lock()
	var kb [][]transport.InlineButton
	if opt != nil {
		kb = opt.Keyboard
	}
	f.sent = append(f.sent, sentMsg{op: op, chatID: chatID, body: body, fileID: fileID, keyboard: kb})
	f.mu.Unlock()
	if f.panicFor[chatID] {
		panic(fmt.Sprintf("client exploded for chat %d", chatID))
	}
	return f.errFor[chatID]
}

func (f *fakeClient) SendText(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) error {
	return f.record("text", chatID, text, "", opt)
}
func (f *fakeClient) SendPhoto(ctx context.Context, chatID int64, fileID, caption string, opt *transport.SendOptions) error {
	return f.record("photo", chatID, caption, fileID, opt)
}
func (f *fakeClient) SendVideo(ctx context.Context, chatID int64, fileID, caption string, opt *transport.SendOptions) error {
	return f.record("video", chatID, caption, fileID, opt)
}
func (f *fakeClient) SendAnimation(ctx context.Context, chatID int64, fileID, caption string, opt *transport.SendOptions) error {
	return f.record("animation", chatID, caption, fileID, opt)
}
func (f *fakeClient) SendDocument(ctx context.Context, chatID int64, fileID, caption string, opt *transport.SendOptions) error {
	return f.record("document", chatID, caption, fileID, opt)
}

func (f *fakeClient) calls() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func pendingNewsletter(aud newsletter.Audience) *newsletter.Newsletter {
	return &newsletter.Newsletter{
		ID:        1,
		CreatorID: 1,
		Text:      "hello",
		Audience:  aud,
		Kind:      newsletter.ContentText,
		Status:    newsletter.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func newTestService(t *testing.T, store *fakeStore, dir *fakeDirectory, client *fakeClient, opts ...Option) *Service {
	t.Helper()
	s := New(Config{Pacing: time.Millisecond}, store, dir, client, testLogger(), opts...)
	// Tests must not sleep out real pacing delays.
	s.pace = func(ctx context.Context) error { return nil }
	return s
}

// ---- tests ----

func TestDispatchNotFound(t *testing.T) {
	t.Parallel()
	s := newTestService(t, newFakeStore(), &fakeDirectory{}, &fakeClient{})
	_, err := s.Dispatch(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDispatchInvalidState(t *testing.T) {
	t.Parallel()
	for _, st := range []newsletter.Status{
		newsletter.StatusDraft, newsletter.StatusScheduled, newsletter.StatusSending, newsletter.StatusSent,
	} {
		st := st
		t.Run(string(st), func(t *testing.T) {
			t.Parallel()
			n := pendingNewsletter(newsletter.AudienceAll)
			n.Status = st
			store := newFakeStore(n)
			s := newTestService(t, store, &fakeDirectory{}, &fakeClient{})

			_, err := s.Dispatch(context.Background(), n.ID)
			var invalid *InvalidStateError
			if !errors.As(err, &invalid) {
				t.Fatalf("err = %v, want *InvalidStateError", err)
			}
			if invalid.Status != st {
				t.Fatalf("reported status = %q, want %q", invalid.Status, st)
			}
			if store.writes() != 0 {
				t.Fatalf("status writes = %d, want 0 (no persisted mutation)", store.writes())
			}
		})
	}
}

func TestDispatchMixedOutcomes(t *testing.T) {
	t.Parallel()
	n := pendingNewsletter(newsletter.AudienceAll)
	store := newFakeStore(n)
	dir := &fakeDirectory{users: []directory.User{
		{ID: 1, TelegramID: 100, Role: directory.RoleUser},
		{ID: 2, TelegramID: 200, Role: directory.RoleUser},
		{ID: 3, TelegramID: 300, Role: directory.RoleAdmin},
	}}
	client := &fakeClient{errFor: map[int64]error{
		100: fmt.Errorf("wrapped: %w", transport.ErrBlocked),
		200: &transport.BadRequestError{Msg: "chat not found"},
	}}
	s := newTestService(t, store, dir, client)

	rep, err := s.Dispatch(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rep.Total != 3 || rep.Success != 1 || rep.Failed != 2 {
		t.Fatalf("report = %+v, want total 3 success 1 failed 2", rep)
	}
	if rep.Total != rep.Success+rep.Failed {
		t.Fatalf("report invariant violated: %+v", rep)
	}
	kinds := map[int64]newsletter.FailureKind{}
	for _, f := range rep.Failures {
		kinds[f.RecipientID] = f.Kind
	}
	if kinds[100] != newsletter.FailureBlocked || kinds[200] != newsletter.FailureBadRequest {
		t.Fatalf("failure kinds = %v", kinds)
	}
	if got := store.status(n.ID); got != newsletter.StatusSent {
		t.Fatalf("final status = %q, want sent", got)
	}
}

func TestDispatchZeroRecipients(t *testing.T) {
	t.Parallel()
	var hooked *newsletter.Report
	n := pendingNewsletter(newsletter.AudienceModerators)
	store := newFakeStore(n)
	s := newTestService(t, store, &fakeDirectory{}, &fakeClient{},
		WithCompletionHook(func(ctx context.Context, _ *newsletter.Newsletter, rep *newsletter.Report) {
			hooked = rep
		}))

	rep, err := s.Dispatch(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rep.Total != 0 || rep.Success != 0 || rep.Failed != 0 {
		t.Fatalf("report = %+v, want all zero", rep)
	}
	if got := store.status(n.ID); got != newsletter.StatusSent {
		t.Fatalf("final status = %q, want sent", got)
	}
	if hooked == nil {
		t.Fatal("completion hook not called")
	}
}

func TestDispatchPacing(t *testing.T) {
	t.Parallel()
	n := pendingNewsletter(newsletter.AudienceAll)
	store := newFakeStore(n)
	users := make([]directory.User, 5)
	for i := range users {
		users[i] = directory.User{ID: int64(i + 1), TelegramID: int64(1000 + i), Role: directory.RoleUser}
	}
	client := &fakeClient{}
	s := newTestService(t, store, &fakeDirectory{users: users}, client)

	var paces int
	s.pace = func(ctx context.Context) error { paces++; return nil }

	if _, err := s.Dispatch(context.Background(), n.ID); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := len(client.calls()); got != len(users) {
		t.Fatalf("sends = %d, want %d", got, len(users))
	}
	if paces != len(users)-1 {
		t.Fatalf("pacing waits = %d, want %d", paces, len(users)-1)
	}
}

func TestDispatchPacingDelaysBetweenSends(t *testing.T) {
	t.Parallel()
	n := pendingNewsletter(newsletter.AudienceAll)
	store := newFakeStore(n)
	dir := &fakeDirectory{users: []directory.User{
		{ID: 1, TelegramID: 100, Role: directory.RoleUser},
		{ID: 2, TelegramID: 200, Role: directory.RoleUser},
	}}
	client := &fakeClient{}

	// Real limiter, no pace injection: even on a freshly built engine the
	// gap between the first and second send must block, not pass for free
	// on a warm token.
	const pacing = 100 * time.Millisecond
	s := New(Config{Pacing: pacing}, store, dir, client, testLogger())

	start := time.Now()
	if _, err := s.Dispatch(context.Background(), n.ID); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if elapsed := time.Since(start); elapsed < pacing/2 {
		t.Fatalf("2-recipient pass took %v, want at least one ~%v inter-send delay", elapsed, pacing)
	}
	if got := len(client.calls()); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
}

func TestDispatchSecondCallLosesStatusRace(t *testing.T) {
	t.Parallel()
	// Simulate the race: the first dispatch has already flipped the row to
	// sending; the second caller read pending but loses the guarded CAS.
	n := pendingNewsletter(newsletter.AudienceAll)
	store := newFakeStore(n)
	s := newTestService(t, store, &fakeDirectory{}, &fakeClient{})

	// Force the CAS to see a conflicting state.
	if err := store.UpdateStatus(context.Background(), n.ID, newsletter.StatusPending, newsletter.StatusSending); err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, err := s.Dispatch(context.Background(), n.ID)
	var invalid *InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want *InvalidStateError", err)
	}
	if invalid.Status != newsletter.StatusSending {
		t.Fatalf("reported status = %q, want sending", invalid.Status)
	}
}

func TestDispatchDegradedMediaSend(t *testing.T) {
	t.Parallel()
	n := pendingNewsletter(newsletter.AudienceAll)
	n.Kind = newsletter.ContentPhoto // no Media attached
	store := newFakeStore(n)
	client := &fakeClient{}
	dir := &fakeDirectory{users: []directory.User{{ID: 1, TelegramID: 100, Role: directory.RoleUser}}}
	s := newTestService(t, store, dir, client)

	rep, err := s.Dispatch(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rep.Success != 1 || rep.Failed != 0 {
		t.Fatalf("report = %+v, want clean success", rep)
	}
	calls := client.calls()
	if len(calls) != 1 || calls[0].op != "text" {
		t.Fatalf("calls = %v, want one degraded text send", calls)
	}
	if !strings.Contains(calls[0].body, newsletter.UnavailableMarker(newsletter.ContentPhoto)) {
		t.Fatalf("body %q lacks unavailable marker", calls[0].body)
	}
	if !strings.Contains(calls[0].body, "hello") {
		t.Fatalf("body %q lacks original text", calls[0].body)
	}
}

func TestDispatchMediaSendUsesAttachment(t *testing.T) {
	t.Parallel()
	n := pendingNewsletter(newsletter.AudienceAll)
	n.Kind = newsletter.ContentDocument
	n.Media = &newsletter.Media{FileID: "doc-file-id", Kind: newsletter.ContentDocument}
	n.Buttons = []newsletter.Button{{Text: "open", Kind: newsletter.ButtonURL, URL: "https://example.com", Row: 0, Col: 0}}
	store := newFakeStore(n)
	client := &fakeClient{}
	dir := &fakeDirectory{users: []directory.User{{ID: 1, TelegramID: 100, Role: directory.RoleUser}}}
	s := newTestService(t, store, dir, client)

	if _, err := s.Dispatch(context.Background(), n.ID); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	calls := client.calls()
	if len(calls) != 1 || calls[0].op != "document" || calls[0].fileID != "doc-file-id" {
		t.Fatalf("calls = %v, want one document send with file id", calls)
	}
	if len(calls[0].keyboard) != 1 {
		t.Fatalf("keyboard = %v, want one row", calls[0].keyboard)
	}
}

func TestDispatchSurvivesClientPanic(t *testing.T) {
	t.Parallel()
	n := pendingNewsletter(newsletter.AudienceAll)
	store := newFakeStore(n)
	dir := &fakeDirectory{users: []directory.User{
		{ID: 1, TelegramID: 100, Role: directory.RoleUser},
		{ID: 2, TelegramID: 200, Role: directory.RoleUser},
	}}
	client := &fakeClient{panicFor: map[int64]bool{100: true}}
	s := newTestService(t, store, dir, client)

	rep, err := s.Dispatch(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rep.Success != 1 || rep.Failed != 1 {
		t.Fatalf("report = %+v, want 1 success 1 failed", rep)
	}
	if rep.Failures[0].Kind != newsletter.FailureUnexpected {
		t.Fatalf("failure kind = %q, want unexpected", rep.Failures[0].Kind)
	}
	if got := store.status(n.ID); got != newsletter.StatusSent {
		t.Fatalf("final status = %q, want sent (panic must not abort the pass)", got)
	}
}

func TestDispatchOrchestrationFailurePropagates(t *testing.T) {
	t.Parallel()
	// Persistence failure on the final sending->sent write must surface to
	// the caller (the poller compensates), not be swallowed.
	n := pendingNewsletter(newsletter.AudienceAll)
	store := newFakeStore(n)
	store.failStatusTo = map[newsletter.Status]error{newsletter.StatusSent: errors.New("disk full")}
	dir := &fakeDirectory{users: []directory.User{{ID: 1, TelegramID: 100, Role: directory.RoleUser}}}
	s := newTestService(t, store, dir, &fakeClient{})

	_, err := s.Dispatch(context.Background(), n.ID)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v, want persistence failure", err)
	}
}

func TestResolveAudiences(t *testing.T) {
	t.Parallel()
	users := []directory.User{
		{ID: 1, TelegramID: 1, Role: directory.RoleUser},
		{ID: 2, TelegramID: 2, Role: directory.RoleModerator},
		{ID: 3, TelegramID: 3, Role: directory.RoleAdmin},
	}
	s := newTestService(t, newFakeStore(), &fakeDirectory{users: users}, &fakeClient{})

	tests := []struct {
		aud  newsletter.Audience
		want int
	}{
		{newsletter.AudienceAll, 3},
		{newsletter.AudienceUsers, 1},
		{newsletter.AudienceModerators, 1},
		{newsletter.AudienceAdmins, 1},
	}
	for _, tt := range tests {
		got, err := s.Resolve(context.Background(), tt.aud)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.aud, err)
		}
		if len(got) != tt.want {
			t.Fatalf("Resolve(%q) = %d users, want %d", tt.aud, len(got), tt.want)
		}
	}

	if _, err := s.Resolve(context.Background(), newsletter.Audience("nobody")); err == nil {
		t.Fatal("expected error for unknown audience")
	}
}

func TestSendNow(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	dir := &fakeDirectory{users: []directory.User{{ID: 1, TelegramID: 100, Role: directory.RoleUser}}}
	client := &fakeClient{}
	s := newTestService(t, store, dir, client)

	n := &newsletter.Newsletter{CreatorID: 1, Text: "now", Audience: newsletter.AudienceAll, Kind: newsletter.ContentText}
	rep, err := s.SendNow(context.Background(), n)
	if err != nil {
		t.Fatalf("SendNow: %v", err)
	}
	if rep.Total != 1 || rep.Success != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if n.ID == 0 {
		t.Fatal("newsletter id not assigned")
	}
	if got := store.status(n.ID); got != newsletter.StatusSent {
		t.Fatalf("final status = %q, want sent", got)
	}
}
