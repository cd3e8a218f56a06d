package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rxledger/notesfeed/internal/backend"
	"github.com/rxledger/notesfeed/internal/notes"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func note(id string, minute int, author, body string) notes.Note {
	return notes.Note{
		ID:        id,
		ScopeID:   "org-1",
		CreatedAt: t0.Add(time.Duration(minute) * time.Minute),
		AuthorID:  author,
		Body:      body,
	}
}

func ids(list []notes.Note) []string {
	out := make([]string, 0, len(list))
	for _, n := range list {
		out = append(out, n.ID)
	}
	return out
}

// scriptedBackend is an in-memory backend whose list errors and push
// channel are driven by the test.
type scriptedBackend struct {
	*backend.Memory

	mu           sync.Mutex
	listErrs     []error
	subscribeErr error
	sinces       []*time.Time
	onInsert     func(notes.Note)

	lists   atomic.Int32
	creates atomic.Int32
	updates atomic.Int32
	bulks   atomic.Int32
	unsubs  atomic.Int32
}

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newScriptedBackend() *scriptedBackend {
	clock := &tickClock{now: t0.Add(time.Hour)}
	return &scriptedBackend{Memory: backend.NewMemory(backend.Options{Now: clock.Now})}
}

func (b *scriptedBackend) failNextLists(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErrs = append(b.listErrs, errs...)
}

func (b *scriptedBackend) ListNotes(ctx context.Context, scope string, since *time.Time, limit int) ([]notes.Note, error) {
	b.lists.Add(1)
	b.mu.Lock()
	var recorded *time.Time
	if since != nil {
		v := *since
		recorded = &v
	}
	b.sinces = append(b.sinces, recorded)
	var err error
	if len(b.listErrs) > 0 {
		err = b.listErrs[0]
		b.listErrs = b.listErrs[1:]
	}
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.Memory.ListNotes(ctx, scope, since, limit)
}

func (b *scriptedBackend) lastSince() *time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sinces) == 0 {
		return nil
	}
	return b.sinces[len(b.sinces)-1]
}

func (b *scriptedBackend) CreateNote(ctx context.Context, scope, authorID, body string) (notes.Note, error) {
	b.creates.Add(1)
	return b.Memory.CreateNote(ctx, scope, authorID, body)
}

func (b *scriptedBackend) UpdateNote(ctx context.Context, id string, fields notes.Fields) (notes.Note, error) {
	b.updates.Add(1)
	return b.Memory.UpdateNote(ctx, id, fields)
}

func (b *scriptedBackend) BulkDisplayNames(ctx context.Context, scope string) (map[string]string, error) {
	b.bulks.Add(1)
	return b.Memory.BulkDisplayNames(ctx, scope)
}

func (b *scriptedBackend) Subscribe(ctx context.Context, scope string, onInsert func(notes.Note)) (backend.Subscription, error) {
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	b.mu.Lock()
	b.onInsert = onInsert
	b.mu.Unlock()
	return unsubscribeFunc(func() {
		b.unsubs.Add(1)
		b.mu.Lock()
		b.onInsert = nil
		b.mu.Unlock()
	}), nil
}

func (b *scriptedBackend) subscribed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onInsert != nil
}

func (b *scriptedBackend) push(n notes.Note) {
	b.mu.Lock()
	fn := b.onInsert
	b.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

type unsubscribeFunc func()

func (f unsubscribeFunc) Unsubscribe() {
	f()
}

// manualScheduler only runs timers when the test fires them.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	s       *manualScheduler
	d       time.Duration
	f       func()
	fired   bool
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			out = append(out, t.d)
		}
	}
	return out
}

// fire runs the oldest pending timer on the calling goroutine.
func (s *manualScheduler) fire(tb testing.TB) time.Duration {
	tb.Helper()
	s.mu.Lock()
	var next *manualTimer
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			next = t
			break
		}
	}
	if next == nil {
		s.mu.Unlock()
		tb.Fatalf("no pending timer")
		return 0
	}
	next.fired = true
	s.mu.Unlock()
	next.f()
	return next.d
}

// recorder collects delivered batches.
type recorder struct {
	mu      sync.Mutex
	batches []delivery
}

type delivery struct {
	source string
	notes  []notes.Note
}

func (r *recorder) deliver(source string, batch []notes.Note) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, delivery{source: source, notes: append([]notes.Note(nil), batch...)})
}

func (r *recorder) all() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.batches...)
}

// viewRecorder is a Renderer that keeps every view it was given.
type viewRecorder struct {
	mu    sync.Mutex
	views []FeedView
}

func (r *viewRecorder) Render(view FeedView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, view)
}

func (r *viewRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

func (r *viewRecorder) last() FeedView {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.views) == 0 {
		return FeedView{}
	}
	return r.views[len(r.views)-1]
}

type fakeSession struct {
	mu            sync.Mutex
	authenticated bool
	scope         string
	author        string
}

func (s *fakeSession) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *fakeSession) CurrentScopeID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope, s.scope != ""
}

func (s *fakeSession) CurrentAuthorID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.author, s.author != ""
}

func (s *fakeSession) set(fn func(s *fakeSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

type fakeConnectivity struct {
	offline atomic.Bool
}

func (c *fakeConnectivity) IsOnline() bool {
	return !c.offline.Load()
}
