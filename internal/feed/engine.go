// Package feed runs the shared notes feed of one scope: it keeps the store
// current over push and polling, decides when the view must be redrawn and
// applies local mutations through the backend.
//
// All feed state is owned by a single foreground goroutine, Engine.Run.
// Background work hands its results to that goroutine through the engine
// inbox; results of a scope that has since been unloaded are dropped.
package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rxledger/notesfeed/internal/backend"
	"github.com/rxledger/notesfeed/internal/metrics"
	"github.com/rxledger/notesfeed/internal/names"
	"github.com/rxledger/notesfeed/internal/notes"
	"github.com/rxledger/notesfeed/internal/notify"
)

var ErrClosed = errors.New("feed engine closed")

const inboxSize = 64

// Backend is what the engine needs from a notes backend.
type Backend interface {
	backend.NotesBackend
	backend.PushBackend
	backend.NameBackend
}

type SessionProvider interface {
	IsAuthenticated() bool
	CurrentScopeID() (string, bool)
	CurrentAuthorID() (string, bool)
}

type Connectivity interface {
	IsOnline() bool
}

// Publisher receives derived notifications. notify.Sink satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev notify.Event) (bool, error)
}

// Notice is a user-visible message raised by background work.
type Notice struct {
	Kind    notes.Kind
	Scope   string
	Message string
	At      time.Time
}

// FeedSnapshot is the engine's current view of the loaded scope.
type FeedSnapshot struct {
	Scope     string
	Notes     []notes.Note
	Watermark time.Time
	State     State
}

type Options struct {
	Backend      Backend
	Session      SessionProvider
	Connectivity Connectivity
	Publisher    Publisher
	Renderer     Renderer
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics

	PollInterval        time.Duration
	SchemaRetryInterval time.Duration
	PollJitter          float64
	PageLimit           int
	ResyncEvery         int
	NameCooldown        time.Duration
	Scheduler           Scheduler
	Now                 func() time.Time
}

type Engine struct {
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	names   *names.Cache

	inbox     chan func()
	running   atomic.Bool
	stopped   chan struct{}
	stopOnce  sync.Once
	closeCtx  context.Context
	closeFunc context.CancelFunc
	bg        sync.WaitGroup

	// Owned by the Run goroutine.
	store      *notes.Store
	gate       *RenderGate
	scope      string
	generation uint64
	sync       *Sync
	notices    chan Notice
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, notes.Errorf(notes.KindConfigurationMissing, "new engine", "backend is required")
	}
	if opts.Session == nil {
		return nil, notes.Errorf(notes.KindConfigurationMissing, "new engine", "session provider is required")
	}
	if opts.Connectivity == nil {
		opts.Connectivity = alwaysOnline{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		inbox:     make(chan func(), inboxSize),
		stopped:   make(chan struct{}),
		closeCtx:  ctx,
		closeFunc: cancel,
		store:     notes.NewStore(opts.Logger),
		notices:   make(chan Notice, 8),
	}
	e.names = names.New(opts.Backend, names.Options{
		Cooldown: opts.NameCooldown,
		OnChange: e.namesChanged,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		Now:      opts.Now,
	})
	e.gate = NewRenderGate(e.names.Resolve)
	return e, nil
}

// Run processes the inbox until ctx is done or Close is called. Every
// access to the store, the render gate and the renderer happens here.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("feed engine already running")
	}
	defer e.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.closeCtx.Done():
			return nil
		case fn := <-e.inbox:
			fn()
		}
	}
}

// Close stops the engine. Pending calls fail with ErrClosed.
func (e *Engine) Close() {
	e.closeFunc()
	if !e.running.Load() {
		e.shutdown()
	}
	<-e.stopped
}

func (e *Engine) shutdown() {
	e.stopOnce.Do(func() {
		e.closeFunc()
		if e.sync != nil {
			e.sync.Stop()
			e.sync.Wait()
		}
		e.names.Close()
		e.bg.Wait()
		close(e.stopped)
	})
}

// Notices delivers user-visible notices. Notices are dropped when nobody
// reads them.
func (e *Engine) Notices() <-chan Notice {
	return e.notices
}

// Names exposes the author name cache of the engine.
func (e *Engine) Names() *names.Cache {
	return e.names
}

func (e *Engine) post(ctx context.Context, fn func()) error {
	select {
	case e.inbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closeCtx.Done():
		return ErrClosed
	}
}

// call runs fn on the foreground goroutine and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := e.post(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrClosed
	}
}

// goBackground runs fn in the background, tracked so shutdown waits for it.
func (e *Engine) goBackground(fn func(ctx context.Context)) {
	select {
	case <-e.closeCtx.Done():
		return
	default:
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn(e.closeCtx)
	}()
}

// Load makes scope the active feed and returns what is known about it. A
// different scope tears down the current session first: sync stops, and
// the store, names, render gate and watermark start over. Loading the
// active scope again only restarts sync if it was stopped.
func (e *Engine) Load(ctx context.Context, scope string) (FeedSnapshot, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return FeedSnapshot{}, notes.Errorf(notes.KindMissingContext, "load feed", "scope is required")
	}
	var snapshot FeedSnapshot
	err := e.call(ctx, func() {
		if scope != e.scope {
			e.switchScope(scope)
		} else if e.sync == nil || e.sync.State() == StateStopped {
			e.startSync(e.store.Latest())
		}
		snapshot = e.snapshot()
	})
	return snapshot, err
}

// Unload tears down the active session, as on sign-out.
func (e *Engine) Unload(ctx context.Context) error {
	return e.call(ctx, func() {
		e.stopSync()
		e.generation++
		e.scope = ""
		e.store.Reset()
		e.gate.Reset()
		e.names.SetScope("")
	})
}

// OnShow restarts sync if it was stopped and redraws from the store
// without fetching the whole feed again.
func (e *Engine) OnShow(ctx context.Context) error {
	return e.call(ctx, func() {
		if e.scope == "" {
			return
		}
		if e.sync == nil || e.sync.State() == StateStopped {
			e.startSync(e.store.Latest())
		}
		e.render(true)
	})
}

// OnHide stops sync and keeps the store for the next OnShow.
func (e *Engine) OnHide(ctx context.Context) error {
	return e.call(ctx, e.stopSync)
}

// RenderNotes passes snapshot through the render gate and on to the
// renderer.
func (e *Engine) RenderNotes(ctx context.Context, snapshot []notes.Note, force bool) error {
	return e.call(ctx, func() {
		e.renderSnapshot(snapshot, force)
	})
}

// Snapshot returns the current feed.
func (e *Engine) Snapshot(ctx context.Context) (FeedSnapshot, error) {
	var snapshot FeedSnapshot
	err := e.call(ctx, func() {
		snapshot = e.snapshot()
	})
	return snapshot, err
}

func (e *Engine) snapshot() FeedSnapshot {
	snapshot := FeedSnapshot{
		Scope: e.scope,
		Notes: e.store.Ordered(),
		State: StateIdle,
	}
	if e.sync != nil {
		snapshot.Watermark = e.sync.Watermark()
		snapshot.State = e.sync.State()
	}
	return snapshot
}

func (e *Engine) switchScope(scope string) {
	e.stopSync()
	e.generation++
	e.scope = scope
	e.store.Reset()
	e.gate.Reset()
	e.names.SetScope(scope)
	e.logger.Info().Str("scope", scope).Msg("feed scope loaded")
	e.startSync(time.Time{})
}

// startSync begins a new sync session for the active scope. A zero resume
// point makes the sync fetch the newest page first.
func (e *Engine) startSync(resume time.Time) {
	e.stopSync()
	generation := e.generation
	scope := e.scope
	s := NewSync(SyncOptions{
		Scope:     scope,
		Notes:     e.opts.Backend,
		Push:      e.opts.Backend,
		Watermark: resume,
		Warmup: func(context.Context) {
			e.names.Prime()
		},
		Deliver: func(source string, batch []notes.Note) {
			e.deliver(generation, source, batch)
		},
		Notice: func(err error) {
			e.raiseNotice(generation, scope, err)
		},
		PollInterval:        e.opts.PollInterval,
		SchemaRetryInterval: e.opts.SchemaRetryInterval,
		Jitter:              e.opts.PollJitter,
		PageLimit:           e.opts.PageLimit,
		ResyncEvery:         e.opts.ResyncEvery,
		Scheduler:           e.opts.Scheduler,
		Logger:              e.logger,
		Metrics:             e.metrics,
	})
	e.sync = s
	e.goBackground(func(context.Context) {
		s.Start()
	})
}

func (e *Engine) stopSync() {
	if e.sync != nil {
		e.sync.Stop()
	}
}

// deliver hands a batch from sync to the foreground.
func (e *Engine) deliver(generation uint64, source string, batch []notes.Note) {
	_ = e.post(e.closeCtx, func() {
		if generation != e.generation {
			e.logger.Debug().Str("source", source).Msg("dropping batch of a previous scope")
			return
		}
		result := e.merge(source, batch)
		if source == "initial" && !result.Changed() {
			e.render(false)
		}
	})
}

// merge folds batch into the store and redraws when anything changed.
func (e *Engine) merge(source string, batch []notes.Note) notes.MergeResult {
	result := e.store.Merge(batch)
	e.metrics.Merged(source, len(result.Added), len(result.Updated), result.Dropped)
	if result.Changed() {
		e.logger.Debug().
			Str("source", source).
			Int("added", len(result.Added)).
			Int("updated", len(result.Updated)).
			Msg("feed merged")
		e.render(false)
	}
	return result
}

// namesChanged redraws once the name map changed. Before the first render
// of a scope there is nothing on screen to update.
func (e *Engine) namesChanged() {
	_ = e.post(e.closeCtx, func() {
		if e.gate.Rendered() {
			e.render(false)
		}
	})
}

func (e *Engine) raiseNotice(generation uint64, scope string, err error) {
	_ = e.post(e.closeCtx, func() {
		if generation != e.generation {
			return
		}
		notice := Notice{
			Kind:    notes.KindOf(err),
			Scope:   scope,
			Message: "Shared notes are unavailable: the notes storage for this organization has not been set up.",
			At:      e.now().UTC(),
		}
		e.metrics.Notice(notice.Kind.String())
		select {
		case e.notices <- notice:
		default:
			e.logger.Warn().Str("scope", scope).Msg("notice dropped, nobody is listening")
		}
	})
}

func (e *Engine) render(force bool) {
	e.renderSnapshot(e.store.Ordered(), force)
}

// renderSnapshot draws snapshot unless the gate suppresses it. An empty
// snapshot never replaces a view that shows notes.
func (e *Engine) renderSnapshot(snapshot []notes.Note, force bool) {
	if len(snapshot) == 0 && e.gate.ShowingNotes() {
		e.metrics.Render(false)
		return
	}
	if !e.gate.ShouldRender(snapshot, force) {
		e.metrics.Render(false)
		return
	}
	e.metrics.Render(true)
	if e.opts.Renderer != nil {
		e.opts.Renderer.Render(buildView(e.scope, snapshot, e.names.Resolve, e.gate.Fingerprint()))
	}
}

type alwaysOnline struct{}

func (alwaysOnline) IsOnline() bool {
	return true
}
