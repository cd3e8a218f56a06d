package feed

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rxledger/notesfeed/internal/backend"
	"github.com/rxledger/notesfeed/internal/metrics"
	"github.com/rxledger/notesfeed/internal/notes"
)

const (
	DefaultPollInterval        = 6 * time.Second
	DefaultSchemaRetryInterval = 60 * time.Second
	DefaultResyncEvery         = 10
	maxCatchUpPages            = 10
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Timer interface {
	// Stop reports whether it prevented the function from running.
	Stop() bool
}

// Scheduler runs f once after d on its own goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type SyncOptions struct {
	Scope string
	Notes backend.NotesBackend
	// Push is optional; without it the sync polls only.
	Push backend.PushBackend
	// Deliver receives every batch read from either channel. It is called
	// from background goroutines.
	Deliver func(source string, batch []notes.Note)
	// Notice is called at most once per Sync when the notes storage is
	// missing.
	Notice func(err error)
	// Watermark resumes a previous session. When zero, Start fetches the
	// newest page first.
	Watermark time.Time
	// Warmup runs alongside the first page fetch of a fresh session.
	Warmup              func(ctx context.Context)
	PollInterval        time.Duration
	SchemaRetryInterval time.Duration
	Jitter              float64
	PageLimit           int
	// ResyncEvery makes every Nth tick fetch the newest page without a
	// watermark so remote edits are picked up. Negative disables it.
	ResyncEvery int
	Scheduler   Scheduler
	Rand        func() float64
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Sync keeps one scope's feed current over two channels: a push
// subscription when the backend offers one and a polling timer that always
// runs. It owns the watermark.
type Sync struct {
	scope       string
	notes       backend.NotesBackend
	push        backend.PushBackend
	deliver     func(string, []notes.Note)
	notice      func(error)
	warmup      func(context.Context)
	interval    time.Duration
	schemaRetry time.Duration
	jitter      float64
	pageLimit   int
	resyncEvery int
	scheduler   Scheduler
	rand        func() float64
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	mu        sync.Mutex
	state     State
	watermark time.Time
	timer     Timer
	sub       backend.Subscription
	ticks     int
	noticed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSync(opts SyncOptions) *Sync {
	s := &Sync{
		scope:       opts.Scope,
		notes:       opts.Notes,
		push:        opts.Push,
		deliver:     opts.Deliver,
		notice:      opts.Notice,
		warmup:      opts.Warmup,
		interval:    opts.PollInterval,
		schemaRetry: opts.SchemaRetryInterval,
		jitter:      clampJitterRatio(opts.Jitter),
		pageLimit:   opts.PageLimit,
		resyncEvery: opts.ResyncEvery,
		scheduler:   opts.Scheduler,
		rand:        opts.Rand,
		logger:      opts.Logger.With().Str("scope", opts.Scope).Logger(),
		metrics:     opts.Metrics,
		watermark:   opts.Watermark.UTC(),
	}
	if s.interval <= 0 {
		s.interval = DefaultPollInterval
	}
	if s.schemaRetry <= 0 {
		s.schemaRetry = DefaultSchemaRetryInterval
	}
	if s.pageLimit <= 0 {
		s.pageLimit = backend.DefaultPageLimit
	}
	if s.resyncEvery == 0 {
		s.resyncEvery = DefaultResyncEvery
	}
	if s.scheduler == nil {
		s.scheduler = realScheduler{}
	}
	if s.rand == nil {
		s.rand = rand.Float64
	}
	if s.deliver == nil {
		s.deliver = func(string, []notes.Note) {}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Sync) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watermark is the creation time of the newest note seen on either channel.
func (s *Sync) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Start subscribes to push and, without a resume watermark, fetches the
// newest page and runs the warmup, all in parallel. It then enters Active
// and schedules the first poll tick whatever the outcome of those calls.
// Start blocks until they return and does nothing unless the Sync is Idle.
func (s *Sync) Start() {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateStarting
	resume := s.watermark
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	var (
		g       errgroup.Group
		sub     backend.Subscription
		subErr  error
		initial []notes.Note
	)
	if s.push != nil {
		g.Go(func() error {
			sub, subErr = s.push.Subscribe(s.ctx, s.scope, s.onPush)
			return nil
		})
	}
	if resume.IsZero() {
		g.Go(func() error {
			var err error
			initial, err = s.fetch(s.ctx, nil)
			return err
		})
		if s.warmup != nil {
			g.Go(func() error {
				s.warmup(s.ctx)
				return nil
			})
		}
	}
	fetchErr := g.Wait()

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		return
	}
	s.sub = sub
	s.state = StateActive
	s.mu.Unlock()

	switch {
	case s.push == nil:
		s.logger.Debug().Msg("no push channel, polling only")
	case subErr != nil:
		s.logger.Debug().Err(subErr).Msg("push subscription unavailable, polling only")
	}

	delay := s.nextInterval()
	if fetchErr != nil {
		delay = s.pollFailed(fetchErr)
	} else if resume.IsZero() {
		s.metrics.Poll("ok")
		s.accept("initial", initial)
	}
	s.schedule(delay)
}

// Stop cancels the timer, the subscription and any in-flight fetch. It is
// safe to call more than once and from any goroutine.
func (s *Sync) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	timer, sub := s.timer, s.sub
	s.timer, s.sub = nil, nil
	s.mu.Unlock()

	s.cancel()
	if timer != nil && timer.Stop() {
		s.wg.Done()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Wait blocks until no tick or Start is running. Call it after Stop.
func (s *Sync) Wait() {
	s.wg.Wait()
}

func (s *Sync) schedule(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return
	}
	s.wg.Add(1)
	s.timer = s.scheduler.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.tick()
	})
}

func (s *Sync) tick() {
	s.mu.Lock()
	s.timer = nil
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return
	case StateActive:
	default:
		s.mu.Unlock()
		s.metrics.Poll("skipped")
		s.schedule(s.nextInterval())
		return
	}
	s.ticks++
	resync := s.resyncEvery > 0 && s.ticks%s.resyncEvery == 0
	watermark := s.watermark
	s.mu.Unlock()

	var since *time.Time
	source := "poll"
	if resync || watermark.IsZero() {
		source = "resync"
	} else {
		since = &watermark
	}
	batch, err := s.fetch(s.ctx, since)
	if err != nil {
		s.schedule(s.pollFailed(err))
		return
	}
	s.metrics.Poll("ok")
	s.accept(source, batch)
	s.schedule(s.nextInterval())
}

// fetch reads one page, or with a watermark keeps reading full pages until
// it has caught up.
func (s *Sync) fetch(ctx context.Context, since *time.Time) ([]notes.Note, error) {
	batch, err := s.notes.ListNotes(ctx, s.scope, since, s.pageLimit)
	if err != nil {
		return nil, err
	}
	if since == nil {
		return batch, nil
	}
	out := batch
	for pages := 1; len(batch) == s.pageLimit && pages < maxCatchUpPages; pages++ {
		next := newest(batch)
		if next.IsZero() {
			break
		}
		batch, err = s.notes.ListNotes(ctx, s.scope, &next, s.pageLimit)
		if err != nil {
			s.logger.Warn().Err(err).Msg("catch-up page failed, keeping partial result")
			break
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (s *Sync) pollFailed(err error) time.Duration {
	if s.ctx.Err() != nil {
		return s.interval
	}
	if notes.KindOf(err) == notes.KindConfigurationMissing {
		s.metrics.Poll("storage_missing")
		s.mu.Lock()
		first := !s.noticed
		s.noticed = true
		s.mu.Unlock()
		if first {
			s.logger.Error().Err(err).Dur("retry_in", s.schemaRetry).Msg("notes storage is missing")
			if s.notice != nil {
				s.notice(err)
			}
		} else {
			s.logger.Debug().Err(err).Msg("notes storage still missing")
		}
		return s.schemaRetry
	}
	s.metrics.Poll("error")
	if notes.KindOf(err) == notes.KindPermissionDenied {
		s.logger.Warn().Err(err).Msg("poll denied")
	} else {
		s.logger.Debug().Err(err).Msg("poll failed, retrying")
	}
	return s.nextInterval()
}

func (s *Sync) onPush(note notes.Note) {
	s.mu.Lock()
	live := s.state == StateStarting || s.state == StateActive
	s.mu.Unlock()
	if !live {
		return
	}
	if note.ScopeID != "" && note.ScopeID != s.scope {
		return
	}
	s.metrics.PushEvent()
	s.accept("push", []notes.Note{note})
}

// accept advances the watermark over batch and hands it on.
func (s *Sync) accept(source string, batch []notes.Note) {
	s.observe(batch)
	s.mu.Lock()
	stopped := s.state == StateStopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.deliver(source, batch)
}

func (s *Sync) observe(batch []notes.Note) {
	latest := newest(batch)
	if latest.IsZero() {
		return
	}
	s.mu.Lock()
	advanced := latest.After(s.watermark)
	if advanced {
		s.watermark = latest
	}
	s.mu.Unlock()
	if advanced {
		s.metrics.Watermark(float64(latest.UnixNano()) / 1e9)
	}
}

func (s *Sync) nextInterval() time.Duration {
	return jitteredIntervalWithSample(s.interval, s.jitter, s.rand())
}

func newest(batch []notes.Note) time.Time {
	var latest time.Time
	for _, note := range batch {
		if note.Valid() && note.CreatedAt.After(latest) {
			latest = note.CreatedAt.UTC()
		}
	}
	return latest
}
