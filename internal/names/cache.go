// Package names resolves note authors to display names for one feed scope.
//
// The cache serves a deterministic placeholder until the remote lookup
// answers, refreshes the whole map no more often than its cooldown, and
// never has more than one outstanding fetch per author.
package names

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/rxledger/notesfeed/internal/metrics"
	"github.com/rxledger/notesfeed/internal/notes"
)

const (
	DefaultCooldown     = 30 * time.Second
	defaultFetchTimeout = 10 * time.Second
)

// Resolver is the remote name lookup.
type Resolver interface {
	BulkDisplayNames(ctx context.Context, scope string) (map[string]string, error)
	DisplayName(ctx context.Context, scope, authorID string) (string, bool, error)
}

type Options struct {
	Cooldown     time.Duration
	FetchTimeout time.Duration
	// OnChange runs after the content hash of the map changes. It is called
	// from fetch goroutines; the engine re-posts it to its foreground loop.
	OnChange func()
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Cache struct {
	resolver     Resolver
	cooldown     time.Duration
	fetchTimeout time.Duration
	onChange     func()
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	group        singleflight.Group

	mu          sync.Mutex
	scope       string
	generation  uint64
	entries     map[string]string
	hash        string
	lastRefresh time.Time
	refreshing  bool
	refreshSeq  uint64
	inflight    map[string]struct{}
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(resolver Resolver, opts Options) *Cache {
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		resolver:     resolver,
		cooldown:     cooldown,
		fetchTimeout: fetchTimeout,
		onChange:     opts.OnChange,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          now,
		entries:      map[string]string{},
		hash:         notes.FingerprintMap(nil),
		inflight:     map[string]struct{}{},
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetScope switches the cache to scope. Entries of the previous scope are
// dropped before any later refresh runs, and results of fetches started for
// the previous scope are discarded when they land.
func (c *Cache) SetScope(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if scope == c.scope {
		return
	}
	c.scope = scope
	c.generation++
	c.entries = map[string]string{}
	c.hash = notes.FingerprintMap(nil)
	c.lastRefresh = time.Time{}
	c.refreshing = false
	c.inflight = map[string]struct{}{}
}

func (c *Cache) Scope() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

// Lookup returns the cached name without scheduling anything.
func (c *Cache) Lookup(authorID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.entries[authorID]
	return name, ok
}

// Resolve returns the cached name or the placeholder for authorID. A miss
// schedules one background backfill unless one is already outstanding.
func (c *Cache) Resolve(authorID string) string {
	authorID = strings.TrimSpace(authorID)
	if authorID == "" {
		return Placeholder(authorID)
	}
	c.mu.Lock()
	if name, ok := c.entries[authorID]; ok {
		c.mu.Unlock()
		return name
	}
	if _, pending := c.inflight[authorID]; pending || c.closed || c.resolver == nil || c.scope == "" {
		c.mu.Unlock()
		return Placeholder(authorID)
	}
	c.inflight[authorID] = struct{}{}
	generation := c.generation
	scope := c.scope
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.backfill(scope, generation, authorID)
	}()
	return Placeholder(authorID)
}

// Backfill fetches one author synchronously and stores the result. Calls
// that overlap with an outstanding fetch for the same author share it.
func (c *Cache) Backfill(ctx context.Context, authorID string) (string, bool) {
	authorID = strings.TrimSpace(authorID)
	c.mu.Lock()
	if name, ok := c.entries[authorID]; ok {
		c.mu.Unlock()
		return name, true
	}
	scope, generation := c.scope, c.generation
	c.mu.Unlock()
	if authorID == "" || scope == "" || c.resolver == nil {
		return Placeholder(authorID), false
	}
	name, found, err := c.fetchOne(ctx, scope, authorID)
	if err != nil || !found {
		return Placeholder(authorID), false
	}
	c.store(generation, authorID, name)
	return name, true
}

func (c *Cache) backfill(scope string, generation uint64, authorID string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.fetchTimeout)
	defer cancel()
	name, found, err := c.fetchOne(ctx, scope, authorID)

	c.mu.Lock()
	if c.generation == generation {
		delete(c.inflight, authorID)
	}
	c.mu.Unlock()

	switch {
	case err != nil:
		c.metrics.NameBackfill("error")
		c.logger.Debug().Err(err).Str("author_id", authorID).Msg("display name backfill failed")
	case !found:
		c.metrics.NameBackfill("missing")
	default:
		c.metrics.NameBackfill("ok")
		c.store(generation, authorID, name)
	}
}

func (c *Cache) fetchOne(ctx context.Context, scope, authorID string) (string, bool, error) {
	type answer struct {
		name  string
		found bool
	}
	v, err, _ := c.group.Do(scope+"\x00"+authorID, func() (any, error) {
		name, found, err := c.resolver.DisplayName(ctx, scope, authorID)
		if err != nil {
			return nil, err
		}
		name = strings.TrimSpace(name)
		return answer{name: name, found: found && name != ""}, nil
	})
	if err != nil {
		return "", false, err
	}
	got := v.(answer)
	return got.name, got.found, nil
}

func (c *Cache) store(generation uint64, authorID, name string) {
	c.mu.Lock()
	if c.generation != generation || c.closed {
		c.mu.Unlock()
		return
	}
	if current, ok := c.entries[authorID]; ok && current == name {
		c.mu.Unlock()
		return
	}
	c.entries[authorID] = name
	changed := c.rehashLocked()
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// RefreshAll starts a bulk refresh of the whole map and reports whether one
// was started. Without force it is skipped while another refresh is running
// or while the cooldown since the last completed refresh has not elapsed.
func (c *Cache) RefreshAll(force bool) bool {
	scope, generation, seq, ok := c.begin(force)
	if !ok {
		return false
	}
	go func() {
		defer c.wg.Done()
		c.refresh(scope, generation, seq)
	}()
	return true
}

// Prime runs a forced bulk refresh on the calling goroutine. The engine
// uses it while loading a scope so the first render already has names.
func (c *Cache) Prime() bool {
	scope, generation, seq, ok := c.begin(true)
	if !ok {
		return false
	}
	defer c.wg.Done()
	c.refresh(scope, generation, seq)
	return true
}

func (c *Cache) begin(force bool) (string, uint64, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.resolver == nil || c.scope == "" {
		return "", 0, 0, false
	}
	if !force {
		if c.refreshing {
			c.metrics.NameRefresh("skipped_inflight")
			return "", 0, 0, false
		}
		if !c.lastRefresh.IsZero() && c.now().Sub(c.lastRefresh) < c.cooldown {
			c.metrics.NameRefresh("skipped_cooldown")
			return "", 0, 0, false
		}
	}
	c.refreshing = true
	c.refreshSeq++
	c.wg.Add(1)
	return c.scope, c.generation, c.refreshSeq, true
}

func (c *Cache) refresh(scope string, generation, seq uint64) {
	ctx, cancel := context.WithTimeout(c.ctx, c.fetchTimeout)
	defer cancel()
	fetched, err := c.resolver.BulkDisplayNames(ctx, scope)

	c.mu.Lock()
	if c.generation != generation || c.closed {
		c.mu.Unlock()
		return
	}
	if seq == c.refreshSeq {
		c.refreshing = false
	}
	if err != nil {
		c.mu.Unlock()
		c.metrics.NameRefresh("error")
		c.logger.Warn().Err(err).Str("scope", scope).Msg("display name refresh failed")
		return
	}
	next := make(map[string]string, len(fetched)+len(c.entries))
	for authorID, name := range c.entries {
		next[authorID] = name
	}
	for authorID, name := range fetched {
		authorID = strings.TrimSpace(authorID)
		name = strings.TrimSpace(name)
		if authorID == "" || name == "" {
			continue
		}
		next[authorID] = name
	}
	c.entries = next
	c.lastRefresh = c.now()
	changed := c.rehashLocked()
	c.mu.Unlock()

	c.metrics.NameRefresh("ok")
	if changed {
		c.notify()
	}
}

func (c *Cache) rehashLocked() bool {
	next := notes.FingerprintMap(c.entries)
	if next == c.hash {
		return false
	}
	c.hash = next
	return true
}

func (c *Cache) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}

// Hash is the content hash of the current map.
func (c *Cache) Hash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hash
}

func (c *Cache) LastRefresh() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRefresh
}

func (c *Cache) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}

func (c *Cache) Snapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.entries))
	for authorID, name := range c.entries {
		out[authorID] = name
	}
	return out
}

// Wait blocks until every fetch goroutine started so far has returned.
func (c *Cache) Wait() {
	c.wg.Wait()
}

func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// Placeholder derives a readable name from an author id: the local part of
// an email address, separators turned into spaces, title-cased.
func Placeholder(authorID string) string {
	authorID = strings.TrimSpace(authorID)
	if authorID == "" {
		return "Unknown"
	}
	local := authorID
	if at := strings.Index(local, "@"); at > 0 {
		local = local[:at]
	}
	local = strings.Map(func(r rune) rune {
		switch r {
		case '.', '_', '-', '+':
			return ' '
		}
		return r
	}, local)
	local = strings.Join(strings.Fields(local), " ")
	if local == "" {
		return authorID
	}
	// A Caser keeps state between calls, so each call gets its own.
	return cases.Title(language.Und).String(local)
}
