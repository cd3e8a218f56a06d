// Package backend implements the notes, push and display-name backends the
// feed engine talks to: an in-process memory store, SQL stores for Postgres
// and SQLite, and an HTTP client for the notes server.
package backend

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rxledger/notesfeed/internal/notes"
)

// DefaultPageLimit bounds ListNotes when the caller passes a non-positive
// limit.
const DefaultPageLimit = 200

type NotesBackend interface {
	// ListNotes returns notes of scope in ascending CreatedAt order. With a
	// nil since it returns the newest limit notes; otherwise the oldest limit
	// notes created strictly after since.
	ListNotes(ctx context.Context, scope string, since *time.Time, limit int) ([]notes.Note, error)
	CreateNote(ctx context.Context, scope, authorID, body string) (notes.Note, error)
	UpdateNote(ctx context.Context, id string, fields notes.Fields) (notes.Note, error)
}

type Subscription interface {
	// Unsubscribe is safe to call more than once.
	Unsubscribe()
}

type PushBackend interface {
	Subscribe(ctx context.Context, scope string, onInsert func(notes.Note)) (Subscription, error)
}

type NameBackend interface {
	BulkDisplayNames(ctx context.Context, scope string) (map[string]string, error)
	DisplayName(ctx context.Context, scope, authorID string) (string, bool, error)
}

// NameWriter is implemented by backends that can store display names.
type NameWriter interface {
	SetDisplayName(ctx context.Context, scope, authorID, name string) error
}

type Backend interface {
	NotesBackend
	PushBackend
	NameBackend
	NameWriter
	Ping(ctx context.Context) error
	Close() error
}

type Options struct {
	// AutoMigrate creates missing tables on first use. Without it a missing
	// notes table surfaces as ConfigurationMissing.
	AutoMigrate bool
	Logger      zerolog.Logger
	// Token supplies the bearer token of the HTTP client on every request.
	Token      func() string
	HTTPClient *http.Client
	Now        func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// selectPage applies the ListNotes window to candidates already filtered by
// scope and since.
func selectPage(list []notes.Note, since *time.Time, limit int) []notes.Note {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	sortAscending(list)
	if len(list) <= limit {
		return list
	}
	if since == nil {
		return list[len(list)-limit:]
	}
	return list[:limit]
}

func sortAscending(list []notes.Note) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

type funcSubscription struct {
	once sync.Once
	stop func()
}

func (s *funcSubscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// hub fans inserted notes out to in-process subscribers.
type hub struct {
	mu   sync.Mutex
	next uint64
	subs map[string]map[uint64]func(notes.Note)
}

func newHub() *hub {
	return &hub{subs: map[string]map[uint64]func(notes.Note){}}
}

func (h *hub) subscribe(scope string, fn func(notes.Note)) Subscription {
	h.mu.Lock()
	h.next++
	id := h.next
	if h.subs[scope] == nil {
		h.subs[scope] = map[uint64]func(notes.Note){}
	}
	h.subs[scope][id] = fn
	h.mu.Unlock()
	return &funcSubscription{stop: func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[scope], id)
		if len(h.subs[scope]) == 0 {
			delete(h.subs, scope)
		}
	}}
}

func (h *hub) publish(note notes.Note) {
	h.mu.Lock()
	targets := make([]func(notes.Note), 0, len(h.subs[note.ScopeID]))
	for _, fn := range h.subs[note.ScopeID] {
		targets = append(targets, fn)
	}
	h.mu.Unlock()
	for _, fn := range targets {
		fn(note)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	h.subs = map[string]map[uint64]func(notes.Note){}
	h.mu.Unlock()
}

func requireScope(op, scope string) error {
	if strings.TrimSpace(scope) == "" {
		return notes.Errorf(notes.KindMissingContext, op, "scope is required")
	}
	return nil
}
