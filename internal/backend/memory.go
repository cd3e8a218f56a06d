package backend

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rxledger/notesfeed/internal/notes"
)

// Memory keeps notes and display names in process. Inserts are pushed to
// subscribers of the note's scope.
type Memory struct {
	mu      sync.Mutex
	notes   map[string]notes.Note
	names   map[string]map[string]string
	hub     *hub
	entropy *ulid.MonotonicEntropy
	opts    Options
	closed  bool
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		notes:   map[string]notes.Note{},
		names:   map[string]map[string]string{},
		hub:     newHub(),
		entropy: ulid.Monotonic(rand.Reader, 0),
		opts:    opts,
	}
}

func (m *Memory) ListNotes(ctx context.Context, scope string, since *time.Time, limit int) ([]notes.Note, error) {
	if err := requireScope("list notes", scope); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, notes.Wrap("list notes", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notes.Note, 0, len(m.notes))
	for _, note := range m.notes {
		if note.ScopeID != scope {
			continue
		}
		if since != nil && !note.CreatedAt.After(*since) {
			continue
		}
		out = append(out, note)
	}
	return selectPage(out, since, limit), nil
}

func (m *Memory) CreateNote(ctx context.Context, scope, authorID, body string) (notes.Note, error) {
	if err := requireScope("create note", scope); err != nil {
		return notes.Note{}, err
	}
	if strings.TrimSpace(authorID) == "" {
		return notes.Note{}, notes.Errorf(notes.KindMissingContext, "create note", "author is required")
	}
	if notes.IsBlank(body) {
		return notes.Note{}, notes.Errorf(notes.KindValidation, "create note", "body is blank")
	}
	m.mu.Lock()
	now := m.opts.now()
	note := notes.Note{
		ID:        ulid.MustNew(ulid.Timestamp(now), m.entropy).String(),
		ScopeID:   scope,
		CreatedAt: now,
		AuthorID:  authorID,
		Body:      body,
	}
	m.notes[note.ID] = note
	m.mu.Unlock()

	m.hub.publish(note)
	return note, nil
}

func (m *Memory) UpdateNote(ctx context.Context, id string, fields notes.Fields) (notes.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	note, ok := m.notes[id]
	if !ok {
		return notes.Note{}, notes.Errorf(notes.KindNotFound, "update note", "note %s", id)
	}
	note = fields.Apply(note)
	m.notes[id] = note
	return note, nil
}

func (m *Memory) Subscribe(ctx context.Context, scope string, onInsert func(notes.Note)) (Subscription, error) {
	if err := requireScope("subscribe", scope); err != nil {
		return nil, err
	}
	return m.hub.subscribe(scope, onInsert), nil
}

func (m *Memory) BulkDisplayNames(ctx context.Context, scope string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.names[scope]))
	for author, name := range m.names[scope] {
		out[author] = name
	}
	return out, nil
}

func (m *Memory) DisplayName(ctx context.Context, scope, authorID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.names[scope][authorID]
	return name, ok, nil
}

func (m *Memory) SetDisplayName(ctx context.Context, scope, authorID, name string) error {
	if err := requireScope("set display name", scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.names[scope] == nil {
		m.names[scope] = map[string]string{}
	}
	m.names[scope][authorID] = strings.TrimSpace(name)
	return nil
}

// Import stores notes as they are, keeping their ids and timestamps. It is
// used to seed fixtures; subscribers are not notified.
func (m *Memory) Import(list ...notes.Note) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, note := range list {
		if !note.Valid() {
			continue
		}
		note.CreatedAt = note.CreatedAt.UTC()
		m.notes[note.ID] = note
	}
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return notes.Errorf(notes.KindTransient, "ping", "backend closed")
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.hub.close()
	return nil
}
