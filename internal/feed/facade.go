package feed

import (
	"context"
	"fmt"
	"strings"

	"github.com/rxledger/notesfeed/internal/notes"
	"github.com/rxledger/notesfeed/internal/notify"
)

const (
	notifyModule = "notes"
	notifyEvent  = "created"
)

// Facade applies local mutations to the loaded feed. Every call writes
// through to the backend and merges the returned note, so the caller sees
// its change as soon as the call returns.
//
// Facade methods wait on the engine's foreground loop and must not be
// called from a Renderer.
type Facade struct {
	engine *Engine
}

func (e *Engine) Facade() *Facade {
	return &Facade{engine: e}
}

type mutation struct {
	op         string
	scope      string
	author     string
	generation uint64
}

// Add creates a note in the active scope.
func (f *Facade) Add(ctx context.Context, body string) (notes.Note, error) {
	const op = "add note"
	body = strings.TrimSpace(body)
	if notes.IsBlank(body) {
		return notes.Note{}, notes.Errorf(notes.KindValidation, op, "note body is blank")
	}
	m, err := f.begin(ctx, op)
	if err != nil {
		return notes.Note{}, err
	}
	note, err := f.engine.opts.Backend.CreateNote(ctx, m.scope, m.author, body)
	if err != nil {
		return notes.Note{}, notes.Wrap(op, err)
	}
	f.engine.applyLocal(m.generation, note)
	f.notifyCreated(ctx, note)
	f.engine.names.RefreshAll(false)
	return note, nil
}

// Edit replaces the body of a note. Editing to DeletedBody is a soft delete
// and follows SoftDelete's rules.
func (f *Facade) Edit(ctx context.Context, id, body string) (notes.Note, error) {
	const op = "edit note"
	body = strings.TrimSpace(body)
	if notes.IsBlank(body) {
		return notes.Note{}, notes.Errorf(notes.KindValidation, op, "note body is blank")
	}
	if body == notes.DeletedBody {
		return f.SoftDelete(ctx, id)
	}
	m, err := f.begin(ctx, op)
	if err != nil {
		return notes.Note{}, err
	}
	if _, err := f.lookup(ctx, m, id); err != nil {
		return notes.Note{}, err
	}
	return f.apply(ctx, m, id, notes.BodyField(body))
}

func (f *Facade) TogglePin(ctx context.Context, id string) (notes.Note, error) {
	m, err := f.begin(ctx, "toggle pin")
	if err != nil {
		return notes.Note{}, err
	}
	current, err := f.lookup(ctx, m, id)
	if err != nil {
		return notes.Note{}, err
	}
	return f.apply(ctx, m, id, notes.PinnedField(!current.Pinned))
}

func (f *Facade) ToggleDone(ctx context.Context, id string) (notes.Note, error) {
	m, err := f.begin(ctx, "toggle done")
	if err != nil {
		return notes.Note{}, err
	}
	current, err := f.lookup(ctx, m, id)
	if err != nil {
		return notes.Note{}, err
	}
	return f.apply(ctx, m, id, notes.DoneField(!current.Done))
}

// SoftDelete replaces the body of the caller's own note with DeletedBody.
// Deleting a note that is already deleted returns it unchanged without
// contacting the backend.
func (f *Facade) SoftDelete(ctx context.Context, id string) (notes.Note, error) {
	m, err := f.begin(ctx, "delete note")
	if err != nil {
		return notes.Note{}, err
	}
	current, err := f.lookup(ctx, m, id)
	if err != nil {
		return notes.Note{}, err
	}
	if !strings.EqualFold(strings.TrimSpace(current.AuthorID), m.author) {
		return notes.Note{}, notes.Errorf(notes.KindPermissionDenied, m.op, "only the author can delete note %s", id)
	}
	if current.Deleted() {
		return current, nil
	}
	return f.apply(ctx, m, id, notes.BodyField(notes.DeletedBody))
}

// begin checks the session preconditions in order: signed in, scope and
// author known and matching the loaded feed, then online.
func (f *Facade) begin(ctx context.Context, op string) (mutation, error) {
	e := f.engine
	if !e.opts.Session.IsAuthenticated() {
		return mutation{}, notes.E(notes.KindNotAuthenticated, op, nil)
	}
	scope, ok := e.opts.Session.CurrentScopeID()
	scope = strings.TrimSpace(scope)
	if !ok || scope == "" {
		return mutation{}, notes.Errorf(notes.KindMissingContext, op, "no organization selected")
	}
	author, ok := e.opts.Session.CurrentAuthorID()
	author = strings.TrimSpace(author)
	if !ok || author == "" {
		return mutation{}, notes.Errorf(notes.KindMissingContext, op, "no signed-in author")
	}
	if !e.opts.Connectivity.IsOnline() {
		return mutation{}, notes.E(notes.KindOffline, op, nil)
	}

	m := mutation{op: op, scope: scope, author: author}
	var active string
	if err := e.call(ctx, func() {
		active = e.scope
		m.generation = e.generation
	}); err != nil {
		return mutation{}, notes.Wrap(op, err)
	}
	if active != scope {
		return mutation{}, notes.Errorf(notes.KindMissingContext, op, "feed for scope %s is not loaded", scope)
	}
	return m, nil
}

func (f *Facade) lookup(ctx context.Context, m mutation, id string) (notes.Note, error) {
	e := f.engine
	var (
		current notes.Note
		found   bool
	)
	if err := e.call(ctx, func() {
		if m.generation == e.generation {
			current, found = e.store.Get(id)
		}
	}); err != nil {
		return notes.Note{}, notes.Wrap(m.op, err)
	}
	if !found {
		return notes.Note{}, notes.Errorf(notes.KindNotFound, m.op, "note %s is not in the feed", id)
	}
	return current, nil
}

func (f *Facade) apply(ctx context.Context, m mutation, id string, fields notes.Fields) (notes.Note, error) {
	updated, err := f.engine.opts.Backend.UpdateNote(ctx, id, fields)
	if err != nil {
		return notes.Note{}, notes.Wrap(m.op, err)
	}
	f.engine.applyLocal(m.generation, updated)
	f.engine.names.RefreshAll(false)
	return updated, nil
}

func (f *Facade) notifyCreated(ctx context.Context, note notes.Note) {
	e := f.engine
	if e.opts.Publisher == nil {
		return
	}
	message := fmt.Sprintf("%s added a shared note", e.names.Resolve(note.AuthorID))
	ev := notify.NewEvent(notifyModule, notifyEvent, message, "notes_created:"+note.ID)
	delivered, err := e.opts.Publisher.Publish(ctx, ev)
	switch {
	case err != nil:
		e.logger.Warn().Err(err).Str("note_id", note.ID).Msg("note notification failed")
	case !delivered:
		e.logger.Debug().Str("note_id", note.ID).Msg("note notification already delivered")
	}
}

// applyLocal merges the backend's answer to a local mutation and redraws.
// Answers that land after the scope changed are dropped.
func (e *Engine) applyLocal(generation uint64, note notes.Note) {
	err := e.call(context.Background(), func() {
		if generation != e.generation {
			e.logger.Debug().Str("note_id", note.ID).Msg("dropping mutation result of a previous scope")
			return
		}
		result := e.store.Merge([]notes.Note{note})
		e.metrics.Merged("local", len(result.Added), len(result.Updated), result.Dropped)
		e.render(true)
	})
	if err != nil {
		e.logger.Debug().Err(err).Str("note_id", note.ID).Msg("mutation result not merged")
	}
}
