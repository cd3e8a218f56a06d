package feed

import (
	"github.com/rxledger/notesfeed/internal/notes"
)

// RenderGate remembers the fingerprint of the last rendered feed and
// suppresses renders whose visible content would not change.
type RenderGate struct {
	nameOf    func(authorID string) string
	last      string
	hasLast   bool
	lastCount int
}

func NewRenderGate(nameOf func(authorID string) string) *RenderGate {
	return &RenderGate{nameOf: nameOf}
}

// ShouldRender fingerprints snapshot and reports whether it must be drawn.
// A true result records the fingerprint as rendered.
func (g *RenderGate) ShouldRender(snapshot []notes.Note, force bool) bool {
	fp := notes.FingerprintNotes(snapshot, g.nameOf)
	if !force && g.hasLast && fp == g.last {
		return false
	}
	g.last = fp
	g.hasLast = true
	g.lastCount = len(snapshot)
	return true
}

// Fingerprint returns the last rendered fingerprint, empty before the first
// render.
func (g *RenderGate) Fingerprint() string {
	return g.last
}

// Rendered reports whether anything was rendered since the last Reset.
func (g *RenderGate) Rendered() bool {
	return g.hasLast
}

// ShowingNotes reports whether the last rendered view had any notes.
func (g *RenderGate) ShowingNotes() bool {
	return g.hasLast && g.lastCount > 0
}

func (g *RenderGate) Reset() {
	g.last = ""
	g.hasLast = false
	g.lastCount = 0
}

// FeedView is what a Renderer draws: notes in display order with their
// resolved author names.
type FeedView struct {
	Scope       string
	Notes       []NoteView
	Fingerprint string
}

type NoteView struct {
	notes.Note
	AuthorName string
	Deleted    bool
}

type Renderer interface {
	Render(view FeedView)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(view FeedView)

func (f RendererFunc) Render(view FeedView) {
	f(view)
}

func buildView(scope string, snapshot []notes.Note, nameOf func(string) string, fingerprint string) FeedView {
	view := FeedView{
		Scope:       scope,
		Notes:       make([]NoteView, 0, len(snapshot)),
		Fingerprint: fingerprint,
	}
	for _, note := range snapshot {
		view.Notes = append(view.Notes, NoteView{
			Note:       note,
			AuthorName: nameOf(note.AuthorID),
			Deleted:    note.Deleted(),
		})
	}
	return view
}
