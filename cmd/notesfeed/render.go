package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/rxledger/notesfeed/internal/feed"
)

type terminalRenderer struct {
	w io.Writer
}

func newTerminalRenderer(w io.Writer) *terminalRenderer {
	return &terminalRenderer{w: w}
}

// Render prints the whole feed. It runs on the engine loop and must not call
// back into the engine.
func (r *terminalRenderer) Render(view feed.FeedView) {
	var b strings.Builder
	fmt.Fprintf(&b, "== %s (%d notes) ==\n", view.Scope, len(view.Notes))
	if len(view.Notes) == 0 {
		b.WriteString("  no shared notes yet\n")
	}
	for _, n := range view.Notes {
		b.WriteString(formatNote(n))
		b.WriteByte('\n')
	}
	_, _ = io.WriteString(r.w, b.String())
}

func formatNote(n feed.NoteView) string {
	marks := [2]byte{' ', ' '}
	if n.Pinned {
		marks[0] = '*'
	}
	if n.Done {
		marks[1] = 'x'
	}
	body := strings.Join(strings.Fields(n.Body), " ")
	if n.Deleted {
		body = "(deleted)"
	}
	return fmt.Sprintf("  [%c%c] %s  %s: %s", marks[0], marks[1], n.CreatedAt.Local().Format("Jan 2 15:04"), n.AuthorName, body)
}
