// Package notes holds the shared-notes data model: the normalized Note
// record, the in-memory feed store and its merge rules, the content
// fingerprint primitive and the error taxonomy used across the engine.
package notes

import (
	"strings"
	"time"
)

// DeletedBody is the reserved body of a soft-deleted note. The record stays
// in the feed and renders as a deletion placeholder.
const DeletedBody = "[[note deleted]]"

type Note struct {
	ID        string    `json:"id"`
	ScopeID   string    `json:"scopeId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	Pinned    bool      `json:"isPinned"`
	Done      bool      `json:"isDone"`
}

// Deleted reports whether the note carries the soft-delete sentinel.
func (n Note) Deleted() bool {
	return n.Body == DeletedBody
}

// Valid reports whether the immutable identity fields are usable.
func (n Note) Valid() bool {
	return strings.TrimSpace(n.ID) != "" && !n.CreatedAt.IsZero()
}

func (n Note) sameMutable(other Note) bool {
	return n.Body == other.Body && n.Pinned == other.Pinned && n.Done == other.Done
}

// Fields is a partial update of the mutable note fields. Nil members are left
// untouched by the backend.
type Fields struct {
	Body   *string `json:"body,omitempty"`
	Pinned *bool   `json:"isPinned,omitempty"`
	Done   *bool   `json:"isDone,omitempty"`
}

func (f Fields) Empty() bool {
	return f.Body == nil && f.Pinned == nil && f.Done == nil
}

// Apply returns n with the fields of f applied.
func (f Fields) Apply(n Note) Note {
	if f.Body != nil {
		n.Body = *f.Body
	}
	if f.Pinned != nil {
		n.Pinned = *f.Pinned
	}
	if f.Done != nil {
		n.Done = *f.Done
	}
	return n
}

func BodyField(body string) Fields {
	return Fields{Body: &body}
}

func PinnedField(pinned bool) Fields {
	return Fields{Pinned: &pinned}
}

func DoneField(done bool) Fields {
	return Fields{Done: &done}
}

// IsBlank reports whether body has no visible content.
func IsBlank(body string) bool {
	return strings.TrimSpace(body) == ""
}
