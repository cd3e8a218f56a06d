package notes

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
)

type MergeResult struct {
	Added   []string
	Updated []string
	Dropped int
}

func (r MergeResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Updated) > 0
}

// Store is the in-memory feed for one scope. It is not safe for concurrent
// use; the engine confines it to its foreground loop.
type Store struct {
	byID   map[string]Note
	latest time.Time
	logger zerolog.Logger
}

func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		byID:   map[string]Note{},
		logger: logger,
	}
}

// Merge folds candidates into the store. New ids are inserted; known ids
// take the candidate's mutable fields only when they differ by value. The
// identity fields of a stored note never change. Duplicate ids inside one
// batch collapse first, the last occurrence winning, so merging the same
// batch twice reports nothing the second time.
func (s *Store) Merge(candidates []Note) MergeResult {
	var result MergeResult
	order := make([]string, 0, len(candidates))
	batch := make(map[string]Note, len(candidates))
	for _, candidate := range candidates {
		if !candidate.Valid() {
			result.Dropped++
			s.logger.Warn().
				Str("note_id", candidate.ID).
				Time("created_at", candidate.CreatedAt).
				Msg("dropping note candidate without id or creation time")
			continue
		}
		if pending, ok := batch[candidate.ID]; ok {
			pending.Body = candidate.Body
			pending.Pinned = candidate.Pinned
			pending.Done = candidate.Done
			batch[candidate.ID] = pending
			continue
		}
		candidate.CreatedAt = candidate.CreatedAt.UTC()
		batch[candidate.ID] = candidate
		order = append(order, candidate.ID)
	}

	for _, id := range order {
		candidate := batch[id]
		current, ok := s.byID[id]
		if !ok {
			s.byID[id] = candidate
			result.Added = append(result.Added, id)
			if candidate.CreatedAt.After(s.latest) {
				s.latest = candidate.CreatedAt
			}
			continue
		}
		if current.sameMutable(candidate) {
			continue
		}
		current.Body = candidate.Body
		current.Pinned = candidate.Pinned
		current.Done = candidate.Done
		if current.ScopeID == "" {
			current.ScopeID = candidate.ScopeID
		}
		s.byID[id] = current
		result.Updated = append(result.Updated, id)
	}
	return result
}

func (s *Store) Get(id string) (Note, bool) {
	note, ok := s.byID[id]
	return note, ok
}

func (s *Store) Len() int {
	return len(s.byID)
}

// Latest is the newest CreatedAt seen by the store.
func (s *Store) Latest() time.Time {
	return s.latest
}

// Ordered returns a copy of the feed in display order.
func (s *Store) Ordered() []Note {
	out := make([]Note, 0, len(s.byID))
	for _, note := range s.byID {
		out = append(out, note)
	}
	SortForDisplay(out)
	return out
}

// Reset drops every note. Only used when the feed scope changes.
func (s *Store) Reset() {
	s.byID = map[string]Note{}
	s.latest = time.Time{}
}

// SortForDisplay orders pinned notes newest first, followed by unpinned notes
// oldest first so the feed reads like a transcript with the newest at the
// bottom.
func SortForDisplay(list []Note) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if a.Pinned {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
