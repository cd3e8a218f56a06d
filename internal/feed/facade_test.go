package feed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxledger/notesfeed/internal/notes"
)

func TestFacadeAddRejectsBlankBodyLocally(t *testing.T) {
	h := newHarness(t, nil)
	h.load(t, "org-1")

	_, err := h.e.Facade().Add(context.Background(), " \n\t ")
	require.True(t, errors.Is(err, notes.ErrValidation), "got %v", err)
	require.Zero(t, h.b.creates.Load())
}

func TestFacadeAddPreconditions(t *testing.T) {
	h := newHarness(t, nil)
	h.load(t, "org-1")
	f := h.e.Facade()
	ctx := context.Background()

	h.session.set(func(s *fakeSession) { s.authenticated = false })
	_, err := f.Add(ctx, "hello")
	require.Equal(t, notes.KindNotAuthenticated, notes.KindOf(err))

	h.session.set(func(s *fakeSession) { s.authenticated = true; s.scope = "" })
	_, err = f.Add(ctx, "hello")
	require.Equal(t, notes.KindMissingContext, notes.KindOf(err))

	h.session.set(func(s *fakeSession) { s.scope = "org-1"; s.author = "" })
	_, err = f.Add(ctx, "hello")
	require.Equal(t, notes.KindMissingContext, notes.KindOf(err))

	h.session.set(func(s *fakeSession) { s.author = "ana@x.com" })
	h.conn.offline.Store(true)
	_, err = f.Add(ctx, "hello")
	require.Equal(t, notes.KindOffline, notes.KindOf(err))

	h.conn.offline.Store(false)
	h.session.set(func(s *fakeSession) { s.scope = "org-9" })
	_, err = f.Add(ctx, "hello")
	require.Equal(t, notes.KindMissingContext, notes.KindOf(err))

	require.Zero(t, h.b.creates.Load())
}

func TestFacadeAddMergesRendersAndNotifies(t *testing.T) {
	h := newHarness(t, nil)
	h.load(t, "org-1")
	rendered := h.views.count()

	created, err := h.e.Facade().Add(context.Background(), "  Check the controlled substances log  ")
	require.NoError(t, err)
	require.Equal(t, "Check the controlled substances log", created.Body)
	require.Equal(t, "ana@x.com", created.AuthorID)

	snap := h.snapshot(t)
	require.Equal(t, []string{created.ID}, ids(snap.Notes))
	require.Equal(t, rendered+1, h.views.count())

	events := h.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "notes", events[0].Module)
	assert.Equal(t, "created", events[0].Event)
	assert.Equal(t, "notes_created:"+created.ID, events[0].IdempotencyKey)
}

func TestFacadeMutationsRequireKnownNote(t *testing.T) {
	h := newHarness(t, nil)
	h.load(t, "org-1")
	f := h.e.Facade()
	ctx := context.Background()

	_, err := f.Edit(ctx, "missing", "x")
	require.True(t, errors.Is(err, notes.ErrNotFound))
	_, err = f.TogglePin(ctx, "missing")
	require.True(t, errors.Is(err, notes.ErrNotFound))
	_, err = f.ToggleDone(ctx, "missing")
	require.True(t, errors.Is(err, notes.ErrNotFound))
	_, err = f.SoftDelete(ctx, "missing")
	require.True(t, errors.Is(err, notes.ErrNotFound))
	require.Zero(t, h.b.updates.Load())
}

func TestFacadeEditAndToggles(t *testing.T) {
	h := newHarness(t, nil)
	h.b.Import(note("1", 0, "bia@x.com", "first"), note("2", 1, "ana@x.com", "second"))
	h.load(t, "org-1")
	f := h.e.Facade()
	ctx := context.Background()

	edited, err := f.Edit(ctx, "1", "first, revised")
	require.NoError(t, err)
	require.Equal(t, "first, revised", edited.Body)

	pinned, err := f.TogglePin(ctx, "2")
	require.NoError(t, err)
	require.True(t, pinned.Pinned)
	require.Equal(t, []string{"2", "1"}, ids(h.snapshot(t).Notes))

	unpinned, err := f.TogglePin(ctx, "2")
	require.NoError(t, err)
	require.False(t, unpinned.Pinned)

	done, err := f.ToggleDone(ctx, "1")
	require.NoError(t, err)
	require.True(t, done.Done)

	snap := h.snapshot(t)
	require.Equal(t, []string{"1", "2"}, ids(snap.Notes))
	require.True(t, snap.Notes[0].Done)
	require.Equal(t, "first, revised", snap.Notes[0].Body)
	require.Equal(t, int32(4), h.b.updates.Load())

	_, err = f.Edit(ctx, "1", "   ")
	require.True(t, errors.Is(err, notes.ErrValidation))
}

func TestFacadeSoftDelete(t *testing.T) {
	h := newHarness(t, nil)
	h.b.Import(note("1", 0, "bia@x.com", "not mine"), note("2", 1, "ana@x.com", "mine"))
	h.load(t, "org-1")
	f := h.e.Facade()
	ctx := context.Background()

	_, err := f.SoftDelete(ctx, "1")
	require.True(t, errors.Is(err, notes.ErrPermissionDenied), "got %v", err)
	require.Zero(t, h.b.updates.Load())

	deleted, err := f.SoftDelete(ctx, "2")
	require.NoError(t, err)
	require.True(t, deleted.Deleted())

	stored := h.snapshot(t).Notes[1]
	require.Equal(t, "2", stored.ID)
	require.Equal(t, notes.DeletedBody, stored.Body)
	require.Equal(t, t0.Add(time.Minute), stored.CreatedAt)
	require.Equal(t, "ana@x.com", stored.AuthorID)
	require.True(t, h.views.last().Notes[1].Deleted)

	again, err := f.SoftDelete(ctx, "2")
	require.NoError(t, err)
	require.True(t, again.Deleted())
	require.Equal(t, int32(1), h.b.updates.Load())
}

func TestFacadeEditToDeletedBodyIsSoftDelete(t *testing.T) {
	h := newHarness(t, nil)
	h.b.Import(note("1", 0, "bia@x.com", "not mine"), note("2", 1, "ana@x.com", "mine"))
	h.load(t, "org-1")
	f := h.e.Facade()
	ctx := context.Background()

	_, err := f.Edit(ctx, "1", notes.DeletedBody)
	require.True(t, errors.Is(err, notes.ErrPermissionDenied), "got %v", err)
	require.Zero(t, h.b.updates.Load())
	require.False(t, h.snapshot(t).Notes[0].Deleted())

	deleted, err := f.Edit(ctx, "2", "  "+notes.DeletedBody+" ")
	require.NoError(t, err)
	require.True(t, deleted.Deleted())
	require.Equal(t, int32(1), h.b.updates.Load())
}

func TestFacadeAddWhilePollDelivers(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ResyncEvery = 1 })
	h.load(t, "org-1")
	ctx := context.Background()

	const n = 20
	errs := make(chan error, n)
	go func() {
		for i := 0; i < n; i++ {
			_, err := h.e.Facade().Add(ctx, fmt.Sprintf("local %d", i))
			errs <- err
		}
	}()
	for i := 0; i < n; i++ {
		h.b.Import(note(fmt.Sprintf("remote-%d", i), i, "bia@x.com", "remote"))
		h.sched.fire(t)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	h.sched.fire(t)
	h.e.Names().Wait()

	snap := h.snapshot(t)
	require.Len(t, snap.Notes, 2*n)
	require.Len(t, h.sink.Events(), n)
	last := h.views.last()
	require.Len(t, last.Notes, 2*n)
}

func TestFacadeMutationRefreshesNames(t *testing.T) {
	clock := &tickClock{now: t0}
	h := newHarness(t, func(o *Options) { o.Now = clock.Now })
	h.load(t, "org-1")
	require.Equal(t, int32(1), h.b.bulks.Load())

	_, err := h.e.Facade().Add(context.Background(), "hello")
	require.NoError(t, err)
	h.e.Names().Wait()
	require.Equal(t, int32(2), h.b.bulks.Load())
}

func TestFacadeBackendErrorsKeepTheirKind(t *testing.T) {
	h := newHarness(t, nil)
	h.load(t, "org-1")
	// Known locally through push but unknown to the backend.
	h.b.push(note("ghost", 3, "ana@x.com", "x"))
	require.Len(t, h.snapshot(t).Notes, 1)

	_, err := h.e.Facade().TogglePin(context.Background(), "ghost")
	var typed *notes.Error
	require.True(t, errors.As(err, &typed), "got %v", err)
	require.Equal(t, notes.KindNotFound, typed.Kind)
	require.Equal(t, "toggle pin", typed.Op)
}
