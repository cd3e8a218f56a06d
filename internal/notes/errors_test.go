package notes

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMatchesKindSentinel(t *testing.T) {
	err := E(KindPermissionDenied, "edit note", fmt.Errorf("row level security"))
	require.True(t, errors.Is(err, ErrPermissionDenied))
	require.False(t, errors.Is(err, ErrNotFound))
	require.Equal(t, "edit note: permission denied: row level security", err.Error())
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(nil))
	require.Equal(t, KindNotFound, KindOf(fmt.Errorf("lookup: %w", ErrNotFound)))
	require.Equal(t, KindOffline, KindOf(E(KindOffline, "add note", nil)))
	require.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	require.Equal(t, KindUnknown, KindOf(errors.New("boom")))
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := Wrap("list notes", errors.New("connection reset"))
	require.True(t, errors.Is(err, ErrTransient))

	missing := Wrap("list notes", E(KindConfigurationMissing, "", nil))
	require.True(t, errors.Is(missing, ErrConfigurationMissing))
	require.Nil(t, Wrap("noop", nil))
}
