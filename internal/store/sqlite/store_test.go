package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/workshop-mini/internal/store"
	"github.com/shehryarbajwa/workshop-mini/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTempStore(t, filepath.Join(t.TempDir(), "sessions.db")) })
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	require.Error(t, err)
}

func TestReopenKeepsSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	first, err := Open(ctx, path)
	require.NoError(t, err)
	draft := storetest.Draft("u1", "lab1", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	_, err = first.Create(ctx, draft, store.Limits{})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := openTempStore(t, path)
	got, err := second.Get(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, draft.InstanceID, got.InstanceID)
}

func openTempStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}
