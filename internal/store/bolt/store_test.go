package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/workshop-mini/internal/store"
	"github.com/shehryarbajwa/workshop-mini/internal/store/storetest"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTempStore(t) })
}

func TestExtensionMovesExpiryIndex(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	sess, err := s.Create(ctx, storetest.Draft("u1", "lab1", base), store.Limits{})
	require.NoError(t, err)
	expiresAt := base.Add(time.Hour)
	_, err = s.Transition(ctx, sess.ID, models.StatusPending, store.Update{
		Status:    models.StatusActive,
		StartedAt: &base,
		ExpiresAt: &expiresAt,
	})
	require.NoError(t, err)

	extended := base.Add(2 * time.Hour)
	_, err = s.Transition(ctx, sess.ID, models.StatusActive, store.Update{Status: models.StatusActive, ExpiresAt: &extended})
	require.NoError(t, err)

	count := 0
	for _, err := range s.ListActiveExpiring(ctx, base.Add(90*time.Minute)) {
		require.NoError(t, err)
		count++
	}
	assert.Zero(t, count, "old expiry entry must be removed")

	n, err := s.CountActive(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}
