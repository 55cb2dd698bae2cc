// Package storetest holds the behavior every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/workshop-mini/internal/store"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Run executes the conformance suite against newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"GetMissing", testGetMissing},
		{"CreateConflict", testCreateConflict},
		{"CreateAfterTerminal", testCreateAfterTerminal},
		{"CreateOwnerCap", testCreateOwnerCap},
		{"CreateGlobalCap", testCreateGlobalCap},
		{"TransitionCAS", testTransitionCAS},
		{"TransitionMissing", testTransitionMissing},
		{"TransitionDeadlineGuard", testTransitionDeadlineGuard},
		{"TransitionExactDeadlineGuard", testTransitionExactDeadlineGuard},
		{"ConcurrentTransitionsOneWinner", testConcurrentTransitions},
		{"ConcurrentCreateRespectsCaps", testConcurrentCreate},
		{"ListActiveExpiring", testListActiveExpiring},
		{"ListActiveExpiringPages", testListActiveExpiringPages},
		{"ListPendingStale", testListPendingStale},
		{"ListByOwner", testListByOwner},
		{"CountActive", testCountActive},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

// Draft builds a pending draft for owner and lab created at createdAt.
func Draft(owner, lab string, createdAt time.Time) models.Session {
	return models.Session{
		ID:         uuid.NewString(),
		OwnerID:    owner,
		LabRef:     lab,
		InstanceID: uuid.NewString(),
		Status:     models.StatusPending,
		CreatedAt:  createdAt,
	}
}

func activate(t *testing.T, s store.Store, id string, startedAt time.Time, d time.Duration) *models.Session {
	t.Helper()
	endpoint := "https://labs.test/" + id
	expiresAt := startedAt.Add(d)
	sess, err := s.Transition(context.Background(), id, models.StatusPending, store.Update{
		Status:         models.StatusActive,
		AccessEndpoint: &endpoint,
		StartedAt:      &startedAt,
		ExpiresAt:      &expiresAt,
	})
	require.NoError(t, err)
	return sess
}

func mustCreate(t *testing.T, s store.Store, owner, lab string, createdAt time.Time) *models.Session {
	t.Helper()
	sess, err := s.Create(context.Background(), Draft(owner, lab, createdAt), store.Limits{})
	require.NoError(t, err)
	return sess
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	draft := Draft("u1", "lab1", base)

	created, err := s.Create(ctx, draft, store.Limits{PerOwner: 3, Global: 10})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, created.Status)
	assert.Equal(t, draft.InstanceID, created.InstanceID)

	got, err := s.Get(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, draft.ID, got.ID)
	assert.Equal(t, "u1", got.OwnerID)
	assert.Equal(t, "lab1", got.LabRef)
	assert.True(t, base.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ExpiresAt)
	assert.Nil(t, got.EndedAt)
	assert.Empty(t, got.AccessEndpoint)
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := mustCreate(t, s, "u1", "lab1", base)

	existing, err := s.Create(ctx, Draft("u1", "lab1", base.Add(time.Second)), store.Limits{})
	require.ErrorIs(t, err, store.ErrConflict)
	require.NotNil(t, existing)
	assert.Equal(t, first.ID, existing.ID)

	activate(t, s, first.ID, base, time.Hour)
	existing, err = s.Create(ctx, Draft("u1", "lab1", base.Add(2*time.Second)), store.Limits{})
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, first.ID, existing.ID)

	n, err := s.CountActive(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testCreateAfterTerminal(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := mustCreate(t, s, "u1", "lab1", base)
	ended := base.Add(time.Minute)
	_, err := s.Transition(ctx, first.ID, models.StatusPending, store.Update{Status: models.StatusFailed, EndedAt: &ended})
	require.NoError(t, err)

	second, err := s.Create(ctx, Draft("u1", "lab1", base.Add(2*time.Minute)), store.Limits{PerOwner: 1})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func testCreateOwnerCap(t *testing.T, s store.Store) {
	ctx := context.Background()
	limits := store.Limits{PerOwner: 1, Global: 10}
	_, err := s.Create(ctx, Draft("u1", "lab1", base), limits)
	require.NoError(t, err)

	_, err = s.Create(ctx, Draft("u1", "lab2", base), limits)
	require.ErrorIs(t, err, store.ErrCapacityExceeded)
	var capErr *store.CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, store.ScopeOwner, capErr.Scope)

	_, err = s.Create(ctx, Draft("u2", "lab2", base), limits)
	require.NoError(t, err)
}

func testCreateGlobalCap(t *testing.T, s store.Store) {
	ctx := context.Background()
	limits := store.Limits{PerOwner: 5, Global: 2}
	_, err := s.Create(ctx, Draft("u1", "lab1", base), limits)
	require.NoError(t, err)
	_, err = s.Create(ctx, Draft("u2", "lab1", base), limits)
	require.NoError(t, err)

	_, err = s.Create(ctx, Draft("u3", "lab1", base), limits)
	var capErr *store.CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, store.ScopeGlobal, capErr.Scope)
}

func testTransitionCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := mustCreate(t, s, "u1", "lab1", base)
	active := activate(t, s, sess.ID, base.Add(time.Minute), 2*time.Hour)

	assert.Equal(t, models.StatusActive, active.Status)
	assert.Equal(t, "https://labs.test/"+sess.ID, active.AccessEndpoint)
	require.NotNil(t, active.ExpiresAt)
	assert.True(t, base.Add(time.Minute+2*time.Hour).Equal(*active.ExpiresAt))

	ended := base.Add(3 * time.Hour)
	done, err := s.Transition(ctx, sess.ID, models.StatusActive, store.Update{Status: models.StatusExpired, EndedAt: &ended})
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, done.Status)
	require.NotNil(t, done.EndedAt)
	require.NotNil(t, done.ExpiresAt, "expiresAt is retained after termination")

	current, err := s.Transition(ctx, sess.ID, models.StatusActive, store.Update{Status: models.StatusCompleted, EndedAt: &ended})
	require.ErrorIs(t, err, store.ErrStaleTransition)
	require.NotNil(t, current)
	assert.Equal(t, models.StatusExpired, current.Status)
}

func testTransitionMissing(t *testing.T, s store.Store) {
	_, err := s.Transition(context.Background(), "missing", models.StatusPending, store.Update{Status: models.StatusFailed})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testTransitionDeadlineGuard(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := mustCreate(t, s, "u1", "lab1", base)
	activate(t, s, sess.ID, base, time.Hour)

	early := base.Add(30 * time.Minute)
	current, err := s.Transition(ctx, sess.ID, models.StatusActive, store.Update{
		Status: models.StatusExpired, EndedAt: &early, IfExpiredBy: &early,
	})
	require.ErrorIs(t, err, store.ErrStaleTransition)
	assert.Equal(t, models.StatusActive, current.Status)

	onTime := base.Add(time.Hour)
	done, err := s.Transition(ctx, sess.ID, models.StatusActive, store.Update{
		Status: models.StatusExpired, EndedAt: &onTime, IfExpiredBy: &onTime,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, done.Status)
}

func testTransitionExactDeadlineGuard(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := mustCreate(t, s, "u1", "lab1", base)
	active := activate(t, s, sess.ID, base, time.Hour)

	// Both writers computed their deadline from the same snapshot.
	read := *active.ExpiresAt
	longer := read.Add(time.Hour)
	shorter := read.Add(10 * time.Minute)

	first, err := s.Transition(ctx, sess.ID, models.StatusActive, store.Update{
		Status: models.StatusActive, ExpiresAt: &longer, IfExpiresAt: &read,
	})
	require.NoError(t, err)
	assert.True(t, longer.Equal(*first.ExpiresAt))

	current, err := s.Transition(ctx, sess.ID, models.StatusActive, store.Update{
		Status: models.StatusActive, ExpiresAt: &shorter, IfExpiresAt: &read,
	})
	require.ErrorIs(t, err, store.ErrStaleTransition)
	require.NotNil(t, current)
	assert.True(t, longer.Equal(*current.ExpiresAt))

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, longer.Equal(*got.ExpiresAt))
}

func testConcurrentTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := mustCreate(t, s, "u1", "lab1", base)
	activate(t, s, sess.ID, base, time.Hour)

	const racers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ended := base.Add(time.Duration(i) * time.Second)
			status := models.StatusExpired
			if i%2 == 0 {
				status = models.StatusCompleted
			}
			_, err := s.Transition(ctx, sess.ID, models.StatusActive, store.Update{Status: status, EndedAt: &ended})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, store.ErrStaleTransition)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func testConcurrentCreate(t *testing.T, s store.Store) {
	ctx := context.Background()
	limits := store.Limits{PerOwner: 2, Global: 3}

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("u%d", i%3)
			lab := fmt.Sprintf("lab%d", i%4)
			_, _ = s.Create(ctx, Draft(owner, lab, base), limits)
		}(i)
	}
	wg.Wait()

	global, err := s.CountActive(ctx, "")
	require.NoError(t, err)
	assert.LessOrEqual(t, global, 3)
	for i := 0; i < 3; i++ {
		n, err := s.CountActive(ctx, fmt.Sprintf("u%d", i))
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 2)
	}
}

func testListActiveExpiring(t *testing.T, s store.Store) {
	ctx := context.Background()
	soon := mustCreate(t, s, "u1", "lab1", base)
	later := mustCreate(t, s, "u2", "lab1", base)
	pending := mustCreate(t, s, "u3", "lab1", base)
	activate(t, s, later.ID, base, 2*time.Hour)
	activate(t, s, soon.ID, base, time.Hour)

	var ids []string
	for sess, err := range s.ListActiveExpiring(ctx, base.Add(time.Hour)) {
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}
	assert.Equal(t, []string{soon.ID}, ids, "deadline equal to bound is included")

	ids = nil
	for sess, err := range s.ListActiveExpiring(ctx, base.Add(3*time.Hour)) {
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}
	assert.Equal(t, []string{soon.ID, later.ID}, ids)
	assert.NotContains(t, ids, pending.ID)
}

func testListActiveExpiringPages(t *testing.T, s store.Store) {
	ctx := context.Background()
	total := store.PageSize + 5
	for i := 0; i < total; i++ {
		sess := mustCreate(t, s, fmt.Sprintf("u%d", i), "lab1", base)
		activate(t, s, sess.ID, base, time.Duration(i%7)*time.Minute)
	}

	seen := map[string]bool{}
	for sess, err := range s.ListActiveExpiring(ctx, base.Add(time.Hour)) {
		require.NoError(t, err)
		assert.False(t, seen[sess.ID], "session yielded twice")
		seen[sess.ID] = true
	}
	assert.Len(t, seen, total)

	count := 0
	for _, err := range s.ListActiveExpiring(ctx, base.Add(time.Hour)) {
		require.NoError(t, err)
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

func testListPendingStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	old := mustCreate(t, s, "u1", "lab1", base)
	fresh := mustCreate(t, s, "u2", "lab1", base.Add(10*time.Minute))
	activated := mustCreate(t, s, "u3", "lab1", base)
	activate(t, s, activated.ID, base, time.Hour)

	var ids []string
	for sess, err := range s.ListPendingStale(ctx, base.Add(5*time.Minute)) {
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}
	assert.Equal(t, []string{old.ID}, ids)
	assert.NotContains(t, ids, fresh.ID)
}

func testListByOwner(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := mustCreate(t, s, "u1", "lab1", base)
	second := mustCreate(t, s, "u1", "lab2", base.Add(time.Minute))
	mustCreate(t, s, "u2", "lab1", base)

	list, err := s.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	list, err = s.ListByOwner(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testCountActive(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := mustCreate(t, s, "u1", "lab1", base)
	mustCreate(t, s, "u1", "lab2", base)
	mustCreate(t, s, "u2", "lab1", base)
	activate(t, s, a.ID, base, time.Hour)

	n, err := s.CountActive(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountActive(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ended := base.Add(time.Minute)
	_, err = s.Transition(ctx, a.ID, models.StatusActive, store.Update{Status: models.StatusCompleted, EndedAt: &ended})
	require.NoError(t, err)

	n, err = s.CountActive(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	open, err := s.FindOpen(ctx, "u1", "lab1")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Nil(t, open)
}
