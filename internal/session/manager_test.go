package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/workshop-mini/internal/admission"
	"github.com/shehryarbajwa/workshop-mini/internal/apperrors"
	"github.com/shehryarbajwa/workshop-mini/internal/catalog"
	"github.com/shehryarbajwa/workshop-mini/internal/clock"
	"github.com/shehryarbajwa/workshop-mini/internal/provision"
	"github.com/shehryarbajwa/workshop-mini/internal/store"
	"github.com/shehryarbajwa/workshop-mini/internal/store/memory"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu       sync.Mutex
	err      error
	block    chan struct{}
	calls    []provision.Request
	released []string
}

func (g *fakeGateway) Provision(ctx context.Context, req provision.Request) (provision.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	block, err := g.block, g.err
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return provision.Result{}, &provision.Error{InstanceID: req.InstanceID, Err: ctx.Err()}
		}
	}
	if err != nil {
		return provision.Result{}, &provision.Error{InstanceID: req.InstanceID, Err: err}
	}
	return provision.Result{AccessEndpoint: "https://labs.test/" + req.InstanceID}, nil
}

func (g *fakeGateway) Release(_ context.Context, instanceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, instanceID)
	return nil
}

func (g *fakeGateway) releasedIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.released...)
}

type harness struct {
	mgr   *Manager
	store store.Store
	clock *clock.Fake
	gw    *fakeGateway
}

func defaultConfig() Config {
	return Config{
		SessionDuration:    120 * time.Minute,
		MaxSessionDuration: 180 * time.Minute,
		ProvisionTimeout:   5 * time.Second,
	}
}

func newHarness(t *testing.T, perUser, global int) *harness {
	return newHarnessWith(t, defaultConfig(), perUser, global, &fakeGateway{})
}

func newHarnessWith(t *testing.T, cfg Config, perUser, global int, gw *fakeGateway) *harness {
	t.Helper()
	s := memory.New()
	clk := clock.NewFake(start)
	mgr := NewManager(Deps{
		Store:     s,
		Admission: admission.NewController(s, admission.Config{PerUserCap: perUser, GlobalCap: global}, zerolog.Nop()),
		Gateway:   gw,
		Catalog:   catalog.NewStatic(nil),
		Clock:     clk,
		Logger:    zerolog.Nop(),
	}, cfg)
	t.Cleanup(mgr.Wait)
	return &harness{mgr: mgr, store: s, clock: clk, gw: gw}
}

func (h *harness) activate(t *testing.T, owner, lab string) *models.Session {
	t.Helper()
	res, err := h.mgr.CreateSession(context.Background(), Caller{ID: owner}, lab)
	require.NoError(t, err)
	require.False(t, res.Rejected(), "unexpected rejection: %+v", res.Rejection)
	h.mgr.Wait()

	sess, err := h.mgr.GetSession(context.Background(), Caller{ID: owner}, res.Session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, sess.Status)
	return sess
}

// assertShape checks that endedAt is set iff terminal and expiresAt is set iff
// the session was ever active.
func assertShape(t *testing.T, sess *models.Session) {
	t.Helper()
	assert.Equal(t, sess.Status.Terminal(), sess.EndedAt != nil, "endedAt for %s", sess.Status)
	everActive := sess.Status == models.StatusActive ||
		sess.Status == models.StatusCompleted ||
		sess.Status == models.StatusExpired
	assert.Equal(t, everActive, sess.ExpiresAt != nil, "expiresAt for %s", sess.Status)
}

func TestCreateSessionProvisionsToActive(t *testing.T) {
	h := newHarness(t, 3, 500)

	res, err := h.mgr.CreateSession(context.Background(), Caller{ID: "u1"}, "lab1")
	require.NoError(t, err)
	require.False(t, res.Rejected())
	assert.NoError(t, res.Err())
	assert.Equal(t, models.StatusPending, res.Session.Status)
	assertShape(t, res.Session)

	h.mgr.Wait()

	sess, err := h.mgr.GetSession(context.Background(), Caller{ID: "u1"}, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, sess.Status)
	assert.Equal(t, "https://labs.test/"+sess.InstanceID, sess.AccessEndpoint)
	require.NotNil(t, sess.StartedAt)
	assert.WithinDuration(t, start, *sess.StartedAt, 0)
	assert.WithinDuration(t, start.Add(120*time.Minute), *sess.ExpiresAt, 0)
	assertShape(t, sess)
}

func TestOwnerCapRejectsSecondLab(t *testing.T) {
	h := newHarness(t, 1, 500)
	h.activate(t, "u1", "lab1")

	res, err := h.mgr.CreateSession(context.Background(), Caller{ID: "u1"}, "lab2")
	require.NoError(t, err)
	require.True(t, res.Rejected())
	assert.Equal(t, admission.ReasonCapacityExceeded, res.Rejection.Reason)
	assert.Equal(t, store.ScopeOwner, res.Rejection.Scope)
	assert.Nil(t, res.Session)

	rejErr := res.Err()
	assert.True(t, apperrors.HasCode(rejErr, apperrors.CodeCapacityExceeded))
	assert.Equal(t, "owner", apperrors.Metadata(rejErr)["scope"])
}

func TestGlobalCapRejects(t *testing.T) {
	h := newHarness(t, 3, 1)
	h.activate(t, "u1", "lab1")

	res, err := h.mgr.CreateSession(context.Background(), Caller{ID: "u2"}, "lab1")
	require.NoError(t, err)
	require.True(t, res.Rejected())
	assert.Equal(t, store.ScopeGlobal, res.Rejection.Scope)
}

func TestDuplicateCreateReturnsExisting(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	h := newHarnessWith(t, defaultConfig(), 3, 500, gw)
	ctx := context.Background()

	first, err := h.mgr.CreateSession(ctx, Caller{ID: "u1"}, "lab1")
	require.NoError(t, err)
	require.False(t, first.Rejected())

	second, err := h.mgr.CreateSession(ctx, Caller{ID: "u1"}, "lab1")
	require.NoError(t, err)
	require.True(t, second.Rejected())
	assert.Equal(t, admission.ReasonDuplicateSession, second.Rejection.Reason)
	assert.Equal(t, first.Session.ID, second.Rejection.ExistingSessionID)
	require.NotNil(t, second.Session)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, first.Session.ID, apperrors.Metadata(second.Err())["sessionId"])

	list, err := h.mgr.ListSessions(ctx, Caller{ID: "u1"}, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	close(gw.block)
	h.mgr.Wait()
}

func TestDuplicateAtOwnerCapReattaches(t *testing.T) {
	h := newHarness(t, 1, 500)
	active := h.activate(t, "u1", "lab1")

	res, err := h.mgr.CreateSession(context.Background(), Caller{ID: "u1"}, "lab1")
	require.NoError(t, err)
	require.True(t, res.Rejected())
	assert.Equal(t, admission.ReasonDuplicateSession, res.Rejection.Reason)
	assert.Equal(t, active.ID, res.Session.ID)
}

func TestConcurrentCreateSameLabSingleRecord(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	h := newHarnessWith(t, defaultConfig(), 3, 500, gw)

	const callers = 16
	ids := make([]string, callers)
	admitted := make([]bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.mgr.CreateSession(context.Background(), Caller{ID: "u1"}, "lab1")
			if !assert.NoError(t, err) {
				return
			}
			admitted[i] = !res.Rejected()
			if res.Session != nil {
				ids[i] = res.Session.ID
			}
		}(i)
	}
	wg.Wait()
	close(gw.block)
	h.mgr.Wait()

	n := 0
	for _, ok := range admitted {
		if ok {
			n++
		}
	}
	assert.Equal(t, 1, n)

	list, err := h.mgr.ListSessions(context.Background(), Caller{ID: "u1"}, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	for _, id := range ids {
		if id != "" {
			assert.Equal(t, list[0].ID, id)
		}
	}
}

func TestCreateValidatesInput(t *testing.T) {
	h := newHarness(t, 3, 500)

	_, err := h.mgr.CreateSession(context.Background(), Caller{}, "lab1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUnauthenticated))

	_, err = h.mgr.CreateSession(context.Background(), Caller{ID: "u1"}, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidArgument))
}

func TestCreateRejectsUnpublishedLab(t *testing.T) {
	s := memory.New()
	mgr := NewManager(Deps{
		Store:     s,
		Admission: admission.NewController(s, admission.Config{PerUserCap: 3, GlobalCap: 500}, zerolog.Nop()),
		Gateway:   &fakeGateway{},
		Catalog:   catalog.NewStatic([]string{"lab1"}),
		Logger:    zerolog.Nop(),
	}, defaultConfig())
	t.Cleanup(mgr.Wait)

	_, err := mgr.CreateSession(context.Background(), Caller{ID: "u1"}, "lab9")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLabNotFound))
}

func TestProvisionFailureMarksFailed(t *testing.T) {
	gw := &fakeGateway{err: errors.New("no capacity in pool")}
	h := newHarnessWith(t, defaultConfig(), 1, 500, gw)

	res, err := h.mgr.CreateSession(context.Background(), Caller{ID: "u1"}, "lab1")
	require.NoError(t, err)
	h.mgr.Wait()

	sess, err := h.mgr.GetSession(context.Background(), Caller{ID: "u1"}, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, sess.Status)
	assertShape(t, sess)
	assert.Contains(t, gw.releasedIDs(), sess.InstanceID)

	// The failed session no longer holds the owner's only slot.
	gw.mu.Lock()
	gw.err = nil
	gw.mu.Unlock()
	h.activate(t, "u1", "lab1")
}

func TestProvisionTimeoutMarksFailed(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	cfg := defaultConfig()
	cfg.ProvisionTimeout = 20 * time.Millisecond
	h := newHarnessWith(t, cfg, 3, 500, gw)

	res, err := h.mgr.CreateSession(context.Background(), Caller{ID: "u1"}, "lab1")
	require.NoError(t, err)
	h.mgr.Wait()

	sess, err := h.store.Get(context.Background(), res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, sess.Status)
	assertShape(t, sess)
}

func TestActivationAfterFailReleasesInstance(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	h := newHarnessWith(t, defaultConfig(), 3, 500, gw)
	ctx := context.Background()

	res, err := h.mgr.CreateSession(ctx, Caller{ID: "u1"}, "lab1")
	require.NoError(t, err)

	_, err = h.mgr.Machine().Fail(ctx, ActorSweeper, res.Session)
	require.NoError(t, err)

	close(gw.block)
	h.mgr.Wait()

	sess, err := h.store.Get(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, sess.Status)
	assert.Contains(t, gw.releasedIDs(), sess.InstanceID)
}

func TestGetSessionHidesOtherOwners(t *testing.T) {
	h := newHarness(t, 3, 500)
	sess := h.activate(t, "u1", "lab1")

	_, err := h.mgr.GetSession(context.Background(), Caller{ID: "u2"}, sess.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	got, err := h.mgr.GetSession(context.Background(), Caller{ID: "ops", Admin: true}, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = h.mgr.GetSession(context.Background(), Caller{ID: "u1"}, "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestListSessionsAuthorization(t *testing.T) {
	h := newHarness(t, 3, 500)
	h.activate(t, "u1", "lab1")
	h.clock.Advance(time.Minute)
	h.activate(t, "u1", "lab2")

	list, err := h.mgr.ListSessions(context.Background(), Caller{ID: "u1"}, "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "lab2", list[0].LabRef)

	_, err = h.mgr.ListSessions(context.Background(), Caller{ID: "u2"}, "u1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodePermissionDenied))

	list, err = h.mgr.ListSessions(context.Background(), Caller{ID: "ops", Admin: true}, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = h.mgr.ListSessions(context.Background(), Caller{ID: "u3"}, "")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestExtendCapsAtMaxDuration(t *testing.T) {
	h := newHarness(t, 3, 500)
	sess := h.activate(t, "u1", "lab1")

	out, err := h.mgr.ExtendSession(context.Background(), Caller{ID: "u1"}, sess.ID, 90*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, out.Status)
	assert.WithinDuration(t, start.Add(180*time.Minute), *out.ExpiresAt, 0)

	_, err = h.mgr.ExtendSession(context.Background(), Caller{ID: "u1"}, sess.ID, 10*time.Minute)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeExtensionLimitExceeded))
}

func TestExtendIsMonotonicAndBounded(t *testing.T) {
	h := newHarness(t, 3, 500)
	sess := h.activate(t, "u1", "lab1")
	limit := sess.StartedAt.Add(180 * time.Minute)

	prev := *sess.ExpiresAt
	for i := 0; i < 10; i++ {
		out, err := h.mgr.ExtendSession(context.Background(), Caller{ID: "u1"}, sess.ID, 7*time.Minute)
		if err != nil {
			require.True(t, apperrors.HasCode(err, apperrors.CodeExtensionLimitExceeded))
			break
		}
		assert.True(t, out.ExpiresAt.After(prev))
		assert.False(t, out.ExpiresAt.After(limit))
		prev = *out.ExpiresAt
	}
	assert.WithinDuration(t, limit, prev, 0)
}

func TestExtendRejectsInvalidRequests(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	h := newHarnessWith(t, defaultConfig(), 3, 500, gw)
	ctx := context.Background()

	res, err := h.mgr.CreateSession(ctx, Caller{ID: "u1"}, "lab1")
	require.NoError(t, err)

	_, err = h.mgr.ExtendSession(ctx, Caller{ID: "u1"}, res.Session.ID, 0)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidArgument))

	_, err = h.mgr.ExtendSession(ctx, Caller{ID: "u1"}, res.Session.ID, time.Minute)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidState))

	_, err = h.mgr.ExtendSession(ctx, Caller{ID: "u2"}, res.Session.ID, time.Minute)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	close(gw.block)
	h.mgr.Wait()

	h.clock.Advance(121 * time.Minute)
	_, err = h.mgr.ExtendSession(ctx, Caller{ID: "u1"}, res.Session.ID, time.Minute)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidState))
}

func TestTerminateCompletesAndReleases(t *testing.T) {
	h := newHarness(t, 3, 500)
	sess := h.activate(t, "u1", "lab1")
	h.clock.Advance(30 * time.Minute)

	out, err := h.mgr.TerminateSession(context.Background(), Caller{ID: "u1"}, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.WithinDuration(t, start.Add(30*time.Minute), *out.EndedAt, 0)
	assertShape(t, out)

	h.mgr.Wait()
	assert.Contains(t, h.gw.releasedIDs(), sess.InstanceID)

	again, err := h.mgr.TerminateSession(context.Background(), Caller{ID: "u1"}, sess.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidState))
	assert.Equal(t, models.StatusCompleted, again.Status)
}

func TestTerminateOtherOwnerNotFound(t *testing.T) {
	h := newHarness(t, 3, 500)
	sess := h.activate(t, "u1", "lab1")

	_, err := h.mgr.TerminateSession(context.Background(), Caller{ID: "u2"}, sess.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	out, err := h.mgr.TerminateSession(context.Background(), Caller{ID: "ops", Admin: true}, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, out.Status)
}

func TestTerminateAfterExpiryIsInvalidState(t *testing.T) {
	h := newHarness(t, 3, 500)
	sess := h.activate(t, "u1", "lab1")

	h.clock.Set(sess.ExpiresAt.Add(time.Minute))
	expired, err := h.mgr.Machine().Expire(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, expired.Status)

	out, err := h.mgr.TerminateSession(context.Background(), Caller{ID: "u1"}, sess.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidState))
	assert.Equal(t, models.StatusExpired, out.Status)
	assert.WithinDuration(t, sess.ExpiresAt.Add(time.Minute), *out.EndedAt, 0)
	assertShape(t, out)
}
