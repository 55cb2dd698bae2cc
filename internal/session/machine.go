package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/workshop-mini/internal/apperrors"
	"github.com/shehryarbajwa/workshop-mini/internal/clock"
	"github.com/shehryarbajwa/workshop-mini/internal/metrics"
	"github.com/shehryarbajwa/workshop-mini/internal/provision"
	"github.com/shehryarbajwa/workshop-mini/internal/store"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

// Actor names who asked for a transition, for logs and metrics.
type Actor string

const (
	ActorOwner       Actor = "owner"
	ActorProvisioner Actor = "provisioner"
	ActorSweeper     Actor = "sweeper"
)

var allowed = map[models.SessionStatus][]models.SessionStatus{
	models.StatusPending: {models.StatusActive, models.StatusFailed},
	models.StatusActive:  {models.StatusActive, models.StatusCompleted, models.StatusExpired},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.SessionStatus) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Durations bound how long an active session may live.
type Durations struct {
	Session time.Duration
	Max     time.Duration
}

// Machine applies legal transitions through the store's compare-and-set and
// runs their side effects. It holds no lock across store or gateway calls.
type Machine struct {
	store     store.Store
	gateway   provision.Gateway
	clock     clock.Clock
	durations Durations
	metrics   *metrics.Collector
	logger    zerolog.Logger

	releaseTimeout time.Duration
	releases       sync.WaitGroup
}

// NewMachine wires a state machine
func NewMachine(s store.Store, gw provision.Gateway, clk clock.Clock, d Durations, m *metrics.Collector, logger zerolog.Logger) *Machine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Machine{
		store:          s,
		gateway:        gw,
		clock:          clk,
		durations:      d,
		metrics:        m,
		logger:         logger.With().Str("component", "state_machine").Logger(),
		releaseTimeout: 30 * time.Second,
	}
}

// Now returns the machine's clock reading.
func (m *Machine) Now() time.Time { return m.clock.Now() }

// Activate moves a pending session to active once the gateway answered.
func (m *Machine) Activate(ctx context.Context, id, endpoint string) (*models.Session, error) {
	now := m.clock.Now()
	expiresAt := now.Add(m.durations.Session)
	return m.apply(ctx, ActorProvisioner, id, models.StatusPending, store.Update{
		Status:         models.StatusActive,
		AccessEndpoint: &endpoint,
		StartedAt:      &now,
		ExpiresAt:      &expiresAt,
	})
}

// Fail moves a pending session to failed, then releases whatever the gateway
// may have started for it.
func (m *Machine) Fail(ctx context.Context, actor Actor, sess *models.Session) (*models.Session, error) {
	now := m.clock.Now()
	out, err := m.apply(ctx, actor, sess.ID, models.StatusPending, store.Update{
		Status:  models.StatusFailed,
		EndedAt: &now,
	})
	if err == nil {
		m.release(out)
	}
	return out, err
}

// Complete ends an active session at its owner's request.
func (m *Machine) Complete(ctx context.Context, id string) (*models.Session, error) {
	now := m.clock.Now()
	out, err := m.apply(ctx, ActorOwner, id, models.StatusActive, store.Update{
		Status:  models.StatusCompleted,
		EndedAt: &now,
	})
	if err == nil {
		m.release(out)
	}
	return out, err
}

// Expire ends an active session whose deadline has passed. The write is
// conditioned on the stored deadline so a concurrent extension wins.
func (m *Machine) Expire(ctx context.Context, id string) (*models.Session, error) {
	now := m.clock.Now()
	out, err := m.apply(ctx, ActorSweeper, id, models.StatusActive, store.Update{
		Status:      models.StatusExpired,
		EndedAt:     &now,
		IfExpiredBy: &now,
	})
	if err == nil {
		m.release(out)
	}
	return out, err
}

// Extend pushes expiresAt of an active session forward by extra, capped at
// startedAt + the maximum duration. The write only lands if the stored
// deadline is still the one sess was read with.
func (m *Machine) Extend(ctx context.Context, sess *models.Session, extra time.Duration) (*models.Session, error) {
	next, err := extendedDeadline(sess, extra, m.durations.Max, m.clock.Now())
	if err != nil {
		return sess, err
	}
	return m.apply(ctx, ActorOwner, sess.ID, models.StatusActive, store.Update{
		Status:      models.StatusActive,
		ExpiresAt:   &next,
		IfExpiresAt: sess.ExpiresAt,
	})
}

// extendedDeadline computes min(expiresAt+extra, startedAt+max).
func extendedDeadline(sess *models.Session, extra, maxDuration time.Duration, now time.Time) (time.Time, error) {
	if sess.Status != models.StatusActive || sess.StartedAt == nil || sess.ExpiresAt == nil {
		return time.Time{}, apperrors.New(apperrors.CodeInvalidState, "only active sessions can be extended")
	}
	if !now.Before(*sess.ExpiresAt) {
		return time.Time{}, apperrors.New(apperrors.CodeInvalidState, "session has passed its deadline")
	}
	next := sess.ExpiresAt.Add(extra)
	if limit := sess.StartedAt.Add(maxDuration); next.After(limit) {
		next = limit
	}
	if !next.After(*sess.ExpiresAt) {
		return time.Time{}, apperrors.WithMetadata(apperrors.CodeExtensionLimitExceeded,
			"session is already at its maximum duration",
			map[string]string{"expiresAt": sess.ExpiresAt.Format(time.RFC3339)})
	}
	return next, nil
}

// apply runs one compare-and-set. A lost race returns the current record with
// a CodeStaleTransition error wrapping store.ErrStaleTransition.
func (m *Machine) apply(ctx context.Context, actor Actor, id string, from models.SessionStatus, update store.Update) (*models.Session, error) {
	if !CanTransition(from, update.Status) {
		return nil, apperrors.WithMetadata(apperrors.CodeInvalidState, "illegal transition",
			map[string]string{"from": string(from), "to": string(update.Status)})
	}

	out, err := m.store.Transition(ctx, id, from, update)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStaleTransition):
		m.metrics.Stale(string(actor))
		m.logger.Debug().Str("session_id", id).Str("actor", string(actor)).
			Str("expected", string(from)).Str("current", statusOf(out)).Msg("lost transition race")
		return out, apperrors.Wrap(apperrors.CodeStaleTransition, "session changed concurrently", err)
	case errors.Is(err, store.ErrNotFound):
		return nil, apperrors.Wrap(apperrors.CodeNotFound, "session not found", err)
	default:
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "session store unavailable", err)
	}

	m.metrics.Transition(string(from), string(update.Status))
	m.logger.Info().
		Str("session_id", out.ID).
		Str("owner_id", out.OwnerID).
		Str("actor", string(actor)).
		Str("from", string(from)).
		Str("to", string(out.Status)).
		Msg("session transition")
	return out, nil
}

// release tears down the instance in the background. Failures only log: the
// record is already terminal and the gateway treats repeats as no-ops.
func (m *Machine) release(sess *models.Session) {
	if m.gateway == nil || sess == nil {
		return
	}
	m.releases.Add(1)
	go func() {
		defer m.releases.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.releaseTimeout)
		defer cancel()
		if err := m.gateway.Release(ctx, sess.InstanceID); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sess.ID).
				Str("instance_id", sess.InstanceID).Msg("failed to release instance")
		}
	}()
}

// Wait blocks until background releases finish.
func (m *Machine) Wait() {
	m.releases.Wait()
}

func statusOf(s *models.Session) string {
	if s == nil {
		return ""
	}
	return string(s.Status)
}
