package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/workshop-mini/internal/admission"
	"github.com/shehryarbajwa/workshop-mini/internal/apperrors"
	"github.com/shehryarbajwa/workshop-mini/internal/clock"
	"github.com/shehryarbajwa/workshop-mini/internal/metrics"
	"github.com/shehryarbajwa/workshop-mini/internal/provision"
	"github.com/shehryarbajwa/workshop-mini/internal/store"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

const extendAttempts = 3

// Catalog confirms a lab exists and is published.
type Catalog interface {
	Published(ctx context.Context, labRef string) (bool, error)
}

// Caller identifies who is asking. Admins may act on any owner's sessions.
type Caller struct {
	ID    string
	Admin bool
}

// Config holds the lifecycle durations.
type Config struct {
	SessionDuration    time.Duration
	MaxSessionDuration time.Duration
	ProvisionTimeout   time.Duration
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Store     store.Store
	Admission *admission.Controller
	Gateway   provision.Gateway
	Catalog   Catalog
	Clock     clock.Clock
	Metrics   *metrics.Collector
	Logger    zerolog.Logger
}

// CreateResult is the outcome of CreateSession. A duplicate rejection also
// carries the existing session.
type CreateResult struct {
	Session   *models.Session
	Rejection *admission.Rejection
}

// Rejected reports whether admission refused the request.
func (r CreateResult) Rejected() bool { return r.Rejection != nil }

// Err renders the rejection as an application error, or nil.
func (r CreateResult) Err() error {
	rej := r.Rejection
	if rej == nil {
		return nil
	}
	switch rej.Reason {
	case admission.ReasonDuplicateSession:
		return apperrors.WithMetadata(apperrors.CodeDuplicateSession,
			"an open session already exists for this lab",
			map[string]string{"sessionId": rej.ExistingSessionID})
	default:
		return apperrors.WithMetadata(apperrors.CodeCapacityExceeded,
			"session cap reached",
			map[string]string{"scope": string(rej.Scope), "limit": strconv.Itoa(rej.Limit)})
	}
}

// Manager exposes the caller-facing session operations.
type Manager struct {
	store     store.Store
	admission *admission.Controller
	gateway   provision.Gateway
	catalog   Catalog
	clock     clock.Clock
	machine   *Machine
	cfg       Config
	metrics   *metrics.Collector
	logger    zerolog.Logger

	provisioning sync.WaitGroup
}

// NewManager creates a new session manager
func NewManager(deps Deps, cfg Config) *Manager {
	clk := deps.Clock
	if clk == nil {
		clk = clock.System{}
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 90 * time.Second
	}
	durations := Durations{Session: cfg.SessionDuration, Max: cfg.MaxSessionDuration}
	return &Manager{
		store:     deps.Store,
		admission: deps.Admission,
		gateway:   deps.Gateway,
		catalog:   deps.Catalog,
		clock:     clk,
		machine:   NewMachine(deps.Store, deps.Gateway, clk, durations, deps.Metrics, deps.Logger),
		cfg:       cfg,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With().Str("component", "session_manager").Logger(),
	}
}

// Machine returns the state machine shared with the sweeper.
func (m *Manager) Machine() *Machine { return m.machine }

// CreateSession admits and records a pending session, then provisions it in
// the background. Rejections are returned in the result, not as errors.
func (m *Manager) CreateSession(ctx context.Context, caller Caller, labRef string) (CreateResult, error) {
	if caller.ID == "" {
		return CreateResult{}, apperrors.New(apperrors.CodeUnauthenticated, "caller identity is required")
	}
	if labRef == "" {
		return CreateResult{}, apperrors.New(apperrors.CodeInvalidArgument, "labRef is required")
	}
	if m.catalog != nil {
		ok, err := m.catalog.Published(ctx, labRef)
		if err != nil {
			return CreateResult{}, apperrors.Wrap(apperrors.CodeUnavailable, "lab catalog unavailable", err)
		}
		if !ok {
			return CreateResult{}, apperrors.WithMetadata(apperrors.CodeLabNotFound, "lab not found",
				map[string]string{"labRef": labRef})
		}
	}

	decision, err := m.admission.Admit(ctx, caller.ID, labRef)
	if err != nil {
		return CreateResult{}, apperrors.Wrap(apperrors.CodeUnavailable, "admission check failed", err)
	}
	if !decision.Admitted() {
		return m.reject(ctx, decision.Rejection)
	}

	res := decision.Reservation
	created, err := m.store.Create(ctx, models.Session{
		ID:         res.SessionID,
		OwnerID:    res.OwnerID,
		LabRef:     res.LabRef,
		InstanceID: res.InstanceID,
		Status:     models.StatusPending,
		CreatedAt:  m.clock.Now(),
	}, res.Limits)
	if err != nil {
		if rej, ok := admission.FromCreateError(created, err); ok {
			return m.reject(ctx, rej)
		}
		return CreateResult{}, apperrors.Wrap(apperrors.CodeUnavailable, "create session failed", err)
	}

	m.metrics.Admission("admitted", "")
	m.logger.Info().
		Str("session_id", created.ID).
		Str("owner_id", created.OwnerID).
		Str("lab_ref", created.LabRef).
		Str("instance_id", created.InstanceID).
		Msg("session admitted")

	m.provisioning.Add(1)
	go m.provision(context.WithoutCancel(ctx), created)

	return CreateResult{Session: created}, nil
}

func (m *Manager) reject(ctx context.Context, rej *admission.Rejection) (CreateResult, error) {
	if rej.Reason == admission.ReasonDuplicateSession {
		m.metrics.Admission(string(rej.Reason), "")
		existing, err := m.store.Get(ctx, rej.ExistingSessionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return CreateResult{}, apperrors.Wrap(apperrors.CodeUnavailable, "load existing session failed", err)
		}
		return CreateResult{Session: existing, Rejection: rej}, nil
	}
	m.metrics.Admission(string(rej.Reason), string(rej.Scope))
	m.logger.Info().Str("scope", string(rej.Scope)).Int("limit", rej.Limit).Msg("admission rejected")
	return CreateResult{Rejection: rej}, nil
}

// provision drives one pending session to active or failed. ctx carries the
// request's values but not its cancellation.
func (m *Manager) provision(ctx context.Context, sess *models.Session) {
	defer m.provisioning.Done()

	logger := m.logger.With().Str("session_id", sess.ID).Str("instance_id", sess.InstanceID).Logger()

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.ProvisionTimeout)
	start := time.Now()
	result, err := m.gateway.Provision(callCtx, provision.Request{
		InstanceID: sess.InstanceID,
		LabRef:     sess.LabRef,
		OwnerID:    sess.OwnerID,
	})
	cancel()

	if err != nil {
		m.metrics.Provisioned("error", time.Since(start))
		logger.Warn().Err(err).Msg("provisioning failed")
		if _, ferr := m.machine.Fail(ctx, ActorProvisioner, sess); ferr != nil &&
			!apperrors.HasCode(ferr, apperrors.CodeStaleTransition) {
			logger.Error().Err(ferr).Msg("failed to record provisioning failure")
		}
		return
	}
	m.metrics.Provisioned("ok", time.Since(start))

	if _, err := m.machine.Activate(ctx, sess.ID, result.AccessEndpoint); err != nil {
		// The sweeper may have failed the session while the gateway was
		// working; the instance is now orphaned.
		logger.Warn().Err(err).Msg("activation rejected, releasing instance")
		m.machine.release(sess)
	}
}

// GetSession returns a session visible to caller.
func (m *Manager) GetSession(ctx context.Context, caller Caller, id string) (*models.Session, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(err, "get session failed")
	}
	if !caller.Admin && sess.OwnerID != caller.ID {
		return nil, apperrors.New(apperrors.CodeNotFound, "session not found")
	}
	return sess, nil
}

// ListSessions lists ownerID's sessions, newest first. An empty ownerID
// means the caller's own sessions.
func (m *Manager) ListSessions(ctx context.Context, caller Caller, ownerID string) ([]*models.Session, error) {
	if ownerID == "" {
		ownerID = caller.ID
	}
	if ownerID == "" {
		return nil, apperrors.New(apperrors.CodeUnauthenticated, "caller identity is required")
	}
	if ownerID != caller.ID && !caller.Admin {
		return nil, apperrors.New(apperrors.CodePermissionDenied, "cannot list another owner's sessions")
	}
	list, err := m.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, storeError(err, "list sessions failed")
	}
	if list == nil {
		list = []*models.Session{}
	}
	return list, nil
}

// ExtendSession adds extra to an active session's deadline. A lost race is
// re-read and retried a few times.
func (m *Manager) ExtendSession(ctx context.Context, caller Caller, id string, extra time.Duration) (*models.Session, error) {
	if extra <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "extension must be positive")
	}

	var lastErr error
	for attempt := 0; attempt < extendAttempts; attempt++ {
		sess, err := m.GetSession(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		out, err := m.machine.Extend(ctx, sess, extra)
		if err == nil {
			return out, nil
		}
		if !apperrors.HasCode(err, apperrors.CodeStaleTransition) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// TerminateSession completes an active session.
func (m *Manager) TerminateSession(ctx context.Context, caller Caller, id string) (*models.Session, error) {
	sess, err := m.GetSession(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if err := terminable(sess); err != nil {
		m.logger.Info().Str("session_id", id).Str("status", string(sess.Status)).Msg("termination ignored")
		return sess, err
	}

	out, err := m.machine.Complete(ctx, id)
	if apperrors.HasCode(err, apperrors.CodeStaleTransition) && out != nil {
		m.logger.Info().Str("session_id", id).Str("status", string(out.Status)).Msg("termination lost race")
		if terr := terminable(out); terr != nil {
			return out, terr
		}
	}
	return out, err
}

func terminable(sess *models.Session) error {
	switch {
	case sess.Status.Terminal():
		return apperrors.WithMetadata(apperrors.CodeInvalidState, "session already ended",
			map[string]string{"status": string(sess.Status)})
	case sess.Status == models.StatusPending:
		return apperrors.WithMetadata(apperrors.CodeInvalidState, "session is still provisioning",
			map[string]string{"status": string(sess.Status)})
	}
	return nil
}

// Wait blocks until background provisioning and releases finish.
func (m *Manager) Wait() {
	m.provisioning.Wait()
	m.machine.Wait()
}

func storeError(err error, msg string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.New(apperrors.CodeNotFound, "session not found")
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.CodeUnavailable, msg, err)
}
