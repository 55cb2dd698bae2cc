// Package admission decides whether a new session may be created. Counts are
// read from the store at decision time; the store re-checks them when the
// reserved draft is inserted.
package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/workshop-mini/internal/store"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

// Reason is the machine-readable cause of a rejection.
type Reason string

const (
	ReasonCapacityExceeded Reason = "capacity_exceeded"
	ReasonDuplicateSession Reason = "duplicate_session"
)

// Rejection explains why admission was refused.
type Rejection struct {
	Reason Reason
	Scope  store.Scope
	Limit  int
	// ExistingSessionID is set for ReasonDuplicateSession.
	ExistingSessionID string
}

// Reservation carries the identifiers and caps the caller must use to create
// the pending record.
type Reservation struct {
	SessionID  string
	InstanceID string
	OwnerID    string
	LabRef     string
	Limits     store.Limits
}

// Decision is either a Reservation or a Rejection, never both.
type Decision struct {
	Reservation *Reservation
	Rejection   *Rejection
}

// Admitted reports whether the decision carries a reservation.
func (d Decision) Admitted() bool { return d.Reservation != nil }

// Counter is the slice of the store the controller reads.
type Counter interface {
	CountActive(ctx context.Context, ownerID string) (int, error)
	FindOpen(ctx context.Context, ownerID, labRef string) (*models.Session, error)
}

// Config holds the caps.
type Config struct {
	PerUserCap int
	GlobalCap  int
}

// Controller enforces per-owner and global session caps.
type Controller struct {
	counter Counter
	limits  store.Limits
	logger  zerolog.Logger
}

// NewController creates a controller reading counts from counter
func NewController(counter Counter, cfg Config, logger zerolog.Logger) *Controller {
	return &Controller{
		counter: counter,
		limits:  store.Limits{PerOwner: cfg.PerUserCap, Global: cfg.GlobalCap},
		logger:  logger.With().Str("component", "admission").Logger(),
	}
}

// Limits returns the caps the store must re-check at insert time.
func (c *Controller) Limits() store.Limits { return c.limits }

// Admit checks for an open session on the same lab first, so a retried
// request re-attaches even when the owner is at the cap, then checks the
// owner cap and the global cap.
func (c *Controller) Admit(ctx context.Context, ownerID, labRef string) (Decision, error) {
	if ownerID == "" || labRef == "" {
		return Decision{}, fmt.Errorf("owner and lab are required")
	}

	existing, err := c.counter.FindOpen(ctx, ownerID, labRef)
	switch {
	case err == nil:
		c.logger.Debug().Str("owner_id", ownerID).Str("lab_ref", labRef).
			Str("session_id", existing.ID).Msg("duplicate session request")
		return Decision{Rejection: DuplicateOf(existing.ID)}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Decision{}, fmt.Errorf("find open session: %w", err)
	}

	if c.limits.PerOwner > 0 {
		owned, err := c.counter.CountActive(ctx, ownerID)
		if err != nil {
			return Decision{}, fmt.Errorf("count owner sessions: %w", err)
		}
		if owned >= c.limits.PerOwner {
			return Decision{Rejection: &Rejection{Reason: ReasonCapacityExceeded, Scope: store.ScopeOwner, Limit: c.limits.PerOwner}}, nil
		}
	}
	if c.limits.Global > 0 {
		global, err := c.counter.CountActive(ctx, "")
		if err != nil {
			return Decision{}, fmt.Errorf("count global sessions: %w", err)
		}
		if global >= c.limits.Global {
			return Decision{Rejection: &Rejection{Reason: ReasonCapacityExceeded, Scope: store.ScopeGlobal, Limit: c.limits.Global}}, nil
		}
	}

	return Decision{Reservation: &Reservation{
		SessionID:  uuid.NewString(),
		InstanceID: uuid.NewString(),
		OwnerID:    ownerID,
		LabRef:     labRef,
		Limits:     c.limits,
	}}, nil
}

// DuplicateOf builds the rejection returned when sessionID already covers the request.
func DuplicateOf(sessionID string) *Rejection {
	return &Rejection{Reason: ReasonDuplicateSession, ExistingSessionID: sessionID}
}

// FromCreateError turns the insert-time errors of store.Create into the
// rejection an Admit call would have produced. ok is false for other errors.
func FromCreateError(existing *models.Session, err error) (*Rejection, bool) {
	if errors.Is(err, store.ErrConflict) && existing != nil {
		return DuplicateOf(existing.ID), true
	}
	var capErr *store.CapacityError
	if errors.As(err, &capErr) {
		return &Rejection{Reason: ReasonCapacityExceeded, Scope: capErr.Scope, Limit: capErr.Limit}, true
	}
	return nil, false
}
