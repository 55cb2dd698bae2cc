// Package store defines the durable session store contract. Every backend
// serializes writes per record and implements status transitions as
// compare-and-set operations.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned by Create when the owner already holds a
	// pending or active session for the same lab.
	ErrConflict = errors.New("session already exists for owner and lab")
	// ErrStaleTransition is returned by Transition when the stored status no
	// longer matches the expected status. The current record is returned
	// alongside it.
	ErrStaleTransition = errors.New("stale transition")
	// ErrCapacityExceeded is returned by Create when inserting the draft would
	// break a cap. Use errors.As with *CapacityError for the scope.
	ErrCapacityExceeded = errors.New("capacity exceeded")
)

// Scope names which cap rejected a request.
type Scope string

const (
	ScopeOwner  Scope = "owner"
	ScopeGlobal Scope = "global"
)

// CapacityError reports which cap a Create would have broken.
type CapacityError struct {
	Scope Scope
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s session cap of %d reached", e.Scope, e.Limit)
}

// Is lets errors.Is(err, ErrCapacityExceeded) match.
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// Limits are re-checked atomically at insert time. Zero disables a cap.
type Limits struct {
	PerOwner int
	Global   int
}

// Update lists the fields written together with a new status. Nil fields are
// left untouched.
type Update struct {
	Status         models.SessionStatus
	AccessEndpoint *string
	StartedAt      *time.Time
	ExpiresAt      *time.Time
	EndedAt        *time.Time
	// IfExpiredBy further conditions the write on the stored expiresAt being
	// set and not after this instant. A mismatch is ErrStaleTransition.
	IfExpiredBy *time.Time
	// IfExpiresAt conditions the write on the stored expiresAt being exactly
	// this instant, at millisecond precision.
	IfExpiresAt *time.Time
}

// Guard reports whether the deadline conditions of u hold for s.
func (u Update) Guard(s *models.Session) bool {
	if u.IfExpiredBy != nil && (s.ExpiresAt == nil || s.ExpiresAt.After(*u.IfExpiredBy)) {
		return false
	}
	if u.IfExpiresAt != nil && (s.ExpiresAt == nil || s.ExpiresAt.UnixMilli() != u.IfExpiresAt.UnixMilli()) {
		return false
	}
	return true
}

// Apply writes u onto s. Backends call it while holding their write lock or
// transaction.
func (u Update) Apply(s *models.Session) {
	s.Status = u.Status
	if u.AccessEndpoint != nil {
		s.AccessEndpoint = *u.AccessEndpoint
	}
	if u.StartedAt != nil {
		v := u.StartedAt.UTC()
		s.StartedAt = &v
	}
	if u.ExpiresAt != nil {
		v := u.ExpiresAt.UTC()
		s.ExpiresAt = &v
	}
	if u.EndedAt != nil {
		v := u.EndedAt.UTC()
		s.EndedAt = &v
	}
}

// Store persists session records.
type Store interface {
	// Create inserts a pending draft. On ErrConflict the existing
	// pending/active session for the same owner and lab is returned.
	Create(ctx context.Context, draft models.Session, limits Limits) (*models.Session, error)
	// Transition moves id from expected to update.Status only if the stored
	// status equals expected. On ErrStaleTransition the current record is
	// returned.
	Transition(ctx context.Context, id string, expected models.SessionStatus, update Update) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	// ListByOwner returns every session of ownerID, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Session, error)
	// FindOpen returns the pending or active session for owner and lab.
	FindOpen(ctx context.Context, ownerID, labRef string) (*models.Session, error)
	// ListActiveExpiring yields active sessions with expiresAt <= before,
	// soonest deadline first. Ranging again re-runs the query.
	ListActiveExpiring(ctx context.Context, before time.Time) iter.Seq2[*models.Session, error]
	// ListPendingStale yields pending sessions created at or before createdBefore.
	ListPendingStale(ctx context.Context, createdBefore time.Time) iter.Seq2[*models.Session, error]
	// CountActive counts sessions holding an admission slot (pending or
	// active). An empty ownerID counts globally.
	CountActive(ctx context.Context, ownerID string) (int, error)
	Close() error
}

// PageSize bounds how many rows the lazy listings fetch per query.
const PageSize = 100
