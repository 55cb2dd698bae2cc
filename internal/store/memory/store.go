// Package memory is a process-local session store for development and tests.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/shehryarbajwa/workshop-mini/internal/store"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

// Store keeps sessions in a map guarded by a mutex. The mutex is the
// serialization point for compare-and-set; it is never held while calling
// out of the package.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// New creates an empty store
func New() *Store {
	return &Store{sessions: make(map[string]*models.Session)}
}

func (s *Store) Create(ctx context.Context, draft models.Session, limits store.Limits) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if draft.ID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[draft.ID]; exists {
		return nil, fmt.Errorf("session %s already stored", draft.ID)
	}

	owned, global := 0, 0
	for _, existing := range s.sessions {
		if !existing.Status.HoldsSlot() {
			continue
		}
		if existing.OwnerID == draft.OwnerID && existing.LabRef == draft.LabRef {
			return existing.Clone(), store.ErrConflict
		}
		global++
		if existing.OwnerID == draft.OwnerID {
			owned++
		}
	}
	if limits.PerOwner > 0 && owned >= limits.PerOwner {
		return nil, &store.CapacityError{Scope: store.ScopeOwner, Limit: limits.PerOwner}
	}
	if limits.Global > 0 && global >= limits.Global {
		return nil, &store.CapacityError{Scope: store.ScopeGlobal, Limit: limits.Global}
	}

	stored := draft.Clone()
	stored.Status = models.StatusPending
	stored.CreatedAt = stored.CreatedAt.UTC()
	s.sessions[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *Store) Transition(ctx context.Context, id string, expected models.SessionStatus, update store.Update) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.Status != expected || !update.Guard(current) {
		return current.Clone(), store.ErrStaleTransition
	}
	update.Apply(current)
	return current.Clone(), nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list := s.filter(func(sess *models.Session) bool { return sess.OwnerID == ownerID })
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

func (s *Store) FindOpen(ctx context.Context, ownerID, labRef string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list := s.filter(func(sess *models.Session) bool {
		return sess.OwnerID == ownerID && sess.LabRef == labRef && sess.Status.HoldsSlot()
	})
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	return list[0], nil
}

func (s *Store) ListActiveExpiring(ctx context.Context, before time.Time) iter.Seq2[*models.Session, error] {
	return func(yield func(*models.Session, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		list := s.filter(func(sess *models.Session) bool {
			return sess.Status == models.StatusActive && sess.ExpiresAt != nil && !sess.ExpiresAt.After(before)
		})
		sort.Slice(list, func(i, j int) bool { return list[i].ExpiresAt.Before(*list[j].ExpiresAt) })
		for _, sess := range list {
			if !yield(sess, nil) {
				return
			}
		}
	}
}

func (s *Store) ListPendingStale(ctx context.Context, createdBefore time.Time) iter.Seq2[*models.Session, error] {
	return func(yield func(*models.Session, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		list := s.filter(func(sess *models.Session) bool {
			return sess.Status == models.StatusPending && !sess.CreatedAt.After(createdBefore)
		})
		sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
		for _, sess := range list {
			if !yield(sess, nil) {
				return
			}
		}
	}
}

func (s *Store) CountActive(ctx context.Context, ownerID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, sess := range s.sessions {
		if sess.Status.HoldsSlot() && (ownerID == "" || sess.OwnerID == ownerID) {
			n++
		}
	}
	return n, nil
}

// Close is a no-op
func (s *Store) Close() error { return nil }

// filter snapshots matching records so callers never range under the lock
func (s *Store) filter(match func(*models.Session) bool) []*models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Session
	for _, sess := range s.sessions {
		if match(sess) {
			out = append(out, sess.Clone())
		}
	}
	return out
}

var _ store.Store = (*Store)(nil)
