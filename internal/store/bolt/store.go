// Package bolt provides a BoltDB-backed session store. Secondary buckets act
// as indexes so sweeper scans never decode inactive records.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/shehryarbajwa/workshop-mini/internal/store"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

var (
	sessionsBucket = []byte("sessions")
	openBucket     = []byte("open_by_owner_lab")  // owner \x00 lab -> id
	expiryBucket   = []byte("active_by_expiry")   // be64(expiresAt) id -> nil
	pendingBucket  = []byte("pending_by_created") // be64(createdAt) id -> nil
)

// Store implements store.Store on top of a single bbolt file. bbolt allows a
// single writer at a time, which makes every Update a compare-and-set.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the bolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, openBucket, expiryBucket, pendingBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the BoltDB database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, draft models.Session, limits store.Limits) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if draft.ID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	stored := draft.Clone()
	stored.Status = models.StatusPending
	stored.CreatedAt = stored.CreatedAt.UTC()

	var existing *models.Session
	err := s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		if sessions.Get([]byte(stored.ID)) != nil {
			return fmt.Errorf("session %s already stored", stored.ID)
		}
		if id := tx.Bucket(openBucket).Get(openKey(stored.OwnerID, stored.LabRef)); id != nil {
			sess, err := load(sessions, id)
			if err != nil {
				return err
			}
			existing = sess
			return store.ErrConflict
		}
		if limits.PerOwner > 0 && countOpen(tx, stored.OwnerID) >= limits.PerOwner {
			return &store.CapacityError{Scope: store.ScopeOwner, Limit: limits.PerOwner}
		}
		if limits.Global > 0 && countOpen(tx, "") >= limits.Global {
			return &store.CapacityError{Scope: store.ScopeGlobal, Limit: limits.Global}
		}
		return put(tx, nil, stored)
	})
	if err != nil {
		return existing, err
	}
	return stored.Clone(), nil
}

func (s *Store) Transition(ctx context.Context, id string, expected models.SessionStatus, update store.Update) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result *models.Session
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := load(tx.Bucket(sessionsBucket), []byte(id))
		if err != nil {
			return err
		}
		if current.Status != expected || !update.Guard(current) {
			result = current
			return store.ErrStaleTransition
		}
		next := current.Clone()
		update.Apply(next)
		if err := put(tx, current, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

func (s *Store) Get(ctx context.Context, id string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sess *models.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		sess, err = load(tx.Bucket(sessionsBucket), []byte(id))
		return err
	})
	return sess, err
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*models.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var sess models.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
			if sess.OwnerID == ownerID {
				out = append(out, &sess)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) FindOpen(ctx context.Context, ownerID, labRef string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sess *models.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(openBucket).Get(openKey(ownerID, labRef))
		if id == nil {
			return store.ErrNotFound
		}
		var err error
		sess, err = load(tx.Bucket(sessionsBucket), id)
		return err
	})
	return sess, err
}

func (s *Store) ListActiveExpiring(ctx context.Context, before time.Time) iter.Seq2[*models.Session, error] {
	return s.scanIndex(ctx, expiryBucket, before)
}

func (s *Store) ListPendingStale(ctx context.Context, createdBefore time.Time) iter.Seq2[*models.Session, error] {
	return s.scanIndex(ctx, pendingBucket, createdBefore)
}

// scanIndex walks a time-ordered index one page per read transaction, so
// writers are never blocked by a long sweep.
func (s *Store) scanIndex(ctx context.Context, bucket []byte, bound time.Time) iter.Seq2[*models.Session, error] {
	return func(yield func(*models.Session, error) bool) {
		limit := timeKey(bound, "\xff")
		var after []byte
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			var page []*models.Session
			err := s.db.View(func(tx *bolt.Tx) error {
				sessions := tx.Bucket(sessionsBucket)
				c := tx.Bucket(bucket).Cursor()
				var k []byte
				if after == nil {
					k, _ = c.First()
				} else {
					k, _ = c.Seek(after)
					if bytes.Equal(k, after) {
						k, _ = c.Next()
					}
				}
				for ; k != nil && bytes.Compare(k, limit) <= 0 && len(page) < store.PageSize; k, _ = c.Next() {
					sess, err := load(sessions, k[8:])
					if err != nil {
						return err
					}
					page = append(page, sess)
					after = append([]byte(nil), k...)
				}
				return nil
			})
			if err != nil {
				yield(nil, err)
				return
			}
			for _, sess := range page {
				if !yield(sess, nil) {
					return
				}
			}
			if len(page) < store.PageSize {
				return
			}
		}
	}
}

func (s *Store) CountActive(ctx context.Context, ownerID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = countOpen(tx, ownerID)
		return nil
	})
	return n, err
}

func countOpen(tx *bolt.Tx, ownerID string) int {
	c := tx.Bucket(openBucket).Cursor()
	n := 0
	if ownerID == "" {
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		return n
	}
	prefix := append([]byte(ownerID), 0)
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		n++
	}
	return n
}

// put writes next and moves its index entries away from prev.
func put(tx *bolt.Tx, prev, next *models.Session) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := tx.Bucket(sessionsBucket).Put([]byte(next.ID), data); err != nil {
		return err
	}
	if prev != nil {
		if err := unindex(tx, prev); err != nil {
			return err
		}
	}
	return index(tx, next)
}

func index(tx *bolt.Tx, sess *models.Session) error {
	if sess.Status.HoldsSlot() {
		if err := tx.Bucket(openBucket).Put(openKey(sess.OwnerID, sess.LabRef), []byte(sess.ID)); err != nil {
			return err
		}
	}
	switch sess.Status {
	case models.StatusPending:
		return tx.Bucket(pendingBucket).Put(timeKey(sess.CreatedAt, sess.ID), nil)
	case models.StatusActive:
		if sess.ExpiresAt != nil {
			return tx.Bucket(expiryBucket).Put(timeKey(*sess.ExpiresAt, sess.ID), nil)
		}
	}
	return nil
}

func unindex(tx *bolt.Tx, sess *models.Session) error {
	if sess.Status.HoldsSlot() {
		if err := tx.Bucket(openBucket).Delete(openKey(sess.OwnerID, sess.LabRef)); err != nil {
			return err
		}
	}
	switch sess.Status {
	case models.StatusPending:
		return tx.Bucket(pendingBucket).Delete(timeKey(sess.CreatedAt, sess.ID))
	case models.StatusActive:
		if sess.ExpiresAt != nil {
			return tx.Bucket(expiryBucket).Delete(timeKey(*sess.ExpiresAt, sess.ID))
		}
	}
	return nil
}

func load(b *bolt.Bucket, id []byte) (*models.Session, error) {
	data := b.Get(id)
	if data == nil {
		return nil, store.ErrNotFound
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func openKey(ownerID, labRef string) []byte {
	return []byte(ownerID + "\x00" + labRef)
}

func timeKey(t time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(t.UTC().UnixNano()))
	return append(key, id...)
}

var _ store.Store = (*Store)(nil)
