// Package sqlite provides the SQLite-backed session store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shehryarbajwa/workshop-mini/internal/store"
	"github.com/shehryarbajwa/workshop-mini/internal/store/sqlite/migrations"
	"github.com/shehryarbajwa/workshop-mini/internal/store/sqlitemigrate"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

const sessionColumns = `id, owner_id, lab_ref, instance_id, status, access_endpoint, created_at, started_at, expires_at, ended_at`

// Store persists sessions in one SQLite table. Writers use immediate
// transactions so cap checks and inserts are serialized by the database.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a session SQLite store and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Create(ctx context.Context, draft models.Session, limits store.Limits) (*models.Session, error) {
	if draft.ID == "" || draft.InstanceID == "" {
		return nil, fmt.Errorf("session and instance id are required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanSession(tx.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE owner_id = ? AND lab_ref = ? AND status IN ('pending', 'active')
LIMIT 1`, draft.OwnerID, draft.LabRef))
	switch {
	case err == nil:
		return existing, store.ErrConflict
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("find open session: %w", err)
	}

	if limits.PerOwner > 0 {
		n, err := countSlots(ctx, tx, draft.OwnerID)
		if err != nil {
			return nil, err
		}
		if n >= limits.PerOwner {
			return nil, &store.CapacityError{Scope: store.ScopeOwner, Limit: limits.PerOwner}
		}
	}
	if limits.Global > 0 {
		n, err := countSlots(ctx, tx, "")
		if err != nil {
			return nil, err
		}
		if n >= limits.Global {
			return nil, &store.CapacityError{Scope: store.ScopeGlobal, Limit: limits.Global}
		}
	}

	createdAt := draft.CreatedAt.UTC()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions (id, owner_id, lab_ref, instance_id, status, access_endpoint, created_at)
VALUES (?, ?, ?, ?, ?, '', ?)`,
		draft.ID, draft.OwnerID, draft.LabRef, draft.InstanceID, string(models.StatusPending), createdAt.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}

	stored := draft.Clone()
	stored.Status = models.StatusPending
	stored.CreatedAt = time.UnixMilli(createdAt.UnixMilli()).UTC()
	stored.AccessEndpoint = ""
	stored.StartedAt, stored.ExpiresAt, stored.EndedAt = nil, nil, nil
	return stored, nil
}

func (s *Store) Transition(ctx context.Context, id string, expected models.SessionStatus, update store.Update) (*models.Session, error) {
	var endpoint sql.NullString
	if update.AccessEndpoint != nil {
		endpoint = sql.NullString{String: *update.AccessEndpoint, Valid: true}
	}

	updated, err := scanSession(s.sqlDB.QueryRowContext(ctx, `
UPDATE sessions SET
	status = ?,
	access_endpoint = COALESCE(?, access_endpoint),
	started_at = COALESCE(?, started_at),
	expires_at = COALESCE(?, expires_at),
	ended_at = COALESCE(?, ended_at)
WHERE id = ? AND status = ?
	AND (? IS NULL OR (expires_at IS NOT NULL AND expires_at <= ?))
	AND (? IS NULL OR expires_at = ?)
RETURNING `+sessionColumns,
		string(update.Status),
		endpoint,
		toMillis(update.StartedAt),
		toMillis(update.ExpiresAt),
		toMillis(update.EndedAt),
		id,
		string(expected),
		toMillis(update.IfExpiredBy),
		toMillis(update.IfExpiredBy),
		toMillis(update.IfExpiresAt),
		toMillis(update.IfExpiresAt),
	))
	switch {
	case err == nil:
		return updated, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("transition session: %w", err)
	}

	// No row matched: either the id is unknown or a guard failed.
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return current, store.ErrStaleTransition
}

func (s *Store) Get(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, err
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*models.Session, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE owner_id = ?
ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collect(rows)
}

func (s *Store) FindOpen(ctx context.Context, ownerID, labRef string) (*models.Session, error) {
	sess, err := scanSession(s.sqlDB.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE owner_id = ? AND lab_ref = ? AND status IN ('pending', 'active')
LIMIT 1`, ownerID, labRef))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find open session: %w", err)
	}
	return sess, err
}

// ListActiveExpiring pages through the (status, expires_at) index so no
// cursor stays open while the caller transitions rows.
func (s *Store) ListActiveExpiring(ctx context.Context, before time.Time) iter.Seq2[*models.Session, error] {
	return s.paginate(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE status = 'active' AND expires_at <= ? AND (expires_at > ? OR (expires_at = ? AND id > ?))
ORDER BY expires_at, id
LIMIT ?`, before.UTC().UnixMilli(), func(s *models.Session) int64 { return s.ExpiresAt.UnixMilli() })
}

func (s *Store) ListPendingStale(ctx context.Context, createdBefore time.Time) iter.Seq2[*models.Session, error] {
	return s.paginate(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE status = 'pending' AND created_at <= ? AND (created_at > ? OR (created_at = ? AND id > ?))
ORDER BY created_at, id
LIMIT ?`, createdBefore.UTC().UnixMilli(), func(s *models.Session) int64 { return s.CreatedAt.UnixMilli() })
}

func (s *Store) paginate(ctx context.Context, query string, bound int64, key func(*models.Session) int64) iter.Seq2[*models.Session, error] {
	return func(yield func(*models.Session, error) bool) {
		var (
			lastKey int64 = -1 << 62
			lastID  string
		)
		for {
			rows, err := s.sqlDB.QueryContext(ctx, query, bound, lastKey, lastKey, lastID, store.PageSize)
			if err != nil {
				yield(nil, fmt.Errorf("list sessions page: %w", err))
				return
			}
			page, err := collect(rows)
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
			last := page[len(page)-1]
			lastKey, lastID = key(last), last.ID
		}
	}
}

func (s *Store) CountActive(ctx context.Context, ownerID string) (int, error) {
	return countSlots(ctx, s.sqlDB, ownerID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countSlots(ctx context.Context, q queryer, ownerID string) (int, error) {
	var (
		n   int
		err error
	)
	if ownerID == "" {
		err = q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE status IN ('pending', 'active')`).Scan(&n)
	} else {
		err = q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE owner_id = ? AND status IN ('pending', 'active')`, ownerID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		sess                          models.Session
		status                        string
		createdAt                     int64
		startedAt, expiresAt, endedAt sql.NullInt64
	)
	if err := row.Scan(
		&sess.ID,
		&sess.OwnerID,
		&sess.LabRef,
		&sess.InstanceID,
		&status,
		&sess.AccessEndpoint,
		&createdAt,
		&startedAt,
		&expiresAt,
		&endedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = models.SessionStatus(status)
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	sess.StartedAt = fromMillis(startedAt)
	sess.ExpiresAt = fromMillis(expiresAt)
	sess.EndedAt = fromMillis(endedAt)
	return &sess, nil
}

func collect(rows *sql.Rows) ([]*models.Session, error) {
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

var _ store.Store = (*Store)(nil)
