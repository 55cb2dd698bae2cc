// Package sweeper reclaims sessions whose time is up: active sessions past
// their deadline become expired and pending sessions stuck past the
// provisioning grace period become failed.
package sweeper

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/workshop-mini/internal/apperrors"
	"github.com/shehryarbajwa/workshop-mini/internal/metrics"
	"github.com/shehryarbajwa/workshop-mini/internal/session"
	"github.com/shehryarbajwa/workshop-mini/internal/store"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

// Config controls the sweep cadence.
type Config struct {
	Interval    time.Duration
	Grace       time.Duration
	Concurrency int
}

// Stats summarizes one sweep.
type Stats struct {
	Expired int
	Failed  int
	Stale   int
	Errors  int
}

// Sweeper periodically scans the store and applies time-driven transitions.
type Sweeper struct {
	store   store.Store
	machine *session.Machine
	cfg     Config
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// New creates a sweeper
func New(s store.Store, machine *session.Machine, cfg Config, m *metrics.Collector, logger zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Sweeper{
		store:   s,
		machine: machine,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps once immediately and then every interval until ctx is done. It
// only returns ctx's error.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.cfg.Interval).Dur("grace", s.cfg.Grace).Msg("sweeper started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass over both candidate sets. Per-candidate failures are
// counted and logged; the next pass sees the same candidates again.
func (s *Sweeper) Sweep(ctx context.Context) Stats {
	begin := time.Now()
	now := s.machine.Now()

	var (
		mu    sync.Mutex
		stats Stats
	)
	record := func(err error, ok *int) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			*ok++
		case apperrors.HasCode(err, apperrors.CodeStaleTransition):
			stats.Stale++
		default:
			stats.Errors++
		}
	}

	s.each(ctx, "expire", s.store.ListActiveExpiring(ctx, now), func(sess *models.Session) {
		_, err := s.machine.Expire(ctx, sess.ID)
		if err != nil && !apperrors.HasCode(err, apperrors.CodeStaleTransition) {
			s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to expire session")
		}
		record(err, &stats.Expired)
	}, &mu, &stats)

	if s.cfg.Grace > 0 {
		s.each(ctx, "fail", s.store.ListPendingStale(ctx, now.Add(-s.cfg.Grace)), func(sess *models.Session) {
			_, err := s.machine.Fail(ctx, session.ActorSweeper, sess)
			if err != nil && !apperrors.HasCode(err, apperrors.CodeStaleTransition) {
				s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to fail stuck session")
			}
			record(err, &stats.Failed)
		}, &mu, &stats)
	}

	s.metrics.Sweep(time.Since(begin), stats.Errors)
	event := s.logger.Debug()
	if stats.Errors > 0 {
		event = s.logger.Warn()
	}
	event.Int("expired", stats.Expired).
		Int("failed", stats.Failed).
		Int("stale", stats.Stale).
		Int("errors", stats.Errors).
		Dur("took", time.Since(begin)).
		Msg("sweep finished")
	return stats
}

// each fans fn out over candidates, at most Concurrency at a time. A listing
// error ends this pass for the candidate set.
func (s *Sweeper) each(ctx context.Context, kind string, candidates iter.Seq2[*models.Session, error], fn func(*models.Session), mu *sync.Mutex, stats *Stats) {
	sem := semaphore.NewWeighted(int64(s.cfg.Concurrency))
	var wg sync.WaitGroup

	for sess, err := range candidates {
		if err != nil {
			s.logger.Warn().Err(err).Str("kind", kind).Msg("failed to list sweep candidates")
			mu.Lock()
			stats.Errors++
			mu.Unlock()
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(sess *models.Session) {
			defer wg.Done()
			defer sem.Release(1)
			fn(sess)
		}(sess)
	}
	wg.Wait()
}
