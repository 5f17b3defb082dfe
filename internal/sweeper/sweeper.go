package sweeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gatherkit/gatherd/internal/clock"
	"github.com/gatherkit/gatherd/internal/session"
	"github.com/gatherkit/gatherd/internal/store"
	"github.com/gatherkit/gatherd/internal/telemetry"
)

const (
	// DefaultInterval is how often the sweep scans for expired sessions.
	DefaultInterval = 5 * time.Minute

	defaultBatchLimit = 100
)

// ExpirySweeper drives sessions past their end time to ENDED through the
// lifecycle manager. Runs never overlap: the run state is a single atomic
// flag owned by the instance, checked and set at the start of each tick, so
// a tick arriving mid-run is skipped and reported rather than queued. The
// sweep is idempotent; a session that fails to transition still matches the
// expiry query and is retried on the next tick.
type ExpirySweeper struct {
	store     store.SessionStore
	lifecycle *session.LifecycleManager
	clock     clock.Clock
	interval  time.Duration
	limit     int

	running atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option customizes an ExpirySweeper.
type Option func(*ExpirySweeper)

// WithInterval overrides the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(s *ExpirySweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchLimit caps how many sessions a single run processes.
func WithBatchLimit(n int) Option {
	return func(s *ExpirySweeper) {
		if n > 0 {
			s.limit = n
		}
	}
}

// New creates an expiry sweeper.
func New(sessionStore store.SessionStore, lifecycle *session.LifecycleManager, clk clock.Clock, opts ...Option) *ExpirySweeper {
	s := &ExpirySweeper{
		store:     sessionStore,
		lifecycle: lifecycle,
		clock:     clk,
		interval:  DefaultInterval,
		limit:     defaultBatchLimit,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the periodic sweep loop.
func (s *ExpirySweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	log.Info().Dur("interval", s.interval).Msg("Expiry sweeper started")
}

// Stop halts the loop and waits for an in-flight run to finish.
func (s *ExpirySweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.Info().Msg("Expiry sweeper stopped")
}

func (s *ExpirySweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(context.Background()); err != nil && !errors.Is(err, ErrSweepInProgress) {
				log.Error().Err(err).Msg("Expiry sweep failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// ErrSweepInProgress is returned when a forced run finds another run in
// flight.
var ErrSweepInProgress = errors.New("sweep already in progress")

// RunOnce executes a single sweep. Safe to call manually for operational
// use; shares the overlap guard with the periodic loop. Returns the number
// of sessions transitioned to ENDED.
func (s *ExpirySweeper) RunOnce(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		telemetry.GetMetrics().SweepSkippedTotal.Add(ctx, 1)
		log.Warn().Msg("Skipping sweep tick, previous run still executing")
		return 0, ErrSweepInProgress
	}
	defer s.running.Store(false)

	started := time.Now()
	now := s.clock.Now()

	telemetry.GetMetrics().SweepRunsTotal.Add(ctx, 1)

	expired, err := s.store.FindExpired(ctx, now, s.limit)
	if err != nil {
		return 0, err
	}

	ended := 0
	for _, sess := range expired {
		if _, err := s.lifecycle.Expire(ctx, sess.ID); err != nil {
			// Logged and skipped; the session still matches the expiry
			// query, so the next tick retries it.
			telemetry.GetMetrics().SweepErrorsTotal.Add(ctx, 1)
			log.Warn().Err(err).
				Str("session_id", sess.ID).
				Msg("Failed to end expired session, will retry next sweep")
			continue
		}
		ended++
	}

	telemetry.GetMetrics().SessionsExpiredTotal.Add(ctx, int64(ended))
	telemetry.GetMetrics().SweepDuration.Record(ctx, float64(time.Since(started).Milliseconds()))

	if len(expired) > 0 {
		log.Info().
			Int("matched", len(expired)).
			Int("ended", ended).
			Msg("Expiry sweep completed")
	} else {
		log.Debug().Msg("Expiry sweep found no expired sessions")
	}

	return ended, nil
}
