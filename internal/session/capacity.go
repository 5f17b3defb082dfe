package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/gatherkit/gatherd/internal/clock"
	"github.com/gatherkit/gatherd/internal/events"
	"github.com/gatherkit/gatherd/internal/models"
	"github.com/gatherkit/gatherd/internal/store"
	"github.com/gatherkit/gatherd/internal/telemetry"
)

const (
	// conditionalWriteAttempts bounds retries when a conditional write loses
	// to concurrent contention (serialization failures, position races).
	// Predicate failures are final and never retried.
	conditionalWriteAttempts = 3

	defaultWaitlistTTL = 30 * time.Minute
)

// CapacityController performs atomic joins and leaves against a session.
// Safety comes entirely from the store's predicate-gated writes: the
// controller holds no lock and never re-checks preconditions in application
// memory between a read and a write.
type CapacityController struct {
	store       store.SessionStore
	publisher   events.Publisher
	clock       clock.Clock
	waitlistTTL time.Duration
}

// CapacityOption customizes a CapacityController.
type CapacityOption func(*CapacityController)

// WithWaitlistTTL overrides how long a waitlist entry stays promotable.
func WithWaitlistTTL(d time.Duration) CapacityOption {
	return func(c *CapacityController) {
		if d > 0 {
			c.waitlistTTL = d
		}
	}
}

// NewCapacityController creates a capacity controller.
func NewCapacityController(sessionStore store.SessionStore, publisher events.Publisher, clk clock.Clock, opts ...CapacityOption) *CapacityController {
	c := &CapacityController{
		store:       sessionStore,
		publisher:   publisher,
		clock:       clk,
		waitlistTTL: defaultWaitlistTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join adds the user as an ACTIVE participant. The entire precondition set
// (session OPEN, below capacity, user not already ACTIVE) travels into one
// conditional store write; only contention failures are retried, and only a
// bounded number of times.
func (c *CapacityController) Join(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	session, err := c.retryConditional(ctx, func() (*models.Session, error) {
		return c.store.AddParticipant(ctx, sessionID, userID, c.clock.Now())
	})
	if err != nil {
		mapped := mapStoreError(err, sessionID)
		var conflict *ConflictError
		if errors.As(mapped, &conflict) {
			telemetry.GetMetrics().JoinConflictsTotal.Add(ctx, 1)
		}
		return nil, mapped
	}

	telemetry.GetMetrics().JoinsTotal.Add(ctx, 1)
	c.publisher.Publish(ctx, sessionID, events.KindJoined, map[string]any{
		"user_id":       userID,
		"current_count": session.CurrentCount,
	})
	if session.Status == models.SessionStatusFull {
		c.publisher.Publish(ctx, sessionID, events.KindStatusChanged, map[string]any{
			"status": string(models.SessionStatusFull),
		})
	}

	return session, nil
}

// Leave marks the user's participation LEFT, then runs one best-effort
// waitlist promotion cascade before returning. Promotion is deliberately not
// serialized with new joins: a freshly opened slot goes to whichever
// conditional write lands first.
func (c *CapacityController) Leave(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	session, err := c.retryConditional(ctx, func() (*models.Session, error) {
		return c.store.RemoveParticipant(ctx, sessionID, userID, c.clock.Now())
	})
	if err != nil {
		return nil, mapStoreError(err, sessionID)
	}

	telemetry.GetMetrics().LeavesTotal.Add(ctx, 1)
	c.publisher.Publish(ctx, sessionID, events.KindLeft, map[string]any{
		"user_id":       userID,
		"current_count": session.CurrentCount,
	})
	if session.Status == models.SessionStatusOpen && session.CurrentCount == session.CapacityMax-1 {
		c.publisher.Publish(ctx, sessionID, events.KindStatusChanged, map[string]any{
			"status": string(models.SessionStatusOpen),
		})
	}

	c.promoteNext(ctx, sessionID)

	// Return the post-promotion snapshot so the caller sees the final count.
	updated, getErr := c.store.GetSession(ctx, sessionID)
	if getErr != nil {
		return session, nil
	}
	return updated, nil
}

// promoteNext runs at most one promotion cascade: expired entries are marked
// in passing, then WAITING entries are tried in position order until one
// claims the slot or the slot is gone. Entries skipped here stay WAITING for
// the next opportunity.
func (c *CapacityController) promoteNext(ctx context.Context, sessionID string) {
	now := c.clock.Now()

	if _, err := c.store.ExpireWaitlistEntries(ctx, sessionID, now); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to expire waitlist entries")
	}

	for {
		entry, err := c.store.NextWaitingEntry(ctx, sessionID, c.clock.Now())
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to select waitlist candidate")
			return
		}
		if entry == nil {
			return
		}

		_, joinErr := c.store.AddParticipant(ctx, sessionID, entry.UserID, c.clock.Now())
		if joinErr == nil {
			if err := c.store.ResolveWaitlistEntry(ctx, sessionID, entry.UserID, models.WaitlistStatusPromoted, c.clock.Now()); err != nil {
				log.Warn().Err(err).
					Str("session_id", sessionID).
					Str("user_id", entry.UserID).
					Msg("Promoted participant but failed to resolve waitlist entry")
			}
			telemetry.GetMetrics().PromotionsTotal.Add(ctx, 1)
			log.Info().
				Str("session_id", sessionID).
				Str("user_id", entry.UserID).
				Int("position", entry.Position).
				Msg("Promoted waitlist entry")
			c.publisher.Publish(ctx, sessionID, events.KindJoined, map[string]any{
				"user_id":  entry.UserID,
				"promoted": true,
			})
			return
		}

		telemetry.GetMetrics().PromotionFailures.Add(ctx, 1)

		switch {
		case errors.Is(joinErr, store.ErrAlreadyJoined):
			// The user got in on their own; the entry is moot.
			if err := c.store.ResolveWaitlistEntry(ctx, sessionID, entry.UserID, models.WaitlistStatusCancelled, c.clock.Now()); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Str("user_id", entry.UserID).Msg("Failed to cancel moot waitlist entry")
			}
			continue
		case errors.Is(joinErr, store.ErrCapacityReached), errors.Is(joinErr, store.ErrSessionClosed):
			// The freed slot was claimed by a regular joiner or the session
			// reached a terminal state; an accepted race, not a defect.
			log.Debug().
				Str("session_id", sessionID).
				Str("user_id", entry.UserID).
				Msg("Promotion lost the freed slot")
			return
		default:
			log.Warn().Err(joinErr).
				Str("session_id", sessionID).
				Str("user_id", entry.UserID).
				Msg("Promotion attempt failed")
			return
		}
	}
}

// EnqueueWaitlist queues the user for the next freed slot. Only legal when
// the session is FULL and the user holds neither an ACTIVE participation nor
// a WAITING entry.
func (c *CapacityController) EnqueueWaitlist(ctx context.Context, sessionID, userID string) (*models.WaitlistEntry, error) {
	now := c.clock.Now()
	entry, err := c.retryConditionalEntry(ctx, func() (*models.WaitlistEntry, error) {
		return c.store.EnqueueWaitlist(ctx, sessionID, userID, now.Add(c.waitlistTTL), now)
	})
	if err != nil {
		if errors.Is(err, store.ErrPredicateFailed) {
			return nil, &ConflictError{Reason: ReasonNotFull}
		}
		return nil, mapStoreError(err, sessionID)
	}

	telemetry.GetMetrics().WaitlistEnqueued.Add(ctx, 1)
	return entry, nil
}

// Eligibility is the read-only answer for whether a user could join.
type Eligibility struct {
	CanJoin bool     `json:"can_join"`
	Reasons []string `json:"reasons,omitempty"`
}

// CheckJoinEligibility evaluates the join preconditions without mutating.
// The answer is advisory; the authoritative check is the join's conditional
// write.
func (c *CapacityController) CheckJoinEligibility(ctx context.Context, sessionID, userID string) (Eligibility, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return Eligibility{}, mapStoreError(err, sessionID)
	}

	var reasons []string
	if session.Status.IsTerminal() {
		reasons = append(reasons, string(ReasonSessionClosed))
	}
	if session.ActiveParticipant(userID) != nil {
		reasons = append(reasons, string(ReasonAlreadyJoined))
	}
	if !session.Status.IsTerminal() && session.IsFull() {
		reasons = append(reasons, string(ReasonCapacityReached))
	}

	return Eligibility{CanJoin: len(reasons) == 0, Reasons: reasons}, nil
}

// retryConditional reissues a conditional session write when it loses to
// concurrent contention. The store's predicate remains the single source of
// truth: nothing is re-validated here, the same write is simply submitted
// again, at most conditionalWriteAttempts times.
func (c *CapacityController) retryConditional(ctx context.Context, operation func() (*models.Session, error)) (*models.Session, error) {
	return backoff.Retry(ctx, func() (*models.Session, error) {
		session, err := operation()
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				telemetry.GetMetrics().ConflictRetryTotal.Add(ctx, 1)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return session, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(conditionalWriteAttempts),
	)
}

func (c *CapacityController) retryConditionalEntry(ctx context.Context, operation func() (*models.WaitlistEntry, error)) (*models.WaitlistEntry, error) {
	return backoff.Retry(ctx, func() (*models.WaitlistEntry, error) {
		entry, err := operation()
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				telemetry.GetMetrics().ConflictRetryTotal.Add(ctx, 1)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return entry, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(conditionalWriteAttempts),
	)
}
