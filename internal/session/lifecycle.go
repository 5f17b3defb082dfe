package session

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/gatherkit/gatherd/internal/clock"
	"github.com/gatherkit/gatherd/internal/events"
	"github.com/gatherkit/gatherd/internal/models"
	"github.com/gatherkit/gatherd/internal/store"
	"github.com/gatherkit/gatherd/internal/telemetry"
)

// SystemActor labels transitions initiated by the service itself rather than
// a user, such as the expiry sweep.
const SystemActor = "system"

// transitions is the legal lifecycle edge set. Terminal states have no
// outgoing edges.
var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.SessionStatusOpen:      {models.SessionStatusFull, models.SessionStatusEnded, models.SessionStatusCancelled},
	models.SessionStatusFull:      {models.SessionStatusOpen, models.SessionStatusEnded, models.SessionStatusCancelled},
	models.SessionStatusEnded:     {},
	models.SessionStatusCancelled: {},
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to models.SessionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// legalSources returns every status with an edge to the target. Feeding the
// whole set into the store's conditional write makes edge validation part of
// the atomic predicate instead of an application-side check.
func legalSources(to models.SessionStatus) []models.SessionStatus {
	var sources []models.SessionStatus
	for from, targets := range transitions {
		for _, target := range targets {
			if target == to {
				sources = append(sources, from)
				break
			}
		}
	}
	return sources
}

// LifecycleManager enforces the session state machine. All status changes
// other than the OPEN<->FULL flips (which are side effects of joins and
// leaves) funnel through here.
type LifecycleManager struct {
	store     store.SessionStore
	publisher events.Publisher
	clock     clock.Clock
}

// NewLifecycleManager creates a lifecycle manager.
func NewLifecycleManager(sessionStore store.SessionStore, publisher events.Publisher, clk clock.Clock) *LifecycleManager {
	return &LifecycleManager{
		store:     sessionStore,
		publisher: publisher,
		clock:     clk,
	}
}

// Cancel transitions the session to CANCELLED on behalf of its creator.
// Whether the actor is allowed to cancel is the caller's concern; the edge
// legality is enforced here regardless of who asks.
func (m *LifecycleManager) Cancel(ctx context.Context, sessionID, actorID string) (*models.Session, error) {
	session, err := m.transition(ctx, sessionID, models.SessionStatusCancelled, store.StampCancelled, actorID)
	if err != nil {
		return nil, err
	}

	m.publish(ctx, sessionID, events.KindCancelled, map[string]any{"actor_id": actorID})
	return session, nil
}

// Complete transitions the session to ENDED ahead of its end time, on behalf
// of its creator.
func (m *LifecycleManager) Complete(ctx context.Context, sessionID, actorID string) (*models.Session, error) {
	session, err := m.transition(ctx, sessionID, models.SessionStatusEnded, store.StampCompleted, actorID)
	if err != nil {
		return nil, err
	}

	m.publish(ctx, sessionID, events.KindCompleted, map[string]any{"actor_id": actorID})
	return session, nil
}

// Expire transitions a session past its end time to ENDED. Used by the
// expiry sweep.
func (m *LifecycleManager) Expire(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := m.transition(ctx, sessionID, models.SessionStatusEnded, store.StampEnded, SystemActor)
	if err != nil {
		return nil, err
	}

	m.publish(ctx, sessionID, events.KindEnded, nil)
	return session, nil
}

// transition performs the conditional status change. The store evaluates
// "current status is a legal source for the target" atomically; a predicate
// failure on an existing session means the edge was illegal.
func (m *LifecycleManager) transition(ctx context.Context, sessionID string, to models.SessionStatus, stamp store.TerminalStamp, actor string) (*models.Session, error) {
	session, err := m.store.TransitionStatus(ctx, sessionID, legalSources(to), to, stamp, m.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrPredicateFailed) {
			telemetry.GetMetrics().InvalidTransitions.Add(ctx, 1)
			current, getErr := m.store.GetSession(ctx, sessionID)
			if getErr != nil {
				return nil, mapStoreError(getErr, sessionID)
			}
			return nil, &InvalidTransitionError{From: current.Status, To: to}
		}
		return nil, mapStoreError(err, sessionID)
	}

	telemetry.GetMetrics().TransitionsTotal.Add(ctx, 1)
	log.Info().
		Str("session_id", sessionID).
		Str("status", string(to)).
		Str("actor", actor).
		Msg("Lifecycle transition committed")

	m.publish(ctx, sessionID, events.KindStatusChanged, map[string]any{
		"status": string(to),
		"actor":  actor,
	})

	return session, nil
}

// publish is fire-and-forget; a publisher failure never affects the
// committed state change.
func (m *LifecycleManager) publish(ctx context.Context, sessionID string, kind events.Kind, payload map[string]any) {
	telemetry.GetMetrics().EventsPublishedTotal.Add(ctx, 1)
	m.publisher.Publish(ctx, sessionID, kind, payload)
}
