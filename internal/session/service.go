package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gatherkit/gatherd/internal/clock"
	"github.com/gatherkit/gatherd/internal/events"
	"github.com/gatherkit/gatherd/internal/models"
	"github.com/gatherkit/gatherd/internal/store"
	"github.com/gatherkit/gatherd/internal/telemetry"
)

// Service is the boundary the API layer talks to. It owns session CRUD and
// composes the CapacityController and LifecycleManager so every state change
// funnels through one authoritative set of invariants. Creator-only actions
// (cancel, complete, delete) are authorized here, above the concurrency
// core.
type Service struct {
	store     store.SessionStore
	capacity  *CapacityController
	lifecycle *LifecycleManager
	publisher events.Publisher
	clock     clock.Clock
}

// NewService wires the service from its collaborators.
func NewService(sessionStore store.SessionStore, publisher events.Publisher, clk clock.Clock, opts ...CapacityOption) *Service {
	return &Service{
		store:     sessionStore,
		capacity:  NewCapacityController(sessionStore, publisher, clk, opts...),
		lifecycle: NewLifecycleManager(sessionStore, publisher, clk),
		publisher: publisher,
		clock:     clk,
	}
}

// ValidationError reports an invalid field on a create request.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// Create validates and persists a new session. The creator joins as the
// first ACTIVE participant.
func (s *Service) Create(ctx context.Context, in models.Session) (*models.Session, error) {
	if in.Title == "" {
		return nil, &ValidationError{Field: "title", Detail: "required"}
	}
	if in.CreatorID == "" {
		return nil, &ValidationError{Field: "creator_id", Detail: "required"}
	}
	if in.CapacityMax < 1 {
		return nil, &ValidationError{Field: "capacity_max", Detail: "must be at least 1"}
	}
	if !in.EndTime.After(in.StartTime) {
		return nil, &ValidationError{Field: "end_time", Detail: "must be after start_time"}
	}

	now := s.clock.Now()
	session := &models.Session{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Title:        in.Title,
		Description:  in.Description,
		CreatorID:    in.CreatorID,
		CapacityMax:  in.CapacityMax,
		CurrentCount: 1,
		Status:       models.SessionStatusOpen,
		StartTime:    in.StartTime,
		EndTime:      in.EndTime,
		Participants: []models.Participant{{
			UserID:   in.CreatorID,
			Status:   models.ParticipantStatusActive,
			JoinedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if session.CurrentCount >= session.CapacityMax {
		session.Status = models.SessionStatusFull
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, mapStoreError(err, session.ID)
	}

	telemetry.GetMetrics().SessionsCreatedTotal.Add(ctx, 1)
	s.publisher.Publish(ctx, session.ID, events.KindCreated, map[string]any{
		"creator_id":   session.CreatorID,
		"capacity_max": session.CapacityMax,
	})

	return session, nil
}

// Get returns the session snapshot.
func (s *Service) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, mapStoreError(err, sessionID)
	}
	return session, nil
}

// List returns sessions matching the filter.
func (s *Service) List(ctx context.Context, filter store.SessionFilter) ([]*models.Session, error) {
	return s.store.ListSessions(ctx, filter)
}

// Delete hard-deletes a session. Creator only; this is the one operation
// that removes history.
func (s *Service) Delete(ctx context.Context, sessionID, actorID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return mapStoreError(err, sessionID)
	}
	if session.CreatorID != actorID {
		return &ForbiddenError{Reason: "only the creator can delete a session"}
	}

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return mapStoreError(err, sessionID)
	}

	log.Info().Str("session_id", sessionID).Str("actor_id", actorID).Msg("Session deleted")
	return nil
}

// Join adds the user to the session.
func (s *Service) Join(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	return s.capacity.Join(ctx, sessionID, userID)
}

// Leave removes the user and triggers waitlist promotion.
func (s *Service) Leave(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	return s.capacity.Leave(ctx, sessionID, userID)
}

// EnqueueWaitlist queues the user for a slot in a full session.
func (s *Service) EnqueueWaitlist(ctx context.Context, sessionID, userID string) (*models.WaitlistEntry, error) {
	return s.capacity.EnqueueWaitlist(ctx, sessionID, userID)
}

// CheckJoinEligibility answers whether the user could join right now.
func (s *Service) CheckJoinEligibility(ctx context.Context, sessionID, userID string) (Eligibility, error) {
	return s.capacity.CheckJoinEligibility(ctx, sessionID, userID)
}

// Cancel cancels the session on behalf of its creator.
func (s *Service) Cancel(ctx context.Context, sessionID, actorID string) (*models.Session, error) {
	if err := s.requireCreator(ctx, sessionID, actorID, "cancel"); err != nil {
		return nil, err
	}
	return s.lifecycle.Cancel(ctx, sessionID, actorID)
}

// Complete ends the session early on behalf of its creator.
func (s *Service) Complete(ctx context.Context, sessionID, actorID string) (*models.Session, error) {
	if err := s.requireCreator(ctx, sessionID, actorID, "complete"); err != nil {
		return nil, err
	}
	return s.lifecycle.Complete(ctx, sessionID, actorID)
}

// Lifecycle exposes the lifecycle manager for the expiry sweep.
func (s *Service) Lifecycle() *LifecycleManager {
	return s.lifecycle
}

func (s *Service) requireCreator(ctx context.Context, sessionID, actorID, action string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return mapStoreError(err, sessionID)
	}
	if session.CreatorID != actorID {
		return &ForbiddenError{Reason: fmt.Sprintf("only the creator can %s a session", action)}
	}
	return nil
}
