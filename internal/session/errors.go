package session

import (
	"errors"
	"fmt"

	"github.com/gatherkit/gatherd/internal/models"
	"github.com/gatherkit/gatherd/internal/store"
)

// ConflictReason is the machine-readable cause carried by a ConflictError.
type ConflictReason string

const (
	ReasonCapacityReached   ConflictReason = "capacity_reached"
	ReasonAlreadyJoined     ConflictReason = "already_joined"
	ReasonNotParticipant    ConflictReason = "not_participant"
	ReasonSessionClosed     ConflictReason = "session_closed"
	ReasonAlreadyWaitlisted ConflictReason = "already_waitlisted"
	ReasonNotFull           ConflictReason = "session_not_full"
	ReasonRetriesExhausted  ConflictReason = "conflict_retries_exhausted"
)

// NotFoundError indicates the session or participant does not exist. Not
// retryable; surfaced as a client error.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ConflictError indicates the operation lost to the session's current state
// or to a concurrent mutation. Retryable by the caller.
type ConflictError struct {
	Reason ConflictReason
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Reason)
}

// InvalidTransitionError indicates an illegal lifecycle edge. A business
// rule violation, never retried.
type InvalidTransitionError struct {
	From models.SessionStatus
	To   models.SessionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// ForbiddenError indicates the actor is not allowed to perform the action.
// Ownership checks live in the calling layer; the core only validates state
// legality.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Reason)
}

// mapStoreError translates store sentinels into the service error taxonomy.
func mapStoreError(err error, sessionID string) error {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return &NotFoundError{Resource: "session", ID: sessionID}
	case errors.Is(err, store.ErrCapacityReached):
		return &ConflictError{Reason: ReasonCapacityReached}
	case errors.Is(err, store.ErrAlreadyJoined):
		return &ConflictError{Reason: ReasonAlreadyJoined}
	case errors.Is(err, store.ErrNotParticipant):
		return &ConflictError{Reason: ReasonNotParticipant}
	case errors.Is(err, store.ErrSessionClosed):
		return &ConflictError{Reason: ReasonSessionClosed}
	case errors.Is(err, store.ErrAlreadyWaitlisted):
		return &ConflictError{Reason: ReasonAlreadyWaitlisted}
	case errors.Is(err, store.ErrConflict):
		return &ConflictError{Reason: ReasonRetriesExhausted}
	default:
		return err
	}
}
