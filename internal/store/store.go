package store

import (
	"context"
	"errors"
	"time"

	"github.com/gatherkit/gatherd/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session closed")
	ErrCapacityReached   = errors.New("capacity reached")
	ErrAlreadyJoined     = errors.New("already joined")
	ErrNotParticipant    = errors.New("not a participant")
	ErrAlreadyWaitlisted = errors.New("already waitlisted")
	ErrPredicateFailed   = errors.New("predicate failed")
	ErrConflict          = errors.New("concurrent modification conflict")
)

// SessionFilter narrows ListSessions results.
type SessionFilter struct {
	Status    models.SessionStatus
	CreatorID string
	Limit     int
}

// SessionStore persists sessions and evaluates every mutation as a
// predicate-gated write. Each mutating method carries its preconditions into
// the storage layer so they are checked atomically against the current
// record; callers never re-validate in application memory between a read and
// a write. A method whose predicate does not hold returns one of the sentinel
// errors above, ErrConflict is the only retryable failure.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error)

	// AddParticipant atomically appends an ACTIVE participant and increments
	// the count, flipping OPEN to FULL when the last slot is taken. The
	// predicate requires: session exists, status OPEN, count below capacity,
	// and no ACTIVE participant for userID.
	AddParticipant(ctx context.Context, sessionID, userID string, now time.Time) (*models.Session, error)

	// RemoveParticipant atomically marks the ACTIVE participant LEFT and
	// decrements the count, flipping FULL back to OPEN. The predicate
	// requires a non-terminal session with an ACTIVE participant for userID.
	RemoveParticipant(ctx context.Context, sessionID, userID string, now time.Time) (*models.Session, error)

	// TransitionStatus moves the session to the target status only if its
	// current status is in from. The stamp records which terminal timestamp
	// column to set; StampNone for non-terminal targets.
	TransitionStatus(ctx context.Context, sessionID string, from []models.SessionStatus, to models.SessionStatus, stamp TerminalStamp, now time.Time) (*models.Session, error)

	// EnqueueWaitlist appends a WAITING entry with position max+1, assigned
	// atomically so concurrent enqueues never share a position. The predicate
	// requires a FULL session and no ACTIVE participation or WAITING entry
	// for userID.
	EnqueueWaitlist(ctx context.Context, sessionID, userID string, expiresAt, now time.Time) (*models.WaitlistEntry, error)

	// ResolveWaitlistEntry moves a WAITING entry to PROMOTED, EXPIRED or
	// CANCELLED.
	ResolveWaitlistEntry(ctx context.Context, sessionID, userID string, to models.WaitlistStatus, now time.Time) error

	// NextWaitingEntry returns the lowest-position WAITING entry that has not
	// expired by now, or nil when the waitlist is empty.
	NextWaitingEntry(ctx context.Context, sessionID string, now time.Time) (*models.WaitlistEntry, error)

	// ExpireWaitlistEntries marks WAITING entries past their expiry as
	// EXPIRED and returns how many were marked. Expiry is applied lazily,
	// during promotion, rather than by a dedicated background task.
	ExpireWaitlistEntries(ctx context.Context, sessionID string, now time.Time) (int, error)

	// FindExpired returns sessions whose end time has passed and whose status
	// is not yet terminal. Used by the expiry sweep; the same session keeps
	// matching until it is successfully ended, so failed transitions are
	// retried on the next sweep.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*models.Session, error)
}

// TerminalStamp selects which set-once timestamp a terminal transition
// records. The three stamps are mutually exclusive on a session.
type TerminalStamp int

const (
	StampNone TerminalStamp = iota
	StampEnded
	StampCompleted
	StampCancelled
)
