package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusOpen      SessionStatus = "OPEN"
	SessionStatusFull      SessionStatus = "FULL"
	SessionStatusEnded     SessionStatus = "ENDED"
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

// IsTerminal reports whether the status has no outgoing transitions.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusEnded || s == SessionStatusCancelled
}

// ParticipantStatus tracks whether a participant is currently in the session.
type ParticipantStatus string

const (
	ParticipantStatusActive ParticipantStatus = "ACTIVE"
	ParticipantStatusLeft   ParticipantStatus = "LEFT"
)

// WaitlistStatus tracks the outcome of a queued join request.
type WaitlistStatus string

const (
	WaitlistStatusWaiting   WaitlistStatus = "WAITING"
	WaitlistStatusPromoted  WaitlistStatus = "PROMOTED"
	WaitlistStatusExpired   WaitlistStatus = "EXPIRED"
	WaitlistStatusCancelled WaitlistStatus = "CANCELLED"
)

// Session is a capacity-limited, time-bounded shared activity.
// CurrentCount always equals the number of ACTIVE participants and never
// exceeds CapacityMax; the status is FULL exactly when the session is at
// capacity and not terminal.
type Session struct {
	ID          string // UUIDv7
	Title       string
	Description string
	CreatorID   string

	CapacityMax  int
	CurrentCount int
	Status       SessionStatus

	StartTime time.Time
	EndTime   time.Time

	// Exactly one of these is set once the session reaches a terminal
	// status: EndedAt for expiry, CompletedAt for creator completion,
	// CancelledAt for cancellation.
	EndedAt     *time.Time
	CancelledAt *time.Time
	CompletedAt *time.Time

	Participants []Participant
	Waitlist     []WaitlistEntry

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasEnded reports whether the session's time window has elapsed.
func (s *Session) HasEnded(now time.Time) bool {
	return !s.EndTime.After(now)
}

// IsFull reports whether the session is at capacity.
func (s *Session) IsFull() bool {
	return s.CurrentCount >= s.CapacityMax
}

// ActiveParticipant returns the ACTIVE participant for userID, or nil.
func (s *Session) ActiveParticipant(userID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID && s.Participants[i].Status == ParticipantStatusActive {
			return &s.Participants[i]
		}
	}
	return nil
}

// WaitingEntry returns the WAITING waitlist entry for userID, or nil.
func (s *Session) WaitingEntry(userID string) *WaitlistEntry {
	for i := range s.Waitlist {
		if s.Waitlist[i].UserID == userID && s.Waitlist[i].Status == WaitlistStatusWaiting {
			return &s.Waitlist[i]
		}
	}
	return nil
}

// Participant is a user currently or formerly joined to a session.
// Participants are never removed; leaving soft-transitions the record to LEFT
// so history survives for downstream reporting.
type Participant struct {
	UserID   string
	Status   ParticipantStatus
	JoinedAt time.Time
	LeftAt   *time.Time
}

// WaitlistEntry is a queued join request against a full session. Positions
// are assigned monotonically at enqueue time and never reused.
type WaitlistEntry struct {
	UserID    string
	Position  int
	Status    WaitlistStatus
	ExpiresAt time.Time
	CreatedAt time.Time
}
