package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gatherkit/gatherd/internal/models"
	"github.com/gatherkit/gatherd/internal/store"
)

// SessionStore is an in-memory implementation of store.SessionStore for
// development and testing. A single mutex makes every mutation atomic, so
// each method evaluates the same predicate set the PostgreSQL statements
// carry, against the current record, with no window between check and write.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

var _ store.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*models.Session),
	}
}

// CreateSession stores a copy of the session.
func (s *SessionStore) CreateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return store.ErrConflict
	}

	s.sessions[session.ID] = copySession(session)
	return nil
}

// GetSession returns a copy of the session.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, store.ErrSessionNotFound
	}
	return copySession(session), nil
}

// DeleteSession removes the session and all owned records.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; !exists {
		return store.ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

// ListSessions returns sessions matching the filter, newest first.
func (s *SessionStore) ListSessions(ctx context.Context, filter store.SessionFilter) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*models.Session
	for _, session := range s.sessions {
		if filter.Status != "" && session.Status != filter.Status {
			continue
		}
		if filter.CreatorID != "" && session.CreatorID != filter.CreatorID {
			continue
		}
		result = append(result, copySession(session))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// AddParticipant evaluates the join predicate and mutates under the lock.
func (s *SessionStore) AddParticipant(ctx context.Context, sessionID, userID string, now time.Time) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	if session.ActiveParticipant(userID) != nil {
		return nil, store.ErrAlreadyJoined
	}
	if session.Status.IsTerminal() {
		return nil, store.ErrSessionClosed
	}
	if session.Status == models.SessionStatusFull || session.CurrentCount >= session.CapacityMax {
		return nil, store.ErrCapacityReached
	}

	session.Participants = append(session.Participants, models.Participant{
		UserID:   userID,
		Status:   models.ParticipantStatusActive,
		JoinedAt: now,
	})
	session.CurrentCount++
	if session.CurrentCount >= session.CapacityMax {
		session.Status = models.SessionStatusFull
	}
	session.UpdatedAt = now

	return copySession(session), nil
}

// RemoveParticipant evaluates the leave predicate and mutates under the lock.
func (s *SessionStore) RemoveParticipant(ctx context.Context, sessionID, userID string, now time.Time) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, store.ErrSessionNotFound
	}
	if session.Status.IsTerminal() {
		return nil, store.ErrSessionClosed
	}

	participant := session.ActiveParticipant(userID)
	if participant == nil {
		return nil, store.ErrNotParticipant
	}

	leftAt := now
	participant.Status = models.ParticipantStatusLeft
	participant.LeftAt = &leftAt
	session.CurrentCount--
	if session.Status == models.SessionStatusFull && session.CurrentCount < session.CapacityMax {
		session.Status = models.SessionStatusOpen
	}
	session.UpdatedAt = now

	return copySession(session), nil
}

// TransitionStatus moves the session to the target status when the current
// status is in from.
func (s *SessionStore) TransitionStatus(ctx context.Context, sessionID string, from []models.SessionStatus, to models.SessionStatus, stamp store.TerminalStamp, now time.Time) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	matched := false
	for _, f := range from {
		if session.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return nil, store.ErrPredicateFailed
	}

	session.Status = to
	stampAt := now
	switch stamp {
	case store.StampEnded:
		session.EndedAt = &stampAt
	case store.StampCompleted:
		session.CompletedAt = &stampAt
	case store.StampCancelled:
		session.CancelledAt = &stampAt
	}
	session.UpdatedAt = now

	return copySession(session), nil
}

// EnqueueWaitlist appends a WAITING entry with position max+1.
func (s *SessionStore) EnqueueWaitlist(ctx context.Context, sessionID, userID string, expiresAt, now time.Time) (*models.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	if session.ActiveParticipant(userID) != nil {
		return nil, store.ErrAlreadyJoined
	}
	for i := range session.Waitlist {
		// The user id is unique per session across all entry statuses.
		if session.Waitlist[i].UserID == userID {
			return nil, store.ErrAlreadyWaitlisted
		}
	}
	if session.Status.IsTerminal() {
		return nil, store.ErrSessionClosed
	}
	if session.Status != models.SessionStatusFull {
		return nil, store.ErrPredicateFailed
	}

	maxPosition := 0
	for i := range session.Waitlist {
		if session.Waitlist[i].Position > maxPosition {
			maxPosition = session.Waitlist[i].Position
		}
	}

	entry := models.WaitlistEntry{
		UserID:    userID,
		Position:  maxPosition + 1,
		Status:    models.WaitlistStatusWaiting,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	session.Waitlist = append(session.Waitlist, entry)
	session.UpdatedAt = now

	return &entry, nil
}

// ResolveWaitlistEntry moves a WAITING entry to its final status.
func (s *SessionStore) ResolveWaitlistEntry(ctx context.Context, sessionID, userID string, to models.WaitlistStatus, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return store.ErrSessionNotFound
	}

	entry := session.WaitingEntry(userID)
	if entry == nil {
		return store.ErrPredicateFailed
	}

	entry.Status = to
	session.UpdatedAt = now
	return nil
}

// NextWaitingEntry returns the lowest-position unexpired WAITING entry.
func (s *SessionStore) NextWaitingEntry(ctx context.Context, sessionID string, now time.Time) (*models.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	var best *models.WaitlistEntry
	for i := range session.Waitlist {
		entry := &session.Waitlist[i]
		if entry.Status != models.WaitlistStatusWaiting || !entry.ExpiresAt.After(now) {
			continue
		}
		if best == nil || entry.Position < best.Position {
			best = entry
		}
	}

	if best == nil {
		return nil, nil
	}
	result := *best
	return &result, nil
}

// ExpireWaitlistEntries marks expired WAITING entries.
func (s *SessionStore) ExpireWaitlistEntries(ctx context.Context, sessionID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return 0, store.ErrSessionNotFound
	}

	expired := 0
	for i := range session.Waitlist {
		entry := &session.Waitlist[i]
		if entry.Status == models.WaitlistStatusWaiting && !entry.ExpiresAt.After(now) {
			entry.Status = models.WaitlistStatusExpired
			expired++
		}
	}
	if expired > 0 {
		session.UpdatedAt = now
	}

	return expired, nil
}

// FindExpired returns non-terminal sessions past their end time.
func (s *SessionStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*models.Session
	for _, session := range s.sessions {
		if session.Status.IsTerminal() || !session.HasEnded(now) {
			continue
		}
		result = append(result, copySession(session))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].EndTime.Before(result[j].EndTime)
	})

	if len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// copySession returns a deep copy so callers never share memory with the
// stored record.
func copySession(session *models.Session) *models.Session {
	copied := *session

	copied.Participants = make([]models.Participant, len(session.Participants))
	copy(copied.Participants, session.Participants)
	for i := range copied.Participants {
		if session.Participants[i].LeftAt != nil {
			leftAt := *session.Participants[i].LeftAt
			copied.Participants[i].LeftAt = &leftAt
		}
	}

	copied.Waitlist = make([]models.WaitlistEntry, len(session.Waitlist))
	copy(copied.Waitlist, session.Waitlist)

	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		value := *t
		return &value
	}
	copied.EndedAt = copyTime(session.EndedAt)
	copied.CancelledAt = copyTime(session.CancelledAt)
	copied.CompletedAt = copyTime(session.CompletedAt)

	return &copied
}
