package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/gatherkit/gatherd/internal/models"
	"github.com/gatherkit/gatherd/internal/store"
)

// SessionStore implements store.SessionStore using PostgreSQL. Every mutation
// is a single statement whose WHERE clause carries the operation's
// preconditions, locking the session row with FOR UPDATE so concurrent
// mutations serialize at the store rather than in application memory. A
// statement that matches no row triggers a diagnostic read purely to classify
// the failure into a sentinel error; the diagnostic never feeds a retry
// decision at the application layer.
type SessionStore struct {
	pool *pgxpool.Pool
	cfg  *Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ store.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a PostgreSQL-backed session store. It establishes
// a connection pool, optionally runs migrations, and pings the database.
func NewSessionStore(ctx context.Context, cfg *Config) (*SessionStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Msg("Connected to PostgreSQL")

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return &SessionStore{
		pool:   pool,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the connection pool monitor.
func (s *SessionStore) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorConnectionPool()
	}()
	return nil
}

// Stop shuts down background tasks and closes the connection pool.
func (s *SessionStore) Stop() error {
	close(s.stopCh)
	s.wg.Wait()
	s.pool.Close()
	log.Info().Msg("PostgreSQL session store stopped")
	return nil
}

// monitorConnectionPool logs connection pool statistics periodically.
func (s *SessionStore) monitorConnectionPool() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.pool.Stat()
			log.Debug().
				Int32("total_conns", stats.TotalConns()).
				Int32("idle_conns", stats.IdleConns()).
				Int32("acquired_conns", stats.AcquiredConns()).
				Msg("Connection pool stats")
		case <-s.stopCh:
			return
		}
	}
}

const sessionColumns = `id, title, description, creator_id, capacity_max, current_count, status,
	start_time, end_time, ended_at, cancelled_at, completed_at, created_at, updated_at`

// CreateSession inserts a new session record.
func (s *SessionStore) CreateSession(ctx context.Context, session *models.Session) error {
	if _, err := uuid.Parse(session.ID); err != nil {
		return fmt.Errorf("invalid session id %q: %w", session.ID, err)
	}

	// The session row and its initial participants must land together:
	// current_count counts ACTIVE participants, so a session committed
	// without its creator's participant row would be torn state.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPostgresError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (
			id, title, description, creator_id, capacity_max, current_count,
			status, start_time, end_time, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`,
		session.ID,
		session.Title,
		session.Description,
		session.CreatorID,
		session.CapacityMax,
		session.CurrentCount,
		session.Status,
		session.StartTime,
		session.EndTime,
		session.CreatedAt,
	)
	if err != nil {
		return mapPostgresError(err)
	}

	for _, p := range session.Participants {
		_, err := tx.Exec(ctx, `
			INSERT INTO session_participants (session_id, user_id, status, joined_at, left_at)
			VALUES ($1, $2, $3, $4, $5)
		`, session.ID, p.UserID, p.Status, p.JoinedAt, p.LeftAt)
		if err != nil {
			return mapPostgresError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPostgresError(err)
	}

	log.Info().
		Str("session_id", session.ID).
		Str("creator_id", session.CreatorID).
		Int("capacity_max", session.CapacityMax).
		Msg("Created session")

	return nil
}

// GetSession returns the session with its participants and waitlist.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrSessionNotFound
	}

	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		return nil, mapPostgresError(err)
	}

	if err := s.attachRelations(ctx, session); err != nil {
		return nil, err
	}

	return session, nil
}

// DeleteSession hard-deletes a session and, via cascade, its participants
// and waitlist. This is the creator's explicit destroy action; lifecycle
// transitions never remove rows.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrSessionNotFound
	}

	result, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}

	log.Info().Str("session_id", id).Msg("Deleted session")
	return nil
}

// ListSessions returns sessions matching the filter, newest first.
func (s *SessionStore) ListSessions(ctx context.Context, filter store.SessionFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.CreatorID != "" {
		query += fmt.Sprintf(" AND creator_id = $%d", argIdx)
		args = append(args, filter.CreatorID)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	return sessions, nil
}

// AddParticipant performs the atomic join. The CTE locks the session row and
// evaluates the full precondition set in one statement: the session is OPEN,
// below capacity, and has no ACTIVE participant for the user. The insert,
// count increment and OPEN->FULL flip commit together or not at all.
func (s *SessionStore) AddParticipant(ctx context.Context, sessionID, userID string, now time.Time) (*models.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, store.ErrSessionNotFound
	}

	row := s.pool.QueryRow(ctx, `
		WITH target AS (
			SELECT id, capacity_max, current_count
			FROM sessions
			WHERE id = $1
			  AND status = 'OPEN'
			  AND current_count < capacity_max
			  AND NOT EXISTS (
				SELECT 1 FROM session_participants
				WHERE session_id = $1 AND user_id = $2 AND status = 'ACTIVE'
			  )
			FOR UPDATE
		), joined AS (
			INSERT INTO session_participants (session_id, user_id, status, joined_at)
			SELECT id, $2, 'ACTIVE', $3 FROM target
			RETURNING session_id
		)
		UPDATE sessions s
		SET current_count = s.current_count + 1,
			status = CASE WHEN s.current_count + 1 >= s.capacity_max THEN 'FULL' ELSE 'OPEN' END,
			updated_at = $3
		FROM joined
		WHERE s.id = joined.session_id
		RETURNING `+prefixedSessionColumns("s"),
		sessionID, userID, now,
	)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.classifyJoinFailure(ctx, sessionID, userID)
		}
		return nil, mapPostgresError(err)
	}

	if err := s.attachRelations(ctx, session); err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Int("current_count", session.CurrentCount).
		Str("status", string(session.Status)).
		Msg("Participant joined")

	return session, nil
}

// classifyJoinFailure explains why the join predicate did not hold. The read
// is diagnostic only; the failed statement already decided the outcome.
func (s *SessionStore) classifyJoinFailure(ctx context.Context, sessionID, userID string) error {
	var status models.SessionStatus
	var currentCount, capacityMax int
	var alreadyActive bool

	err := s.pool.QueryRow(ctx, `
		SELECT status, current_count, capacity_max,
			EXISTS (
				SELECT 1 FROM session_participants
				WHERE session_id = $1 AND user_id = $2 AND status = 'ACTIVE'
			)
		FROM sessions WHERE id = $1
	`, sessionID, userID).Scan(&status, &currentCount, &capacityMax, &alreadyActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrSessionNotFound
		}
		return mapPostgresError(err)
	}

	switch {
	case alreadyActive:
		return store.ErrAlreadyJoined
	case status.IsTerminal():
		return store.ErrSessionClosed
	case status == models.SessionStatusFull || currentCount >= capacityMax:
		return store.ErrCapacityReached
	default:
		// The record changed again between the statement and this read.
		return store.ErrConflict
	}
}

// RemoveParticipant performs the atomic leave: mark the ACTIVE participant
// LEFT, decrement the count, and flip FULL back to OPEN, gated on the
// session being non-terminal.
func (s *SessionStore) RemoveParticipant(ctx context.Context, sessionID, userID string, now time.Time) (*models.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, store.ErrSessionNotFound
	}

	row := s.pool.QueryRow(ctx, `
		WITH target AS (
			SELECT id FROM sessions
			WHERE id = $1 AND status IN ('OPEN', 'FULL')
			FOR UPDATE
		), departed AS (
			UPDATE session_participants p
			SET status = 'LEFT', left_at = $3
			FROM target
			WHERE p.session_id = target.id AND p.user_id = $2 AND p.status = 'ACTIVE'
			RETURNING p.session_id
		)
		UPDATE sessions s
		SET current_count = s.current_count - 1,
			status = CASE WHEN s.status = 'FULL' THEN 'OPEN' ELSE s.status END,
			updated_at = $3
		FROM departed
		WHERE s.id = departed.session_id
		RETURNING `+prefixedSessionColumns("s"),
		sessionID, userID, now,
	)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.classifyLeaveFailure(ctx, sessionID, userID)
		}
		return nil, mapPostgresError(err)
	}

	if err := s.attachRelations(ctx, session); err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Int("current_count", session.CurrentCount).
		Str("status", string(session.Status)).
		Msg("Participant left")

	return session, nil
}

func (s *SessionStore) classifyLeaveFailure(ctx context.Context, sessionID, userID string) error {
	var status models.SessionStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrSessionNotFound
		}
		return mapPostgresError(err)
	}

	if status.IsTerminal() {
		return store.ErrSessionClosed
	}
	return store.ErrNotParticipant
}

// TransitionStatus moves the session to the target status, gated on the
// current status being one of from. Exactly one terminal timestamp column is
// stamped per the stamp argument.
func (s *SessionStore) TransitionStatus(ctx context.Context, sessionID string, from []models.SessionStatus, to models.SessionStatus, stamp store.TerminalStamp, now time.Time) (*models.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, store.ErrSessionNotFound
	}

	fromStatuses := make([]string, len(from))
	for i, f := range from {
		fromStatuses[i] = string(f)
	}

	var stampColumn string
	switch stamp {
	case store.StampEnded:
		stampColumn = "ended_at = $3,"
	case store.StampCompleted:
		stampColumn = "completed_at = $3,"
	case store.StampCancelled:
		stampColumn = "cancelled_at = $3,"
	case store.StampNone:
		stampColumn = ""
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE sessions
		SET status = $2, `+stampColumn+`
			updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+sessionColumns,
		sessionID, to, now, fromStatuses,
	)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			exists, existsErr := s.sessionExists(ctx, sessionID)
			if existsErr != nil {
				return nil, existsErr
			}
			if !exists {
				return nil, store.ErrSessionNotFound
			}
			return nil, store.ErrPredicateFailed
		}
		return nil, mapPostgresError(err)
	}

	if err := s.attachRelations(ctx, session); err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sessionID).
		Str("status", string(to)).
		Msg("Session status transitioned")

	return session, nil
}

func (s *SessionStore) sessionExists(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists)
	if err != nil {
		return false, mapPostgresError(err)
	}
	return exists, nil
}

// EnqueueWaitlist appends a WAITING entry. The FOR UPDATE lock on the
// session row serializes concurrent enqueues so position assignment
// (max + 1) never produces duplicates; the unique constraint backstops it.
func (s *SessionStore) EnqueueWaitlist(ctx context.Context, sessionID, userID string, expiresAt, now time.Time) (*models.WaitlistEntry, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, store.ErrSessionNotFound
	}

	row := s.pool.QueryRow(ctx, `
		WITH target AS (
			SELECT id FROM sessions
			WHERE id = $1
			  AND status = 'FULL'
			  AND NOT EXISTS (
				SELECT 1 FROM session_participants
				WHERE session_id = $1 AND user_id = $2 AND status = 'ACTIVE'
			  )
			  AND NOT EXISTS (
				SELECT 1 FROM session_waitlist
				WHERE session_id = $1 AND user_id = $2 AND status = 'WAITING'
			  )
			FOR UPDATE
		)
		INSERT INTO session_waitlist (session_id, user_id, position, status, expires_at, created_at)
		SELECT id, $2,
			COALESCE((SELECT MAX(position) FROM session_waitlist WHERE session_id = $1), 0) + 1,
			'WAITING', $3, $4
		FROM target
		RETURNING user_id, position, status, expires_at, created_at
	`, sessionID, userID, expiresAt, now)

	entry, err := scanWaitlistEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.classifyEnqueueFailure(ctx, sessionID, userID)
		}
		return nil, mapPostgresError(err)
	}

	log.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Int("position", entry.Position).
		Msg("Waitlist entry enqueued")

	return entry, nil
}

func (s *SessionStore) classifyEnqueueFailure(ctx context.Context, sessionID, userID string) error {
	var status models.SessionStatus
	var alreadyActive, alreadyWaiting bool

	err := s.pool.QueryRow(ctx, `
		SELECT status,
			EXISTS (
				SELECT 1 FROM session_participants
				WHERE session_id = $1 AND user_id = $2 AND status = 'ACTIVE'
			),
			EXISTS (
				SELECT 1 FROM session_waitlist
				WHERE session_id = $1 AND user_id = $2 AND status = 'WAITING'
			)
		FROM sessions WHERE id = $1
	`, sessionID, userID).Scan(&status, &alreadyActive, &alreadyWaiting)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrSessionNotFound
		}
		return mapPostgresError(err)
	}

	switch {
	case alreadyActive:
		return store.ErrAlreadyJoined
	case alreadyWaiting:
		return store.ErrAlreadyWaitlisted
	case status.IsTerminal():
		return store.ErrSessionClosed
	default:
		// Not FULL: the waitlist only accepts entries while at capacity.
		return store.ErrPredicateFailed
	}
}

// ResolveWaitlistEntry moves a WAITING entry to its final status.
func (s *SessionStore) ResolveWaitlistEntry(ctx context.Context, sessionID, userID string, to models.WaitlistStatus, now time.Time) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return store.ErrSessionNotFound
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE session_waitlist
		SET status = $3
		WHERE session_id = $1 AND user_id = $2 AND status = 'WAITING'
	`, sessionID, userID, to)
	if err != nil {
		return mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrPredicateFailed
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("status", string(to)).
		Msg("Waitlist entry resolved")

	return nil
}

// NextWaitingEntry returns the promotion candidate: the lowest-position
// WAITING entry that has not expired.
func (s *SessionStore) NextWaitingEntry(ctx context.Context, sessionID string, now time.Time) (*models.WaitlistEntry, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, store.ErrSessionNotFound
	}

	row := s.pool.QueryRow(ctx, `
		SELECT user_id, position, status, expires_at, created_at
		FROM session_waitlist
		WHERE session_id = $1 AND status = 'WAITING' AND expires_at > $2
		ORDER BY position ASC
		LIMIT 1
	`, sessionID, now)

	entry, err := scanWaitlistEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapPostgresError(err)
	}

	return entry, nil
}

// ExpireWaitlistEntries lazily marks expired WAITING entries.
func (s *SessionStore) ExpireWaitlistEntries(ctx context.Context, sessionID string, now time.Time) (int, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return 0, store.ErrSessionNotFound
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE session_waitlist
		SET status = 'EXPIRED'
		WHERE session_id = $1 AND status = 'WAITING' AND expires_at <= $2
	`, sessionID, now)
	if err != nil {
		return 0, mapPostgresError(err)
	}

	return int(result.RowsAffected()), nil
}

// FindExpired returns non-terminal sessions past their end time, oldest
// first, for the expiry sweep.
func (s *SessionStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE end_time <= $1 AND status IN ('OPEN', 'FULL')
		ORDER BY end_time ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	return sessions, nil
}

// attachRelations loads participants and waitlist entries onto the session.
func (s *SessionStore) attachRelations(ctx context.Context, session *models.Session) error {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, status, joined_at, left_at
		FROM session_participants
		WHERE session_id = $1
		ORDER BY joined_at ASC, id ASC
	`, session.ID)
	if err != nil {
		return mapPostgresError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.UserID, &p.Status, &p.JoinedAt, &p.LeftAt); err != nil {
			return mapPostgresError(err)
		}
		session.Participants = append(session.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return mapPostgresError(err)
	}

	wlRows, err := s.pool.Query(ctx, `
		SELECT user_id, position, status, expires_at, created_at
		FROM session_waitlist
		WHERE session_id = $1
		ORDER BY position ASC
	`, session.ID)
	if err != nil {
		return mapPostgresError(err)
	}
	defer wlRows.Close()

	for wlRows.Next() {
		entry, err := scanWaitlistEntry(wlRows)
		if err != nil {
			return mapPostgresError(err)
		}
		session.Waitlist = append(session.Waitlist, *entry)
	}
	return wlRows.Err()
}

// prefixedSessionColumns qualifies the session column list for statements
// where the sessions table carries an alias.
func prefixedSessionColumns(alias string) string {
	return alias + `.id, ` + alias + `.title, ` + alias + `.description, ` + alias + `.creator_id,
		` + alias + `.capacity_max, ` + alias + `.current_count, ` + alias + `.status,
		` + alias + `.start_time, ` + alias + `.end_time, ` + alias + `.ended_at,
		` + alias + `.cancelled_at, ` + alias + `.completed_at, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var session models.Session
	var id uuid.UUID

	err := row.Scan(
		&id,
		&session.Title,
		&session.Description,
		&session.CreatorID,
		&session.CapacityMax,
		&session.CurrentCount,
		&session.Status,
		&session.StartTime,
		&session.EndTime,
		&session.EndedAt,
		&session.CancelledAt,
		&session.CompletedAt,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.ID = id.String()
	return &session, nil
}

func scanWaitlistEntry(row pgx.Row) (*models.WaitlistEntry, error) {
	var entry models.WaitlistEntry
	err := row.Scan(
		&entry.UserID,
		&entry.Position,
		&entry.Status,
		&entry.ExpiresAt,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
