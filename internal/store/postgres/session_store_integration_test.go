//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gatherkit/gatherd/internal/models"
	"github.com/gatherkit/gatherd/internal/store"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*SessionStore, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	cfg := &Config{
		ConnString:  connString,
		AutoMigrate: true,
	}

	st, err := NewSessionStore(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, st.Start())

	cleanup := func() {
		_ = st.Stop()
		_ = container.Terminate(ctx)
	}
	return st, cleanup
}

func newIntegrationSession(capacity int) *models.Session {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Session{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Title:        "integration session",
		CreatorID:    "creator-1",
		CapacityMax:  capacity,
		CurrentCount: 0,
		Status:       models.SessionStatusOpen,
		StartTime:    now,
		EndTime:      now.Add(2 * time.Hour),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestIntegration_SessionCRUD(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	sess := newIntegrationSession(4)
	require.NoError(t, st.CreateSession(ctx, sess))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.Title, got.Title)
	require.Equal(t, models.SessionStatusOpen, got.Status)
	require.Empty(t, got.Participants)

	listed, err := st.ListSessions(ctx, store.SessionFilter{CreatorID: "creator-1"})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, st.DeleteSession(ctx, sess.ID))
	_, err = st.GetSession(ctx, sess.ID)
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestIntegration_CreateSessionIsAtomic(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()
	now := time.Now().UTC().Truncate(time.Microsecond)

	// Two ACTIVE rows for the same user violate idx_participants_active,
	// failing the participant insert after the session insert. The session
	// row must roll back with it rather than commit with current_count
	// pointing at participants that were never stored.
	sess := newIntegrationSession(4)
	sess.CurrentCount = 2
	sess.Participants = []models.Participant{
		{UserID: "creator-1", Status: models.ParticipantStatusActive, JoinedAt: now},
		{UserID: "creator-1", Status: models.ParticipantStatusActive, JoinedAt: now},
	}

	err := st.CreateSession(ctx, sess)
	require.ErrorIs(t, err, store.ErrAlreadyJoined)

	_, err = st.GetSession(ctx, sess.ID)
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestIntegration_JoinPredicates(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()
	now := time.Now().UTC()

	sess := newIntegrationSession(2)
	require.NoError(t, st.CreateSession(ctx, sess))

	joined, err := st.AddParticipant(ctx, sess.ID, "user-1", now)
	require.NoError(t, err)
	require.Equal(t, 1, joined.CurrentCount)
	require.Equal(t, models.SessionStatusOpen, joined.Status)

	_, err = st.AddParticipant(ctx, sess.ID, "user-1", now)
	require.ErrorIs(t, err, store.ErrAlreadyJoined)

	full, err := st.AddParticipant(ctx, sess.ID, "user-2", now)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusFull, full.Status)

	_, err = st.AddParticipant(ctx, sess.ID, "user-3", now)
	require.ErrorIs(t, err, store.ErrCapacityReached)

	_, err = st.AddParticipant(ctx, "00000000-0000-0000-0000-000000000000", "user-1", now)
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestIntegration_LeaveReopensAndKeepsHistory(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()
	now := time.Now().UTC()

	sess := newIntegrationSession(1)
	require.NoError(t, st.CreateSession(ctx, sess))

	_, err := st.AddParticipant(ctx, sess.ID, "user-1", now)
	require.NoError(t, err)

	reopened, err := st.RemoveParticipant(ctx, sess.ID, "user-1", now)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusOpen, reopened.Status)
	require.Equal(t, 0, reopened.CurrentCount)
	require.Len(t, reopened.Participants, 1)
	require.Equal(t, models.ParticipantStatusLeft, reopened.Participants[0].Status)

	_, err = st.RemoveParticipant(ctx, sess.ID, "user-1", now)
	require.ErrorIs(t, err, store.ErrNotParticipant)

	// Rejoin creates a second participation row.
	rejoined, err := st.AddParticipant(ctx, sess.ID, "user-1", now)
	require.NoError(t, err)
	require.Len(t, rejoined.Participants, 2)
}

func TestIntegration_ConcurrentJoinsNeverOversubscribe(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	const capacity = 5
	const contenders = 40

	sess := newIntegrationSession(capacity)
	require.NoError(t, st.CreateSession(ctx, sess))

	var wg sync.WaitGroup
	errs := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := st.AddParticipant(ctx, sess.ID, fmt.Sprintf("user-%d", n), time.Now().UTC())
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		}
	}
	require.Equal(t, capacity, succeeded)

	final, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, capacity, final.CurrentCount)
	require.Equal(t, models.SessionStatusFull, final.Status)
}

func TestIntegration_TransitionStatus(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()
	now := time.Now().UTC()

	sess := newIntegrationSession(4)
	require.NoError(t, st.CreateSession(ctx, sess))

	ended, err := st.TransitionStatus(ctx, sess.ID,
		[]models.SessionStatus{models.SessionStatusOpen, models.SessionStatusFull},
		models.SessionStatusEnded, store.StampEnded, now)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)
	require.Nil(t, ended.CancelledAt)

	// Terminal sessions reject further transitions at the predicate.
	_, err = st.TransitionStatus(ctx, sess.ID,
		[]models.SessionStatus{models.SessionStatusOpen, models.SessionStatusFull},
		models.SessionStatusCancelled, store.StampCancelled, now)
	require.ErrorIs(t, err, store.ErrPredicateFailed)

	_, err = st.AddParticipant(ctx, sess.ID, "user-1", now)
	require.ErrorIs(t, err, store.ErrSessionClosed)
}

func TestIntegration_Waitlist(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()
	now := time.Now().UTC()
	expires := now.Add(30 * time.Minute)

	sess := newIntegrationSession(1)
	require.NoError(t, st.CreateSession(ctx, sess))
	_, err := st.AddParticipant(ctx, sess.ID, "occupant", now)
	require.NoError(t, err)

	first, err := st.EnqueueWaitlist(ctx, sess.ID, "waiter-1", expires, now)
	require.NoError(t, err)
	require.Equal(t, 1, first.Position)

	second, err := st.EnqueueWaitlist(ctx, sess.ID, "waiter-2", expires, now)
	require.NoError(t, err)
	require.Equal(t, 2, second.Position)

	_, err = st.EnqueueWaitlist(ctx, sess.ID, "waiter-1", expires, now)
	require.ErrorIs(t, err, store.ErrAlreadyWaitlisted)

	_, err = st.EnqueueWaitlist(ctx, sess.ID, "occupant", expires, now)
	require.ErrorIs(t, err, store.ErrAlreadyJoined)

	next, err := st.NextWaitingEntry(ctx, sess.ID, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, "waiter-1", next.UserID)

	require.NoError(t, st.ResolveWaitlistEntry(ctx, sess.ID, "waiter-1", models.WaitlistStatusPromoted, now))

	next, err = st.NextWaitingEntry(ctx, sess.ID, now)
	require.NoError(t, err)
	require.Equal(t, "waiter-2", next.UserID)

	marked, err := st.ExpireWaitlistEntries(ctx, sess.ID, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, marked)

	next, err = st.NextWaitingEntry(ctx, sess.ID, now.Add(time.Hour))
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestIntegration_ConcurrentEnqueuePositionsAreUnique(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()
	now := time.Now().UTC()

	sess := newIntegrationSession(1)
	require.NoError(t, st.CreateSession(ctx, sess))
	_, err := st.AddParticipant(ctx, sess.ID, "occupant", now)
	require.NoError(t, err)

	const waiters = 20
	var wg sync.WaitGroup
	positions := make(chan int, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Position races surface as ErrConflict; resubmit as the
			// service layer does.
			for {
				entry, err := st.EnqueueWaitlist(ctx, sess.ID, fmt.Sprintf("waiter-%d", n),
					now.Add(30*time.Minute), now)
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				if err == nil {
					positions <- entry.Position
				}
				return
			}
		}(i)
	}
	wg.Wait()
	close(positions)

	seen := make(map[int]bool)
	for pos := range positions {
		require.Falsef(t, seen[pos], "position %d assigned twice", pos)
		seen[pos] = true
	}
	require.Len(t, seen, waiters)
}

func TestIntegration_FindExpired(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()
	now := time.Now().UTC()

	past := newIntegrationSession(4)
	past.EndTime = now.Add(-time.Hour)
	require.NoError(t, st.CreateSession(ctx, past))

	future := newIntegrationSession(4)
	require.NoError(t, st.CreateSession(ctx, future))

	expired, err := st.FindExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, past.ID, expired[0].ID)

	// Once ended, the session stops matching.
	_, err = st.TransitionStatus(ctx, past.ID,
		[]models.SessionStatus{models.SessionStatusOpen, models.SessionStatusFull},
		models.SessionStatusEnded, store.StampEnded, now)
	require.NoError(t, err)

	expired, err = st.FindExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, expired)
}
