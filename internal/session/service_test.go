package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gatherkit/gatherd/internal/clock"
	"github.com/gatherkit/gatherd/internal/events"
	"github.com/gatherkit/gatherd/internal/models"
	"github.com/gatherkit/gatherd/internal/store"
	"github.com/gatherkit/gatherd/internal/store/memory"
)

func newServiceFixture(t *testing.T) (*Service, *clock.Fixed) {
	t.Helper()
	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewService(memory.NewSessionStore(), events.NopPublisher{}, clk), clk
}

func validInput(clk clock.Clock) models.Session {
	now := clk.Now()
	return models.Session{
		Title:       "board games night",
		Description: "bring your own snacks",
		CreatorID:   "creator-1",
		CapacityMax: 4,
		StartTime:   now.Add(time.Hour),
		EndTime:     now.Add(3 * time.Hour),
	}
}

func TestService_Create(t *testing.T) {
	t.Run("creator joins as first participant", func(t *testing.T) {
		svc, clk := newServiceFixture(t)

		sess, err := svc.Create(context.Background(), validInput(clk))
		require.NoError(t, err)
		require.Equal(t, models.SessionStatusOpen, sess.Status)
		require.Equal(t, 1, sess.CurrentCount)
		require.NotNil(t, sess.ActiveParticipant("creator-1"))

		parsed, err := uuid.Parse(sess.ID)
		require.NoError(t, err)
		require.Equal(t, uuid.Version(7), parsed.Version())
	})

	t.Run("capacity of one starts FULL", func(t *testing.T) {
		svc, clk := newServiceFixture(t)

		in := validInput(clk)
		in.CapacityMax = 1
		sess, err := svc.Create(context.Background(), in)
		require.NoError(t, err)
		require.Equal(t, models.SessionStatusFull, sess.Status)
	})

	t.Run("validation failures", func(t *testing.T) {
		svc, clk := newServiceFixture(t)
		ctx := context.Background()

		cases := []struct {
			name   string
			mutate func(*models.Session)
			field  string
		}{
			{"missing title", func(s *models.Session) { s.Title = "" }, "title"},
			{"missing creator", func(s *models.Session) { s.CreatorID = "" }, "creator_id"},
			{"zero capacity", func(s *models.Session) { s.CapacityMax = 0 }, "capacity_max"},
			{"negative capacity", func(s *models.Session) { s.CapacityMax = -1 }, "capacity_max"},
			{"end before start", func(s *models.Session) { s.EndTime = s.StartTime.Add(-time.Minute) }, "end_time"},
			{"end equals start", func(s *models.Session) { s.EndTime = s.StartTime }, "end_time"},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				in := validInput(clk)
				tc.mutate(&in)

				_, err := svc.Create(ctx, in)
				var validation *ValidationError
				require.ErrorAs(t, err, &validation)
				require.Equal(t, tc.field, validation.Field)
			})
		}
	})
}

func TestService_GetAndList(t *testing.T) {
	svc, clk := newServiceFixture(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, validInput(clk))
	require.NoError(t, err)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)

	listed, err := svc.List(ctx, store.SessionFilter{CreatorID: "creator-1"})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = svc.Get(ctx, "ghost")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestService_Delete(t *testing.T) {
	t.Run("creator can delete", func(t *testing.T) {
		svc, clk := newServiceFixture(t)
		ctx := context.Background()

		created, err := svc.Create(ctx, validInput(clk))
		require.NoError(t, err)

		require.NoError(t, svc.Delete(ctx, created.ID, "creator-1"))

		_, err = svc.Get(ctx, created.ID)
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("non-creator is forbidden", func(t *testing.T) {
		svc, clk := newServiceFixture(t)
		ctx := context.Background()

		created, err := svc.Create(ctx, validInput(clk))
		require.NoError(t, err)

		err = svc.Delete(ctx, created.ID, "intruder")
		var forbidden *ForbiddenError
		require.ErrorAs(t, err, &forbidden)
	})
}

func TestService_CreatorOnlyLifecycle(t *testing.T) {
	t.Run("cancel by creator", func(t *testing.T) {
		svc, clk := newServiceFixture(t)
		ctx := context.Background()

		created, err := svc.Create(ctx, validInput(clk))
		require.NoError(t, err)

		cancelled, err := svc.Cancel(ctx, created.ID, "creator-1")
		require.NoError(t, err)
		require.Equal(t, models.SessionStatusCancelled, cancelled.Status)
		require.NotNil(t, cancelled.CancelledAt)
	})

	t.Run("cancel by non-creator is forbidden", func(t *testing.T) {
		svc, clk := newServiceFixture(t)
		ctx := context.Background()

		created, err := svc.Create(ctx, validInput(clk))
		require.NoError(t, err)

		_, err = svc.Cancel(ctx, created.ID, "intruder")
		var forbidden *ForbiddenError
		require.ErrorAs(t, err, &forbidden)

		// State untouched by the rejected attempt.
		current, err := svc.Get(ctx, created.ID)
		require.NoError(t, err)
		require.Equal(t, models.SessionStatusOpen, current.Status)
	})

	t.Run("complete by creator stamps CompletedAt", func(t *testing.T) {
		svc, clk := newServiceFixture(t)
		ctx := context.Background()

		created, err := svc.Create(ctx, validInput(clk))
		require.NoError(t, err)

		completed, err := svc.Complete(ctx, created.ID, "creator-1")
		require.NoError(t, err)
		require.Equal(t, models.SessionStatusEnded, completed.Status)
		require.NotNil(t, completed.CompletedAt)
		require.Nil(t, completed.EndedAt)
	})

	t.Run("complete by non-creator is forbidden", func(t *testing.T) {
		svc, clk := newServiceFixture(t)
		ctx := context.Background()

		created, err := svc.Create(ctx, validInput(clk))
		require.NoError(t, err)

		_, err = svc.Complete(ctx, created.ID, "intruder")
		var forbidden *ForbiddenError
		require.ErrorAs(t, err, &forbidden)
	})
}

func TestService_JoinLeaveRoundTrip(t *testing.T) {
	svc, clk := newServiceFixture(t)
	ctx := context.Background()

	in := validInput(clk)
	in.CapacityMax = 2
	created, err := svc.Create(ctx, in)
	require.NoError(t, err)

	joined, err := svc.Join(ctx, created.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusFull, joined.Status)

	eligibility, err := svc.CheckJoinEligibility(ctx, created.ID, "user-2")
	require.NoError(t, err)
	require.False(t, eligibility.CanJoin)

	entry, err := svc.EnqueueWaitlist(ctx, created.ID, "user-2")
	require.NoError(t, err)
	require.Equal(t, 1, entry.Position)

	left, err := svc.Leave(ctx, created.ID, "user-1")
	require.NoError(t, err)
	require.NotNil(t, left.ActiveParticipant("user-2"))
	require.Equal(t, models.SessionStatusFull, left.Status)
}

func TestService_JoinAfterCancelIsRejected(t *testing.T) {
	svc, clk := newServiceFixture(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, validInput(clk))
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, created.ID, "creator-1")
	require.NoError(t, err)

	_, err = svc.Join(ctx, created.ID, "user-1")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, ReasonSessionClosed, conflict.Reason)
}
