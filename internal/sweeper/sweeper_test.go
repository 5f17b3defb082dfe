package sweeper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gatherkit/gatherd/internal/clock"
	"github.com/gatherkit/gatherd/internal/events"
	"github.com/gatherkit/gatherd/internal/models"
	"github.com/gatherkit/gatherd/internal/session"
	"github.com/gatherkit/gatherd/internal/store/memory"
)

func newSweeperFixture(t *testing.T, opts ...Option) (*ExpirySweeper, *memory.SessionStore, *clock.Fixed) {
	t.Helper()
	st := memory.NewSessionStore()
	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	lm := session.NewLifecycleManager(st, events.NopPublisher{}, clk)
	return New(st, lm, clk, opts...), st, clk
}

func seedSession(t *testing.T, st *memory.SessionStore, clk *clock.Fixed, id string, endOffset time.Duration) {
	t.Helper()
	now := clk.Now()
	require.NoError(t, st.CreateSession(context.Background(), &models.Session{
		ID:          id,
		Title:       "sweep fixture",
		CreatorID:   "creator-1",
		CapacityMax: 4,
		Status:      models.SessionStatusOpen,
		StartTime:   now.Add(-time.Hour),
		EndTime:     now.Add(endOffset),
		CreatedAt:   now,
		UpdatedAt:   now,
	}))
}

func TestExpirySweeper_RunOnce(t *testing.T) {
	t.Run("ends sessions past their end time", func(t *testing.T) {
		sw, st, clk := newSweeperFixture(t)
		ctx := context.Background()

		seedSession(t, st, clk, "expired-1", -time.Minute)
		seedSession(t, st, clk, "expired-2", -time.Hour)
		seedSession(t, st, clk, "future", time.Hour)

		ended, err := sw.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, ended)

		for _, id := range []string{"expired-1", "expired-2"} {
			sess, err := st.GetSession(ctx, id)
			require.NoError(t, err)
			require.Equal(t, models.SessionStatusEnded, sess.Status)
			require.NotNil(t, sess.EndedAt)
			require.Nil(t, sess.CompletedAt)
		}

		untouched, err := st.GetSession(ctx, "future")
		require.NoError(t, err)
		require.Equal(t, models.SessionStatusOpen, untouched.Status)
	})

	t.Run("second run finds nothing", func(t *testing.T) {
		sw, st, clk := newSweeperFixture(t)
		ctx := context.Background()

		seedSession(t, st, clk, "expired", -time.Minute)

		ended, err := sw.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, ended)

		ended, err = sw.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, ended)
	})

	t.Run("cancelled sessions are not resurrected", func(t *testing.T) {
		sw, st, clk := newSweeperFixture(t)
		ctx := context.Background()

		seedSession(t, st, clk, "cancelled", -time.Minute)
		lm := session.NewLifecycleManager(st, events.NopPublisher{}, clk)
		_, err := lm.Cancel(ctx, "cancelled", "creator-1")
		require.NoError(t, err)

		ended, err := sw.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, ended)

		sess, err := st.GetSession(ctx, "cancelled")
		require.NoError(t, err)
		require.Equal(t, models.SessionStatusCancelled, sess.Status)
		require.Nil(t, sess.EndedAt)
	})

	t.Run("batch limit caps a single run", func(t *testing.T) {
		sw, st, clk := newSweeperFixture(t, WithBatchLimit(2))
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			seedSession(t, st, clk, fmt.Sprintf("expired-%d", i), -time.Minute)
		}

		ended, err := sw.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, ended)

		// The remainder is picked up by subsequent runs.
		ended, err = sw.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, ended)
		ended, err = sw.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, ended)
	})

	t.Run("sessions expiring exactly at now are ended", func(t *testing.T) {
		sw, st, clk := newSweeperFixture(t)
		ctx := context.Background()

		seedSession(t, st, clk, "boundary", 0)

		ended, err := sw.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, ended)
	})
}

func TestExpirySweeper_OverlapGuard(t *testing.T) {
	sw, _, _ := newSweeperFixture(t)

	// Hold the guard as an in-flight run would.
	require.True(t, sw.running.CompareAndSwap(false, true))

	_, err := sw.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrSweepInProgress)

	sw.running.Store(false)

	_, err = sw.RunOnce(context.Background())
	require.NoError(t, err)
}

func TestExpirySweeper_ConcurrentRunOnce(t *testing.T) {
	sw, st, clk := newSweeperFixture(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		seedSession(t, st, clk, fmt.Sprintf("expired-%d", i), -time.Minute)
	}

	const runners = 8
	var wg sync.WaitGroup
	totals := make(chan int, runners)
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ended, err := sw.RunOnce(ctx)
			if err == nil {
				totals <- ended
			}
		}()
	}
	wg.Wait()
	close(totals)

	// Whatever interleaving occurred, every session ends exactly once.
	total := 0
	for n := range totals {
		total += n
	}

	// Skipped runs contribute zero; finish the job with a final run.
	ended, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	total += ended

	for {
		more, err := sw.RunOnce(ctx)
		require.NoError(t, err)
		if more == 0 {
			break
		}
		total += more
	}
	require.Equal(t, 20, total)
}

func TestExpirySweeper_StartStop(t *testing.T) {
	sw, st, clk := newSweeperFixture(t, WithInterval(10*time.Millisecond))
	ctx := context.Background()

	seedSession(t, st, clk, "expired", -time.Minute)

	sw.Start()

	require.Eventually(t, func() bool {
		sess, err := st.GetSession(ctx, "expired")
		return err == nil && sess.Status == models.SessionStatusEnded
	}, time.Second, 5*time.Millisecond)

	sw.Stop()
}
