package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tidemill/signalmesh/internal/domain/runstore"
	"github.com/tidemill/signalmesh/internal/testutil"
)

func newStore(t *testing.T) (*RunStore, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	return NewRunStore(5).WithClock(clock.Now), clock
}

func TestClaimSeedsUnknownPipelines(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	granted, err := s.TryClaimPending(ctx, []string{"p1", "p2", "", "p1"})
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "p2"}, granted)

	lease, ok, err := s.Lease(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, runstore.PhasePending, lease.Phase)
}

func TestClaimIsExclusive(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	first, err := s.TryClaimPending(ctx, []string{"p1"})
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, first)

	second, err := s.TryClaimPending(ctx, []string{"p1"})
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestRunLifecycle(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()

	_, err := s.TryClaimPending(ctx, []string{"p1"})
	require.NoError(t, err)

	require.NoError(t, s.StartRunning(ctx, "p1", "exec-1"))
	require.ErrorIs(t, s.StartRunning(ctx, "p1", "exec-2"), runstore.ErrPhaseConflict)

	next := clock.Now().Add(5 * time.Minute)
	require.NoError(t, s.EnterMonitoring(ctx, "p1", next, 5*time.Minute))

	lease, _, err := s.Lease(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, runstore.PhaseMonitoring, lease.Phase)
	require.Equal(t, next, lease.NextCheckAt)

	// Monitor tick claims MONITORING -> RUNNING; a second claim loses.
	require.NoError(t, s.StartMonitorRun(ctx, "p1", "exec-2"))
	require.ErrorIs(t, s.StartMonitorRun(ctx, "p1", "exec-3"), runstore.ErrPhaseConflict)

	require.NoError(t, s.Finish(ctx, "p1"))
	lease, _, err = s.Lease(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, runstore.PhaseIdle, lease.Phase)

	// Finish is idempotent on IDLE.
	require.NoError(t, s.Finish(ctx, "p1"))
}

func TestFinishFromPendingConflicts(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.TryClaimPending(ctx, []string{"p1"})
	require.NoError(t, err)
	require.ErrorIs(t, s.Finish(ctx, "p1"), runstore.ErrPhaseConflict)
}

func TestEnterMonitoringRequiresRunning(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()

	_, err := s.TryClaimPending(ctx, []string{"p1"})
	require.NoError(t, err)
	require.ErrorIs(t, s.EnterMonitoring(ctx, "p1", clock.Now(), time.Minute), runstore.ErrPhaseConflict)
}

func TestReleaseToIdleRollsBackClaim(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.TryClaimPending(ctx, []string{"p1"})
	require.NoError(t, err)
	require.NoError(t, s.ReleaseToIdle(ctx, "p1", runstore.ReasonEnqueueFailed))

	lease, _, err := s.Lease(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, runstore.PhaseIdle, lease.Phase)
	require.Equal(t, runstore.ReasonEnqueueFailed, lease.LastReason)
	// enqueue_failed is a rollback, not a failure.
	require.Zero(t, lease.FailCount)

	granted, err := s.TryClaimPending(ctx, []string{"p1"})
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, granted)
}

func TestFailCountAndFailLoopParking(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		granted, err := s.TryClaimPending(ctx, []string{"p1"})
		require.NoError(t, err)
		require.Equal(t, []string{"p1"}, granted, "claim %d", i)
		require.NoError(t, s.StartRunning(ctx, "p1", "exec"))
		require.NoError(t, s.ReleaseToIdle(ctx, "p1", runstore.ReasonExecuteError))
	}

	lease, _, err := s.Lease(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 5, lease.FailCount)
	require.Equal(t, runstore.ReasonFailLoop, lease.LastReason)

	// Parked: no further claims.
	granted, err := s.TryClaimPending(ctx, []string{"p1"})
	require.NoError(t, err)
	require.Empty(t, granted)
}

func TestFinishResetsFailCount(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.TryClaimPending(ctx, []string{"p1"})
	require.NoError(t, err)
	require.NoError(t, s.StartRunning(ctx, "p1", "exec"))
	require.NoError(t, s.ReleaseToIdle(ctx, "p1", runstore.ReasonExecuteError))

	_, err = s.TryClaimPending(ctx, []string{"p1"})
	require.NoError(t, err)
	require.NoError(t, s.StartRunning(ctx, "p1", "exec"))
	require.NoError(t, s.Finish(ctx, "p1"))

	lease, _, err := s.Lease(ctx, "p1")
	require.NoError(t, err)
	require.Zero(t, lease.FailCount)
}

func TestDueMonitors(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2"} {
		_, err := s.TryClaimPending(ctx, []string{id})
		require.NoError(t, err)
		require.NoError(t, s.StartRunning(ctx, id, "exec"))
	}
	require.NoError(t, s.EnterMonitoring(ctx, "p1", clock.Now().Add(time.Minute), time.Minute))
	require.NoError(t, s.EnterMonitoring(ctx, "p2", clock.Now().Add(time.Hour), time.Hour))

	due, err := s.DueMonitors(ctx, clock.Now())
	require.NoError(t, err)
	require.Empty(t, due)

	clock.Advance(time.Minute)
	due, err = s.DueMonitors(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "p1", due[0].PipelineID)
	require.Equal(t, time.Minute, due[0].MonitorInterval)
}

func TestReleaseStale(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()

	// p1 stuck PENDING, p2 stuck RUNNING, p3 overdue MONITORING, p4 claimed
	// recently enough to stay alive.
	_, err := s.TryClaimPending(ctx, []string{"p1", "p2", "p3"})
	require.NoError(t, err)
	require.NoError(t, s.StartRunning(ctx, "p2", "exec"))
	require.NoError(t, s.StartRunning(ctx, "p3", "exec"))
	require.NoError(t, s.EnterMonitoring(ctx, "p3", clock.Now().Add(time.Minute), time.Minute))

	clock.Advance(10 * time.Minute)
	_, err = s.TryClaimPending(ctx, []string{"p4"})
	require.NoError(t, err)
	require.NoError(t, s.StartRunning(ctx, "p4", "exec"))

	released, err := s.ReleaseStale(ctx, clock.Now(), 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, released, 1)
	require.Equal(t, "p3", released[0].PipelineID)
	require.Equal(t, runstore.PhaseMonitoring, released[0].Phase)

	clock.Advance(6 * time.Minute)
	released, err = s.ReleaseStale(ctx, clock.Now(), 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, released, 2)

	for _, id := range []string{"p1", "p2", "p3"} {
		lease, _, err := s.Lease(ctx, id)
		require.NoError(t, err)
		require.Equal(t, runstore.PhaseIdle, lease.Phase, id)
		require.Equal(t, 1, lease.FailCount, id)
	}
	lease, _, err := s.Lease(ctx, "p4")
	require.NoError(t, err)
	require.Equal(t, runstore.PhaseRunning, lease.Phase)
}
