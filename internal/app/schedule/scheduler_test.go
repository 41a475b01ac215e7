package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tidemill/signalmesh/internal/app/index"
	"github.com/tidemill/signalmesh/internal/domain/runstore"
	"github.com/tidemill/signalmesh/internal/domain/schema"
	"github.com/tidemill/signalmesh/internal/infra/persistence/memory"
)

type fakeQueue struct {
	mu      sync.Mutex
	intents []schema.EnqueueIntent
	err     error
}

func (q *fakeQueue) Enqueue(_ context.Context, intent schema.EnqueueIntent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.intents = append(q.intents, intent)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.intents)
}

func periodicIndex(t *testing.T, ids ...string) *index.Index {
	t.Helper()
	catalogue := memory.NewPipelineStore()
	for _, id := range ids {
		catalogue.Put(schema.PipelineDescriptor{
			PipelineID:  id,
			UserID:      "u1",
			TriggerMode: schema.TriggerModePeriodic,
			Active:      true,
		})
	}
	idx := index.NewIndex()
	refresher := index.NewRefresher(idx, catalogue, index.RefresherConfig{Interval: time.Hour})
	require.NoError(t, refresher.RefreshOnce(context.Background()))
	return idx
}

func TestSweepClaimsAndEnqueuesPeriodicPipelines(t *testing.T) {
	idx := periodicIndex(t, "p1", "p2")
	store := memory.NewRunStore(5)
	queue := &fakeQueue{}
	s := NewScheduler(idx, store, queue, SchedulerConfig{Interval: time.Hour})

	require.NoError(t, s.Sweep(context.Background()))

	require.Equal(t, 2, queue.count())
	for _, intent := range queue.intents {
		require.Equal(t, schema.TriggerSchedule, intent.Trigger.Source)
	}
	for _, id := range []string{"p1", "p2"} {
		lease, ok, err := store.Lease(context.Background(), id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, runstore.PhasePending, lease.Phase)
	}
}

func TestSweepSkipsPipelinesWithLiveRuns(t *testing.T) {
	idx := periodicIndex(t, "p1", "p2")
	store := memory.NewRunStore(5)
	queue := &fakeQueue{}
	s := NewScheduler(idx, store, queue, SchedulerConfig{})

	// p1 already claimed by a previous tick.
	granted, err := store.TryClaimPending(context.Background(), []string{"p1"})
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, granted)

	require.NoError(t, s.Sweep(context.Background()))

	require.Equal(t, 1, queue.count())
	require.Equal(t, "p2", queue.intents[0].PipelineID)
}

func TestSweepReleasesClaimOnEnqueueFailure(t *testing.T) {
	idx := periodicIndex(t, "p1")
	store := memory.NewRunStore(5)
	queue := &fakeQueue{err: errors.New("queue full")}
	s := NewScheduler(idx, store, queue, SchedulerConfig{})

	require.NoError(t, s.Sweep(context.Background()))

	lease, ok, err := store.Lease(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, runstore.PhaseIdle, lease.Phase)
	require.Equal(t, runstore.ReasonEnqueueFailed, lease.LastReason)
}

func TestSweepPropagatesRegistryError(t *testing.T) {
	idx := periodicIndex(t, "p1")
	queue := &fakeQueue{}
	s := NewScheduler(idx, failingRegistry{}, queue, SchedulerConfig{})

	require.Error(t, s.Sweep(context.Background()))
	require.Zero(t, queue.count())
}

type failingRegistry struct {
	runstore.Store
}

func (failingRegistry) TryClaimPending(context.Context, []string) ([]string, error) {
	return nil, errors.New("registry down")
}
