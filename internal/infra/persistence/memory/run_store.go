// Package memory provides the in-process store implementations used for
// single-node deployments and tests. Semantics mirror the postgres stores.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tidemill/signalmesh/errs"
	"github.com/tidemill/signalmesh/internal/domain/runstore"
)

// RunStore is a mutex-guarded run registry. Every transition happens under
// one lock, which gives the same per-pipeline atomicity the postgres store
// gets from guarded UPDATEs.
type RunStore struct {
	mu           sync.Mutex
	leases       map[string]*runstore.Lease
	clock        func() time.Time
	maxFailCount int

	failLoopCounter metric.Int64Counter
}

// NewRunStore builds an empty registry. Pipelines whose consecutive failures
// reach maxFailCount are parked: they stop being claimable until an operator
// resets the lease.
func NewRunStore(maxFailCount int) *RunStore {
	if maxFailCount <= 0 {
		maxFailCount = 5
	}
	s := &RunStore{
		leases:       make(map[string]*runstore.Lease),
		clock:        time.Now,
		maxFailCount: maxFailCount,
	}
	meter := otel.Meter("runstore")
	s.failLoopCounter, _ = meter.Int64Counter("fail.loop",
		metric.WithDescription("Pipelines parked after crossing the consecutive-failure cap"),
		metric.WithUnit("{pipeline}"))
	return s
}

// WithClock overrides the time source, used by tests.
func (s *RunStore) WithClock(clock func() time.Time) *RunStore {
	if clock != nil {
		s.clock = clock
	}
	return s
}

func (s *RunStore) TryClaimPending(ctx context.Context, ids []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	granted := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		lease, ok := s.leases[id]
		if !ok {
			lease = &runstore.Lease{PipelineID: id, Phase: runstore.PhaseIdle}
			s.leases[id] = lease
		}
		if lease.Phase != runstore.PhaseIdle || lease.FailCount >= s.maxFailCount {
			continue
		}
		lease.Phase = runstore.PhasePending
		lease.ExecutionID = ""
		lease.ClaimedAt = now
		lease.UpdatedAt = now
		granted = append(granted, id)
	}
	return granted, nil
}

func (s *RunStore) StartRunning(ctx context.Context, pipelineID, executionID string) error {
	return s.transition(ctx, pipelineID, runstore.PhasePending, executionID)
}

func (s *RunStore) StartMonitorRun(ctx context.Context, pipelineID, executionID string) error {
	return s.transition(ctx, pipelineID, runstore.PhaseMonitoring, executionID)
}

func (s *RunStore) transition(ctx context.Context, pipelineID string, from runstore.Phase, executionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[pipelineID]
	if !ok || lease.Phase != from {
		return runstore.ErrPhaseConflict
	}
	lease.Phase = runstore.PhaseRunning
	lease.ExecutionID = executionID
	lease.UpdatedAt = now
	return nil
}

func (s *RunStore) EnterMonitoring(ctx context.Context, pipelineID string, nextCheckAt time.Time, interval time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if interval <= 0 {
		return errs.New("runstore/memory", errs.CodeInvalid, errs.WithMessage("monitor interval must be positive"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[pipelineID]
	if !ok || lease.Phase != runstore.PhaseRunning {
		return runstore.ErrPhaseConflict
	}
	lease.Phase = runstore.PhaseMonitoring
	lease.NextCheckAt = nextCheckAt
	lease.MonitorInterval = interval
	lease.UpdatedAt = s.clock()
	return nil
}

func (s *RunStore) Finish(ctx context.Context, pipelineID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[pipelineID]
	if !ok {
		return nil
	}
	switch lease.Phase {
	case runstore.PhaseIdle:
		return nil
	case runstore.PhaseRunning, runstore.PhaseMonitoring:
		s.releaseLocked(ctx, lease, "")
		lease.FailCount = 0
		return nil
	default:
		return runstore.ErrPhaseConflict
	}
}

func (s *RunStore) ReleaseToIdle(ctx context.Context, pipelineID string, reason runstore.Reason) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[pipelineID]
	if !ok {
		return nil
	}
	s.releaseLocked(ctx, lease, reason)
	return nil
}

// releaseLocked drops the lease to IDLE, applying fail accounting for
// failure reasons. Callers hold s.mu.
func (s *RunStore) releaseLocked(ctx context.Context, lease *runstore.Lease, reason runstore.Reason) {
	lease.Phase = runstore.PhaseIdle
	lease.ExecutionID = ""
	lease.NextCheckAt = time.Time{}
	lease.MonitorInterval = 0
	lease.LastReason = reason
	lease.UpdatedAt = s.clock()

	if reason.Failure() {
		lease.FailCount++
		if lease.FailCount == s.maxFailCount {
			lease.LastReason = runstore.ReasonFailLoop
			if s.failLoopCounter != nil {
				s.failLoopCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("pipeline_id", lease.PipelineID)))
			}
		}
	}
}

func (s *RunStore) DueMonitors(ctx context.Context, now time.Time) ([]runstore.MonitorDue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []runstore.MonitorDue
	for _, lease := range s.leases {
		if lease.Phase == runstore.PhaseMonitoring && !lease.NextCheckAt.After(now) {
			due = append(due, runstore.MonitorDue{
				PipelineID:      lease.PipelineID,
				NextCheckAt:     lease.NextCheckAt,
				MonitorInterval: lease.MonitorInterval,
			})
		}
	}
	return due, nil
}

func (s *RunStore) ReleaseStale(ctx context.Context, now time.Time, leaseTimeout time.Duration) ([]runstore.StaleLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var released []runstore.StaleLease
	for _, lease := range s.leases {
		var stale bool
		var age time.Duration
		switch lease.Phase {
		case runstore.PhasePending, runstore.PhaseRunning:
			age = now.Sub(lease.ClaimedAt)
			stale = age > leaseTimeout
		case runstore.PhaseMonitoring:
			age = now.Sub(lease.NextCheckAt)
			stale = lease.MonitorInterval > 0 && age > 3*lease.MonitorInterval
		}
		if !stale {
			continue
		}
		phase := lease.Phase
		s.releaseLocked(ctx, lease, runstore.ReasonStaleLease)
		released = append(released, runstore.StaleLease{
			PipelineID: lease.PipelineID,
			Phase:      phase,
			Age:        age,
		})
	}
	return released, nil
}

func (s *RunStore) Lease(ctx context.Context, pipelineID string) (runstore.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return runstore.Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[pipelineID]
	if !ok {
		return runstore.Lease{}, false, nil
	}
	return *lease, true, nil
}

var _ runstore.Store = (*RunStore)(nil)
