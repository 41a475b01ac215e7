// Package runstore defines the persistence contract for pipeline run leases.
//
// The store is the single synchronisation point between the dispatcher, the
// periodic scheduler, the monitor dispatcher, and the worker pool: every
// transition is atomic per pipeline_id, and at most one non-IDLE lease exists
// per pipeline at any instant.
package runstore

import (
	"context"
	"errors"
	"time"
)

// Phase enumerates the lease state machine.
//
//	IDLE --TryClaimPending--> PENDING --StartRunning--> RUNNING
//	RUNNING --EnterMonitoring--> MONITORING --StartMonitorRun--> RUNNING
//	RUNNING|MONITORING --Finish--> IDLE
//	any --ReleaseToIdle--> IDLE
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhasePending    Phase = "PENDING"
	PhaseRunning    Phase = "RUNNING"
	PhaseMonitoring Phase = "MONITORING"
)

// Reason annotates a ReleaseToIdle transition.
type Reason string

const (
	// ReasonEnqueueFailed rolls back a claim whose executor enqueue failed.
	ReasonEnqueueFailed Reason = "enqueue_failed"
	// ReasonStaleLease recovers leases abandoned by a crashed worker.
	ReasonStaleLease Reason = "stale_lease"
	// ReasonExecuteError records a runner failure during the execute phase.
	ReasonExecuteError Reason = "execute_error"
	// ReasonExecuteTimeout records a runner interrupted at the execute deadline.
	ReasonExecuteTimeout Reason = "execute_timeout"
	// ReasonMonitorError records a runner failure during a monitor pass.
	ReasonMonitorError Reason = "monitor_error"
	// ReasonFailLoop parks a pipeline whose consecutive failures crossed the cap.
	ReasonFailLoop Reason = "fail_loop"
	// ReasonShutdown releases leases surrendered during graceful shutdown.
	ReasonShutdown Reason = "shutdown"
)

// Failure reports whether the reason counts against the pipeline's fail cap.
func (r Reason) Failure() bool {
	switch r {
	case ReasonExecuteError, ReasonExecuteTimeout, ReasonMonitorError, ReasonStaleLease:
		return true
	default:
		return false
	}
}

// ErrPhaseConflict is returned when a transition's source phase does not hold.
// Callers treat it as "someone else owns this pipeline right now" and drop.
var ErrPhaseConflict = errors.New("runstore: lease phase conflict")

// Lease is the authoritative per-pipeline run state.
type Lease struct {
	PipelineID      string
	Phase           Phase
	ExecutionID     string
	NextCheckAt     time.Time
	MonitorInterval time.Duration
	FailCount       int
	LastReason      Reason
	ClaimedAt       time.Time
	UpdatedAt       time.Time
}

// MonitorDue identifies a MONITORING lease whose next check has come due.
type MonitorDue struct {
	PipelineID      string
	NextCheckAt     time.Time
	MonitorInterval time.Duration
}

// StaleLease reports a lease released by the liveness sweep.
type StaleLease struct {
	PipelineID string
	Phase      Phase
	Age        time.Duration
}

// Store is the run registry contract. Implementations must make every method
// atomic with respect to a single pipeline_id; TryClaimPending must be atomic
// per id, not across the whole batch.
type Store interface {
	// TryClaimPending transitions each IDLE pipeline in ids to PENDING and
	// returns the granted subset. Unknown pipelines are seeded IDLE and
	// claimed in the same step.
	TryClaimPending(ctx context.Context, ids []string) ([]string, error)
	// StartRunning transitions PENDING to RUNNING under a fresh execution id.
	StartRunning(ctx context.Context, pipelineID, executionID string) error
	// StartMonitorRun transitions MONITORING to RUNNING for a monitor pass.
	StartMonitorRun(ctx context.Context, pipelineID, executionID string) error
	// EnterMonitoring transitions RUNNING to MONITORING.
	EnterMonitoring(ctx context.Context, pipelineID string, nextCheckAt time.Time, interval time.Duration) error
	// Finish transitions RUNNING or MONITORING to IDLE and resets the fail
	// count. Finishing an already IDLE lease is a no-op.
	Finish(ctx context.Context, pipelineID string) error
	// ReleaseToIdle forces the lease to IDLE from any phase, recording why.
	ReleaseToIdle(ctx context.Context, pipelineID string, reason Reason) error
	// DueMonitors lists MONITORING leases with next_check_at <= now.
	DueMonitors(ctx context.Context, now time.Time) ([]MonitorDue, error)
	// ReleaseStale releases PENDING/RUNNING leases older than leaseTimeout and
	// MONITORING leases more than three intervals overdue.
	ReleaseStale(ctx context.Context, now time.Time, leaseTimeout time.Duration) ([]StaleLease, error)
	// Lease reads the current lease row; ok is false for unknown pipelines.
	Lease(ctx context.Context, pipelineID string) (Lease, bool, error)
}
