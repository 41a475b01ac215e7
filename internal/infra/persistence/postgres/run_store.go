package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tidemill/signalmesh/internal/domain/runstore"
)

// RunStore persists pipeline run leases. Every transition is a single guarded
// UPDATE keyed on pipeline_id and source phase, which gives the per-pipeline
// atomicity the contract requires without explicit locks.
type RunStore struct {
	pool         *pgxpool.Pool
	maxFailCount int

	failLoopCounter metric.Int64Counter
}

// NewRunStore constructs a RunStore backed by the provided pool.
func NewRunStore(pool *pgxpool.Pool, maxFailCount int) *RunStore {
	if maxFailCount <= 0 {
		maxFailCount = 5
	}
	s := &RunStore{pool: pool, maxFailCount: maxFailCount}
	meter := otel.Meter("runstore")
	s.failLoopCounter, _ = meter.Int64Counter("fail.loop",
		metric.WithDescription("Pipelines parked after crossing the consecutive-failure cap"),
		metric.WithUnit("{pipeline}"))
	return s
}

const (
	runClaimSQL = `
INSERT INTO pipeline_runs (pipeline_id, phase, claimed_at, updated_at)
SELECT id, 'PENDING', NOW(), NOW()
FROM unnest($1::text[]) AS id
ON CONFLICT (pipeline_id) DO UPDATE
SET phase = 'PENDING',
    execution_id = NULL,
    claimed_at = NOW(),
    updated_at = NOW()
WHERE pipeline_runs.phase = 'IDLE'
  AND pipeline_runs.fail_count < $2
RETURNING pipeline_id;
`

	runStartSQL = `
UPDATE pipeline_runs
SET phase = 'RUNNING',
    execution_id = $3,
    updated_at = NOW()
WHERE pipeline_id = $1
  AND phase = $2;
`

	runEnterMonitoringSQL = `
UPDATE pipeline_runs
SET phase = 'MONITORING',
    next_check_at = $2,
    monitor_interval_ms = $3,
    updated_at = NOW()
WHERE pipeline_id = $1
  AND phase = 'RUNNING';
`

	runFinishSQL = `
UPDATE pipeline_runs
SET phase = 'IDLE',
    execution_id = NULL,
    next_check_at = NULL,
    monitor_interval_ms = 0,
    fail_count = 0,
    last_reason = '',
    updated_at = NOW()
WHERE pipeline_id = $1
  AND phase IN ('RUNNING', 'MONITORING');
`

	runPhaseSQL = `
SELECT phase FROM pipeline_runs WHERE pipeline_id = $1;
`

	runReleaseSQL = `
UPDATE pipeline_runs
SET phase = 'IDLE',
    execution_id = NULL,
    next_check_at = NULL,
    monitor_interval_ms = 0,
    fail_count = CASE WHEN $2 THEN fail_count + 1 ELSE fail_count END,
    last_reason = CASE WHEN $2 AND fail_count + 1 >= $4 THEN 'fail_loop' ELSE $3 END,
    updated_at = NOW()
WHERE pipeline_id = $1
RETURNING fail_count, last_reason;
`

	runDueMonitorsSQL = `
SELECT pipeline_id, next_check_at, monitor_interval_ms
FROM pipeline_runs
WHERE phase = 'MONITORING'
  AND next_check_at <= $1
ORDER BY next_check_at ASC;
`

	runReleaseStaleSQL = `
WITH stale AS (
    SELECT pipeline_id, phase,
           CASE WHEN phase = 'MONITORING'
                THEN $1::timestamptz - next_check_at
                ELSE $1::timestamptz - claimed_at
           END AS age
    FROM pipeline_runs
    WHERE (phase IN ('PENDING', 'RUNNING') AND claimed_at < $1::timestamptz - $2::interval)
       OR (phase = 'MONITORING'
           AND monitor_interval_ms > 0
           AND next_check_at < $1::timestamptz - make_interval(secs => monitor_interval_ms * 3 / 1000.0))
    FOR UPDATE SKIP LOCKED
)
UPDATE pipeline_runs AS r
SET phase = 'IDLE',
    execution_id = NULL,
    next_check_at = NULL,
    monitor_interval_ms = 0,
    fail_count = r.fail_count + 1,
    last_reason = CASE WHEN r.fail_count + 1 >= $3 THEN 'fail_loop' ELSE 'stale_lease' END,
    updated_at = NOW()
FROM stale
WHERE r.pipeline_id = stale.pipeline_id
RETURNING stale.pipeline_id, stale.phase, stale.age;
`

	runLeaseSQL = `
SELECT pipeline_id, phase, execution_id, next_check_at, monitor_interval_ms,
       fail_count, last_reason, claimed_at, updated_at
FROM pipeline_runs
WHERE pipeline_id = $1;
`
)

// TryClaimPending claims every IDLE pipeline in ids, seeding unknown ones.
// Parked pipelines (fail_count at the cap) are never granted.
func (s *RunStore) TryClaimPending(ctx context.Context, ids []string) ([]string, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("run store: nil pool")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, runClaimSQL, ids, s.maxFailCount)
	if err != nil {
		return nil, fmt.Errorf("run store: claim pending: %w", err)
	}
	defer rows.Close()

	granted := make([]string, 0, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("run store: scan granted id: %w", err)
		}
		granted = append(granted, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run store: iterate granted: %w", err)
	}
	return granted, nil
}

// StartRunning transitions PENDING to RUNNING.
func (s *RunStore) StartRunning(ctx context.Context, pipelineID, executionID string) error {
	return s.startFrom(ctx, pipelineID, runstore.PhasePending, executionID)
}

// StartMonitorRun transitions MONITORING to RUNNING for a monitor pass.
func (s *RunStore) StartMonitorRun(ctx context.Context, pipelineID, executionID string) error {
	return s.startFrom(ctx, pipelineID, runstore.PhaseMonitoring, executionID)
}

func (s *RunStore) startFrom(ctx context.Context, pipelineID string, from runstore.Phase, executionID string) error {
	if s.pool == nil {
		return fmt.Errorf("run store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, runStartSQL, pipelineID, string(from), executionID)
	if err != nil {
		return fmt.Errorf("run store: start running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return runstore.ErrPhaseConflict
	}
	return nil
}

// EnterMonitoring transitions RUNNING to MONITORING.
func (s *RunStore) EnterMonitoring(ctx context.Context, pipelineID string, nextCheckAt time.Time, interval time.Duration) error {
	if s.pool == nil {
		return fmt.Errorf("run store: nil pool")
	}
	if interval <= 0 {
		return fmt.Errorf("run store: monitor interval must be positive")
	}
	tag, err := s.pool.Exec(ctx, runEnterMonitoringSQL, pipelineID, nextCheckAt.UTC(), interval.Milliseconds())
	if err != nil {
		return fmt.Errorf("run store: enter monitoring: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return runstore.ErrPhaseConflict
	}
	return nil
}

// Finish returns RUNNING or MONITORING to IDLE and resets the fail count.
// Finishing an unknown or already IDLE lease is a no-op.
func (s *RunStore) Finish(ctx context.Context, pipelineID string) error {
	if s.pool == nil {
		return fmt.Errorf("run store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, runFinishSQL, pipelineID)
	if err != nil {
		return fmt.Errorf("run store: finish: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var phase string
	err = s.pool.QueryRow(ctx, runPhaseSQL, pipelineID).Scan(&phase)
	switch {
	case err == pgx.ErrNoRows:
		return nil
	case err != nil:
		return fmt.Errorf("run store: finish phase check: %w", err)
	case runstore.Phase(phase) == runstore.PhaseIdle:
		return nil
	default:
		return runstore.ErrPhaseConflict
	}
}

// ReleaseToIdle forces the lease to IDLE from any phase, applying fail
// accounting for failure reasons.
func (s *RunStore) ReleaseToIdle(ctx context.Context, pipelineID string, reason runstore.Reason) error {
	if s.pool == nil {
		return fmt.Errorf("run store: nil pool")
	}
	var (
		failCount  int
		lastReason string
	)
	err := s.pool.QueryRow(ctx, runReleaseSQL, pipelineID, reason.Failure(), string(reason), s.maxFailCount).
		Scan(&failCount, &lastReason)
	switch {
	case err == pgx.ErrNoRows:
		return nil
	case err != nil:
		return fmt.Errorf("run store: release to idle: %w", err)
	}
	if runstore.Reason(lastReason) == runstore.ReasonFailLoop && failCount == s.maxFailCount {
		if s.failLoopCounter != nil {
			s.failLoopCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("pipeline_id", pipelineID)))
		}
	}
	return nil
}

// DueMonitors lists MONITORING leases with next_check_at <= now.
func (s *RunStore) DueMonitors(ctx context.Context, now time.Time) ([]runstore.MonitorDue, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("run store: nil pool")
	}
	rows, err := s.pool.Query(ctx, runDueMonitorsSQL, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("run store: due monitors: %w", err)
	}
	defer rows.Close()

	var due []runstore.MonitorDue
	for rows.Next() {
		var (
			d          runstore.MonitorDue
			intervalMS int64
		)
		if err := rows.Scan(&d.PipelineID, &d.NextCheckAt, &intervalMS); err != nil {
			return nil, fmt.Errorf("run store: scan due monitor: %w", err)
		}
		d.MonitorInterval = time.Duration(intervalMS) * time.Millisecond
		due = append(due, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run store: iterate due monitors: %w", err)
	}
	return due, nil
}

// ReleaseStale releases PENDING/RUNNING leases older than leaseTimeout and
// MONITORING leases more than three intervals overdue.
func (s *RunStore) ReleaseStale(ctx context.Context, now time.Time, leaseTimeout time.Duration) ([]runstore.StaleLease, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("run store: nil pool")
	}
	rows, err := s.pool.Query(ctx, runReleaseStaleSQL, now.UTC(), leaseTimeout, s.maxFailCount)
	if err != nil {
		return nil, fmt.Errorf("run store: release stale: %w", err)
	}
	defer rows.Close()

	var released []runstore.StaleLease
	for rows.Next() {
		var (
			stale runstore.StaleLease
			phase string
			age   pgtype.Interval
		)
		if err := rows.Scan(&stale.PipelineID, &phase, &age); err != nil {
			return nil, fmt.Errorf("run store: scan stale lease: %w", err)
		}
		stale.Phase = runstore.Phase(phase)
		stale.Age = intervalDuration(age)
		released = append(released, stale)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run store: iterate stale leases: %w", err)
	}
	return released, nil
}

// Lease reads the current lease row.
func (s *RunStore) Lease(ctx context.Context, pipelineID string) (runstore.Lease, bool, error) {
	if s.pool == nil {
		return runstore.Lease{}, false, fmt.Errorf("run store: nil pool")
	}
	var (
		lease       runstore.Lease
		phase       string
		executionID pgtype.Text
		nextCheckAt pgtype.Timestamptz
		intervalMS  int64
		lastReason  string
		claimedAt   pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, runLeaseSQL, pipelineID).Scan(
		&lease.PipelineID,
		&phase,
		&executionID,
		&nextCheckAt,
		&intervalMS,
		&lease.FailCount,
		&lastReason,
		&claimedAt,
		&lease.UpdatedAt,
	)
	switch {
	case err == pgx.ErrNoRows:
		return runstore.Lease{}, false, nil
	case err != nil:
		return runstore.Lease{}, false, fmt.Errorf("run store: read lease: %w", err)
	}
	lease.Phase = runstore.Phase(phase)
	lease.LastReason = runstore.Reason(lastReason)
	lease.MonitorInterval = time.Duration(intervalMS) * time.Millisecond
	if executionID.Valid {
		lease.ExecutionID = executionID.String
	}
	if nextCheckAt.Valid {
		lease.NextCheckAt = nextCheckAt.Time
	}
	if claimedAt.Valid {
		lease.ClaimedAt = claimedAt.Time
	}
	return lease, true, nil
}

func intervalDuration(iv pgtype.Interval) time.Duration {
	if !iv.Valid {
		return 0
	}
	d := time.Duration(iv.Microseconds) * time.Microsecond
	d += time.Duration(iv.Days) * 24 * time.Hour
	d += time.Duration(iv.Months) * 30 * 24 * time.Hour
	return d
}

var _ runstore.Store = (*RunStore)(nil)
