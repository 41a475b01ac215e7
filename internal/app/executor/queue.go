package executor

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tidemill/signalmesh/internal/domain/runstore"
	"github.com/tidemill/signalmesh/internal/domain/schema"
	"github.com/tidemill/signalmesh/lib/async"
)

// Config sizes the worker pool and bounds each run.
type Config struct {
	Workers                int
	QueueDepth             int
	ExecuteTimeout         time.Duration
	DefaultMonitorInterval time.Duration
}

func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 10 * time.Minute
	}
	if c.DefaultMonitorInterval <= 0 {
		c.DefaultMonitorInterval = 5 * time.Minute
	}
	return c
}

// Queue feeds granted enqueue intents to the worker pool. Enqueue never
// blocks: a saturated pool reports a capacity error and the caller rolls the
// claim back.
type Queue struct {
	pool   *async.Pool
	store  runstore.Store
	runner Runner
	sink   EventSink
	cfg    Config
	clock  func() time.Time
	logger *log.Logger

	durationHist metric.Float64Histogram
}

// NewQueue builds the executor queue and starts its workers.
func NewQueue(store runstore.Store, runner Runner, sink EventSink, cfg Config) (*Queue, error) {
	cfg = cfg.normalize()
	pool, err := async.NewPool(cfg.Workers, cfg.QueueDepth)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = NoopSink{}
	}
	q := &Queue{
		pool:   pool,
		store:  store,
		runner: runner,
		sink:   sink,
		cfg:    cfg,
		clock:  time.Now,
		logger: log.New(os.Stdout, "executor ", log.LstdFlags|log.Lmicroseconds),
	}

	meter := otel.Meter("executor")
	q.durationHist, _ = meter.Float64Histogram("pipeline.execution.duration",
		metric.WithDescription("Wall time of pipeline runs"),
		metric.WithUnit("s"))

	return q, nil
}

// WithClock overrides the time source, used by tests.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	if clock != nil {
		q.clock = clock
	}
	return q
}

// Enqueue submits the intent to the pool. The context only gates submission;
// the run itself executes under the pool's lifecycle context.
func (q *Queue) Enqueue(ctx context.Context, intent schema.EnqueueIntent) error {
	return q.pool.Submit(ctx, func(taskCtx context.Context) error {
		q.process(taskCtx, intent)
		return nil
	})
}

// Shutdown drains queued and in-flight runs within the grace context.
func (q *Queue) Shutdown(ctx context.Context) error {
	return q.pool.Shutdown(ctx)
}

func (q *Queue) process(ctx context.Context, intent schema.EnqueueIntent) {
	executionID := uuid.NewString()
	phase := PhaseExecute
	claim := q.store.StartRunning
	if intent.Trigger.Source == schema.TriggerMonitor {
		phase = PhaseMonitor
		claim = q.store.StartMonitorRun
	}

	// Lease transitions must land even if the pool context was cancelled by
	// a forced shutdown.
	storeCtx := context.WithoutCancel(ctx)

	if err := claim(storeCtx, intent.PipelineID, executionID); err != nil {
		if errors.Is(err, runstore.ErrPhaseConflict) {
			q.logger.Printf("pipeline=%s execution=%s phase=%s dropped: lease conflict", intent.PipelineID, executionID, phase)
			return
		}
		q.logger.Printf("pipeline=%s execution=%s claim failed: %v", intent.PipelineID, executionID, err)
		return
	}

	started := q.clock()
	runCtx, cancel := context.WithTimeout(ctx, q.cfg.ExecuteTimeout)
	result, runErr := q.runner.Execute(runCtx, Run{
		PipelineID:  intent.PipelineID,
		ExecutionID: executionID,
		Phase:       phase,
		Trigger:     intent.Trigger,
		StartedAt:   started,
	}, q.sink)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	outcome := q.settle(storeCtx, intent, phase, result, runErr, timedOut)

	if q.durationHist != nil {
		q.durationHist.Record(storeCtx, q.clock().Sub(started).Seconds(), metric.WithAttributes(
			attribute.String("phase", string(phase)),
			attribute.String("outcome", outcome)))
	}
}

// settle applies the run outcome to the lease and names it for telemetry.
func (q *Queue) settle(ctx context.Context, intent schema.EnqueueIntent, phase RunPhase, result Result, runErr error, timedOut bool) string {
	id := intent.PipelineID

	if runErr != nil {
		reason := runstore.ReasonExecuteError
		outcome := "error"
		switch {
		case timedOut:
			reason = runstore.ReasonExecuteTimeout
			outcome = "timeout"
		case phase == PhaseMonitor:
			reason = runstore.ReasonMonitorError
		}
		q.logger.Printf("pipeline=%s phase=%s run failed (%s): %v", id, phase, reason, runErr)
		if err := q.store.ReleaseToIdle(ctx, id, reason); err != nil {
			q.logger.Printf("pipeline=%s release failed: %v", id, err)
		}
		return outcome
	}

	switch result.Action {
	case ActionMonitor:
		interval := result.MonitorInterval
		if interval <= 0 {
			interval = intent.Trigger.MonitorInterval
		}
		if interval <= 0 {
			interval = q.cfg.DefaultMonitorInterval
		}
		if err := q.store.EnterMonitoring(ctx, id, q.clock().Add(interval), interval); err != nil {
			q.logger.Printf("pipeline=%s enter monitoring failed: %v", id, err)
			return "error"
		}
		return "monitor"
	default:
		if err := q.store.Finish(ctx, id); err != nil {
			q.logger.Printf("pipeline=%s finish failed: %v", id, err)
			return "error"
		}
		return "finish"
	}
}
