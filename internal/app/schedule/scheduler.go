// Package schedule hosts the two cadence-driven activation paths: the
// periodic scheduler that sweeps PERIODIC pipelines, and the monitor
// dispatcher that re-enqueues MONITORING pipelines when their next check
// comes due. Both coordinate with the signal path only through the run
// registry's atomic claim.
package schedule

import (
	"context"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tidemill/signalmesh/internal/app/index"
	"github.com/tidemill/signalmesh/internal/domain/runstore"
	"github.com/tidemill/signalmesh/internal/domain/schema"
)

// Enqueuer hands a granted intent to the executor queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, intent schema.EnqueueIntent) error
}

// SchedulerConfig tunes the periodic sweep cadence.
type SchedulerConfig struct {
	Interval time.Duration
}

func (c SchedulerConfig) normalize() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = 300 * time.Second
	}
	return c
}

// Scheduler enqueues every active PERIODIC pipeline on a fixed cadence.
// Pipelines already claimed by a previous tick (or anything else) are skipped
// by the registry; missed ticks are not caught up.
type Scheduler struct {
	index    *index.Index
	registry runstore.Store
	queue    Enqueuer
	cfg      SchedulerConfig
	clock    func() time.Time
	logger   *log.Logger

	enqueuedCounter metric.Int64Counter
	skippedCounter  metric.Int64Counter
	enqueueFailure  metric.Int64Counter
}

// NewScheduler wires a scheduler over the index's periodic subset.
func NewScheduler(idx *index.Index, registry runstore.Store, queue Enqueuer, cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		index:    idx,
		registry: registry,
		queue:    queue,
		cfg:      cfg.normalize(),
		clock:    time.Now,
		logger:   log.New(os.Stdout, "scheduler ", log.LstdFlags|log.Lmicroseconds),
	}

	meter := otel.Meter("scheduler")
	s.enqueuedCounter, _ = meter.Int64Counter("pipelines.enqueued",
		metric.WithDescription("Matched pipelines claimed and handed to the executor"),
		metric.WithUnit("{pipeline}"))
	s.skippedCounter, _ = meter.Int64Counter("pipelines.skipped.running",
		metric.WithDescription("Matched pipelines skipped because a run was already live"),
		metric.WithUnit("{pipeline}"))
	s.enqueueFailure, _ = meter.Int64Counter("enqueue.failure",
		metric.WithDescription("Claims rolled back because the executor enqueue failed"),
		metric.WithUnit("{pipeline}"))

	return s
}

// WithClock overrides the time source, used by tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// Run sweeps on every interval tick until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Printf("sweep failed: %v", err)
			}
		}
	}
}

// Sweep claims and enqueues every idle periodic pipeline once.
func (s *Scheduler) Sweep(ctx context.Context) error {
	ids := s.index.Load().Periodic()
	if len(ids) == 0 {
		return nil
	}

	granted, err := s.registry.TryClaimPending(ctx, ids)
	if err != nil {
		return err
	}
	if skipped := len(ids) - len(granted); skipped > 0 && s.skippedCounter != nil {
		s.skippedCounter.Add(ctx, int64(skipped), metric.WithAttributes(
			attribute.String("trigger", string(schema.TriggerSchedule))))
	}

	firedAt := s.clock()
	for _, id := range granted {
		intent := schema.EnqueueIntent{PipelineID: id, Trigger: schema.ScheduleTrigger(firedAt)}
		if err := s.queue.Enqueue(ctx, intent); err != nil {
			// The claim must not outlive the failed handoff.
			if s.enqueueFailure != nil {
				s.enqueueFailure.Add(ctx, 1)
			}
			s.logger.Printf("pipeline=%s enqueue failed, releasing claim: %v", id, err)
			if relErr := s.registry.ReleaseToIdle(ctx, id, runstore.ReasonEnqueueFailed); relErr != nil {
				s.logger.Printf("pipeline=%s release after enqueue failure failed: %v", id, relErr)
			}
			continue
		}
		if s.enqueuedCounter != nil {
			s.enqueuedCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("trigger", string(schema.TriggerSchedule))))
		}
	}
	return nil
}
