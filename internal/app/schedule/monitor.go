package schedule

import (
	"context"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tidemill/signalmesh/internal/domain/runstore"
	"github.com/tidemill/signalmesh/internal/domain/schema"
)

// MonitorConfig tunes the monitor dispatch cadence. The interval should stay
// at or below half the smallest monitor interval pipelines use, so due checks
// never slip by more than one tick.
type MonitorConfig struct {
	Interval time.Duration
}

func (c MonitorConfig) normalize() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	return c
}

// MonitorDispatcher polls the registry for due MONITORING leases and enqueues
// a monitor-tick intent for each. The worker claims MONITORING to RUNNING
// atomically, so a second dispatcher replica enqueueing the same due lease
// produces a dropped duplicate, never a double run.
type MonitorDispatcher struct {
	registry runstore.Store
	queue    Enqueuer
	cfg      MonitorConfig
	clock    func() time.Time
	logger   *log.Logger

	dueCounter     metric.Int64Counter
	enqueueFailure metric.Int64Counter
}

// NewMonitorDispatcher wires a monitor dispatcher over the registry.
func NewMonitorDispatcher(registry runstore.Store, queue Enqueuer, cfg MonitorConfig) *MonitorDispatcher {
	m := &MonitorDispatcher{
		registry: registry,
		queue:    queue,
		cfg:      cfg.normalize(),
		clock:    time.Now,
		logger:   log.New(os.Stdout, "monitor ", log.LstdFlags|log.Lmicroseconds),
	}

	meter := otel.Meter("monitor")
	m.dueCounter, _ = meter.Int64Counter("monitor.ticks.dispatched",
		metric.WithDescription("Due monitor checks handed to the executor"),
		metric.WithUnit("{tick}"))
	m.enqueueFailure, _ = meter.Int64Counter("enqueue.failure",
		metric.WithDescription("Claims rolled back because the executor enqueue failed"),
		metric.WithUnit("{pipeline}"))

	return m
}

// WithClock overrides the time source, used by tests.
func (m *MonitorDispatcher) WithClock(clock func() time.Time) *MonitorDispatcher {
	if clock != nil {
		m.clock = clock
	}
	return m
}

// Run dispatches due monitors on every interval tick until ctx ends.
func (m *MonitorDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.DispatchDue(ctx); err != nil {
				m.logger.Printf("dispatch failed: %v", err)
			}
		}
	}
}

// DispatchDue enqueues a monitor tick for every lease whose next check has
// passed. The lease stays MONITORING until the worker claims it, so an
// enqueue failure needs no rollback: the next tick retries.
func (m *MonitorDispatcher) DispatchDue(ctx context.Context) error {
	now := m.clock()
	due, err := m.registry.DueMonitors(ctx, now)
	if err != nil {
		return err
	}

	for _, d := range due {
		intent := schema.EnqueueIntent{
			PipelineID: d.PipelineID,
			Trigger:    schema.MonitorTrigger(now, d.MonitorInterval),
		}
		if err := m.queue.Enqueue(ctx, intent); err != nil {
			if m.enqueueFailure != nil {
				m.enqueueFailure.Add(ctx, 1)
			}
			m.logger.Printf("pipeline=%s monitor enqueue failed: %v", d.PipelineID, err)
			continue
		}
		if m.dueCounter != nil {
			m.dueCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("trigger", string(schema.TriggerMonitor))))
		}
	}
	return nil
}
