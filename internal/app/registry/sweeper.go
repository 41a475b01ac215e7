// Package registry hosts the liveness sweep over the run registry: leases
// abandoned by crashed workers are released back to idle so their pipelines
// become claimable again.
package registry

import (
	"context"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tidemill/signalmesh/internal/domain/runstore"
)

// SweeperConfig tunes the liveness sweep.
type SweeperConfig struct {
	// LeaseTimeout bounds how long a PENDING or RUNNING lease may live before
	// the sweep reclaims it. MONITORING leases are reclaimed when their next
	// check is more than three intervals overdue.
	LeaseTimeout time.Duration
	// Interval between sweeps. Zero defaults to LeaseTimeout/3.
	Interval time.Duration
}

func (c SweeperConfig) normalize() SweeperConfig {
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 15 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = c.LeaseTimeout / 3
	}
	return c
}

// Sweeper periodically releases stale leases. Worker crashes are recovered
// here, not by the dispatcher: the dispatcher only ever observes the lease
// becoming claimable again.
type Sweeper struct {
	store  runstore.Store
	cfg    SweeperConfig
	clock  func() time.Time
	logger *log.Logger

	staleLeaseCounter metric.Int64Counter
}

// NewSweeper wires a sweeper over the registry store.
func NewSweeper(store runstore.Store, cfg SweeperConfig) *Sweeper {
	s := &Sweeper{
		store:  store,
		cfg:    cfg.normalize(),
		clock:  time.Now,
		logger: log.New(os.Stdout, "sweeper ", log.LstdFlags|log.Lmicroseconds),
	}

	meter := otel.Meter("registry")
	s.staleLeaseCounter, _ = meter.Int64Counter("stale.lease",
		metric.WithDescription("Leases released by the liveness sweep"),
		metric.WithUnit("{lease}"))

	return s
}

// WithClock overrides the time source, used by tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// Run sweeps on every interval tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Printf("sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce releases every stale lease and counts the releases.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	released, err := s.store.ReleaseStale(ctx, s.clock(), s.cfg.LeaseTimeout)
	if err != nil {
		return err
	}
	for _, stale := range released {
		if s.staleLeaseCounter != nil {
			s.staleLeaseCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("phase", string(stale.Phase))))
		}
		s.logger.Printf("pipeline=%s phase=%s released: stale for %s", stale.PipelineID, stale.Phase, stale.Age)
	}
	return nil
}
