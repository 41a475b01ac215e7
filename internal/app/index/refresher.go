package index

import (
	"context"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tidemill/signalmesh/internal/domain/pipelinestore"
	"github.com/tidemill/signalmesh/internal/domain/schema"
)

const defaultPageSize = 500

// RefresherConfig tunes the snapshot rebuild loop.
type RefresherConfig struct {
	Interval time.Duration
	PageSize int
}

// Refresher periodically rebuilds the index from the catalogue read view. A
// failed rebuild keeps the previous snapshot in place.
type Refresher struct {
	index    *Index
	reader   pipelinestore.Reader
	interval time.Duration
	pageSize int
	clock    func() time.Time
	logger   *log.Logger

	refreshFailureCounter metric.Int64Counter
	cacheSizeGauge        metric.Int64Gauge
}

// NewRefresher wires a refresher for the given index and catalogue view.
func NewRefresher(idx *Index, reader pipelinestore.Reader, cfg RefresherConfig) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	r := &Refresher{
		index:    idx,
		reader:   reader,
		interval: cfg.Interval,
		pageSize: cfg.PageSize,
		clock:    time.Now,
		logger:   log.New(os.Stdout, "index ", log.LstdFlags|log.Lmicroseconds),
	}

	meter := otel.Meter("index")
	r.refreshFailureCounter, _ = meter.Int64Counter("refresh.failure",
		metric.WithDescription("Number of snapshot rebuilds that failed"),
		metric.WithUnit("{refresh}"))
	r.cacheSizeGauge, _ = meter.Int64Gauge("pipeline.cache.size",
		metric.WithDescription("Number of pipeline descriptors in the current snapshot"),
		metric.WithUnit("{pipeline}"))

	return r
}

// WithClock overrides the time source, used by tests.
func (r *Refresher) WithClock(clock func() time.Time) *Refresher {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// Run refreshes immediately, then on every interval tick until ctx ends.
func (r *Refresher) Run(ctx context.Context) {
	if err := r.RefreshOnce(ctx); err != nil {
		r.logger.Printf("initial refresh failed: %v", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RefreshOnce(ctx); err != nil {
				r.logger.Printf("refresh failed, serving previous snapshot: %v", err)
			}
			r.warnIfStale()
		}
	}
}

// RefreshOnce pages the full catalogue and swaps in a new snapshot.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	descriptors, err := r.loadAll(ctx)
	if err != nil {
		if r.refreshFailureCounter != nil {
			r.refreshFailureCounter.Add(ctx, 1)
		}
		return err
	}

	version := r.index.Load().Version() + 1
	snap := BuildSnapshot(descriptors, version, r.clock())
	r.index.store(snap)

	if r.cacheSizeGauge != nil {
		r.cacheSizeGauge.Record(ctx, int64(snap.Size()))
	}
	return nil
}

func (r *Refresher) loadAll(ctx context.Context) ([]schema.PipelineDescriptor, error) {
	var all []schema.PipelineDescriptor
	cursor := ""
	for {
		page, next, err := r.reader.ListActive(ctx, cursor, r.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

func (r *Refresher) warnIfStale() {
	builtAt := r.index.Load().BuiltAt()
	if builtAt.IsZero() {
		return
	}
	if age := r.clock().Sub(builtAt); age > 2*r.interval {
		r.logger.Printf("snapshot stale: built %s ago (refresh interval %s)", age, r.interval)
	}
}
