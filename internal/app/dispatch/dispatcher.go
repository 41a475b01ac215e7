package dispatch

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tidemill/signalmesh/internal/app/index"
	"github.com/tidemill/signalmesh/internal/domain/runstore"
	"github.com/tidemill/signalmesh/internal/domain/schema"
	"github.com/tidemill/signalmesh/internal/infra/bus/signalbus"
)

// Enqueuer hands a granted intent to the executor queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, intent schema.EnqueueIntent) error
}

// Config tunes the dispatcher's batching.
type Config struct {
	Group        string
	BatchSize    int
	BatchTimeout time.Duration
	// SlowBatchThreshold bounds the match-and-claim wall time before the
	// slow-batch counter fires.
	SlowBatchThreshold time.Duration
}

func (c Config) normalize() Config {
	if c.Group == "" {
		c.Group = "dispatchers"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 500 * time.Millisecond
	}
	if c.SlowBatchThreshold <= 0 {
		c.SlowBatchThreshold = 200 * time.Millisecond
	}
	return c
}

// Dispatcher runs one consumer loop per assigned partition. Within a
// partition, records are processed in order and offsets commit only after the
// whole batch has been matched, claimed, and enqueued.
type Dispatcher struct {
	bus      signalbus.Bus
	index    *index.Index
	registry runstore.Store
	queue    Enqueuer
	cfg      Config
	clock    func() time.Time
	logger   *log.Logger

	consumedCounter  metric.Int64Counter
	malformedCounter metric.Int64Counter
	matchedCounter   metric.Int64Counter
	enqueuedCounter  metric.Int64Counter
	skippedCounter   metric.Int64Counter
	enqueueFailure   metric.Int64Counter
	slowBatchCounter metric.Int64Counter
}

// NewDispatcher wires a dispatcher over the bus, index, registry, and queue.
func NewDispatcher(bus signalbus.Bus, idx *index.Index, registry runstore.Store, queue Enqueuer, cfg Config) *Dispatcher {
	d := &Dispatcher{
		bus:      bus,
		index:    idx,
		registry: registry,
		queue:    queue,
		cfg:      cfg.normalize(),
		clock:    time.Now,
		logger:   log.New(os.Stdout, "dispatcher ", log.LstdFlags|log.Lmicroseconds),
	}

	meter := otel.Meter("dispatcher")
	d.consumedCounter, _ = meter.Int64Counter("signals.consumed",
		metric.WithDescription("Valid signal records consumed from the bus"),
		metric.WithUnit("{signal}"))
	d.malformedCounter, _ = meter.Int64Counter("malformed.signal",
		metric.WithDescription("Records skipped because the envelope failed to decode"),
		metric.WithUnit("{record}"))
	d.matchedCounter, _ = meter.Int64Counter("pipelines.matched",
		metric.WithDescription("Pipelines matched by a signal"),
		metric.WithUnit("{pipeline}"))
	d.enqueuedCounter, _ = meter.Int64Counter("pipelines.enqueued",
		metric.WithDescription("Matched pipelines claimed and handed to the executor"),
		metric.WithUnit("{pipeline}"))
	d.skippedCounter, _ = meter.Int64Counter("pipelines.skipped.running",
		metric.WithDescription("Matched pipelines skipped because a run was already live"),
		metric.WithUnit("{pipeline}"))
	d.enqueueFailure, _ = meter.Int64Counter("enqueue.failure",
		metric.WithDescription("Claims rolled back because the executor enqueue failed"),
		metric.WithUnit("{pipeline}"))
	d.slowBatchCounter, _ = meter.Int64Counter("slow.batch",
		metric.WithDescription("Batches whose match-and-claim exceeded the threshold"),
		metric.WithUnit("{batch}"))

	return d
}

// WithClock overrides the time source, used by tests.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	if clock != nil {
		d.clock = clock
	}
	return d
}

// Run joins the consumer group and pumps assigned partitions until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub, err := d.bus.Subscribe(ctx, d.cfg.Group)
	if err != nil {
		return err
	}
	defer sub.Close()

	var wg conc.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reader, ok := <-sub.Assigned():
			if !ok {
				return nil
			}
			wg.Go(func() {
				d.consumePartition(ctx, reader)
			})
		}
	}
}

func (d *Dispatcher) consumePartition(ctx context.Context, reader *signalbus.PartitionReader) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 200 * time.Millisecond
	retry.MaxInterval = 10 * time.Second

	for {
		batch, lastOffset, err := d.collectBatch(ctx, reader)
		if err != nil {
			if !errors.Is(err, signalbus.ErrReaderRevoked) && !errors.Is(err, signalbus.ErrBusClosed) && !errors.Is(err, context.Canceled) {
				d.logger.Printf("partition=%d read failed: %v", reader.Partition(), err)
			}
			return
		}
		if len(batch) == 0 {
			continue
		}

		if !d.processBatch(ctx, reader.Partition(), batch) {
			// Registry outage: reject the whole batch and re-deliver.
			reader.Rewind()
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry.NextBackOff()):
			}
			continue
		}
		retry.Reset()

		if err := reader.Commit(ctx, lastOffset); err != nil {
			return
		}
	}
}

// collectBatch blocks for the first record, then fills the batch until either
// the size cap or the timeout measured from the first record.
func (d *Dispatcher) collectBatch(ctx context.Context, reader *signalbus.PartitionReader) ([]signalbus.Record, int64, error) {
	first, err := reader.Next(ctx)
	if err != nil {
		return nil, 0, err
	}

	batch := []signalbus.Record{first}
	lastOffset := first.Offset

	deadline, cancel := context.WithTimeout(ctx, d.cfg.BatchTimeout)
	defer cancel()
	for len(batch) < d.cfg.BatchSize {
		rec, err := reader.Next(deadline)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, 0, err
		}
		batch = append(batch, rec)
		lastOffset = rec.Offset
	}
	return batch, lastOffset, nil
}

// processBatch decodes, matches, claims, and enqueues. It reports false only
// when the registry was unreachable, which rejects the batch for redelivery.
func (d *Dispatcher) processBatch(ctx context.Context, partition int, batch []signalbus.Record) bool {
	partAttr := metric.WithAttributes(attribute.Int("partition", partition))
	started := d.clock()

	snap := d.index.Load()
	intents := make(map[string]schema.EnqueueIntent)
	order := make([]string, 0, len(batch))
	for _, rec := range batch {
		sig, err := schema.DecodeSignal(rec.Payload)
		if err != nil {
			if d.malformedCounter != nil {
				d.malformedCounter.Add(ctx, 1, partAttr)
			}
			d.logger.Printf("partition=%d offset=%d malformed record skipped: %v", partition, rec.Offset, err)
			continue
		}
		if d.consumedCounter != nil {
			d.consumedCounter.Add(ctx, 1, partAttr)
		}

		for _, match := range MatchSignal(snap, sig) {
			// First triggering signal per pipeline per batch wins.
			if _, dup := intents[match.PipelineID]; dup {
				continue
			}
			intents[match.PipelineID] = schema.EnqueueIntent{
				PipelineID: match.PipelineID,
				Trigger:    schema.SignalTrigger(match.Summary, d.clock()),
			}
			order = append(order, match.PipelineID)
		}
	}

	if d.matchedCounter != nil && len(order) > 0 {
		d.matchedCounter.Add(ctx, int64(len(order)), partAttr)
	}

	if len(order) > 0 {
		granted, err := d.registry.TryClaimPending(ctx, order)
		if err != nil {
			d.logger.Printf("partition=%d registry unavailable, rejecting batch of %d: %v", partition, len(batch), err)
			return false
		}

		grantedSet := make(map[string]struct{}, len(granted))
		for _, id := range granted {
			grantedSet[id] = struct{}{}
		}
		if skipped := len(order) - len(granted); skipped > 0 && d.skippedCounter != nil {
			d.skippedCounter.Add(ctx, int64(skipped), partAttr)
		}

		for _, id := range order {
			if _, ok := grantedSet[id]; !ok {
				continue
			}
			if err := d.queue.Enqueue(ctx, intents[id]); err != nil {
				// The claim must not outlive the failed handoff.
				if d.enqueueFailure != nil {
					d.enqueueFailure.Add(ctx, 1, partAttr)
				}
				d.logger.Printf("pipeline=%s enqueue failed, releasing claim: %v", id, err)
				if relErr := d.registry.ReleaseToIdle(ctx, id, runstore.ReasonEnqueueFailed); relErr != nil {
					d.logger.Printf("pipeline=%s release after enqueue failure failed: %v", id, relErr)
				}
				continue
			}
			if d.enqueuedCounter != nil {
				d.enqueuedCounter.Add(ctx, 1, partAttr)
			}
		}
	}

	if elapsed := d.clock().Sub(started); elapsed > d.cfg.SlowBatchThreshold {
		if d.slowBatchCounter != nil {
			d.slowBatchCounter.Add(ctx, 1, partAttr)
		}
		d.logger.Printf("partition=%d slow batch: %d records in %s", partition, len(batch), elapsed)
	}
	return true
}
