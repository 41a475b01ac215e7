package producer

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/tidemill/signalmesh/internal/domain/schema"
	"github.com/tidemill/signalmesh/internal/infra/bus/signalbus"
)

const publishAttempts = 3

// Config tunes the emission engine shared by every producer.
type Config struct {
	PublishTimeout   time.Duration
	ScanTimeout      time.Duration
	MinGap           time.Duration
	DedupeWindow     time.Duration
	DedupeCapacity   int
	BucketResolution time.Duration
	PublishRate      float64
	PublishBurst     int
}

func (c Config) normalize() Config {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = 30 * time.Second
	}
	if c.MinGap <= 0 {
		c.MinGap = time.Minute
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 10 * time.Minute
	}
	if c.DedupeCapacity <= 0 {
		c.DedupeCapacity = 10000
	}
	if c.BucketResolution <= 0 {
		c.BucketResolution = time.Minute
	}
	if c.PublishRate <= 0 {
		c.PublishRate = 50
	}
	if c.PublishBurst <= 0 {
		c.PublishBurst = 25
	}
	return c
}

// Engine drives the producer fleet and owns the emission pipeline:
// canonicalise, dedupe, cooldown, rate-limit, publish with bounded retry.
// Producers never block the activation path; a signal that cannot be
// published after the retry budget is dropped and counted.
type Engine struct {
	bus     signalbus.Bus
	cfg     Config
	clock   func() time.Time
	logger  *log.Logger
	limiter *rate.Limiter

	generatedCounter      metric.Int64Counter
	dedupeSuppressCounter metric.Int64Counter
	cooldownDropCounter   metric.Int64Counter
	publishSuccessCounter metric.Int64Counter
	publishFailureCounter metric.Int64Counter
}

// NewEngine wires an emission engine over the given bus.
func NewEngine(bus signalbus.Bus, cfg Config) *Engine {
	cfg = cfg.normalize()
	e := &Engine{
		bus:     bus,
		cfg:     cfg,
		clock:   time.Now,
		logger:  log.New(os.Stdout, "producer ", log.LstdFlags|log.Lmicroseconds),
		limiter: rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.PublishBurst),
	}

	meter := otel.Meter("producer")
	e.generatedCounter, _ = meter.Int64Counter("signals.generated",
		metric.WithDescription("Signals published onto the trading-signals topic"),
		metric.WithUnit("{signal}"))
	e.dedupeSuppressCounter, _ = meter.Int64Counter("producer.dedupe.suppressed",
		metric.WithDescription("Candidate signals suppressed by the dedupe window"),
		metric.WithUnit("{signal}"))
	e.cooldownDropCounter, _ = meter.Int64Counter("producer.cooldown.dropped",
		metric.WithDescription("Candidate signals dropped by the per-ticker cooldown"),
		metric.WithUnit("{signal}"))
	e.publishSuccessCounter, _ = meter.Int64Counter("kafka.publish.success",
		metric.WithDescription("Successful bus publishes"),
		metric.WithUnit("{publish}"))
	e.publishFailureCounter, _ = meter.Int64Counter("kafka.publish.failure",
		metric.WithDescription("Publishes dropped after exhausting the retry budget"),
		metric.WithUnit("{publish}"))

	return e
}

// WithClock overrides the time source, used by tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	if clock != nil {
		e.clock = clock
	}
	return e
}

// Run scans every producer on its own cadence until ctx ends.
func (e *Engine) Run(ctx context.Context, producers ...Producer) {
	var wg conc.WaitGroup
	for _, p := range producers {
		p := p
		wg.Go(func() {
			e.runProducer(ctx, p)
		})
	}
	wg.Wait()
}

func (e *Engine) runProducer(ctx context.Context, p Producer) {
	state := newProducerState(e.cfg)
	e.scanOnce(ctx, p, state)

	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scanOnce(ctx, p, state)
		}
	}
}

// producerState is the per-producer emission state. It lives on the producer
// goroutine only; a restart loses it, costing at most one duplicate per
// (type, ticker) immediately afterwards.
type producerState struct {
	dedupe   *dedupeCache
	cooldown map[string]time.Time
}

func newProducerState(cfg Config) *producerState {
	return &producerState{
		dedupe:   newDedupeCache(cfg.DedupeWindow, cfg.DedupeCapacity),
		cooldown: make(map[string]time.Time),
	}
}

func (e *Engine) scanOnce(ctx context.Context, p Producer, state *producerState) {
	scanCtx, cancel := context.WithTimeout(ctx, e.cfg.ScanTimeout)
	candidates, err := p.Scan(scanCtx)
	cancel()
	if err != nil {
		e.logger.Printf("producer=%s scan failed: %v", p.Kind(), err)
		return
	}

	for _, candidate := range candidates {
		e.emit(ctx, p, state, candidate)
	}
}

func (e *Engine) emit(ctx context.Context, p Producer, state *producerState, candidate schema.Signal) {
	if candidate.Source == "" {
		candidate.Source = p.Kind()
	}
	for i := range candidate.Tickers {
		if candidate.Tickers[i].Confidence == 0 {
			candidate.Tickers[i].Confidence = p.Confidence(candidate.Tickers[i].Ticker)
		}
	}

	bucket := e.cfg.BucketResolution
	if resolver, ok := p.(BucketResolver); ok {
		if override := resolver.BucketResolution(); override > 0 {
			bucket = override
		}
	}

	now := e.clock()
	sig, err := schema.Canonicalise(candidate, now, bucket)
	if err != nil {
		e.logger.Printf("producer=%s dropping invalid candidate: %v", p.Kind(), err)
		return
	}

	if state.dedupe.Seen(sig.SignalID, now) {
		if e.dedupeSuppressCounter != nil {
			e.dedupeSuppressCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("signal_type", sig.SignalType)))
		}
		return
	}

	if ticker, cooling := e.inCooldown(state, sig, now); cooling {
		if e.cooldownDropCounter != nil {
			e.cooldownDropCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("signal_type", sig.SignalType)))
		}
		e.logger.Printf("producer=%s signal_type=%s ticker=%s dropped: cooldown", p.Kind(), sig.SignalType, ticker)
		return
	}

	if e.publish(ctx, sig) {
		for _, entry := range sig.Tickers {
			state.cooldown[sig.SignalType+"|"+entry.Ticker] = now
		}
		if e.generatedCounter != nil {
			e.generatedCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("signal_type", sig.SignalType)))
		}
	}
}

func (e *Engine) inCooldown(state *producerState, sig schema.Signal, now time.Time) (string, bool) {
	for _, entry := range sig.Tickers {
		last, ok := state.cooldown[sig.SignalType+"|"+entry.Ticker]
		if ok && now.Sub(last) < e.cfg.MinGap {
			return entry.Ticker, true
		}
	}
	return "", false
}

func (e *Engine) publish(ctx context.Context, sig schema.Signal) bool {
	payload, err := schema.EncodeSignal(sig)
	if err != nil {
		e.logger.Printf("encode signal_id=%s failed: %v", sig.SignalID, err)
		return false
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return false
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 500 * time.Millisecond
	retry.Multiplier = 4
	retry.RandomizationFactor = 0

	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(retry.NextBackOff()):
			}
		}
		publishCtx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
		lastErr = e.bus.Publish(publishCtx, sig.PrimaryTicker(), payload)
		cancel()
		if lastErr == nil {
			if e.publishSuccessCounter != nil {
				e.publishSuccessCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("signal_type", sig.SignalType)))
			}
			return true
		}
	}

	if e.publishFailureCounter != nil {
		e.publishFailureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("signal_type", sig.SignalType)))
	}
	e.logger.Printf("signal_id=%s dropped after %d publish attempts: %v", sig.SignalID, publishAttempts, lastErr)
	return false
}
