// Package producer runs the signal producer fleet: each producer scans its
// data source on an interval and hands candidate signals to the emission
// engine, which canonicalises, deduplicates, rate-limits, and publishes them
// onto the trading-signals topic.
package producer

import (
	"context"
	"time"

	"github.com/tidemill/signalmesh/internal/domain/schema"
)

// Producer is one signal source. Implementations must be safe to scan from a
// single dedicated goroutine; scans receive a bounded context and should
// return early on cancellation.
type Producer interface {
	// Kind names the producer; it becomes the signal source tag.
	Kind() string
	// Interval is the scan cadence.
	Interval() time.Duration
	// Scan returns candidate signals. Candidates need not be canonical; the
	// engine normalises them before publish.
	Scan(ctx context.Context) ([]schema.Signal, error)
	// Confidence supplies a default confidence for candidate tickers that
	// omit one.
	Confidence(ticker string) float64
}

// BucketResolver lets a producer override the engine's signal-id time bucket.
type BucketResolver interface {
	BucketResolution() time.Duration
}
