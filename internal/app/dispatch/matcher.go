// Package dispatch consumes the trading-signals topic, matches signals
// against the pipeline index, and claims-then-enqueues the triggered
// pipelines.
package dispatch

import (
	"github.com/tidemill/signalmesh/internal/app/index"
	"github.com/tidemill/signalmesh/internal/domain/schema"
)

// Match pairs a triggered pipeline with the signal slice that triggered it.
type Match struct {
	PipelineID string
	Summary    schema.SignalSummary
}

// MatchSignal evaluates one canonical signal against the snapshot. A pipeline
// matches when it is active, signal-triggered, watches one of the signal's
// tickers, and either has no subscriptions or some subscription accepts the
// signal. Each pipeline appears at most once, keyed to the first of the
// signal's tickers it watches.
func MatchSignal(snap *index.Snapshot, sig schema.Signal) []Match {
	var out []Match
	seen := make(map[string]struct{})
	for _, entry := range sig.Tickers {
		for _, id := range snap.Candidates(entry.Ticker) {
			if _, dup := seen[id]; dup {
				continue
			}
			descriptor, ok := snap.Descriptor(id)
			if !ok || !descriptor.AcceptsSignals() {
				continue
			}
			// Candidate lists can be a refresh interval stale; re-check
			// membership on the descriptor itself.
			if !descriptor.TickerSet.Contains(entry.Ticker) {
				continue
			}
			if !subscriptionAccepts(descriptor, sig) {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, Match{
				PipelineID: id,
				Summary: schema.SignalSummary{
					SignalID:   sig.SignalID,
					SignalType: sig.SignalType,
					Ticker:     entry.Ticker,
					Direction:  entry.Direction,
					Confidence: entry.Confidence,
					Timeframe:  sig.Timeframe,
					ProducedAt: sig.ProducedAt,
				},
			})
		}
	}
	return out
}

// subscriptionAccepts applies the subscription filter: no subscriptions means
// accept everything; otherwise some subscription must match the signal type,
// its confidence threshold (inclusive), and, when both sides carry a
// timeframe, the exact timeframe.
func subscriptionAccepts(descriptor schema.PipelineDescriptor, sig schema.Signal) bool {
	if len(descriptor.Subscriptions) == 0 {
		return true
	}
	confidence, any := maxConfidenceWithin(descriptor, sig)
	if !any {
		return false
	}
	for _, sub := range descriptor.Subscriptions {
		if sub.SignalType != sig.SignalType {
			continue
		}
		if confidence < sub.MinConfidence {
			continue
		}
		if sub.Timeframe != "" && sig.Timeframe != "" && sub.Timeframe != sig.Timeframe {
			continue
		}
		return true
	}
	return false
}

// maxConfidenceWithin is the highest confidence among the signal's tickers
// that the pipeline actually watches.
func maxConfidenceWithin(descriptor schema.PipelineDescriptor, sig schema.Signal) (float64, bool) {
	best := 0.0
	any := false
	for _, entry := range sig.Tickers {
		if !descriptor.TickerSet.Contains(entry.Ticker) {
			continue
		}
		if !any || entry.Confidence > best {
			best = entry.Confidence
		}
		any = true
	}
	return best, any
}
