package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tidemill/signalmesh/internal/app/index"
	"github.com/tidemill/signalmesh/internal/domain/schema"
)

func snapshotOf(descriptors ...schema.PipelineDescriptor) *index.Snapshot {
	return index.BuildSnapshot(descriptors, 1, time.Now())
}

func signalDescriptor(id string, subs []schema.Subscription, tickers ...string) schema.PipelineDescriptor {
	return schema.PipelineDescriptor{
		PipelineID:    id,
		UserID:        "u1",
		TriggerMode:   schema.TriggerModeSignal,
		TickerSet:     schema.NewTickerSet(tickers...),
		Subscriptions: subs,
		Active:        true,
	}
}

func goldenCross(confidence float64) schema.Signal {
	return schema.Signal{
		SignalID:   "sig-1",
		SignalType: "golden_cross",
		Source:     "test",
		ProducedAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Tickers:    []schema.TickerSignal{{Ticker: "AAPL", Direction: schema.DirectionBullish, Confidence: confidence}},
	}
}

func TestMatchNoSubscriptionsAcceptsAnyType(t *testing.T) {
	snap := snapshotOf(signalDescriptor("p1", nil, "AAPL"))

	matches := MatchSignal(snap, goldenCross(60))
	require.Len(t, matches, 1)
	require.Equal(t, "p1", matches[0].PipelineID)
	require.Equal(t, "sig-1", matches[0].Summary.SignalID)
	require.Equal(t, "AAPL", matches[0].Summary.Ticker)

	// Subscriptions empty: confidence is ignored entirely.
	require.Len(t, MatchSignal(snap, goldenCross(0)), 1)
}

func TestMatchConfidenceGateIsInclusive(t *testing.T) {
	snap := snapshotOf(signalDescriptor("p2",
		[]schema.Subscription{{SignalType: "golden_cross", MinConfidence: 80}}, "AAPL"))

	require.Empty(t, MatchSignal(snap, goldenCross(79)))
	require.Len(t, MatchSignal(snap, goldenCross(80)), 1)
}

func TestMatchSignalTypeMustEqual(t *testing.T) {
	snap := snapshotOf(signalDescriptor("p1",
		[]schema.Subscription{{SignalType: "news_sentiment", MinConfidence: 10}}, "AAPL"))

	require.Empty(t, MatchSignal(snap, goldenCross(90)))
}

func TestMatchTimeframeExactWhenBothPresent(t *testing.T) {
	snap := snapshotOf(signalDescriptor("p1",
		[]schema.Subscription{{SignalType: "golden_cross", MinConfidence: 10, Timeframe: schema.Timeframe1d}}, "AAPL"))

	sig := goldenCross(60)
	sig.Timeframe = schema.Timeframe1h
	require.Empty(t, MatchSignal(snap, sig))

	sig.Timeframe = schema.Timeframe1d
	require.Len(t, MatchSignal(snap, sig), 1)

	// A signal without a timeframe is not filtered by the subscription's.
	sig.Timeframe = ""
	require.Len(t, MatchSignal(snap, sig), 1)
}

func TestMatchSkipsPeriodicAndInactive(t *testing.T) {
	periodic := signalDescriptor("p4", nil, "AAPL")
	periodic.TriggerMode = schema.TriggerModePeriodic
	inactive := signalDescriptor("p5", nil, "AAPL")
	inactive.Active = false

	snap := snapshotOf(periodic, inactive)
	require.Empty(t, MatchSignal(snap, goldenCross(60)))
}

func TestMatchEmptyTickerSetNeverMatches(t *testing.T) {
	snap := snapshotOf(signalDescriptor("p1", nil))
	require.Empty(t, MatchSignal(snap, goldenCross(60)))
}

func TestMatchConfidenceRestrictedToWatchedTickers(t *testing.T) {
	snap := snapshotOf(signalDescriptor("p1",
		[]schema.Subscription{{SignalType: "golden_cross", MinConfidence: 80}}, "MSFT"))

	sig := schema.Signal{
		SignalID:   "sig-2",
		SignalType: "golden_cross",
		Tickers: []schema.TickerSignal{
			{Ticker: "AAPL", Confidence: 95},
			{Ticker: "MSFT", Confidence: 70},
		},
	}
	// AAPL's 95 does not count for a pipeline that only watches MSFT.
	require.Empty(t, MatchSignal(snap, sig))

	sig.Tickers[1].Confidence = 85
	matches := MatchSignal(snap, sig)
	require.Len(t, matches, 1)
	require.Equal(t, "MSFT", matches[0].Summary.Ticker)
}

func TestMatchPipelineAppearsOnce(t *testing.T) {
	snap := snapshotOf(signalDescriptor("p1", nil, "AAPL", "MSFT"))

	sig := schema.Signal{
		SignalID:   "sig-3",
		SignalType: "golden_cross",
		Tickers: []schema.TickerSignal{
			{Ticker: "AAPL", Confidence: 60},
			{Ticker: "MSFT", Confidence: 70},
		},
	}
	matches := MatchSignal(snap, sig)
	require.Len(t, matches, 1)
	require.Equal(t, "AAPL", matches[0].Summary.Ticker)
}
