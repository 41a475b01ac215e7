package schema

import "strings"

// TriggerMode selects which activation path drives a pipeline.
type TriggerMode string

const (
	// TriggerModeSignal marks pipelines activated by matching bus signals.
	TriggerModeSignal TriggerMode = "SIGNAL"
	// TriggerModePeriodic marks pipelines activated on a fixed cadence.
	TriggerModePeriodic TriggerMode = "PERIODIC"
)

// Valid reports whether the trigger mode is one of the recognised values.
func (m TriggerMode) Valid() bool {
	return m == TriggerModeSignal || m == TriggerModePeriodic
}

// Subscription narrows which signals a pipeline accepts. A subscription without
// a timeframe accepts signals of any timeframe.
type Subscription struct {
	SignalType    string    `json:"signal_type"`
	MinConfidence float64   `json:"min_confidence"`
	Timeframe     Timeframe `json:"timeframe,omitempty"`
}

// TickerSet is the materialised, deduplicated, uppercase ticker universe of a
// scanner. An empty set is legal and never matches.
type TickerSet map[string]struct{}

// NewTickerSet normalises and deduplicates the provided tickers. Entries that
// fail ticker validation are dropped rather than failing the whole set.
func NewTickerSet(tickers ...string) TickerSet {
	set := make(TickerSet, len(tickers))
	for _, raw := range tickers {
		ticker, err := NormalizeTicker(raw)
		if err != nil {
			continue
		}
		set[ticker] = struct{}{}
	}
	return set
}

// Contains reports membership for an already-normalised ticker.
func (s TickerSet) Contains(ticker string) bool {
	_, ok := s[ticker]
	return ok
}

// Slice returns the set's tickers in unspecified order.
func (s TickerSet) Slice() []string {
	out := make([]string, 0, len(s))
	for ticker := range s {
		out = append(out, ticker)
	}
	return out
}

// PipelineDescriptor is the read-only projection of a pipeline held by the
// index. Descriptors are value objects rebuilt at refresh time; the dispatcher
// never traverses the catalogue at match time.
type PipelineDescriptor struct {
	PipelineID        string
	UserID            string
	TriggerMode       TriggerMode
	ScannerID         string
	TickerSet         TickerSet
	Subscriptions     []Subscription
	Active            bool
	LastKnownRunState string
}

// AcceptsSignals reports whether the descriptor is eligible for the
// signal-driven matching path.
func (d PipelineDescriptor) AcceptsSignals() bool {
	return d.Active && d.TriggerMode == TriggerModeSignal
}

// Normalise trims identifiers and canonicalises the subscription list.
func (d *PipelineDescriptor) Normalise() {
	d.PipelineID = strings.TrimSpace(d.PipelineID)
	d.UserID = strings.TrimSpace(d.UserID)
	d.ScannerID = strings.TrimSpace(d.ScannerID)
	d.TriggerMode = TriggerMode(strings.ToUpper(strings.TrimSpace(string(d.TriggerMode))))
	for i := range d.Subscriptions {
		d.Subscriptions[i].SignalType = strings.TrimSpace(d.Subscriptions[i].SignalType)
		d.Subscriptions[i].MinConfidence = ClampConfidence(d.Subscriptions[i].MinConfidence)
		if d.Subscriptions[i].Timeframe != "" {
			d.Subscriptions[i].Timeframe = NormalizeTimeframe(d.Subscriptions[i].Timeframe)
		}
	}
}
