package producer

import (
	"context"
	"time"

	"github.com/tidemill/signalmesh/internal/domain/schema"
)

// Mock is a synthetic producer for soak and wiring tests: it walks a fixed
// instrument list, alternating direction per emission.
type Mock struct {
	tickers  []string
	interval time.Duration
	cursor   int
}

// NewMock builds a synthetic producer over the given instrument list.
func NewMock(tickers []string, interval time.Duration) *Mock {
	if len(tickers) == 0 {
		tickers = []string{"AAPL", "MSFT", "TSLA"}
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Mock{tickers: tickers, interval: interval}
}

func (m *Mock) Kind() string              { return "mock" }
func (m *Mock) Interval() time.Duration   { return m.interval }
func (m *Mock) Confidence(string) float64 { return 60 }

func (m *Mock) Scan(context.Context) ([]schema.Signal, error) {
	ticker := m.tickers[m.cursor%len(m.tickers)]
	direction := schema.DirectionBullish
	if m.cursor%2 == 1 {
		direction = schema.DirectionBearish
	}
	m.cursor++

	return []schema.Signal{{
		SignalType: "mock",
		Tickers: []schema.TickerSignal{{
			Ticker:    ticker,
			Direction: direction,
		}},
	}}, nil
}

var _ Producer = (*Mock)(nil)
