package producer

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/signalmesh/internal/domain/schema"
)

type fakePriceFeed struct {
	prices map[string][]decimal.Decimal
}

func (f *fakePriceFeed) History(_ context.Context, ticker string, _ int) ([]decimal.Decimal, error) {
	return f.prices[ticker], nil
}

func bars(values ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		out = append(out, decimal.NewFromFloat(v))
	}
	return out
}

func crossFixture(prices map[string][]decimal.Decimal) *GoldenCross {
	return NewGoldenCross(&fakePriceFeed{prices: prices}, GoldenCrossConfig{
		Tickers:     keys(prices),
		ShortWindow: 2,
		LongWindow:  3,
	})
}

func keys(prices map[string][]decimal.Decimal) []string {
	out := make([]string, 0, len(prices))
	for k := range prices {
		out = append(out, k)
	}
	return out
}

func TestGoldenCrossUpward(t *testing.T) {
	g := crossFixture(map[string][]decimal.Decimal{
		"AAPL": bars(10, 10, 10, 16),
	})

	signals, err := g.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	require.Equal(t, "golden_cross", signals[0].SignalType)
	require.Equal(t, schema.DirectionBullish, signals[0].Tickers[0].Direction)
	require.Equal(t, "AAPL", signals[0].Tickers[0].Ticker)
	require.Greater(t, signals[0].Tickers[0].Confidence, float64(0))
}

func TestGoldenCrossDownward(t *testing.T) {
	g := crossFixture(map[string][]decimal.Decimal{
		"AAPL": bars(10, 10, 10, 4),
	})

	signals, err := g.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	require.Equal(t, "death_cross", signals[0].SignalType)
	require.Equal(t, schema.DirectionBearish, signals[0].Tickers[0].Direction)
}

func TestGoldenCrossNoCross(t *testing.T) {
	g := crossFixture(map[string][]decimal.Decimal{
		"AAPL": bars(10, 10, 10, 10),
	})

	signals, err := g.Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, signals)
}

func TestGoldenCrossInsufficientHistory(t *testing.T) {
	g := crossFixture(map[string][]decimal.Decimal{
		"AAPL": bars(10, 10),
	})

	signals, err := g.Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, signals)
}

func TestCrossConfidenceSaturates(t *testing.T) {
	c := crossConfidence(decimal.NewFromInt(200), decimal.NewFromInt(100))
	require.Equal(t, float64(100), c)

	require.Equal(t, float64(0), crossConfidence(decimal.NewFromInt(1), decimal.Zero))
}
