package producer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidemill/signalmesh/internal/domain/schema"
)

type fakeHeadlines struct {
	items []Headline
}

func (f *fakeHeadlines) Latest(context.Context) ([]Headline, error) {
	return f.items, nil
}

func TestNewsSentimentAggregatesPerTicker(t *testing.T) {
	source := &fakeHeadlines{items: []Headline{
		{Ticker: "AAPL", Score: 0.6},
		{Ticker: "AAPL", Score: 0.4},
		{Ticker: "TSLA", Score: -0.6},
		{Ticker: "MSFT", Score: 0.1},
		{Ticker: "", Score: 0.9},
	}}
	n := NewNewsSentiment(source, NewsSentimentConfig{ScoreFloor: 0.35})

	signals, err := n.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 2)

	require.Equal(t, "AAPL", signals[0].Tickers[0].Ticker)
	require.Equal(t, schema.DirectionBullish, signals[0].Tickers[0].Direction)
	require.InDelta(t, 50, signals[0].Tickers[0].Confidence, 1e-9)

	require.Equal(t, "TSLA", signals[1].Tickers[0].Ticker)
	require.Equal(t, schema.DirectionBearish, signals[1].Tickers[0].Direction)
	require.InDelta(t, 60, signals[1].Tickers[0].Confidence, 1e-9)
}

func TestNewsSentimentBelowFloorSkipped(t *testing.T) {
	source := &fakeHeadlines{items: []Headline{{Ticker: "AAPL", Score: 0.2}}}
	n := NewNewsSentiment(source, NewsSentimentConfig{ScoreFloor: 0.35})

	signals, err := n.Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, signals)
	require.Equal(t, "news_sentiment", n.Kind())
}
