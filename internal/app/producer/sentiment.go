package producer

import (
	"context"
	"time"

	"github.com/tidemill/signalmesh/internal/domain/schema"
)

// Headline is one scored news item from a sentiment feed. Score is in
// [-1, 1]; negative values are bearish.
type Headline struct {
	Ticker      string
	Score       float64
	PublishedAt time.Time
}

// HeadlineSource supplies scored headlines since the previous poll.
type HeadlineSource interface {
	Latest(ctx context.Context) ([]Headline, error)
}

// NewsSentimentConfig tunes the sentiment producer.
type NewsSentimentConfig struct {
	ScanInterval time.Duration
	// ScoreFloor is the minimum absolute mean score that produces a signal.
	ScoreFloor float64
}

func (c NewsSentimentConfig) normalize() NewsSentimentConfig {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 2 * time.Minute
	}
	if c.ScoreFloor <= 0 {
		c.ScoreFloor = 0.35
	}
	return c
}

// NewsSentiment aggregates headline scores per ticker and emits a sentiment
// signal for every ticker whose mean score clears the floor.
type NewsSentiment struct {
	source HeadlineSource
	cfg    NewsSentimentConfig
}

// NewNewsSentiment builds the producer over the given headline source.
func NewNewsSentiment(source HeadlineSource, cfg NewsSentimentConfig) *NewsSentiment {
	return &NewsSentiment{source: source, cfg: cfg.normalize()}
}

func (n *NewsSentiment) Kind() string              { return "news_sentiment" }
func (n *NewsSentiment) Interval() time.Duration   { return n.cfg.ScanInterval }
func (n *NewsSentiment) Confidence(string) float64 { return n.cfg.ScoreFloor * 100 }

func (n *NewsSentiment) Scan(ctx context.Context) ([]schema.Signal, error) {
	headlines, err := n.source.Latest(ctx)
	if err != nil {
		return nil, err
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	order := make([]string, 0, len(headlines))
	for _, h := range headlines {
		if h.Ticker == "" {
			continue
		}
		if _, seen := counts[h.Ticker]; !seen {
			order = append(order, h.Ticker)
		}
		sums[h.Ticker] += h.Score
		counts[h.Ticker]++
	}

	var out []schema.Signal
	for _, ticker := range order {
		mean := sums[ticker] / float64(counts[ticker])
		magnitude := mean
		direction := schema.DirectionBullish
		if mean < 0 {
			magnitude = -mean
			direction = schema.DirectionBearish
		}
		if magnitude < n.cfg.ScoreFloor {
			continue
		}
		out = append(out, schema.Signal{
			SignalType: "news_sentiment",
			Tickers: []schema.TickerSignal{{
				Ticker:     ticker,
				Direction:  direction,
				Confidence: magnitude * 100,
			}},
		})
	}
	return out, nil
}

var _ Producer = (*NewsSentiment)(nil)
