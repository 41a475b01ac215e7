package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidemill/signalmesh/internal/domain/schema"
)

// PriceFeed supplies closing prices for moving-average producers, most recent
// last. Implementations are expected to serve at least the requested number
// of bars or report an error.
type PriceFeed interface {
	History(ctx context.Context, ticker string, bars int) ([]decimal.Decimal, error)
}

// GoldenCrossConfig tunes the moving-average cross producer.
type GoldenCrossConfig struct {
	Tickers      []string
	ShortWindow  int
	LongWindow   int
	ScanInterval time.Duration
	Timeframe    schema.Timeframe
}

func (c GoldenCrossConfig) normalize() GoldenCrossConfig {
	if c.ShortWindow <= 0 {
		c.ShortWindow = 50
	}
	if c.LongWindow <= c.ShortWindow {
		c.LongWindow = 200
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Minute
	}
	if c.Timeframe == "" {
		c.Timeframe = schema.Timeframe1d
	}
	return c
}

// GoldenCross emits a bullish signal when the short simple moving average
// crosses above the long one and a bearish signal on the opposite cross.
// Confidence scales with the relative spread between the two averages at the
// crossing bar.
type GoldenCross struct {
	feed PriceFeed
	cfg  GoldenCrossConfig
}

// NewGoldenCross builds the producer over the given price feed.
func NewGoldenCross(feed PriceFeed, cfg GoldenCrossConfig) *GoldenCross {
	return &GoldenCross{feed: feed, cfg: cfg.normalize()}
}

func (g *GoldenCross) Kind() string            { return "golden_cross" }
func (g *GoldenCross) Interval() time.Duration { return g.cfg.ScanInterval }

// Confidence is a floor for candidates whose spread rounds to zero.
func (g *GoldenCross) Confidence(string) float64 { return 50 }

func (g *GoldenCross) Scan(ctx context.Context) ([]schema.Signal, error) {
	var out []schema.Signal
	for _, ticker := range g.cfg.Tickers {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		sig, ok, err := g.evaluate(ctx, ticker)
		if err != nil {
			return out, fmt.Errorf("evaluate %s: %w", ticker, err)
		}
		if ok {
			out = append(out, sig)
		}
	}
	return out, nil
}

func (g *GoldenCross) evaluate(ctx context.Context, ticker string) (schema.Signal, bool, error) {
	// One extra bar so both the current and the previous averages exist.
	prices, err := g.feed.History(ctx, ticker, g.cfg.LongWindow+1)
	if err != nil {
		return schema.Signal{}, false, err
	}
	if len(prices) < g.cfg.LongWindow+1 {
		return schema.Signal{}, false, nil
	}

	shortNow := sma(prices[len(prices)-g.cfg.ShortWindow:])
	longNow := sma(prices[len(prices)-g.cfg.LongWindow:])
	prev := prices[:len(prices)-1]
	shortPrev := sma(prev[len(prev)-g.cfg.ShortWindow:])
	longPrev := sma(prev[len(prev)-g.cfg.LongWindow:])

	var direction schema.Direction
	var signalType string
	switch {
	case shortPrev.LessThanOrEqual(longPrev) && shortNow.GreaterThan(longNow):
		direction, signalType = schema.DirectionBullish, "golden_cross"
	case shortPrev.GreaterThanOrEqual(longPrev) && shortNow.LessThan(longNow):
		direction, signalType = schema.DirectionBearish, "death_cross"
	default:
		return schema.Signal{}, false, nil
	}

	return schema.Signal{
		SignalType: signalType,
		Timeframe:  g.cfg.Timeframe,
		Tickers: []schema.TickerSignal{{
			Ticker:     ticker,
			Direction:  direction,
			Confidence: crossConfidence(shortNow, longNow),
		}},
	}, true, nil
}

func sma(window []decimal.Decimal) decimal.Decimal {
	if len(window) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, price := range window {
		sum = sum.Add(price)
	}
	return sum.Div(decimal.NewFromInt(int64(len(window))))
}

// crossConfidence maps the relative SMA spread onto [0,100]: every basis
// point of spread is worth two points, saturating at a 0.5% spread.
func crossConfidence(short, long decimal.Decimal) float64 {
	if long.IsZero() {
		return 0
	}
	spread := short.Sub(long).Abs().Div(long)
	confidence := spread.Mul(decimal.NewFromInt(20000))
	capped := decimal.NewFromInt(100)
	if confidence.GreaterThan(capped) {
		confidence = capped
	}
	f, _ := confidence.Float64()
	return f
}

var _ Producer = (*GoldenCross)(nil)
