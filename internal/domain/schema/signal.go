// Package schema defines the canonical signal, descriptor, and trigger types
// shared across the fabric.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tidemill/signalmesh/errs"
)

// Direction labels the market bias a ticker entry asserts.
type Direction string

const (
	// DirectionBullish marks an upward bias.
	DirectionBullish Direction = "BULLISH"
	// DirectionBearish marks a downward bias.
	DirectionBearish Direction = "BEARISH"
	// DirectionNeutral marks an explicit absence of bias.
	DirectionNeutral Direction = "NEUTRAL"
)

// Timeframe identifies the candle resolution a signal was derived from.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var validTimeframes = map[Timeframe]struct{}{
	Timeframe1m:  {},
	Timeframe5m:  {},
	Timeframe15m: {},
	Timeframe1h:  {},
	Timeframe4h:  {},
	Timeframe1d:  {},
}

// NormalizeTimeframe trims and lowercases the provided timeframe tag.
func NormalizeTimeframe(tf Timeframe) Timeframe {
	return Timeframe(strings.ToLower(strings.TrimSpace(string(tf))))
}

// Valid reports whether the timeframe is one of the recognised resolutions.
func (tf Timeframe) Valid() bool {
	_, ok := validTimeframes[tf]
	return ok
}

// TickerSignal is a single instrument entry inside a signal.
type TickerSignal struct {
	Ticker     string
	Direction  Direction
	Confidence float64
}

// Signal is the immutable event producers publish onto the trading-signals topic.
type Signal struct {
	SignalID   string
	SignalType string
	Source     string
	ProducedAt time.Time
	Timeframe  Timeframe
	Tickers    []TickerSignal
}

// PrimaryTicker returns the partition key for the signal: the first canonical
// ticker entry.
func (s Signal) PrimaryTicker() string {
	if len(s.Tickers) == 0 {
		return ""
	}
	return s.Tickers[0].Ticker
}

// NormalizeTicker uppercases the ticker and verifies the [A-Z0-9._-] charset.
func NormalizeTicker(ticker string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(ticker))
	if normalized == "" {
		return "", errs.New("schema/ticker", errs.CodeInvalid, errs.WithMessage("ticker required"))
	}
	for _, ch := range normalized {
		switch {
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '.' || ch == '_' || ch == '-':
		default:
			return "", errs.New("schema/ticker", errs.CodeInvalid,
				errs.WithMessage("ticker must match [A-Z0-9._-]"),
				errs.WithField("ticker", normalized))
		}
	}
	return normalized, nil
}

// NormalizeDirection maps free-form direction tags onto the canonical set;
// unrecognised values degrade to empty rather than failing the record.
func NormalizeDirection(d Direction) Direction {
	switch Direction(strings.ToUpper(strings.TrimSpace(string(d)))) {
	case DirectionBullish:
		return DirectionBullish
	case DirectionBearish:
		return DirectionBearish
	case DirectionNeutral:
		return DirectionNeutral
	default:
		return ""
	}
}

// ClampConfidence forces the confidence into the [0,100] contract range.
func ClampConfidence(confidence float64) float64 {
	if confidence < 0 {
		return 0
	}
	if confidence > 100 {
		return 100
	}
	return confidence
}

// Canonicalise returns a normalised copy of the signal: tickers uppercased,
// deduplicated preserving first occurrence, confidence clamped, directions
// normalised, produced_at stamped, and signal_id derived from
// (signal_type, tickers, time bucket) when not already set.
func Canonicalise(sig Signal, now time.Time, bucket time.Duration) (Signal, error) {
	sig.SignalType = strings.TrimSpace(sig.SignalType)
	if sig.SignalType == "" {
		return Signal{}, errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("signal_type required"))
	}
	if len(sig.Tickers) == 0 {
		return Signal{}, errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("tickers must not be empty"))
	}

	canonical := make([]TickerSignal, 0, len(sig.Tickers))
	seen := make(map[string]struct{}, len(sig.Tickers))
	for _, entry := range sig.Tickers {
		ticker, err := NormalizeTicker(entry.Ticker)
		if err != nil {
			return Signal{}, err
		}
		if _, dup := seen[ticker]; dup {
			continue
		}
		seen[ticker] = struct{}{}
		canonical = append(canonical, TickerSignal{
			Ticker:     ticker,
			Direction:  NormalizeDirection(entry.Direction),
			Confidence: ClampConfidence(entry.Confidence),
		})
	}
	sig.Tickers = canonical

	if sig.Timeframe != "" {
		tf := NormalizeTimeframe(sig.Timeframe)
		if !tf.Valid() {
			return Signal{}, errs.New("schema/signal", errs.CodeInvalid,
				errs.WithMessage("unknown timeframe"),
				errs.WithField("timeframe", string(sig.Timeframe)))
		}
		sig.Timeframe = tf
	}

	sig.Source = strings.TrimSpace(sig.Source)
	sig.ProducedAt = now.UTC().Truncate(time.Millisecond)
	if sig.SignalID == "" {
		sig.SignalID = ComputeSignalID(sig.SignalType, tickerNames(sig.Tickers), sig.ProducedAt, bucket)
	}
	return sig, nil
}

// ComputeSignalID derives the deduplication identity for a signal: a hash of
// the signal type, the canonical ticker list, and the time bucket the signal
// was produced in. Two emissions inside the same bucket collide on purpose.
func ComputeSignalID(signalType string, tickers []string, producedAt time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Minute
	}
	bucketIndex := producedAt.UTC().Unix() / int64(bucket/time.Second)
	h := sha256.New()
	h.Write([]byte(signalType))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.Join(tickers, ",")))
	h.Write([]byte{'|'})
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(bucketIndex >> (8 * (7 - i)))
	}
	h.Write(buf[:])
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

func tickerNames(tickers []TickerSignal) []string {
	names := make([]string, 0, len(tickers))
	for _, entry := range tickers {
		names = append(names, entry.Ticker)
	}
	return names
}

// producedAtLayout renders RFC3339 UTC instants at millisecond precision.
const producedAtLayout = "2006-01-02T15:04:05.000Z"

type wireTicker struct {
	Ticker     string  `json:"ticker"`
	Direction  *string `json:"direction"`
	Confidence float64 `json:"confidence"`
}

type wireSignal struct {
	SignalID   string       `json:"signal_id"`
	SignalType string       `json:"signal_type"`
	Source     string       `json:"source"`
	ProducedAt string       `json:"produced_at"`
	Timeframe  *string      `json:"timeframe"`
	Tickers    []wireTicker `json:"tickers"`
}

// EncodeSignal serialises the signal to its canonical JSON envelope: UTF-8,
// stable field order, RFC3339 UTC timestamps at millisecond precision.
func EncodeSignal(sig Signal) ([]byte, error) {
	wire := wireSignal{
		SignalID:   sig.SignalID,
		SignalType: sig.SignalType,
		Source:     sig.Source,
		ProducedAt: sig.ProducedAt.UTC().Format(producedAtLayout),
		Timeframe:  nil,
		Tickers:    make([]wireTicker, 0, len(sig.Tickers)),
	}
	if sig.Timeframe != "" {
		tf := string(sig.Timeframe)
		wire.Timeframe = &tf
	}
	for _, entry := range sig.Tickers {
		wt := wireTicker{Ticker: entry.Ticker, Direction: nil, Confidence: entry.Confidence}
		if entry.Direction != "" {
			dir := string(entry.Direction)
			wt.Direction = &dir
		}
		wire.Tickers = append(wire.Tickers, wt)
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("encode envelope"), errs.WithCause(err))
	}
	return payload, nil
}

// DecodeSignal parses and validates a signal envelope. Unknown fields are
// ignored; missing required fields, an empty ticker list, or an unparseable
// payload yield CodeInvalid so consumers can count the record as malformed.
func DecodeSignal(payload []byte) (Signal, error) {
	var wire wireSignal
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Signal{}, errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("decode envelope"), errs.WithCause(err))
	}
	if strings.TrimSpace(wire.SignalID) == "" {
		return Signal{}, errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("signal_id required"))
	}
	if strings.TrimSpace(wire.SignalType) == "" {
		return Signal{}, errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("signal_type required"))
	}
	if len(wire.Tickers) == 0 {
		return Signal{}, errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("tickers must not be empty"))
	}

	producedAt, err := time.Parse(time.RFC3339Nano, wire.ProducedAt)
	if err != nil {
		return Signal{}, errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("produced_at must be RFC3339"), errs.WithCause(err))
	}

	sig := Signal{
		SignalID:   strings.TrimSpace(wire.SignalID),
		SignalType: strings.TrimSpace(wire.SignalType),
		Source:     strings.TrimSpace(wire.Source),
		ProducedAt: producedAt.UTC(),
		Timeframe:  "",
		Tickers:    make([]TickerSignal, 0, len(wire.Tickers)),
	}
	if wire.Timeframe != nil && strings.TrimSpace(*wire.Timeframe) != "" {
		tf := NormalizeTimeframe(Timeframe(*wire.Timeframe))
		if !tf.Valid() {
			return Signal{}, errs.New("schema/signal", errs.CodeInvalid,
				errs.WithMessage("unknown timeframe"),
				errs.WithField("timeframe", *wire.Timeframe))
		}
		sig.Timeframe = tf
	}

	seen := make(map[string]struct{}, len(wire.Tickers))
	for _, entry := range wire.Tickers {
		ticker, err := NormalizeTicker(entry.Ticker)
		if err != nil {
			return Signal{}, err
		}
		if _, dup := seen[ticker]; dup {
			continue
		}
		seen[ticker] = struct{}{}
		direction := Direction("")
		if entry.Direction != nil {
			direction = NormalizeDirection(Direction(*entry.Direction))
		}
		sig.Tickers = append(sig.Tickers, TickerSignal{
			Ticker:     ticker,
			Direction:  direction,
			Confidence: ClampConfidence(entry.Confidence),
		})
	}
	return sig, nil
}
