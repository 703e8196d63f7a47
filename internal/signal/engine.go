// Package signal derives per-symbol trend decisions from OHLC candles.
//
// The primary rule runs Supertrend on the 1-minute series and a secondary
// timeframe; both must agree for a directional signal. When a series is too
// short for Supertrend, the engine falls back to EMA crossover with RSI
// confirmation. A streak gate tracks how long a direction has persisted so
// the engine can refuse entries on a freshly flipped trend.
package signal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/markcheno/go-talib"
	gocache "github.com/patrickmn/go-cache"

	"dhan-scalper/internal/config"
	"dhan-scalper/pkg/types"
)

const (
	supertrendPeriod     = 10
	supertrendMultiplier = 3.0

	emaFast = 20
	emaSlow = 50
	rsiLen  = 14

	// Supertrend is only trusted after a full warmup window. Shorter series
	// (early in the session) use the EMA/RSI fallback instead.
	supertrendMinBars = emaSlow + rsiLen

	// RSI confirmation thresholds. The secondary timeframe uses the looser
	// pair; it confirms direction, it does not originate it.
	rsiLongPrimary    = 55.0
	rsiLongSecondary  = 52.0
	rsiShortPrimary   = 45.0
	rsiShortSecondary = 48.0
)

// CandleLoader fetches historical candles for a symbol at a timeframe.
type CandleLoader interface {
	Load(ctx context.Context, symbol string, timeframeMinutes, count int) ([]types.Candle, error)
}

// Engine evaluates the multi-timeframe trend rule per symbol.
type Engine struct {
	logger    *slog.Logger
	loader    CandleLoader
	secondary int
	multiTF   bool
	gate      time.Duration
	streaks   *gocache.Cache
}

// New creates a signal engine from the global knobs.
func New(logger *slog.Logger, loader CandleLoader, cfg config.GlobalConfig) *Engine {
	secondary := cfg.SecondaryTimeframe
	if secondary != 5 && secondary != 15 {
		secondary = 5
	}
	gate := time.Duration(cfg.StreakGateMinutes) * time.Minute
	if gate <= 0 {
		gate = 3 * time.Minute
	}
	return &Engine{
		logger:    logger.With("component", "signal"),
		loader:    loader,
		secondary: secondary,
		multiTF:   cfg.UseMultiTimeframe,
		gate:      gate,
		streaks:   gocache.New(gate, time.Minute),
	}
}

// Signal evaluates the trend for a symbol and updates its streak.
func (e *Engine) Signal(ctx context.Context, symbol string) (types.Signal, error) {
	primary, err := e.loader.Load(ctx, symbol, 1, supertrendMinBars)
	if err != nil {
		return types.SignalNone, fmt.Errorf("load 1m candles for %s: %w", symbol, err)
	}

	sig := e.evaluate(primary, true)
	if sig != types.SignalNone && e.multiTF {
		confirm, err := e.loader.Load(ctx, symbol, e.secondary, supertrendMinBars)
		if err != nil {
			return types.SignalNone, fmt.Errorf("load %dm candles for %s: %w", e.secondary, symbol, err)
		}
		if e.evaluate(confirm, false) != sig {
			sig = types.SignalNone
		}
	}

	e.trackStreak(symbol, sig)
	return sig, nil
}

// StreakStartedAt reports when the current directional streak began.
func (e *Engine) StreakStartedAt(symbol string) (time.Time, bool) {
	v, ok := e.streaks.Get(symbol)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// GateOpen reports whether the streak has persisted long enough to enter.
func (e *Engine) GateOpen(symbol string, now time.Time) bool {
	start, ok := e.StreakStartedAt(symbol)
	if !ok {
		return false
	}
	return now.Sub(start) >= e.gate
}

// trackStreak sets the streak start on the first directional signal and
// refreshes its TTL on every repeat. A flat signal clears the streak.
func (e *Engine) trackStreak(symbol string, sig types.Signal) {
	if sig == types.SignalNone {
		e.streaks.Delete(symbol)
		return
	}
	start := time.Now()
	if v, ok := e.streaks.Get(symbol); ok {
		start = v.(time.Time)
	}
	e.streaks.Set(symbol, start, e.gate)
}

// evaluate applies the trend rule to one candle series. Supertrend when the
// series is long enough, EMA/RSI otherwise.
func (e *Engine) evaluate(candles []types.Candle, primaryTF bool) types.Signal {
	if st, close, ok := supertrendLast(candles); ok {
		switch {
		case close > st:
			return types.SignalLong
		case close < st:
			return types.SignalShort
		default:
			return types.SignalNone
		}
	}
	return emaRSI(candles, primaryTF)
}

// emaRSI is the fallback rule: EMA20 vs EMA50 crossover confirmed by RSI14.
func emaRSI(candles []types.Candle, primaryTF bool) types.Signal {
	if len(candles) < emaSlow+1 {
		return types.SignalNone
	}
	close := closes(candles)
	fast := last(talib.Ema(close, emaFast))
	slow := last(talib.Ema(close, emaSlow))
	rsi := last(talib.Rsi(close, rsiLen))

	longThresh, shortThresh := rsiLongPrimary, rsiShortPrimary
	if !primaryTF {
		longThresh, shortThresh = rsiLongSecondary, rsiShortSecondary
	}

	switch {
	case fast > slow && rsi > longThresh:
		return types.SignalLong
	case fast < slow && rsi < shortThresh:
		return types.SignalShort
	default:
		return types.SignalNone
	}
}

// supertrendLast computes the final Supertrend value for the series and
// returns it with the last close. ok is false when the series is too short.
func supertrendLast(candles []types.Candle) (st, close float64, ok bool) {
	n := len(candles)
	if n < supertrendMinBars {
		return 0, 0, false
	}

	high := make([]float64, n)
	low := make([]float64, n)
	cl := make([]float64, n)
	for i, c := range candles {
		high[i], low[i], cl[i] = c.High, c.Low, c.Close
	}
	atr := talib.Atr(high, low, cl, supertrendPeriod)

	// Band carry rules: the upper band only ratchets down while price is
	// below it, the lower band only ratchets up while price is above it.
	var finalUpper, finalLower float64
	uptrend := true
	for i := supertrendPeriod; i < n; i++ {
		mid := (high[i] + low[i]) / 2
		basicUpper := mid + supertrendMultiplier*atr[i]
		basicLower := mid - supertrendMultiplier*atr[i]

		if i == supertrendPeriod {
			finalUpper, finalLower = basicUpper, basicLower
		} else {
			if basicUpper < finalUpper || cl[i-1] > finalUpper {
				finalUpper = basicUpper
			}
			if basicLower > finalLower || cl[i-1] < finalLower {
				finalLower = basicLower
			}
		}

		if uptrend {
			if cl[i] < finalLower {
				uptrend = false
			}
		} else {
			if cl[i] > finalUpper {
				uptrend = true
			}
		}
	}

	if uptrend {
		st = finalLower
	} else {
		st = finalUpper
	}
	return st, cl[n-1], true
}

func closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}
