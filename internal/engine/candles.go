package engine

import (
	"context"
	"fmt"

	"dhan-scalper/internal/config"
	"dhan-scalper/internal/signal"
	"dhan-scalper/pkg/types"
)

// CandleAPI is the chart capability of the broker data client.
type CandleAPI interface {
	IntradayCandles(ctx context.Context, segment types.Segment, securityID, instrument string, intervalMinutes int) ([]types.Candle, error)
}

// brokerCandles adapts the broker chart endpoint to the signal engine's
// loader: configured symbols resolve to their index feed address, and the
// series is trimmed to the most recent bars.
type brokerCandles struct {
	api     CandleAPI
	symbols map[string]config.SymbolConfig
}

// NewBrokerCandles builds a candle loader over the broker chart API.
func NewBrokerCandles(api CandleAPI, symbols map[string]config.SymbolConfig) signal.CandleLoader {
	return &brokerCandles{api: api, symbols: symbols}
}

func (b *brokerCandles) Load(ctx context.Context, symbol string, timeframeMinutes, count int) ([]types.Candle, error) {
	sym, ok := b.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("candles: unknown symbol %q", symbol)
	}
	series, err := b.api.IntradayCandles(ctx, types.Segment(sym.SegIdx), sym.IdxSID, "INDEX", timeframeMinutes)
	if err != nil {
		return nil, fmt.Errorf("candles: load %s %dm: %w", symbol, timeframeMinutes, err)
	}
	if count > 0 && len(series) > count {
		series = series[len(series)-count:]
	}
	return series, nil
}
