// Package equity computes account equity and keeps mark-to-market fresh.
//
// Equity is wallet total (available + used) plus the sum of unrealized PnL
// over open positions. The refresher walks open positions and rewrites their
// unrealized PnL from the latest cached price, rate-limited per instrument so
// a fast tick stream cannot turn every tick into a store write.
package equity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"dhan-scalper/internal/positions"
	"dhan-scalper/internal/wallet"
	"dhan-scalper/pkg/types"
)

const defaultMinInterval = time.Second

// QuoteSource supplies the last traded price for an instrument.
type QuoteSource interface {
	LTP(ctx context.Context, segment types.Segment, securityID string, useFallback bool) (decimal.Decimal, bool)
}

// Unrealized computes mark-to-market PnL for a long option position.
// Long calls gain when price rises, long puts when it falls.
func Unrealized(pos positions.Position, ltp decimal.Decimal) decimal.Decimal {
	qty := decimal.NewFromInt(int64(pos.NetQty))
	if pos.OptionType == types.PE {
		return pos.BuyAvg.Sub(ltp).Mul(qty)
	}
	return ltp.Sub(pos.BuyAvg).Mul(qty)
}

// Breakdown is a point-in-time equity decomposition.
type Breakdown struct {
	WalletTotal     decimal.Decimal `json:"wallet_total"`
	Available       decimal.Decimal `json:"available"`
	Used            decimal.Decimal `json:"used"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	Equity          decimal.Decimal `json:"equity"`
	OpenPositions   int             `json:"open_positions"`
	ComputedAt      time.Time       `json:"computed_at"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
}

// Calculator derives equity from the wallet and position store.
type Calculator struct {
	wallet *wallet.Wallet
	store  *positions.Store
}

// NewCalculator wires the two sources of truth together.
func NewCalculator(w *wallet.Wallet, s *positions.Store) *Calculator {
	return &Calculator{wallet: w, store: s}
}

// Equity returns wallet total plus total unrealized PnL.
func (c *Calculator) Equity() decimal.Decimal {
	return c.wallet.Total().Add(c.store.TotalUnrealized())
}

// Breakdown returns the full decomposition for reporting and CLI display.
func (c *Calculator) Breakdown() Breakdown {
	snap := c.wallet.Snapshot()
	unreal := c.store.TotalUnrealized()
	return Breakdown{
		WalletTotal:     snap.Total,
		Available:       snap.Available,
		Used:            snap.Used,
		UnrealizedPnL:   unreal,
		RealizedPnL:     snap.RealizedPnL,
		Equity:          snap.Total.Add(unreal),
		OpenPositions:   len(c.store.Open()),
		ComputedAt:      time.Now(),
		StartingBalance: snap.StartingBalance,
	}
}

// Refresher rewrites position marks from the tick cache.
type Refresher struct {
	logger *slog.Logger
	quotes QuoteSource
	store  *positions.Store

	minInterval time.Duration

	mu       sync.Mutex
	limiters map[types.PositionKey]*rate.Limiter
}

// NewRefresher creates a refresher with the given minimum per-instrument
// refresh interval. A non-positive interval falls back to one second.
func NewRefresher(logger *slog.Logger, quotes QuoteSource, store *positions.Store, minInterval time.Duration) *Refresher {
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	return &Refresher{
		logger:      logger.With("component", "mtm"),
		quotes:      quotes,
		store:       store,
		minInterval: minInterval,
		limiters:    make(map[types.PositionKey]*rate.Limiter),
	}
}

// RefreshOne updates price and unrealized PnL for a single position.
// Calls inside the per-instrument rate window are dropped, not queued.
// Returns true when a write happened.
func (r *Refresher) RefreshOne(ctx context.Context, key types.PositionKey) bool {
	if !r.allow(key) {
		return false
	}
	pos, ok := r.store.Get(key)
	if !ok || !pos.Open() {
		return false
	}

	ltp, ok := r.quotes.LTP(ctx, key.Segment, key.SecurityID, true)
	if !ok || ltp.IsZero() {
		r.logger.Debug("no price for mark", "key", key.String())
		return false
	}

	r.store.UpdatePrice(key, ltp)
	r.store.UpdateUnrealized(key, Unrealized(pos, ltp))
	return true
}

// RefreshAll walks every open position once. Rate limiting still applies
// per instrument, so back-to-back sweeps do not double-write.
func (r *Refresher) RefreshAll(ctx context.Context) int {
	updated := 0
	for _, pos := range r.store.Open() {
		if ctx.Err() != nil {
			break
		}
		if r.RefreshOne(ctx, pos.Key) {
			updated++
		}
	}
	return updated
}

func (r *Refresher) allow(key types.PositionKey) bool {
	r.mu.Lock()
	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.minInterval), 1)
		r.limiters[key] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}
