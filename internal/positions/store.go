// Package positions implements the weighted-average long-only position store.
//
// Positions are keyed by (segment, security_id, side). Buys update the buy
// average as a quantity-weighted mean; partial sells clamp to the held net
// quantity and realize PnL with the option-type-aware formula (CE gains on
// price up, PE on price down). Positions that reach net_qty = 0 stay in the
// store for session reporting but are no longer eligible for risk checks.
//
// All money math is decimal. Mutations for one key are serialized under the
// store mutex; the order gateway is the only caller that transfers ownership
// of quantity, the mark-to-market refresher only writes price/unrealized.
package positions

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dhan-scalper/pkg/types"
)

// ErrNoPosition is returned when a sell targets a key with nothing held.
var ErrNoPosition = errors.New("no open position")

// OversellError reports a sell clamped to the held quantity. The clamped
// sale still proceeds; the error type exists so callers can log the excess.
type OversellError struct {
	Requested int
	Held      int
}

func (e *OversellError) Error() string {
	return fmt.Sprintf("oversell: requested %d, held %d", e.Requested, e.Held)
}

// Position is one tracked long position.
type Position struct {
	Key           types.PositionKey `json:"-"`
	Segment       types.Segment     `json:"segment"`
	SecurityID    string            `json:"security_id"`
	Side          types.Side        `json:"side"`
	Symbol        string            `json:"symbol,omitempty"`
	OptionType    types.OptionType  `json:"option_type,omitempty"`
	BuyQty        int               `json:"buy_qty"`
	BuyAvg        decimal.Decimal   `json:"buy_avg"`
	SellQty       int               `json:"sell_qty"`
	SellAvg       decimal.Decimal   `json:"sell_avg"`
	NetQty        int               `json:"net_qty"`
	DayBuyQty     int               `json:"day_buy_qty"`
	DaySellQty    int               `json:"day_sell_qty"`
	CurrentPrice  decimal.Decimal   `json:"current_price"`
	HighWater     decimal.Decimal   `json:"high_water"`
	RealizedPnL   decimal.Decimal   `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal   `json:"unrealized_pnl"`
	EntryFee      decimal.Decimal   `json:"entry_fee"`
	CreatedAt     time.Time         `json:"created_at"`
	LastUpdated   time.Time         `json:"last_updated"`
}

// Open reports whether the position still holds quantity.
func (p Position) Open() bool { return p.NetQty > 0 }

// SellResult summarizes a partial or full exit.
type SellResult struct {
	Position    Position
	RealizedPnL decimal.Decimal
	NetProceeds decimal.Decimal
	SoldQty     int
}

// Store holds all positions for the session.
type Store struct {
	mu        sync.RWMutex
	positions map[types.PositionKey]*Position
}

// NewStore creates an empty position store.
func NewStore() *Store {
	return &Store{positions: make(map[types.PositionKey]*Position)}
}

// AddBuy applies a buy fill. The buy average moves by quantity-weighted
// mean; a new position is created on first buy for the key.
func (s *Store) AddBuy(key types.PositionKey, symbol string, optionType types.OptionType, qty int, price, fee decimal.Decimal) (Position, error) {
	if qty <= 0 {
		return Position{}, fmt.Errorf("add buy: quantity must be positive, got %d", qty)
	}
	if !price.IsPositive() {
		return Position{}, fmt.Errorf("add buy: price must be positive, got %s", price)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[key]
	if !ok {
		pos = &Position{
			Key:        key,
			Segment:    key.Segment,
			SecurityID: key.SecurityID,
			Side:       key.Side,
			Symbol:     symbol,
			OptionType: optionType,
			BuyAvg:     decimal.Zero,
			SellAvg:    decimal.Zero,
			CreatedAt:  time.Now(),
		}
		s.positions[key] = pos
	}

	qd := decimal.NewFromInt(int64(qty))
	prevQty := decimal.NewFromInt(int64(pos.BuyQty))
	totalCost := pos.BuyAvg.Mul(prevQty).Add(price.Mul(qd))
	pos.BuyQty += qty
	pos.BuyAvg = totalCost.Div(decimal.NewFromInt(int64(pos.BuyQty)))
	pos.NetQty += qty
	pos.DayBuyQty += qty
	pos.EntryFee = pos.EntryFee.Add(fee)
	pos.CurrentPrice = price
	if price.GreaterThan(pos.HighWater) {
		pos.HighWater = price
	}
	pos.LastUpdated = time.Now()

	return *pos, nil
}

// PartialSell applies a sell fill. Quantity is clamped to the held net
// quantity (returning an OversellError alongside the result); selling
// against an empty position fails with ErrNoPosition. Realized PnL uses the
// option-type-aware formula.
func (s *Store) PartialSell(key types.PositionKey, qty int, price, fee decimal.Decimal) (SellResult, error) {
	if qty <= 0 {
		return SellResult{}, fmt.Errorf("partial sell: quantity must be positive, got %d", qty)
	}
	if !price.IsPositive() {
		return SellResult{}, fmt.Errorf("partial sell: price must be positive, got %s", price)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[key]
	if !ok || pos.NetQty <= 0 {
		return SellResult{}, fmt.Errorf("%w: %s", ErrNoPosition, key)
	}

	var oversell error
	soldQty := qty
	if soldQty > pos.NetQty {
		oversell = &OversellError{Requested: qty, Held: pos.NetQty}
		soldQty = pos.NetQty
	}

	sd := decimal.NewFromInt(int64(soldQty))
	var perUnit decimal.Decimal
	if pos.OptionType == types.PE {
		perUnit = pos.BuyAvg.Sub(price)
	} else {
		// CE, CALL, or unspecified
		perUnit = price.Sub(pos.BuyAvg)
	}
	realized := perUnit.Mul(sd)

	prevSell := decimal.NewFromInt(int64(pos.SellQty))
	totalSold := pos.SellAvg.Mul(prevSell).Add(price.Mul(sd))
	pos.SellQty += soldQty
	pos.SellAvg = totalSold.Div(decimal.NewFromInt(int64(pos.SellQty)))
	pos.NetQty -= soldQty
	pos.DaySellQty += soldQty
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.CurrentPrice = price
	if pos.NetQty == 0 {
		pos.UnrealizedPnL = decimal.Zero
	}
	pos.LastUpdated = time.Now()

	return SellResult{
		Position:    *pos,
		RealizedPnL: realized,
		NetProceeds: price.Mul(sd).Sub(fee),
		SoldQty:     soldQty,
	}, oversell
}

// Get returns a copy of the position for a key.
func (s *Store) Get(key types.PositionKey) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[key]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// List returns copies of all positions, open and closed.
func (s *Store) List() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, *pos)
	}
	return out
}

// Open returns copies of positions with net quantity > 0.
func (s *Store) Open() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Position
	for _, pos := range s.positions {
		if pos.NetQty > 0 {
			out = append(out, *pos)
		}
	}
	return out
}

// UpdatePrice records the latest traded price and advances the high-water
// mark used by the trailing stop.
func (s *Store) UpdatePrice(key types.PositionKey, ltp decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[key]
	if !ok {
		return
	}
	pos.CurrentPrice = ltp
	if ltp.GreaterThan(pos.HighWater) {
		pos.HighWater = ltp
	}
	pos.LastUpdated = time.Now()
}

// UpdateUnrealized stores the mark-to-market PnL computed by the refresher.
func (s *Store) UpdateUnrealized(key types.PositionKey, pnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.positions[key]; ok {
		pos.UnrealizedPnL = pnl
	}
}

// SetQuantity force-aligns net quantity to broker truth (reconciliation).
// Buy-side counters are adjusted so net_qty = buy_qty - sell_qty holds.
func (s *Store) SetQuantity(key types.PositionKey, netQty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[key]
	if !ok {
		return
	}
	pos.BuyQty += netQty - pos.NetQty
	pos.NetQty = netQty
	pos.LastUpdated = time.Now()
}

// ResetDayCounters zeroes the per-session buy/sell volume counters.
func (s *Store) ResetDayCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pos := range s.positions {
		pos.DayBuyQty = 0
		pos.DaySellQty = 0
	}
}

// TotalUnrealized sums unrealized PnL over open positions.
func (s *Store) TotalUnrealized() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range s.positions {
		if pos.NetQty > 0 {
			total = total.Add(pos.UnrealizedPnL)
		}
	}
	return total
}
