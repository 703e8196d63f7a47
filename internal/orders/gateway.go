// Package orders implements the order gateway between trading logic and the
// broker backends.
//
// Place is the single entry point for every buy and sell. It dedupes
// identical payloads over a short TTL, transmits through the configured
// broker, and commits the wallet and position mutations as one serialized
// step: a buy debits the wallet before transmission so insufficient funds
// never reach the broker, and a broker failure refunds the debit. Duplicate
// submissions are a status, not an error.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"dhan-scalper/internal/broker"
	"dhan-scalper/internal/positions"
	"dhan-scalper/internal/wallet"
	"dhan-scalper/pkg/types"
)

const (
	dedupeTTL = 10 * time.Second

	StatusOK        = "ok"
	StatusDuplicate = "duplicate"
	StatusError     = "error"
)

// ErrInvalidQuantity rejects orders whose size is non-positive or off the
// instrument's lot grid.
var ErrInvalidQuantity = errors.New("invalid order quantity")

// Result reports the outcome of a Place call.
type Result struct {
	Success bool         `json:"success"`
	OrderID string       `json:"order_id,omitempty"`
	Mode    types.Mode   `json:"mode"`
	Status  string       `json:"status"`
	Order   *types.Order `json:"order,omitempty"`
	Err     error        `json:"-"`
}

// Gateway routes orders to the broker and keeps the wallet and position
// store consistent with every fill.
type Gateway struct {
	logger *slog.Logger
	broker broker.Broker
	wallet *wallet.Wallet
	store  *positions.Store
	dedupe *gocache.Cache
	mode   types.Mode
	fee    decimal.Decimal

	// commitMu serializes the transmit+commit section so two orders cannot
	// interleave their wallet and position mutations.
	commitMu sync.Mutex

	ordersMu sync.Mutex
	orders   []types.Order

	onTrade func(types.Trade)
}

// New creates a gateway. chargePerOrder is the flat fee debited per order.
func New(logger *slog.Logger, b broker.Broker, w *wallet.Wallet, s *positions.Store, mode types.Mode, chargePerOrder decimal.Decimal) *Gateway {
	return &Gateway{
		logger: logger.With("component", "gateway"),
		broker: b,
		wallet: w,
		store:  s,
		dedupe: gocache.New(dedupeTTL, time.Minute),
		mode:   mode,
		fee:    chargePerOrder,
	}
}

// OnTrade registers a callback invoked after every committed fill.
func (g *Gateway) OnTrade(fn func(types.Trade)) { g.onTrade = fn }

// Orders returns the session order log.
func (g *Gateway) Orders() []types.Order {
	g.ordersMu.Lock()
	defer g.ordersMu.Unlock()
	out := make([]types.Order, len(g.orders))
	copy(out, g.orders)
	return out
}

// Place transmits one order. reason annotates exits for the trade log and
// is empty for entries.
func (g *Gateway) Place(ctx context.Context, req broker.OrderRequest, reason string) Result {
	if req.Quantity <= 0 {
		return g.fail(req, fmt.Errorf("place: %w: must be positive, got %d", ErrInvalidQuantity, req.Quantity))
	}
	if req.LotSize > 0 && req.Quantity%req.LotSize != 0 {
		return g.fail(req, fmt.Errorf("place: %w: %d is not a multiple of lot size %d",
			ErrInvalidQuantity, req.Quantity, req.LotSize))
	}
	if !req.Price.IsPositive() {
		return g.fail(req, fmt.Errorf("place: price must be positive, got %s", req.Price))
	}

	key := dedupeKey(req)
	if _, dup := g.dedupe.Get(key); dup {
		g.logger.Info("duplicate order suppressed", "key", key)
		return Result{Success: false, Mode: g.mode, Status: StatusDuplicate}
	}
	g.dedupe.Set(key, struct{}{}, dedupeTTL)

	g.commitMu.Lock()
	defer g.commitMu.Unlock()

	var res Result
	if req.Side == types.BUY {
		res = g.placeBuy(ctx, req)
	} else {
		res = g.placeSell(ctx, req, reason)
	}
	if !res.Success {
		// A failed transmission must not block an immediate retry.
		g.dedupe.Delete(key)
	}
	return res
}

// placeBuy debits the estimated cost, transmits, then trues the debit up to
// the actual fill price and records the position.
func (g *Gateway) placeBuy(ctx context.Context, req broker.OrderRequest) Result {
	qty := decimal.NewFromInt(int64(req.Quantity))
	estCost := req.Price.Mul(qty)

	if _, err := g.wallet.Debit(estCost, g.fee); err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			g.logger.Warn("buy declined", "security_id", req.SecurityID, "error", err)
		}
		return g.fail(req, err)
	}

	order, err := g.broker.PlaceOrder(ctx, req)
	if err != nil {
		g.wallet.Credit(estCost.Add(g.fee), estCost)
		return g.fail(req, fmt.Errorf("broker place buy: %w", err))
	}

	fill := order.FillPrice
	if fill.IsZero() {
		fill = req.Price
	}
	fillCost := fill.Mul(qty)

	// True up the reserved amount to the actual fill.
	switch {
	case fillCost.GreaterThan(estCost):
		if _, err := g.wallet.Debit(fillCost.Sub(estCost), decimal.Zero); err != nil {
			g.logger.Warn("fill exceeded reserve and wallet could not cover the difference",
				"order_id", order.OrderID, "diff", fillCost.Sub(estCost))
		}
	case fillCost.LessThan(estCost):
		diff := estCost.Sub(fillCost)
		g.wallet.Credit(diff, diff)
	}

	key := types.PositionKey{Segment: req.Segment, SecurityID: req.SecurityID, Side: types.BUY}
	if _, err := g.store.AddBuy(key, req.Symbol, req.OptionType, order.FillQuantity, fill, g.fee); err != nil {
		return g.fail(req, fmt.Errorf("record buy: %w", err))
	}

	g.record(order, types.Trade{
		OrderID:    order.OrderID,
		Symbol:     req.Symbol,
		SecurityID: req.SecurityID,
		Side:       types.BUY,
		Quantity:   order.FillQuantity,
		Price:      fill,
		Fee:        g.fee,
		Timestamp:  time.Now(),
	})
	return Result{Success: true, OrderID: order.OrderID, Mode: g.mode, Status: StatusOK, Order: order}
}

// placeSell clamps to held quantity, transmits, then realizes PnL and
// releases the sold cost basis back to the wallet.
func (g *Gateway) placeSell(ctx context.Context, req broker.OrderRequest, reason string) Result {
	key := types.PositionKey{Segment: req.Segment, SecurityID: req.SecurityID, Side: types.BUY}
	pos, ok := g.store.Get(key)
	if !ok || !pos.Open() {
		return g.fail(req, fmt.Errorf("%w: %s", positions.ErrNoPosition, key))
	}
	if req.Quantity > pos.NetQty {
		g.logger.Warn("sell clamped to held quantity",
			"security_id", req.SecurityID, "requested", req.Quantity, "held", pos.NetQty)
		req.Quantity = pos.NetQty
	}

	order, err := g.broker.PlaceOrder(ctx, req)
	if err != nil {
		return g.fail(req, fmt.Errorf("broker place sell: %w", err))
	}

	fill := order.FillPrice
	if fill.IsZero() {
		fill = req.Price
	}

	res, sellErr := g.store.PartialSell(key, order.FillQuantity, fill, g.fee)
	if sellErr != nil {
		var oe *positions.OversellError
		if !errors.As(sellErr, &oe) {
			return g.fail(req, fmt.Errorf("record sell: %w", sellErr))
		}
		g.logger.Warn("oversell clamped", "security_id", req.SecurityID, "error", sellErr)
	}

	costBasis := pos.BuyAvg.Mul(decimal.NewFromInt(int64(res.SoldQty)))
	g.wallet.Credit(res.NetProceeds, costBasis)
	g.wallet.RecordRealized(res.RealizedPnL)

	g.record(order, types.Trade{
		OrderID:    order.OrderID,
		Symbol:     req.Symbol,
		SecurityID: req.SecurityID,
		Side:       types.SELL,
		Quantity:   res.SoldQty,
		Price:      fill,
		Fee:        g.fee,
		PnL:        res.RealizedPnL,
		Reason:     reason,
		Timestamp:  time.Now(),
	})
	return Result{Success: true, OrderID: order.OrderID, Mode: g.mode, Status: StatusOK, Order: order}
}

func (g *Gateway) record(order *types.Order, trade types.Trade) {
	g.ordersMu.Lock()
	g.orders = append(g.orders, *order)
	g.ordersMu.Unlock()
	if g.onTrade != nil {
		g.onTrade(trade)
	}
}

func (g *Gateway) fail(req broker.OrderRequest, err error) Result {
	g.logger.Error("order failed",
		"side", req.Side, "security_id", req.SecurityID, "qty", req.Quantity, "error", err)
	return Result{Success: false, Mode: g.mode, Status: StatusError, Err: err}
}

// dedupeKey identifies a payload for duplicate suppression. Price is
// excluded: two same-size submissions moments apart are the same intent.
func dedupeKey(req broker.OrderRequest) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", req.Symbol, req.SecurityID, req.Side, req.Quantity, req.OrderType)
}
