package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dhan-scalper/pkg/types"
)

// QuoteSource supplies fill prices for synthetic executions.
type QuoteSource interface {
	LTP(ctx context.Context, segment types.Segment, securityID string, useFallback bool) (decimal.Decimal, bool)
}

// PaperBroker fills every order immediately at the last cached price. Orders
// and fills are kept in memory for the session; there is no partial-fill or
// rejection simulation beyond a missing price.
type PaperBroker struct {
	logger *slog.Logger
	quotes QuoteSource

	mu     sync.Mutex
	orders map[string]*types.Order
	trades []types.Trade
}

// NewPaper creates a paper broker backed by the tick cache.
func NewPaper(logger *slog.Logger, quotes QuoteSource) *PaperBroker {
	return &PaperBroker{
		logger: logger.With("component", "broker", "mode", "paper"),
		quotes: quotes,
		orders: make(map[string]*types.Order),
	}
}

// PlaceOrder fills at the cached LTP. A limit order uses its limit price when
// no tick is cached; a market order with no price fails.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*types.Order, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("paper place: %w: quantity %d", ErrRejected, req.Quantity)
	}

	fill, ok := p.quotes.LTP(ctx, req.Segment, req.SecurityID, true)
	if !ok || fill.IsZero() {
		if req.OrderType == types.OrderTypeLimit && req.Price.IsPositive() {
			fill = req.Price
		} else {
			return nil, fmt.Errorf("paper place: %w: no price for %s:%s", ErrRejected, req.Segment, req.SecurityID)
		}
	}

	now := time.Now()
	order := &types.Order{
		OrderID:      "PAPER-" + uuid.NewString(),
		Symbol:       req.Symbol,
		SecurityID:   req.SecurityID,
		Segment:      req.Segment,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Price:        req.Price,
		OrderType:    req.OrderType,
		Status:       types.OrderFilled,
		FillPrice:    fill,
		FillQuantity: req.Quantity,
		OptionType:   req.OptionType,
		Strike:       req.Strike,
		CreatedAt:    now,
		LastUpdated:  now,
	}

	p.mu.Lock()
	p.orders[order.OrderID] = order
	p.trades = append(p.trades, types.Trade{
		OrderID:    order.OrderID,
		Symbol:     req.Symbol,
		SecurityID: req.SecurityID,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Price:      fill,
		Timestamp:  now,
	})
	p.mu.Unlock()

	p.logger.Info("paper fill",
		"order_id", order.OrderID,
		"side", req.Side,
		"security_id", req.SecurityID,
		"qty", req.Quantity,
		"price", fill)
	return order, nil
}

// CancelOrder is a no-op for already-filled paper orders.
func (p *PaperBroker) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper cancel: unknown order %s", orderID)
	}
	if order.Status == types.OrderFilled {
		return fmt.Errorf("paper cancel: order %s already filled", orderID)
	}
	order.Status = types.OrderCancelled
	order.LastUpdated = time.Now()
	return nil
}

// OrderStatus returns a copy of the stored order.
func (p *PaperBroker) OrderStatus(_ context.Context, orderID string) (*types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper status: unknown order %s", orderID)
	}
	cp := *order
	return &cp, nil
}

// Positions aggregates net quantity per instrument from session fills.
func (p *PaperBroker) Positions(_ context.Context) ([]NetPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	type acc struct {
		net  int
		cost decimal.Decimal
		buys int
		pos  NetPosition
	}
	byID := make(map[string]*acc)
	for _, o := range p.orders {
		if o.Status != types.OrderFilled {
			continue
		}
		key := string(o.Segment) + ":" + o.SecurityID
		a, ok := byID[key]
		if !ok {
			a = &acc{pos: NetPosition{
				Segment:    o.Segment,
				SecurityID: o.SecurityID,
				Symbol:     o.Symbol,
				OptionType: o.OptionType,
			}}
			byID[key] = a
		}
		if o.Side == types.BUY {
			a.net += o.FillQuantity
			a.buys += o.FillQuantity
			a.cost = a.cost.Add(o.FillPrice.Mul(decimal.NewFromInt(int64(o.FillQuantity))))
		} else {
			a.net -= o.FillQuantity
		}
	}

	var out []NetPosition
	for _, a := range byID {
		a.pos.NetQty = a.net
		if a.buys > 0 {
			a.pos.BuyAvg = a.cost.Div(decimal.NewFromInt(int64(a.buys)))
		}
		out = append(out, a.pos)
	}
	return out, nil
}

// GetFunds is not meaningful for the paper backend; the wallet is the source
// of truth. Returns zeros.
func (p *PaperBroker) GetFunds(context.Context) (Funds, error) {
	return Funds{Available: decimal.Zero, Utilized: decimal.Zero}, nil
}

// Trades returns the session fill log.
func (p *PaperBroker) Trades(context.Context) ([]types.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Trade, len(p.trades))
	copy(out, p.trades)
	return out, nil
}
