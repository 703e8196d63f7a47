// Package broker implements the order execution backends.
//
// Two backends satisfy the Broker interface: PaperBroker fills synthetically
// at the last cached price, DhanClient talks to the Dhan v2 REST API with
// rate limiting, retry, and a circuit breaker. The order gateway holds a
// Broker and never knows which one it has.
package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"dhan-scalper/pkg/types"
)

// ErrRejected wraps broker-side order rejections so callers can distinguish
// them from transport failures.
var ErrRejected = errors.New("order rejected by broker")

// OrderRequest is the gateway's view of one order to transmit.
type OrderRequest struct {
	Symbol     string           `json:"symbol"`
	SecurityID string           `json:"security_id"`
	Segment    types.Segment    `json:"segment"`
	Side       types.Side       `json:"side"`
	Quantity   int              `json:"quantity"`
	Price      decimal.Decimal  `json:"price"`
	OrderType  types.OrderType  `json:"order_type"`
	OptionType types.OptionType `json:"option_type,omitempty"`
	Strike     decimal.Decimal  `json:"strike,omitempty"`
	LotSize    int              `json:"lot_size,omitempty"` // zero skips the lot-multiple check
}

// NetPosition is a broker-reported position used by the reconciler.
type NetPosition struct {
	Segment    types.Segment    `json:"segment"`
	SecurityID string           `json:"security_id"`
	Symbol     string           `json:"symbol"`
	NetQty     int              `json:"net_qty"`
	BuyAvg     decimal.Decimal  `json:"buy_avg"`
	OptionType types.OptionType `json:"option_type,omitempty"`
}

// Funds is the broker's view of account capital.
type Funds struct {
	Available decimal.Decimal `json:"available"`
	Utilized  decimal.Decimal `json:"utilized"`
}

// Broker is the execution capability shared by paper and live backends.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (*types.Order, error)
	Positions(ctx context.Context) ([]NetPosition, error)
	GetFunds(ctx context.Context) (Funds, error)
	Trades(ctx context.Context) ([]types.Trade, error)
}
