package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"dhan-scalper/internal/config"
	"dhan-scalper/pkg/types"
)

// DhanClient is the Dhan v2 REST API client. Every request is rate-limited
// through per-category token buckets and runs inside a shared circuit
// breaker; mutating calls honor dry-run mode by synthesizing success without
// transmitting.
type DhanClient struct {
	http     *resty.Client
	rl       *RateLimiter
	breaker  *gobreaker.CircuitBreaker
	clientID string
	dryRun   bool
	logger   *slog.Logger
}

// NewDhan creates a live broker client with retry, rate limiting, and a
// circuit breaker tripping at 60% failures over at least 5 requests.
func NewDhan(cfg config.BrokerConfig, logger *slog.Logger) *DhanClient {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("access-token", cfg.AccessToken).
		SetHeader("client-id", cfg.ClientID)

	log := logger.With("component", "broker", "mode", "live")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "dhan-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &DhanClient{
		http:     httpClient,
		rl:       NewRateLimiter(),
		breaker:  breaker,
		clientID: cfg.ClientID,
		dryRun:   cfg.DryRun,
		logger:   log,
	}
}

// exec runs one API call through the circuit breaker.
func (d *DhanClient) exec(fn func() error) error {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// ————————————————————————————————————————————————————————————————————————
// Wire payloads (Dhan v2 JSON shapes)
// ————————————————————————————————————————————————————————————————————————

type dhanOrderRequest struct {
	DhanClientID    string `json:"dhanClientId"`
	TransactionType string `json:"transactionType"`
	ExchangeSegment string `json:"exchangeSegment"`
	ProductType     string `json:"productType"`
	OrderType       string `json:"orderType"`
	Validity        string `json:"validity"`
	SecurityID      string `json:"securityId"`
	Quantity        int    `json:"quantity"`
	Price           string `json:"price,omitempty"`
}

type dhanOrderAck struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

type dhanOrderDetail struct {
	OrderID            string  `json:"orderId"`
	OrderStatus        string  `json:"orderStatus"`
	TransactionType    string  `json:"transactionType"`
	ExchangeSegment    string  `json:"exchangeSegment"`
	SecurityID         string  `json:"securityId"`
	TradingSymbol      string  `json:"tradingSymbol"`
	Quantity           int     `json:"quantity"`
	FilledQty          int     `json:"filledQty"`
	Price              float64 `json:"price"`
	AverageTradedPrice float64 `json:"averageTradedPrice"`
	DrvOptionType      string  `json:"drvOptionType"`
	DrvStrikePrice     float64 `json:"drvStrikePrice"`
	CreateTime         string  `json:"createTime"`
	UpdateTime         string  `json:"updateTime"`
}

type dhanPosition struct {
	TradingSymbol   string  `json:"tradingSymbol"`
	SecurityID      string  `json:"securityId"`
	ExchangeSegment string  `json:"exchangeSegment"`
	PositionType    string  `json:"positionType"`
	NetQty          int     `json:"netQty"`
	BuyAvg          float64 `json:"buyAvg"`
	DrvOptionType   string  `json:"drvOptionType"`
}

type dhanFundLimit struct {
	// The misspelling is Dhan's, not ours.
	AvailabelBalance float64 `json:"availabelBalance"`
	UtilizedAmount   float64 `json:"utilizedAmount"`
}

type dhanTrade struct {
	OrderID         string  `json:"orderId"`
	SecurityID      string  `json:"securityId"`
	TradingSymbol   string  `json:"tradingSymbol"`
	TransactionType string  `json:"transactionType"`
	TradedQuantity  int     `json:"tradedQuantity"`
	TradedPrice     float64 `json:"tradedPrice"`
	ExchangeTime    string  `json:"exchangeTime"`
}

type dhanLTPResponse struct {
	Status string `json:"status"`
	Data   map[string]map[string]struct {
		LastPrice float64 `json:"last_price"`
	} `json:"data"`
}

type dhanChartResponse struct {
	Open      []float64 `json:"open"`
	High      []float64 `json:"high"`
	Low       []float64 `json:"low"`
	Close     []float64 `json:"close"`
	Volume    []float64 `json:"volume"`
	Timestamp []float64 `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Broker interface
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder transmits an intraday order. In dry-run mode an order id is
// synthesized and nothing leaves the process. After a live acknowledgement
// the order detail is fetched once to pick up the traded price; a fill not
// yet reported falls back to the requested price.
func (d *DhanClient) PlaceOrder(ctx context.Context, req OrderRequest) (*types.Order, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("place order: %w: quantity %d", ErrRejected, req.Quantity)
	}

	if d.dryRun {
		d.logger.Info("DRY-RUN: would place order",
			"side", req.Side, "security_id", req.SecurityID, "qty", req.Quantity)
		now := time.Now()
		return &types.Order{
			OrderID:      "DRYRUN-" + uuid.NewString(),
			Symbol:       req.Symbol,
			SecurityID:   req.SecurityID,
			Segment:      req.Segment,
			Side:         req.Side,
			Quantity:     req.Quantity,
			Price:        req.Price,
			OrderType:    req.OrderType,
			Status:       types.OrderFilled,
			FillPrice:    req.Price,
			FillQuantity: req.Quantity,
			OptionType:   req.OptionType,
			Strike:       req.Strike,
			CreatedAt:    now,
			LastUpdated:  now,
		}, nil
	}

	if err := d.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payload := dhanOrderRequest{
		DhanClientID:    d.clientID,
		TransactionType: string(req.Side),
		ExchangeSegment: string(req.Segment),
		ProductType:     "INTRADAY",
		OrderType:       string(req.OrderType),
		Validity:        "DAY",
		SecurityID:      req.SecurityID,
		Quantity:        req.Quantity,
	}
	if req.OrderType == types.OrderTypeLimit {
		payload.Price = req.Price.String()
	}

	var ack dhanOrderAck
	err := d.exec(func() error {
		resp, err := d.http.R().
			SetContext(ctx).
			SetBody(payload).
			SetResult(&ack).
			Post("/v2/orders")
		if err != nil {
			return fmt.Errorf("place order: %w", err)
		}
		if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
			return fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ack.OrderStatus == "REJECTED" {
		return nil, fmt.Errorf("place order %s: %w", ack.OrderID, ErrRejected)
	}

	order, err := d.OrderStatus(ctx, ack.OrderID)
	if err != nil {
		d.logger.Warn("order placed but status fetch failed", "order_id", ack.OrderID, "error", err)
		now := time.Now()
		order = &types.Order{
			OrderID:     ack.OrderID,
			Symbol:      req.Symbol,
			SecurityID:  req.SecurityID,
			Segment:     req.Segment,
			Side:        req.Side,
			Quantity:    req.Quantity,
			OrderType:   req.OrderType,
			Status:      types.OrderPending,
			CreatedAt:   now,
			LastUpdated: now,
		}
	}
	if order.FillPrice.IsZero() {
		order.FillPrice = req.Price
	}
	if order.FillQuantity == 0 && order.Status == types.OrderFilled {
		order.FillQuantity = req.Quantity
	}
	order.Symbol = req.Symbol
	order.OptionType = req.OptionType
	order.Strike = req.Strike
	return order, nil
}

// CancelOrder cancels a pending order by id.
func (d *DhanClient) CancelOrder(ctx context.Context, orderID string) error {
	if d.dryRun {
		d.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := d.rl.Order.Wait(ctx); err != nil {
		return err
	}
	return d.exec(func() error {
		resp, err := d.http.R().
			SetContext(ctx).
			Delete("/v2/orders/" + orderID)
		if err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}
		if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
			return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
}

// OrderStatus fetches one order's current state.
func (d *DhanClient) OrderStatus(ctx context.Context, orderID string) (*types.Order, error) {
	if err := d.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var detail dhanOrderDetail
	err := d.exec(func() error {
		resp, err := d.http.R().
			SetContext(ctx).
			SetResult(&detail).
			Get("/v2/orders/" + orderID)
		if err != nil {
			return fmt.Errorf("order status: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("order status: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	order := &types.Order{
		OrderID:      detail.OrderID,
		Symbol:       detail.TradingSymbol,
		SecurityID:   detail.SecurityID,
		Segment:      types.Segment(detail.ExchangeSegment),
		Side:         types.Side(detail.TransactionType),
		Quantity:     detail.Quantity,
		Price:        decimal.NewFromFloat(detail.Price),
		Status:       mapOrderStatus(detail.OrderStatus),
		FillPrice:    decimal.NewFromFloat(detail.AverageTradedPrice),
		FillQuantity: detail.FilledQty,
		OptionType:   types.OptionType(detail.DrvOptionType),
		LastUpdated:  time.Now(),
	}
	return order, nil
}

// Positions returns the broker's net positions for reconciliation.
func (d *DhanClient) Positions(ctx context.Context) ([]NetPosition, error) {
	if err := d.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []dhanPosition
	err := d.exec(func() error {
		resp, err := d.http.R().
			SetContext(ctx).
			SetResult(&raw).
			Get("/v2/positions")
		if err != nil {
			return fmt.Errorf("positions: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("positions: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]NetPosition, 0, len(raw))
	for _, p := range raw {
		out = append(out, NetPosition{
			Segment:    types.Segment(p.ExchangeSegment),
			SecurityID: p.SecurityID,
			Symbol:     p.TradingSymbol,
			NetQty:     p.NetQty,
			BuyAvg:     decimal.NewFromFloat(p.BuyAvg),
			OptionType: types.OptionType(p.DrvOptionType),
		})
	}
	return out, nil
}

// GetFunds returns available and utilized capital.
func (d *DhanClient) GetFunds(ctx context.Context) (Funds, error) {
	if err := d.rl.Data.Wait(ctx); err != nil {
		return Funds{}, err
	}

	var fl dhanFundLimit
	err := d.exec(func() error {
		resp, err := d.http.R().
			SetContext(ctx).
			SetResult(&fl).
			Get("/v2/fundlimit")
		if err != nil {
			return fmt.Errorf("fund limit: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("fund limit: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return Funds{}, err
	}
	return Funds{
		Available: decimal.NewFromFloat(fl.AvailabelBalance),
		Utilized:  decimal.NewFromFloat(fl.UtilizedAmount),
	}, nil
}

// Trades returns today's fills.
func (d *DhanClient) Trades(ctx context.Context) ([]types.Trade, error) {
	if err := d.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []dhanTrade
	err := d.exec(func() error {
		resp, err := d.http.R().
			SetContext(ctx).
			SetResult(&raw).
			Get("/v2/trades")
		if err != nil {
			return fmt.Errorf("trades: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("trades: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.Trade, 0, len(raw))
	for _, t := range raw {
		ts, _ := time.Parse("2006-01-02 15:04:05", t.ExchangeTime)
		out = append(out, types.Trade{
			OrderID:    t.OrderID,
			Symbol:     t.TradingSymbol,
			SecurityID: t.SecurityID,
			Side:       types.Side(t.TransactionType),
			Quantity:   t.TradedQuantity,
			Price:      decimal.NewFromFloat(t.TradedPrice),
			Timestamp:  ts,
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Market data (tick-cache fallback and candle history)
// ————————————————————————————————————————————————————————————————————————

// FetchLTP looks up the last traded price over REST. Used by the tick cache
// when the stream has no entry for an instrument.
func (d *DhanClient) FetchLTP(ctx context.Context, segment types.Segment, securityID string) (decimal.Decimal, error) {
	if err := d.rl.Quote.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	id, err := strconv.Atoi(securityID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch ltp: bad security id %q: %w", securityID, err)
	}

	var result dhanLTPResponse
	err = d.exec(func() error {
		resp, err := d.http.R().
			SetContext(ctx).
			SetBody(map[string][]int{string(segment): {id}}).
			SetResult(&result).
			Post("/v2/marketfeed/ltp")
		if err != nil {
			return fmt.Errorf("fetch ltp: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("fetch ltp: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	seg, ok := result.Data[string(segment)]
	if !ok {
		return decimal.Zero, fmt.Errorf("fetch ltp: no data for segment %s", segment)
	}
	entry, ok := seg[securityID]
	if !ok {
		return decimal.Zero, fmt.Errorf("fetch ltp: no data for %s:%s", segment, securityID)
	}
	return decimal.NewFromFloat(entry.LastPrice), nil
}

// IntradayCandles fetches today's OHLC bars at the given minute interval.
// The instrument tag follows Dhan's taxonomy ("INDEX", "OPTIDX").
func (d *DhanClient) IntradayCandles(ctx context.Context, segment types.Segment, securityID, instrument string, intervalMinutes int) ([]types.Candle, error) {
	if err := d.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	day := time.Now().Format("2006-01-02")
	payload := map[string]any{
		"securityId":      securityID,
		"exchangeSegment": string(segment),
		"instrument":      instrument,
		"interval":        strconv.Itoa(intervalMinutes),
		"fromDate":        day,
		"toDate":          day,
	}

	var chart dhanChartResponse
	err := d.exec(func() error {
		resp, err := d.http.R().
			SetContext(ctx).
			SetBody(payload).
			SetResult(&chart).
			Post("/v2/charts/intraday")
		if err != nil {
			return fmt.Errorf("intraday candles: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("intraday candles: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	n := len(chart.Close)
	out := make([]types.Candle, 0, n)
	for i := 0; i < n; i++ {
		c := types.Candle{Close: chart.Close[i]}
		if i < len(chart.Open) {
			c.Open = chart.Open[i]
		}
		if i < len(chart.High) {
			c.High = chart.High[i]
		}
		if i < len(chart.Low) {
			c.Low = chart.Low[i]
		}
		if i < len(chart.Volume) {
			c.Volume = chart.Volume[i]
		}
		if i < len(chart.Timestamp) {
			c.Ts = time.Unix(int64(chart.Timestamp[i]), 0)
		}
		out = append(out, c)
	}
	return out, nil
}

func mapOrderStatus(s string) types.OrderStatus {
	switch s {
	case "TRADED":
		return types.OrderFilled
	case "CANCELLED":
		return types.OrderCancelled
	case "REJECTED":
		return types.OrderRejected
	default:
		// TRANSIT, PENDING, PART_TRADED
		return types.OrderPending
	}
}
