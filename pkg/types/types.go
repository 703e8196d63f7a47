// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the scalper — instruments, ticks,
// candles, orders, position keys, signals, and WebSocket packet payloads.
// It has no dependencies on internal packages, so it can be imported by any
// layer. All monetary quantities are shopspring decimals; float64 appears
// only in candle series consumed by indicator math.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Segment identifies an exchange segment on the market-data feed.
type Segment string

const (
	SegIdxIndex Segment = "IDX_I"   // index spot values (NIFTY, SENSEX, ...)
	SegNSEFnO   Segment = "NSE_FNO" // NSE futures & options
	SegBSEFnO   Segment = "BSE_FNO" // BSE futures & options
	SegNSEEq    Segment = "NSE_EQ"  // NSE cash equities
)

// InstrumentType tags the canonical tick/instrument variants.
type InstrumentType string

const (
	InstrumentIndex  InstrumentType = "INDEX"
	InstrumentOption InstrumentType = "OPTION"
	InstrumentFuture InstrumentType = "FUTURE"
	InstrumentEquity InstrumentType = "EQUITY"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	CE OptionType = "CE" // call
	PE OptionType = "PE" // put
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates supported order kinds.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// Mode selects the broker backend.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Signal is the per-symbol trend decision from the signal engine.
type Signal string

const (
	SignalLong  Signal = "long"
	SignalShort Signal = "short"
	SignalNone  Signal = "none"
)

// ExitReason labels why the risk manager closed a position. At most one exit
// order is transmitted per (security_id, reason) within a session.
type ExitReason string

const (
	ExitTakeProfit       ExitReason = "TAKE_PROFIT"
	ExitStopLoss         ExitReason = "STOP_LOSS"
	ExitTimeStop         ExitReason = "TIME_STOP"
	ExitTrailingStop     ExitReason = "TRAILING_STOP"
	ExitTechnicalInvalid ExitReason = "TECHNICAL_INVALID"
	ExitDailyLossCap     ExitReason = "DAILY_LOSS_CAP"
	ExitReconciled       ExitReason = "reconciled_missing"
	ExitManual           ExitReason = "MANUAL"
)

// ————————————————————————————————————————————————————————————————————————
// Keys
// ————————————————————————————————————————————————————————————————————————

// TickKey is the primary key of the tick cache: (segment, security_id).
type TickKey struct {
	Segment    Segment
	SecurityID string
}

func (k TickKey) String() string {
	return string(k.Segment) + ":" + k.SecurityID
}

// PositionKey identifies a tracked position: (segment, security_id, side).
type PositionKey struct {
	Segment    Segment
	SecurityID string
	Side       Side
}

func (k PositionKey) String() string {
	return string(k.Segment) + ":" + k.SecurityID + ":" + string(k.Side)
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// TickKind tags which packet variant produced a tick. OI-only packets update
// open interest without overwriting price fields.
type TickKind string

const (
	TickQuote TickKind = "quote" // LTP + OHLC + volume
	TickFull  TickKind = "full"  // quote plus day high/low and ATP
	TickOI    TickKind = "oi"    // open interest only
)

// Tick is the canonical normalized record for one instrument. (Segment,
// SecurityID) is the primary key; Ts is monotonic non-decreasing per key.
type Tick struct {
	Segment        Segment         `json:"segment"`
	SecurityID     string          `json:"security_id"`
	LTP            decimal.Decimal `json:"ltp"`
	Open           decimal.Decimal `json:"open"`
	High           decimal.Decimal `json:"high"`
	Low            decimal.Decimal `json:"low"`
	Close          decimal.Decimal `json:"close"`
	Volume         int64           `json:"volume"`
	Ts             time.Time       `json:"ts"`
	DayHigh        decimal.Decimal `json:"day_high"`
	DayLow         decimal.Decimal `json:"day_low"`
	ATP            decimal.Decimal `json:"atp"`
	OI             int64           `json:"oi"`
	Kind           TickKind        `json:"kind"`
	InstrumentType InstrumentType  `json:"instrument_type"`
	ExpiryDate     string          `json:"expiry_date,omitempty"`
	Strike         decimal.Decimal `json:"strike,omitempty"`
	OptionType     OptionType      `json:"option_type,omitempty"`
}

// Key returns the tick's cache key.
func (t Tick) Key() TickKey {
	return TickKey{Segment: t.Segment, SecurityID: t.SecurityID}
}

// Instrument is read-only metadata supplied by the instrument master.
type Instrument struct {
	SecurityID     string
	Segment        Segment
	Symbol         string
	InstrumentType InstrumentType
	LotSize        int
	Strike         decimal.Decimal
	Expiry         string // YYYY-MM-DD
	OptionType     OptionType
}

// Candle is one OHLC bar for indicator math. Prices are float64 on purpose:
// talib operates on float series and no money flows through candles.
type Candle struct {
	Ts     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// ————————————————————————————————————————————————————————————————————————
// Orders and trades
// ————————————————————————————————————————————————————————————————————————

// Order is the engine's view of one order, paper or live. Quantity must be a
// positive multiple of the instrument's lot size.
type Order struct {
	OrderID      string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	SecurityID   string          `json:"security_id"`
	Segment      Segment         `json:"segment"`
	Side         Side            `json:"side"`
	Quantity     int             `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	OrderType    OrderType       `json:"order_type"`
	Status       OrderStatus     `json:"status"`
	FillPrice    decimal.Decimal `json:"fill_price,omitempty"`
	FillQuantity int             `json:"fill_quantity,omitempty"`
	OptionType   OptionType      `json:"option_type,omitempty"`
	Strike       decimal.Decimal `json:"strike,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastUpdated  time.Time       `json:"last_updated"`
}

// Trade is one completed fill recorded into the session report.
type Trade struct {
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	SecurityID string          `json:"security_id"`
	Side       Side            `json:"side"`
	Quantity   int             `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	PnL        decimal.Decimal `json:"pnl"`
	Reason     string          `json:"reason,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket payloads
// ————————————————————————————————————————————————————————————————————————
// These map 1:1 to JSON frames on the market-data WebSocket. The feed sends
// subscribe/unsubscribe requests and receives tick packets whose shape varies
// by packet kind; the tick cache normalizes them into Tick.

// WSInstrument addresses one instrument in a subscription request.
type WSInstrument struct {
	ExchangeSegment Segment `json:"ExchangeSegment"`
	SecurityID      string  `json:"SecurityId"`
}

// WSSubscribeMsg subscribes or unsubscribes a batch of instruments.
// RequestCode 15 = subscribe quote, 16 = unsubscribe.
type WSSubscribeMsg struct {
	RequestCode    int            `json:"RequestCode"`
	InstrumentList []WSInstrument `json:"InstrumentList"`
}

// WSTickPacket is the raw inbound tick frame before normalization. Price
// fields arrive as strings to preserve decimal precision; the tick cache
// parses and normalizes them.
type WSTickPacket struct {
	Type            string  `json:"type"` // "quote", "full", "oi", "prev_close"
	ExchangeSegment Segment `json:"exchange_segment"`
	SecurityID      string  `json:"security_id"`
	LTP             string  `json:"ltp"`
	Open            string  `json:"open"`
	High            string  `json:"high"`
	Low             string  `json:"low"`
	Close           string  `json:"close"`
	Volume          int64   `json:"volume"`
	DayHigh         string  `json:"day_high"`
	DayLow          string  `json:"day_low"`
	ATP             string  `json:"atp"`
	OI              int64   `json:"oi"`
	LTT             int64   `json:"ltt"` // last trade time, unix seconds
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// SessionID derives the session identifier for a mode and trading day,
// e.g. "PAPER_20250616". Weekends resolve to the previous Friday.
func SessionID(mode Mode, day time.Time) string {
	d := TradingDay(day)
	var prefix string
	switch mode {
	case ModeLive:
		prefix = "LIVE"
	default:
		prefix = "PAPER"
	}
	return fmt.Sprintf("%s_%s", prefix, d.Format("20060102"))
}

// TradingDay maps a calendar date to its trading day: weekdays map to
// themselves, Saturday and Sunday resolve to the previous Friday.
func TradingDay(day time.Time) time.Time {
	switch day.Weekday() {
	case time.Saturday:
		return day.AddDate(0, 0, -1)
	case time.Sunday:
		return day.AddDate(0, 0, -2)
	default:
		return day
	}
}
