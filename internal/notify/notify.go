// Package notify is the outbound event hook the engine calls on fills,
// halts, and session close. Message formatting and delivery channels live
// outside the core; in-process implementations either drop events or log
// them.
package notify

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"dhan-scalper/pkg/types"
)

// Notifier receives engine lifecycle events.
type Notifier interface {
	TradeExecuted(t types.Trade)
	SessionHalted(reason string)
	SessionClosed(totalPnL decimal.Decimal, trades int, winRate float64)
}

// Noop drops every event.
type Noop struct{}

func (Noop) TradeExecuted(types.Trade)                   {}
func (Noop) SessionHalted(string)                        {}
func (Noop) SessionClosed(decimal.Decimal, int, float64) {}

// Log writes events to the structured log.
type Log struct {
	Logger *slog.Logger
}

func (l Log) TradeExecuted(t types.Trade) {
	l.Logger.Info("trade executed",
		"symbol", t.Symbol, "side", t.Side, "qty", t.Quantity,
		"price", t.Price, "pnl", t.PnL, "reason", t.Reason)
}

func (l Log) SessionHalted(reason string) {
	l.Logger.Warn("session halted", "reason", reason)
}

func (l Log) SessionClosed(totalPnL decimal.Decimal, trades int, winRate float64) {
	l.Logger.Info("session closed", "pnl", totalPnL, "trades", trades, "win_rate", winRate)
}
