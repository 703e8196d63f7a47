// Package sizing converts option premium and free capital into lot counts.
package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dhan-scalper/internal/config"
)

// Reasons reported alongside a sizing decision.
const (
	ReasonOK                 = "ok"
	ReasonInsufficientBudget = "insufficient_budget"
)

// Result is one sizing decision. Quantity is in units (lots * lot_size *
// qty_multiplier); a zero Quantity carries the reason for the decline.
type Result struct {
	Quantity    int             `json:"quantity"`
	Lots        int             `json:"lots"`
	PerLotCost  decimal.Decimal `json:"per_lot_cost"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	Reason      string          `json:"reason"`
	CappedByMax bool            `json:"capped_by_max,omitempty"`
}

// BalanceSource reports free capital at decision time.
type BalanceSource interface {
	Available() decimal.Decimal
}

// Sizer applies the allocation and slippage knobs to one symbol universe.
type Sizer struct {
	balance       BalanceSource
	allocationPct decimal.Decimal
	slippageMult  decimal.Decimal
	maxLots       int
}

// New builds a sizer from the global config knobs. Percentage knobs are
// converted to decimal once here so the hot path never touches floats.
func New(balance BalanceSource, cfg config.GlobalConfig) *Sizer {
	return &Sizer{
		balance:       balance,
		allocationPct: decimal.NewFromFloat(cfg.AllocationPct),
		slippageMult:  decimal.NewFromInt(1).Add(decimal.NewFromFloat(cfg.SlippageBufferPct)),
		maxLots:       cfg.MaxLotsPerTrade,
	}
}

// Size computes the order quantity for an entry at the given premium.
// The effective per-unit price pads the premium by the slippage allowance,
// so a fill slightly above the quote still fits the allocated budget.
func (s *Sizer) Size(sym config.SymbolConfig, premium decimal.Decimal) (Result, error) {
	if !premium.IsPositive() {
		return Result{Reason: ReasonInsufficientBudget}, fmt.Errorf("size: premium must be positive, got %s", premium)
	}
	lotUnits := sym.LotSize * sym.QtyMultiplier
	if lotUnits <= 0 {
		return Result{Reason: ReasonInsufficientBudget}, fmt.Errorf("size: bad lot size %d x multiplier %d", sym.LotSize, sym.QtyMultiplier)
	}

	effective := premium.Mul(s.slippageMult)
	perLot := effective.Mul(decimal.NewFromInt(int64(lotUnits)))
	budget := s.balance.Available().Mul(s.allocationPct)

	lots := int(budget.Div(perLot).IntPart())
	if lots < 1 {
		return Result{PerLotCost: perLot, Reason: ReasonInsufficientBudget}, nil
	}

	capped := false
	if s.maxLots > 0 && lots > s.maxLots {
		lots = s.maxLots
		capped = true
	}

	qty := lots * lotUnits
	return Result{
		Quantity:    qty,
		Lots:        lots,
		PerLotCost:  perLot,
		TotalCost:   effective.Mul(decimal.NewFromInt(int64(qty))),
		Reason:      ReasonOK,
		CappedByMax: capped,
	}, nil
}
