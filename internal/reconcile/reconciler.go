// Package reconcile periodically aligns the position store with the broker.
//
// The broker is the source of truth for quantity. Each pass pulls broker
// net positions, diffs them against the tracker, and repairs three kinds of
// drift: positions the broker has but the tracker lost (inserted with the
// broker's average), positions the tracker has but the broker closed
// (closed locally at the last known price), and quantity mismatches
// (tracker aligned to broker). Individual repair failures are logged and
// never abort the pass.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"dhan-scalper/internal/broker"
	"dhan-scalper/internal/positions"
	"dhan-scalper/internal/wallet"
	"dhan-scalper/pkg/types"
)

// Kind classifies one detected discrepancy.
type Kind string

const (
	MissingInTracker Kind = "missing_in_tracker"
	MissingInBroker  Kind = "missing_in_broker"
	QuantityMismatch Kind = "quantity_mismatch"
)

// Discrepancy is one detected and repaired divergence.
type Discrepancy struct {
	Kind       Kind              `json:"kind"`
	Key        types.PositionKey `json:"key"`
	TrackerQty int               `json:"tracker_qty"`
	BrokerQty  int               `json:"broker_qty"`
}

// QuoteSource supplies the last known price for closing orphaned positions.
type QuoteSource interface {
	LTP(ctx context.Context, segment types.Segment, securityID string, useFallback bool) (decimal.Decimal, bool)
}

// Reconciler diffs tracker state against broker truth.
type Reconciler struct {
	logger *slog.Logger
	broker broker.Broker
	store  *positions.Store
	wallet *wallet.Wallet
	quotes QuoteSource

	onTrade func(types.Trade)
}

// New creates a reconciler.
func New(logger *slog.Logger, b broker.Broker, s *positions.Store, w *wallet.Wallet, q QuoteSource) *Reconciler {
	return &Reconciler{
		logger: logger.With("component", "reconcile"),
		broker: b,
		store:  s,
		wallet: w,
		quotes: q,
	}
}

// OnTrade registers a callback for locally synthesized closing trades.
func (r *Reconciler) OnTrade(fn func(types.Trade)) { r.onTrade = fn }

// Reconcile runs one pass and returns the discrepancies it repaired.
func (r *Reconciler) Reconcile(ctx context.Context) ([]Discrepancy, error) {
	brokerPositions, err := r.broker.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: fetch broker positions: %w", err)
	}

	brokerByKey := make(map[types.PositionKey]broker.NetPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		if bp.NetQty <= 0 {
			continue
		}
		key := types.PositionKey{Segment: bp.Segment, SecurityID: bp.SecurityID, Side: types.BUY}
		brokerByKey[key] = bp
	}

	var found []Discrepancy

	// Tracker-side walk: closed-by-broker and quantity drift.
	for _, pos := range r.store.Open() {
		bp, ok := brokerByKey[pos.Key]
		switch {
		case !ok:
			found = append(found, Discrepancy{
				Kind: MissingInBroker, Key: pos.Key, TrackerQty: pos.NetQty,
			})
			r.closeOrphan(ctx, pos)
		case bp.NetQty != pos.NetQty:
			found = append(found, Discrepancy{
				Kind: QuantityMismatch, Key: pos.Key, TrackerQty: pos.NetQty, BrokerQty: bp.NetQty,
			})
			r.store.SetQuantity(pos.Key, bp.NetQty)
			r.logger.Warn("quantity aligned to broker",
				"key", pos.Key.String(), "tracker", pos.NetQty, "broker", bp.NetQty)
		}
		delete(brokerByKey, pos.Key)
	}

	// Remaining broker positions are unknown to the tracker.
	for key, bp := range brokerByKey {
		found = append(found, Discrepancy{
			Kind: MissingInTracker, Key: key, BrokerQty: bp.NetQty,
		})
		if _, err := r.store.AddBuy(key, bp.Symbol, bp.OptionType, bp.NetQty, bp.BuyAvg, decimal.Zero); err != nil {
			r.logger.Error("failed to insert broker position",
				"key", key.String(), "error", err)
			continue
		}
		r.logger.Warn("broker position adopted into tracker",
			"key", key.String(), "qty", bp.NetQty, "avg", bp.BuyAvg)
	}

	if len(found) > 0 {
		r.logger.Info("reconciliation repaired drift", "count", len(found))
	}
	return found, nil
}

// closeOrphan closes a tracker position the broker no longer reports, at
// the last known price. No order is transmitted; the broker already closed.
func (r *Reconciler) closeOrphan(ctx context.Context, pos positions.Position) {
	price := pos.CurrentPrice
	if ltp, ok := r.quotes.LTP(ctx, pos.Segment, pos.SecurityID, true); ok && ltp.IsPositive() {
		price = ltp
	}
	if !price.IsPositive() {
		price = pos.BuyAvg
	}

	res, err := r.store.PartialSell(pos.Key, pos.NetQty, price, decimal.Zero)
	if err != nil {
		r.logger.Error("failed to close orphaned position",
			"key", pos.Key.String(), "error", err)
		return
	}

	costBasis := pos.BuyAvg.Mul(decimal.NewFromInt(int64(res.SoldQty)))
	r.wallet.Credit(res.NetProceeds, costBasis)
	r.wallet.RecordRealized(res.RealizedPnL)

	r.logger.Warn("closed position missing at broker",
		"key", pos.Key.String(), "qty", res.SoldQty, "price", price, "realized", res.RealizedPnL)

	if r.onTrade != nil {
		r.onTrade(types.Trade{
			Symbol:     pos.Symbol,
			SecurityID: pos.SecurityID,
			Side:       types.SELL,
			Quantity:   res.SoldQty,
			Price:      price,
			PnL:        res.RealizedPnL,
			Reason:     string(types.ExitReconciled),
			Timestamp:  time.Now(),
		})
	}
}
