// Package wallet tracks available/used funds and realized PnL in decimals.
//
// The wallet models capital as two buckets: available (free cash) and used
// (cost basis locked in open positions). Every mutation runs its full
// read-validate-write cycle under one mutex, so a failed debit leaves the
// wallet untouched and no two mutations interleave. Floats never appear in
// this package.
package wallet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInsufficientFunds is returned when a debit exceeds available funds.
// It is a result value, not control flow: callers decline the order and move on.
var ErrInsufficientFunds = errors.New("insufficient balance")

// Snapshot is a point-in-time copy of wallet state.
type Snapshot struct {
	Available       decimal.Decimal `json:"available"`
	Used            decimal.Decimal `json:"used"`
	Total           decimal.Decimal `json:"total"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Wallet holds session funds. Safe for concurrent use; the invariant
// total == available + used holds after every mutation.
type Wallet struct {
	mu              sync.Mutex
	available       decimal.Decimal
	used            decimal.Decimal
	realizedPnL     decimal.Decimal
	startingBalance decimal.Decimal
	updatedAt       time.Time
}

// New creates a wallet with the given starting balance.
func New(startingBalance decimal.Decimal) *Wallet {
	return &Wallet{
		available:       startingBalance,
		used:            decimal.Zero,
		realizedPnL:     decimal.Zero,
		startingBalance: startingBalance,
		updatedAt:       time.Now(),
	}
}

// Snapshot returns a copy of the current state.
func (w *Wallet) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Wallet) snapshotLocked() Snapshot {
	return Snapshot{
		Available:       w.available,
		Used:            w.used,
		Total:           w.available.Add(w.used),
		RealizedPnL:     w.realizedPnL,
		StartingBalance: w.startingBalance,
		UpdatedAt:       w.updatedAt,
	}
}

// Debit locks amount into the used bucket and pays fee out of available.
// Fails with ErrInsufficientFunds when available < amount + fee, leaving
// state unchanged.
func (w *Wallet) Debit(amount, fee decimal.Decimal) (Snapshot, error) {
	if amount.IsNegative() || fee.IsNegative() {
		return Snapshot{}, fmt.Errorf("debit: negative amount or fee (amount=%s fee=%s)", amount, fee)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	required := amount.Add(fee)
	if w.available.LessThan(required) {
		return w.snapshotLocked(), fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, required, w.available)
	}

	w.available = w.available.Sub(required)
	w.used = w.used.Add(amount)
	w.updatedAt = time.Now()
	return w.snapshotLocked(), nil
}

// Credit adds proceeds to available and releases cost basis from the used
// bucket. Credits always succeed; release is clamped to the used balance so
// reconciliation corrections cannot drive used negative.
func (w *Wallet) Credit(proceeds, release decimal.Decimal) Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	if proceeds.IsPositive() {
		w.available = w.available.Add(proceeds)
	}
	if release.IsPositive() {
		if release.GreaterThan(w.used) {
			release = w.used
		}
		w.used = w.used.Sub(release)
	}
	w.updatedAt = time.Now()
	return w.snapshotLocked()
}

// RecordRealized accumulates realized PnL for reporting.
func (w *Wallet) RecordRealized(pnl decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.realizedPnL = w.realizedPnL.Add(pnl)
	w.updatedAt = time.Now()
}

// Total returns available + used.
func (w *Wallet) Total() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available.Add(w.used)
}

// Validate checks the non-negativity invariants. A violation indicates a
// programming error, not a recoverable condition.
func (w *Wallet) Validate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.available.IsNegative() {
		return fmt.Errorf("wallet invariant violated: available %s < 0", w.available)
	}
	if w.used.IsNegative() {
		return fmt.Errorf("wallet invariant violated: used %s < 0", w.used)
	}
	return nil
}
