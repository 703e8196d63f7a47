// Package risk implements per-position exit checks and session-level guards.
//
// Evaluate runs on a short scheduler interval. The session-wide daily-loss
// cap runs first and exits everything when breached; the post-loss cooldown
// then gates the per-position checks, which fire in a fixed priority order:
// take-profit, stop-loss, time stop, trailing stop, technical invalidation.
// Every intended exit is keyed by (security_id, reason) so retries and
// overlapping ticks transmit at most one order per intent.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"dhan-scalper/internal/broker"
	"dhan-scalper/internal/config"
	"dhan-scalper/internal/orders"
	"dhan-scalper/internal/positions"
	"dhan-scalper/pkg/types"
)

// ExitState tracks the per-position exit lifecycle.
type ExitState string

const (
	StateOpen        ExitState = "open"
	StateExitPending ExitState = "exit_pending"
	StateClosed      ExitState = "closed"
)

// ExitPlacer is the gateway capability the risk manager needs.
type ExitPlacer interface {
	Place(ctx context.Context, req broker.OrderRequest, reason string) orders.Result
}

// EquitySource reports current account equity.
type EquitySource interface {
	Equity() decimal.Decimal
}

// SignalSource reports the latest cached trend decision for a symbol.
// A nil source disables technical invalidation.
type SignalSource interface {
	Current(symbol string) types.Signal
}

// Manager evaluates exits. All methods are safe for concurrent use.
type Manager struct {
	logger  *slog.Logger
	store   *positions.Store
	equity  EquitySource
	gateway ExitPlacer
	signals SignalSource

	tpPct        decimal.Decimal
	slPct        decimal.Decimal
	trailPct     decimal.Decimal
	maxDailyLoss decimal.Decimal
	timeStop     time.Duration
	cooldown     time.Duration

	enableTimeStop bool
	enableCap      bool
	enableCooldown bool

	startingEquity decimal.Decimal

	// idem holds in-flight and completed (security_id, reason) exit keys.
	idem *gocache.Cache

	mu              sync.Mutex
	entriesDisabled bool
	lastLossAt      time.Time
	states          map[types.PositionKey]ExitState
}

// New creates a risk manager. startingEquity anchors the daily-loss cap.
func New(logger *slog.Logger, cfg config.GlobalConfig, store *positions.Store, eq EquitySource, gw ExitPlacer, sig SignalSource, startingEquity decimal.Decimal) *Manager {
	return &Manager{
		logger:         logger.With("component", "risk"),
		store:          store,
		equity:         eq,
		gateway:        gw,
		signals:        sig,
		tpPct:          decimal.NewFromFloat(cfg.TpPct),
		slPct:          decimal.NewFromFloat(cfg.SlPct),
		trailPct:       decimal.NewFromFloat(cfg.TrailPct),
		maxDailyLoss:   decimal.NewFromFloat(cfg.MaxDailyLossRs),
		timeStop:       time.Duration(cfg.TimeStopSeconds) * time.Second,
		cooldown:       time.Duration(cfg.CooldownAfterLossSeconds) * time.Second,
		enableTimeStop: cfg.EnableTimeStop,
		enableCap:      cfg.EnableDailyLossCap,
		enableCooldown: cfg.EnableCooldown,
		startingEquity: startingEquity,
		idem:           gocache.New(12*time.Hour, time.Hour),
		states:         make(map[types.PositionKey]ExitState),
	}
}

// EntriesAllowed reports whether new entries may be placed. Entries stay
// disabled for the rest of the session once the daily-loss cap fires, and
// pause during the post-loss cooldown.
func (m *Manager) EntriesAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entriesDisabled {
		return false
	}
	if m.enableCooldown && !m.lastLossAt.IsZero() && time.Since(m.lastLossAt) < m.cooldown {
		return false
	}
	return true
}

// State returns the exit lifecycle state for a position.
func (m *Manager) State(key types.PositionKey) ExitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[key]; ok {
		return s
	}
	return StateOpen
}

// Evaluate runs one full risk pass.
func (m *Manager) Evaluate(ctx context.Context) {
	if m.capBreached() {
		m.exitAll(ctx, types.ExitDailyLossCap)
		return
	}

	if m.inCooldown() {
		return
	}

	for _, pos := range m.store.Open() {
		if ctx.Err() != nil {
			return
		}
		if reason, hit := m.check(pos); hit {
			m.issueExit(ctx, pos, reason)
		}
	}
}

// capBreached checks the session drawdown against the cap. Exactly at the
// threshold counts as breached.
func (m *Manager) capBreached() bool {
	if !m.enableCap {
		return false
	}
	drawdown := m.startingEquity.Sub(m.equity.Equity())
	if drawdown.GreaterThanOrEqual(m.maxDailyLoss) {
		m.mu.Lock()
		already := m.entriesDisabled
		m.entriesDisabled = true
		m.mu.Unlock()
		if !already {
			m.logger.Error("daily loss cap breached, exiting all positions",
				"drawdown", drawdown, "cap", m.maxDailyLoss)
		}
		return true
	}
	return false
}

func (m *Manager) inCooldown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enableCooldown && !m.lastLossAt.IsZero() && time.Since(m.lastLossAt) < m.cooldown
}

// check applies the per-position rules in priority order.
func (m *Manager) check(pos positions.Position) (types.ExitReason, bool) {
	if pos.BuyAvg.IsZero() || pos.CurrentPrice.IsZero() {
		return "", false
	}

	change := pos.CurrentPrice.Sub(pos.BuyAvg).Div(pos.BuyAvg)

	if change.GreaterThanOrEqual(m.tpPct) {
		return types.ExitTakeProfit, true
	}
	if change.Neg().GreaterThanOrEqual(m.slPct) {
		return types.ExitStopLoss, true
	}
	if m.enableTimeStop && m.timeStop > 0 && time.Since(pos.CreatedAt) >= m.timeStop {
		return types.ExitTimeStop, true
	}
	if m.trailPct.IsPositive() && pos.HighWater.IsPositive() {
		floor := pos.HighWater.Mul(decimal.NewFromInt(1).Sub(m.trailPct))
		if pos.CurrentPrice.LessThan(floor) {
			return types.ExitTrailingStop, true
		}
	}
	if m.signals != nil {
		sig := m.signals.Current(pos.Symbol)
		held := types.SignalLong
		if pos.OptionType == types.PE {
			held = types.SignalShort
		}
		if (held == types.SignalLong && sig == types.SignalShort) ||
			(held == types.SignalShort && sig == types.SignalLong) {
			return types.ExitTechnicalInvalid, true
		}
	}
	return "", false
}

// exitAll closes every open position with the given reason.
func (m *Manager) exitAll(ctx context.Context, reason types.ExitReason) {
	for _, pos := range m.store.Open() {
		m.issueExit(ctx, pos, reason)
	}
}

// issueExit transmits at most one exit per (security_id, reason) in the
// session. A failed transmission releases the key so the next tick retries.
func (m *Manager) issueExit(ctx context.Context, pos positions.Position, reason types.ExitReason) {
	key := pos.SecurityID + "|" + string(reason)
	if _, pending := m.idem.Get(key); pending {
		return
	}
	m.idem.Set(key, struct{}{}, gocache.DefaultExpiration)

	m.setState(pos.Key, StateExitPending)
	m.logger.Info("exit triggered",
		"security_id", pos.SecurityID,
		"reason", reason,
		"qty", pos.NetQty,
		"buy_avg", pos.BuyAvg,
		"current", pos.CurrentPrice)

	res := m.gateway.Place(ctx, broker.OrderRequest{
		Symbol:     pos.Symbol,
		SecurityID: pos.SecurityID,
		Segment:    pos.Segment,
		Side:       types.SELL,
		Quantity:   pos.NetQty,
		Price:      pos.CurrentPrice,
		OrderType:  types.OrderTypeMarket,
		OptionType: pos.OptionType,
	}, string(reason))

	if !res.Success {
		// Duplicate means an identical exit is already in flight; keep the
		// idempotency key in that case.
		if res.Status != orders.StatusDuplicate {
			m.idem.Delete(key)
			m.setState(pos.Key, StateOpen)
			m.logger.Warn("exit failed, will retry",
				"security_id", pos.SecurityID, "reason", reason, "error", res.Err)
		}
		return
	}

	if after, ok := m.store.Get(pos.Key); ok && !after.Open() {
		m.setState(pos.Key, StateClosed)
		if after.RealizedPnL.IsNegative() {
			m.markLoss()
		}
	}
}

func (m *Manager) setState(key types.PositionKey, s ExitState) {
	m.mu.Lock()
	m.states[key] = s
	m.mu.Unlock()
}

func (m *Manager) markLoss() {
	m.mu.Lock()
	m.lastLossAt = time.Now()
	m.mu.Unlock()
}
