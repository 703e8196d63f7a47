// Package engine is the central orchestrator of the scalper.
//
// It wires together all subsystems:
//
//  1. FeedManager streams ticks into the TickCache; accepted ticks drive
//     per-position mark-to-market through the rate-limited refresher.
//  2. The Scheduler paces four recurring tasks: the decision pass (signal →
//     gate → ATM pick → size → place), the risk pass, the MTM sweep, and the
//     broker reconciliation pull.
//  3. The OrderGateway commits every fill into the wallet and position
//     store; fills fan out to the session reporter, the notifier, and the
//     optional Redis mirror.
//  4. An end-of-session daily task squares off whatever is still open.
//
// Lifecycle: New() → Start() → [runs until signal or fatal feed error] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dhan-scalper/internal/broker"
	"dhan-scalper/internal/config"
	"dhan-scalper/internal/equity"
	"dhan-scalper/internal/feed"
	"dhan-scalper/internal/instruments"
	"dhan-scalper/internal/notify"
	"dhan-scalper/internal/orders"
	"dhan-scalper/internal/positions"
	"dhan-scalper/internal/reconcile"
	"dhan-scalper/internal/risk"
	"dhan-scalper/internal/scheduler"
	"dhan-scalper/internal/session"
	"dhan-scalper/internal/signal"
	"dhan-scalper/internal/sizing"
	"dhan-scalper/internal/store"
	"dhan-scalper/internal/ticks"
	"dhan-scalper/internal/wallet"
	"dhan-scalper/pkg/types"
)

const mtmInterval = time.Second

// Indian market clock. Session hours are expressed in this zone.
var istZone = time.FixedZone("IST", 5*3600+1800)

// Options carries the injectable collaborators. Master, Transport, Candles,
// and StartingBalance are required; a nil Broker defaults to the paper
// broker in paper mode, and nil Mirror and Notifier default to no-ops.
type Options struct {
	Master          *instruments.Master
	Broker          broker.Broker
	Quotes          ticks.QuoteFetcher // nil disables REST LTP fallback
	Candles         signal.CandleLoader
	Transport       feed.Transport
	Mirror          store.StateStore
	Notifier        notify.Notifier
	StartingBalance decimal.Decimal
	DataDir         string
}

// Engine owns the lifecycle of every component and goroutine.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	mode   types.Mode

	master    *instruments.Master
	wallet    *wallet.Wallet
	positions *positions.Store
	cache     *ticks.Cache
	feed      *feed.Manager
	signals   *signal.Engine
	sizer     *sizing.Sizer
	gateway   *orders.Gateway
	risk      *risk.Manager
	calc      *equity.Calculator
	refresher *equity.Refresher
	recon     *reconcile.Reconciler
	sched     *scheduler.Scheduler
	reporter  *session.Reporter
	mirror    store.StateStore
	notifier  notify.Notifier

	lastSignals *signalBoard

	// now is the engine clock. Swapped in tests to open the streak gate.
	now func() time.Time

	openMin  int
	closeMin int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	done chan error
}

// walletBalance adapts the wallet to the sizer's read-only balance view.
type walletBalance struct{ w *wallet.Wallet }

func (b walletBalance) Available() decimal.Decimal { return b.w.Snapshot().Available }

// signalBoard caches the latest decision per symbol for the risk manager's
// technical-invalidation check.
type signalBoard struct {
	mu sync.RWMutex
	m  map[string]types.Signal
}

func (s *signalBoard) set(symbol string, sig types.Signal) {
	s.mu.Lock()
	s.m[symbol] = sig
	s.mu.Unlock()
}

func (s *signalBoard) Current(symbol string) types.Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sig, ok := s.m[symbol]; ok {
		return sig
	}
	return types.SignalNone
}

// New creates and wires all engine components.
func New(logger *slog.Logger, cfg *config.Config, mode types.Mode, opts Options) (*Engine, error) {
	if opts.Master == nil || opts.Transport == nil || opts.Candles == nil {
		return nil, fmt.Errorf("engine: master, transport, and candles are required")
	}
	if opts.Broker == nil && mode == types.ModeLive {
		return nil, fmt.Errorf("engine: live mode requires a broker client")
	}
	if !opts.StartingBalance.IsPositive() {
		return nil, fmt.Errorf("engine: starting balance must be positive, got %s", opts.StartingBalance)
	}
	openMin, closeMin, err := cfg.SessionWindow()
	if err != nil {
		return nil, err
	}

	mirror := opts.Mirror
	if mirror == nil {
		mirror = store.NoopStore{}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Noop{}
	}

	w := wallet.New(opts.StartingBalance)
	posStore := positions.NewStore()
	cache := ticks.NewCache(opts.Quotes, logger)
	if opts.Broker == nil {
		opts.Broker = broker.NewPaper(logger, cache)
	}
	feedMgr := feed.New(logger, opts.Transport, cache, cfg.Feed)
	signals := signal.New(logger, opts.Candles, cfg.Global)
	sizer := sizing.New(walletBalance{w}, cfg.Global)
	gateway := orders.New(logger, opts.Broker, w, posStore, mode,
		decimal.NewFromFloat(cfg.Global.ChargePerOrder))
	calc := equity.NewCalculator(w, posStore)
	refresher := equity.NewRefresher(logger, cache, posStore, mtmInterval)
	recon := reconcile.New(logger, opts.Broker, posStore, w, cache)

	board := &signalBoard{m: make(map[string]types.Signal)}
	riskMgr := risk.New(logger, cfg.Global, posStore, calc, gateway, board, opts.StartingBalance)

	reporter, err := session.LoadOrCreate(logger, opts.DataDir, mode, opts.StartingBalance)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:         cfg,
		logger:      logger.With("component", "engine"),
		mode:        mode,
		master:      opts.Master,
		wallet:      w,
		positions:   posStore,
		cache:       cache,
		feed:        feedMgr,
		signals:     signals,
		sizer:       sizer,
		gateway:     gateway,
		risk:        riskMgr,
		calc:        calc,
		refresher:   refresher,
		recon:       recon,
		sched:       scheduler.New(logger),
		reporter:    reporter,
		mirror:      mirror,
		notifier:    notifier,
		lastSignals: board,
		now:         time.Now,
		openMin:     openMin,
		closeMin:    closeMin,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan error, 1),
	}

	gateway.OnTrade(e.handleTrade)
	recon.OnTrade(e.handleTrade)
	feedMgr.OnTick(e.handleTick)

	return e, nil
}

// Start subscribes the baseline, launches the feed, and schedules the
// recurring tasks. Non-blocking.
func (e *Engine) Start() error {
	baseline := make([]types.WSInstrument, 0, len(e.cfg.Symbols))
	for _, sym := range e.cfg.Symbols {
		baseline = append(baseline, types.WSInstrument{
			ExchangeSegment: types.Segment(sym.SegIdx),
			SecurityID:      sym.IdxSID,
		})
	}
	if err := e.feed.SubscribeBaseline(baseline); err != nil {
		return fmt.Errorf("engine: subscribe baseline: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.feed.Run(e.ctx)
		if e.ctx.Err() == nil && err != nil {
			// The feed exhausted its reconnect budget; the session cannot
			// continue without market data.
			e.notifier.SessionHalted("market data stream lost")
			select {
			case e.done <- err:
			default:
			}
		}
	}()

	g := e.cfg.Global
	e.sched.ScheduleRecurring(e.ctx, "decision", g.DecisionInterval, e.decisionPass)
	e.sched.ScheduleRecurring(e.ctx, "risk", g.RiskCheckInterval, e.riskPass)
	e.sched.ScheduleRecurring(e.ctx, "mtm", mtmInterval, e.mtmPass)
	if g.ReconcileInterval > 0 {
		e.sched.ScheduleRecurring(e.ctx, "reconcile", g.ReconcileInterval, e.reconcilePass)
	}
	if g.EnforceMarketHours {
		e.sched.ScheduleDaily(e.ctx, "square-off", e.closeMin/60, e.closeMin%60, istZone, e.squareOff)
	}

	e.mirrorMeta(e.ctx, map[string]string{
		"mode":             string(e.mode),
		"state":            "running",
		"starting_balance": e.wallet.Snapshot().StartingBalance.String(),
	})

	e.logger.Info("engine started",
		"mode", e.mode,
		"session", e.reporter.SessionID(),
		"symbols", len(e.cfg.Symbols),
		"balance", e.wallet.Snapshot().Available)
	return nil
}

// Done yields a fatal error when the engine can no longer run (market data
// stream lost beyond the reconnect budget).
func (e *Engine) Done() <-chan error { return e.done }

// Stop shuts everything down in order: tasks, subscriptions, stream, then
// the session report.
func (e *Engine) Stop() {
	e.logger.Info("engine stopping")

	e.sched.CancelAll()
	if err := e.feed.UnsubscribeAll(); err != nil {
		e.logger.Warn("unsubscribe failed during shutdown", "error", err)
	}
	e.cancel()
	e.feed.Stop()
	e.wg.Wait()

	e.reporter.SetPositions(e.positions.List())
	rep, err := e.reporter.Finalize(e.wallet.Total())
	if err != nil {
		e.logger.Error("failed to finalize session", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.mirror.SaveSession(ctx, rep.SessionID, rep); err != nil {
		e.logger.Warn("session mirror write failed", "error", err)
	}
	e.mirrorBalance(ctx)
	e.mirrorMeta(ctx, map[string]string{
		"state":        "stopped",
		"realized_pnl": rep.TotalPnL.String(),
	})
	if err := e.mirror.Close(); err != nil {
		e.logger.Warn("mirror close failed", "error", err)
	}

	e.notifier.SessionClosed(rep.TotalPnL, rep.TotalTrades, rep.WinRate)
	e.logger.Info("engine stopped",
		"pnl", rep.TotalPnL, "trades", rep.TotalTrades, "ending_balance", rep.EndingBalance)
}

// ————————————————————————————————————————————————————————————————————————
// Scheduled passes
// ————————————————————————————————————————————————————————————————————————

// decisionPass runs the per-symbol entry pipeline. Deterministic symbol
// order keeps budget contention between symbols stable run to run.
func (e *Engine) decisionPass(ctx context.Context) {
	if e.cfg.Global.EnforceMarketHours && !e.withinSession(e.now()) {
		return
	}
	if !e.risk.EntriesAllowed() {
		return
	}

	names := make([]string, 0, len(e.cfg.Symbols))
	for name := range e.cfg.Symbols {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e.evaluateSymbol(ctx, name, e.cfg.Symbols[name])
		if ctx.Err() != nil {
			return
		}
	}
}

func (e *Engine) evaluateSymbol(ctx context.Context, name string, sym config.SymbolConfig) {
	sig, err := e.signals.Signal(ctx, name)
	if err != nil {
		e.logger.Warn("signal evaluation failed", "symbol", name, "error", err)
		return
	}
	e.lastSignals.set(name, sig)
	if sig == types.SignalNone {
		return
	}
	if !e.signals.GateOpen(name, e.now()) {
		e.logger.Debug("streak gate closed", "symbol", name, "signal", sig)
		return
	}

	spot, ok := e.cache.Get(types.Segment(sym.SegIdx), sym.IdxSID)
	if !ok || !spot.LTP.IsPositive() {
		e.logger.Debug("no spot price yet", "symbol", name)
		return
	}

	expiry := e.nearestExpiry(name, e.now())
	if expiry == "" {
		e.logger.Warn("no tradable expiry", "symbol", name)
		return
	}
	strike, ok := e.master.NearestStrike(name, expiry, spot.LTP)
	if !ok {
		e.logger.Warn("no strikes listed", "symbol", name, "expiry", expiry)
		return
	}

	// Long trend buys the ATM call, short trend buys the ATM put.
	optType := types.CE
	if sig == types.SignalShort {
		optType = types.PE
	}
	secID, ok := e.master.SecurityID(name, expiry, strike, optType)
	if !ok {
		e.logger.Warn("contract not in master",
			"symbol", name, "expiry", expiry, "strike", strike, "type", optType)
		return
	}

	segOpt := types.Segment(sym.SegOpt)
	key := types.PositionKey{Segment: segOpt, SecurityID: secID, Side: types.BUY}
	if pos, held := e.positions.Get(key); held && pos.Open() {
		return
	}

	premium, ok := e.cache.LTP(ctx, segOpt, secID, true)
	if !ok || !premium.IsPositive() {
		e.logger.Debug("no premium quote", "symbol", name, "security_id", secID)
		return
	}

	sized, err := e.sizer.Size(sym, premium)
	if err != nil {
		e.logger.Warn("sizing failed", "symbol", name, "error", err)
		return
	}
	if sized.Quantity == 0 {
		e.logger.Info("entry skipped",
			"symbol", name, "reason", sized.Reason, "premium", premium)
		return
	}

	res := e.gateway.Place(ctx, broker.OrderRequest{
		Symbol:     name,
		SecurityID: secID,
		Segment:    segOpt,
		Side:       types.BUY,
		Quantity:   sized.Quantity,
		Price:      premium,
		OrderType:  types.OrderTypeMarket,
		OptionType: optType,
		Strike:     strike,
		LotSize:    sym.LotSize,
	}, "")
	if !res.Success {
		if res.Status != orders.StatusDuplicate {
			e.logger.Warn("entry rejected", "symbol", name, "status", res.Status, "error", res.Err)
		}
		return
	}

	e.logger.Info("entered position",
		"symbol", name, "signal", sig, "strike", strike, "type", optType,
		"qty", sized.Quantity, "premium", premium, "order_id", res.OrderID)

	if err := e.feed.SubscribePosition(types.WSInstrument{
		ExchangeSegment: segOpt,
		SecurityID:      secID,
	}); err != nil {
		e.logger.Warn("position subscribe failed", "security_id", secID, "error", err)
	}
}

func (e *Engine) riskPass(ctx context.Context) {
	e.risk.Evaluate(ctx)
}

func (e *Engine) mtmPass(ctx context.Context) {
	e.refresher.RefreshAll(ctx)
	e.mirrorBalance(ctx)
}

func (e *Engine) reconcilePass(ctx context.Context) {
	found, err := e.recon.Reconcile(ctx)
	if err != nil {
		e.logger.Warn("reconcile pass failed", "error", err)
		return
	}
	if len(found) == 0 {
		return
	}
	// Adopted positions need live quotes too.
	for _, pos := range e.positions.Open() {
		if err := e.feed.SubscribePosition(types.WSInstrument{
			ExchangeSegment: pos.Segment,
			SecurityID:      pos.SecurityID,
		}); err != nil {
			e.logger.Warn("position subscribe failed", "security_id", pos.SecurityID, "error", err)
		}
	}
}

// squareOff closes everything still open at the session close.
func (e *Engine) squareOff(ctx context.Context) {
	open := e.positions.Open()
	if len(open) == 0 {
		return
	}
	e.logger.Info("session close, squaring off", "open_positions", len(open))
	for _, pos := range open {
		price, ok := e.cache.LTP(ctx, pos.Segment, pos.SecurityID, true)
		if !ok || !price.IsPositive() {
			price = pos.CurrentPrice
		}
		if !price.IsPositive() {
			price = pos.BuyAvg
		}
		res := e.gateway.Place(ctx, broker.OrderRequest{
			Symbol:     pos.Symbol,
			SecurityID: pos.SecurityID,
			Segment:    pos.Segment,
			Side:       types.SELL,
			Quantity:   pos.NetQty,
			Price:      price,
			OrderType:  types.OrderTypeMarket,
			OptionType: pos.OptionType,
		}, string(types.ExitManual))
		if !res.Success && res.Status != orders.StatusDuplicate {
			e.logger.Error("square-off failed",
				"key", pos.Key.String(), "status", res.Status, "error", res.Err)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Event fan-out
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) handleTick(tk types.Tick) {
	key := types.PositionKey{Segment: tk.Segment, SecurityID: tk.SecurityID, Side: types.BUY}
	if pos, ok := e.positions.Get(key); ok && pos.Open() {
		e.refresher.RefreshOne(e.ctx, key)
	}
	if err := e.mirror.SaveTick(e.ctx, tk); err != nil {
		e.logger.Debug("tick mirror write failed", "error", err)
	}
}

func (e *Engine) handleTrade(t types.Trade) {
	e.reporter.RecordTrade(t)
	e.notifier.TradeExecuted(t)

	key := types.PositionKey{
		Segment:    e.segmentFor(t.Symbol),
		SecurityID: t.SecurityID,
		Side:       types.BUY,
	}
	sessionID := e.reporter.SessionID()

	pos, ok := e.positions.Get(key)
	switch {
	case ok && pos.Open():
		if err := e.mirror.SavePosition(e.ctx, sessionID, pos); err != nil {
			e.logger.Debug("position mirror write failed", "error", err)
		}
	case ok:
		if err := e.mirror.RemovePosition(e.ctx, sessionID, key); err != nil {
			e.logger.Debug("position mirror remove failed", "error", err)
		}
		if err := e.feed.UnsubscribePosition(types.WSInstrument{
			ExchangeSegment: key.Segment,
			SecurityID:      key.SecurityID,
		}); err != nil {
			e.logger.Warn("position unsubscribe failed", "security_id", key.SecurityID, "error", err)
		}
	}

	e.reporter.SetPositions(e.positions.List())
	e.mirrorBalance(e.ctx)
	e.mirrorMeta(e.ctx, map[string]string{"realized_pnl": e.reporter.Snapshot().TotalPnL.String()})
}

func (e *Engine) mirrorBalance(ctx context.Context) {
	if err := e.mirror.SaveBalance(ctx, e.wallet.Snapshot()); err != nil {
		e.logger.Debug("balance mirror write failed", "error", err)
	}
}

func (e *Engine) mirrorMeta(ctx context.Context, fields map[string]string) {
	if err := e.mirror.SetSessionMeta(ctx, e.reporter.SessionID(), fields); err != nil {
		e.logger.Debug("session meta write failed", "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// withinSession reports whether the IST clock is inside session hours.
func (e *Engine) withinSession(now time.Time) bool {
	t := now.In(istZone)
	m := t.Hour()*60 + t.Minute()
	return m >= e.openMin && m < e.closeMin
}

// nearestExpiry returns the first listed expiry on or after the current
// trading day.
func (e *Engine) nearestExpiry(symbol string, now time.Time) string {
	today := types.TradingDay(now.In(istZone)).Format("2006-01-02")
	for _, exp := range e.master.ExpiryDates(symbol) {
		if exp >= today {
			return exp
		}
	}
	return ""
}

// segmentFor maps a configured symbol to its option segment, falling back
// to NSE F&O when the trade's symbol is not configured.
func (e *Engine) segmentFor(symbol string) types.Segment {
	if sym, ok := e.cfg.Symbols[symbol]; ok {
		return types.Segment(sym.SegOpt)
	}
	return types.SegNSEFnO
}
