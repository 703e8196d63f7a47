package risk

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dhan-scalper/internal/broker"
	"dhan-scalper/internal/config"
	"dhan-scalper/internal/orders"
	"dhan-scalper/internal/positions"
	"dhan-scalper/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

type placed struct {
	securityID string
	qty        int
	reason     string
}

// stubGateway records exits. When close is set it sells through the store so
// the position actually reaches net_qty = 0, like the real gateway.
type stubGateway struct {
	store  *positions.Store
	close  bool
	fail   bool
	placed []placed
}

func (s *stubGateway) Place(_ context.Context, req broker.OrderRequest, reason string) orders.Result {
	if s.fail {
		return orders.Result{Success: false, Status: orders.StatusError, Err: errors.New("broker down")}
	}
	s.placed = append(s.placed, placed{securityID: req.SecurityID, qty: req.Quantity, reason: reason})
	if s.close {
		key := types.PositionKey{Segment: req.Segment, SecurityID: req.SecurityID, Side: types.BUY}
		s.store.PartialSell(key, req.Quantity, req.Price, decimal.Zero)
	}
	return orders.Result{Success: true, Status: orders.StatusOK}
}

type fixedEquity struct{ d decimal.Decimal }

func (f *fixedEquity) Equity() decimal.Decimal { return f.d }

type fixedSignal struct{ sig types.Signal }

func (f *fixedSignal) Current(string) types.Signal { return f.sig }

func baseConfig() config.GlobalConfig {
	return config.GlobalConfig{
		TpPct:                    0.35,
		SlPct:                    0.18,
		TrailPct:                 0.10,
		TimeStopSeconds:          600,
		EnableTimeStop:           false,
		MaxDailyLossRs:           2000,
		EnableDailyLossCap:       true,
		CooldownAfterLossSeconds: 180,
		EnableCooldown:           true,
	}
}

func openCE(s *positions.Store, sid, avg string) types.PositionKey {
	key := types.PositionKey{Segment: types.SegNSEFnO, SecurityID: sid, Side: types.BUY}
	s.AddBuy(key, "NIFTY", types.CE, 75, dec(avg), decimal.Zero)
	return key
}

func TestTakeProfitFiresOnce(t *testing.T) {
	t.Parallel()
	store := positions.NewStore()
	key := openCE(store, "49081", "100")
	gw := &stubGateway{store: store}
	m := New(slog.Default(), baseConfig(), store, &fixedEquity{dec("200000")}, gw, nil, dec("200000"))
	ctx := context.Background()

	store.UpdatePrice(key, dec("135")) // exactly 35% gain
	m.Evaluate(ctx)
	if len(gw.placed) != 1 {
		t.Fatalf("exits = %d, want 1", len(gw.placed))
	}
	if gw.placed[0].reason != string(types.ExitTakeProfit) {
		t.Errorf("reason = %s, want TAKE_PROFIT", gw.placed[0].reason)
	}
	if gw.placed[0].qty != 75 {
		t.Errorf("qty = %d, want full 75", gw.placed[0].qty)
	}
	if m.State(key) != StateExitPending {
		t.Errorf("state = %s, want exit_pending while fill is outstanding", m.State(key))
	}

	// A later tick must not produce a second order for the same intent.
	store.UpdatePrice(key, dec("140"))
	m.Evaluate(ctx)
	if len(gw.placed) != 1 {
		t.Errorf("exits = %d after second tick, want still 1", len(gw.placed))
	}
}

func TestStopLoss(t *testing.T) {
	t.Parallel()
	store := positions.NewStore()
	key := openCE(store, "49081", "100")
	gw := &stubGateway{store: store, close: true}
	m := New(slog.Default(), baseConfig(), store, &fixedEquity{dec("200000")}, gw, nil, dec("200000"))

	store.UpdatePrice(key, dec("82")) // 18% loss
	m.Evaluate(context.Background())
	if len(gw.placed) != 1 || gw.placed[0].reason != string(types.ExitStopLoss) {
		t.Fatalf("placed = %+v, want one STOP_LOSS", gw.placed)
	}
	if m.State(key) != StateClosed {
		t.Errorf("state = %s, want closed", m.State(key))
	}
	if m.EntriesAllowed() {
		t.Error("losing exit must start the cooldown")
	}
}

func TestDailyLossCapExitsAllAndDisablesEntries(t *testing.T) {
	t.Parallel()
	store := positions.NewStore()
	openCE(store, "1", "100")
	openCE(store, "2", "120")
	store.UpdatePrice(types.PositionKey{Segment: types.SegNSEFnO, SecurityID: "1", Side: types.BUY}, dec("100"))
	store.UpdatePrice(types.PositionKey{Segment: types.SegNSEFnO, SecurityID: "2", Side: types.BUY}, dec("120"))

	gw := &stubGateway{store: store, close: true}
	// combined drawdown 2500 > cap 2000
	m := New(slog.Default(), baseConfig(), store, &fixedEquity{dec("197500")}, gw, nil, dec("200000"))

	m.Evaluate(context.Background())
	if len(gw.placed) != 2 {
		t.Fatalf("exits = %d, want both positions", len(gw.placed))
	}
	for _, p := range gw.placed {
		if p.reason != string(types.ExitDailyLossCap) {
			t.Errorf("reason = %s, want DAILY_LOSS_CAP", p.reason)
		}
	}
	if m.EntriesAllowed() {
		t.Error("entries must stay disabled after the cap fires")
	}
}

func TestDailyLossCapBoundary(t *testing.T) {
	t.Parallel()
	store := positions.NewStore()
	key := openCE(store, "1", "100")
	store.UpdatePrice(key, dec("100"))

	// Exactly at the threshold triggers.
	gw := &stubGateway{store: store, close: true}
	m := New(slog.Default(), baseConfig(), store, &fixedEquity{dec("198000")}, gw, nil, dec("200000"))
	m.Evaluate(context.Background())
	if len(gw.placed) != 1 {
		t.Errorf("exits = %d, want 1 at exact threshold", len(gw.placed))
	}

	// One rupee below does not.
	store2 := positions.NewStore()
	openCE(store2, "1", "100")
	gw2 := &stubGateway{store: store2, close: true}
	m2 := New(slog.Default(), baseConfig(), store2, &fixedEquity{dec("198001")}, gw2, nil, dec("200000"))
	m2.Evaluate(context.Background())
	if len(gw2.placed) != 0 {
		t.Errorf("exits = %d, want 0 below threshold", len(gw2.placed))
	}
	if !m2.EntriesAllowed() {
		t.Error("entries should remain allowed below the cap")
	}
}

func TestTrailingStop(t *testing.T) {
	t.Parallel()
	store := positions.NewStore()
	key := openCE(store, "49081", "100")
	gw := &stubGateway{store: store, close: true}
	m := New(slog.Default(), baseConfig(), store, &fixedEquity{dec("200000")}, gw, nil, dec("200000"))

	// Run up to 130, pull back below 130*(1-0.10)=117 but above the SL band.
	store.UpdatePrice(key, dec("130"))
	store.UpdatePrice(key, dec("116"))
	m.Evaluate(context.Background())
	if len(gw.placed) != 1 || gw.placed[0].reason != string(types.ExitTrailingStop) {
		t.Fatalf("placed = %+v, want one TRAILING_STOP", gw.placed)
	}
}

func TestTrailingStopWithoutProfitPeak(t *testing.T) {
	t.Parallel()
	store := positions.NewStore()
	key := openCE(store, "49081", "100")
	gw := &stubGateway{store: store, close: true}
	m := New(slog.Default(), baseConfig(), store, &fixedEquity{dec("200000")}, gw, nil, dec("200000"))

	// High water never exceeded the entry: 88 sits below 100*(1-0.10)=90 but
	// above the 18% SL band, so the trail rule must still fire.
	store.UpdatePrice(key, dec("88"))
	m.Evaluate(context.Background())
	if len(gw.placed) != 1 || gw.placed[0].reason != string(types.ExitTrailingStop) {
		t.Fatalf("placed = %+v, want one TRAILING_STOP", gw.placed)
	}
}

func TestTimeStopToggle(t *testing.T) {
	t.Parallel()
	store := positions.NewStore()
	key := openCE(store, "49081", "100")
	store.UpdatePrice(key, dec("101")) // no TP/SL/trail condition

	cfg := baseConfig()
	cfg.EnableTimeStop = true
	cfg.TimeStopSeconds = 600
	gw := &stubGateway{store: store, close: true}
	m := New(slog.Default(), cfg, store, &fixedEquity{dec("200000")}, gw, nil, dec("200000"))
	m.timeStop = time.Nanosecond // shrink the hold window for the test

	time.Sleep(time.Millisecond)
	m.Evaluate(context.Background())
	if len(gw.placed) != 1 || gw.placed[0].reason != string(types.ExitTimeStop) {
		t.Fatalf("placed = %+v, want one TIME_STOP", gw.placed)
	}

	// Disabled: same setup, no exit.
	store2 := positions.NewStore()
	key2 := openCE(store2, "49081", "100")
	store2.UpdatePrice(key2, dec("101"))
	cfg.EnableTimeStop = false
	gw2 := &stubGateway{store: store2, close: true}
	m2 := New(slog.Default(), cfg, store2, &fixedEquity{dec("200000")}, gw2, nil, dec("200000"))
	m2.Evaluate(context.Background())
	if len(gw2.placed) != 0 {
		t.Errorf("placed = %+v, want none with time stop disabled", gw2.placed)
	}
}

func TestTechnicalInvalidation(t *testing.T) {
	t.Parallel()
	store := positions.NewStore()
	key := openCE(store, "49081", "100")
	store.UpdatePrice(key, dec("101"))

	gw := &stubGateway{store: store, close: true}
	m := New(slog.Default(), baseConfig(), store, &fixedEquity{dec("200000")}, gw,
		&fixedSignal{sig: types.SignalShort}, dec("200000"))

	m.Evaluate(context.Background())
	if len(gw.placed) != 1 || gw.placed[0].reason != string(types.ExitTechnicalInvalid) {
		t.Fatalf("placed = %+v, want one TECHNICAL_INVALID", gw.placed)
	}
}

func TestCooldownSkipsPerPositionButCapRuns(t *testing.T) {
	t.Parallel()
	store := positions.NewStore()
	key := openCE(store, "49081", "100")
	store.UpdatePrice(key, dec("50")) // deep SL territory

	gw := &stubGateway{store: store, close: true}
	m := New(slog.Default(), baseConfig(), store, &fixedEquity{dec("200000")}, gw, nil, dec("200000"))
	m.markLoss()

	m.Evaluate(context.Background())
	if len(gw.placed) != 0 {
		t.Fatalf("placed = %+v, want none during cooldown", gw.placed)
	}

	// The cap is not suppressed by cooldown.
	m2 := New(slog.Default(), baseConfig(), store, &fixedEquity{dec("190000")}, gw, nil, dec("200000"))
	m2.markLoss()
	m2.Evaluate(context.Background())
	if len(gw.placed) != 1 {
		t.Errorf("placed = %d, want cap exit despite cooldown", len(gw.placed))
	}
}

func TestFailedExitRetriesNextTick(t *testing.T) {
	t.Parallel()
	store := positions.NewStore()
	key := openCE(store, "49081", "100")
	store.UpdatePrice(key, dec("135"))

	gw := &stubGateway{store: store, close: true, fail: true}
	m := New(slog.Default(), baseConfig(), store, &fixedEquity{dec("200000")}, gw, nil, dec("200000"))
	ctx := context.Background()

	m.Evaluate(ctx)
	if len(gw.placed) != 0 {
		t.Fatal("failed place should not record an exit")
	}
	if m.State(key) != StateOpen {
		t.Errorf("state = %s, want reverted to open", m.State(key))
	}

	gw.fail = false
	m.Evaluate(ctx)
	if len(gw.placed) != 1 {
		t.Errorf("placed = %d, want retry to transmit", len(gw.placed))
	}
}
