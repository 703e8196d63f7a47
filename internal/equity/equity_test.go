package equity

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dhan-scalper/internal/positions"
	"dhan-scalper/internal/wallet"
	"dhan-scalper/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

type mapQuotes struct {
	prices map[string]decimal.Decimal
	calls  int
}

func (m *mapQuotes) LTP(_ context.Context, segment types.Segment, securityID string, _ bool) (decimal.Decimal, bool) {
	m.calls++
	p, ok := m.prices[string(segment)+":"+securityID]
	return p, ok
}

func ceKey(sid string) types.PositionKey {
	return types.PositionKey{Segment: types.SegNSEFnO, SecurityID: sid, Side: types.BUY}
}

func TestUnrealizedFormula(t *testing.T) {
	t.Parallel()
	ce := positions.Position{OptionType: types.CE, BuyAvg: dec("100"), NetQty: 75}
	if got := Unrealized(ce, dec("112")); !got.Equal(dec("900")) {
		t.Errorf("CE unrealized = %s, want 900", got)
	}

	pe := positions.Position{OptionType: types.PE, BuyAvg: dec("100"), NetQty: 75}
	if got := Unrealized(pe, dec("88")); !got.Equal(dec("900")) {
		t.Errorf("PE unrealized = %s, want 900", got)
	}
	if got := Unrealized(pe, dec("110")); !got.Equal(dec("-750")) {
		t.Errorf("PE unrealized = %s, want -750", got)
	}
}

func TestEquityIsWalletPlusUnrealized(t *testing.T) {
	t.Parallel()
	w := wallet.New(dec("100000"))
	s := positions.NewStore()
	calc := NewCalculator(w, s)

	key := ceKey("49081")
	s.AddBuy(key, "NIFTY", types.CE, 75, dec("100"), decimal.Zero)
	w.Debit(dec("7500"), decimal.Zero)
	s.UpdateUnrealized(key, dec("900"))

	if got := calc.Equity(); !got.Equal(dec("100900")) {
		t.Errorf("equity = %s, want 100900", got)
	}

	b := calc.Breakdown()
	if !b.Equity.Equal(dec("100900")) || !b.UnrealizedPnL.Equal(dec("900")) {
		t.Errorf("breakdown = %+v", b)
	}
	if b.OpenPositions != 1 {
		t.Errorf("open positions = %d, want 1", b.OpenPositions)
	}
}

func TestRefreshOneWritesMark(t *testing.T) {
	t.Parallel()
	s := positions.NewStore()
	key := ceKey("49081")
	s.AddBuy(key, "NIFTY", types.CE, 75, dec("100"), decimal.Zero)

	q := &mapQuotes{prices: map[string]decimal.Decimal{"NSE_FNO:49081": dec("112")}}
	r := NewRefresher(slog.Default(), q, s, time.Second)

	if !r.RefreshOne(context.Background(), key) {
		t.Fatal("refresh should write")
	}
	pos, _ := s.Get(key)
	if !pos.UnrealizedPnL.Equal(dec("900")) {
		t.Errorf("unrealized = %s, want 900", pos.UnrealizedPnL)
	}
	if !pos.CurrentPrice.Equal(dec("112")) {
		t.Errorf("current = %s, want 112", pos.CurrentPrice)
	}
}

func TestRefreshRateLimitedPerInstrument(t *testing.T) {
	t.Parallel()
	s := positions.NewStore()
	key := ceKey("49081")
	s.AddBuy(key, "NIFTY", types.CE, 75, dec("100"), decimal.Zero)

	q := &mapQuotes{prices: map[string]decimal.Decimal{"NSE_FNO:49081": dec("112")}}
	r := NewRefresher(slog.Default(), q, s, time.Hour)

	ctx := context.Background()
	if !r.RefreshOne(ctx, key) {
		t.Fatal("first refresh should write")
	}
	for i := 0; i < 5; i++ {
		if r.RefreshOne(ctx, key) {
			t.Fatal("refresh inside rate window should be dropped")
		}
	}
	if q.calls != 1 {
		t.Errorf("quote calls = %d, want 1", q.calls)
	}
}

func TestRefreshAllSkipsClosedAndUnpriced(t *testing.T) {
	t.Parallel()
	s := positions.NewStore()
	open := ceKey("1")
	closed := ceKey("2")
	unpriced := ceKey("3")

	s.AddBuy(open, "NIFTY", types.CE, 75, dec("100"), decimal.Zero)
	s.AddBuy(closed, "NIFTY", types.CE, 75, dec("100"), decimal.Zero)
	s.PartialSell(closed, 75, dec("105"), decimal.Zero)
	s.AddBuy(unpriced, "NIFTY", types.CE, 75, dec("100"), decimal.Zero)

	q := &mapQuotes{prices: map[string]decimal.Decimal{"NSE_FNO:1": dec("110")}}
	r := NewRefresher(slog.Default(), q, s, time.Millisecond)

	if got := r.RefreshAll(context.Background()); got != 1 {
		t.Errorf("updated = %d, want 1", got)
	}
}
