package ticks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dhan-scalper/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func optTick(sid string, ltp string, ts time.Time) types.Tick {
	return types.Tick{
		Segment:    types.SegNSEFnO,
		SecurityID: sid,
		LTP:        dec(ltp),
		Ts:         ts,
		Kind:       types.TickQuote,
	}
}

func TestPutDropsOlderTicks(t *testing.T) {
	t.Parallel()
	c := NewCache(nil, testLogger())

	now := time.Now()
	if !c.Put(optTick("49081", "120.50", now)) {
		t.Fatal("first put should be accepted")
	}
	if c.Put(optTick("49081", "119.00", now.Add(-time.Second))) {
		t.Error("older tick should be dropped")
	}

	got, ok := c.Get(types.SegNSEFnO, "49081")
	if !ok {
		t.Fatal("tick missing")
	}
	if !got.LTP.Equal(dec("120.50")) {
		t.Errorf("LTP = %s, want 120.50", got.LTP)
	}

	// Equal timestamp overwrites (ts is non-decreasing, not strictly increasing)
	if !c.Put(optTick("49081", "121.00", now)) {
		t.Error("equal-ts tick should be accepted")
	}
}

func TestPutOIOnlyPreservesPrices(t *testing.T) {
	t.Parallel()
	c := NewCache(nil, testLogger())

	now := time.Now()
	c.Put(optTick("49081", "120.50", now))

	oi := types.Tick{
		Segment:    types.SegNSEFnO,
		SecurityID: "49081",
		OI:         123456,
		Ts:         now.Add(time.Second),
		Kind:       types.TickOI,
	}
	c.Put(oi)

	got, _ := c.Get(types.SegNSEFnO, "49081")
	if !got.LTP.Equal(dec("120.50")) {
		t.Errorf("OI packet overwrote LTP: %s", got.LTP)
	}
	if got.OI != 123456 {
		t.Errorf("OI = %d, want 123456", got.OI)
	}
}

func TestOICarriedForwardOnQuote(t *testing.T) {
	t.Parallel()
	c := NewCache(nil, testLogger())

	now := time.Now()
	c.Put(types.Tick{Segment: types.SegNSEFnO, SecurityID: "1", OI: 500, Ts: now, Kind: types.TickOI})
	c.Put(optTick("1", "99.0", now.Add(time.Second)))

	got, _ := c.Get(types.SegNSEFnO, "1")
	if got.OI != 500 {
		t.Errorf("quote tick should carry OI forward, got %d", got.OI)
	}
}

func TestMonotonicTimestampInvariant(t *testing.T) {
	t.Parallel()
	c := NewCache(nil, testLogger())

	base := time.Now()
	offsets := []int{0, 3, 1, 5, 2, 7, 4}
	var last time.Time
	for i, off := range offsets {
		c.Put(optTick("42", fmt.Sprintf("%d", 100+i), base.Add(time.Duration(off)*time.Second)))
		got, _ := c.Get(types.SegNSEFnO, "42")
		if got.Ts.Before(last) {
			t.Fatalf("stored ts decreased: %v < %v", got.Ts, last)
		}
		last = got.Ts
	}
}

type stubFetcher struct {
	calls int
	ltp   decimal.Decimal
	err   error
}

func (s *stubFetcher) FetchLTP(_ context.Context, _ types.Segment, _ string) (decimal.Decimal, error) {
	s.calls++
	return s.ltp, s.err
}

func TestLTPFallback(t *testing.T) {
	t.Parallel()
	fetcher := &stubFetcher{ltp: dec("101.25")}
	c := NewCache(fetcher, testLogger())

	ctx := context.Background()

	// No cached tick, no fallback requested
	if _, ok := c.LTP(ctx, types.SegNSEFnO, "77", false); ok {
		t.Error("expected miss without fallback")
	}
	if fetcher.calls != 0 {
		t.Errorf("fetcher called %d times without fallback", fetcher.calls)
	}

	// Fallback hits REST once, then reuses the TTL cache
	ltp, ok := c.LTP(ctx, types.SegNSEFnO, "77", true)
	if !ok || !ltp.Equal(dec("101.25")) {
		t.Fatalf("fallback LTP = %s ok=%v", ltp, ok)
	}
	c.LTP(ctx, types.SegNSEFnO, "77", true)
	if fetcher.calls != 1 {
		t.Errorf("fetcher calls = %d, want 1 (TTL cached)", fetcher.calls)
	}

	// Stream tick takes priority over fallback
	c.Put(optTick("77", "105.00", time.Now()))
	ltp, _ = c.LTP(ctx, types.SegNSEFnO, "77", true)
	if !ltp.Equal(dec("105.00")) {
		t.Errorf("stream LTP = %s, want 105.00", ltp)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	pkt := types.WSTickPacket{
		Type:            "quote",
		ExchangeSegment: types.SegNSEFnO,
		SecurityID:      "49081",
		LTP:             "120.55",
		Open:            "100.00",
		High:            "125.00",
		Low:             "98.50",
		Close:           "119.00",
		Volume:          15000,
		LTT:             1718500000,
	}

	a := Normalize(pkt)
	b := Normalize(pkt)

	if !a.LTP.Equal(b.LTP) || !a.Ts.Equal(b.Ts) || a.SecurityID != b.SecurityID || a.Kind != b.Kind {
		t.Error("Normalize is not idempotent for identical packets")
	}
	if a.InstrumentType != types.InstrumentOption {
		t.Errorf("instrument type = %s, want OPTION", a.InstrumentType)
	}
	if !a.Ts.Equal(time.Unix(1718500000, 0)) {
		t.Errorf("ts = %v, want LTT-derived", a.Ts)
	}
}

func TestNormalizeBadNumbers(t *testing.T) {
	t.Parallel()

	pkt := types.WSTickPacket{
		Type:            "quote",
		ExchangeSegment: types.SegIdxIndex,
		SecurityID:      "13",
		LTP:             "not-a-number",
		LTT:             1718500000,
	}
	tick := Normalize(pkt)
	if !tick.LTP.IsZero() {
		t.Errorf("bad LTP should normalize to zero, got %s", tick.LTP)
	}
	if tick.InstrumentType != types.InstrumentIndex {
		t.Errorf("instrument type = %s, want INDEX", tick.InstrumentType)
	}
}

func TestAllReturnsCopy(t *testing.T) {
	t.Parallel()
	c := NewCache(nil, testLogger())
	c.Put(optTick("1", "10", time.Now()))
	c.Put(optTick("2", "20", time.Now()))

	all := c.All()
	if len(all) != 2 {
		t.Fatalf("All() len = %d, want 2", len(all))
	}
	delete(all, types.TickKey{Segment: types.SegNSEFnO, SecurityID: "1"})
	if _, ok := c.Get(types.SegNSEFnO, "1"); !ok {
		t.Error("mutating All() result must not affect the cache")
	}
}
