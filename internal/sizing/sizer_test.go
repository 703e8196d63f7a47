package sizing

import (
	"testing"

	"github.com/shopspring/decimal"

	"dhan-scalper/internal/config"
)

type fixedBalance struct{ d decimal.Decimal }

func (f fixedBalance) Available() decimal.Decimal { return f.d }

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func niftySym() config.SymbolConfig {
	return config.SymbolConfig{LotSize: 75, QtyMultiplier: 1, StrikeStep: 50}
}

func TestSizeBasic(t *testing.T) {
	t.Parallel()
	s := New(fixedBalance{dec("100000")}, config.GlobalConfig{
		AllocationPct:     0.25,
		SlippageBufferPct: 0.01,
		MaxLotsPerTrade:   10,
	})

	// budget 25000; per lot = 100 * 1.01 * 75 = 7575; lots = floor(25000/7575) = 3
	res, err := s.Size(niftySym(), dec("100"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Lots != 3 {
		t.Errorf("lots = %d, want 3", res.Lots)
	}
	if res.Quantity != 225 {
		t.Errorf("quantity = %d, want 225", res.Quantity)
	}
	if res.Reason != ReasonOK {
		t.Errorf("reason = %q, want ok", res.Reason)
	}
	if !res.PerLotCost.Equal(dec("7575")) {
		t.Errorf("per_lot_cost = %s, want 7575", res.PerLotCost)
	}
}

func TestSizeInsufficientBudget(t *testing.T) {
	t.Parallel()
	s := New(fixedBalance{dec("5000")}, config.GlobalConfig{
		AllocationPct:     0.25,
		SlippageBufferPct: 0.01,
		MaxLotsPerTrade:   10,
	})

	// budget 1250 < one lot at 7575
	res, err := s.Size(niftySym(), dec("100"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Quantity != 0 || res.Lots != 0 {
		t.Errorf("quantity = %d lots = %d, want 0/0", res.Quantity, res.Lots)
	}
	if res.Reason != ReasonInsufficientBudget {
		t.Errorf("reason = %q, want insufficient_budget", res.Reason)
	}
}

func TestSizeCappedByMaxLots(t *testing.T) {
	t.Parallel()
	s := New(fixedBalance{dec("10000000")}, config.GlobalConfig{
		AllocationPct:     0.5,
		SlippageBufferPct: 0,
		MaxLotsPerTrade:   4,
	})

	res, err := s.Size(niftySym(), dec("100"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Lots != 4 {
		t.Errorf("lots = %d, want capped 4", res.Lots)
	}
	if !res.CappedByMax {
		t.Error("expected capped_by_max")
	}
	if res.Quantity != 300 {
		t.Errorf("quantity = %d, want 300", res.Quantity)
	}
}

func TestSizeQtyMultiplier(t *testing.T) {
	t.Parallel()
	s := New(fixedBalance{dec("100000")}, config.GlobalConfig{
		AllocationPct:     1,
		SlippageBufferPct: 0,
		MaxLotsPerTrade:   100,
	})
	sym := config.SymbolConfig{LotSize: 20, QtyMultiplier: 3}

	// lot units 60; per lot = 100*60 = 6000; lots = 16; qty = 960
	res, err := s.Size(sym, dec("100"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Lots != 16 || res.Quantity != 960 {
		t.Errorf("lots=%d qty=%d, want 16/960", res.Lots, res.Quantity)
	}
}

func TestSizeRejectsBadInputs(t *testing.T) {
	t.Parallel()
	s := New(fixedBalance{dec("100000")}, config.GlobalConfig{AllocationPct: 0.25})

	if _, err := s.Size(niftySym(), decimal.Zero); err == nil {
		t.Error("zero premium should fail")
	}
	if _, err := s.Size(config.SymbolConfig{LotSize: 0}, dec("100")); err == nil {
		t.Error("zero lot size should fail")
	}
}

func TestSizeExactBoundary(t *testing.T) {
	t.Parallel()
	// budget exactly one lot
	s := New(fixedBalance{dec("7500")}, config.GlobalConfig{
		AllocationPct:     1,
		SlippageBufferPct: 0,
		MaxLotsPerTrade:   10,
	})

	res, err := s.Size(niftySym(), dec("100"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Lots != 1 {
		t.Errorf("lots = %d, want 1 at exact boundary", res.Lots)
	}
}
