package instruments

import (
	"testing"

	"github.com/shopspring/decimal"

	"dhan-scalper/pkg/types"
)

func d(v int) decimal.Decimal { return decimal.NewFromInt(int64(v)) }

func testTable() []types.Instrument {
	var list []types.Instrument
	list = append(list, types.Instrument{
		SecurityID:     "13",
		Segment:        types.SegIdxIndex,
		Symbol:         "NIFTY",
		InstrumentType: types.InstrumentIndex,
	})
	id := 49000
	for _, expiry := range []string{"2025-06-19", "2025-06-26"} {
		for strike := 24800; strike <= 25200; strike += 50 {
			for _, ot := range []types.OptionType{types.CE, types.PE} {
				id++
				list = append(list, types.Instrument{
					SecurityID:     itoa(id),
					Segment:        types.SegNSEFnO,
					Symbol:         "NIFTY",
					InstrumentType: types.InstrumentOption,
					LotSize:        75,
					Strike:         d(strike),
					Expiry:         expiry,
					OptionType:     ot,
				})
			}
		}
	}
	return list
}

func itoa(i int) string {
	return decimal.NewFromInt(int64(i)).String()
}

func TestSecurityIDLookup(t *testing.T) {
	t.Parallel()
	m := NewMaster(testTable())

	id, ok := m.SecurityID("NIFTY", "2025-06-19", d(25000), types.CE)
	if !ok || id == "" {
		t.Fatal("expected CE 25000 lookup to succeed")
	}

	seg, ok := m.ExchangeSegment(id)
	if !ok || seg != types.SegNSEFnO {
		t.Errorf("segment = %s, want NSE_FNO", seg)
	}
	lot, ok := m.LotSize(id)
	if !ok || lot != 75 {
		t.Errorf("lot size = %d, want 75", lot)
	}

	if _, ok := m.SecurityID("NIFTY", "2025-06-19", d(99999), types.CE); ok {
		t.Error("unknown strike should miss")
	}
	if _, ok := m.SecurityID("BANKNIFTY", "2025-06-19", d(25000), types.CE); ok {
		t.Error("unknown symbol should miss")
	}
}

func TestExpiryDatesSorted(t *testing.T) {
	t.Parallel()
	m := NewMaster(testTable())

	exps := m.ExpiryDates("NIFTY")
	if len(exps) != 2 {
		t.Fatalf("expiries = %v, want 2", exps)
	}
	if exps[0] != "2025-06-19" || exps[1] != "2025-06-26" {
		t.Errorf("expiries not sorted: %v", exps)
	}
	if got := m.ExpiryDates("UNKNOWN"); got != nil {
		t.Errorf("unknown symbol expiries = %v, want nil", got)
	}
}

func TestStrikes(t *testing.T) {
	t.Parallel()
	m := NewMaster(testTable())

	strikes := m.Strikes("NIFTY", "2025-06-19")
	if len(strikes) != 9 { // 24800..25200 step 50
		t.Fatalf("strike count = %d, want 9", len(strikes))
	}
	for i := 1; i < len(strikes); i++ {
		if !strikes[i-1].LessThan(strikes[i]) {
			t.Fatalf("strikes not sorted at %d: %v", i, strikes)
		}
	}
}

func TestNearestStrike(t *testing.T) {
	t.Parallel()
	m := NewMaster(testTable())

	atm, ok := m.NearestStrike("NIFTY", "2025-06-19", decimal.NewFromFloat(25012.35))
	if !ok || !atm.Equal(d(25000)) {
		t.Errorf("nearest = %s, want 25000", atm)
	}

	atm, _ = m.NearestStrike("NIFTY", "2025-06-19", decimal.NewFromFloat(25030))
	if !atm.Equal(d(25050)) {
		t.Errorf("nearest = %s, want 25050", atm)
	}

	// Spot far beyond the chain clamps to the edge strike
	atm, _ = m.NearestStrike("NIFTY", "2025-06-19", decimal.NewFromInt(30000))
	if !atm.Equal(d(25200)) {
		t.Errorf("nearest = %s, want 25200", atm)
	}

	if _, ok := m.NearestStrike("NIFTY", "2099-01-01", d(25000)); ok {
		t.Error("unknown expiry should miss")
	}
}
