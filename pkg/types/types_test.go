package types

import (
	"testing"
	"time"
)

func TestTradingDayWeekendResolvesToFriday(t *testing.T) {
	t.Parallel()

	sat := time.Date(2025, 6, 21, 10, 0, 0, 0, time.UTC) // Saturday
	sun := time.Date(2025, 6, 22, 10, 0, 0, 0, time.UTC) // Sunday
	fri := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)

	if got := TradingDay(sat); got.Day() != fri.Day() {
		t.Errorf("TradingDay(sat) = %v, want Friday %v", got, fri)
	}
	if got := TradingDay(sun); got.Day() != fri.Day() {
		t.Errorf("TradingDay(sun) = %v, want Friday %v", got, fri)
	}

	mon := time.Date(2025, 6, 23, 10, 0, 0, 0, time.UTC)
	if got := TradingDay(mon); !got.Equal(mon) {
		t.Errorf("TradingDay(mon) = %v, want unchanged", got)
	}
}

func TestSessionID(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 6, 16, 9, 30, 0, 0, time.UTC) // Monday
	if got := SessionID(ModePaper, day); got != "PAPER_20250616" {
		t.Errorf("SessionID paper = %q", got)
	}
	if got := SessionID(ModeLive, day); got != "LIVE_20250616" {
		t.Errorf("SessionID live = %q", got)
	}

	// Sunday resolves to previous Friday
	sun := time.Date(2025, 6, 22, 9, 30, 0, 0, time.UTC)
	if got := SessionID(ModePaper, sun); got != "PAPER_20250620" {
		t.Errorf("SessionID sunday = %q, want PAPER_20250620", got)
	}
}

func TestKeyStrings(t *testing.T) {
	t.Parallel()

	tk := TickKey{Segment: SegNSEFnO, SecurityID: "49081"}
	if tk.String() != "NSE_FNO:49081" {
		t.Errorf("TickKey.String() = %q", tk.String())
	}

	pk := PositionKey{Segment: SegNSEFnO, SecurityID: "49081", Side: BUY}
	if pk.String() != "NSE_FNO:49081:BUY" {
		t.Errorf("PositionKey.String() = %q", pk.String())
	}
}
