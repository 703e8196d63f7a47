package store

import (
	"context"
	"testing"

	"dhan-scalper/internal/wallet"
	"dhan-scalper/pkg/types"
)

func TestKeyLayout(t *testing.T) {
	t.Parallel()
	s := &RedisStore{namespace: "dhan_scalper:v1"}

	if got := s.key("balance"); got != "dhan_scalper:v1:balance" {
		t.Errorf("balance key = %s", got)
	}
	if got := s.key("positions", "PAPER_20250616"); got != "dhan_scalper:v1:positions:PAPER_20250616" {
		t.Errorf("positions set key = %s", got)
	}
	if got := s.key("ticks", "NSE_FNO", "49081"); got != "dhan_scalper:v1:ticks:NSE_FNO:49081" {
		t.Errorf("tick key = %s", got)
	}

	pk := types.PositionKey{Segment: types.SegNSEFnO, SecurityID: "49081", Side: types.BUY}
	if got := s.positionKey(pk); got != "dhan_scalper:v1:position:NSE_FNO:49081:BUY" {
		t.Errorf("position key = %s", got)
	}
}

func TestNoopStoreNeverFails(t *testing.T) {
	t.Parallel()
	var s StateStore = NoopStore{}
	ctx := context.Background()

	if err := s.SaveBalance(ctx, wallet.Snapshot{}); err != nil {
		t.Error(err)
	}
	if err := s.SaveTick(ctx, types.Tick{}); err != nil {
		t.Error(err)
	}
	if err := s.SaveSession(ctx, "PAPER_20250616", map[string]int{"x": 1}); err != nil {
		t.Error(err)
	}
	if err := s.Close(); err != nil {
		t.Error(err)
	}
}
