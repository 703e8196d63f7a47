// Package ticks maintains the latest normalized tick per instrument.
//
// Cache is the single write path for market data: the feed pushes raw
// WebSocket packets through Normalize, and Put applies them latest-only
// (ticks older than the stored timestamp for the same key are dropped).
// Downstream consumers — mark-to-market, risk, the trading loop — observe a
// monotonic-in-time view per (segment, security_id).
//
// LTP lookups can fall back to a REST quote fetch when the stream has no
// entry; fallback results are held in a short TTL cache so a cold key does
// not hammer the broker API.
package ticks

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"dhan-scalper/pkg/types"
)

const (
	fallbackTTL     = 30 * time.Second // REST LTP results are reused this long
	fallbackCleanup = 2 * time.Minute
)

// QuoteFetcher fetches a last traded price over REST when the stream has no
// recent tick. Implemented by the broker client.
type QuoteFetcher interface {
	FetchLTP(ctx context.Context, segment types.Segment, securityID string) (decimal.Decimal, error)
}

// Cache holds the latest tick per (segment, security_id). Safe for
// concurrent readers and writers; writes are O(1) under a short critical
// section.
type Cache struct {
	mu    sync.RWMutex
	ticks map[types.TickKey]types.Tick

	fetcher  QuoteFetcher   // nil disables REST fallback
	fallback *gocache.Cache // TTL cache of fallback LTPs keyed by TickKey string

	logger *slog.Logger
}

// NewCache creates a tick cache. fetcher may be nil to disable LTP fallback.
func NewCache(fetcher QuoteFetcher, logger *slog.Logger) *Cache {
	return &Cache{
		ticks:    make(map[types.TickKey]types.Tick),
		fetcher:  fetcher,
		fallback: gocache.New(fallbackTTL, fallbackCleanup),
		logger:   logger.With("component", "ticks"),
	}
}

// Put stores a tick, overwriting the entry for its key. Ticks whose Ts is
// older than the stored Ts are discarded; OI-only ticks merge into the
// stored entry without touching price fields. Returns true if the cache
// changed.
func (c *Cache) Put(tick types.Tick) bool {
	key := tick.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, exists := c.ticks[key]
	if exists && tick.Ts.Before(prev.Ts) {
		return false
	}

	if tick.Kind == types.TickOI && exists {
		prev.OI = tick.OI
		prev.Ts = tick.Ts
		c.ticks[key] = prev
		return true
	}

	// Carry OI forward when a quote packet has none.
	if exists && tick.OI == 0 {
		tick.OI = prev.OI
	}
	c.ticks[key] = tick
	return true
}

// Get returns the stored tick for a key.
func (c *Cache) Get(segment types.Segment, securityID string) (types.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[types.TickKey{Segment: segment, SecurityID: securityID}]
	return t, ok
}

// All returns a copy of every stored tick.
func (c *Cache) All() map[types.TickKey]types.Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[types.TickKey]types.Tick, len(c.ticks))
	for k, v := range c.ticks {
		out[k] = v
	}
	return out
}

// LTP returns the last traded price for an instrument. When useFallback is
// set and no tick is cached, it consults the TTL-cached REST lookup.
func (c *Cache) LTP(ctx context.Context, segment types.Segment, securityID string, useFallback bool) (decimal.Decimal, bool) {
	if t, ok := c.Get(segment, securityID); ok && !t.LTP.IsZero() {
		return t.LTP, true
	}
	if !useFallback || c.fetcher == nil {
		return decimal.Zero, false
	}

	key := string(segment) + ":" + securityID
	if v, ok := c.fallback.Get(key); ok {
		return v.(decimal.Decimal), true
	}

	ltp, err := c.fetcher.FetchLTP(ctx, segment, securityID)
	if err != nil {
		c.logger.Warn("ltp fallback failed", "segment", segment, "security_id", securityID, "error", err)
		return decimal.Zero, false
	}
	c.fallback.Set(key, ltp, gocache.DefaultExpiration)
	return ltp, true
}

// Normalize maps a raw WebSocket packet into the canonical Tick shape.
// Unparseable price fields become zero decimals; a missing LTT falls back to
// now so the monotonic filter still works. Normalization is idempotent:
// normalizing an already-normalized packet yields the same tick.
func Normalize(pkt types.WSTickPacket) types.Tick {
	ts := time.Now()
	if pkt.LTT > 0 {
		ts = time.Unix(pkt.LTT, 0)
	}

	tick := types.Tick{
		Segment:    pkt.ExchangeSegment,
		SecurityID: pkt.SecurityID,
		LTP:        parseDecimal(pkt.LTP),
		Open:       parseDecimal(pkt.Open),
		High:       parseDecimal(pkt.High),
		Low:        parseDecimal(pkt.Low),
		Close:      parseDecimal(pkt.Close),
		Volume:     pkt.Volume,
		DayHigh:    parseDecimal(pkt.DayHigh),
		DayLow:     parseDecimal(pkt.DayLow),
		ATP:        parseDecimal(pkt.ATP),
		OI:         pkt.OI,
		Ts:         ts,
		Kind:       kindOf(pkt.Type),
	}
	tick.InstrumentType = instrumentTypeOf(pkt.ExchangeSegment)
	return tick
}

func kindOf(t string) types.TickKind {
	switch strings.ToLower(t) {
	case "oi":
		return types.TickOI
	case "full":
		return types.TickFull
	default:
		return types.TickQuote
	}
}

func instrumentTypeOf(seg types.Segment) types.InstrumentType {
	switch seg {
	case types.SegIdxIndex:
		return types.InstrumentIndex
	case types.SegNSEFnO, types.SegBSEFnO:
		return types.InstrumentOption
	case types.SegNSEEq:
		return types.InstrumentEquity
	default:
		return types.InstrumentOption
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
