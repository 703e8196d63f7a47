// Package instruments provides read-only lookups over the instrument master.
//
// The master is a pure in-memory table loaded once at startup (the CSV
// loading itself lives outside the core; anything that can produce
// []types.Instrument can feed it). Unknown queries return zero values and
// false — callers must handle absence.
package instruments

import (
	"sort"

	"github.com/shopspring/decimal"

	"dhan-scalper/pkg/types"
)

// Master answers symbol/strike/expiry lookups against a loaded instrument
// table. Immutable after construction, so reads need no locking.
type Master struct {
	byID  map[string]types.Instrument // security_id -> instrument
	byKey map[optionKey]string        // (symbol, expiry, strike, type) -> security_id

	expiries map[string][]string                     // symbol -> sorted expiry dates
	strikes  map[string]map[string][]decimal.Decimal // symbol -> expiry -> sorted strikes
}

type optionKey struct {
	symbol     string
	expiry     string
	strike     string // canonical decimal string
	optionType types.OptionType
}

// NewMaster builds the lookup indexes from a loaded instrument table.
func NewMaster(list []types.Instrument) *Master {
	m := &Master{
		byID:     make(map[string]types.Instrument, len(list)),
		byKey:    make(map[optionKey]string),
		expiries: make(map[string][]string),
		strikes:  make(map[string]map[string][]decimal.Decimal),
	}

	seenExpiry := make(map[string]map[string]bool)
	for _, inst := range list {
		m.byID[inst.SecurityID] = inst
		if inst.InstrumentType != types.InstrumentOption {
			continue
		}

		m.byKey[optionKey{
			symbol:     inst.Symbol,
			expiry:     inst.Expiry,
			strike:     inst.Strike.String(),
			optionType: inst.OptionType,
		}] = inst.SecurityID

		if seenExpiry[inst.Symbol] == nil {
			seenExpiry[inst.Symbol] = make(map[string]bool)
		}
		if !seenExpiry[inst.Symbol][inst.Expiry] {
			seenExpiry[inst.Symbol][inst.Expiry] = true
			m.expiries[inst.Symbol] = append(m.expiries[inst.Symbol], inst.Expiry)
		}

		if m.strikes[inst.Symbol] == nil {
			m.strikes[inst.Symbol] = make(map[string][]decimal.Decimal)
		}
		if inst.OptionType == types.CE { // strikes come in CE/PE pairs, index once
			m.strikes[inst.Symbol][inst.Expiry] = append(m.strikes[inst.Symbol][inst.Expiry], inst.Strike)
		}
	}

	for sym := range m.expiries {
		sort.Strings(m.expiries[sym])
	}
	for sym := range m.strikes {
		for exp := range m.strikes[sym] {
			s := m.strikes[sym][exp]
			sort.Slice(s, func(i, j int) bool { return s[i].LessThan(s[j]) })
		}
	}
	return m
}

// SecurityID resolves an option contract to its security id.
func (m *Master) SecurityID(symbol, expiry string, strike decimal.Decimal, optionType types.OptionType) (string, bool) {
	id, ok := m.byKey[optionKey{symbol: symbol, expiry: expiry, strike: strike.String(), optionType: optionType}]
	return id, ok
}

// ExpiryDates returns the sorted expiry dates for a symbol.
func (m *Master) ExpiryDates(symbol string) []string {
	return m.expiries[symbol]
}

// Strikes returns the sorted strike list for a symbol and expiry.
func (m *Master) Strikes(symbol, expiry string) []decimal.Decimal {
	if byExp, ok := m.strikes[symbol]; ok {
		return byExp[expiry]
	}
	return nil
}

// ExchangeSegment returns the segment an instrument trades on.
func (m *Master) ExchangeSegment(securityID string) (types.Segment, bool) {
	inst, ok := m.byID[securityID]
	return inst.Segment, ok
}

// LotSize returns the exchange lot size for an instrument.
func (m *Master) LotSize(securityID string) (int, bool) {
	inst, ok := m.byID[securityID]
	if !ok {
		return 0, false
	}
	return inst.LotSize, true
}

// Get returns the full instrument record.
func (m *Master) Get(securityID string) (types.Instrument, bool) {
	inst, ok := m.byID[securityID]
	return inst, ok
}

// NearestStrike rounds a spot price to the closest listed strike for the
// symbol and expiry (the ATM strike). Returns false when no strikes exist.
func (m *Master) NearestStrike(symbol, expiry string, spot decimal.Decimal) (decimal.Decimal, bool) {
	strikes := m.Strikes(symbol, expiry)
	if len(strikes) == 0 {
		return decimal.Zero, false
	}

	best := strikes[0]
	bestDiff := spot.Sub(best).Abs()
	for _, s := range strikes[1:] {
		diff := spot.Sub(s).Abs()
		if diff.LessThan(bestDiff) {
			best = s
			bestDiff = diff
		}
	}
	return best, true
}
