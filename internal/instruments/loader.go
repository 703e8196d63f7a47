package instruments

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"dhan-scalper/pkg/types"
)

// Scrip master CSV columns (header-indexed, order varies between dumps).
const (
	colSecurityID = "SEM_SMST_SECURITY_ID"
	colExchange   = "SEM_EXM_EXCH_ID"
	colInstrument = "SEM_INSTRUMENT_NAME"
	colUnderlying = "SM_SYMBOL_NAME"
	colLotUnits   = "SEM_LOT_UNITS"
	colStrike     = "SEM_STRIKE_PRICE"
	colExpiry     = "SEM_EXPIRY_DATE"
	colOptionType = "SEM_OPTION_TYPE"
)

// Download fetches the scrip master CSV and parses it. underlyings filters
// the table to the configured symbols; an empty filter keeps everything.
func Download(ctx context.Context, logger *slog.Logger, url string, underlyings map[string]bool) ([]types.Instrument, error) {
	client := resty.New().
		SetTimeout(60 * time.Second).
		SetRetryCount(3)

	resp, err := client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return nil, fmt.Errorf("instruments: fetch scrip master: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("instruments: scrip master returned status %d", resp.StatusCode())
	}

	list, err := ParseCSV(body, underlyings)
	if err != nil {
		return nil, err
	}
	logger.Info("instrument master loaded", "count", len(list), "url", url)
	return list, nil
}

// ParseCSV reads a scrip master dump into instrument records. Rows missing
// required fields are skipped, not fatal: the dump routinely carries
// segments and products the scalper never touches.
func ParseCSV(r io.Reader, underlyings map[string]bool) ([]types.Instrument, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("instruments: read csv header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{colSecurityID, colInstrument} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("instruments: csv missing column %s", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var list []types.Instrument
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Malformed rows appear in real dumps; skip and move on.
			continue
		}

		symbol := field(row, colUnderlying)
		if len(underlyings) > 0 && !underlyings[symbol] {
			continue
		}

		secID := field(row, colSecurityID)
		if secID == "" {
			continue
		}

		instType, segment, ok := classify(field(row, colInstrument), field(row, colExchange))
		if !ok {
			continue
		}

		inst := types.Instrument{
			SecurityID:     secID,
			Segment:        segment,
			Symbol:         symbol,
			InstrumentType: instType,
		}

		if lot, err := strconv.Atoi(field(row, colLotUnits)); err == nil {
			inst.LotSize = lot
		}

		if instType == types.InstrumentOption || instType == types.InstrumentFuture {
			inst.Expiry = parseExpiry(field(row, colExpiry))
			if inst.Expiry == "" {
				continue
			}
		}
		if instType == types.InstrumentOption {
			strike, err := decimal.NewFromString(field(row, colStrike))
			if err != nil || !strike.IsPositive() {
				continue
			}
			inst.Strike = strike
			switch field(row, colOptionType) {
			case "CE":
				inst.OptionType = types.CE
			case "PE":
				inst.OptionType = types.PE
			default:
				continue
			}
		}

		list = append(list, inst)
	}
	return list, nil
}

// classify maps the dump's instrument name and exchange to our segment
// vocabulary. Unknown combinations are dropped.
func classify(instrument, exchange string) (types.InstrumentType, types.Segment, bool) {
	switch instrument {
	case "INDEX":
		return types.InstrumentIndex, types.SegIdxIndex, true
	case "OPTIDX":
		switch exchange {
		case "NSE":
			return types.InstrumentOption, types.SegNSEFnO, true
		case "BSE":
			return types.InstrumentOption, types.SegBSEFnO, true
		}
	case "FUTIDX":
		switch exchange {
		case "NSE":
			return types.InstrumentFuture, types.SegNSEFnO, true
		case "BSE":
			return types.InstrumentFuture, types.SegBSEFnO, true
		}
	case "EQUITY":
		if exchange == "NSE" {
			return types.InstrumentEquity, types.SegNSEEq, true
		}
	}
	return "", "", false
}

// parseExpiry normalizes the dump's expiry formats ("2025-06-19" or
// "2025-06-19 14:30:00") to YYYY-MM-DD.
func parseExpiry(s string) string {
	if len(s) < 10 {
		return ""
	}
	if _, err := time.Parse("2006-01-02", s[:10]); err != nil {
		return ""
	}
	return s[:10]
}
