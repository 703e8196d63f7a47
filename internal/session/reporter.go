// Package session persists per-trading-day session reports as JSON files.
//
// One file per session id (session_<MODE>_<YYYYMMDD>.json) in the data
// directory. Writes use atomic file replacement (write to .tmp, then
// rename) so a crash mid-save never corrupts the report, and restarting
// the engine on the same trading day resumes the existing session instead
// of overwriting it.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dhan-scalper/internal/positions"
	"dhan-scalper/pkg/types"
)

// Report is the session document written to disk. Field names follow the
// report schema consumed by the CLI and external tooling.
type Report struct {
	SessionID        string               `json:"session_id"`
	Mode             types.Mode           `json:"mode"`
	TradingDay       string               `json:"trading_day"`
	StartTime        time.Time            `json:"start_time"`
	EndTime          time.Time            `json:"end_time,omitempty"`
	DurationMinutes  float64              `json:"duration_minutes"`
	StartingBalance  decimal.Decimal      `json:"starting_balance"`
	EndingBalance    decimal.Decimal      `json:"ending_balance"`
	TotalTrades      int                  `json:"total_trades"`
	SuccessfulTrades int                  `json:"successful_trades"`
	FailedTrades     int                  `json:"failed_trades"`
	TotalPnL         decimal.Decimal      `json:"total_pnl"`
	MaxProfit        decimal.Decimal      `json:"max_profit"`
	MaxDrawdown      decimal.Decimal      `json:"max_drawdown"`
	WinRate          float64              `json:"win_rate"`
	AverageTradePnL  decimal.Decimal      `json:"average_trade_pnl"`
	SymbolsTraded    []string             `json:"symbols_traded"`
	Positions        []positions.Position `json:"positions"`
	Trades           []types.Trade        `json:"trades"`

	// peak tracks the running high-water of cumulative PnL for drawdown.
	Peak decimal.Decimal `json:"peak_pnl"`
}

// Reporter owns the live report for the current session.
type Reporter struct {
	logger *slog.Logger
	dir    string

	mu     sync.Mutex
	report Report
}

// LoadOrCreate opens the session for the current trading day, resuming an
// existing report file when one exists.
func LoadOrCreate(logger *slog.Logger, dir string, mode types.Mode, startingBalance decimal.Decimal) (*Reporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	id := types.SessionID(mode, time.Now())
	r := &Reporter{logger: logger.With("component", "session"), dir: dir}

	existing, err := Load(dir, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		r.report = *existing
		r.logger.Info("session resumed", "session_id", id, "trades", existing.TotalTrades)
		return r, nil
	}

	r.report = Report{
		SessionID:       id,
		Mode:            mode,
		TradingDay:      types.TradingDay(time.Now()).Format("2006-01-02"),
		StartTime:       time.Now(),
		StartingBalance: startingBalance,
		EndingBalance:   startingBalance,
		TotalPnL:        decimal.Zero,
		MaxProfit:       decimal.Zero,
		MaxDrawdown:     decimal.Zero,
		AverageTradePnL: decimal.Zero,
		Peak:            decimal.Zero,
	}
	if err := r.save(); err != nil {
		return nil, err
	}
	r.logger.Info("session created", "session_id", id)
	return r, nil
}

// SessionID returns the current session identifier.
func (r *Reporter) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report.SessionID
}

// RecordTrade appends one fill. Closing trades (those carrying PnL) move
// the win/loss counters and the cumulative PnL curve; entries only count
// toward volume.
func (r *Reporter) RecordTrade(t types.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.Trades = append(r.report.Trades, t)
	r.report.TotalTrades++
	if t.Symbol != "" && !contains(r.report.SymbolsTraded, t.Symbol) {
		r.report.SymbolsTraded = append(r.report.SymbolsTraded, t.Symbol)
		sort.Strings(r.report.SymbolsTraded)
	}

	if t.Side == types.SELL {
		if t.PnL.IsPositive() {
			r.report.SuccessfulTrades++
		} else {
			r.report.FailedTrades++
		}
		r.report.TotalPnL = r.report.TotalPnL.Add(t.PnL)

		if r.report.TotalPnL.GreaterThan(r.report.Peak) {
			r.report.Peak = r.report.TotalPnL
		}
		if r.report.TotalPnL.GreaterThan(r.report.MaxProfit) {
			r.report.MaxProfit = r.report.TotalPnL
		}
		if dd := r.report.Peak.Sub(r.report.TotalPnL); dd.GreaterThan(r.report.MaxDrawdown) {
			r.report.MaxDrawdown = dd
		}
	}

	if err := r.saveLocked(); err != nil {
		r.logger.Error("failed to persist session", "error", err)
	}
}

// SetPositions snapshots the position store into the report.
func (r *Reporter) SetPositions(list []positions.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Positions = list
	if err := r.saveLocked(); err != nil {
		r.logger.Error("failed to persist session", "error", err)
	}
}

// Finalize closes the session and computes the summary statistics.
func (r *Reporter) Finalize(endingBalance decimal.Decimal) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.report.EndTime = now
	r.report.DurationMinutes = now.Sub(r.report.StartTime).Minutes()
	r.report.EndingBalance = endingBalance

	closed := r.report.SuccessfulTrades + r.report.FailedTrades
	if closed > 0 {
		r.report.WinRate = float64(r.report.SuccessfulTrades) / float64(closed) * 100
		r.report.AverageTradePnL = r.report.TotalPnL.Div(decimal.NewFromInt(int64(closed)))
	}

	if err := r.saveLocked(); err != nil {
		return r.report, err
	}
	r.logger.Info("session finalized",
		"session_id", r.report.SessionID,
		"trades", r.report.TotalTrades,
		"pnl", r.report.TotalPnL,
		"win_rate", r.report.WinRate)
	return r.report, nil
}

// Snapshot returns a copy of the current report.
func (r *Reporter) Snapshot() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

func (r *Reporter) save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Reporter) saveLocked() error {
	data, err := json.MarshalIndent(r.report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	path := reportPath(r.dir, r.report.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load reads one session report by id. Returns nil, nil when absent.
func Load(dir, sessionID string) (*Report, error) {
	data, err := os.ReadFile(reportPath(dir, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &rep, nil
}

// Latest returns the most recent session report in the directory, or
// nil when none exist.
func Latest(dir string) (*Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "session_") && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	// The date suffix sorts lexically within a mode; mtime settles ties
	// across modes.
	sort.Slice(names, func(i, j int) bool {
		fi, _ := os.Stat(filepath.Join(dir, names[i]))
		fj, _ := os.Stat(filepath.Join(dir, names[j]))
		if fi != nil && fj != nil && !fi.ModTime().Equal(fj.ModTime()) {
			return fi.ModTime().Before(fj.ModTime())
		}
		return names[i] < names[j]
	})

	id := strings.TrimSuffix(strings.TrimPrefix(names[len(names)-1], "session_"), ".json")
	return Load(dir, id)
}

func reportPath(dir, sessionID string) string {
	return filepath.Join(dir, "session_"+sessionID+".json")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
