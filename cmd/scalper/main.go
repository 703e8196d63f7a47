// Dhan Scalper — an intraday options-scalping engine for Indian index
// options (NIFTY, BANKNIFTY, SENSEX) over the Dhan broker API.
//
// Architecture:
//
//	main.go              — entry point: subcommands, config, signal handling
//	engine/engine.go     — orchestrator: feed → cache → signal → size → order → risk
//	feed/feed.go         — market-data WebSocket with reconnect + resubscribe
//	ticks/cache.go       — latest-tick cache with monotonic-ts filtering
//	signal/engine.go     — Supertrend + EMA/RSI multi-timeframe trend decision
//	sizing/sizer.go      — allocation-based lot sizing with slippage buffer
//	orders/gateway.go    — dedupe + atomic wallet/position commit per fill
//	risk/manager.go      — TP/SL/trailing/time-stop exits, daily-loss cap
//	broker/              — paper broker and the Dhan REST client
//	reconcile/           — periodic broker-truth position repair
//	session/             — crash-safe JSON session reports
//
// Usage:
//
//	scalper start -c configs/config.yaml -m paper [-t 90] [-q]
//	scalper stop | status | balance | positions | orders
//	scalper report [--session-id PAPER_20250616 | --latest]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"dhan-scalper/internal/broker"
	"dhan-scalper/internal/config"
	"dhan-scalper/internal/engine"
	"dhan-scalper/internal/feed"
	"dhan-scalper/internal/instruments"
	"dhan-scalper/internal/notify"
	"dhan-scalper/internal/session"
	"dhan-scalper/internal/store"
	"dhan-scalper/pkg/types"
)

const (
	exitOK         = 0
	exitConfig     = 1
	exitDependency = 2
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	switch os.Args[1] {
	case "start":
		os.Exit(cmdStart(os.Args[2:]))
	case "stop":
		os.Exit(cmdStop(os.Args[2:]))
	case "status":
		os.Exit(cmdStatus(os.Args[2:]))
	case "balance":
		os.Exit(cmdBalance(os.Args[2:]))
	case "positions":
		os.Exit(cmdInspect(os.Args[2:], "positions"))
	case "orders":
		os.Exit(cmdInspect(os.Args[2:], "orders"))
	case "report":
		os.Exit(cmdReport(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(exitConfig)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: scalper <command> [flags]

commands:
  start       launch the engine (-c config, -m paper|live, -t minutes, -q)
  stop        signal a running engine to shut down gracefully
  status      show the current/latest session summary
  balance     show wallet balances
  positions   list session positions
  orders      list session trades
  report      print a session report (--session-id | --latest)
`)
}

func cmdStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	cfgPath := fs.String("c", "configs/config.yaml", "config file path")
	modeFlag := fs.String("m", "paper", "trading mode: paper or live")
	runMinutes := fs.Int("t", 0, "auto-stop after N minutes (0 = run until signalled)")
	quiet := fs.Bool("q", false, "reduce log output")
	fs.Parse(args)

	mode := types.ModePaper
	if *modeFlag == "live" {
		mode = types.ModeLive
	} else if *modeFlag != "paper" {
		fmt.Fprintf(os.Stderr, "invalid mode %q, want paper or live\n", *modeFlag)
		return exitConfig
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return exitConfig
	}
	if err := cfg.Validate(mode == types.ModeLive); err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfig
	}

	logger := newLogger(cfg.Logging, *quiet)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	underlyings := make(map[string]bool, len(cfg.Symbols))
	for name := range cfg.Symbols {
		underlyings[name] = true
	}
	table, err := instruments.Download(ctx, logger, cfg.Broker.ScripMasterURL, underlyings)
	if err != nil {
		logger.Error("failed to load instrument master", "error", err)
		return exitDependency
	}
	master := instruments.NewMaster(table)

	dhan := broker.NewDhan(cfg.Broker, logger)

	opts := engine.Options{
		Master:    master,
		Quotes:    dhan,
		Candles:   engine.NewBrokerCandles(dhan, cfg.Symbols),
		Transport: feed.NewWSTransport(feedURL(cfg.Broker), cfg.Feed.HeartbeatTimeout),
		DataDir:   cfg.Session.DataDir,
	}
	if !*quiet {
		opts.Notifier = notify.Log{Logger: logger}
	}

	if mode == types.ModeLive {
		opts.Broker = dhan
		funds, err := dhan.GetFunds(ctx)
		if err != nil {
			logger.Error("failed to fetch live funds", "error", err)
			return exitDependency
		}
		opts.StartingBalance = funds.Available
	} else {
		opts.StartingBalance = decimal.NewFromFloat(cfg.Paper.StartingBalance)
	}

	if cfg.Redis.URL != "" {
		mirror, err := store.NewRedis(ctx, logger, cfg.Redis.URL, cfg.Redis.Namespace)
		if err != nil {
			logger.Warn("redis mirror unavailable, continuing without it", "error", err)
		} else {
			opts.Mirror = mirror
		}
	}

	eng, err := engine.New(logger, cfg, mode, opts)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return exitConfig
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		return exitDependency
	}

	if cfg.Broker.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("scalper started",
		"mode", mode, "symbols", len(cfg.Symbols), "run_minutes", *runMinutes)

	if err := writePidFile(cfg.Session.DataDir); err != nil {
		logger.Warn("could not write pid file", "error", err)
	}
	defer removePidFile(cfg.Session.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var timeout <-chan time.Time
	if *runMinutes > 0 {
		timeout = time.After(time.Duration(*runMinutes) * time.Minute)
	}

	code := exitOK
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-timeout:
		logger.Info("run duration elapsed", "minutes", *runMinutes)
	case err := <-eng.Done():
		logger.Error("engine failed", "error", err)
		code = exitDependency
	}

	eng.Stop()
	return code
}

func cmdStop(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	cfgPath := fs.String("c", "configs/config.yaml", "config file path")
	fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfig
	}

	data, err := os.ReadFile(pidPath(cfg.Session.DataDir))
	if err != nil {
		fmt.Fprintln(os.Stderr, "no running engine found")
		return exitConfig
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "corrupt pid file: %v\n", err)
		return exitConfig
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "failed to signal pid %d: %v\n", pid, err)
		return exitConfig
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return exitOK
}

func cmdStatus(args []string) int {
	rep, code := latestReport(args)
	if rep == nil {
		return code
	}
	running := "finished"
	if rep.EndTime.IsZero() {
		running = "running"
	}
	fmt.Printf("session   %s (%s, %s)\n", rep.SessionID, rep.Mode, running)
	fmt.Printf("trades    %d (%d wins, %d losses)\n",
		rep.TotalTrades, rep.SuccessfulTrades, rep.FailedTrades)
	fmt.Printf("pnl       %s (max profit %s, max drawdown %s)\n",
		rep.TotalPnL, rep.MaxProfit, rep.MaxDrawdown)
	fmt.Printf("balance   %s -> %s\n", rep.StartingBalance, rep.EndingBalance)
	return exitOK
}

func cmdBalance(args []string) int {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	cfgPath := fs.String("c", "configs/config.yaml", "config file path")
	fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfig
	}

	// A live mirror has fresher numbers than the session file.
	if cfg.Redis.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mirror, err := store.NewRedis(ctx, slog.Default(), cfg.Redis.URL, cfg.Redis.Namespace)
		if err == nil {
			defer mirror.Close()
			if fields, err := mirror.ReadBalance(ctx); err == nil && len(fields) > 0 {
				fmt.Printf("available  %s\nused       %s\ntotal      %s\nupdated    %s\n",
					fields["available"], fields["used"], fields["total"], fields["updated_at"])
				return exitOK
			}
		}
	}

	rep, err := session.Latest(cfg.Session.DataDir)
	if err != nil || rep == nil {
		fmt.Fprintln(os.Stderr, "no session data found")
		return exitDependency
	}
	fmt.Printf("starting   %s\nending     %s\npnl        %s\n",
		rep.StartingBalance, rep.EndingBalance, rep.TotalPnL)
	return exitOK
}

func cmdInspect(args []string, what string) int {
	rep, code := latestReport(args)
	if rep == nil {
		return code
	}
	var v any = rep.Positions
	if what == "orders" {
		v = rep.Trades
	}
	return printJSON(v)
}

func cmdReport(args []string) int {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	cfgPath := fs.String("c", "configs/config.yaml", "config file path")
	sessionID := fs.String("session-id", "", "specific session to print")
	fs.Bool("latest", true, "print the most recent session")
	fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfig
	}

	var rep *session.Report
	if *sessionID != "" {
		rep, err = session.Load(cfg.Session.DataDir, *sessionID)
	} else {
		rep, err = session.Latest(cfg.Session.DataDir)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read session: %v\n", err)
		return exitDependency
	}
	if rep == nil {
		fmt.Fprintln(os.Stderr, "no session report found")
		return exitDependency
	}
	return printJSON(rep)
}

// latestReport loads the newest session for the read-only subcommands.
func latestReport(args []string) (*session.Report, int) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	cfgPath := fs.String("c", "configs/config.yaml", "config file path")
	fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return nil, exitConfig
	}
	rep, err := session.Latest(cfg.Session.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read sessions: %v\n", err)
		return nil, exitDependency
	}
	if rep == nil {
		fmt.Fprintln(os.Stderr, "no session report found")
		return nil, exitDependency
	}
	return rep, exitOK
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode failed: %v\n", err)
		return exitDependency
	}
	fmt.Println(string(data))
	return exitOK
}

func newLogger(cfg config.LoggingConfig, quiet bool) *slog.Logger {
	level := parseLogLevel(cfg.Level)
	if quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// feedURL builds the authenticated market-data WebSocket URL.
func feedURL(cfg config.BrokerConfig) string {
	q := url.Values{}
	q.Set("version", "2")
	q.Set("token", cfg.AccessToken)
	q.Set("clientId", cfg.ClientID)
	q.Set("authType", "2")
	return cfg.WSURL + "?" + q.Encode()
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "scalper.pid")
}

func writePidFile(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(pidPath(dataDir), []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func removePidFile(dataDir string) {
	os.Remove(pidPath(dataDir))
}
