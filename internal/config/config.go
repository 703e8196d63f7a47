// Package config defines all configuration for the scalping engine.
// Config is loaded from a YAML file with credentials and operational
// switches overridable via environment variables (CLIENT_ID, ACCESS_TOKEN,
// BASE_URL, LOG_LEVEL, REDIS_URL, ENFORCE_MARKET_HOURS, TELEGRAM_*).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. Numeric knobs are plain floats/ints here; components convert
// them to decimals once at construction, so no money math happens on floats.
type Config struct {
	Global   GlobalConfig            `mapstructure:"global"`
	Paper    PaperConfig             `mapstructure:"paper"`
	Symbols  map[string]SymbolConfig `mapstructure:"symbols"`
	Broker   BrokerConfig            `mapstructure:"broker"`
	Feed     FeedConfig              `mapstructure:"feed"`
	Redis    RedisConfig             `mapstructure:"redis"`
	Session  SessionConfig           `mapstructure:"session"`
	Logging  LoggingConfig           `mapstructure:"logging"`
	Telegram TelegramConfig          `mapstructure:"telegram"`

	// Strict rejects unknown YAML keys at load time. Lenient mode (default)
	// logs and ignores them.
	Strict bool `mapstructure:"strict"`
}

// GlobalConfig holds session-wide trading and risk parameters.
//
//   - AllocationPct / SlippageBufferPct drive lot sizing.
//   - TpPct / SlPct / TrailPct / TimeStopSeconds drive per-position exits.
//   - MaxDailyLossRs + EnableDailyLossCap arm the session-wide loss cap.
//   - CooldownAfterLossSeconds pauses entries after a losing exit.
//   - DecisionInterval / RiskCheckInterval pace the scheduler tasks.
type GlobalConfig struct {
	MinProfitTarget          float64       `mapstructure:"min_profit_target"`
	MaxDayLoss               float64       `mapstructure:"max_day_loss"`
	ChargePerOrder           float64       `mapstructure:"charge_per_order"`
	AllocationPct            float64       `mapstructure:"allocation_pct"`
	SlippageBufferPct        float64       `mapstructure:"slippage_buffer_pct"`
	MaxLotsPerTrade          int           `mapstructure:"max_lots_per_trade"`
	DecisionInterval         time.Duration `mapstructure:"decision_interval"`
	TpPct                    float64       `mapstructure:"tp_pct"`
	SlPct                    float64       `mapstructure:"sl_pct"`
	TrailPct                 float64       `mapstructure:"trail_pct"`
	RiskCheckInterval        time.Duration `mapstructure:"risk_check_interval"`
	TimeStopSeconds          int           `mapstructure:"time_stop_seconds"`
	EnableTimeStop           bool          `mapstructure:"enable_time_stop"`
	MaxDailyLossRs           float64       `mapstructure:"max_daily_loss_rs"`
	EnableDailyLossCap       bool          `mapstructure:"enable_daily_loss_cap"`
	CooldownAfterLossSeconds int           `mapstructure:"cooldown_after_loss_seconds"`
	EnableCooldown           bool          `mapstructure:"enable_cooldown"`
	UseMultiTimeframe        bool          `mapstructure:"use_multi_timeframe"`
	SecondaryTimeframe       int           `mapstructure:"secondary_timeframe"` // minutes: 5 or 15
	SessionHours             string        `mapstructure:"session_hours"`       // "09:15-15:30"
	EnforceMarketHours       bool          `mapstructure:"enforce_market_hours"`
	ReconcileInterval        time.Duration `mapstructure:"reconcile_interval"`
	StreakGateMinutes        int           `mapstructure:"streak_gate_minutes"`
}

// PaperConfig configures the synthetic broker.
type PaperConfig struct {
	StartingBalance float64 `mapstructure:"starting_balance"`
}

// SymbolConfig describes one tracked index and its option chain geometry.
type SymbolConfig struct {
	IdxSID        string `mapstructure:"idx_sid"` // index security id on the feed
	SegIdx        string `mapstructure:"seg_idx"` // index segment, e.g. IDX_I
	SegOpt        string `mapstructure:"seg_opt"` // option segment, e.g. NSE_FNO
	StrikeStep    int    `mapstructure:"strike_step"`
	LotSize       int    `mapstructure:"lot_size"`
	QtyMultiplier int    `mapstructure:"qty_multiplier"`
	ExpiryWday    int    `mapstructure:"expiry_wday"` // weekday of weekly expiry
}

// BrokerConfig holds broker API endpoints and credentials.
type BrokerConfig struct {
	ClientID       string `mapstructure:"client_id"`
	AccessToken    string `mapstructure:"access_token"`
	BaseURL        string `mapstructure:"base_url"`
	WSURL          string `mapstructure:"ws_url"`
	ScripMasterURL string `mapstructure:"scrip_master_url"`
	DryRun         bool   `mapstructure:"dry_run"`
}

// FeedConfig tunes the market-data stream's resilience behavior.
type FeedConfig struct {
	ReconnectBase    time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	StaleTickWindow  time.Duration `mapstructure:"stale_tick_window"`
}

// RedisConfig enables the optional Redis state mirror. Empty URL disables it.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	Namespace string `mapstructure:"namespace"`
}

// SessionConfig sets where session reports are persisted (JSON files).
type SessionConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelegramConfig carries notification credentials for the external notifier.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// Load reads config from a YAML file with env var overrides and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	strict := v.GetBool("strict")
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = strict
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper lowercases map keys during unmarshal. Symbol names are matched
	// against the scrip master's uppercase SM_SYMBOL_NAME values, so
	// canonicalize them back to uppercase here.
	if len(cfg.Symbols) > 0 {
		canon := make(map[string]SymbolConfig, len(cfg.Symbols))
		for name, sym := range cfg.Symbols {
			canon[strings.ToUpper(name)] = sym
		}
		cfg.Symbols = canon
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.allocation_pct", 0.30)
	v.SetDefault("global.slippage_buffer_pct", 0.01)
	v.SetDefault("global.charge_per_order", 20.0)
	v.SetDefault("global.max_lots_per_trade", 10)
	v.SetDefault("global.decision_interval", "10s")
	v.SetDefault("global.tp_pct", 0.35)
	v.SetDefault("global.sl_pct", 0.18)
	v.SetDefault("global.trail_pct", 0.10)
	v.SetDefault("global.risk_check_interval", "1s")
	v.SetDefault("global.time_stop_seconds", 300)
	v.SetDefault("global.enable_time_stop", false)
	v.SetDefault("global.max_daily_loss_rs", 2000.0)
	v.SetDefault("global.enable_daily_loss_cap", true)
	v.SetDefault("global.cooldown_after_loss_seconds", 180)
	v.SetDefault("global.enable_cooldown", true)
	v.SetDefault("global.use_multi_timeframe", true)
	v.SetDefault("global.secondary_timeframe", 5)
	v.SetDefault("global.session_hours", "09:15-15:30")
	v.SetDefault("global.enforce_market_hours", true)
	v.SetDefault("global.reconcile_interval", "300s")
	v.SetDefault("global.streak_gate_minutes", 3)
	v.SetDefault("paper.starting_balance", 200000.0)
	v.SetDefault("broker.scrip_master_url", "https://images.dhan.co/api-scrip/api-scrip-master.csv")
	v.SetDefault("feed.reconnect_base", "1s")
	v.SetDefault("feed.reconnect_max", "300s")
	v.SetDefault("feed.max_attempts", 10)
	v.SetDefault("feed.heartbeat_timeout", "30s")
	v.SetDefault("feed.stale_tick_window", "60s")
	v.SetDefault("redis.namespace", "dhan_scalper:v1")
	v.SetDefault("session.data_dir", "data/sessions")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnvOverrides copies credential and switch env vars over file values.
// Env always wins for secrets so config files can stay credential-free.
func applyEnvOverrides(cfg *Config) {
	if id := os.Getenv("CLIENT_ID"); id != "" {
		cfg.Broker.ClientID = id
	}
	if tok := os.Getenv("ACCESS_TOKEN"); tok != "" {
		cfg.Broker.AccessToken = tok
	}
	if u := os.Getenv("BASE_URL"); u != "" {
		cfg.Broker.BaseURL = u
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if u := os.Getenv("REDIS_URL"); u != "" {
		cfg.Redis.URL = u
	}
	switch os.Getenv("ENFORCE_MARKET_HOURS") {
	case "true", "1":
		cfg.Global.EnforceMarketHours = true
	case "false", "0":
		cfg.Global.EnforceMarketHours = false
	}
	if tok := os.Getenv("TELEGRAM_BOT_TOKEN"); tok != "" {
		cfg.Telegram.BotToken = tok
	}
	if id := os.Getenv("TELEGRAM_CHAT_ID"); id != "" {
		cfg.Telegram.ChatID = id
	}
}

// Validate checks required fields and value ranges. Mode decides whether
// live credentials are mandatory.
func (c *Config) Validate(live bool) error {
	if live {
		if c.Broker.ClientID == "" {
			return fmt.Errorf("broker.client_id is required in live mode (set CLIENT_ID)")
		}
		if c.Broker.AccessToken == "" {
			return fmt.Errorf("broker.access_token is required in live mode (set ACCESS_TOKEN)")
		}
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker.base_url is required in live mode (set BASE_URL)")
		}
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol must be configured")
	}
	for name, sym := range c.Symbols {
		if sym.IdxSID == "" {
			return fmt.Errorf("symbols.%s.idx_sid is required", name)
		}
		if sym.LotSize <= 0 {
			return fmt.Errorf("symbols.%s.lot_size must be > 0", name)
		}
		if sym.StrikeStep <= 0 {
			return fmt.Errorf("symbols.%s.strike_step must be > 0", name)
		}
	}
	if c.Global.AllocationPct <= 0 || c.Global.AllocationPct > 1 {
		return fmt.Errorf("global.allocation_pct must be in (0, 1]")
	}
	if c.Global.TpPct <= 0 {
		return fmt.Errorf("global.tp_pct must be > 0")
	}
	if c.Global.SlPct <= 0 {
		return fmt.Errorf("global.sl_pct must be > 0")
	}
	if c.Paper.StartingBalance <= 0 {
		return fmt.Errorf("paper.starting_balance must be > 0")
	}
	if _, _, err := c.SessionWindow(); err != nil {
		return err
	}
	return nil
}

// SessionWindow parses session_hours ("09:15-15:30") into open and close
// clock times expressed as minutes since midnight.
func (c *Config) SessionWindow() (open, close int, err error) {
	parts := strings.Split(c.Global.SessionHours, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("global.session_hours must be HH:MM-HH:MM, got %q", c.Global.SessionHours)
	}
	open, err = parseClock(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("global.session_hours open: %w", err)
	}
	close, err = parseClock(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("global.session_hours close: %w", err)
	}
	if close <= open {
		return 0, 0, fmt.Errorf("global.session_hours close must be after open")
	}
	return open, close, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("bad clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	return h*60 + m, nil
}
