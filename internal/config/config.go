package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"xt-connector/internal/queue"
)

type Mode string

const (
	// ModeLive streams market data and manages orders.
	ModeLive Mode = "live"
	// ModeObserve streams market data and balances only; order placement is refused.
	ModeObserve Mode = "observe"
)

const DefaultHeaderPrefix = "xt-validate-"

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	InstanceID     string               `yaml:"instance_id"`
	TradingPairs   []string             `yaml:"trading_pairs"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	MarketData     MarketDataConfig     `yaml:"market_data"`
	Orders         OrdersConfig         `yaml:"orders"`
	Queues         QueueConfig          `yaml:"queues"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Logging        LoggingConfig        `yaml:"logging"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type ExchangeConfig struct {
	APIKey            string  `yaml:"api_key"`
	APISecret         string  `yaml:"api_secret"`
	EnvFile           string  `yaml:"env_file"`
	RestBaseURL       string  `yaml:"rest_base_url"`
	WSPublicURL       string  `yaml:"ws_public_url"`
	WSPrivateURL      string  `yaml:"ws_private_url"`
	HeaderPrefix      *string `yaml:"header_prefix"`
	Algorithm         string  `yaml:"algorithm"`
	RecvWindowMs      int64   `yaml:"recv_window_ms"`
	HTTPTimeoutSec    int64   `yaml:"http_timeout_sec"`
	RateLimitPerSec   float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst    int     `yaml:"rate_limit_burst"`
	TimeSyncSec       int64   `yaml:"time_sync_sec"`
	ClientOrderPrefix string  `yaml:"client_order_prefix"`
}

type MarketDataConfig struct {
	SnapshotLimit          int   `yaml:"snapshot_limit"`
	SnapshotRefreshSec     int64 `yaml:"snapshot_refresh_sec"`
	PingIntervalSec        int64 `yaml:"ping_interval_sec"`
	ReconnectMaxBackoffSec int64 `yaml:"reconnect_max_backoff_sec"`
	DiffBufferSize         int   `yaml:"diff_buffer_size"`
}

type OrdersConfig struct {
	ShortPollSec         int64   `yaml:"short_poll_sec"`
	LongPollSec          int64   `yaml:"long_poll_sec"`
	FillWindowMs         int64   `yaml:"fill_window_ms"`
	BalanceRefreshSec    int64   `yaml:"balance_refresh_sec"`
	RulesRefreshSec      int64   `yaml:"rules_refresh_sec"`
	ErrorBackoffSec      int64   `yaml:"error_backoff_sec"`
	UnknownNotFoundLimit int     `yaml:"unknown_not_found_limit"`
	DedupTTLHours        int64   `yaml:"dedup_ttl_hours"`
	MaxOrderNotional     Decimal `yaml:"max_order_notional"`
}

type QueueConfig struct {
	Capacity      int    `yaml:"capacity"`
	EventCapacity int    `yaml:"event_capacity"`
	Overflow      string `yaml:"overflow"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxCancelFailures    int   `yaml:"max_cancel_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	ReconnectCooldownSec int64 `yaml:"reconnect_cooldown_sec"`
	ReconnectProbePasses int   `yaml:"reconnect_probe_passes"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	HeartbeatSec       int64 `yaml:"heartbeat_sec"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

// credentialEnv is overlaid from XT_API_KEY / XT_API_SECRET.
type credentialEnv struct {
	APIKey    string `envconfig:"API_KEY"`
	APISecret string `envconfig:"API_SECRET"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	if err := cfg.overlayEnv(filepath.Dir(path)); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// overlayEnv loads an optional dotenv file and lets XT_API_KEY and
// XT_API_SECRET override the YAML credentials.
func (c *Config) overlayEnv(baseDir string) error {
	envFile := strings.TrimSpace(c.Exchange.EnvFile)
	if envFile != "" {
		if !filepath.IsAbs(envFile) {
			envFile = filepath.Join(baseDir, envFile)
		}
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	var env credentialEnv
	if err := envconfig.Process("XT", &env); err != nil {
		return fmt.Errorf("read credential env: %w", err)
	}
	if v := strings.TrimSpace(env.APIKey); v != "" {
		c.Exchange.APIKey = v
	}
	if v := strings.TrimSpace(env.APISecret); v != "" {
		c.Exchange.APISecret = v
	}
	return nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	pairs := make([]string, 0, len(c.TradingPairs))
	seen := make(map[string]struct{}, len(c.TradingPairs))
	for _, p := range c.TradingPairs {
		p = strings.ToUpper(strings.TrimSpace(p))
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		pairs = append(pairs, p)
	}
	c.TradingPairs = pairs
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RestBaseURL), "/")
	c.Exchange.WSPublicURL = strings.TrimSpace(c.Exchange.WSPublicURL)
	c.Exchange.WSPrivateURL = strings.TrimSpace(c.Exchange.WSPrivateURL)
	c.Exchange.Algorithm = strings.TrimSpace(c.Exchange.Algorithm)
	c.Exchange.ClientOrderPrefix = strings.ToLower(strings.TrimSpace(c.Exchange.ClientOrderPrefix))
	c.Queues.Overflow = strings.ToLower(strings.TrimSpace(c.Queues.Overflow))
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.File = strings.TrimSpace(c.Logging.File)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeObserve
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://sapi.xt.com"
	}
	if c.Exchange.WSPublicURL == "" {
		c.Exchange.WSPublicURL = "wss://stream.xt.com/public"
	}
	if c.Exchange.WSPrivateURL == "" {
		c.Exchange.WSPrivateURL = "wss://stream.xt.com/private"
	}
	if c.Exchange.HeaderPrefix == nil {
		prefix := DefaultHeaderPrefix
		c.Exchange.HeaderPrefix = &prefix
	}
	if c.Exchange.Algorithm == "" {
		c.Exchange.Algorithm = "HmacSHA256"
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 10
	}
	if c.Exchange.RateLimitPerSec == 0 {
		c.Exchange.RateLimitPerSec = 10
	}
	if c.Exchange.RateLimitBurst == 0 {
		c.Exchange.RateLimitBurst = 5
	}
	if c.Exchange.TimeSyncSec == 0 {
		c.Exchange.TimeSyncSec = 300
	}
	if c.Exchange.ClientOrderPrefix == "" {
		c.Exchange.ClientOrderPrefix = "xtc"
	}
	if c.MarketData.SnapshotLimit == 0 {
		c.MarketData.SnapshotLimit = 450
	}
	if c.MarketData.SnapshotRefreshSec == 0 {
		c.MarketData.SnapshotRefreshSec = 3600
	}
	if c.MarketData.PingIntervalSec == 0 {
		c.MarketData.PingIntervalSec = 20
	}
	if c.MarketData.ReconnectMaxBackoffSec == 0 {
		c.MarketData.ReconnectMaxBackoffSec = 30
	}
	if c.MarketData.DiffBufferSize == 0 {
		c.MarketData.DiffBufferSize = 1000
	}
	if c.Orders.ShortPollSec == 0 {
		c.Orders.ShortPollSec = 10
	}
	if c.Orders.LongPollSec == 0 {
		c.Orders.LongPollSec = 120
	}
	if c.Orders.FillWindowMs == 0 {
		c.Orders.FillWindowMs = 10_000
	}
	if c.Orders.BalanceRefreshSec == 0 {
		c.Orders.BalanceRefreshSec = 60
	}
	if c.Orders.RulesRefreshSec == 0 {
		c.Orders.RulesRefreshSec = 1800
	}
	if c.Orders.ErrorBackoffSec == 0 {
		c.Orders.ErrorBackoffSec = 5
	}
	if c.Orders.UnknownNotFoundLimit == 0 {
		c.Orders.UnknownNotFoundLimit = 3
	}
	if c.Orders.DedupTTLHours == 0 {
		c.Orders.DedupTTLHours = 24
	}
	if c.Queues.Capacity == 0 {
		c.Queues.Capacity = 1000
	}
	if c.Queues.EventCapacity == 0 {
		c.Queues.EventCapacity = 1000
	}
	if c.Queues.Overflow == "" {
		c.Queues.Overflow = queue.DropOldest.String()
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.ReconnectCooldownSec == 0 {
		c.CircuitBreaker.ReconnectCooldownSec = 30
	}
	if c.CircuitBreaker.ReconnectProbePasses == 0 {
		c.CircuitBreaker.ReconnectProbePasses = 1
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 30
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeLive, ModeObserve:
	default:
		return fmt.Errorf("mode must be live or observe")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if len(c.TradingPairs) == 0 {
		return fmt.Errorf("trading_pairs must list at least one pair")
	}
	for _, p := range c.TradingPairs {
		if !isValidPair(p) {
			return fmt.Errorf("trading pair %q must look like BASE-QUOTE", p)
		}
	}
	if c.Mode == ModeLive && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		return fmt.Errorf("exchange api_key/api_secret are required for %s mode", c.Mode)
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSPublicURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_public_url %v", err)
	}
	if err := validateURL(c.Exchange.WSPrivateURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_private_url %v", err)
	}
	if c.Exchange.Algorithm != "HmacSHA256" {
		return fmt.Errorf("exchange algorithm must be HmacSHA256")
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.RateLimitPerSec <= 0 || c.Exchange.RateLimitPerSec > 1000 {
		return fmt.Errorf("exchange rate_limit_per_sec must be between 0 and 1000")
	}
	if c.Exchange.RateLimitBurst < 1 {
		return fmt.Errorf("exchange rate_limit_burst must be >= 1")
	}
	if c.Exchange.TimeSyncSec < 10 || c.Exchange.TimeSyncSec > 86400 {
		return fmt.Errorf("exchange time_sync_sec must be between 10 and 86400")
	}
	if !isValidInstanceID(c.Exchange.ClientOrderPrefix) || len(c.Exchange.ClientOrderPrefix) > 8 {
		return fmt.Errorf("exchange client_order_prefix must match [a-z0-9_-], length 1..8")
	}
	if c.MarketData.SnapshotLimit < 1 || c.MarketData.SnapshotLimit > 500 {
		return fmt.Errorf("market_data.snapshot_limit must be between 1 and 500")
	}
	if c.MarketData.SnapshotRefreshSec < 0 || c.MarketData.SnapshotRefreshSec > 86400 {
		return fmt.Errorf("market_data.snapshot_refresh_sec must be between 0 and 86400")
	}
	if c.MarketData.PingIntervalSec < 1 || c.MarketData.PingIntervalSec > 300 {
		return fmt.Errorf("market_data.ping_interval_sec must be between 1 and 300")
	}
	if c.MarketData.ReconnectMaxBackoffSec < 1 || c.MarketData.ReconnectMaxBackoffSec > 600 {
		return fmt.Errorf("market_data.reconnect_max_backoff_sec must be between 1 and 600")
	}
	if c.MarketData.DiffBufferSize < 1 {
		return fmt.Errorf("market_data.diff_buffer_size must be >= 1")
	}
	if c.Orders.ShortPollSec < 1 {
		return fmt.Errorf("orders.short_poll_sec must be >= 1")
	}
	if c.Orders.LongPollSec < c.Orders.ShortPollSec {
		return fmt.Errorf("orders.long_poll_sec must be >= orders.short_poll_sec")
	}
	if c.Orders.FillWindowMs < 0 || c.Orders.FillWindowMs > 3_600_000 {
		return fmt.Errorf("orders.fill_window_ms must be between 0 and 3600000")
	}
	if c.Orders.BalanceRefreshSec < 1 || c.Orders.BalanceRefreshSec > 3600 {
		return fmt.Errorf("orders.balance_refresh_sec must be between 1 and 3600")
	}
	if c.Orders.RulesRefreshSec < 60 || c.Orders.RulesRefreshSec > 86400 {
		return fmt.Errorf("orders.rules_refresh_sec must be between 60 and 86400")
	}
	if c.Orders.ErrorBackoffSec < 1 || c.Orders.ErrorBackoffSec > 300 {
		return fmt.Errorf("orders.error_backoff_sec must be between 1 and 300")
	}
	if c.Orders.UnknownNotFoundLimit < 1 {
		return fmt.Errorf("orders.unknown_not_found_limit must be >= 1")
	}
	if c.Orders.DedupTTLHours < 1 {
		return fmt.Errorf("orders.dedup_ttl_hours must be >= 1")
	}
	if c.Orders.MaxOrderNotional.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("orders.max_order_notional must be >= 0")
	}
	if c.Queues.Capacity < 1 || c.Queues.EventCapacity < 1 {
		return fmt.Errorf("queues capacity values must be >= 1")
	}
	if _, err := queue.ParsePolicy(c.Queues.Overflow); err != nil {
		return fmt.Errorf("queues.overflow: %v", err)
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.ReconnectCooldownSec < 1 || c.CircuitBreaker.ReconnectCooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.reconnect_cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ReconnectProbePasses < 1 || c.CircuitBreaker.ReconnectProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.reconnect_probe_passes must be between 1 and 20")
		}
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json")
	}
	if c.Logging.File != "" && (c.Logging.MaxSizeMB < 1 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0) {
		return fmt.Errorf("logging rotation values are out of range")
	}
	if c.Observability.Runtime.HeartbeatSec < 0 || c.Observability.Runtime.HeartbeatSec > 3600 {
		return fmt.Errorf("observability.runtime.heartbeat_sec must be between 0 and 3600")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	return nil
}

// OverflowPolicy returns the parsed queue policy. Validate has already
// rejected unknown values.
func (c Config) OverflowPolicy() queue.Policy {
	p, _ := queue.ParsePolicy(c.Queues.Overflow)
	return p
}

func (c Config) HeaderPrefixValue() string {
	if c.Exchange.HeaderPrefix == nil {
		return DefaultHeaderPrefix
	}
	return *c.Exchange.HeaderPrefix
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidPair(v string) bool {
	base, quote, ok := strings.Cut(v, "-")
	if !ok || !isAssetCode(base) || !isAssetCode(quote) {
		return false
	}
	return true
}

func isAssetCode(v string) bool {
	if len(v) < 1 || len(v) > 16 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
