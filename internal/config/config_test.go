package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"xt-connector/internal/queue"
)

func clearCredentialEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XT_API_KEY", "")
	t.Setenv("XT_API_SECRET", "")
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
trading_pairs: [btc-usdt, " ETH-USDT ", BTC-USDT]
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModeObserve {
		t.Fatalf("mode = %q, want %q", cfg.Mode, ModeObserve)
	}
	if got := strings.Join(cfg.TradingPairs, ","); got != "BTC-USDT,ETH-USDT" {
		t.Fatalf("trading_pairs = %q", got)
	}
	if cfg.HeaderPrefixValue() != DefaultHeaderPrefix {
		t.Fatalf("header prefix = %q, want %q", cfg.HeaderPrefixValue(), DefaultHeaderPrefix)
	}
	if cfg.Exchange.RecvWindowMs != 5000 {
		t.Fatalf("exchange.recv_window_ms = %d, want 5000", cfg.Exchange.RecvWindowMs)
	}
	if cfg.MarketData.SnapshotLimit != 450 {
		t.Fatalf("market_data.snapshot_limit = %d, want 450", cfg.MarketData.SnapshotLimit)
	}
	if cfg.Orders.ShortPollSec != 10 || cfg.Orders.LongPollSec != 120 {
		t.Fatalf("poll cadence = %d/%d, want 10/120", cfg.Orders.ShortPollSec, cfg.Orders.LongPollSec)
	}
	if cfg.Orders.FillWindowMs != 10_000 {
		t.Fatalf("orders.fill_window_ms = %d, want 10000", cfg.Orders.FillWindowMs)
	}
	if cfg.OverflowPolicy() != queue.DropOldest {
		t.Fatalf("overflow policy = %s, want drop_oldest", cfg.OverflowPolicy())
	}
	if cfg.State.LockTakeover == nil || !*cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover = %v, want true", cfg.State.LockTakeover)
	}
}

func TestLoadKeepsExplicitEmptyHeaderPrefix(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
trading_pairs: [BTC-USDT]
exchange:
  header_prefix: ""
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HeaderPrefixValue() != "" {
		t.Fatalf("header prefix = %q, want empty", cfg.HeaderPrefixValue())
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
trading_pairs: [BTC-USDT]
grid:
  levels: 10
`)

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatalf("Load() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "field grid not found") {
		t.Fatalf("Load() error = %q, want unknown field message", err.Error())
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
trading_pairs: [BTC-USDT]
---
trading_pairs: [ETH-USDT]
`)

	if _, err := Load(cfgPath); err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("Load() error = %v, want single document error", err)
	}
}

func TestLoadRejectsInvalidPair(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
trading_pairs: [BTCUSDT]
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "BASE-QUOTE") {
		t.Fatalf("Load() error = %v, want pair format error", err)
	}
}

func TestLoadLiveRequiresCredentials(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
mode: live
trading_pairs: [BTC-USDT]
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "api_key/api_secret are required") {
		t.Fatalf("Load() error = %v, want credential error", err)
	}
}

func TestLoadCredentialsFromEnvironment(t *testing.T) {
	clearCredentialEnv(t)
	t.Setenv("XT_API_KEY", "env-key")
	t.Setenv("XT_API_SECRET", "env-secret")
	cfgPath := writeTempConfig(t, `
mode: live
trading_pairs: [BTC-USDT]
exchange:
  api_key: yaml-key
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" || cfg.Exchange.APISecret != "env-secret" {
		t.Fatalf("credentials = %q/%q, want env values", cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	}
}

func TestLoadCredentialsFromEnvFile(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
mode: live
trading_pairs: [BTC-USDT]
exchange:
  env_file: creds.env
`)
	envPath := filepath.Join(filepath.Dir(cfgPath), "creds.env")
	if err := os.WriteFile(envPath, []byte("XT_API_KEY=file-key\nXT_API_SECRET=file-secret\n"), 0o600); err != nil {
		t.Fatalf("write env file failed: %v", err)
	}
	// godotenv leaves variables that are already set untouched.
	if err := os.Unsetenv("XT_API_KEY"); err != nil {
		t.Fatalf("unsetenv: %v", err)
	}
	if err := os.Unsetenv("XT_API_SECRET"); err != nil {
		t.Fatalf("unsetenv: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.APIKey != "file-key" || cfg.Exchange.APISecret != "file-secret" {
		t.Fatalf("credentials = %q/%q, want env file values", cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	}
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
trading_pairs: [BTC-USDT]
exchange:
  env_file: missing.env
`)

	if _, err := Load(cfgPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadRejectsInvalidOverflowPolicy(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
trading_pairs: [BTC-USDT]
queues:
  overflow: grow
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "queues.overflow") {
		t.Fatalf("Load() error = %v, want overflow error", err)
	}
}

func TestLoadParsesBlockPolicyAndNotionalCap(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
trading_pairs: [BTC-USDT]
queues:
  overflow: BLOCK
orders:
  max_order_notional: "250.5"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OverflowPolicy() != queue.Block {
		t.Fatalf("overflow policy = %s, want block", cfg.OverflowPolicy())
	}
	if !cfg.Orders.MaxOrderNotional.Equal(decimal.RequireFromString("250.5")) {
		t.Fatalf("orders.max_order_notional = %s", cfg.Orders.MaxOrderNotional.String())
	}
}

func TestLoadRejectsLongPollShorterThanShortPoll(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
trading_pairs: [BTC-USDT]
orders:
  short_poll_sec: 30
  long_poll_sec: 10
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "long_poll_sec") {
		t.Fatalf("Load() error = %v, want long poll error", err)
	}
}

func TestLoadRejectsInvalidPublicWSScheme(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
trading_pairs: [BTC-USDT]
exchange:
  ws_public_url: https://stream.xt.com/public
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "ws_public_url scheme must be ws or wss") {
		t.Fatalf("Load() error = %v, want ws scheme error", err)
	}
}

func TestLoadTelegramDisabledIgnoresInvalidAPIBaseURL(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
trading_pairs: [BTC-USDT]
observability:
  telegram:
    enabled: false
    api_base_url: "::bad"
`)

	if _, err := Load(cfgPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadRejectsInvalidLoggingFormat(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
trading_pairs: [BTC-USDT]
logging:
  format: xml
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "logging.format") {
		t.Fatalf("Load() error = %v, want logging format error", err)
	}
}

func TestLoadStateLockTakeoverCanDisableExplicitly(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
trading_pairs: [BTC-USDT]
state:
  lock_takeover: false
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.State.LockTakeover == nil || *cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover = %v, want false", cfg.State.LockTakeover)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write temp config failed: %v", err)
	}
	return path
}
