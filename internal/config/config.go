// Package config defines the top-level configuration for the sniper engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SNIPER_* environment variables.
type Config struct {
	Wallet   WalletConfig   `toml:"wallet"`
	Chain    ChainConfig    `toml:"chain"`
	Venues   VenuesConfig   `toml:"venues"`
	Safety   SafetyConfig   `toml:"safety"`
	Engine   EngineConfig   `toml:"engine"`
	Recovery RecoveryConfig `toml:"recovery"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Entry    EntryConfig    `toml:"entry"`
	Feed     FeedConfig     `toml:"feed"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Server   ServerConfig   `toml:"server"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// WalletConfig holds the trading wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds RPC and chain parameters.
type ChainConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	ChainID        int64    `toml:"chain_id"`
	BaseToken      string   `toml:"base_token"` // wrapped native token address
	BaseSymbol     string   `toml:"base_symbol"`
	ConfirmTimeout duration `toml:"confirm_timeout"`
	PollInterval   duration `toml:"poll_interval"` // receipt poll cadence
	GasLimitSwap   uint64   `toml:"gas_limit_swap"`
}

// VenueConfig holds parameters for one swap venue.
type VenueConfig struct {
	BaseURL     string   `toml:"base_url"`
	APIKey      string   `toml:"api_key"`
	Router      string   `toml:"router"` // on-chain router address (AMM only)
	Timeout     duration `toml:"timeout"`
	QuoteLimit  int      `toml:"quote_limit"`  // quotes per window, 0 = unlimited
	QuoteWindow duration `toml:"quote_window"` // rate-limit window
}

// VenuesConfig holds the venue priority order and per-venue settings.
type VenuesConfig struct {
	// Priority is the strict fallback order; the first venue is assumed to
	// offer the best net price.
	Priority []string    `toml:"priority"`
	OneInch  VenueConfig `toml:"oneinch"`
	Pancake  VenueConfig `toml:"pancake"`
	FourMeme VenueConfig `toml:"fourmeme"`
}

// SafetyConfig holds pre-buy trade-safety parameters.
type SafetyConfig struct {
	// ProbeAmountBase is the base-currency size of the sell-simulation probe.
	// It is fixed and independent of the real trade size.
	ProbeAmountBase      float64  `toml:"probe_amount_base"`
	TaxBlockThresholdBps int      `toml:"tax_block_threshold_bps"`
	ImpactWarnPct        float64  `toml:"impact_warn_pct"`
	TokenGuardURL        string   `toml:"tokenguard_url"`
	TokenGuardAPIKey     string   `toml:"tokenguard_api_key"`
	TokenGuardTimeout    duration `toml:"tokenguard_timeout"`
}

// EngineConfig holds exit-execution parameters.
type EngineConfig struct {
	MaxSlippageBps   int      `toml:"max_slippage_bps"`
	RetrySlippageBps int      `toml:"retry_slippage_bps"` // widened tolerance for the remainder retry
	DustFloorUI      float64  `toml:"dust_floor_ui"`      // absolute materiality floor, token UI units
	RemainderFrac    float64  `toml:"remainder_frac"`     // percentage materiality floor
	LockMaxHold      duration `toml:"lock_max_hold"`
}

// RecoveryConfig holds liquidity-recovery worker parameters.
type RecoveryConfig struct {
	PollInterval    duration `toml:"poll_interval"`
	BatchSize       int      `toml:"batch_size"`
	InterBatchPause duration `toml:"inter_batch_pause"`
}

// MonitorConfig holds the scheduled position-monitor parameters.
type MonitorConfig struct {
	SweepInterval duration `toml:"sweep_interval"`
}

// EntryConfig holds entry-path parameters. The default TP/SL percents apply
// to positions whose entry signal carries no explicit levels; zero disables
// the default.
type EntryConfig struct {
	SignalChannel        string   `toml:"signal_channel"`
	DedupTTL             duration `toml:"dedup_ttl"`
	MaxPositions         int      `toml:"max_positions"`
	DefaultTakeProfitPct float64  `toml:"default_take_profit_pct"`
	DefaultStopLossPct   float64  `toml:"default_stop_loss_pct"`
}

// FeedConfig holds the price stream parameters.
type FeedConfig struct {
	WsURL string `toml:"ws_url"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds trade-history cold-storage parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	Prefix        string   `toml:"prefix"`
}

// NotifyConfig holds alerting parameters.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig holds the ops HTTP server parameters (health + metrics only).
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config pre-populated with sane defaults for a BSC
// deployment. Load layers the TOML file and env overrides on top of this.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:         "https://bsc-dataseed.binance.org",
			ChainID:        56,
			BaseToken:      "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c", // WBNB
			BaseSymbol:     "BNB",
			ConfirmTimeout: duration{90 * time.Second},
			PollInterval:   duration{2 * time.Second},
			GasLimitSwap:   400_000,
		},
		Venues: VenuesConfig{
			Priority: []string{"oneinch", "pancake", "fourmeme"},
			OneInch: VenueConfig{
				BaseURL:     "https://api.1inch.dev/swap/v6.0/56",
				Timeout:     duration{8 * time.Second},
				QuoteLimit:  10,
				QuoteWindow: duration{time.Second},
			},
			Pancake: VenueConfig{
				Router:  "0x10ED43C718714eb63d5aA57B78B54704E256024E",
				Timeout: duration{8 * time.Second},
			},
			FourMeme: VenueConfig{
				BaseURL: "https://four.meme",
				Timeout: duration{8 * time.Second},
			},
		},
		Safety: SafetyConfig{
			ProbeAmountBase:      0.01,
			TaxBlockThresholdBps: 5000,
			ImpactWarnPct:        10,
			TokenGuardTimeout:    duration{8 * time.Second},
		},
		Engine: EngineConfig{
			MaxSlippageBps:   300,
			RetrySlippageBps: 1000,
			DustFloorUI:      0.000001,
			RemainderFrac:    0.01,
			LockMaxHold:      duration{2 * time.Minute},
		},
		Recovery: RecoveryConfig{
			PollInterval:    duration{30 * time.Second},
			BatchSize:       3,
			InterBatchPause: duration{500 * time.Millisecond},
		},
		Monitor: MonitorConfig{
			SweepInterval: duration{15 * time.Second},
		},
		Entry: EntryConfig{
			SignalChannel: "entry_signals",
			DedupTTL:      duration{2 * time.Minute},
			MaxPositions:  10,
		},
		Postgres: PostgresConfig{
			SSLMode:      "require",
			PoolMaxConns: 8,
			PoolMinConns: 1,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Archive: ArchiveConfig{
			Interval:      duration{24 * time.Hour},
			RetentionDays: 30,
			Prefix:        "trades",
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    9090,
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"recover": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var knownVenues = map[string]bool{
	"oneinch":  true,
	"pancake":  true,
	"fourmeme": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, recover)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Every mode needs a signing key for sell transactions.
	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		errs = append(errs, "wallet: either private_key or encrypted_key_path must be set")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.BaseToken == "" {
		errs = append(errs, "chain: base_token must not be empty")
	}

	if len(c.Venues.Priority) == 0 {
		errs = append(errs, "venues: priority must list at least one venue")
	}
	for _, v := range c.Venues.Priority {
		if !knownVenues[v] {
			errs = append(errs, fmt.Sprintf("venues: unknown venue %q in priority list", v))
		}
	}

	if c.Safety.ProbeAmountBase <= 0 {
		errs = append(errs, "safety: probe_amount_base must be positive")
	}
	if c.Safety.TaxBlockThresholdBps <= 0 || c.Safety.TaxBlockThresholdBps > 10000 {
		errs = append(errs, "safety: tax_block_threshold_bps must be in (0, 10000]")
	}

	if c.Engine.MaxSlippageBps <= 0 {
		errs = append(errs, "engine: max_slippage_bps must be positive")
	}
	if c.Engine.RetrySlippageBps < c.Engine.MaxSlippageBps {
		errs = append(errs, "engine: retry_slippage_bps must not be tighter than max_slippage_bps")
	}
	if c.Engine.RemainderFrac <= 0 || c.Engine.RemainderFrac >= 1 {
		errs = append(errs, "engine: remainder_frac must be in (0, 1)")
	}
	if c.Engine.LockMaxHold.Duration <= 0 {
		errs = append(errs, "engine: lock_max_hold must be positive")
	}

	if c.Recovery.PollInterval.Duration <= 0 {
		errs = append(errs, "recovery: poll_interval must be positive")
	}
	if c.Recovery.BatchSize <= 0 {
		errs = append(errs, "recovery: batch_size must be positive")
	}

	if c.Postgres.DSN == "" && c.Postgres.Host == "" {
		errs = append(errs, "postgres: either dsn or host must be set")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: invalid port %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
