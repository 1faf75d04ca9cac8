package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SNIPER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SNIPER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "SNIPER_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "SNIPER_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "SNIPER_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "SNIPER_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "SNIPER_CHAIN_ID")
	setStr(&cfg.Chain.BaseToken, "SNIPER_CHAIN_BASE_TOKEN")
	setDuration(&cfg.Chain.ConfirmTimeout, "SNIPER_CHAIN_CONFIRM_TIMEOUT")

	// ── Venues ──
	setStringSlice(&cfg.Venues.Priority, "SNIPER_VENUES_PRIORITY")
	setStr(&cfg.Venues.OneInch.BaseURL, "SNIPER_VENUES_ONEINCH_BASE_URL")
	setStr(&cfg.Venues.OneInch.APIKey, "SNIPER_VENUES_ONEINCH_API_KEY")
	setStr(&cfg.Venues.Pancake.Router, "SNIPER_VENUES_PANCAKE_ROUTER")
	setStr(&cfg.Venues.FourMeme.BaseURL, "SNIPER_VENUES_FOURMEME_BASE_URL")

	// ── Safety ──
	setFloat64(&cfg.Safety.ProbeAmountBase, "SNIPER_SAFETY_PROBE_AMOUNT_BASE")
	setInt(&cfg.Safety.TaxBlockThresholdBps, "SNIPER_SAFETY_TAX_BLOCK_THRESHOLD_BPS")
	setStr(&cfg.Safety.TokenGuardURL, "SNIPER_SAFETY_TOKENGUARD_URL")

	// ── Engine ──
	setInt(&cfg.Engine.MaxSlippageBps, "SNIPER_ENGINE_MAX_SLIPPAGE_BPS")
	setInt(&cfg.Engine.RetrySlippageBps, "SNIPER_ENGINE_RETRY_SLIPPAGE_BPS")
	setFloat64(&cfg.Engine.DustFloorUI, "SNIPER_ENGINE_DUST_FLOOR_UI")
	setFloat64(&cfg.Engine.RemainderFrac, "SNIPER_ENGINE_REMAINDER_FRAC")
	setDuration(&cfg.Engine.LockMaxHold, "SNIPER_ENGINE_LOCK_MAX_HOLD")

	// ── Recovery / Monitor / Entry ──
	setDuration(&cfg.Recovery.PollInterval, "SNIPER_RECOVERY_POLL_INTERVAL")
	setInt(&cfg.Recovery.BatchSize, "SNIPER_RECOVERY_BATCH_SIZE")
	setDuration(&cfg.Recovery.InterBatchPause, "SNIPER_RECOVERY_INTER_BATCH_PAUSE")
	setDuration(&cfg.Monitor.SweepInterval, "SNIPER_MONITOR_SWEEP_INTERVAL")
	setStr(&cfg.Entry.SignalChannel, "SNIPER_ENTRY_SIGNAL_CHANNEL")
	setInt(&cfg.Entry.MaxPositions, "SNIPER_ENTRY_MAX_POSITIONS")

	// ── Feed ──
	setStr(&cfg.Feed.WsURL, "SNIPER_FEED_WS_URL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SNIPER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SNIPER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SNIPER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SNIPER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SNIPER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SNIPER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SNIPER_POSTGRES_SSLMODE")
	setBool(&cfg.Postgres.RunMigrations, "SNIPER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SNIPER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SNIPER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SNIPER_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "SNIPER_REDIS_TLS_ENABLED")

	// ── S3 / Archive ──
	setStr(&cfg.S3.Endpoint, "SNIPER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SNIPER_S3_REGION")
	setStr(&cfg.S3.Bucket, "SNIPER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SNIPER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SNIPER_S3_SECRET_KEY")
	setBool(&cfg.Archive.Enabled, "SNIPER_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "SNIPER_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "SNIPER_ARCHIVE_RETENTION_DAYS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SNIPER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SNIPER_NOTIFY_TELEGRAM_CHAT_ID")
	setStringSlice(&cfg.Notify.Events, "SNIPER_NOTIFY_EVENTS")

	// ── Server / top-level ──
	setBool(&cfg.Server.Enabled, "SNIPER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SNIPER_SERVER_PORT")
	setStr(&cfg.Mode, "SNIPER_MODE")
	setStr(&cfg.LogLevel, "SNIPER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
