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
// built-in defaults, applies MARKETD_* environment variable overrides, and
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

// applyEnvOverrides reads well-known MARKETD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MARKETD_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "MARKETD_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "MARKETD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MARKETD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MARKETD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MARKETD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MARKETD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MARKETD_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MARKETD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MARKETD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MARKETD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MARKETD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "MARKETD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "MARKETD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARKETD_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARKETD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARKETD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARKETD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MARKETD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MARKETD_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MARKETD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MARKETD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MARKETD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "MARKETD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "MARKETD_SERVER_RATE_WINDOW")

	// ── Watcher ──
	setBool(&cfg.Watcher.Enabled, "MARKETD_WATCHER_ENABLED")
	setStr(&cfg.Watcher.SubgraphURL, "MARKETD_WATCHER_SUBGRAPH_URL")
	setStr(&cfg.Watcher.APIKey, "MARKETD_WATCHER_API_KEY")
	setDuration(&cfg.Watcher.PollInterval, "MARKETD_WATCHER_POLL_INTERVAL")
	setInt(&cfg.Watcher.BatchSize, "MARKETD_WATCHER_BATCH_SIZE")
	setDuration(&cfg.Watcher.Lookback, "MARKETD_WATCHER_LOOKBACK")

	// ── Archive ──
	setDuration(&cfg.Archive.Interval, "MARKETD_ARCHIVE_INTERVAL")

	// ── Notify ──
	setInt(&cfg.Nonce.MaxRange, "MARKETD_NONCE_MAX_RANGE")
	setInt(&cfg.Nonce.RateLimit, "MARKETD_NONCE_RATE_LIMIT")
	setDuration(&cfg.Nonce.RateWindow, "MARKETD_NONCE_RATE_WINDOW")

	setStr(&cfg.Notify.TelegramToken, "MARKETD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARKETD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETD_MODE")
	setStr(&cfg.LogLevel, "MARKETD_LOG_LEVEL")
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
