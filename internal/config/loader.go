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
// built-in defaults, applies PERPIDX_* environment variable overrides, and
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

// applyEnvOverrides reads well-known PERPIDX_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.WsURL, "PERPIDX_CHAIN_WS_URL")
	setStr(&cfg.Chain.HTTPURL, "PERPIDX_CHAIN_HTTP_URL")
	setStr(&cfg.Chain.ContractAddr, "PERPIDX_CHAIN_CONTRACT_ADDR")
	setDuration(&cfg.Chain.WatchdogInterval, "PERPIDX_CHAIN_WATCHDOG_INTERVAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PERPIDX_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "PERPIDX_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PERPIDX_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPIDX_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPIDX_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPIDX_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPIDX_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPIDX_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPIDX_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PERPIDX_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPIDX_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PERPIDX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPIDX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPIDX_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPIDX_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPIDX_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPIDX_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PERPIDX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPIDX_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPIDX_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPIDX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPIDX_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPIDX_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPIDX_S3_FORCE_PATH_STYLE")

	// ── Reconciler ──
	setInt(&cfg.Reconciler.RPCConcurrency, "PERPIDX_RECONCILER_RPC_CONCURRENCY")
	setInt(&cfg.Reconciler.RPCConcurrency, "RPC_CONC") // operational shorthand
	setInt(&cfg.Reconciler.DBConcurrency, "PERPIDX_RECONCILER_DB_CONCURRENCY")
	setInt(&cfg.Reconciler.DBConcurrency, "DB_CONC") // operational shorthand
	setDuration(&cfg.Reconciler.Interval, "PERPIDX_RECONCILER_INTERVAL")
	setBool(&cfg.Reconciler.Full, "PERPIDX_RECONCILER_FULL")

	// ── Backfill ──
	setInt(&cfg.Backfill.PageSize, "PERPIDX_BACKFILL_PAGE_SIZE")
	setInt(&cfg.Backfill.ChunkSize, "PERPIDX_BACKFILL_CHUNK_SIZE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PERPIDX_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "PERPIDX_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "PERPIDX_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PERPIDX_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPIDX_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PERPIDX_SERVER_CORS_ORIGINS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPIDX_MODE")
	setStr(&cfg.LogLevel, "PERPIDX_LOG_LEVEL")
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
