package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix namespaces every environment override.
const envPrefix = "STAKELEDGER_"

// Load merges the TOML file at path over Defaults, then applies a .env file
// and STAKELEDGER_* overrides. An empty path skips the file. The result is
// not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose STAKELEDGER_* variable is set.
// Malformed values are reported rather than ignored.
func applyEnvOverrides(cfg *Config) error {
	e := &envReader{}

	// ── Ledger ──
	e.str(&cfg.Ledger.Asset, "LEDGER_ASSET")
	e.uint64(&cfg.Ledger.InitialAPR, "LEDGER_INITIAL_APR")
	e.duration(&cfg.Ledger.MinLockDuration, "LEDGER_MIN_LOCK_DURATION")
	e.uint64(&cfg.Ledger.APRReductionPerThousand, "LEDGER_APR_REDUCTION_PER_THOUSAND")
	e.uint64(&cfg.Ledger.EmergencyWithdrawPenalty, "LEDGER_EMERGENCY_WITHDRAW_PENALTY")
	e.uint8(&cfg.Ledger.TokenDecimals, "LEDGER_TOKEN_DECIMALS")
	e.bool(&cfg.Ledger.SinglePositionPerOwner, "LEDGER_SINGLE_POSITION_PER_OWNER")
	e.bool(&cfg.Ledger.ForfeitRewardOnEmergency, "LEDGER_FORFEIT_REWARD_ON_EMERGENCY")
	e.duration(&cfg.Ledger.AuditInterval, "LEDGER_AUDIT_INTERVAL")

	// ── Custody ──
	e.str(&cfg.Custody.Driver, "CUSTODY_DRIVER")
	e.str(&cfg.Custody.Token.Supply, "CUSTODY_TOKEN_SUPPLY")
	e.str(&cfg.Custody.Token.Treasury, "CUSTODY_TOKEN_TREASURY")
	e.str(&cfg.Custody.Token.Vault, "CUSTODY_TOKEN_VAULT")
	e.str(&cfg.Custody.Token.RewardReserve, "CUSTODY_TOKEN_REWARD_RESERVE")
	e.str(&cfg.Custody.EVM.RPCURL, "CUSTODY_EVM_RPC_URL")
	e.int64(&cfg.Custody.EVM.ChainID, "CUSTODY_EVM_CHAIN_ID")
	e.str(&cfg.Custody.EVM.TokenAddress, "CUSTODY_EVM_TOKEN_ADDRESS")
	e.str(&cfg.Custody.EVM.PrivateKey, "CUSTODY_EVM_PRIVATE_KEY")
	e.str(&cfg.Custody.EVM.EncryptedKeyPath, "CUSTODY_EVM_ENCRYPTED_KEY_PATH")
	e.str(&cfg.Custody.EVM.KeyPassword, "CUSTODY_EVM_KEY_PASSWORD")

	// ── Store / Postgres ──
	e.str(&cfg.Store.Driver, "STORE_DRIVER")
	e.str(&cfg.Postgres.DSN, "POSTGRES_DSN")
	e.str(&cfg.Postgres.DSN, "DATABASE_URL")
	e.str(&cfg.Postgres.Host, "POSTGRES_HOST")
	e.int(&cfg.Postgres.Port, "POSTGRES_PORT")
	e.str(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	e.str(&cfg.Postgres.User, "POSTGRES_USER")
	e.str(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	e.str(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	e.int(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	e.int(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	e.bool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	e.bool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	e.str(&cfg.Redis.URL, "REDIS_URL")
	e.str(&cfg.Redis.Addr, "REDIS_ADDR")
	e.str(&cfg.Redis.Password, "REDIS_PASSWORD")
	e.int(&cfg.Redis.DB, "REDIS_DB")
	e.int(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	e.bool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	e.str(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	// ── S3 / Archive ──
	e.str(&cfg.S3.Endpoint, "S3_ENDPOINT")
	e.str(&cfg.S3.Region, "S3_REGION")
	e.str(&cfg.S3.Bucket, "S3_BUCKET")
	e.str(&cfg.S3.Prefix, "S3_PREFIX")
	e.str(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	e.str(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	e.bool(&cfg.S3.UseSSL, "S3_USE_SSL")
	e.bool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	e.bool(&cfg.Archive.Enabled, "ARCHIVE_ENABLED")
	e.duration(&cfg.Archive.Interval, "ARCHIVE_INTERVAL")
	e.int(&cfg.Archive.RetentionDays, "ARCHIVE_RETENTION_DAYS")
	e.bool(&cfg.Archive.IncludeAudit, "ARCHIVE_INCLUDE_AUDIT")

	// ── Server ──
	e.bool(&cfg.Server.Enabled, "SERVER_ENABLED")
	e.int(&cfg.Server.Port, "SERVER_PORT")
	e.strings(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	e.str(&cfg.Server.APIKey, "SERVER_API_KEY")
	e.int(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")
	e.duration(&cfg.Server.RateWindow, "SERVER_RATE_WINDOW")
	e.bool(&cfg.Server.RequireSignatures, "SERVER_REQUIRE_SIGNATURES")
	e.str(&cfg.Server.SignatureDomain, "SERVER_SIGNATURE_DOMAIN")
	e.int64(&cfg.Server.SignatureChainID, "SERVER_SIGNATURE_CHAIN_ID")
	e.duration(&cfg.Server.SignatureMaxAge, "SERVER_SIGNATURE_MAX_AGE")

	// ── Notify ──
	e.str(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	e.str(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	e.str(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	e.strings(&cfg.Notify.Events, "NOTIFY_EVENTS")
	e.str(&cfg.Notify.Prefix, "NOTIFY_PREFIX")
	e.duration(&cfg.Notify.Cooldown, "NOTIFY_COOLDOWN")

	// ── Top-level ──
	e.str(&cfg.Mode, "MODE")
	e.str(&cfg.LogLevel, "LOG_LEVEL")

	if len(e.errs) > 0 {
		return fmt.Errorf("config: invalid environment overrides:\n  - %s", strings.Join(e.errs, "\n  - "))
	}
	return nil
}

// envReader applies typed overrides and collects parse failures.
type envReader struct {
	errs []string
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	return v, v != ""
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Sprintf("%s%s=%q: %v", envPrefix, key, v, err))
}

func (e *envReader) str(dst *string, key string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) int(dst *int, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(dst *int64, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uint64(dst *uint64, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uint8(dst *uint8, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = uint8(n)
	}
}

func (e *envReader) bool(dst *bool, key string) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(dst *duration, key string) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		dst.Duration = d
	}
}

func (e *envReader) strings(dst *[]string, key string) {
	if v, ok := e.lookup(key); ok {
		var cleaned []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
