// Package config defines the stakeledger configuration tree and its
// validation rules.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by STAKELEDGER_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Custody  CustodyConfig  `toml:"custody"`
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LedgerConfig holds the construction-time ledger parameters.
type LedgerConfig struct {
	Asset                    string   `toml:"asset"`
	InitialAPR               uint64   `toml:"initial_apr"`
	MinLockDuration          duration `toml:"min_lock_duration"`
	APRReductionPerThousand  uint64   `toml:"apr_reduction_per_thousand"`
	EmergencyWithdrawPenalty uint64   `toml:"emergency_withdraw_penalty"`
	TokenDecimals            uint8    `toml:"token_decimals"`
	SinglePositionPerOwner   bool     `toml:"single_position_per_owner"`
	ForfeitRewardOnEmergency bool     `toml:"forfeit_reward_on_emergency"`
	// AuditInterval is how often pool conservation is re-checked. Zero
	// disables the auditor.
	AuditInterval duration `toml:"audit_interval"`
}

// CustodyConfig selects where staked funds are held.
type CustodyConfig struct {
	// Driver is "token" for the in-process token book or "evm" for an ERC20
	// contract on an EVM chain.
	Driver string             `toml:"driver"`
	Token  TokenCustodyConfig `toml:"token"`
	EVM    EVMCustodyConfig   `toml:"evm"`
}

// TokenCustodyConfig describes the in-process fixed-supply token.
type TokenCustodyConfig struct {
	Name     string `toml:"name"`
	Symbol   string `toml:"symbol"`
	Supply   string `toml:"supply"`
	Treasury string `toml:"treasury"`
	Vault    string `toml:"vault"`
	// RewardReserve is moved from the treasury into the vault at startup so
	// rewards can be paid.
	RewardReserve string `toml:"reward_reserve"`
}

// EVMCustodyConfig describes an ERC20 custody on an EVM chain.
type EVMCustodyConfig struct {
	RPCURL           string   `toml:"rpc_url"`
	ChainID          int64    `toml:"chain_id"`
	TokenAddress     string   `toml:"token_address"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	PollInterval     duration `toml:"poll_interval"`
	ConfirmTimeout   duration `toml:"confirm_timeout"`
}

// StoreConfig selects the position store.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `toml:"driver"`
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

// RedisConfig holds Redis connection parameters. When disabled, in-process
// locks, bus and rate limiter are used instead.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	URL        string `toml:"url"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	StreamMax  int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the settled-position archive job.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	IncludeAudit  bool     `toml:"include_audit"`
}

// duration wraps time.Duration so TOML strings like "5m" decode.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	// RequireSignatures makes mutating endpoints demand an EIP-712
	// signature from the position owner.
	RequireSignatures bool     `toml:"require_signatures"`
	SignatureDomain   string   `toml:"signature_domain"`
	SignatureChainID  int64    `toml:"signature_chain_id"`
	SignatureMaxAge   duration `toml:"signature_max_age"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Prefix            string   `toml:"prefix"`
	Cooldown          duration `toml:"cooldown"`
}

// Defaults returns a Config that runs a single in-memory node.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			Asset:                    "STK",
			InitialAPR:               500,
			MinLockDuration:          duration{7 * 24 * time.Hour},
			APRReductionPerThousand:  10,
			EmergencyWithdrawPenalty: 10,
			TokenDecimals:            18,
			AuditInterval:            duration{time.Minute},
		},
		Custody: CustodyConfig{
			Driver: "token",
			Token: TokenCustodyConfig{
				Name:          "Stake Token",
				Symbol:        "STK",
				Supply:        "1000000000000000000000000000",
				Treasury:      "0x000000000000000000000000000000000000dEaD",
				Vault:         "0x0000000000000000000000000000000000005741",
				RewardReserve: "10000000000000000000000000",
			},
			EVM: EVMCustodyConfig{
				ChainID:        1,
				PollInterval:   duration{2 * time.Second},
				ConfirmTimeout: duration{2 * time.Minute},
			},
		},
		Store: StoreConfig{Driver: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "stakeledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "stakeledger",
			StreamMax:  100_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "stakeledger-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:      duration{24 * time.Hour},
			RetentionDays: 30,
			IncludeAudit:  true,
		},
		Server: ServerConfig{
			Enabled:           true,
			Port:              8000,
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:         20,
			RateWindow:        duration{time.Second},
			RequireSignatures: true,
			SignatureDomain:   "stakeledger",
			SignatureChainID:  1,
			SignatureMaxAge:   duration{10 * time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"emergency_withdraw", "transfer_failed", "transfer_unconfirmed", "invariant_drift"},
			Cooldown: duration{5 * time.Minute},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"serve":   true,
	"archive": true,
	"full":    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks c and returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger parameters are checked in depth by ledger.Params.Validate; only
	// config-specific shapes are checked here.
	if strings.TrimSpace(c.Ledger.Asset) == "" {
		errs = append(errs, "ledger: asset must not be empty")
	}
	if c.Ledger.MinLockDuration.Duration < 0 {
		errs = append(errs, "ledger: min_lock_duration must not be negative")
	}
	if c.Ledger.AuditInterval.Duration < 0 {
		errs = append(errs, "ledger: audit_interval must not be negative")
	}

	switch c.Custody.Driver {
	case "token":
		errs = append(errs, c.Custody.Token.validate()...)
	case "evm":
		errs = append(errs, c.Custody.EVM.validate()...)
	default:
		errs = append(errs, fmt.Sprintf("custody: unknown driver %q (valid: token, evm)", c.Custody.Driver))
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		errs = append(errs, c.Postgres.validate()...)
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: memory, postgres)", c.Store.Driver))
	}

	if c.Redis.Enabled {
		if c.Redis.URL == "" && c.Redis.Addr == "" {
			errs = append(errs, "redis: url or addr must be set when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	mode := strings.ToLower(c.Mode)
	if mode == "archive" && c.Store.Driver != "postgres" {
		errs = append(errs, "archive mode requires store.driver = postgres")
	}
	if c.Archive.Enabled || mode == "archive" || mode == "full" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archiving")
		}
		if c.Archive.RetentionDays < 0 {
			errs = append(errs, "archive: retention_days must be >= 0")
		}
		if mode != "archive" && c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RequireSignatures {
			if c.Server.SignatureDomain == "" {
				errs = append(errs, "server: signature_domain must be set when require_signatures is on")
			}
			if c.Server.SignatureMaxAge.Duration <= 0 {
				errs = append(errs, "server: signature_max_age must be > 0")
			}
		} else if c.Server.APIKey == "" {
			// The owner field of an unsigned request is not authenticated.
			errs = append(errs, "server: require_signatures or api_key must be set")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (t TokenCustodyConfig) validate() []string {
	var errs []string
	if t.Symbol == "" {
		errs = append(errs, "custody.token: symbol must not be empty")
	}
	supply, supplyErr := uint256.FromDecimal(t.Supply)
	if supplyErr != nil || supply.IsZero() {
		errs = append(errs, fmt.Sprintf("custody.token: supply must be a positive integer, got %q", t.Supply))
	}
	if t.RewardReserve != "" {
		reserve, err := uint256.FromDecimal(t.RewardReserve)
		if err != nil {
			errs = append(errs, fmt.Sprintf("custody.token: reward_reserve must be an integer, got %q", t.RewardReserve))
		} else if supplyErr == nil && reserve.Gt(supply) {
			errs = append(errs, "custody.token: reward_reserve exceeds supply")
		}
	}
	if !validAddress(t.Treasury) {
		errs = append(errs, fmt.Sprintf("custody.token: treasury %q is not a non-zero address", t.Treasury))
	}
	if !validAddress(t.Vault) {
		errs = append(errs, fmt.Sprintf("custody.token: vault %q is not a non-zero address", t.Vault))
	}
	if strings.EqualFold(t.Treasury, t.Vault) {
		errs = append(errs, "custody.token: treasury and vault must differ")
	}
	return errs
}

func (e EVMCustodyConfig) validate() []string {
	var errs []string
	if e.RPCURL == "" {
		errs = append(errs, "custody.evm: rpc_url must not be empty")
	}
	if e.ChainID <= 0 {
		errs = append(errs, "custody.evm: chain_id must be positive")
	}
	if !validAddress(e.TokenAddress) {
		errs = append(errs, fmt.Sprintf("custody.evm: token_address %q is not a non-zero address", e.TokenAddress))
	}
	if e.PrivateKey == "" && e.EncryptedKeyPath == "" {
		errs = append(errs, "custody.evm: either private_key or encrypted_key_path must be set")
	}
	if e.EncryptedKeyPath != "" && e.KeyPassword == "" {
		errs = append(errs, "custody.evm: key_password is required when encrypted_key_path is set")
	}
	return errs
}

func (p PostgresConfig) validate() []string {
	var errs []string
	if strings.TrimSpace(p.DSN) == "" {
		if p.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if p.Port <= 0 || p.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", p.Port))
		}
		if p.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if p.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if p.PoolMinConns < 0 || p.PoolMinConns > p.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}
	return errs
}

func validAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}
