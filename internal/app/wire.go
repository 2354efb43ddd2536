package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	s3blob "github.com/alanyoungcy/stakeledger/internal/blob/s3"
	"github.com/alanyoungcy/stakeledger/internal/cache/local"
	"github.com/alanyoungcy/stakeledger/internal/cache/redis"
	"github.com/alanyoungcy/stakeledger/internal/config"
	"github.com/alanyoungcy/stakeledger/internal/crypto"
	"github.com/alanyoungcy/stakeledger/internal/custody/evm"
	"github.com/alanyoungcy/stakeledger/internal/custody/token"
	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/ledger"
	"github.com/alanyoungcy/stakeledger/internal/notify"
	"github.com/alanyoungcy/stakeledger/internal/server/handler"
	"github.com/alanyoungcy/stakeledger/internal/service"
	"github.com/alanyoungcy/stakeledger/internal/store/memory"
	"github.com/alanyoungcy/stakeledger/internal/store/postgres"
)

// localStreamMax bounds the in-process ledger stream when Redis is off.
const localStreamMax = 10_000

// stakeStore is what the ledger and the archiver need from a position store.
type stakeStore interface {
	domain.StakeStore
	s3blob.SettledSource
}

// Dependencies bundles everything the application modes need. It is built
// by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Stakes stakeStore
	Audit  domain.AuditStore

	// Custody. Token and Treasury are set only for the token driver.
	Custody  domain.AssetCustody
	Token    *token.Token
	Treasury common.Address

	// Coordination
	Locks   domain.LockManager
	Bus     domain.SignalBus
	Limiter domain.RateLimiter
	Replay  domain.ReplayGuard

	// Blob storage; nil unless archiving.
	Archiver domain.Archiver

	Notifier *notify.Notifier
	Ledger   *ledger.Ledger
	Staking  *service.StakingService

	// Checks probe external dependencies for the health endpoint.
	Checks []handler.Check
}

// needsArchive reports whether the configuration runs the archiver.
func needsArchive(cfg *config.Config) bool {
	mode := strings.ToLower(cfg.Mode)
	return cfg.Archive.Enabled || mode == "archive" || mode == "full"
}

// LedgerParams maps the ledger section of the configuration.
func LedgerParams(c config.LedgerConfig) ledger.Params {
	return ledger.Params{
		Asset:                    c.Asset,
		InitialAPR:               c.InitialAPR,
		MinLockDuration:          c.MinLockDuration.Duration,
		APRReductionPerThousand:  c.APRReductionPerThousand,
		EmergencyWithdrawPenalty: c.EmergencyWithdrawPenalty,
		TokenDecimals:            c.TokenDecimals,
		SinglePositionPerOwner:   c.SinglePositionPerOwner,
		ForfeitRewardOnEmergency: c.ForfeitRewardOnEmergency,
	}
}

// Wire constructs every dependency from cfg and returns them with a cleanup
// function that releases connections in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}
	params := LedgerParams(cfg.Ledger)

	// --- Stores ---
	switch cfg.Store.Driver {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		stakes, err := postgres.NewStakeStore(ctx, pgClient.Pool(), params.Asset)
		if err != nil {
			return fail(fmt.Errorf("wire: stake store: %w", err))
		}
		deps.Stakes = stakes
		deps.Audit = postgres.NewAuditStore(pgClient.Pool())
		deps.Checks = append(deps.Checks, handler.Check{Name: "postgres", Probe: pgClient.Ping})
	default:
		deps.Stakes = memory.NewStakeStore()
		deps.Audit = memory.NewAuditStore()
	}

	// --- Custody ---
	switch cfg.Custody.Driver {
	case "evm":
		custody, closeNode, err := wireEVMCustody(ctx, cfg, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, closeNode)
		deps.Custody = custody
	default:
		tok, treasury, vault, err := wireToken(cfg)
		if err != nil {
			return fail(err)
		}
		if cfg.Store.Driver == "postgres" {
			logger.WarnContext(ctx, "wire: token custody is in-process; balances reset on restart while positions persist")
		}
		deps.Token = tok
		deps.Treasury = treasury
		deps.Custody = token.NewCustody(tok, vault)
	}

	// --- Coordination: Redis when enabled, in-process otherwise ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient, logger)
		deps.Bus = redis.NewSignalBusWithMaxLen(redisClient, cfg.Redis.StreamMax)
		deps.Limiter = redis.NewRateLimiter(redisClient, cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
		deps.Replay = redis.NewReplayGuard(redisClient)
		deps.Checks = append(deps.Checks, handler.Check{Name: "redis", Probe: redisClient.Ping})
	} else {
		deps.Locks = local.NewLockManager()
		deps.Bus = local.NewSignalBus(localStreamMax)
		deps.Limiter = local.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
		deps.Replay = local.NewReplayGuard()
	}

	// --- S3 archive ---
	if needsArchive(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Stakes,
			deps.Audit,
			logger,
		)
		deps.Checks = append(deps.Checks, handler.Check{Name: "s3", Probe: s3Client.Health})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger,
		notify.WithPrefix(cfg.Notify.Prefix),
		notify.WithCooldown(cfg.Notify.Cooldown.Duration),
	)

	// --- Ledger ---
	l, err := ledger.New(params, deps.Stakes, deps.Custody, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: ledger: %w", err))
	}
	deps.Ledger = l
	deps.Staking = service.NewStakingService(l, deps.Locks, deps.Bus, deps.Audit, logger).
		WithNotifier(deps.Notifier)

	return deps, cleanup, nil
}

// wireToken mints the in-process token and funds the vault's reward reserve.
func wireToken(cfg *config.Config) (*token.Token, common.Address, common.Address, error) {
	tc := cfg.Custody.Token
	treasury := common.HexToAddress(tc.Treasury)
	vault := common.HexToAddress(tc.Vault)

	supply, err := uint256.FromDecimal(tc.Supply)
	if err != nil {
		return nil, treasury, vault, fmt.Errorf("wire: token supply: %w", err)
	}
	tok, err := token.New(tc.Name, tc.Symbol, cfg.Ledger.TokenDecimals, supply, treasury)
	if err != nil {
		return nil, treasury, vault, fmt.Errorf("wire: token: %w", err)
	}
	if tc.RewardReserve != "" {
		reserve, err := uint256.FromDecimal(tc.RewardReserve)
		if err != nil {
			return nil, treasury, vault, fmt.Errorf("wire: reward reserve: %w", err)
		}
		if !reserve.IsZero() {
			if err := tok.Transfer(treasury, vault, reserve); err != nil {
				return nil, treasury, vault, fmt.Errorf("wire: fund reward reserve: %w", err)
			}
		}
	}
	return tok, treasury, vault, nil
}

// wireEVMCustody dials the node, loads the vault key and checks that the
// contract's decimals match the ledger's.
func wireEVMCustody(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*evm.Custody, func(), error) {
	ec := cfg.Custody.EVM

	client, err := ethclient.DialContext(ctx, ec.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: dial evm node: %w", err)
	}
	key, err := crypto.LoadKey(crypto.KeySource{
		RawHex:        ec.PrivateKey,
		EncryptedPath: ec.EncryptedKeyPath,
		Password:      ec.KeyPassword,
	})
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("wire: custody key: %w", err)
	}
	signer, err := crypto.NewSigner(key, ec.ChainID)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("wire: custody signer: %w", err)
	}

	custody, err := evm.NewCustody(common.HexToAddress(ec.TokenAddress), client, signer, evm.Config{
		PollInterval:   ec.PollInterval.Duration,
		ConfirmTimeout: ec.ConfirmTimeout.Duration,
	}, logger)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("wire: evm custody: %w", err)
	}

	decimals, err := custody.Decimals(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("wire: token decimals: %w", err)
	}
	if decimals != cfg.Ledger.TokenDecimals {
		client.Close()
		return nil, nil, fmt.Errorf("wire: contract has %d decimals, ledger.token_decimals is %d", decimals, cfg.Ledger.TokenDecimals)
	}

	logger.InfoContext(ctx, "wire: evm custody ready",
		slog.String("token", ec.TokenAddress),
		slog.String("vault", signer.Address().Hex()),
		slog.Int64("chain_id", ec.ChainID),
	)
	return custody, client.Close, nil
}
