package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/mveldt/tokensniper/internal/blob/s3"
	"github.com/mveldt/tokensniper/internal/cache/redis"
	"github.com/mveldt/tokensniper/internal/chain"
	"github.com/mveldt/tokensniper/internal/config"
	"github.com/mveldt/tokensniper/internal/domain"
	"github.com/mveldt/tokensniper/internal/exec"
	"github.com/mveldt/tokensniper/internal/notify"
	"github.com/mveldt/tokensniper/internal/platform/tokenguard"
	"github.com/mveldt/tokensniper/internal/route"
	"github.com/mveldt/tokensniper/internal/safety"
	"github.com/mveldt/tokensniper/internal/selllock"
	"github.com/mveldt/tokensniper/internal/server"
	"github.com/mveldt/tokensniper/internal/service"
	"github.com/mveldt/tokensniper/internal/store/postgres"
	"github.com/mveldt/tokensniper/internal/venue/fourmeme"
	"github.com/mveldt/tokensniper/internal/venue/oneinch"
	"github.com/mveldt/tokensniper/internal/venue/pancake"
)

// Dependencies bundles every component the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Chain  *chain.Client
	Wallet *chain.Wallet

	PositionStore domain.PositionStore
	TradeStore    domain.TradeStore
	AuditStore    domain.AuditStore

	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	Resolver    *route.Resolver
	Validator   *safety.Validator
	Locks       *selllock.Registry
	Coordinator *exec.Coordinator

	PositionService *service.PositionService
	TradeService    *service.TradeService

	BlobWriter domain.BlobWriter
	Notifier   *notify.Notifier

	// Probes feed the ops server /healthz endpoint.
	Probes map[string]server.HealthProbe
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function.
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

	deps := &Dependencies{Probes: map[string]server.HealthProbe{}}

	// --- Chain RPC + signing wallet ---
	chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.PollInterval.Duration)
	if err != nil {
		return fail(fmt.Errorf("wire: chain: %w", err))
	}
	closers = append(closers, chainClient.Close)
	deps.Chain = chainClient

	key, err := chain.ResolveKey(chain.KeySource{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		Password:         cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: wallet key: %w", err))
	}
	wallet, err := chain.NewWallet(key, cfg.Chain.ChainID, chainClient, cfg.Chain.GasLimitSwap)
	if err != nil {
		return fail(fmt.Errorf("wire: wallet: %w", err))
	}
	deps.Wallet = wallet

	// --- PostgreSQL ---
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
	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.Probes["postgres"] = pgClient.Health

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Probes["redis"] = redisClient.Ping

	// --- Venues, in strict priority order ---
	venues, err := buildVenues(cfg, chainClient)
	if err != nil {
		return fail(err)
	}
	deps.Resolver = route.NewResolver(venues, deps.RateLimiter, route.RateLimits{
		PerVenue: cfg.Venues.OneInch.QuoteLimit,
		Window:   cfg.Venues.OneInch.QuoteWindow.Duration,
	}, logger)

	// --- Safety ---
	var guard safety.RiskScanner
	if cfg.Safety.TokenGuardURL != "" {
		guard = tokenguard.NewClient(
			cfg.Safety.TokenGuardURL,
			cfg.Safety.TokenGuardAPIKey,
			cfg.Safety.TokenGuardTimeout.Duration,
		)
	}
	simulator := safety.NewSimulator(
		deps.Resolver, guard,
		cfg.Chain.ChainID, cfg.Chain.BaseToken,
		cfg.Safety.ProbeAmountBase, cfg.Engine.MaxSlippageBps,
		logger,
	)
	deps.Validator = safety.NewValidator(
		deps.Resolver, simulator,
		cfg.Chain.BaseToken,
		cfg.Safety.TaxBlockThresholdBps, cfg.Engine.MaxSlippageBps,
		logger,
	)

	// --- Exit path ---
	deps.Locks = selllock.NewRegistry(cfg.Engine.LockMaxHold.Duration, logger)
	deps.TradeService = service.NewTradeService(deps.TradeStore, deps.AuditStore, logger)
	deps.PositionService = service.NewPositionService(
		deps.PositionStore, deps.PriceCache, deps.SignalBus, deps.AuditStore, logger,
	)
	deps.Coordinator = exec.NewCoordinator(
		deps.Resolver, deps.Locks, deps.PositionStore, chainClient, wallet,
		deps.TradeService,
		cfg.Chain.BaseToken,
		cfg.Engine.MaxSlippageBps, cfg.Engine.RetrySlippageBps,
		exec.Thresholds{
			DustUI:        cfg.Engine.DustFloorUI,
			RemainderFrac: cfg.Engine.RemainderFrac,
		},
		cfg.Chain.ConfirmTimeout.Duration,
		logger,
	)

	// --- S3 blob storage (archive only) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Probes["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// buildVenues constructs one client per entry in the configured priority
// list. Order is preserved; the resolver tries venues in this order.
func buildVenues(cfg *config.Config, chainClient *chain.Client) ([]domain.VenueClient, error) {
	venues := make([]domain.VenueClient, 0, len(cfg.Venues.Priority))
	for _, name := range cfg.Venues.Priority {
		switch name {
		case "oneinch":
			venues = append(venues, oneinch.NewClient(
				cfg.Venues.OneInch.BaseURL,
				cfg.Venues.OneInch.APIKey,
				cfg.Venues.OneInch.Timeout.Duration,
			))
		case "pancake":
			venues = append(venues, pancake.NewClient(
				cfg.Venues.Pancake.Router,
				chainClient,
				cfg.Venues.Pancake.Timeout.Duration,
			))
		case "fourmeme":
			venues = append(venues, fourmeme.NewClient(
				cfg.Venues.FourMeme.BaseURL,
				cfg.Venues.FourMeme.Timeout.Duration,
			))
		default:
			return nil, fmt.Errorf("wire: unknown venue %q in priority list", name)
		}
	}
	return venues, nil
}

// retention converts the configured retention days to a duration.
func retention(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Archive.RetentionDays) * 24 * time.Hour
}
