package infrastructure

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"pointbrew/internal/config"
	"pointbrew/internal/merchant"
	"pointbrew/internal/repository"
	"pointbrew/internal/reward"
	"pointbrew/internal/service"
	"pointbrew/internal/token"
	transportGRPC "pointbrew/internal/transport/grpc"
	transportHTTP "pointbrew/internal/transport/http"
	transportNATS "pointbrew/internal/transport/nats"
	"pointbrew/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, func(), error) {
	var cleanupFns []func()
	fail := func(err error) (*App, func(), error) {
		runCleanup(cleanupFns)()
		return nil, nil, err
	}

	registry, err := LoadRegistry(cfg.MerchantKeys())
	if err != nil {
		return fail(err)
	}
	catalog, err := LoadRewards(cfg.RewardsFile)
	if err != nil {
		return fail(err)
	}

	// ── Store ──────────────────────────────────────────────────────────────────
	var store repository.LedgerStore
	var archive *repository.PostgresStore

	switch cfg.StoreProvider {
	case "postgres":
		db, err := connectPostgres(ctx, cfg.DSN())
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, db.Close)
		store = repository.NewPostgresStore(db)

	case "redis":
		rdb, err := connectRedis(ctx, cfg.RedisAddr())
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
		store = repository.NewRedisStore(rdb)

		if cfg.Enabled(cfg.ArchiveEnabled) {
			db, err := connectPostgres(ctx, cfg.DSN())
			if err != nil {
				return fail(err)
			}
			cleanupFns = append(cleanupFns, db.Close)
			archive = repository.NewPostgresStore(db)
		}

	case "memory":
		logger.Warn("Using the in-memory store, balances are lost on restart")
		store = repository.NewMemoryStore()

	default:
		return fail(fmt.Errorf("unknown store provider %q", cfg.StoreProvider))
	}

	// ── Bus ────────────────────────────────────────────────────────────────────
	var nc *nats.Conn
	opts := []service.Option{service.WithRewards(catalog)}
	if cfg.BusProvider == "nats" {
		nc, err = connectNats(cfg.NatsAddr(), logger)
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, nc.Close)
		opts = append(opts, service.WithBus(transportNATS.NewBus(nc)))
	}

	engine := service.NewEngine(store, token.NewCodec(registry), registry, logger.Named("engine"),
		service.Config{
			MaxAttempts: cfg.CASMaxAttempts,
			Backoff:     cfg.CASBackoff,
			MaxBackoff:  cfg.CASMaxBackoff,
		}, opts...)

	// ── Servers ────────────────────────────────────────────────────────────────
	var servers []Server
	if nc != nil {
		servers = append(servers, transportNATS.NewHandler(engine, nc, logger.Named("nats")))
		if archive != nil {
			servers = append(servers, worker.NewArchiveWorker(archive, nc, logger.Named("archive")))
		}
	}
	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		servers = append(servers, transportHTTP.NewServer(addr, engine, logger.Named("http")))
	}
	if addr, grpcErr := cfg.GRPCAddr(); grpcErr == nil {
		servers = append(servers, transportGRPC.NewServer(addr, engine, logger.Named("grpc")))
	}
	if len(servers) == 0 {
		return fail(fmt.Errorf("nothing to serve: enable the HTTP API, gRPC or the NATS bus"))
	}

	logger.Info("Ledger wired",
		zap.String("store", cfg.StoreProvider),
		zap.String("bus", cfg.BusProvider),
		zap.Bool("archive", archive != nil),
		zap.Int("servers", len(servers)))

	return NewApp(servers, logger), runCleanup(cleanupFns), nil
}

// LoadRegistry builds the merchant registry from a key file, or derives keys
// for the configured merchants from the master key.
func LoadRegistry(keys config.MerchantKeys) (*merchant.Registry, error) {
	if keys.File != "" {
		return merchant.LoadFile(keys.File)
	}
	return merchant.NewDerivedRegistry([]byte(keys.MasterKey), keys.Merchants)
}

// LoadRewards reads the reward catalog, falling back to the built-in one.
func LoadRewards(path string) (*reward.Catalog, error) {
	if path == "" {
		return reward.Default(), nil
	}
	return reward.LoadFile(path)
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
