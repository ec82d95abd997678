package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/Sternrassler/transparencia-etl/pkg/cache"
	"github.com/Sternrassler/transparencia-etl/pkg/client"
	"github.com/Sternrassler/transparencia-etl/pkg/config"
	"github.com/Sternrassler/transparencia-etl/pkg/logging"
	"github.com/Sternrassler/transparencia-etl/pkg/metrics"
	"github.com/Sternrassler/transparencia-etl/pkg/pipeline"
	"github.com/Sternrassler/transparencia-etl/pkg/ratelimit"
	"github.com/Sternrassler/transparencia-etl/pkg/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	// Storage backends register themselves with the storage registry.
	_ "github.com/Sternrassler/transparencia-etl/pkg/storage/postgres"
	_ "github.com/Sternrassler/transparencia-etl/pkg/storage/sqlite"
)

// app holds the components a command wires together. Fields stay nil when
// the command does not need them.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	repo     storage.Repository
	client   *client.Client
	fetchers pipeline.FetcherFactory
	redis    *redis.Client
}

// loadConfig reads the configuration and sets up logging on cmd's stderr.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	logging.Setup(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	return cfg, logging.NewLogger("cli"), nil
}

// newApp loads and validates the configuration, then opens storage and, when
// withClient is set, the Portal client. Startup failures surface here, before
// any request is sent.
func newApp(ctx context.Context, cmd *cobra.Command, opts *rootOptions, withClient bool) (*app, error) {
	cfg, logger, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if withClient {
		if err := cfg.RequireAPIKey(); err != nil {
			return nil, err
		}
	}

	a := &app{cfg: cfg, logger: logger}

	if withClient && cfg.NeedsRedis() {
		if a.redis, err = openRedis(ctx, cfg.Redis.URL); err != nil {
			return nil, err
		}
	}

	if a.repo, err = openRepository(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}

	if withClient {
		if a.client, a.fetchers, err = newClient(cfg, a.redis, logger); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

// Close releases every opened component.
func (a *app) Close() {
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.repo != nil {
		a.repo.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

// pipelineConfig maps the configuration onto the pagination policy.
func (a *app) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		FullPageThreshold: a.cfg.Pipeline.FullPageThreshold,
		MaxPages:          a.cfg.Pipeline.MaxPages,
		PeriodCooldown:    a.cfg.Pipeline.PeriodCooldown,
		Concurrency:       a.cfg.Pipeline.Concurrency,
	}
}

func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	repo, err := storage.Open(ctx, storage.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN(),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, nil
}

// openRedis accepts either a redis:// URL or a bare host:port.
func openRedis(ctx context.Context, addr string) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		opts = parsed
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// newClient builds the Portal client with its governor and cache. The memory
// cache is run-scoped: the returned factory gives every period a fresh store.
func newClient(cfg *config.Config, rdb *redis.Client, logger zerolog.Logger) (*client.Client, pipeline.FetcherFactory, error) {
	cc := client.DefaultConfig(cfg.Portal.APIKey)
	cc.BaseURL = cfg.Portal.BaseURL
	cc.UserAgent = cfg.Portal.UserAgent
	cc.Timeout = cfg.Portal.Timeout
	cc.Retry.MaxAttempts = cfg.Portal.MaxRetries
	cc.Retry.RetryInterval = cfg.Portal.RetryInterval

	if cfg.Portal.SharedRateLimit && rdb != nil {
		cc.Governor = ratelimit.NewShared(rdb, cfg.Portal.RateMinInterval, logger)
	} else {
		cc.Governor = ratelimit.NewLocal(cfg.Portal.RateMinInterval, ratelimit.WithLogger(logger))
	}

	var newStore func() cache.Store
	switch cfg.Cache.Backend {
	case config.CacheMemory:
		newStore = func() cache.Store {
			return cache.NewMemoryStore(cfg.Cache.Capacity, cfg.Cache.TTL)
		}
	case config.CacheRedis:
		if rdb != nil {
			cc.Cache = cache.NewRedisStore(rdb, cfg.Cache.TTL)
		}
	}

	c, err := client.New(cc)
	if err != nil {
		return nil, nil, err
	}
	return c, pipeline.RunScoped(c, newStore), nil
}

// serveMetrics starts the metrics server when addr is set. The returned stop
// function shuts it down.
func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}

	srv, err := metrics.Listen(addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ctx); err != nil {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}
