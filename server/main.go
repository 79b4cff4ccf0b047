package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/tollgate/pkg/cache"
	"github.com/haasonsaas/tollgate/pkg/config"
	"github.com/haasonsaas/tollgate/pkg/counter"
	"github.com/haasonsaas/tollgate/pkg/health"
	"github.com/haasonsaas/tollgate/pkg/origin"
	"github.com/haasonsaas/tollgate/pkg/rules"
	"github.com/haasonsaas/tollgate/pkg/telemetry"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configPath  = flag.String("config", "tollgate.yaml", "Config file path")
	listen      = flag.String("listen", "", "Proxy listen address (overrides config)")
	adminListen = flag.String("admin-listen", "", "Admin listen address (overrides config)")
	rulesFile   = flag.String("rules", "", "Rule table file (overrides config)")
	originURL   = flag.String("origin", "", "Origin base URL (overrides config)")
	Version     = "dev"
)

func main() {
	flag.Parse()

	configureLogger()
	log.Info().Str("version", Version).Msg("Tollgate starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// CLI overrides
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *adminListen != "" {
		cfg.Server.AdminListen = *adminListen
	}
	if *rulesFile != "" {
		cfg.RateLimit.RulesFile = *rulesFile
	}
	if *originURL != "" {
		cfg.Origin.URL = *originURL
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	applyLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log.Logger); err != nil {
		log.Fatal().Err(err).Msg("Tollgate stopped with error")
	}
	log.Info().Msg("Tollgate stopped")
}

func configureLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("TOLLGATE_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	log.Logger = newLogger("console").Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}
	format := "console"
	if cfg.JSON {
		format = "json"
	}
	log.Logger = newLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func newLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func newCounterStore(cfg *config.ProxyConfig) (counter.Store, error) {
	switch cfg.RateLimit.Backend {
	case "sqlite":
		return counter.OpenSQLite(cfg.RateLimit.SQLitePath)
	case "redis":
		return counter.NewRedisStore(newRedisClient(cfg.Redis), cfg.Redis.KeyPrefix+"rl:", cfg.IdleTTL()), nil
	default:
		return counter.NewMemoryStore(cfg.RateLimit.Shards), nil
	}
}

// newCacheStore returns nil when caching is disabled.
func newCacheStore(cfg *config.ProxyConfig) cache.Store {
	switch cfg.Cache.Backend {
	case "none":
		return nil
	case "redis":
		return cache.NewRedisStore(newRedisClient(cfg.Redis), cfg.Redis.KeyPrefix+"cache:")
	default:
		return cache.NewMemoryStore(time.Now)
	}
}

// app holds everything run builds so shutdown can tear it down in order.
type app struct {
	edge      *Edge
	counter   *counter.Counter
	cache     cache.Store
	populator *cache.Populator
	proxy     *gin.Engine
	admin     *gin.Engine
}

func build(cfg *config.ProxyConfig, logger zerolog.Logger) (*app, error) {
	table, err := rules.Load(cfg.RateLimit.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	if err := cfg.CheckIdleTTL(table.MaxWindow()); err != nil {
		return nil, err
	}

	client, err := origin.New(origin.Options{
		BaseURL:         cfg.Origin.URL,
		Secret:          cfg.Origin.Secret,
		Timeout:         cfg.OriginTimeout(),
		MaxRPS:          cfg.Origin.MaxRPS,
		Burst:           cfg.Origin.Burst,
		RetryInitialMs:  cfg.Origin.RetryInitialMs,
		RetryMaxMs:      cfg.Origin.RetryMaxMs,
		RetryMaxRetries: cfg.Origin.RetryMaxRetries,
		Logger:          logger.With().Str("component", "origin").Logger(),
	})
	if err != nil {
		return nil, err
	}

	store, err := newCounterStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s bucket store: %w", cfg.RateLimit.Backend, err)
	}
	limiter := counter.New(store, counter.Options{Shards: cfg.RateLimit.Shards})

	a := &app{counter: limiter, cache: newCacheStore(cfg)}
	if a.cache != nil {
		a.populator = cache.NewPopulator(a.cache, cfg.CacheWriteTimeout(), logger.With().Str("component", "cache").Logger())
	}

	a.edge = NewEdge(EdgeOptions{
		Rules:            table,
		Counter:          limiter,
		Cache:            a.cache,
		Populator:        a.populator,
		Origin:           client,
		AllowedOrigin:    cfg.CORS.AllowedOrigin,
		FailMode:         cfg.RateLimit.FailMode,
		ClientIPHeader:   cfg.RateLimit.ClientIPHeader,
		RateLimitTimeout: cfg.RateLimitTimeout(),
		LookupTimeout:    cfg.CacheLookupTimeout(),
		CacheTTL:         cfg.CacheTTL(),
		Logger:           logger,
	})

	a.proxy = gin.New()
	a.proxy.Use(gin.Recovery(), withRequestContext(logger), accessLog(logger))
	a.edge.registerRoutes(a.proxy)

	components := map[string]health.Pinger{"rate_limit_store": limiter}
	if a.cache != nil {
		components["cache_store"] = a.cache
	}
	admin := &adminAPI{
		edge:       a.edge,
		token:      cfg.Server.AdminToken,
		healthPath: cfg.Origin.HealthPath,
		components: components,
		version:    Version,
		logger:     logger,
	}
	a.admin = gin.New()
	a.admin.Use(gin.Recovery(), withRequestContext(logger))
	admin.registerRoutes(a.admin)

	log.Info().
		Int("rate_rules", len(table.Entries())).
		Str("rate_backend", cfg.RateLimit.Backend).
		Str("cache_backend", cfg.Cache.Backend).
		Str("fail_mode", string(cfg.RateLimit.FailMode)).
		Str("origin", client.BaseURL()).
		Msg("Configuration loaded")
	return a, nil
}

func run(ctx context.Context, cfg *config.ProxyConfig, logger zerolog.Logger) error {
	gin.SetMode(gin.ReleaseMode)

	tp, err := telemetry.Setup(ctx, "tollgate", Version, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	a, err := build(cfg, logger)
	if err != nil {
		tp.Shutdown(context.Background())
		return err
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		a.counter.RunSweeper(sweepCtx, cfg.SweepInterval(), cfg.IdleTTL(), logger.With().Str("component", "sweeper").Logger())
	}()

	proxySrv := &http.Server{Addr: cfg.Server.Listen, Handler: a.proxy, ReadHeaderTimeout: 10 * time.Second}
	servers := []*http.Server{proxySrv}
	if cfg.Server.AdminListen != "" {
		servers = append(servers, &http.Server{Addr: cfg.Server.AdminListen, Handler: a.admin, ReadHeaderTimeout: 10 * time.Second})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("addr", srv.Addr).Msg("Server shutdown incomplete")
		}
	}
	if a.populator != nil {
		if err := a.populator.Flush(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Cache writes abandoned at shutdown")
		}
	}
	stopSweeper()
	<-sweeperDone
	if err := a.counter.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing bucket store failed")
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing cache store failed")
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Tracer shutdown failed")
	}
	return runErr
}
