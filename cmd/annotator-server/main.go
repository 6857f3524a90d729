// Package main provides the HTTP server for batch annotation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/annotator/internal/batch"
	"github.com/raphaelgruber/annotator/internal/cache"
	"github.com/raphaelgruber/annotator/internal/config"
	"github.com/raphaelgruber/annotator/internal/db"
	"github.com/raphaelgruber/annotator/internal/events"
	"github.com/raphaelgruber/annotator/internal/ledger"
	"github.com/raphaelgruber/annotator/internal/metrics"
	"github.com/raphaelgruber/annotator/internal/provider"
	"github.com/raphaelgruber/annotator/internal/quality"
	"github.com/raphaelgruber/annotator/internal/server"
	"github.com/raphaelgruber/annotator/internal/source"
	"github.com/raphaelgruber/annotator/internal/store"
)

const version = "0.1.0"

func main() {
	addr := flag.String("addr", "", "listen address (overrides ANNOTATOR_LISTEN_ADDR)")
	flag.Parse()

	cfg := config.Load()
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	logger, cleanup := config.SetupLogger("annotator-server", cfg.LogFile, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		_ = cleanup()
		os.Exit(1)
	}
	_ = cleanup()
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Info("annotator-server starting",
		"version", version,
		"addr", cfg.ListenAddr,
		"store", cfg.Store,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backends
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	st, dbClient, closeStore, err := openStore(initCtx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer closeStore()

	pricing := provider.DefaultPricing()
	if cfg.PricingFile != "" {
		if pricing, err = provider.LoadPricing(cfg.PricingFile); err != nil {
			return fmt.Errorf("load pricing: %w", err)
		}
	}

	initCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
	router, err := buildRouter(initCtx, cfg, pricing, logger)
	cancel()
	if err != nil {
		return err
	}

	items := buildSources(cfg, dbClient)
	logger.Info("item sources ready", "sources", items.Names())

	// Shared services
	annotations := cache.New[batch.CachedResponse](cache.Config{
		DefaultTTL:    cfg.CacheTTL,
		NamespaceTTL:  cfg.CacheNamespaceTTLs,
		SweepInterval: cfg.CacheSweepInterval,
		Store:         st,
		Logger:        logger,
	})
	defer annotations.Close()

	usage := ledger.New(nil)
	collector := metrics.NewCollector()

	assessor := quality.NewAssessor(quality.Config{
		Store:     st,
		Extension: quality.DailyExtension{Days: 30},
		Logger:    logger,
	})
	if n, err := assessor.Restore(ctx); err != nil {
		logger.Warn("failed to restore reviews", "error", err)
	} else if n > 0 {
		logger.Info("restored reviews", "count", n)
	}

	bus := events.NewBus(cfg.EventBuffer, logger)
	defer bus.Close()
	hub := events.NewHub(bus, logger)
	defer hub.Close()

	orch, err := batch.New(batch.Config{
		Invoker:              metrics.InstrumentProvider(router, collector),
		Source:               items,
		Events:               bus,
		Cache:                annotations,
		Ledger:               usage,
		Assessor:             assessor,
		Store:                st,
		Logger:               logger,
		BackoffBase:          cfg.BackoffBase,
		BackoffMax:           cfg.BackoffMax,
		MaxConcurrentBatches: cfg.MaxConcurrentBatches,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	// Restore before starting workers so re-enqueued jobs run in priority order.
	n, err := orch.Restore(ctx)
	if err != nil {
		logger.Warn("failed to restore batch jobs", "error", err)
	} else if n > 0 {
		logger.Info("restored batch jobs", "count", n)
	}
	orch.Start(ctx)
	defer orch.Close()
	if cfg.RetentionInterval > 0 {
		orch.StartRetention(ctx, cfg.RetentionInterval, cfg.RetentionDays)
	}

	// HTTP
	api := server.New(server.Dependencies{
		Orchestrator: orch,
		Ledger:       usage,
		Assessor:     assessor,
		Cache:        annotations,
		Hub:          hub,
		Metrics:      collector,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API available", "url", fmt.Sprintf("http://%s/api/batches", displayAddr(cfg.ListenAddr)))
		logger.Info("event stream available", "url", fmt.Sprintf("ws://%s/ws", displayAddr(cfg.ListenAddr)))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// openStore opens the configured persistence backend. The SurrealDB client is returned
// so it can also serve as an item source; it is nil for other backends.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, *db.Client, func(), error) {
	noop := func() {}

	switch cfg.Store {
	case config.StoreFile:
		st, err := store.NewFileStore(cfg.StoreDir)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("open file store: %w", err)
		}
		logger.Info("using file store", "dir", cfg.StoreDir)
		return st, nil, noop, nil

	case config.StoreRedis:
		st, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: "annotator:",
		})
		if err != nil {
			return nil, nil, noop, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("using redis store", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
		return st, nil, func() {
			if err := st.Close(); err != nil {
				logger.Warn("failed to close redis", "error", err)
			}
		}, nil

	case config.StoreSurreal:
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("connect to database: %w", err)
		}
		if err := client.InitSchema(ctx); err != nil {
			_ = client.Close(context.Background())
			return nil, nil, noop, fmt.Errorf("initialize schema: %w", err)
		}
		logger.Info("using surrealdb store", "url", cfg.SurrealDBURL, "namespace", cfg.SurrealDBNamespace)
		return store.NewSurrealStore(client), client, func() {
			if err := client.Close(context.Background()); err != nil {
				logger.Warn("failed to close database", "error", err)
			}
		}, nil

	default:
		logger.Warn("using in-memory store, batch jobs will not survive a restart")
		return store.NewMemoryStore(), nil, noop, nil
	}
}

// buildRouter registers every provider with credentials configured. The echo provider is
// always available as "echo/<model>" and serves unprefixed models when nothing else is set up.
func buildRouter(ctx context.Context, cfg config.Config, pricing *provider.Pricing, logger *slog.Logger) (*provider.Router, error) {
	router := provider.NewRouter()

	if cfg.OpenAIAPIKey != "" {
		p, err := provider.NewOpenAI(cfg.OpenAIAPIKey, pricing)
		if err != nil {
			return nil, fmt.Errorf("init openai: %w", err)
		}
		router.Register(p)
	}
	if cfg.AnthropicAPIKey != "" {
		p, err := provider.NewAnthropic(cfg.AnthropicAPIKey, pricing)
		if err != nil {
			return nil, fmt.Errorf("init anthropic: %w", err)
		}
		router.Register(p)
	}
	if cfg.OllamaHost != "" {
		p, err := provider.NewOllama(cfg.OllamaHost, cfg.OllamaModel, pricing)
		if err != nil {
			return nil, fmt.Errorf("init ollama: %w", err)
		}
		router.Register(p)
	}
	if cfg.AWSRegion != "" {
		p, err := provider.NewBedrock(ctx, cfg.AWSRegion, pricing)
		if err != nil {
			return nil, fmt.Errorf("init bedrock: %w", err)
		}
		router.Register(p)
	}
	router.Register(provider.EchoProvider{})

	if cfg.DefaultProvider != "" {
		if err := router.SetDefault(cfg.DefaultProvider); err != nil {
			return nil, fmt.Errorf("default provider: %w", err)
		}
	}

	logger.Info("providers ready", "providers", router.Providers())
	return router, nil
}

// buildSources registers the file source and, with a database, the candidate table.
// A configured source file makes the file source the default.
func buildSources(cfg config.Config, client *db.Client) *source.Mux {
	mux := source.NewMux()
	files := source.File{Dir: cfg.SourceDir, Default: cfg.SourceFile}

	if client != nil && cfg.SourceFile == "" {
		mux.Register("surreal", source.NewSurreal(client))
	}
	mux.Register("file", files)
	if client != nil && cfg.SourceFile != "" {
		mux.Register("surreal", source.NewSurreal(client))
	}
	return mux
}

// displayAddr turns ":8484" into "localhost:8484" for log output.
func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
