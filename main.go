package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market-forecast-service/config"
	"market-forecast-service/internal/api"
	"market-forecast-service/internal/archive"
	"market-forecast-service/internal/bot"
	"market-forecast-service/internal/cache"
	"market-forecast-service/internal/database"
	"market-forecast-service/internal/events"
	"market-forecast-service/internal/health"
	"market-forecast-service/internal/hub"
	"market-forecast-service/internal/logging"
	"market-forecast-service/internal/market"
	"market-forecast-service/internal/predict"
	"market-forecast-service/internal/training"
	"market-forecast-service/internal/upstream"
	"market-forecast-service/internal/validation"
	"market-forecast-service/internal/vault"
	"market-forecast-service/internal/window"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init-config" {
		if err := config.GenerateSampleConfig("config.json"); err != nil {
			log.Fatalf("Failed to write sample config: %v", err)
		}
		log.Println("Wrote sample config.json")
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database and migrations.
	db, err := database.NewDB(cfg.DatabaseConfig)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	repo := database.NewRepository(db)
	logger.Info("Database initialized")

	// Event bus.
	eventBus := events.NewEventBus()

	// Vault-backed vendor credentials. Config-file keys seed the local
	// store so disabled Vault still works in development.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Error("Failed to create vault client", "error", err)
		os.Exit(1)
	}
	resolveKey := func(pc *config.ProviderConfig) {
		if pc.Name == "" {
			return
		}
		if pc.APIKey != "" {
			vaultClient.Seed(vault.Credentials{Vendor: pc.Name, APIKey: pc.APIKey})
			return
		}
		creds, err := vaultClient.GetVendorKey(ctx, pc.Name)
		if err != nil {
			logger.Warn("No vendor credentials found", "vendor", pc.Name, "error", err)
			return
		}
		pc.APIKey = creds.APIKey
	}
	resolveKey(&cfg.UpstreamConfig.Primary)
	resolveKey(&cfg.UpstreamConfig.Fallback)

	// Upstream failover chain: primary first, fallback on error.
	fetchTimeout := cfg.UpstreamConfig.FetchTimeout()
	providers := []upstream.Provider{
		upstream.NewHTTPProvider(cfg.UpstreamConfig.Primary, fetchTimeout),
	}
	if cfg.UpstreamConfig.Fallback.BaseURL != "" {
		providers = append(providers, upstream.NewHTTPProvider(cfg.UpstreamConfig.Fallback, fetchTimeout))
	}
	limiter := upstream.NewRateLimiter(cfg.UpstreamConfig.RateLimitPerMin, time.Minute)
	failover := upstream.NewFailover(
		providers,
		cfg.UpstreamConfig.BreakerThreshold,
		time.Duration(cfg.UpstreamConfig.BreakerCooldown)*time.Second,
		limiter,
	)
	logger.Info("Upstream providers initialized", "providers", len(providers))

	// Cache tiers. The hot tier degrades gracefully when Redis is down.
	var hotTier window.HotTier
	var hotControl api.CacheControl
	if cfg.RedisConfig.Enabled {
		hot, err := cache.NewHotCache(cfg.RedisConfig)
		if err != nil {
			logger.Warn("Redis unavailable, hot cache disabled", "error", err)
		} else {
			hotTier = hot
			hotControl = hot
		}
	}
	warm := cache.NewWarmCache(cfg.CacheConfig.WarmSize)

	// Cold archive.
	var coldArchive *archive.Store
	if cfg.ArchiveConfig.Enabled {
		coldArchive, err = archive.NewStore(cfg.ArchiveConfig.Root)
		if err != nil {
			logger.Error("Failed to initialize archive", "error", err)
			os.Exit(1)
		}
	}

	// Window loader over the full tier chain.
	calendar := market.Calendar(market.NewNSECalendar())
	var cold window.ColdArchive
	if coldArchive != nil {
		cold = coldArchive
	}
	loader := window.NewLoader(repo, cold, failover, hotTier, warm, calendar, cfg.CacheConfig)
	loader.AttachBus(eventBus)
	logger.Info("Window loader initialized")

	// Bots, validation and the prediction orchestrator.
	registry := bot.Default(cfg.TrainingConfig.ModelRoot)
	validator := validation.New(cfg.ValidationConfig)
	orchestrator := predict.NewOrchestrator(loader, registry, validator, repo, eventBus, cfg.PredictConfig)

	// Training queue on its single worker.
	queue := training.NewQueue(loader, registry, validator, repo, eventBus, cfg.TrainingConfig)
	go queue.Run(ctx)

	// Websocket hub fed by the event bus.
	wsHub := hub.NewHub()
	wsHub.AttachBus(eventBus)
	go wsHub.Run()

	// Background loops: health sweep, realized-error scoring, retention.
	monitor := health.NewMonitor(repo, eventBus, cfg.DriftConfig)
	go monitor.RunNightly(ctx, 24*time.Hour)

	scorer := predict.NewScorer(loader, repo)
	go scorer.Run(ctx, 15*time.Minute)

	if coldArchive != nil {
		sweeper := archive.NewSweeper(repo, coldArchive, cfg.MarketConfig.RetentionDays)
		go sweeper.RunNightly(ctx, 24*time.Hour)
	}

	server := api.NewServer(cfg.ServerConfig, api.Deps{
		Loader:    loader,
		Predictor: orchestrator,
		Training:  queue,
		Health:    monitor,
		Store:     repo,
		HotCache:  hotControl,
		WarmCache: warm,
		Hub:       wsHub,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownTimeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}
	cancel()
	logger.Info("Shutdown complete")
}
