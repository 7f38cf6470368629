package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/sagaflow/sagaflow/config"
	"github.com/sagaflow/sagaflow/pkg/api"
	"github.com/sagaflow/sagaflow/pkg/api/events"
	"github.com/sagaflow/sagaflow/pkg/api/handlers"
	"github.com/sagaflow/sagaflow/pkg/choreography"
	"github.com/sagaflow/sagaflow/pkg/eventbus"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/metrics"
	"github.com/sagaflow/sagaflow/pkg/saga"
	"github.com/sagaflow/sagaflow/pkg/services"
	"github.com/sagaflow/sagaflow/pkg/telemetry/tracing"
	"github.com/sagaflow/sagaflow/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName    = flag.String("app-name", "", "Override app name")
	serverPort = flag.Int("port", 0, "Override server port")
	logLevel   = flag.String("log-level", "", "Override log level")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("Starting SagaFlow",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Tracing
	traceShutdown, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version)
	if err != nil {
		log.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := traceShutdown(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown incomplete", "error", err)
		}
	}()

	// Metrics
	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)
	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	// Saga state store
	store, closeStore, err := buildStateStore(cfg, log)
	if err != nil {
		log.Error("Failed to initialize saga store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// Compensation idempotency store
	idempotency, closeIdempotency, err := buildIdempotencyStore(cfg, log)
	if err != nil {
		log.Error("Failed to initialize idempotency store", "error", err)
		os.Exit(1)
	}
	defer closeIdempotency()

	// Domain services shared by orchestration and choreography.
	users := services.NewMemoryUserService()
	inventory := services.NewMemoryInventoryService()
	orders := services.NewMemoryOrderService()
	payments := services.NewMemoryPaymentService()
	notifications := services.NewMemoryNotificationService()

	bundle := saga.Services{
		Users:         users,
		Inventory:     inventory,
		Orders:        orders,
		Payments:      payments,
		Notifications: notifications,
	}

	executor, err := saga.NewStepExecutor(bundle)
	if err != nil {
		log.Error("Failed to build step executor", "error", err)
		os.Exit(1)
	}
	compensator, err := saga.NewCompensationExecutor(bundle, nil)
	if err != nil {
		log.Error("Failed to build compensation executor", "error", err)
		os.Exit(1)
	}

	// Dispatcher with optional cross-saga rate limiting.
	var limiter *rate.Limiter
	if cfg.Engine.DispatchRate > 0 {
		burst := cfg.Engine.DispatchBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Engine.DispatchRate), burst)
	}
	dispatcher := saga.NewDispatcher(cfg.Engine.Workers, cfg.Engine.QueueSize, limiter, log, metricsManager)
	dispatcher.Start()
	defer dispatcher.Stop()

	// Live event fan-out to websocket clients.
	broadcaster := events.NewBroadcaster(log, 0)
	defer broadcaster.Close()

	orch, err := saga.NewOrchestrator(executor, compensator, store, dispatcher,
		saga.WithLogger(log),
		saga.WithMetrics(metricsManager),
		saga.WithObserver(events.NewRelay(broadcaster)),
		saga.WithIdempotencyStore(idempotency),
		saga.WithStepRetryPolicy(cfg.Engine.StepRetries, cfg.Engine.StepTimeout),
		saga.WithFinalizeTimeout(cfg.Engine.FinalizeTimeout),
		saga.WithCompensationRetries(cfg.Engine.CompensationRetries),
	)
	if err != nil {
		log.Error("Failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	// Event bus and choreography participants.
	bus, publisher, err := buildEventBus(cfg, metricsManager, log)
	if err != nil {
		log.Error("Failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Error("Error closing event bus", "error", err)
		}
	}()

	router, err := choreography.NewRouter(bus, publisher, log)
	if err != nil {
		log.Error("Failed to build choreography router", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := router.Close(); err != nil {
			log.Error("Error closing choreography router", "error", err)
		}
	}()
	if err := choreography.RegisterAll(router, choreography.Services{
		Users:         users,
		Inventory:     inventory,
		Orders:        orders,
		Payments:      payments,
		Notifications: notifications,
	}, log); err != nil {
		log.Error("Failed to register choreography participants", "error", err)
		os.Exit(1)
	}

	// HTTP API
	sagaHandler := handlers.NewSagaHandler(orch, store, log)
	healthHandler := handlers.NewHealthHandler(version.Version,
		handlers.ReadinessCheck{Name: "store", Check: func() error {
			probeCtx, probeCancel := context.WithTimeout(context.Background(), time.Second)
			defer probeCancel()
			_, _, err := store.ListSagas(probeCtx, saga.ListFilter{Limit: 1})
			return err
		}},
		handlers.ReadinessCheck{Name: "eventbus", Check: func() error {
			if publisher.Degraded() {
				return fmt.Errorf("publisher in degraded mode")
			}
			return nil
		}},
	)
	wsHandler := handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
	})
	wsHandler.AttachBroadcaster(broadcaster)
	defer wsHandler.Close()

	apiHandlers := &api.Handlers{
		Saga:   sagaHandler,
		Health: healthHandler,
		WS:     wsHandler,
	}
	if metricsManager.Enabled() {
		apiHandlers.Metrics = metricsManager
	}
	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	// Hot reload of the log level when a config file is in use.
	watcher := startConfigWatcher(ctx, cfg, *configPath, log)
	if watcher != nil {
		defer watcher.Stop()
	}

	log.Info("SagaFlow is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"storage", cfg.Storage.Type,
		"eventbus", cfg.EventBus.Type,
	)
	log.Info("Press Ctrl+C to stop")

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		log.Error("HTTP server error", "error", err)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}

	log.Info("SagaFlow stopped gracefully")
}

func buildStateStore(cfg *config.Config, log logger.Logger) (saga.StateStore, func(), error) {
	switch cfg.Storage.Type {
	case "badger":
		opts := badger.DefaultOptions(cfg.Storage.Badger.Path).
			WithSyncWrites(cfg.Storage.Badger.SyncWrites).
			WithNumVersionsToKeep(cfg.Storage.Badger.NumVersionsToKeep).
			WithLogger(nil)
		if cfg.Storage.Badger.ValueLogFileSize > 0 {
			opts = opts.WithValueLogFileSize(cfg.Storage.Badger.ValueLogFileSize)
		}
		db, err := badger.Open(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger at %s: %w", cfg.Storage.Badger.Path, err)
		}
		store, err := saga.NewBadgerStateStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		log.Info("Initialized Badger saga store", "path", cfg.Storage.Badger.Path)
		return store, func() {
			if err := db.Close(); err != nil {
				log.Error("Error closing Badger", "error", err)
			}
		}, nil
	case "memory":
		log.Info("Initialized memory saga store")
		return saga.NewMemoryStateStore(), func() {}, nil
	default:
		log.Warn("Unknown storage type, using memory saga store", "type", cfg.Storage.Type)
		return saga.NewMemoryStateStore(), func() {}, nil
	}
}

func buildIdempotencyStore(cfg *config.Config, log logger.Logger) (saga.IdempotencyStore, func(), error) {
	switch cfg.Storage.Idempotency.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Idempotency.Redis.Address,
			Password: cfg.Storage.Idempotency.Redis.Password,
			DB:       cfg.Storage.Idempotency.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer pingCancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Storage.Idempotency.Redis.Address, err)
		}
		store, err := saga.NewRedisIdempotencyStore(client, cfg.App.Name, cfg.Storage.Idempotency.TTL)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		log.Info("Initialized Redis idempotency store", "addr", cfg.Storage.Idempotency.Redis.Address)
		return store, func() {
			if err := client.Close(); err != nil {
				log.Error("Error closing Redis client", "error", err)
			}
		}, nil
	default:
		log.Info("Initialized memory idempotency store")
		return saga.NewMemoryIdempotencyStore(), func() {}, nil
	}
}

func buildEventBus(cfg *config.Config, telemetry eventbus.Telemetry, log logger.Logger) (eventbus.Bus, *eventbus.Publisher, error) {
	var bus eventbus.Bus
	switch cfg.EventBus.Type {
	case "nats":
		natsBus, err := eventbus.NewNATSBus(eventbus.NATSConfig{
			URL:           cfg.EventBus.NATS.URL,
			Name:          cfg.EventBus.NATS.Name,
			SubjectPrefix: cfg.EventBus.NATS.SubjectPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("Connected to NATS", "url", cfg.EventBus.NATS.URL)
		bus = natsBus
	default:
		log.Info("Using in-memory event bus")
		bus = eventbus.NewMemoryBus()
	}

	retry := eventbus.DefaultRetryConfig()
	if cfg.EventBus.PublishRetries > 0 {
		retry.MaxRetries = cfg.EventBus.PublishRetries
	}
	publisher, err := eventbus.NewPublisher(cfg.EventBus.NodeID, bus, retry, telemetry)
	if err != nil {
		_ = bus.Close()
		return nil, nil, err
	}
	return bus, publisher, nil
}

func startConfigWatcher(ctx context.Context, cfg *config.Config, path string, log logger.Logger) *config.Watcher {
	if path == "" {
		return nil
	}

	watcher, err := config.NewWatcher(path, config.NewLoader(), config.WithWatcherLogger(log))
	if err != nil {
		log.Warn("Config watcher disabled", "error", err)
		return nil
	}

	current := config.ExtractHotReloadable(cfg)
	watcher.OnChange(func(updated *config.Config) {
		next := config.ExtractHotReloadable(updated)
		if !current.Changed(next) {
			return
		}
		if next.LogLevel != current.LogLevel {
			log.SetLevel(logger.ParseLevel(next.LogLevel))
			log.Info("Log level reloaded", "level", next.LogLevel)
		}
		current = next
	})
	go func() {
		if err := watcher.Watch(ctx); err != nil && err != context.Canceled {
			log.Warn("Config watcher stopped", "error", err)
		}
	}()
	return watcher
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("SagaFlow - Saga Coordination Engine\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("SagaFlow - Saga coordination engine with orchestration and choreography modes\n\n")
	fmt.Printf("Usage: sagaflow [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  sagaflow                                   # Run with default config\n")
	fmt.Printf("  sagaflow -config config.yaml               # Use specific config file\n")
	fmt.Printf("  sagaflow -port 9090 -log-level debug       # Override specific options\n")
	fmt.Printf("  sagaflow -version                          # Print version info\n")
}
