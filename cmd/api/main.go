package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/clinicqueue/internal/adapters/cache"
	"github.com/zatekoja/clinicqueue/internal/adapters/database"
	"github.com/zatekoja/clinicqueue/internal/adapters/events"
	"github.com/zatekoja/clinicqueue/internal/adapters/memory"
	"github.com/zatekoja/clinicqueue/internal/api/handlers"
	"github.com/zatekoja/clinicqueue/internal/api/routes"
	"github.com/zatekoja/clinicqueue/internal/application/services"
	"github.com/zatekoja/clinicqueue/internal/domain/providers"
	"github.com/zatekoja/clinicqueue/internal/domain/repositories"
	"github.com/zatekoja/clinicqueue/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/clinicqueue/internal/infrastructure/clients/redis"
	"github.com/zatekoja/clinicqueue/internal/infrastructure/observability"
	"github.com/zatekoja/clinicqueue/pkg/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Env, cfg.Log.Level)

	// Set up context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry if enabled
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Error().Err(err).Msg("Error shutting down OpenTelemetry")
				}
			}()
			log.Info().Msg("OpenTelemetry initialized successfully")
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize metrics")
	}

	checks := map[string]routes.HealthCheck{}

	// Encounter store
	var store repositories.EncounterRepository
	switch cfg.Queue.StoreDriver {
	case config.StoreDriverMemory:
		store = memory.NewEncounterStore()
		log.Warn().Msg("Using in-memory encounter store; data is lost on restart")
	default:
		pgClient, err := postgres.NewClient(&cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize PostgreSQL client")
		}
		defer pgClient.Close()

		migrateCtx, migrateCancel := context.WithTimeout(ctx, 30*time.Second)
		err = database.ApplySchema(migrateCtx, pgClient)
		migrateCancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to apply encounter schema")
		}

		store = database.NewEncounterAdapter(pgClient, cfg.Queue.OperationTimeout)
		checks["postgres"] = pgClient.Ping
		log.Info().Msg("PostgreSQL encounter store initialized")
	}

	// Counters, snapshots and the event bus share Redis when it is enabled
	var (
		counterCache providers.CounterCache
		cacheAdapter providers.CacheProvider
		eventBus     providers.EventBus
	)
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(&cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable; counters, snapshots and cross-process events disabled")
		} else {
			defer redisClient.Close()
			counterCache = cache.NewRedisCounterCache(redisClient)
			cacheAdapter = cache.NewRedisAdapter(redisClient)
			eventBus = events.NewRedisEventBus(redisClient)
			checks["redis"] = redisClient.Ping
			log.Info().Str("addr", cfg.Redis.RedisAddr()).Msg("Redis client initialized")
		}
	}
	if eventBus == nil {
		eventBus = events.NewMemoryEventBus()
	}

	// Notification sinks
	hub := handlers.NewQueueHub()
	sinks := []providers.NotificationSink{eventBus, hub}
	if cfg.AMQP.URL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.Warn().Err(err).Msg("AMQP broker unavailable; continuing without it")
		} else {
			defer publisher.Close()
			sinks = append(sinks, publisher)
			log.Info().Str("exchange", cfg.AMQP.Exchange).Msg("AMQP publisher initialized")
		}
	}

	notifier := services.NewQueueNotifier(cfg.Queue.NotifyBuffer, sinks...)
	notifier.SetMetrics(metrics)
	notifier.Start()

	coordinator := services.NewQueueCoordinator(
		store,
		services.NewCounterService(counterCache),
		services.NewSnapshotCache(cacheAdapter),
		notifier,
		services.CoordinatorConfig{
			OperationTimeout: cfg.Queue.OperationTimeout,
			SnapshotTTL:      cfg.Queue.SnapshotTTL,
			WaitlistMax:      cfg.Queue.WaitlistMax,
		},
	)
	coordinator.SetMetrics(metrics)

	reconciler := services.NewReconcileService(coordinator, 0)
	reconciler.Start(ctx, cfg.Queue.ReconcileInterval)

	router := routes.NewRouter(
		handlers.NewQueueHandler(coordinator),
		handlers.NewSSEHandler(eventBus),
		handlers.NewWebSocketHandler(hub),
		metrics,
	)
	router.SetAllowedOrigins(cfg.Server.AllowedOrigins)
	for name, check := range checks {
		router.AddHealthCheck(name, check)
	}

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     router.SetupRoutes(),
		ReadTimeout: 15 * time.Second,
		// Streams share this server, so writes are not bounded
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", serverAddr).Str("store", cfg.Queue.StoreDriver).Msg("Queue API starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	cancel()
	reconciler.Wait()

	if err := notifier.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error draining notifications")
	}
	if err := eventBus.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing event bus")
	}

	log.Info().Msg("Server exited")
}
