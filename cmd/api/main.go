package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/vicinity/internal/api"
	"github.com/onnwee/vicinity/internal/broadcast"
	"github.com/onnwee/vicinity/internal/config"
	"github.com/onnwee/vicinity/internal/health"
	"github.com/onnwee/vicinity/internal/loccache"
	"github.com/onnwee/vicinity/internal/middleware"
	"github.com/onnwee/vicinity/internal/nearby"
	"github.com/onnwee/vicinity/internal/presence"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (env vars override it)")
	help := flag.Bool("help", false, "show usage")
	flag.Parse()

	if *help {
		fmt.Println("vicinity api server")
		fmt.Println()
		fmt.Println("usage: api [-config path/to/config.yaml]")
		fmt.Println()
		fmt.Println("Configuration is read from the optional config file, then")
		fmt.Println("overridden by VICINITY_* environment variables. DATABASE_URL")
		fmt.Println("is required; REDIS_URL enables multi-instance coordination.")
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", slog.String("error", err.Error()))
		}
		os.Exit(1)
	}

	logger.Info("starting vicinity api")
	for key, value := range cfg.LogSummary() {
		logger.Info("config", slog.String(key, value))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	querier := nearby.NewPostgresQuerier(db)
	if err := querier.Ping(ctx); err != nil {
		logger.Error("database ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("database connected")

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis url", slog.String("error", err.Error()))
			os.Exit(1)
		}
		redisClient = redis.NewClient(redisOpts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, running single-instance", slog.String("error", err.Error()))
			redisClient.Close()
			redisClient = nil
		} else {
			logger.Info("redis connected")
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cacheMetrics := loccache.NewMetrics()
	nearbyMetrics := nearby.NewMetrics()
	busMetrics := broadcast.NewMetrics()
	for name, m := range map[string]interface {
		Register(prometheus.Registerer) error
	}{
		"loccache":  cacheMetrics,
		"nearby":    nearbyMetrics,
		"broadcast": busMetrics,
	} {
		if err := m.Register(registry); err != nil {
			logger.Error("failed to register metrics",
				slog.String("subsystem", name), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	instanceID := uuid.New().String()
	var channel broadcast.Channel
	if redisClient != nil {
		redisChannel, err := broadcast.NewRedisChannel(ctx, redisClient, broadcast.DefaultChannelName, logger)
		if err != nil {
			logger.Error("failed to subscribe broadcast channel", slog.String("error", err.Error()))
			os.Exit(1)
		}
		channel = redisChannel
	} else {
		channel = broadcast.NewLoopbackHub().Channel()
	}

	coordinator := broadcast.NewCoordinator(channel, broadcast.Options{
		InstanceID:   instanceID,
		MasterWindow: cfg.MasterWindow,
		SyncInterval: cfg.SyncInterval,
		SyncSource:   querier,
		Logger:       logger,
		Metrics:      busMetrics,
	})

	var snapshotStore loccache.SnapshotStore
	if redisClient != nil {
		snapshotStore = loccache.NewRedisSnapshotStore(redisClient, loccache.DefaultSnapshotKey, cfg.CacheExpireAfter)
	} else {
		snapshotStore = loccache.NewMemorySnapshotStore()
	}

	cache := loccache.New(loccache.Options{
		KeyPrecision:     cfg.CacheKeyPrecision,
		MaxEntries:       cfg.CacheMaxEntries,
		StaleAfter:       cfg.CacheStaleAfter,
		ExpireAfter:      cfg.CacheExpireAfter,
		OverlapThreshold: cfg.CacheOverlapThreshold,
		PersistInterval:  cfg.CachePersistInterval,
		Store:            snapshotStore,
		Publisher:        coordinator,
		Metrics:          cacheMetrics,
		Logger:           logger,
	})
	cache.Bind(coordinator)

	tracker := presence.NewTracker(nil)
	tracker.Bind(coordinator)

	var presenceChannel presence.Channel
	if redisClient != nil {
		presenceChannel = presence.NewRedisChannel(redisClient, presence.DefaultKeyPrefix, cfg.HeartbeatWindow)
	}
	presenceHandlers := api.NewPresenceHandlers(func(profileID string) *presence.Controller {
		return presence.NewController(presence.Options{
			ProfileID:     profileID,
			Channel:       presenceChannel,
			Publisher:     coordinator,
			IdleTimeout:   cfg.IdleTimeout,
			TypingTimeout: cfg.TypingTimeout,
			Logger:        logger,
		})
	}, cfg.HeartbeatWindow, logger)
	go func() {
		if err := presenceHandlers.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("presence session sweep stopped", slog.String("error", err.Error()))
		}
	}()

	nearbyHandlers := api.NewNearbyHandlers(cache, querier, cfg.FetchMaxResults, cfg.NearbyOnlineOnly, logger)

	subscribeHandlers := api.NewSubscribeHandlers(api.SubscribeConfig{
		Cache:            cache,
		Querier:          querier,
		Heartbeats:       tracker,
		Debounce:         cfg.FetchDebounce,
		MaxResults:       cfg.FetchMaxResults,
		MaxRetries:       cfg.FetchMaxRetries,
		SelfHealInterval: cfg.SelfHealInterval,
		OnlineOnly:       cfg.NearbyOnlineOnly,
		Logger:           logger,
		Metrics:          nearbyMetrics,
	})
	subscribeHandlers.Bind(coordinator)

	healthConfig := api.HealthHandlersConfig{DBChecker: health.NewDBChecker(db)}
	if redisClient != nil {
		healthConfig.RedisChecker = health.NewRedisChecker(redisClient)
	}
	healthHandlers := api.NewHealthHandlers(healthConfig)

	go func() {
		if err := coordinator.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("coordinator stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		if err := cache.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("cache loop stopped", slog.String("error", err.Error()))
		}
	}()

	if cfg.RealtimeURL != "" {
		updateStream := nearby.NewUpdateStream(cfg.RealtimeURL, func(update broadcast.LocationUpdate) {
			// Publish reaches sibling instances; the local fan-out is direct
			// because the coordinator skips its own messages.
			subscribeHandlers.ApplyLocationUpdate(update)
			if err := coordinator.Publish(ctx, broadcast.TypeLocationUpdate, update); err != nil {
				logger.Warn("failed to relay location update", slog.String("error", err.Error()))
			}
		}, logger)
		go updateStream.Run(ctx)
	}

	rateLimitStore := middleware.NewInMemoryRateLimitStore()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimitStore.Cleanup()
			}
		}
	}()
	globalLimit := middleware.RateLimiter(rateLimitStore, middleware.DefaultGlobalLimit(), middleware.IPKeyFunc())
	nearbyLimit := middleware.RateLimiter(rateLimitStore, middleware.DefaultNearbyLimit(), middleware.ProfileKeyFunc())

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/nearby", nearbyLimit(http.HandlerFunc(nearbyHandlers.Nearby)))
	mux.HandleFunc("/subscribe", subscribeHandlers.Subscribe)
	mux.HandleFunc("/presence", presenceHandlers.State)
	mux.HandleFunc("/presence/activity", presenceHandlers.Activity)
	mux.HandleFunc("/presence/typing", presenceHandlers.Typing)
	mux.HandleFunc("/presence/status", presenceHandlers.CustomStatus)
	mux.HandleFunc("/presence/schedule", presenceHandlers.Schedule)
	mux.HandleFunc("/presence/disconnect", presenceHandlers.Disconnect)

	handler := middleware.RequestID(middleware.Logging(logger)(globalLimit(mux)))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening",
			slog.Int("port", cfg.Port),
			slog.String("instance_id", instanceID))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	presenceHandlers.CloseAll(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
