package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/wayfare/internal/api"
	"github.com/onnwee/wayfare/internal/auth"
	"github.com/onnwee/wayfare/internal/config"
	"github.com/onnwee/wayfare/internal/connection"
	"github.com/onnwee/wayfare/internal/db"
	"github.com/onnwee/wayfare/internal/events"
	"github.com/onnwee/wayfare/internal/health"
	"github.com/onnwee/wayfare/internal/matching"
	"github.com/onnwee/wayfare/internal/message"
	"github.com/onnwee/wayfare/internal/middleware"
	"github.com/onnwee/wayfare/internal/notify"
	"github.com/onnwee/wayfare/internal/presence"
	"github.com/onnwee/wayfare/internal/tracking"
	"github.com/onnwee/wayfare/internal/trip"
)

// publicPaths skip authentication.
var publicPaths = []string{"/health", "/ready", "/metrics"}

// stores groups the repositories behind the services.
type stores struct {
	presence    presence.Repository
	connections connection.Repository
	messages    message.Repository
	trips       trip.Repository
}

// app is the fully wired server: handler chain, background workers and
// the resources to release on shutdown.
type app struct {
	handler  http.Handler
	registry *prometheus.Registry
	logger   *slog.Logger

	db        *sql.DB
	redis     *redis.Client
	publisher *events.RedisPublisher
	wg        sync.WaitGroup
}

// newApp opens storage and builds every service and handler from cfg.
// Postgres is used when a database URL is set, Redis when a Redis URL is
// set; otherwise state lives in memory.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{registry: prometheus.NewRegistry(), logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	checkers := make(map[string]health.Checker)
	st, err := a.openStores(ctx, cfg, checkers)
	if err != nil {
		return nil, err
	}

	hub := events.NewHub(logger)
	var publisher events.Publisher = hub
	rateStore := middleware.RateLimitStore(middleware.NewInMemoryRateLimitStore())
	if a.redis != nil {
		a.publisher = events.NewRedisPublisher(a.redis, hub, logger)
		publisher = a.publisher
		rateStore = middleware.NewRedisRateLimitStore(a.redis)
	}

	httpMetrics := middleware.NewMetrics()
	connMetrics := connection.NewMetrics()
	matchMetrics := matching.NewMetrics()
	trackMetrics := tracking.NewMetrics()
	for _, register := range []func(prometheus.Registerer) error{
		httpMetrics.Register, connMetrics.Register, matchMetrics.Register, trackMetrics.Register,
	} {
		if err := register(a.registry); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	policy := connection.CreatePolicy{AllowRerequestAfterReject: cfg.AllowRerequestAfterReject}
	connections := connection.NewService(connection.ServiceConfig{
		Repository: st.connections,
		Names:      st.presence,
		Publisher:  publisher,
		Policy:     policy,
		Metrics:    connMetrics,
		Logger:     logger,
	})

	msgCfg := message.ServiceConfig{
		Repository: st.messages,
		Publisher:  publisher,
		Logger:     logger,
	}
	if cfg.RequireConnectionForMessages {
		msgCfg.Connections = connections
	}
	messages := message.NewService(msgCfg)

	engine := matching.NewEngine(matching.EngineConfig{
		Presence:        st.presence,
		Connections:     st.connections,
		FreshnessWindow: cfg.FreshnessWindow,
		RadiusKm:        cfg.ProximityRadiusKm,
		Policy:          policy,
		Metrics:         matchMetrics,
		Logger:          logger,
	})
	aggregator := notify.NewAggregator(st.connections, messages, st.presence, logger)
	live := &notify.Live{Aggregator: aggregator, Hub: hub, Interval: cfg.FeedPollInterval}

	var archiver tracking.Archiver
	if cfg.ArchiveEnabled() {
		s3, err := tracking.NewS3Archiver(tracking.S3ArchiverConfig{
			BucketName:      cfg.R2BucketName,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Endpoint:        cfg.R2Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create route archiver: %w", err)
		}
		archiver = s3
		logger.Info("route archiving enabled", slog.String("bucket", cfg.R2BucketName))
	}

	active := tracking.NewActiveTrips()
	router := api.NewRouter(api.Handlers{
		Health:        api.NewHealthHandlers(checkers, logger),
		Presence:      api.NewPresenceHandlers(st.presence, logger),
		Matches:       api.NewMatchHandlers(engine, logger),
		Connections:   api.NewConnectionHandlers(connections, logger),
		Messages:      api.NewMessageHandlers(messages, logger),
		Notifications: api.NewNotificationHandlers(aggregator, live, cfg.CORSAllowedOrigins, httpMetrics, logger),
		Tracking: api.NewTrackingHandlers(api.TrackingHandlersConfig{
			Presence:          st.presence,
			Trips:             st.trips,
			Archiver:          archiver,
			Active:            active,
			TrackerMetrics:    trackMetrics,
			SocketMetrics:     httpMetrics,
			BroadcastInterval: cfg.BroadcastInterval,
			AllowedOrigins:    cfg.CORSAllowedOrigins,
			Logger:            logger,
		}),
		Trips:   api.NewTripHandlers(st.trips, active, logger),
		Metrics: metricsHandler(a.registry),
	})

	jwtService := auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret)
	limit := middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimitRequests,
		WindowDuration:    cfg.RateLimitWindow,
	}

	// Outermost first: RequestID, Tracing, Logging, HTTPMetrics, CORS,
	// RequireAuth, RateLimiter. The limiter keys on the authenticated user.
	var handler http.Handler = router
	handler = middleware.RateLimiter(rateStore, limit, middleware.UserKeyFunc(), httpMetrics, logger)(handler)
	handler = middleware.RequireAuth(jwtService, publicPaths...)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowCredentials: true,
		MaxAge:           300,
	})(handler)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	a.handler = middleware.RequestID(handler)

	return a, nil
}

// openStores picks the storage backends and registers their health checks.
func (a *app) openStores(ctx context.Context, cfg *config.Config, checkers map[string]health.Checker) (stores, error) {
	var st stores

	if cfg.DatabaseURL != "" {
		conn, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return st, err
		}
		a.db = conn
		if err := db.RunMigrations(ctx, conn, a.logger); err != nil {
			return st, err
		}
		st = stores{
			presence:    presence.NewPostgresRepository(conn, a.logger),
			connections: connection.NewPostgresRepository(conn, a.logger),
			messages:    message.NewPostgresRepository(conn, a.logger),
			trips:       trip.NewPostgresRepository(conn, a.logger),
		}
		checkers["database"] = health.NewDBChecker(conn)
	} else {
		a.logger.Warn("no database configured, state is kept in memory and lost on restart")
		st = stores{
			presence:    presence.NewInMemoryRepository(),
			connections: connection.NewInMemoryRepository(),
			messages:    message.NewInMemoryRepository(),
			trips:       trip.NewInMemoryRepository(),
		}
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return st, fmt.Errorf("failed to parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return st, fmt.Errorf("failed to ping redis: %w", err)
		}
		// Redis takes over the presence table; it is written on every broadcast.
		st.presence = presence.NewRedisRepository(a.redis, a.logger)
		checkers["redis"] = health.NewRedisChecker(a.redis)
	}

	return st, nil
}

// startBackground launches the Redis event relay when configured.
func (a *app) startBackground(ctx context.Context) {
	if a.publisher == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.publisher.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("event relay stopped", slog.String("error", err.Error()))
		}
	}()
}

// Close waits for background workers and releases connections. Background
// workers must already be cancelled.
func (a *app) Close() {
	a.wg.Wait()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", slog.String("error", err.Error()))
		}
	}
}
