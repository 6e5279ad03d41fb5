package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/san-kum/liftform/server/cache"
	"github.com/san-kum/liftform/server/config"
	"github.com/san-kum/liftform/server/handlers"
	"github.com/san-kum/liftform/server/history"
	"github.com/san-kum/liftform/server/metrics"
	"github.com/san-kum/liftform/server/middleware"
	"github.com/san-kum/liftform/server/ml"
	"github.com/san-kum/liftform/server/processor"
)

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	registry    *processor.Registry
	gateway     *ml.Gateway
	mlClient    *ml.Client
	annotations *cache.MemoryCache[processor.Annotation]
	store       history.Store
	rateLimiter *middleware.RateLimiter
	config      *config.Config
	cancel      context.CancelFunc
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracer, err := initTracer(cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	server, err := NewServer(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment),
			zap.Bool("ml_enabled", cfg.ML.Enabled))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	server.Shutdown(ctx)

	if err := shutdownTracer(ctx); err != nil {
		logger.Error("Failed to flush traces", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}

	return zcfg.Build()
}

// initTracer installs a tracer provider that writes spans to stdout when
// tracing is enabled. The returned function flushes it.
func initTracer(cfg config.TelemetryConfig) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if !cfg.TracingEnabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(ctx)

	m, err := metrics.New()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	store, err := newHistoryStore(ctx, cfg.History, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	annotations := cache.NewMemoryCache[processor.Annotation](cfg.Cache.MaxSize, cfg.Cache.AnnotationTTL, logger)

	registryConfig := processor.DefaultConfig()
	registryConfig.Analysis = cfg.Analysis
	registryConfig.IdleTTL = cfg.Server.SessionIdleTTL
	registry := processor.NewRegistry(registryConfig, store, annotations, m, logger)
	registry.StartReaper(ctx)

	server := &Server{
		logger:      logger,
		registry:    registry,
		annotations: annotations,
		store:       store,
		config:      cfg,
		cancel:      cancel,
	}

	if cfg.ML.Enabled {
		server.mlClient = ml.NewClient(cfg.ML.BaseURL, ml.ClientConfig{
			Timeout:             cfg.ML.Timeout,
			MaxRetries:          cfg.ML.MaxRetries,
			RetryDelay:          cfg.ML.RetryDelay,
			HealthCheckInterval: cfg.ML.HealthCheckInterval,
			BreakerFailures:     cfg.ML.BreakerFailures,
			BreakerTimeout:      cfg.ML.BreakerTimeout,
		}, logger)
		go server.mlClient.StartHealthChecker(ctx)

		server.gateway = ml.NewGateway(server.mlClient, ml.GatewayConfig{
			MinInterval: cfg.ML.MinInterval,
			Timeout:     cfg.ML.Timeout,
		}, logger, registry.HandleInference, ml.WithOutcomeRecorder(func(o ml.Outcome, latency time.Duration) {
			m.RecordInference(context.Background(), string(o), latency)
		}))
		registry.AttachInference(server.gateway)
	}

	server.rateLimiter = middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)
	auth := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))

	server.router = router
	server.setupRoutes(auth)

	return server, nil
}

func newHistoryStore(ctx context.Context, cfg config.HistoryConfig, logger *zap.Logger) (history.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("Keeping training history in memory")
		return history.NewMemoryStore(), nil
	}

	store, err := history.NewPostgresStore(ctx, history.PostgresConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.MaxConns,
		MinConns:    cfg.MinConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	return store, nil
}

func (s *Server) setupRoutes(auth *middleware.AuthMiddleware) {
	checks := map[string]func() bool{}
	if s.mlClient != nil {
		checks["ml_inference"] = s.mlClient.Healthy
	}
	health := middleware.HealthCheck("liftform", checks)

	s.router.GET("/health", health)

	wsHandler := handlers.NewWebSocketHandler(s.registry, s.config.Security.AllowedOrigins, s.logger)
	s.router.GET("/ws", s.rateLimiter.RateLimit(), wsHandler.HandleWebSocket)

	api := s.router.Group("/api/v1")
	api.GET("/health", health)

	sessions := api.Group("/")
	sessions.Use(s.rateLimiter.RateLimit())
	sessions.Use(middleware.RequestTimeout(s.config.Security.RequestTimeout))
	handlers.NewSessionHandler(s.registry, s.logger).Register(sessions)

	admin := api.Group("/admin")
	admin.Use(auth.RequireAuth())
	admin.Use(auth.RequireRole(middleware.RoleAdmin))
	handlers.NewHistoryHandler(s.store, s.config.History.ListLimit, s.logger).Register(admin)
	admin.GET("/ml", func(c *gin.Context) {
		if s.mlClient == nil {
			c.JSON(http.StatusOK, gin.H{"enabled": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"enabled": true,
			"healthy": s.mlClient.Healthy(),
			"breaker": s.mlClient.BreakerState(),
		})
	})
	admin.GET("/rate-limits", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.rateLimiter.GetGlobalStats())
	})
	admin.GET("/rate-limits/:client", func(c *gin.Context) {
		tokens, lastUpdate, ok := s.rateLimiter.GetClientStats(c.Param("client"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not tracked"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tokens": tokens, "last_update": lastUpdate})
	})
}

// Shutdown stops background work in dependency order: no new inference,
// then sessions are ended and persisted, then the stores close.
func (s *Server) Shutdown(ctx context.Context) {
	s.cancel()

	if s.gateway != nil {
		s.gateway.Close()
	}

	if err := s.registry.Shutdown(ctx, 10*time.Second); err != nil {
		s.logger.Error("Failed to shutdown session registry", zap.Error(err))
	}

	s.rateLimiter.Shutdown()

	if err := s.annotations.Close(); err != nil {
		s.logger.Error("Failed to close annotation cache", zap.Error(err))
	}

	s.store.Close()
}
