package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tunelink/internal/core/ports"
	"tunelink/internal/core/services"
	httphandlers "tunelink/internal/handlers/http"
	"tunelink/internal/infrastructure/distributed"
	"tunelink/internal/infrastructure/middleware"
	"tunelink/internal/infrastructure/monitoring"
	"tunelink/internal/infrastructure/registry"
	"tunelink/internal/infrastructure/reliability"
	repositories "tunelink/internal/infrastructure/repositories"
	signalsrv "tunelink/internal/infrastructure/signal"
	"tunelink/pkg/circuitbreaker"
	"tunelink/pkg/config"
	"tunelink/pkg/logger"
	"tunelink/pkg/tracing"
	"tunelink/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/tunelink/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "tunelink",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	// Repositories, with retry and circuit breaker around call storage
	callRepo := reliability.NewCallRepositoryWrapper(
		repoFactory.CreateCallRepository(),
		reliability.DefaultRetryConfig(),
		circuitbreaker.DefaultConfig(),
		log,
	)
	userRepo := repoFactory.CreateUserRepository()

	// Services
	authService := services.NewAuthService(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenTTL,
		cfg.Auth.RefreshTokenTTL,
		userRepo,
	)
	var callService ports.CallService = services.NewCallService(callRepo, userRepo, log)

	// Cross-instance event bus, only when Redis is on
	var eventBus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		eventBus = distributed.NewEventBus(client, utils.GenerateID("instance"), log)
		defer eventBus.Close()
		callService = distributed.NewPublishingCallService(callService, eventBus, log)
	}

	// Connection registry and ring supervisor
	connRegistry := registry.NewConnectionRegistry()
	supervisor := signalsrv.NewTimeoutSupervisor(callService, cfg.Call.RingTimeout, log)

	// Monitoring
	prometheusCollector := monitoring.NewPrometheusCollector()

	// WebSocket server (also the notifier the supervisor pushes through)
	wsServer := signalsrv.NewWebSocketServer(
		cfg,
		callService,
		authService,
		connRegistry,
		supervisor,
		prometheusCollector,
		log,
	)

	// Health checks
	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddCheck("storage", repoFactory.HealthCheck, 2*time.Second)

	// HTTP handlers
	authHandler := httphandlers.NewAuthHandler(authService, userRepo, cfg.Auth.AccessTokenTTL)
	callHandler := httphandlers.NewCallHandler(callService, wsServer, supervisor)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestLoggingMiddleware(zapLogger))
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	// Auth routes (public)
	authHandler.SetupRoutes(router)

	// Call routes behind authentication
	callHandler.SetupRoutes(router, middleware.AuthMiddleware(authService))

	// WebSocket endpoint, authenticated at handshake
	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": wsServer.ConnectedConnections(),
		})
	})

	// Readiness endpoint with dependency checks
	router.GET("/ready", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		if status.Status != "healthy" {
			c.JSON(503, gin.H{
				"status":    "not_ready",
				"timestamp": status.Timestamp,
				"checks":    status.Checks,
			})
			return
		}

		c.JSON(200, gin.H{
			"status":    "ready",
			"timestamp": status.Timestamp,
			"checks":    status.Checks,
		})
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting TuneLink call server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down TuneLink call server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Shutdown HTTP server gracefully
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	// Stop pending ring timers so no missed transitions fire mid-shutdown
	supervisor.Stop()

	// Flush traces
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	// Close repository factory
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("TuneLink call server stopped")
}
