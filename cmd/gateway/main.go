package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	httphandlers "voicelink/internal/handlers/http"
	"voicelink/internal/infrastructure/middleware"
	"voicelink/internal/infrastructure/monitoring"
	"voicelink/internal/infrastructure/repositories"
	"voicelink/internal/infrastructure/signal"
	"voicelink/pkg/config"
	"voicelink/pkg/logger"
	"voicelink/pkg/token"
	"voicelink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := os.Getenv("VOICELINK_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if cfg.Gateway.Address == "" {
		cfg.Gateway.Address = ":8081"
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-gateway",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}
	defer tp.Shutdown(context.Background())

	repoFactory, err := repositories.NewRepositoryFactory(cfg.Gateway.Redis, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()
	callRepo := repoFactory.CreateCallRepository()

	tokens := token.NewIssuer(cfg.Gateway.JWTSecret, cfg.Gateway.TokenTTL)

	serverCfg := signal.DefaultServerConfig()
	serverCfg.MessagesPerSecond = cfg.Gateway.RateLimiting.MessagesPerSecond
	serverCfg.Burst = cfg.Gateway.RateLimiting.Burst
	gateway := signal.NewServer(serverCfg, tokens, callRepo, zapLogger)

	health := monitoring.NewHealthChecker()
	health.AddCheck("redis", repoFactory.HealthCheck, 2*time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(
		cfg.Gateway.RateLimiting.MessagesPerSecond,
		cfg.Gateway.RateLimiting.Burst,
	))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	httphandlers.NewTokenHandler(tokens).SetupRoutes(router)
	httphandlers.NewCallsHandler(callRepo, tokens).SetupRoutes(router)

	router.GET("/signal", gin.WrapF(gateway.HandleWebSocket))

	router.GET("/healthz", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:    cfg.Gateway.Address,
		Handler: router,
		// No ReadTimeout/WriteTimeout: the signaling websocket lives on this
		// server and its connections outlast any sane request deadline.
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling gateway", "address", cfg.Gateway.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("gateway server failed", "error", err)
	case sig := <-quit:
		log.Infow("shutting down", "signal", sig.String())
	}

	gateway.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("graceful shutdown failed", "error", err)
	}
}
