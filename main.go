package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"go_ohlcv_backend/config"
	"go_ohlcv_backend/controllers"
	"go_ohlcv_backend/middleware"
	"go_ohlcv_backend/models"
	"go_ohlcv_backend/routes"
	"go_ohlcv_backend/scheduler"
	"go_ohlcv_backend/services/archive"
	"go_ohlcv_backend/services/barstore"
	"go_ohlcv_backend/services/datafetcher"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		config.SetupLogger(os.Stderr, "info")
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	config.SetupLogger(os.Stdout, cfg.LogLevel)
	slog.Info("OHLCV ingestion service starting", "environment", cfg.Environment, "port", cfg.Port)

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := config.InitDB(cfg)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}

	slog.Info("running database migrations")
	if err := models.MigrateBarModels(db); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Optional history cache
	var cache barstore.HistoryCache = barstore.NoopCache
	var redisCache *barstore.RedisHistoryCache
	if cfg.RedisURL != "" {
		redisCache, err = barstore.ConnectRedisHistoryCache(ctx, cfg.RedisURL, cfg.HistoryCacheTTL)
		if err != nil {
			slog.Warn("redis history cache disabled", "error", err)
		} else {
			cache = redisCache
			slog.Info("redis history cache enabled", "ttl", cfg.HistoryCacheTTL)
		}
	} else {
		slog.Info("REDIS_URL not set, history cache disabled")
	}

	// Optional cycle report archive
	var cycleArchive *archive.CycleArchive
	if cfg.MongoURI != "" {
		cycleArchive, err = archive.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			slog.Warn("mongodb cycle archive disabled", "error", err)
			cycleArchive = nil
		}
	} else {
		slog.Info("MONGODB_URI not set, cycle archive disabled")
	}

	fetcher := datafetcher.NewDataFetcher(datafetcher.Options{
		BaseURL:     cfg.ProviderBaseURL,
		Timeout:     cfg.ProviderTimeout,
		MaxAttempts: cfg.ProviderMaxRetries,
		BackoffBase: cfg.ProviderBackoff,
		MinSpacing:  cfg.ProviderSpacing,
	})
	normalizer := datafetcher.NewNormalizer(cfg.DataSource)
	engine := barstore.NewUpsertEngine(db, barstore.WithCache(cache))
	query := barstore.NewQueryService(db, cache)

	deps := scheduler.Deps{Fetcher: fetcher, Normalizer: normalizer, Upserter: engine}
	var reports controllers.ReportArchive
	if cycleArchive != nil {
		deps.Sink = cycleArchive
		reports = cycleArchive
	}
	jobScheduler := scheduler.NewScheduler(deps, scheduler.Options{
		Symbols:  cfg.DefaultSymbols,
		Period:   cfg.DefaultPeriod,
		Interval: cfg.DefaultInterval,
		At:       cfg.ScheduleTime,
		Location: cfg.ScheduleLocation,
	})

	// Create Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware(cfg.CORSAllowedOrigins))
	router.Use(requestLogger())

	routes.SetupRoutes(router, routes.Controllers{
		System: controllers.NewSystemController(query),
		Stock: controllers.NewStockController(controllers.StockDeps{
			Fetcher:    fetcher,
			Normalizer: normalizer,
			Writer:     engine,
			Reader:     query,
		}),
		Scheduler: controllers.NewSchedulerController(jobScheduler, reports),
	}, routes.Options{
		TriggerJWTSecret: cfg.TriggerJWTSecret,
		TriggerRateLimit: cfg.TriggerRateLimit,
	})

	if err := jobScheduler.Start(); err != nil {
		slog.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	if cfg.IngestOnStartup {
		go func() {
			slog.Info("running startup ingestion", "symbols", cfg.DefaultSymbols)
			jobScheduler.RunStartupCycle(context.Background())
		}()
	}

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // on-demand cycles run inside the request
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		slog.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	gracefulShutdown(server, jobScheduler, db, redisCache, cycleArchive)
}

// requestLogger logs failed and slow requests
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip logging for health checks to reduce noise
		path := c.Request.URL.Path
		if path == "/health" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		if c.Writer.Status() >= 400 || duration > 1*time.Second {
			slog.Info("request",
				"method", c.Request.Method,
				"path", path,
				"status", c.Writer.Status(),
				"duration", duration,
				"client_ip", c.ClientIP())
		}
	}
}

// gracefulShutdown handles graceful shutdown of the server
func gracefulShutdown(server *http.Server, jobScheduler *scheduler.Scheduler, db *gorm.DB, cache *barstore.RedisHistoryCache, cycleArchive *archive.CycleArchive) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-quit
	slog.Info("shutting down gracefully", "signal", sig.String())

	// Stop scheduler first
	jobScheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if cache != nil {
		if err := cache.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	if cycleArchive != nil {
		if err := cycleArchive.Close(ctx); err != nil {
			slog.Warn("failed to close mongodb client", "error", err)
		}
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
		slog.Info("database connection closed")
	}

	slog.Info("server shutdown completed")
}
