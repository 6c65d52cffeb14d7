package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slotboard/collab/internal/api/websocket"
	"github.com/slotboard/collab/internal/config"
	"github.com/slotboard/collab/pkg/common/cache"
	"github.com/slotboard/collab/pkg/observability"
	"github.com/slotboard/collab/pkg/repository/postgres"
	"github.com/slotboard/collab/pkg/resilience"

	// PostgreSQL driver
	_ "github.com/lib/pq"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLogger("collab-server")

	var metricsClient observability.MetricsClient = observability.NewNoopMetricsClient()
	registry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		metricsClient = observability.NewPrometheusMetricsClient(cfg.Metrics.Namespace, registry)
	}
	defer func() { _ = metricsClient.Close() }()

	db, err := openDatabase(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	stateCache, err := cache.NewRedisCache(ctx, cfg.Cache)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer func() { _ = stateCache.Close() }()

	repo := postgres.NewEventRepository(db, logger)
	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig(), logger)

	server, err := websocket.NewServer(cfg.Collab, repo, stateCache, breakers, logger, metricsClient)
	if err != nil {
		log.Fatalf("Failed to build collaboration server: %v", err)
	}
	server.Start(ctx)
	defer server.Stop()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	server.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         cfg.API.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: metricsMux}
		go func() {
			logger.Info("metrics listener starting", map[string]interface{}{
				"address": cfg.Metrics.ListenAddress,
			})
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	go func() {
		logger.Info("collaboration server starting", map[string]interface{}{
			"address": cfg.API.ListenAddress,
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http listener failed", map[string]interface{}{"error": err.Error()})
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", map[string]interface{}{"signal": s.String()})
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}

// openDatabase connects to the scheduling store, retrying briefly so the
// server survives a database that is still starting up alongside it.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) (*sqlx.DB, error) {
	var db *sqlx.DB
	err := resilience.Retry(ctx, resilience.RetryConfig{
		MaxRetries:      5,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  time.Minute,
	}, func() error {
		var err error
		db, err = sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
		if err != nil {
			logger.Warn("database not ready, retrying", map[string]interface{}{"error": err.Error()})
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}
