// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/rally/internal/cache"
	"github.com/jason-s-yu/rally/internal/config"
	"github.com/jason-s-yu/rally/internal/database"
	"github.com/jason-s-yu/rally/internal/finalize"
	"github.com/jason-s-yu/rally/internal/handlers"
	"github.com/jason-s-yu/rally/internal/match"
	"github.com/jason-s-yu/rally/internal/metrics"
	"github.com/jason-s-yu/rally/internal/telemetry"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := cfg.NewLogger()

	ephemeral, err := cfg.InitAuth()
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize auth keys")
	}
	if ephemeral {
		logger.Warn("AUTH_PUBLIC_KEY_PATH not set, using a generated key pair; only tokens issued by this process will verify")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "rally-server", cfg.OtelEndpoint)
	if err != nil {
		logger.WithError(err).Warn("tracing disabled")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithError(err).Warn("failed to flush traces")
		}
	}()

	pool, err := database.ConnectDB(ctx, cfg.DSN())
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		logger.WithError(err).Fatal("failed to migrate schema")
	}

	// The journal is best effort: without Redis, matches still run and finalize.
	var rdb *redis.Client
	if rdb, err = cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB); err != nil {
		logger.WithError(err).Warn("match journal disabled")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	repo := database.NewMatchRepository(pool)
	manager := match.NewManager(match.Options{
		Creator:         repo,
		Finalizer:       finalize.NewGateway(repo, logger, m),
		Journal:         cache.NewPublisher(rdb, cfg.HistorianQueue, logger, m),
		Logger:          logger,
		Metrics:         m,
		ServesPerTurn:   cfg.ServesPerTurn,
		ServeResetDelay: cfg.ServeResetDelay(),
		FinalizeTimeout: cfg.FinalizeTimeout(),

		InactivityTimeout: cfg.InactivityTimeout(),
	})

	server := &http.Server{
		Addr: cfg.Addr(),
		Handler: handlers.NewRouter(handlers.RouterConfig{
			Logger:  logger,
			Manager: manager,
			Metrics: metricsHandler,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("Running on %s", server.Addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server exited")
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("pending finalizations did not complete")
	}
	logger.Info("server stopped")
}
