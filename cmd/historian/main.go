// cmd/historian is an asynchronous historian service that pops match action
// records from a Redis queue and persists them to PostgreSQL.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/rally/internal/cache"
	"github.com/jason-s-yu/rally/internal/config"
	"github.com/jason-s-yu/rally/internal/database"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.ConnectDB(ctx, cfg.DSN())
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		logger.WithError(err).Fatal("failed to migrate schema")
	}

	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}
	defer rdb.Close()

	h := newHistorian(
		rdb,
		cfg.HistorianQueue,
		database.NewMatchRepository(pool),
		logger,
		cfg.HistorianBatchSize,
		cfg.HistorianFlushInterval(),
		cfg.InactivityTimeout(),
	)
	h.run(ctx)
}
