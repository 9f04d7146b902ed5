// The worker binary drains the usage queue into the database. Run one
// or more alongside the gateways; batches dedup on request_id so extra
// workers are safe.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/omnigate/omnigate/internal/config"
	"github.com/omnigate/omnigate/internal/database"
	"github.com/omnigate/omnigate/internal/logger"
	"github.com/omnigate/omnigate/internal/services/usage"
)

func main() {
	configPath := flag.String("config", "", "path to config directory")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := database.Initialize(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}); err != nil {
		log.Fatal("database initialization failed", zap.Error(err))
	}
	defer database.Close()

	rdb, err := database.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	queue := usage.NewQueue(rdb, log, cfg.Usage.MaxRetries, cfg.Usage.RetryBackoff)
	worker := usage.NewWorker(database.GetDB(), queue, log, cfg.Usage.WorkerConcurrency)
	worker.Start(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("stopping usage workers")
	worker.Stop()
	log.Info("shutdown complete")
}
