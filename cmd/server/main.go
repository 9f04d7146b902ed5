package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/omnigate/omnigate/internal/config"
	"github.com/omnigate/omnigate/internal/database"
	"github.com/omnigate/omnigate/internal/logger"
	"github.com/omnigate/omnigate/internal/router"
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

	deps := router.BuildDependencies(cfg, database.GetDB(), rdb, log)
	deps.Events.Start()

	// Workers can run embedded for single-process deployments; the
	// dedicated worker binary covers scaled ones.
	var embedded *usage.Worker
	if os.Getenv("EMBEDDED_USAGE_WORKER") != "false" {
		embedded = usage.NewWorker(database.GetDB(), deps.Queue, log, cfg.Usage.WorkerConcurrency)
		embedded.Start(context.Background())
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router.New(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("gateway listening",
			zap.Int("port", cfg.Server.Port),
			zap.Int("providers", len(cfg.Providers)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}

	// Drain order matters: stop taking requests, flush the buffer, then
	// stop workers so the flushed batches still land.
	deps.Events.Close()
	if embedded != nil {
		embedded.Stop()
	}
	log.Info("shutdown complete")
}
