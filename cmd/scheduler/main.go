/**
 * @description
 * This is the main entry point for the engine scheduler.
 * It is a non-HTTP, long-running process that sweeps due scheduled transactions on a cron
 * spec. Several replicas may run at once: claims are taken with SKIP LOCKED.
 */
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/transfa/banking-engine/internal/app"
	"github.com/transfa/banking-engine/internal/bootstrap"
	"github.com/transfa/banking-engine/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, relying on environment")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StorageDriver == config.StorageDriverMemory {
		logger.Warn("memory storage is private to this process; the scheduler will only see its own data")
	}

	rt, err := bootstrap.Build(context.Background(), &cfg, logger)
	if err != nil {
		logger.Error("failed to assemble engine", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	scheduler := app.NewScheduler(rt.Service, logger, cfg.SchedulerSpec)
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler started", "spec", cfg.SchedulerSpec)

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
