/**
 * @description
 * This is the main entry point for the engine HTTP server. It loads configuration,
 * assembles the transaction service and serves the API. When SCHEDULER_IN_PROCESS is set
 * it also runs the due-schedule sweep, otherwise cmd/scheduler is expected to run it.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/bootstrap, internal/config: The engine packages.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/transfa/banking-engine/internal/api"
	"github.com/transfa/banking-engine/internal/app"
	"github.com/transfa/banking-engine/internal/bootstrap"
	"github.com/transfa/banking-engine/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found, relying on environment\"")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}
	log.Printf("level=info component=bootstrap msg=\"starting banking engine\" port=%s storage=%s", cfg.ServerPort, cfg.StorageDriver)

	rt, err := bootstrap.Build(context.Background(), &cfg, logger)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"engine wiring failed\" err=%v", err)
	}
	defer rt.Close()

	var scheduler *app.Scheduler
	if cfg.SchedulerInProcess {
		scheduler = app.NewScheduler(rt.Service, logger, cfg.SchedulerSpec)
		if err := scheduler.Start(); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
		}
	}

	handlers := api.NewTransactionHandlers(rt.Service)
	router := api.TransactionRoutes(handlers, api.RouterConfig{
		JWTSecret: cfg.JWTSecret,
		JWTIssuer: cfg.JWTIssuer,
		Metrics:   rt.Metrics.Handler(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
