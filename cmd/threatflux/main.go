package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sgerhart/threatflux/internal/api"
	"github.com/sgerhart/threatflux/internal/app"
	"github.com/sgerhart/threatflux/internal/config"
	tfnats "github.com/sgerhart/threatflux/internal/nats"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting threatflux detection service")
	logger.Info("Configuration loaded", cfg.LogAttrs()...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialise service", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Service.LoadModels(ctx, cfg.TextDatasetPath); err != nil {
		logger.Error("Failed to load models", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(a.Service, a.Auth, a.Registry, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	subscriberDone := make(chan struct{})
	if a.NATS != nil {
		subscriber := tfnats.NewSubscriber(a.NATS, a.Service, cfg.NATSQueue, cfg.ShutdownTimeout, logger)
		go func() {
			defer close(subscriberDone)
			logger.Info("Starting NATS subscriber")
			if err := subscriber.Subscribe(ctx); err != nil {
				logger.Error("NATS subscriber error", "error", err)
			}
		}()
	} else {
		close(subscriberDone)
		logger.Info("NATS disabled, HTTP ingestion only")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("threatflux service started successfully")
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("Shutting down threatflux service...")

	// stop consuming before the store closes
	cancel()
	<-subscriberDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("threatflux service stopped")
}
