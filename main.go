package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coveo-labs/barca-sports-assistant/internal/adapter/assistant"
	"github.com/coveo-labs/barca-sports-assistant/internal/config"
	"github.com/coveo-labs/barca-sports-assistant/internal/hub"
	"github.com/coveo-labs/barca-sports-assistant/internal/logger"
	"github.com/coveo-labs/barca-sports-assistant/internal/persistence"
	"github.com/coveo-labs/barca-sports-assistant/internal/policy"
	"github.com/coveo-labs/barca-sports-assistant/internal/repository"
	"github.com/coveo-labs/barca-sports-assistant/internal/service"
	handler "github.com/coveo-labs/barca-sports-assistant/internal/transport/http"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	log := logrus.NewEntry(logger.New(cfg.LogLevel))
	log.WithFields(logrus.Fields{
		"http_port":     cfg.HTTPPort,
		"assistant_url": cfg.AssistantURL,
		"store_driver":  cfg.StoreDriver,
	}).Info("Starting assistant gateway")

	// Initialize persistence; the store is opened lazily on first use
	var store *persistence.Adapter
	if cfg.StoreDriver == repository.DriverNone {
		store = persistence.Disabled(log)
	} else {
		store = persistence.New(func() (repository.Store, error) {
			return repository.Open(cfg)
		}, cfg.StoreTimeout, log)
	}

	// Initialize assistant client
	client := assistant.NewClient(cfg.AssistantURL, cfg.AssistantTimeout,
		assistant.WithAPIKey(cfg.AssistantAPIKey),
		assistant.WithRateLimit(cfg.AssistantRPS),
	)

	// Initialize retry policy
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	retryPolicy, err := policy.LoadEngine(ctx, cfg.RetryPolicyFile)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize retry policy")
	}

	// Initialize hub
	h := hub.NewHub(log)
	go h.Run(ctx)

	// Initialize service
	svc := service.New(store, client,
		service.WithRetryPolicy(retryPolicy),
		service.WithBroadcaster(h),
		service.WithLogger(log),
	)
	svc.Start(ctx)

	// Create HTTP server
	server := handler.NewServer(cfg, svc, h, log)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	log.WithField("port", cfg.HTTPPort).Info("HTTP API started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down assistant gateway...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to shutdown HTTP server gracefully")
	}
	svc.Close()
	cancel()

	log.Info("Assistant gateway stopped")
}
