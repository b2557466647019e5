package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/janiproxy/janiproxy/internal/commands"
	"github.com/janiproxy/janiproxy/internal/config"
	"github.com/janiproxy/janiproxy/internal/cooldown"
	"github.com/janiproxy/janiproxy/internal/handlers"
	"github.com/janiproxy/janiproxy/internal/i18n"
	"github.com/janiproxy/janiproxy/internal/middleware"
	"github.com/janiproxy/janiproxy/internal/server"
	"github.com/janiproxy/janiproxy/internal/services/bandwidth"
	"github.com/janiproxy/janiproxy/internal/services/provider"
	"github.com/janiproxy/janiproxy/internal/services/stats"
	"github.com/janiproxy/janiproxy/internal/services/storage"
	"github.com/janiproxy/janiproxy/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithField("version", cfg.Proxy.Version).Info("Starting proxy")

	policy, err := cooldown.ParsePolicy(cfg.Cooldown.Policy)
	if err != nil {
		log.WithError(err).Fatal("Invalid cooldown policy")
	}
	log.WithField("policy", policy.String()).Info("Cooldown policy loaded")

	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}

	prefill := ""
	if cfg.Proxy.PrefillFile != "" {
		data, err := os.ReadFile(cfg.Proxy.PrefillFile)
		if err != nil {
			log.WithError(err).Fatal("Failed to read prefill file")
		}
		prefill = string(data)
		log.WithField("bytes", len(prefill)).Info("Prefill loaded")
	}

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	tracker := stats.NewTracker(storageManager.RedisClient(), log)
	monitor := bandwidth.NewMonitor(&cfg.Bandwidth, log)
	if monitor.Enabled() {
		log.Info("Bandwidth monitoring enabled")
	}

	gemini := provider.NewGemini(&cfg.Provider, log)
	classifier := provider.NewClassifier(tracker, log)
	registry := commands.NewRegistry(cfg.Proxy.Banner, cfg.Proxy.BannerVersion)

	rateLimiter := middleware.NewRateLimiter(cfg, log)
	metrics := middleware.NewMetrics()

	proxyHandler := handlers.NewProxyHandler(
		cfg,
		storageManager,
		registry,
		gemini,
		classifier,
		policy,
		monitor,
		tracker,
		rateLimiter,
		metrics,
		localizer,
		log,
		prefill,
	)

	srv := server.New(cfg, storageManager, tracker, monitor, policy, proxyHandler, log)

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		log.WithError(err).Fatal("HTTP server failed")
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Shutdown did not finish cleanly")
	}

	log.Info("Proxy stopped")
}
