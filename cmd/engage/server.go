package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/engage/internal/api"
	"github.com/goodtune/engage/internal/claim"
	"github.com/goodtune/engage/internal/config"
	"github.com/goodtune/engage/internal/metrics"
	"github.com/goodtune/engage/internal/session"
	"github.com/goodtune/engage/internal/storage"
	"github.com/goodtune/engage/internal/storage/cache"
	"github.com/goodtune/engage/internal/storage/memory"
	"github.com/goodtune/engage/internal/storage/redis"
	"github.com/goodtune/engage/internal/storage/sqlite"
	"github.com/goodtune/engage/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start engage server",
	Long:  `Start the engage server with the session API and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting engage")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Int("cache_size", cfg.Storage.CacheSize).
		Str("cache_ttl", cfg.Storage.CacheTTL).
		Msg("Storage initialized")

	var claimer claim.Claimer = claim.NopClaimer{Logger: logger}
	if cfg.Claim.URL != "" {
		claimer = claim.NewHTTPClaimer(claim.Config{
			URL:     cfg.Claim.URL,
			Timeout: config.ParseDuration(cfg.Claim.Timeout, claim.DefaultTimeout),
			Retries: cfg.Claim.Retries,
		}, logger)
		logger.Info().Str("url", cfg.Claim.URL).Msg("Completions will be claimed")
	} else {
		logger.Warn().Msg("claim.url is not set, completions will only be logged")
	}

	manager := session.NewManager(store, claimer, session.Config{
		DefaultThreshold:  cfg.Engagement.DefaultThresholdSeconds,
		TickInterval:      config.ParseDuration(cfg.Engagement.TickInterval, time.Second),
		InactivityTimeout: config.ParseDuration(cfg.Engagement.InactivityTimeout, session.DefaultInactivityTimeout),
	}, logger)
	defer manager.Close()

	if _, err := manager.Recover(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("Failed to deactivate stale sessions")
	}

	logger.Info().
		Int64("default_threshold_seconds", manager.DefaultThreshold()).
		Msg("Session manager initialized")

	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr:      apiAddr,
		AllowedOrigins:  cfg.Server.CORSOrigins,
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: config.ParseDuration(cfg.Server.RateLimitWindow, time.Minute),
	}, manager, logger)

	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info().Msg("engage startup complete")
	logger.Info().Msgf("API: http://%s", apiAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := systemd.RunWatchdog(ctx); err != nil {
			logger.Error().Err(err).Msg("systemd watchdog stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	// Ends sessions and flushes pending claims before storage closes
	manager.Close()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("engage stopped")

	return nil
}

// openStorage opens the configured backend, fronted by the verification cache.
func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)

	switch cfg.Type {
	case "", "redis":
		store, err = redis.Open(cfg.Redis)
	case "sqlite":
		store, err = sqlite.Open(cfg.SQLite.Path)
	case "memory":
		store = memory.New()
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheSize <= 0 {
		return store, nil
	}

	cached, err := cache.Wrap(store, cfg.CacheSize, config.ParseDuration(cfg.CacheTTL, cache.DefaultTTL))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create verification cache: %w", err)
	}
	return cached, nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
