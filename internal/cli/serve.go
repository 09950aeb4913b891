package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sightlinehq/sightline/internal/config"
	"github.com/sightlinehq/sightline/internal/logger"
	"github.com/sightlinehq/sightline/internal/tracing"
	"github.com/sightlinehq/sightline/pkg/agent"
	"github.com/sightlinehq/sightline/pkg/assistant"
	"github.com/sightlinehq/sightline/pkg/gateway"
	"github.com/sightlinehq/sightline/pkg/history"
	"github.com/sightlinehq/sightline/pkg/rpc"
	"github.com/sightlinehq/sightline/pkg/toolexec"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Sightline assistant service",
	Long: `Run the assistant service in the foreground: the chat API, the admin
endpoints, and the conversation retention job. Stops cleanly on SIGINT or
SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}

	appLogger, err := logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   true,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	log := appLogger.GetZerolog()

	if err := tracing.InitOpenTelemetry("sightline"); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.ShutdownOpenTelemetry(ctx)
		}()
	}

	historyPath := cfg.History.Path
	if historyPath == "" {
		historyPath = filepath.Join(cfg.DataDir, "history.db")
	}
	store, err := history.NewSQLiteStore(history.Config{
		Path:   historyPath,
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	cleanup, err := history.NewCleanup(history.CleanupConfig{
		Store:         store,
		RetentionDays: cfg.History.RetentionDays,
		Schedule:      cfg.History.CleanupSchedule,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("failed to set up retention cleanup: %w", err)
	}
	if err := cleanup.Start(); err != nil {
		return fmt.Errorf("failed to start retention cleanup: %w", err)
	}
	defer cleanup.Stop()

	backend, err := rpc.NewClient(rpc.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	service, err := assistant.New(assistant.Config{
		Providers: &agent.ProviderFactory{
			OpenAIAPIKey:    cfg.Providers.OpenAIAPIKey,
			AnthropicAPIKey: cfg.Providers.AnthropicAPIKey,
		},
		Backend: backend,
		Gate:    toolexec.NewGate(toolexec.DefaultTokenTTL),
		Store:   store,
		Models:  cfg.Models,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("failed to create assistant service: %w", err)
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		AdminPort:         cfg.Server.AdminPort,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		MaxConcurrent:     cfg.RateLimit.MaxConcurrent,
		RetryAfterSeconds: cfg.RateLimit.RetryAfterSeconds,
		Service:           service,
		Auth:              gateway.NewAuthenticator(backend, log),
		Logger:            log,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	// Hot reload covers what is safe to change live: log level and limits.
	watcher, err := config.NewWatcher(loader, func(updated *config.Config) {
		appLogger.SetLevel(updated.Logging.Level)
		server.Limiter().UpdateLimits(updated.RateLimit.RequestsPerMinute, updated.RateLimit.MaxConcurrent)
		log.Info().Msg("Configuration reloaded")
	}, log)
	if err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
	} else {
		defer watcher.Close()
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info().
		Str("version", version).
		Int("port", cfg.Server.Port).
		Int("admin_port", cfg.Server.AdminPort).
		Msg("Sightline assistant is running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Info().Str("signal", received.String()).Msg("Shutting down")

	return server.Stop()
}
