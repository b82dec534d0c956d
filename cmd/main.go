package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Darmau/koktohay-api/internal/app"
	"github.com/Darmau/koktohay-api/internal/config"
	"github.com/Darmau/koktohay-api/internal/logging"
	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
)

var version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:          "koktohay",
	Short:        "Image intake and derivative processing service",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the processing workers",
	RunE:  runServe,
}

func initSentry(cfg *config.SentryConfig, version string) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     version,
	})
}

// load reads the configuration and installs the default logger.
func load() (*config.Config, *slog.Logger, error) {
	cfg := config.NewConfig()
	if err := cfg.Read(configFile); err != nil {
		return nil, nil, err
	}
	log := logging.CreateLogger(cfg.Log.Level)
	slog.SetDefault(log)
	return cfg, log, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := load()
	if err != nil {
		return err
	}

	if err := initSentry(&cfg.Sentry, version); err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	// Flush buffered events before the program terminates.
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.json", "path to a JSON or YAML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd, retryCmd, storageConfigCmd, geoCacheCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("failed to execute command", "error", err)
		os.Exit(1)
	}
}
