/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the quality assessment engine. The same binary
  serves the HTTP API and runs one-off batch operations.

COMMANDS:
  serve      HTTP API plus the background auto-return sweep
  generate   One generation run over --from/--to
  sweep      One auto-return sweep as of --as-of (default today)
  migrate    Apply database migrations and exit

CONFIGURATION:
  --config points at a YAML file. Every key can also be set from the
  environment with the ASSESS_ prefix (see config/config.go).

EXAMPLES:
  # Run the server with defaults
  ./server serve

  # In-memory database on another port
  ASSESS_DATABASE_PATH=":memory:" ASSESS_SERVER_PORT=3000 ./server serve

  # Backfill a quarter
  ./server generate --from 2025-01-01 --to 2025-03-31

SEE ALSO:
  - serve.go: HTTP server and graceful shutdown
  - batch.go: generate, sweep and migrate
  - config/config.go: Configuration keys
*/
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/config"
	"github.com/warp/assessment-engine/registry"
	"github.com/warp/assessment-engine/store/sqlite"
)

var (
	version = "dev"

	// Global flags
	configPath string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Quality assessment ledger and improvement-period engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newGenerateCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

// app is everything a command needs once configuration is loaded.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	store   *sqlite.Store
	sources *assessment.Sources
}

// bootstrap loads configuration, opens the store and builds the registries.
func bootstrap() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	sources, err := registry.Build(cfg, store.DB(), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("configure registries: %w", err)
	}

	logger.Info("engine initialized",
		zap.String("version", version),
		zap.String("database", cfg.Database.Path),
		zap.Strings("registries", registryNames(sources)))

	return &app{cfg: cfg, logger: logger, store: store, sources: sources}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func registryNames(s *assessment.Sources) []string {
	var out []string
	for _, r := range s.Registries() {
		out = append(out, string(r))
	}
	return out
}
