package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/repoharvest/scmsync/pkg/config"
	"github.com/repoharvest/scmsync/pkg/storage"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "scmsync",
	Short: "Durable SCM sync job queue",
	Long: `scmsync operates a durable work queue for repository synchronization:
workers that execute sync runs, a reaper that recovers expired jobs,
runs and locks, and commands for queue administration.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file when --config is set and falls back
// to built-in defaults otherwise. A .env file in the working directory
// is loaded first so ${VAR} expansion in the config file can see it.
func loadConfig() (*config.AppConfig, error) {
	_ = godotenv.Load()
	if cfgPath == "" {
		return config.Default(), nil
	}
	return config.Load(cfgPath)
}

func setupLogger(cfg *config.AppConfig) {
	level := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
	}
	slog.SetDefault(slog.New(handler))
}

// mustSetup loads configuration, initializes logging and opens the
// configured database, exiting on any failure. Callers own the store.
func mustSetup() (*config.AppConfig, *storage.GormStore) {
	cfg, err := loadConfig()
	if err != nil {
		setupLogger(config.Default())
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg)

	store, err := cfg.Database.OpenStore()
	if err != nil {
		slog.Error("Failed to open database", "error", err, "driver", cfg.Database.Driver)
		os.Exit(1)
	}
	if err := store.Migrate(context.Background()); err != nil {
		slog.Error("Failed to migrate database", "error", err)
		os.Exit(1)
	}
	return cfg, store
}
