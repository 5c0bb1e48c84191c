// Package main is the entrypoint for the media ingestion server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GyroZepelix/mithril-media/internal/config"
)

func main() {
	config.LoadDotEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// cliFlags are the persistent flags shared by every command. Non-empty values
// override the environment.
type cliFlags struct {
	logLevel    string
	storageRoot string
}

func newRootCommand() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:   "mithril-media",
		Short: "Local media ingestion for listing photos and videos",
		Long: `mithril-media accepts listing image and video uploads, stores them under a
local root, optimizes images and hands back public URLs.

Running it without a subcommand starts the HTTP server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	root.PersistentFlags().StringVar(&flags.storageRoot, "storage-root", "", "media storage root (overrides STORAGE_ROOT)")

	root.AddCommand(
		newServeCommand(flags),
		newMigrateCommand(flags),
		newDiskCheckCommand(flags),
		newResolveCommand(flags),
		newSweepCommand(flags),
	)
	return root
}

// loadConfig reads the environment, applies flag overrides and installs the
// JSON logger.
func loadConfig(flags *cliFlags) *config.Config {
	cfg := config.Load()
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.storageRoot != "" {
		cfg.StorageRoot = flags.storageRoot
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)
	return cfg
}

// loadValidConfig is loadConfig followed by Validate.
func loadValidConfig(flags *cliFlags) (*config.Config, error) {
	cfg := loadConfig(flags)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
