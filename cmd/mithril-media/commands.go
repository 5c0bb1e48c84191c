package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/GyroZepelix/mithril-media/internal/config"
	"github.com/GyroZepelix/mithril-media/internal/database"
	"github.com/GyroZepelix/mithril-media/internal/diskguard"
	"github.com/GyroZepelix/mithril-media/internal/janitor"
	"github.com/GyroZepelix/mithril-media/internal/media"
)

func newMigrateCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply audit log migrations to DATABASE_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(flags)
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("%w: DATABASE_URL is required", config.ErrConfigurationMissing)
			}
			version, err := database.RunMigrations(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "audit schema at version %d\n", version)
			return nil
		},
	}
}

type diskReport struct {
	Path      string          `json:"path"`
	MinFreeMB uint64          `json:"min_free_mb"`
	Admitted  bool            `json:"admitted"`
	Usage     diskguard.Usage `json:"usage"`
}

func newDiskCheckCommand(flags *cliFlags) *cobra.Command {
	var minFree int64

	cmd := &cobra.Command{
		Use:   "diskcheck",
		Short: "Report free space under the storage root and whether uploads would be admitted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(flags)
			threshold := cfg.MinFreeMB
			if minFree >= 0 {
				threshold = uint64(minFree)
			}

			root, err := media.ResolveRoot(cfg.StorageRoot)
			if err != nil {
				return err
			}

			usage, err := diskguard.CheckFreeSpace(root, threshold)
			if err != nil && !errors.Is(err, diskguard.ErrInsufficientSpace) {
				return err
			}
			report := diskReport{Path: root, MinFreeMB: threshold, Admitted: err == nil, Usage: usage}
			if werr := writeJSON(cmd.OutOrStdout(), report); werr != nil {
				return werr
			}
			return err
		},
	}

	cmd.Flags().Int64Var(&minFree, "min-free-mb", -1, "threshold in MB (defaults to MEDIA_MIN_FREE_MB)")
	return cmd
}

func newResolveCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <url>...",
		Short: "Print the storage path each media URL maps to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(flags)
			if err != nil {
				return err
			}
			root, err := media.ResolveRoot(cfg.StorageRoot)
			if err != nil {
				return err
			}
			codec, err := media.NewCodec(root, cfg.APIBaseURL)
			if err != nil {
				return err
			}

			var errs []error
			for _, raw := range args {
				if !media.IsLocalURL(raw) {
					errs = append(errs, fmt.Errorf("%s: %w", raw, media.ErrInvalidMediaURL))
					continue
				}
				path, err := codec.URLToPath(raw)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", raw, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", raw, path)
			}
			return errors.Join(errs...)
		},
	}
}

func newSweepCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale upload and optimizer temp files once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(flags)
			root, err := media.ResolveRoot(cfg.StorageRoot)
			if err != nil {
				return err
			}

			removed, err := janitor.New(root, cfg.TempMaxAge, nil).Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale temp files\n", removed)
			return err
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
