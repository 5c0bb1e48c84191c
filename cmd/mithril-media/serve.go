package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/GyroZepelix/mithril-media/internal/audit"
	"github.com/GyroZepelix/mithril-media/internal/config"
	"github.com/GyroZepelix/mithril-media/internal/database"
	"github.com/GyroZepelix/mithril-media/internal/diskguard"
	"github.com/GyroZepelix/mithril-media/internal/janitor"
	"github.com/GyroZepelix/mithril-media/internal/media"
	"github.com/GyroZepelix/mithril-media/internal/metrics"
	"github.com/GyroZepelix/mithril-media/internal/server"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
}

// pipeline is the media stack shared by serve and the one-shot commands.
type pipeline struct {
	settings  config.MediaSettings
	store     *media.LocalStorage
	codec     *media.Codec
	optimizer *media.Optimizer
	guard     *diskguard.Guard
}

func buildPipeline(cfg *config.Config, rec *metrics.Recorder) (*pipeline, error) {
	settings, err := cfg.MediaSettings()
	if err != nil {
		return nil, err
	}

	store, err := media.NewLocalStorage(cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	codec, err := media.NewCodec(store.Root(), cfg.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("initializing url codec: %w", err)
	}

	loader := media.DisabledLoader
	if cfg.OptimizerEnabled {
		loader = media.ImagingLoader
	}

	return &pipeline{
		settings:  settings,
		store:     store,
		codec:     codec,
		optimizer: media.NewOptimizer(loader, settings.Optimizer, rec),
		guard:     diskguard.NewGuard(store.Root(), cfg.MinFreeMB, rec),
	}, nil
}

func runServe(ctx context.Context, flags *cliFlags) error {
	cfg, err := loadValidConfig(flags)
	if err != nil {
		return err
	}

	slog.Info("starting media server",
		"port", cfg.Port,
		"storage_root", cfg.StorageRoot,
		"api_base_url", cfg.APIBaseURL,
		"min_free_mb", cfg.MinFreeMB,
		"optimizer", cfg.OptimizerEnabled,
		"dev_mode", cfg.DevMode,
	)

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec, err := metrics.New("mithril_media", reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	// --- Media pipeline ---
	p, err := buildPipeline(cfg, rec)
	if err != nil {
		return err
	}
	slog.Info("media storage ready", "root", p.store.Root())

	if usage, err := p.guard.Usage(ctx); err != nil {
		slog.Warn("initial disk check failed", "error", err)
	} else {
		slog.Info("disk usage", "total_mb", usage.TotalMB, "free_mb", usage.FreeMB)
	}

	// --- Optional audit log ---
	var db *database.DB
	var auditService *audit.Service
	if cfg.DatabaseURL != "" {
		dbCtx, dbCancel := context.WithTimeout(ctx, 10*time.Second)
		db, err = database.New(dbCtx, cfg.DatabaseURL)
		dbCancel()
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close()
		slog.Info("database connected")

		version, err := database.RunMigrations(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		slog.Info("migrations applied", "schema_version", version)

		auditService = audit.NewService(audit.NewRepository(db))
		auditService.Start()
	} else {
		slog.Info("DATABASE_URL not set, audit log disabled")
	}

	svc := media.NewService(p.store, p.codec, p.optimizer, media.Options{
		Policy:      p.settings.Policy,
		Concurrency: cfg.IngestConcurrency,
		Guard:       p.guard,
		Observer:    rec,
		Audit:       auditService,
	})

	// --- Temp file janitor ---
	jan := janitor.New(p.store.Root(), cfg.TempMaxAge, rec)
	if cfg.JanitorSchedule != "" {
		if err := jan.Start(cfg.JanitorSchedule); err != nil {
			return err
		}
	} else {
		slog.Info("temp file janitor disabled")
	}

	// --- Build router and start server ---
	deps := server.Dependencies{
		Media:       media.NewHandler(svc),
		Disk:        p.guard,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		CORSOrigins: cfg.CORSAllowedOrigins,
		DevMode:     cfg.DevMode,
	}
	if db != nil {
		deps.DB = db
	}

	srv := server.New(fmt.Sprintf(":%d", cfg.Port), server.NewRouter(deps), server.DefaultTimeouts())

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr())
		errCh <- srv.Start()
	}()

	// --- Graceful shutdown on SIGINT/SIGTERM ---
	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case serveErr = <-errCh:
		if serveErr != nil {
			slog.Error("server error", "error", serveErr)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	slog.Info("shutting down server", "timeout", shutdownTimeout.String())
	if err := srv.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("server shutdown: %w", err))
	}
	jan.Stop(shutdownCtx)
	if auditService != nil {
		auditService.Shutdown(shutdownCtx)
	}

	slog.Info("media server stopped")
	return serveErr
}
