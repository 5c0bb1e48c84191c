// Package janitor removes temporary files left under the storage root by
// uploads or optimizer runs that never reached their final rename, for
// example because the process crashed mid-request.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GyroZepelix/mithril-media/internal/media"
)

// Observer receives the result of every sweep.
type Observer interface {
	ObserveSweep(removed int, err error)
}

var tempPrefixes = []string{media.TempUploadPrefix, media.TempOptimizePrefix}

// Janitor sweeps stale temp files on a cron schedule.
type Janitor struct {
	root     string
	maxAge   time.Duration
	observer Observer
	now      func() time.Time

	parser cron.Parser
	cron   *cron.Cron
}

// New creates a Janitor for root. Only temp files whose modification time is
// older than maxAge are removed, so in-flight uploads are never touched.
func New(root string, maxAge time.Duration, observer Observer) *Janitor {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Janitor{
		root:     root,
		maxAge:   maxAge,
		observer: observer,
		now:      time.Now,
		parser:   parser,
	}
}

// Start runs Sweep on schedule, which accepts standard five-field
// expressions, an optional leading seconds field, and descriptors such as
// "@every 1h". Overlapping runs are skipped.
func (j *Janitor) Start(schedule string) error {
	if j.cron != nil {
		return errors.New("janitor already started")
	}
	if _, err := j.parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}

	c := cron.New(
		cron.WithParser(j.parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(schedule, func() {
		_, _ = j.Sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("scheduling janitor: %w", err)
	}
	c.Start()
	j.cron = c

	slog.Info("temp file janitor started", "root", j.root, "schedule", schedule, "max_age", j.maxAge.String())
	return nil
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (j *Janitor) Stop(ctx context.Context) {
	if j.cron == nil {
		return
	}
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
		slog.Warn("janitor stop timed out with a sweep still running")
	}
}

// Sweep walks the storage root once and removes stale temp files. It keeps
// going past individual failures and returns them joined.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	var errs []error

	walkErr := filepath.WalkDir(j.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			errs = append(errs, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() || !isTempName(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
			return nil
		}
		removed++
		slog.Debug("removed stale temp file", "path", path, "modified", info.ModTime())
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}

	err := errors.Join(errs...)
	if j.observer != nil {
		j.observer.ObserveSweep(removed, err)
	}
	if err != nil {
		slog.Warn("temp file sweep finished with errors", "removed", removed, "error", err)
	} else if removed > 0 {
		slog.Info("temp file sweep finished", "removed", removed)
	}
	return removed, err
}

func isTempName(name string) bool {
	for _, p := range tempPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
