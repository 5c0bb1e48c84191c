// Package diskguard answers whether the filesystem holding the media storage
// root has room for another upload request.
//
// The check is advisory. Free space is sampled before a request writes
// anything, and concurrent requests may consume that space between the check
// and their own writes. The guard sheds load under sustained pressure; it
// does not reserve capacity.
package diskguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrDiskUnavailable is returned when free space cannot be determined by
// either the native statistics call or the df fallback.
var ErrDiskUnavailable = errors.New("disk statistics unavailable")

// ErrInsufficientSpace is returned when free space is below the configured
// minimum.
var ErrInsufficientSpace = errors.New("insufficient free disk space")

// errUnsupported is returned by the native stat implementation on platforms
// without statfs support.
var errUnsupported = errors.New("statfs not supported on this platform")

const bytesPerMB = 1024 * 1024

// Usage describes the capacity of a filesystem in whole mebibytes.
type Usage struct {
	TotalMB uint64 `json:"total_mb"`
	UsedMB  uint64 `json:"used_mb"`
	FreeMB  uint64 `json:"free_mb"`
}

// StatFunc reports the capacity of the filesystem containing path. It must
// give up once ctx is done.
type StatFunc func(ctx context.Context, path string) (Usage, error)

// Observer receives every successful free-space sample.
type Observer interface {
	ObserveDiskFree(freeMB uint64)
}

// CheckFreeSpace reports the capacity of the filesystem containing path using
// statfs, falling back to df when the native call is unavailable or fails.
// The minFreeMB threshold is applied by the returned error only: a Usage is
// returned alongside ErrInsufficientSpace so callers can report it.
func CheckFreeSpace(path string, minFreeMB uint64) (Usage, error) {
	g := &Guard{Path: path, MinFreeMB: minFreeMB}
	return g.Admit(context.Background())
}

// Guard is a reusable admission check bound to one storage root.
type Guard struct {
	Path      string
	MinFreeMB uint64

	// Stat and Fallback default to statfs and df respectively.
	Stat     StatFunc
	Fallback StatFunc
	Observer Observer
}

// NewGuard creates a Guard for path with the given threshold.
func NewGuard(path string, minFreeMB uint64, observer Observer) *Guard {
	return &Guard{Path: path, MinFreeMB: minFreeMB, Observer: observer}
}

// Usage samples the filesystem without applying the threshold.
func (g *Guard) Usage(ctx context.Context) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}

	stat := g.Stat
	if stat == nil {
		stat = statfs
	}
	u, err := stat(ctx, g.Path)
	if err == nil {
		g.observe(u)
		return u, nil
	}

	fallback := g.Fallback
	if fallback == nil {
		fallback = dfUsage
	}
	if !errors.Is(err, errUnsupported) {
		slog.Debug("statfs failed, trying df", "path", g.Path, "error", err)
	}
	u, fbErr := fallback(ctx, g.Path)
	if fbErr != nil {
		return Usage{}, fmt.Errorf("%w: statfs: %v; df: %v", ErrDiskUnavailable, err, fbErr)
	}
	g.observe(u)
	return u, nil
}

// Admit samples the filesystem and returns ErrInsufficientSpace when free
// space is below MinFreeMB.
func (g *Guard) Admit(ctx context.Context) (Usage, error) {
	u, err := g.Usage(ctx)
	if err != nil {
		return Usage{}, err
	}
	if u.FreeMB < g.MinFreeMB {
		return u, fmt.Errorf("%w: %d MB free, %d MB required", ErrInsufficientSpace, u.FreeMB, g.MinFreeMB)
	}
	return u, nil
}

func (g *Guard) observe(u Usage) {
	if g.Observer != nil {
		g.Observer.ObserveDiskFree(u.FreeMB)
	}
}

// usageFromBlocks converts raw block counts into a Usage.
func usageFromBlocks(blockSize, total, free, avail uint64) Usage {
	totalBytes := total * blockSize
	usedBytes := totalBytes - free*blockSize
	return Usage{
		TotalMB: totalBytes / bytesPerMB,
		UsedMB:  usedBytes / bytesPerMB,
		FreeMB:  avail * blockSize / bytesPerMB,
	}
}
