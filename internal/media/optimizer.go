package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	// Register the WebP decoder so uploaded .webp images can be re-encoded.
	_ "golang.org/x/image/webp"
)

// ErrEngineUnavailable is returned by an EngineLoader when image
// re-encoding is not available in this process.
var ErrEngineUnavailable = errors.New("image optimization engine unavailable")

const (
	defaultMaxWidth    = 1920
	defaultJPEGQuality = 80
)

// EncodeOptions controls re-encoding.
type EncodeOptions struct {
	// MaxWidth caps the output width. Narrower images are never upscaled.
	MaxWidth int
	// Quality is the JPEG quality, 1-100.
	Quality int
}

// Engine re-encodes the image at src as JPEG into dst.
type Engine interface {
	Reencode(dst io.Writer, src string, opts EncodeOptions) error
}

// EngineLoader provides the Engine. It is called at most once per Optimizer.
type EngineLoader func() (Engine, error)

// ImagingLoader loads the imaging-backed engine.
func ImagingLoader() (Engine, error) {
	return imagingEngine{}, nil
}

// DisabledLoader reports the engine as unavailable, which makes the
// optimizer keep every original untouched.
func DisabledLoader() (Engine, error) {
	return nil, fmt.Errorf("%w: disabled by configuration", ErrEngineUnavailable)
}

type imagingEngine struct{}

// Reencode applies EXIF orientation, downscales to MaxWidth, flattens any
// transparency onto white, and encodes as JPEG.
func (imagingEngine) Reencode(dst io.Writer, src string, opts EncodeOptions) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decoding %s: %w", src, err)
	}

	if opts.MaxWidth > 0 && img.Bounds().Dx() > opts.MaxWidth {
		img = imaging.Resize(img, opts.MaxWidth, 0, imaging.Lanczos)
	}

	if o, ok := img.(interface{ Opaque() bool }); ok && !o.Opaque() {
		b := img.Bounds()
		bg := imaging.New(b.Dx(), b.Dy(), color.White)
		img = imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
	}

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultJPEGQuality
	}
	if err := imaging.Encode(dst, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("encoding %s: %w", src, err)
	}
	return nil
}

// OptimizeResult describes one optimizer run.
type OptimizeResult struct {
	// Path is the file to use from now on: the optimized .jpg, or the
	// untouched original when optimization was skipped or failed.
	Path      string
	Optimized bool
	// OriginalSize is -1 when the original could not be stat'ed.
	OriginalSize  int64
	OptimizedSize int64
	// Ratio is OptimizedSize/OriginalSize rounded to three decimals, nil
	// when the original size is unknown.
	Ratio *float64
}

// Optimizer re-encodes stored images into normalized JPEGs.
//
// The engine is optional. It is loaded on the first call to Optimize and the
// outcome is kept for the lifetime of the Optimizer: a failed load logs one
// warning and every later call returns the original path unchanged without
// retrying. Share one Optimizer across requests to keep that state
// process-wide.
type Optimizer struct {
	load     EngineLoader
	opts     EncodeOptions
	observer Observer
	rename   func(oldpath, newpath string) error

	once    sync.Once
	engine  Engine
	loadErr error
}

// NewOptimizer creates an Optimizer. Zero-valued options use a max width of
// 1920 pixels and JPEG quality 80.
func NewOptimizer(load EngineLoader, opts EncodeOptions, observer Observer) *Optimizer {
	if load == nil {
		load = DisabledLoader
	}
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = defaultMaxWidth
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = defaultJPEGQuality
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Optimizer{
		load:     load,
		opts:     opts,
		observer: observer,
		rename:   os.Rename,
	}
}

// Available reports whether the engine loaded. It triggers the load.
func (o *Optimizer) Available() bool {
	_, err := o.loadEngine()
	return err == nil
}

func (o *Optimizer) loadEngine() (Engine, error) {
	o.once.Do(func() {
		o.engine, o.loadErr = o.load()
		if o.loadErr == nil && o.engine == nil {
			o.loadErr = ErrEngineUnavailable
		}
		if o.loadErr != nil {
			slog.Warn("image optimizer unavailable, originals will be stored as uploaded", "error", o.loadErr)
		}
	})
	return o.engine, o.loadErr
}

// Optimize re-encodes the image at path. It never fails: when the engine is
// unavailable or processing fails, the original path is returned and the
// original file is left intact.
func (o *Optimizer) Optimize(ctx context.Context, path string) OptimizeResult {
	engine, err := o.loadEngine()
	if err != nil {
		o.observer.ObserveOptimize(OutcomeSkipped, nil)
		return OptimizeResult{Path: path, OriginalSize: -1}
	}
	if ctx.Err() != nil {
		o.observer.ObserveOptimize(OutcomeSkipped, nil)
		return OptimizeResult{Path: path, OriginalSize: -1}
	}

	res, err := o.optimize(engine, path)
	if err != nil {
		slog.Warn("image optimization failed, keeping original", "path", path, "error", err)
		o.observer.ObserveOptimize(OutcomeFailed, nil)
		return OptimizeResult{Path: path, OriginalSize: res.OriginalSize}
	}

	slog.Debug("image optimized",
		"path", res.Path,
		"original_size", res.OriginalSize,
		"optimized_size", res.OptimizedSize,
		"ratio", ratioValue(res.Ratio),
	)
	o.observer.ObserveOptimize(OutcomeOptimized, res.Ratio)
	return res
}

// optimize writes the re-encoded image to a temporary sibling, renames it
// over {base}.jpg, and only then removes an original with another extension.
func (o *Optimizer) optimize(engine Engine, path string) (res OptimizeResult, err error) {
	res = OptimizeResult{Path: path, OriginalSize: -1}
	if info, statErr := os.Stat(path); statErr == nil {
		res.OriginalSize = info.Size()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	dst := filepath.Join(dir, base+".jpg")

	tmp, err := os.CreateTemp(dir, TempOptimizePrefix+"*")
	if err != nil {
		return res, fmt.Errorf("%w: creating temp file: %v", ErrOptimizationFailed, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrOptimizationFailed, r)
		}
	}()

	encErr := engine.Reencode(tmp, path, o.opts)
	closeErr := tmp.Close()
	if encErr != nil {
		return res, fmt.Errorf("%w: %v", ErrOptimizationFailed, encErr)
	}
	if closeErr != nil {
		return res, fmt.Errorf("%w: closing temp file: %v", ErrOptimizationFailed, closeErr)
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrOptimizationFailed, err)
	}
	if info.Size() == 0 {
		return res, fmt.Errorf("%w: engine produced no output", ErrOptimizationFailed)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return res, fmt.Errorf("%w: %v", ErrOptimizationFailed, err)
	}
	if err := o.rename(tmpPath, dst); err != nil {
		return res, fmt.Errorf("%w: renaming to %s: %v", ErrOptimizationFailed, dst, err)
	}
	tmpPath = ""

	if dst != path {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to remove pre-optimization original", "path", path, "error", err)
		}
	}

	res.Path = dst
	res.Optimized = true
	res.OptimizedSize = info.Size()
	if res.OriginalSize > 0 {
		r := math.Round(float64(res.OptimizedSize)/float64(res.OriginalSize)*1000) / 1000
		res.Ratio = &r
	}
	return res, nil
}

func ratioValue(r *float64) any {
	if r == nil {
		return nil
	}
	return *r
}
