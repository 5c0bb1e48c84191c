package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Temporary files live next to their final destination so that the closing
// rename stays on one filesystem. Their prefixes are dot-prefixed so that
// they can never match the public URL shape.
const (
	TempUploadPrefix   = ".upload-"
	TempOptimizePrefix = ".optimize-"
)

// ErrInsecureFilename is returned when a generated filename fails
// validation before it is joined onto a directory.
var ErrInsecureFilename = errors.New("insecure filename")

// isSecureFilename validates that a filename is safe for filesystem operations.
// It rejects empty strings, dot-prefixed names, path traversal sequences, and
// any path separator characters.
func isSecureFilename(filename string) bool {
	if filename == "" || strings.HasPrefix(filename, ".") {
		return false
	}
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, "/\\") || filepath.IsAbs(filename) {
		return false
	}
	return true
}

// StoredFile is a file durably written under the storage root.
type StoredFile struct {
	Path      string
	Kind      Kind
	CreatedAt time.Time
	Ext       string
}

// ResolveRoot returns the canonical absolute form of dir, creating it first
// if necessary. Symlinks are resolved so that prefix checks compare canonical
// locations.
func ResolveRoot(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("%w: storage root", ErrConfigurationMissing)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving storage root %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("creating storage root %s: %w", abs, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving storage root %s: %w", abs, err)
	}
	return canonical, nil
}

// LocalStorage places uploaded files on the local filesystem under a
// date-partitioned tree:
//
//	{root}/{images|videos}/{yyyy}/{mm}/{dd}/{unixMillis}-{uuid}.{ext}
//
// Filenames are unique because they combine the current time with a random
// UUID. No lock or shared counter is involved, and creating the same day's
// directory from concurrent requests is safe because MkdirAll is idempotent.
type LocalStorage struct {
	root     string
	now      func() time.Time
	newToken func() string
}

// NewLocalStorage creates a LocalStorage rooted at the canonical form of
// root, creating the root and its kind subdirectories if absent.
func NewLocalStorage(root string) (*LocalStorage, error) {
	canonical, err := ResolveRoot(root)
	if err != nil {
		return nil, err
	}
	for _, k := range []Kind{KindImage, KindVideo} {
		dir := filepath.Join(canonical, k.dir())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating media directory %s: %w", dir, err)
		}
	}
	return &LocalStorage{
		root:     canonical,
		now:      time.Now,
		newToken: uuid.NewString,
	}, nil
}

// Root returns the canonical storage root.
func (s *LocalStorage) Root() string {
	return s.root
}

// Place writes item under today's (UTC) partition and returns its location.
// The bytes are written to a temporary file in the destination directory and
// renamed into place, so a reader never observes a partially written file.
func (s *LocalStorage) Place(item UploadItem) (StoredFile, error) {
	if item.Kind != KindImage && item.Kind != KindVideo {
		return StoredFile{}, fmt.Errorf("%w: kind %q", ErrUnsupportedMediaKind, item.Kind)
	}
	if !isSecureFilename("x." + item.Ext) {
		return StoredFile{}, fmt.Errorf("%w: extension %q", ErrInsecureFilename, item.Ext)
	}

	now := s.now().UTC()
	dir := filepath.Join(s.root, item.Kind.dir(), now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StoredFile{}, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	filename := strconv.FormatInt(now.UnixMilli(), 10) + "-" + s.newToken() + "." + item.Ext
	if !isSecureFilename(filename) {
		return StoredFile{}, fmt.Errorf("%w: %q", ErrInsecureFilename, filename)
	}
	dst := filepath.Join(dir, filename)

	if err := writeAtomic(dir, dst, TempUploadPrefix, item.Data); err != nil {
		return StoredFile{}, err
	}

	return StoredFile{
		Path:      dst,
		Kind:      item.Kind,
		CreatedAt: now,
		Ext:       item.Ext,
	}, nil
}

// Remove deletes the file at path. It returns nil if the file does not exist
// (idempotent) and refuses paths outside the root and directories.
func (s *LocalStorage) Remove(path string) error {
	if !within(s.root, filepath.Clean(path)) {
		return fmt.Errorf("%w: %s", ErrPathEscapesRoot, path)
	}
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("inspecting file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("refusing to remove directory %s", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting file %s: %w", path, err)
	}
	return nil
}

// writeAtomic writes data to a temporary file in dir and renames it to dst.
// The temporary file is removed on every error path.
func writeAtomic(dir, dst, prefix string, data []byte) error {
	tmp, err := os.CreateTemp(dir, prefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		return fmt.Errorf("writing file %s: %w", dst, writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing file %s: %w", dst, closeErr)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("renaming temp file to %s: %w", dst, err)
	}

	tmpPath = ""
	return nil
}
