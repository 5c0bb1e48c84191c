package media

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// UploadsPrefix is the URL path prefix under which stored media is exposed.
const UploadsPrefix = "/uploads/"

// storedRelPath is the only shape a root-relative media path may take. It is
// checked in addition to root containment.
var storedRelPath = regexp.MustCompile(`^(images|videos)/\d{4}/\d{2}/\d{2}/[A-Za-z0-9_-]+\.[A-Za-z0-9]+$`)

// storedName is the filename LocalStorage gives every file it places:
// {unixMillis}-{uuid}.{ext}. Temp files and foreign files never match.
var storedName = regexp.MustCompile(`^\d+-[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.(jpg|png|webp|mp4)$`)

// Codec converts between absolute paths under the storage root and public
// media URLs. Both directions fail closed: no input, however malformed,
// yields a path outside the root.
type Codec struct {
	root string
	base string
}

// NewCodec creates a Codec for the given storage root and public API base
// URL. A missing base URL is a configuration error, never defaulted.
func NewCodec(root, baseURL string) (*Codec, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: API base URL is required", ErrConfigurationMissing)
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: API base URL %q must be an absolute http(s) URL", ErrConfigurationMissing, baseURL)
	}

	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: storage root is required", ErrConfigurationMissing)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root %s: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root %s: %w", abs, err)
	}

	return &Codec{root: canonical, base: base}, nil
}

// Root returns the canonical storage root.
func (c *Codec) Root() string {
	return c.root
}

// PathToURL returns the public URL of the stored file at path.
func (c *Codec) PathToURL(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, path)
	}
	resolved, err := canonicalPath(abs)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", abs, err)
	}
	if !within(c.root, resolved) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, path)
	}

	rel, err := filepath.Rel(c.root, resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, path)
	}
	rel = filepath.ToSlash(rel)
	if hasSpace(rel) || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, rel)
	}
	if !storedRelPath.MatchString(rel) {
		return "", fmt.Errorf("%w: %q does not match the media layout", ErrPathEscapesRoot, rel)
	}

	return c.base + UploadsPrefix + rel, nil
}

// URLToPath returns the absolute path addressed by a media URL. Fully
// qualified URLs contribute only their path, so URLs issued under an older
// base URL still resolve. Percent-encoding is decoded before the containment
// check.
func (c *Codec) URLToPath(raw string) (string, error) {
	if raw == "" || hasSpace(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMediaURL, raw)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Opaque != "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidMediaURL, raw)
	}
	if !strings.HasPrefix(u.Path, UploadsPrefix) {
		return "", fmt.Errorf("%w: %q is not under %s", ErrInvalidMediaURL, raw, UploadsPrefix)
	}

	rel := strings.TrimPrefix(u.Path, UploadsPrefix)
	// Stored names never contain these; their presence after decoding means
	// double encoding, an alternate separator, or a NUL byte.
	if strings.ContainsAny(rel, "\\%\x00") {
		return "", fmt.Errorf("%w: %q", ErrPathTraversalDetected, raw)
	}

	resolved := filepath.Join(c.root, filepath.FromSlash(rel))
	if !within(c.root, resolved) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversalDetected, raw)
	}
	if target, err := filepath.EvalSymlinks(resolved); err == nil && !within(c.root, target) {
		return "", fmt.Errorf("%w: %q links outside the storage root", ErrPathTraversalDetected, raw)
	}

	return resolved, nil
}

// IsStoredMedia reports whether path, as returned by URLToPath, addresses a
// file with the layout and name of one placed by LocalStorage. Directories,
// in-flight temp files and anything else under the root do not qualify.
func (c *Codec) IsStoredMedia(path string) bool {
	rel, err := filepath.Rel(c.root, path)
	if err != nil {
		return false
	}
	return storedRelPath.MatchString(filepath.ToSlash(rel)) && storedName.MatchString(filepath.Base(path))
}

// IsLocalURL reports whether raw addresses this service's upload tree. URLs of
// externally hosted media are not local and must never reach URLToPath.
func IsLocalURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, UploadsPrefix)
}

// within reports whether p lies strictly inside root. Both must be clean
// absolute paths.
func within(root, p string) bool {
	prefix := root
	if !strings.HasSuffix(prefix, string(os.PathSeparator)) {
		prefix += string(os.PathSeparator)
	}
	return p != root && strings.HasPrefix(p, prefix)
}

// canonicalPath resolves symlinks in p. For a path that does not exist yet,
// its parent directory is resolved instead.
func canonicalPath(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	dir, name := filepath.Split(p)
	if rd, err := filepath.EvalSymlinks(dir); err == nil {
		return filepath.Join(rd, name), nil
	}
	return filepath.Clean(p), nil
}

func hasSpace(s string) bool {
	return strings.IndexFunc(s, unicode.IsSpace) >= 0
}
