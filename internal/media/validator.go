package media

import (
	"fmt"
	"regexp"
)

// mediaURLShape is the wire contract for persisted media URLs. It is
// host-agnostic and stricter than the codec: only .jpg images and .mp4
// videos are accepted.
var mediaURLShape = regexp.MustCompile(`^https?://[^/]+/uploads/(images|videos)/\d{4}/\d{2}/\d{2}/[A-Za-z0-9._-]+\.(jpg|mp4)$`)

// ValidateMediaURL checks u against the media URL shape. It inspects only the
// string and never touches the disk.
func ValidateMediaURL(u string) error {
	if u == "" {
		return fmt.Errorf("%w: empty", ErrInvalidMediaURL)
	}
	if hasSpace(u) {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidMediaURL, u)
	}
	if !mediaURLShape.MatchString(u) {
		return fmt.Errorf("%w: %q", ErrInvalidMediaURL, u)
	}
	return nil
}

// ValidateMediaURLs validates every URL of a media write. One invalid URL
// fails the whole set.
func ValidateMediaURLs(urls []string) error {
	for i, u := range urls {
		if err := ValidateMediaURL(u); err != nil {
			return fmt.Errorf("media url %d: %w", i, err)
		}
	}
	return nil
}
