package media

import "errors"

// Intake errors. Returned before any file is written.
var (
	ErrUnsupportedMediaKind = errors.New("unsupported media kind")
	ErrFileTooLarge         = errors.New("file too large")
	ErrTooManyFiles         = errors.New("too many files")
	ErrInvalidUploadField   = errors.New("invalid upload field")
	ErrEmptyUpload          = errors.New("empty upload")
)

// ErrOptimizationFailed is logged by the optimizer and never returned to
// callers of the ingest pipeline.
var ErrOptimizationFailed = errors.New("image optimization failed")

// Codec errors. Both fail closed.
var (
	ErrPathEscapesRoot       = errors.New("path escapes storage root")
	ErrPathTraversalDetected = errors.New("path traversal detected")
)

// ErrInvalidMediaURL is returned by the URL validator.
var ErrInvalidMediaURL = errors.New("invalid media url")

// ErrConfigurationMissing is returned when required configuration, such as
// the public API base URL, is absent.
var ErrConfigurationMissing = errors.New("configuration missing")

// IsClientError reports whether err was caused by the uploaded content or a
// supplied URL rather than by the server.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrUnsupportedMediaKind,
		ErrFileTooLarge,
		ErrTooManyFiles,
		ErrInvalidUploadField,
		ErrEmptyUpload,
		ErrInvalidMediaURL,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
