package media

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/GyroZepelix/mithril-media/internal/diskguard"
	"github.com/GyroZepelix/mithril-media/internal/server"
)

// multipartOverhead is added to the per-request body limit to leave room for
// part headers and boundaries.
const multipartOverhead = 1 << 20

// servedTypes maps stored extensions to the Content-Type they are served with.
var servedTypes = map[string]string{
	".jpg":  "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".mp4":  "video/mp4",
}

// Handler provides HTTP handlers for media operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new media Handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Upload handles POST /api/media.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	// Admission runs before a single byte of the body is read.
	if _, err := h.service.Admit(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}

	p := h.service.Policy()
	r.Body = http.MaxBytesReader(w, r.Body, int64(p.MaxFiles)*p.MaxFileSize+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		server.Error(w, http.StatusBadRequest, "INVALID_UPLOAD",
			"request must be multipart/form-data", nil)
		return
	}

	items, err := ReadMultipart(r.Context(), mr, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(items) == 0 {
		server.Error(w, http.StatusBadRequest, "MISSING_FILE",
			"no files in 'images' or 'video' fields", nil)
		return
	}

	set, err := h.service.IngestBatch(r.Context(), items)
	if err != nil {
		writeError(w, r, err)
		return
	}

	server.JSON(w, http.StatusCreated, set)
}

// Delete handles DELETE /api/media?url=...
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		server.Error(w, http.StatusBadRequest, "MISSING_URL",
			"query parameter 'url' is required", nil)
		return
	}

	if err := h.service.DeleteByURL(r.Context(), raw); err != nil {
		writeError(w, r, err)
		return
	}

	server.JSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

// Serve handles GET /uploads/*.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	// The escaped form is resolved so that percent-encoding is decoded
	// exactly once, by the codec.
	path, err := h.service.ResolveURL(r.URL.EscapedPath())
	if err != nil {
		writeError(w, r, err)
		return
	}

	if strings.HasPrefix(filepath.Base(path), ".") {
		server.Error(w, http.StatusNotFound, "NOT_FOUND", "media not found", nil)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			server.Error(w, http.StatusNotFound, "NOT_FOUND", "media not found", nil)
			return
		}
		slog.Error("media file open failed", "path", path, "error", err)
		server.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"an internal error occurred", nil)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		server.Error(w, http.StatusNotFound, "NOT_FOUND", "media not found", nil)
		return
	}

	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; sandbox")
	if ct, ok := servedTypes[strings.ToLower(filepath.Ext(path))]; ok {
		w.Header().Set("Content-Type", ct)
	}
	// Stored names are unique and never rewritten.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// writeError maps pipeline errors to HTTP responses. Server-side failures are
// logged and reported without internal detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytes *http.MaxBytesError

	switch {
	case errors.Is(err, diskguard.ErrInsufficientSpace):
		slog.Warn("upload rejected: insufficient disk space", "error", err)
		server.Error(w, http.StatusServiceUnavailable, "INSUFFICIENT_STORAGE",
			"not enough free disk space to accept uploads", nil)
	case errors.Is(err, diskguard.ErrDiskUnavailable):
		slog.Error("upload rejected: disk usage unavailable", "error", err)
		server.Error(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE",
			"storage is temporarily unavailable", nil)
	case errors.Is(err, ErrFileTooLarge), errors.As(err, &maxBytes):
		server.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", err.Error(), nil)
	case errors.Is(err, ErrTooManyFiles):
		server.Error(w, http.StatusBadRequest, "TOO_MANY_FILES", err.Error(), nil)
	case errors.Is(err, ErrUnsupportedMediaKind):
		server.Error(w, http.StatusBadRequest, "UNSUPPORTED_MEDIA_KIND", err.Error(), nil)
	case errors.Is(err, ErrInvalidUploadField):
		server.Error(w, http.StatusBadRequest, "INVALID_UPLOAD_FIELD", err.Error(), nil)
	case errors.Is(err, ErrEmptyUpload):
		server.Error(w, http.StatusBadRequest, "EMPTY_UPLOAD", err.Error(), nil)
	case errors.Is(err, ErrInvalidMediaURL):
		server.Error(w, http.StatusBadRequest, "INVALID_MEDIA_URL", "invalid media url", nil)
	case errors.Is(err, ErrPathTraversalDetected):
		slog.Warn("path traversal attempt", "path", r.URL.Path, "error", err)
		server.Error(w, http.StatusBadRequest, "INVALID_MEDIA_URL", "invalid media url", nil)
	case errors.Is(err, ErrConfigurationMissing):
		slog.Error("media pipeline misconfigured", "error", err)
		server.Error(w, http.StatusInternalServerError, "CONFIGURATION_MISSING",
			"media storage is not configured", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		slog.Info("media request cancelled", "path", r.URL.Path, "error", err)
		server.Error(w, http.StatusRequestTimeout, "REQUEST_CANCELLED", "request cancelled", nil)
	default:
		slog.Error("media request failed", "path", r.URL.Path, "error", err)
		server.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"an internal error occurred", nil)
	}
}
