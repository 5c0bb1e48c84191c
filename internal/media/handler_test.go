package media

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GyroZepelix/mithril-media/internal/diskguard"
)

// readSpy records whether the request body was ever read.
type readSpy struct {
	r    io.Reader
	read bool
}

func (s *readSpy) Read(p []byte) (int, error) {
	s.read = true
	return s.r.Read(p)
}

func (s *readSpy) Close() error { return nil }

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return env
}

func uploadRequest(t *testing.T, parts []testPart) *http.Request {
	t.Helper()
	body, boundary := buildMultipart(t, parts)
	req := httptest.NewRequest(http.MethodPost, "/api/media", body)
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	return req
}

func freeSpace(free uint64) diskguard.StatFunc {
	return func(context.Context, string) (diskguard.Usage, error) {
		return diskguard.Usage{TotalMB: 100000, FreeMB: free, UsedMB: 100000 - free}, nil
	}
}

func TestHandler_UploadRejectedBeforeBodyIsRead(t *testing.T) {
	f := newServiceFixture(t, nil, Options{
		Guard: &diskguard.Guard{Path: "/", MinFreeMB: 500, Stat: freeSpace(100)},
	})
	h := NewHandler(f.svc)

	req := uploadRequest(t, []testPart{
		{field: FieldImages, filename: "a.jpg", mime: "image/jpeg", data: []byte("jpeg")},
	})
	spy := &readSpy{r: req.Body}
	req.Body = spy
	rec := httptest.NewRecorder()

	h.Upload(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "INSUFFICIENT_STORAGE", decodeEnvelope(t, rec).Error.Code)
	assert.False(t, spy.read, "request body must not be read")
	assert.Empty(t, f.storedFiles(t))
}

func TestHandler_UploadDiskUnavailable(t *testing.T) {
	broken := func(context.Context, string) (diskguard.Usage, error) { return diskguard.Usage{}, os.ErrPermission }
	f := newServiceFixture(t, nil, Options{
		Guard: &diskguard.Guard{Path: "/", MinFreeMB: 500, Stat: broken, Fallback: broken},
	})

	rec := httptest.NewRecorder()
	NewHandler(f.svc).Upload(rec, uploadRequest(t, []testPart{
		{field: FieldImages, filename: "a.jpg", mime: "image/jpeg", data: []byte("jpeg")},
	}))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "STORAGE_UNAVAILABLE", decodeEnvelope(t, rec).Error.Code)
}

func TestHandler_Upload(t *testing.T) {
	f := newServiceFixture(t, nil, Options{
		Guard: &diskguard.Guard{Path: "/", MinFreeMB: 500, Stat: freeSpace(5000)},
	})

	rec := httptest.NewRecorder()
	NewHandler(f.svc).Upload(rec, uploadRequest(t, []testPart{
		{field: "title", data: []byte("Road bike")},
		{field: FieldImages, filename: "front.jpg", mime: "image/jpeg", data: jpegData("jpeg-1")},
		{field: FieldImages, filename: "back.jpg", mime: "image/jpeg", data: jpegData("jpeg-2")},
		{field: FieldVideo, filename: "ride.mp4", mime: "video/mp4", data: mp4Data("mp4")},
	}))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var set MediaSet
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &set))
	assert.Len(t, set.Images, 2)
	assert.NotEmpty(t, set.Video)
	assert.NoError(t, ValidateMediaURLs(set.URLs()))
	assert.Len(t, f.storedFiles(t), 3)
}

func TestHandler_UploadErrors(t *testing.T) {
	small := DefaultPolicy()
	small.MaxFileSize = 4

	tests := []struct {
		name     string
		policy   Policy
		parts    []testPart
		wantCode int
		wantErr  string
	}{
		{
			name:     "gif",
			policy:   DefaultPolicy(),
			parts:    []testPart{{field: FieldImages, filename: "a.gif", mime: "image/gif", data: []byte("GIF89a")}},
			wantCode: http.StatusBadRequest,
			wantErr:  "UNSUPPORTED_MEDIA_KIND",
		},
		{
			name:     "disguised content",
			policy:   DefaultPolicy(),
			parts:    []testPart{{field: FieldImages, filename: "a.jpg", mime: "image/jpeg", data: []byte("<svg onload=alert(1)>")}},
			wantCode: http.StatusBadRequest,
			wantErr:  "UNSUPPORTED_MEDIA_KIND",
		},
		{
			name:     "unexpected field",
			policy:   DefaultPolicy(),
			parts:    []testPart{{field: "attachment", filename: "a.jpg", mime: "image/jpeg", data: []byte("x")}},
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_UPLOAD_FIELD",
		},
		{
			name:     "too large",
			policy:   small,
			parts:    []testPart{{field: FieldImages, filename: "a.jpg", mime: "image/jpeg", data: []byte("12345")}},
			wantCode: http.StatusRequestEntityTooLarge,
			wantErr:  "FILE_TOO_LARGE",
		},
		{
			name:   "two videos",
			policy: DefaultPolicy(),
			parts: []testPart{
				{field: FieldVideo, filename: "a.mp4", mime: "video/mp4", data: mp4Data("a")},
				{field: FieldVideo, filename: "b.mp4", mime: "video/mp4", data: mp4Data("b")},
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "TOO_MANY_FILES",
		},
		{
			name:     "no files",
			policy:   DefaultPolicy(),
			parts:    []testPart{{field: "title", data: []byte("Road bike")}},
			wantCode: http.StatusBadRequest,
			wantErr:  "MISSING_FILE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t, nil, Options{Policy: tt.policy})
			rec := httptest.NewRecorder()

			NewHandler(f.svc).Upload(rec, uploadRequest(t, tt.parts))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, decodeEnvelope(t, rec).Error.Code)
			assert.Empty(t, f.storedFiles(t))
		})
	}
}

func TestHandler_UploadNotMultipart(t *testing.T) {
	f := newServiceFixture(t, nil, Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/media", strings.NewReader(`{"images":[]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	NewHandler(f.svc).Upload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_UPLOAD", decodeEnvelope(t, rec).Error.Code)
}

func TestHandler_Delete(t *testing.T) {
	f := newServiceFixture(t, nil, Options{})
	set, err := f.svc.IngestBatch(context.Background(), []UploadItem{jpegItem()})
	require.NoError(t, err)
	h := NewHandler(f.svc)

	tests := []struct {
		name     string
		url      string
		wantCode int
	}{
		{"local", set.Images[0], http.StatusOK},
		{"already deleted", set.Images[0], http.StatusOK},
		{"external", "https://cdn.example.com/listings/1/a.jpg", http.StatusOK},
		{"missing", "", http.StatusBadRequest},
		{"traversal", "/uploads/../../etc/passwd", http.StatusBadRequest},
		{"directory", testBaseURL + "/uploads/images", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/media"
			if tt.url != "" {
				target += "?url=" + url.QueryEscape(tt.url)
			}
			rec := httptest.NewRecorder()

			h.Delete(rec, httptest.NewRequest(http.MethodDelete, target, nil))

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, f.storedFiles(t))
}

func TestHandler_DeleteExternalNeverResolved(t *testing.T) {
	f := newServiceFixture(t, nil, Options{})
	rec := httptest.NewRecorder()

	NewHandler(f.svc).Delete(rec, httptest.NewRequest(http.MethodDelete,
		"/api/media?url="+url.QueryEscape("https://storage.googleapis.com/bucket/a.jpg"), nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.codec.resolves)
}

func TestHandler_Serve(t *testing.T) {
	f := newServiceFixture(t, nil, Options{})
	set, err := f.svc.IngestBatch(context.Background(), []UploadItem{jpegItem()})
	require.NoError(t, err)
	h := NewHandler(f.svc)

	path := strings.TrimPrefix(set.Images[0], testBaseURL)
	rec := httptest.NewRecorder()
	h.Serve(rec, httptest.NewRequest(http.MethodGet, path, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(jpegData("jpeg-bytes")), rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "immutable")
}

func TestHandler_ServeErrors(t *testing.T) {
	f := newServiceFixture(t, nil, Options{})
	h := NewHandler(f.svc)

	dir := filepath.Join(f.store.Root(), "images", "2024", "01", "01")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".upload-123"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(f.store.Root()), "secret.txt"), []byte("s"), 0o644))

	tests := []struct {
		name     string
		target   string
		wantCode int
	}{
		{"missing file", "/uploads/images/2024/01/01/nope.jpg", http.StatusNotFound},
		{"temp file", "/uploads/images/2024/01/01/.upload-123", http.StatusNotFound},
		{"directory", "/uploads/images/2024/01/01", http.StatusNotFound},
		{"encoded traversal", "/uploads/%2e%2e/secret.txt", http.StatusBadRequest},
		{"double encoded", "/uploads/%252e%252e/secret.txt", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Serve(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.NotContains(t, rec.Body.String(), "partial")
		})
	}
}

func TestWriteError_ServerErrorsHideDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/media", nil)

	writeError(rec, req, bytes.ErrTooLarge)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "INTERNAL_ERROR", env.Error.Code)
	assert.NotContains(t, env.Error.Message, "too large")
}

func TestWriteError_PathEscapeIsServerError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodPost, "/api/media", nil), ErrPathEscapesRoot)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
