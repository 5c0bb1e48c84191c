package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"slices"
	"strings"
)

// Kind is the media category of an upload. It selects the storage
// subdirectory and whether the optimizer runs.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// dir returns the plural directory name used in the on-disk layout and URLs.
func (k Kind) dir() string {
	return string(k) + "s"
}

const (
	// FieldImages and FieldVideo are the accepted multipart file fields.
	FieldImages = "images"
	FieldVideo  = "video"

	defaultMaxFileSize = 20 << 20
	defaultMaxFiles    = 10
)

// mimeToExtension maps accepted MIME types to canonical file extensions.
// Extensions are derived from the MIME type, never from the client filename.
var mimeToExtension = map[string]string{
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"video/mp4":  "mp4",
}

// FieldRule describes one accepted multipart file field.
type FieldRule struct {
	Kind      Kind
	MaxCount  int
	MIMETypes []string
}

// Policy holds the intake limits for one upload request.
type Policy struct {
	MaxFileSize int64
	MaxFiles    int
	Fields      map[string]FieldRule
}

// DefaultPolicy returns the standard classified-ad limits: up to ten
// JPEG/PNG/WebP images and one MP4 video, 20 MB per file, ten files total.
func DefaultPolicy() Policy {
	return Policy{
		MaxFileSize: defaultMaxFileSize,
		MaxFiles:    defaultMaxFiles,
		Fields: map[string]FieldRule{
			FieldImages: {
				Kind:      KindImage,
				MaxCount:  10,
				MIMETypes: []string{"image/jpeg", "image/jpg", "image/png", "image/webp"},
			},
			FieldVideo: {
				Kind:      KindVideo,
				MaxCount:  1,
				MIMETypes: []string{"video/mp4"},
			},
		},
	}
}

// Validate checks that the policy is internally consistent and only names
// MIME types with a known extension.
func (p Policy) Validate() error {
	if p.MaxFileSize <= 0 {
		return errors.New("max file size must be positive")
	}
	if p.MaxFiles <= 0 {
		return errors.New("max files must be positive")
	}
	if len(p.Fields) == 0 {
		return errors.New("at least one upload field is required")
	}
	for name, rule := range p.Fields {
		if rule.Kind != KindImage && rule.Kind != KindVideo {
			return fmt.Errorf("field %q: unknown kind %q", name, rule.Kind)
		}
		if rule.MaxCount <= 0 {
			return fmt.Errorf("field %q: max count must be positive", name)
		}
		if len(rule.MIMETypes) == 0 {
			return fmt.Errorf("field %q: no MIME types allowed", name)
		}
		for _, m := range rule.MIMETypes {
			if _, ok := mimeToExtension[m]; !ok {
				return fmt.Errorf("field %q: MIME type %q has no known extension", name, m)
			}
		}
	}
	return nil
}

// UploadItem is one accepted incoming file. It only lives for the duration
// of the request that carried it.
type UploadItem struct {
	Field        string
	Kind         Kind
	DeclaredMIME string
	Ext          string
	Data         []byte
}

// Size returns the number of bytes received for the item.
func (u UploadItem) Size() int64 {
	return int64(len(u.Data))
}

// Intake filters the files of one request. It is not safe for concurrent
// use; each request creates its own.
type Intake struct {
	policy Policy
	counts map[string]int
	total  int
}

// NewIntake creates an Intake enforcing p.
func NewIntake(p Policy) *Intake {
	return &Intake{policy: p, counts: make(map[string]int)}
}

// Admit validates the field name, file count, and declared MIME type of the
// next file before any of its bytes are read. On success the file counts
// toward the request limits.
func (in *Intake) Admit(field, declaredMIME string) (Kind, string, error) {
	rule, ok := in.policy.Fields[field]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidUploadField, field)
	}
	if in.total+1 > in.policy.MaxFiles {
		return "", "", fmt.Errorf("%w: at most %d files per request", ErrTooManyFiles, in.policy.MaxFiles)
	}
	if in.counts[field]+1 > rule.MaxCount {
		return "", "", fmt.Errorf("%w: at most %d files in field %q", ErrTooManyFiles, rule.MaxCount, field)
	}

	mt := normalizeMIME(declaredMIME)
	if mt == "" || !slices.Contains(rule.MIMETypes, mt) {
		return "", "", fmt.Errorf("%w: %q is not allowed for field %q", ErrUnsupportedMediaKind, declaredMIME, field)
	}

	in.counts[field]++
	in.total++
	return rule.Kind, mimeToExtension[mt], nil
}

// Read admits the file and reads its content, bounded by the policy's
// per-file size limit.
func (in *Intake) Read(field, declaredMIME string, r io.Reader) (UploadItem, error) {
	kind, ext, err := in.Admit(field, declaredMIME)
	if err != nil {
		return UploadItem{}, err
	}

	data, err := io.ReadAll(io.LimitReader(r, in.policy.MaxFileSize+1))
	if err != nil {
		return UploadItem{}, fmt.Errorf("reading upload field %q: %w", field, err)
	}
	if int64(len(data)) > in.policy.MaxFileSize {
		return UploadItem{}, fmt.Errorf("%w: exceeds maximum of %d bytes", ErrFileTooLarge, in.policy.MaxFileSize)
	}
	if len(data) == 0 {
		return UploadItem{}, fmt.Errorf("%w: field %q", ErrEmptyUpload, field)
	}
	if err := checkContent(declaredMIME, data); err != nil {
		return UploadItem{}, fmt.Errorf("field %q: %w", field, err)
	}

	return UploadItem{
		Field:        field,
		Kind:         kind,
		DeclaredMIME: normalizeMIME(declaredMIME),
		Ext:          ext,
		Data:         data,
	}, nil
}

// ReadMultipart streams every part of mr through a fresh Intake. Parts that
// are not files (plain form values) are skipped: they belong to the caller's
// form, not to the media batch. The first rejected file aborts the whole
// request, and nothing has been written to disk at that point.
func ReadMultipart(ctx context.Context, mr *multipart.Reader, p Policy) ([]UploadItem, error) {
	in := NewIntake(p)
	var items []UploadItem

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading multipart body: %w", err)
		}

		if part.FileName() == "" {
			_, _ = io.Copy(io.Discard, io.LimitReader(part, p.MaxFileSize))
			part.Close()
			continue
		}

		item, err := in.Read(part.FormName(), part.Header.Get("Content-Type"), part)
		part.Close()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, nil
}

// checkContent rejects data whose leading bytes do not match the declared
// MIME type, so the stored extension always describes the content.
func checkContent(declaredMIME string, data []byte) error {
	declared := normalizeMIME(declaredMIME)
	sniffed := normalizeMIME(http.DetectContentType(data))

	var ok bool
	switch declared {
	case "image/jpeg", "image/jpg":
		ok = sniffed == "image/jpeg"
	case "video/mp4":
		// DetectContentType only knows the mp4 brands; any ISO base media
		// file starts with an ftyp box.
		ok = sniffed == "video/mp4" || (len(data) >= 12 && string(data[4:8]) == "ftyp")
	default:
		ok = sniffed == declared
	}
	if !ok {
		return fmt.Errorf("%w: content is %s, declared %s", ErrUnsupportedMediaKind, sniffed, declared)
	}
	return nil
}

// normalizeMIME lowercases a Content-Type and strips its parameters.
func normalizeMIME(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}
