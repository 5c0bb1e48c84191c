package media

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPart struct {
	field    string
	filename string
	mime     string
	data     []byte
}

// buildMultipart encodes parts as a multipart body. A part with an empty
// filename is written as a plain form value.
func buildMultipart(t *testing.T, parts []testPart) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		if p.filename == "" {
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, p.field))
		} else {
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, p.field, p.filename))
			h.Set("Content-Type", p.mime)
		}
		w, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = w.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.Boundary()
}

// jpegData, pngData and mp4Data prefix s with the leading signature content
// sniffing looks for.
func jpegData(s string) []byte { return append([]byte("\xff\xd8\xff\xe0"), s...) }

func pngData(s string) []byte { return append([]byte("\x89PNG\r\n\x1a\n"), s...) }

func mp4Data(s string) []byte { return append([]byte("\x00\x00\x00\x18ftypisom"), s...) }

func readParts(t *testing.T, p Policy, parts []testPart) ([]UploadItem, error) {
	t.Helper()
	body, boundary := buildMultipart(t, parts)
	return ReadMultipart(context.Background(), multipart.NewReader(body, boundary), p)
}

func TestDefaultPolicy_Valid(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Policy)
	}{
		{"zero file size", func(p *Policy) { p.MaxFileSize = 0 }},
		{"zero max files", func(p *Policy) { p.MaxFiles = 0 }},
		{"no fields", func(p *Policy) { p.Fields = nil }},
		{"unknown kind", func(p *Policy) {
			p.Fields["docs"] = FieldRule{Kind: "document", MaxCount: 1, MIMETypes: []string{"image/png"}}
		}},
		{"zero count", func(p *Policy) {
			r := p.Fields[FieldImages]
			r.MaxCount = 0
			p.Fields[FieldImages] = r
		}},
		{"unmapped mime", func(p *Policy) {
			r := p.Fields[FieldImages]
			r.MIMETypes = append(r.MIMETypes, "image/gif")
			p.Fields[FieldImages] = r
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestIntake_Admit(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		mime     string
		wantKind Kind
		wantExt  string
		wantErr  error
	}{
		{"jpeg", FieldImages, "image/jpeg", KindImage, "jpg", nil},
		{"jpg alias", FieldImages, "image/jpg", KindImage, "jpg", nil},
		{"png", FieldImages, "image/png", KindImage, "png", nil},
		{"webp", FieldImages, "image/webp", KindImage, "webp", nil},
		{"mixed case with params", FieldImages, "Image/PNG; charset=binary", KindImage, "png", nil},
		{"mp4", FieldVideo, "video/mp4", KindVideo, "mp4", nil},
		{"gif", FieldImages, "image/gif", "", "", ErrUnsupportedMediaKind},
		{"video in images field", FieldImages, "video/mp4", "", "", ErrUnsupportedMediaKind},
		{"image in video field", FieldVideo, "image/jpeg", "", "", ErrUnsupportedMediaKind},
		{"missing mime", FieldImages, "", "", "", ErrUnsupportedMediaKind},
		{"garbage mime", FieldImages, ";;;", "", "", ErrUnsupportedMediaKind},
		{"unknown field", "avatar", "image/jpeg", "", "", ErrInvalidUploadField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ext, err := NewIntake(DefaultPolicy()).Admit(tt.field, tt.mime)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantExt, ext)
		})
	}
}

func TestIntake_AdmitCounts(t *testing.T) {
	in := NewIntake(DefaultPolicy())

	_, _, err := in.Admit(FieldVideo, "video/mp4")
	require.NoError(t, err)
	_, _, err = in.Admit(FieldVideo, "video/mp4")
	assert.ErrorIs(t, err, ErrTooManyFiles)

	// One video already counts toward the ten-file total.
	for i := range 9 {
		_, _, err := in.Admit(FieldImages, "image/jpeg")
		require.NoError(t, err, "image %d", i)
	}
	_, _, err = in.Admit(FieldImages, "image/jpeg")
	assert.ErrorIs(t, err, ErrTooManyFiles)
}

func TestIntake_Read(t *testing.T) {
	data := pngData("1234")
	p := DefaultPolicy()
	p.MaxFileSize = int64(len(data))

	item, err := NewIntake(p).Read(FieldImages, "image/png", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, KindImage, item.Kind)
	assert.Equal(t, "png", item.Ext)
	assert.Equal(t, int64(len(data)), item.Size())

	_, err = NewIntake(p).Read(FieldImages, "image/png", bytes.NewReader(pngData("12345")))
	assert.ErrorIs(t, err, ErrFileTooLarge)

	_, err = NewIntake(p).Read(FieldImages, "image/png", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyUpload)
}

func TestCheckContent(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		data     []byte
		ok       bool
	}{
		{"jpeg", "image/jpeg", jpegData("x"), true},
		{"jpg alias", "image/jpg", jpegData("x"), true},
		{"png", "image/png", pngData("x"), true},
		{"webp", "image/webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 x"), true},
		{"mp4 isom brand", "video/mp4", mp4Data("x"), true},
		{"png declared as jpeg", "image/jpeg", pngData("x"), false},
		{"text declared as png", "image/png", []byte("plain text"), false},
		{"short mp4", "video/mp4", []byte("ftyp"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkContent(tt.declared, tt.data)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrUnsupportedMediaKind)
		})
	}
}

func TestReadMultipart(t *testing.T) {
	items, err := readParts(t, DefaultPolicy(), []testPart{
		{field: "title", data: []byte("Bike for sale")},
		{field: FieldImages, filename: "front.jpg", mime: "image/jpeg", data: jpegData("jpeg-1")},
		{field: FieldVideo, filename: "ride.mp4", mime: "video/mp4", data: mp4Data("mp4")},
		{field: FieldImages, filename: "back.png", mime: "image/png", data: pngData("png-2")},
	})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "jpg", items[0].Ext)
	assert.Equal(t, KindVideo, items[1].Kind)
	assert.Equal(t, "png", items[2].Ext)
	assert.Equal(t, pngData("png-2"), items[2].Data)
}

func TestReadMultipart_ExtensionFromMIMENotFilename(t *testing.T) {
	items, err := readParts(t, DefaultPolicy(), []testPart{
		{field: FieldImages, filename: "../../evil.php", mime: "image/png", data: pngData("png")},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "png", items[0].Ext)
}

func TestReadMultipart_Rejections(t *testing.T) {
	small := DefaultPolicy()
	small.MaxFileSize = 4

	tests := []struct {
		name    string
		policy  Policy
		parts   []testPart
		wantErr error
	}{
		{
			name:    "gif rejected",
			policy:  DefaultPolicy(),
			parts:   []testPart{{field: FieldImages, filename: "a.gif", mime: "image/gif", data: []byte("GIF89a")}},
			wantErr: ErrUnsupportedMediaKind,
		},
		{
			name:    "unexpected field",
			policy:  DefaultPolicy(),
			parts:   []testPart{{field: "document", filename: "a.jpg", mime: "image/jpeg", data: []byte("x")}},
			wantErr: ErrInvalidUploadField,
		},
		{
			name:   "second video",
			policy: DefaultPolicy(),
			parts: []testPart{
				{field: FieldVideo, filename: "a.mp4", mime: "video/mp4", data: mp4Data("a")},
				{field: FieldVideo, filename: "b.mp4", mime: "video/mp4", data: mp4Data("b")},
			},
			wantErr: ErrTooManyFiles,
		},
		{
			name:    "php declared as jpeg",
			policy:  DefaultPolicy(),
			parts:   []testPart{{field: FieldImages, filename: "a.jpg", mime: "image/jpeg", data: []byte("<?php system($_GET['c']); ?>")}},
			wantErr: ErrUnsupportedMediaKind,
		},
		{
			name:    "png declared as webp",
			policy:  DefaultPolicy(),
			parts:   []testPart{{field: FieldImages, filename: "a.webp", mime: "image/webp", data: pngData("x")}},
			wantErr: ErrUnsupportedMediaKind,
		},
		{
			name:    "html declared as mp4",
			policy:  DefaultPolicy(),
			parts:   []testPart{{field: FieldVideo, filename: "a.mp4", mime: "video/mp4", data: []byte("<html><script>x</script></html>")}},
			wantErr: ErrUnsupportedMediaKind,
		},
		{
			name:    "too large",
			policy:  small,
			parts:   []testPart{{field: FieldImages, filename: "a.jpg", mime: "image/jpeg", data: []byte("12345")}},
			wantErr: ErrFileTooLarge,
		},
		{
			name:    "empty file",
			policy:  DefaultPolicy(),
			parts:   []testPart{{field: FieldImages, filename: "a.jpg", mime: "image/jpeg"}},
			wantErr: ErrEmptyUpload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := readParts(t, tt.policy, tt.parts)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsClientError(err))
			assert.Nil(t, items)
		})
	}
}

func TestReadMultipart_ElevenImages(t *testing.T) {
	parts := make([]testPart, 11)
	for i := range parts {
		parts[i] = testPart{field: FieldImages, filename: fmt.Sprintf("%d.jpg", i), mime: "image/jpeg", data: jpegData("x")}
	}

	_, err := readParts(t, DefaultPolicy(), parts)
	assert.ErrorIs(t, err, ErrTooManyFiles)
}

func TestReadMultipart_CancelledContext(t *testing.T) {
	body, boundary := buildMultipart(t, []testPart{
		{field: FieldImages, filename: "a.jpg", mime: "image/jpeg", data: []byte("x")},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ReadMultipart(ctx, multipart.NewReader(body, boundary), DefaultPolicy())
	assert.ErrorIs(t, err, context.Canceled)
}
