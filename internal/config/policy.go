package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/GyroZepelix/mithril-media/internal/media"
)

// policyFile is the YAML shape of a media policy override. Every key is
// optional; omitted keys keep their defaults.
//
//	max_file_size_mb: 20
//	max_files: 10
//	fields:
//	  images:
//	    max_count: 10
//	    mime_types: [image/jpeg, image/png, image/webp]
//	  video:
//	    max_count: 1
//	    mime_types: [video/mp4]
//	optimizer:
//	  max_width: 1920
//	  jpeg_quality: 80
type policyFile struct {
	MaxFileSizeMB *int64                     `yaml:"max_file_size_mb"`
	MaxFiles      *int                       `yaml:"max_files"`
	Fields        map[string]policyFieldFile `yaml:"fields"`
	Optimizer     *optimizerFile             `yaml:"optimizer"`
}

type policyFieldFile struct {
	MaxCount  *int     `yaml:"max_count"`
	MIMETypes []string `yaml:"mime_types"`
}

type optimizerFile struct {
	MaxWidth    *int `yaml:"max_width"`
	JPEGQuality *int `yaml:"jpeg_quality"`
}

// MediaSettings is the resolved intake policy and optimizer settings.
type MediaSettings struct {
	Policy    media.Policy
	Optimizer media.EncodeOptions
}

// MediaSettings builds the media settings from the environment and, if
// PolicyFile is set, the YAML overrides it names.
func (c *Config) MediaSettings() (MediaSettings, error) {
	s := MediaSettings{
		Policy:    media.DefaultPolicy(),
		Optimizer: media.EncodeOptions{MaxWidth: c.MaxWidth, Quality: c.JPEGQuality},
	}
	if c.PolicyFile == "" {
		return s, nil
	}

	data, err := os.ReadFile(c.PolicyFile)
	if err != nil {
		return MediaSettings{}, fmt.Errorf("reading media policy %s: %w", c.PolicyFile, err)
	}
	if err := applyPolicyYAML(&s, data); err != nil {
		return MediaSettings{}, fmt.Errorf("media policy %s: %w", c.PolicyFile, err)
	}
	return s, nil
}

// applyPolicyYAML decodes data strictly and merges it into s. Unknown keys
// are rejected so that typos do not silently fall back to defaults.
func applyPolicyYAML(s *MediaSettings, data []byte) error {
	var f policyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	if f.MaxFileSizeMB != nil {
		s.Policy.MaxFileSize = *f.MaxFileSizeMB << 20
	}
	if f.MaxFiles != nil {
		s.Policy.MaxFiles = *f.MaxFiles
	}
	for name, ff := range f.Fields {
		rule, ok := s.Policy.Fields[name]
		if !ok {
			return fmt.Errorf("unknown upload field %q", name)
		}
		if ff.MaxCount != nil {
			rule.MaxCount = *ff.MaxCount
		}
		if ff.MIMETypes != nil {
			rule.MIMETypes = ff.MIMETypes
		}
		s.Policy.Fields[name] = rule
	}
	if f.Optimizer != nil {
		if f.Optimizer.MaxWidth != nil {
			s.Optimizer.MaxWidth = *f.Optimizer.MaxWidth
		}
		if f.Optimizer.JPEGQuality != nil {
			s.Optimizer.Quality = *f.Optimizer.JPEGQuality
		}
	}

	if err := s.Policy.Validate(); err != nil {
		return err
	}
	if s.Optimizer.MaxWidth <= 0 {
		return fmt.Errorf("optimizer max_width %d must be positive", s.Optimizer.MaxWidth)
	}
	if s.Optimizer.Quality < 1 || s.Optimizer.Quality > 100 {
		return fmt.Errorf("optimizer jpeg_quality %d must be between 1 and 100", s.Optimizer.Quality)
	}
	return nil
}
