// Package media implements local media ingestion for classified-ad
// listings: intake filtering, date-partitioned storage, image optimization,
// path/URL mapping, URL validation, and all-or-nothing batch cleanup.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GyroZepelix/mithril-media/internal/audit"
	"github.com/GyroZepelix/mithril-media/internal/diskguard"
)

const defaultConcurrency = 4

// Store writes and removes stored files.
type Store interface {
	Place(item UploadItem) (StoredFile, error)
	Remove(path string) error
}

// URLCodec maps stored paths to public URLs and back.
type URLCodec interface {
	PathToURL(path string) (string, error)
	URLToPath(raw string) (string, error)
	IsStoredMedia(path string) bool
}

// Admitter is the pre-flight capacity check run before a request is read.
type Admitter interface {
	Admit(ctx context.Context) (diskguard.Usage, error)
}

// MediaSet is the result of one ingest request: image URLs in upload order
// and the optional video URL.
type MediaSet struct {
	Images []string `json:"images"`
	Video  string   `json:"video,omitempty"`
}

// URLs returns every URL in the set, images first.
func (m *MediaSet) URLs() []string {
	urls := append([]string(nil), m.Images...)
	if m.Video != "" {
		urls = append(urls, m.Video)
	}
	return urls
}

// Options configures a Service. Zero values select the defaults.
type Options struct {
	Policy      Policy
	Concurrency int
	Guard       Admitter
	Observer    Observer
	// Audit is optional; if nil, audit events are skipped.
	Audit *audit.Service
}

// Service runs the ingest pipeline and URL-based deletion.
type Service struct {
	store        Store
	codec        URLCodec
	optimizer    *Optimizer
	guard        Admitter
	policy       Policy
	concurrency  int
	observer     Observer
	auditService *audit.Service
}

// NewService creates a Service. The optimizer may be nil, in which case
// images are stored as uploaded.
func NewService(store Store, codec URLCodec, optimizer *Optimizer, opts Options) *Service {
	if opts.Policy.Fields == nil {
		opts.Policy = DefaultPolicy()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Service{
		store:        store,
		codec:        codec,
		optimizer:    optimizer,
		guard:        opts.Guard,
		policy:       opts.Policy,
		concurrency:  opts.Concurrency,
		observer:     opts.Observer,
		auditService: opts.Audit,
	}
}

// Policy returns the intake policy applied to every request.
func (s *Service) Policy() Policy {
	return s.policy
}

// logAudit sends an audit event if the audit service is configured.
func (s *Service) logAudit(ctx context.Context, event audit.Event) {
	if s.auditService != nil {
		s.auditService.Log(ctx, event)
	}
}

// Admit runs the disk admission check. It must be called before the request
// body is read; a rejected request reads and writes nothing.
func (s *Service) Admit(ctx context.Context) (diskguard.Usage, error) {
	if s.guard == nil {
		return diskguard.Usage{}, nil
	}
	u, err := s.guard.Admit(ctx)
	if err != nil {
		s.observer.ObserveIngest(OutcomeRejected, 0, 0)
		return u, err
	}
	return u, nil
}

// IngestBatch stores items and returns their public URLs. Either every item
// is stored and returned, or the request fails and every file written for it
// has been removed again.
func (s *Service) IngestBatch(ctx context.Context, items []UploadItem) (set *MediaSet, err error) {
	start := time.Now()
	batch := NewBatch(s.store)

	defer func() {
		if err == nil {
			s.observer.ObserveIngest(OutcomeSuccess, len(items), time.Since(start))
			return
		}
		outcome := OutcomeFailed
		if IsClientError(err) {
			outcome = OutcomeRejected
		}
		s.observer.ObserveIngest(outcome, len(items), time.Since(start))

		if n := batch.Len(); n > 0 {
			removed := batch.Rollback()
			s.observer.ObserveRollback(n)
			slog.Warn("media ingest failed, batch rolled back",
				"files", n, "removed", removed, "error", err)
			s.logAudit(ctx, audit.Event{
				Action:   "media.rollback",
				Resource: "media",
				Payload:  map[string]any{"files": n, "removed": removed, "error": err.Error()},
			})
		}
	}()

	items, err = s.recheck(items)
	if err != nil {
		return nil, err
	}

	urls := make([]string, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, item := range items {
		g.Go(func() error {
			u, err := s.ingestOne(gctx, batch, item)
			if err != nil {
				return fmt.Errorf("file %d in field %q: %w", i, item.Field, err)
			}
			urls[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	set = &MediaSet{Images: []string{}}
	for i, item := range items {
		if item.Kind == KindVideo {
			set.Video = urls[i]
			continue
		}
		set.Images = append(set.Images, urls[i])
	}

	if len(items) > 0 {
		s.logAudit(ctx, audit.Event{
			Action:   "media.ingest",
			Resource: "media",
			Payload:  map[string]any{"urls": set.URLs()},
		})
	}
	return set, nil
}

// recheck re-applies the intake policy to items that may not have come
// through ReadMultipart. Kind and extension are always re-derived from the
// declared MIME type.
func (s *Service) recheck(items []UploadItem) ([]UploadItem, error) {
	in := NewIntake(s.policy)
	out := make([]UploadItem, len(items))
	for i, item := range items {
		kind, ext, err := in.Admit(item.Field, item.DeclaredMIME)
		if err != nil {
			return nil, err
		}
		if item.Size() == 0 {
			return nil, fmt.Errorf("%w: file %d", ErrEmptyUpload, i)
		}
		if item.Size() > s.policy.MaxFileSize {
			return nil, fmt.Errorf("%w: file %d exceeds maximum of %d bytes", ErrFileTooLarge, i, s.policy.MaxFileSize)
		}
		if err := checkContent(item.DeclaredMIME, item.Data); err != nil {
			return nil, fmt.Errorf("file %d: %w", i, err)
		}
		item.Kind = kind
		item.Ext = ext
		out[i] = item
	}
	return out, nil
}

// ingestOne runs a single file through write, optimize, encode, validate.
// Every file it creates is tracked in batch before it returns.
func (s *Service) ingestOne(ctx context.Context, batch *Batch, item UploadItem) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sf, err := s.store.Place(item)
	if err != nil {
		return "", fmt.Errorf("storing file: %w", err)
	}
	batch.Track(sf.Path)

	path := sf.Path
	if sf.Kind == KindImage && s.optimizer != nil {
		res := s.optimizer.Optimize(ctx, sf.Path)
		if res.Path != sf.Path {
			batch.Track(res.Path)
		}
		path = res.Path
	}

	if info, err := os.Stat(path); err == nil {
		s.observer.ObserveStored(string(sf.Kind), info.Size())
	}

	u, err := s.codec.PathToURL(path)
	if err != nil {
		return "", err
	}
	if err := ValidateMediaURL(u); err != nil {
		return "", err
	}
	return u, nil
}

// DeleteByURL removes the stored file addressed by a previously issued media
// URL. URLs of externally hosted media are skipped without being resolved,
// and a file that is already gone is not an error.
func (s *Service) DeleteByURL(ctx context.Context, raw string) error {
	if !IsLocalURL(raw) {
		s.observer.ObserveDelete(OutcomeSkipped)
		slog.Debug("skipping delete of non-local media url", "url", raw)
		return nil
	}

	path, err := s.codec.URLToPath(raw)
	if err != nil {
		s.observer.ObserveDelete(OutcomeRejected)
		return err
	}
	if !s.codec.IsStoredMedia(path) {
		s.observer.ObserveDelete(OutcomeRejected)
		return fmt.Errorf("%w: %q does not address stored media", ErrInvalidMediaURL, raw)
	}
	if err := s.store.Remove(path); err != nil {
		s.observer.ObserveDelete(OutcomeFailed)
		return fmt.Errorf("deleting media: %w", err)
	}

	s.observer.ObserveDelete(OutcomeDeleted)
	s.logAudit(ctx, audit.Event{
		Action:     "media.delete",
		Resource:   "media",
		ResourceID: raw,
	})
	return nil
}

// DeleteByURLs deletes every URL, continuing past failures. It returns the
// joined errors of the URLs that could not be deleted.
func (s *Service) DeleteByURLs(ctx context.Context, urls []string) error {
	var errs []error
	for _, u := range urls {
		if err := s.DeleteByURL(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
		}
	}
	return errors.Join(errs...)
}

// ResolveURL maps a media URL or request path to the stored file path.
func (s *Service) ResolveURL(raw string) (string, error) {
	return s.codec.URLToPath(raw)
}
