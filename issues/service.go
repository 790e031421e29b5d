package issues

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wolfeidau/journal-media/articles"
	"github.com/wolfeidau/journal-media/download"
	"github.com/wolfeidau/journal-media/telemetry"
)

// PDFBucket holds issue and article PDFs.
const PDFBucket = "article_pdfs"

// CoverBucket returns the bucket holding cover images for a source.
func CoverBucket(source string) string {
	return strings.ToLower(source) + "_covers"
}

// Service fetches a journal's articles and aggregates them into issues.
// Concurrent requests for the same source share one fetch.
type Service struct {
	source  articles.Source
	storage *articles.Storage
	fetches *download.Downloader[Result]
	logger  *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithStorage resolves cover and PDF keys to public URLs.
func WithStorage(storage *articles.Storage) ServiceOption {
	return func(s *Service) {
		s.storage = storage
	}
}

// NewService creates a service reading from src.
func NewService(src articles.Source, opts ...ServiceOption) *Service {
	s := &Service{
		source: src,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fetches = download.New[Result](download.WithLogger(s.logger))
	return s
}

// Issues returns the issues of source. The returned slices are shared with
// concurrent callers and must not be modified.
func (s *Service) Issues(ctx context.Context, source string) (Result, error) {
	source, err := articles.NormalizeSource(source)
	if err != nil {
		return Result{}, err
	}

	res, shared, err := s.fetches.Do(ctx, source, func(ctx context.Context) (Result, error) {
		return s.build(ctx, source)
	})
	if err != nil {
		download.ForgetOnDownloadError(s.fetches, source, err)
		return Result{}, err
	}
	if shared {
		s.logger.Debug("shared issue listing", "source", source)
	}
	return res, nil
}

func (s *Service) build(ctx context.Context, source string) (Result, error) {
	rows, err := s.source.ListBySource(ctx, source)
	if err != nil {
		return Result{}, fmt.Errorf("listing %s articles: %w", source, err)
	}

	res := Aggregate(rows)
	if s.storage != nil {
		for i := range res.Issues {
			is := &res.Issues[i]
			is.CoverImage = s.storage.URL(CoverBucket(source), is.CoverImage)
			is.PDFURL = s.storage.URL(PDFBucket, is.PDFURL)
		}
	}

	if res.Dropped > 0 {
		s.logger.Warn("dropped articles without volume or issue",
			"source", source,
			"dropped", res.Dropped,
			"ids", res.DroppedIDs,
		)
	}
	s.logger.Debug("aggregated issues", "source", source, "rows", len(rows), "issues", len(res.Issues))
	telemetry.RecordIssueAggregation(ctx, source, len(res.Issues), res.Dropped)
	return res, nil
}
