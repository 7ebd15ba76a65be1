// Package extraction runs the product-page pipeline: browser harvest, media
// reconciliation and SKU normalization.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/nanainternational/nana-renewal-sub000/internal/extractcache"
	"github.com/nanainternational/nana-renewal-sub000/internal/fetcher"
	"github.com/nanainternational/nana-renewal-sub000/internal/media"
	"github.com/nanainternational/nana-renewal-sub000/internal/sku"
	"github.com/nanainternational/nana-renewal-sub000/pkg/types"
)

// ErrInvalidURL rejects targets that are not http(s) product pages on an allowed host.
var ErrInvalidURL = errors.New("invalid product url")

// Harvester collects raw page evidence. fetcher.ChromedpExtractor is the
// production implementation.
type Harvester interface {
	Harvest(ctx context.Context, req fetcher.HarvestRequest) (*fetcher.Harvest, error)
}

// Request identifies the page and, optionally, the caller.
type Request struct {
	URL    string
	UserID string
}

// Service wires the harvester to reconciliation and the latest-result cache.
type Service struct {
	harvester    Harvester
	classifiers  *media.Holder
	cache        extractcache.Store
	allowedHosts []string
	logger       *slog.Logger
	now          func() time.Time
}

// NewService builds the extraction service. cache may be nil.
func NewService(h Harvester, classifiers *media.Holder, cache extractcache.Store, allowedHosts []string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	hosts := make([]string, 0, len(allowedHosts))
	for _, host := range allowedHosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			hosts = append(hosts, host)
		}
	}
	return &Service{
		harvester:    h,
		classifiers:  classifiers,
		cache:        cache,
		allowedHosts: hosts,
		logger:       logger,
		now:          time.Now,
	}
}

// Extract harvests the page and returns the reconciled media and options.
// Navigation failures are returned as errors; an empty media result from a
// page that did load is a valid success.
func (s *Service) Extract(ctx context.Context, req Request) (*types.ExtractionResult, error) {
	target, err := s.validate(req.URL)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("url", target.String(), "user_id", req.UserID)

	classifier := s.classifiers.Load()
	harvest, err := s.harvester.Harvest(ctx, fetcher.HarvestRequest{
		URL:         target.String(),
		ZoomMarkers: classifier.ZoomMarkers(),
	})
	if err != nil {
		logger.Warn("extraction failed", "error", err)
		return nil, fmt.Errorf("harvest %s: %w", target.Host, err)
	}

	rec := classifier.Reconcile(media.Evidence{
		HTML:    harvest.HTML,
		DOM:     harvest.DOM,
		Network: harvest.Network,
	})

	result := &types.ExtractionResult{
		SourceURL:    target.String(),
		FinalURL:     harvest.FinalURL,
		Title:        strings.TrimSpace(harvest.Title),
		MainImages:   rec.MainImages,
		DetailImages: rec.DetailImages,
		DetailVideos: rec.DetailVideos,
		MainMedia:    rec.MainMedia,
		DetailMedia:  rec.DetailMedia,
		SkuGroups:    sku.Extract(harvest.HTML),
		ExtractedAt:  s.now().UTC(),
	}

	logger.Info("extraction complete",
		"main_images", len(result.MainImages),
		"detail_images", len(result.DetailImages),
		"detail_videos", len(result.DetailVideos),
		"sku_groups", len(result.SkuGroups),
		"scroll_rounds", harvest.ScrollRounds,
		"latency_ms", harvest.Latency.Milliseconds(),
	)

	if s.cache != nil && req.UserID != "" {
		if err := s.cache.Save(ctx, req.UserID, result); err != nil {
			logger.Warn("cache latest extraction failed", "error", err)
		}
	}
	return result, nil
}

// Latest returns the caller's most recent extraction.
func (s *Service) Latest(ctx context.Context, userID string) (*types.ExtractionResult, error) {
	if s.cache == nil || userID == "" {
		return nil, extractcache.ErrNotFound
	}
	return s.cache.Latest(ctx, userID)
}

func (s *Service) validate(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidURL)
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	host := strings.ToLower(target.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	if !s.hostAllowed(host) {
		return nil, fmt.Errorf("%w: host %s is not supported", ErrInvalidURL, host)
	}
	target.Fragment = ""
	return target, nil
}

func (s *Service) hostAllowed(host string) bool {
	if len(s.allowedHosts) == 0 {
		return true
	}
	for _, allowed := range s.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
