package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
	"github.com/nanainternational/nana-renewal-sub000/internal/media"
)

var (
	// ErrNavigation reports that the product page could not be loaded.
	ErrNavigation = errors.New("navigation failed")
	// ErrBlocked reports a redirect to a login, captcha or punish page, or a
	// robots.txt denial.
	ErrBlocked = errors.New("blocked by upstream site")
)

// HarvestRequest names the page to open and the class/id markers of zoom-lens images.
type HarvestRequest struct {
	URL         string
	ZoomMarkers []string
}

// Harvest is the raw material for media reconciliation.
type Harvest struct {
	RequestedURL string
	FinalURL     string
	Title        string
	HTML         string
	DOM          []media.HarvestedURL
	Network      []string
	ScrollRounds int
	Latency      time.Duration
}

// RobotsChecker gates navigation on robots.txt.
type RobotsChecker interface {
	Allowed(ctx context.Context, target *url.URL) bool
}

// ExtractorOptions configures the headless browser extractor.
type ExtractorOptions struct {
	Rendering    config.RenderingConfig
	BlockMarkers []string
	Limiter      *DomainLimiter
	Robots       RobotsChecker
	Logger       *slog.Logger
}

// ChromedpExtractor drives one isolated headless Chrome per extraction.
type ChromedpExtractor struct {
	opts      config.RenderingConfig
	blocks    []string
	limiter   *DomainLimiter
	robots    RobotsChecker
	semaphore chan struct{}
	logger    *slog.Logger
}

// NewChromedpExtractor constructs an extractor with bounded concurrency.
func NewChromedpExtractor(opts ExtractorOptions) *ChromedpExtractor {
	r := opts.Rendering
	if r.ConcurrentSessions <= 0 {
		r.ConcurrentSessions = 1
	}
	if r.MaxHTMLBytes <= 0 {
		r.MaxHTMLBytes = 12 * 1024 * 1024
	}
	if r.WindowWidth <= 0 || r.WindowHeight <= 0 {
		r.WindowWidth, r.WindowHeight = 1440, 900
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	blocks := make([]string, 0, len(opts.BlockMarkers))
	for _, m := range opts.BlockMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			blocks = append(blocks, m)
		}
	}
	return &ChromedpExtractor{
		opts:      r,
		blocks:    blocks,
		limiter:   opts.Limiter,
		robots:    opts.Robots,
		semaphore: make(chan struct{}, r.ConcurrentSessions),
		logger:    logger,
	}
}

// Harvest opens the page, exhausts lazy loading and collects media evidence.
// The browser is torn down on every return path.
func (e *ChromedpExtractor) Harvest(parentCtx context.Context, req HarvestRequest) (*Harvest, error) {
	target, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || !target.IsAbs() {
		return nil, fmt.Errorf("%w: invalid url %q", ErrNavigation, req.URL)
	}

	logger := e.logger.With(
		"url", target.String(),
		"timeout", e.opts.Timeout.Or(90*time.Second).String(),
	)

	if e.robots != nil && !e.robots.Allowed(parentCtx, target) {
		return nil, fmt.Errorf("%w: robots.txt disallows %s", ErrBlocked, target.Path)
	}
	if err := e.limiter.Wait(parentCtx, target.Hostname()); err != nil {
		return nil, fmt.Errorf("wait for host slot: %w", err)
	}

	select {
	case e.semaphore <- struct{}{}:
		defer func() { <-e.semaphore }()
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}

	ctx, cancel := context.WithTimeout(parentCtx, e.opts.Timeout.Or(90*time.Second))
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, e.allocatorOptions()...)
	defer allocCancel()

	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)
	defer chromeCancel()

	start := time.Now()
	logger.Debug("chromedp starting extraction")

	if err := chromedp.Run(chromeCtx,
		chromedp.Navigate(target.String()),
		waitForDocumentReady(logger),
	); err != nil {
		logger.Error("chromedp navigation failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrNavigation, err)
	}

	if err := chromedp.Run(chromeCtx, waitForNetworkIdle(e.opts.IdleTimeout.Or(8*time.Second), e.opts.IdleQuiet.Or(700*time.Millisecond))); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrNavigation, ctx.Err())
		}
		logger.Debug("network idle not reached, continuing", "error", err)
	}

	var finalURL string
	if err := chromedp.Run(chromeCtx, chromedp.Location(&finalURL)); err == nil {
		if marker := e.blockedBy(finalURL); marker != "" {
			logger.Warn("extraction redirected to block page", "final_url", finalURL, "marker", marker)
			return nil, fmt.Errorf("%w: redirected to %s", ErrBlocked, finalURL)
		}
	}

	_ = chromedp.Run(chromeCtx, chromedp.Evaluate(eagerLoadJS, nil))

	rounds, err := scrollUntilStable(chromeCtx, e.scrollStep(), ScrollOptions{
		MaxRounds:    e.opts.MaxScrollRounds,
		StableRounds: e.opts.StableRounds,
		Pause:        e.opts.ScrollPause.Or(450 * time.Millisecond),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrNavigation, ctx.Err())
		}
		logger.Warn("scroll loop aborted", "rounds", rounds, "error", err)
	}

	harvest := &Harvest{RequestedURL: target.String(), ScrollRounds: rounds}

	var raw []media.HarvestedURL
	if err := chromedp.Run(chromeCtx, chromedp.Evaluate(harvestScript(req.ZoomMarkers), &raw)); err != nil {
		logger.Warn("dom harvest failed, continuing without it", "error", err)
		raw = nil
	}
	harvest.DOM = raw

	var network []string
	if err := chromedp.Run(chromeCtx, chromedp.Evaluate(networkJS, &network)); err != nil {
		logger.Warn("network observation failed, continuing without it", "error", err)
		network = nil
	}
	harvest.Network = network

	if err := chromedp.Run(chromeCtx,
		chromedp.OuterHTML("html", &harvest.HTML, chromedp.ByQuery),
		chromedp.Title(&harvest.Title),
		chromedp.Location(&harvest.FinalURL),
	); err != nil {
		logger.Error("capture rendered html failed", "error", err)
		return nil, fmt.Errorf("%w: capture html: %w", ErrNavigation, err)
	}
	if int64(len(harvest.HTML)) > e.opts.MaxHTMLBytes {
		harvest.HTML = harvest.HTML[:e.opts.MaxHTMLBytes]
	}
	if marker := e.blockedBy(harvest.FinalURL); marker != "" {
		return nil, fmt.Errorf("%w: redirected to %s", ErrBlocked, harvest.FinalURL)
	}

	harvest.Latency = time.Since(start)
	logger.Debug("chromedp extraction complete",
		"latency_ms", harvest.Latency.Milliseconds(),
		"final_url", harvest.FinalURL,
		"scroll_rounds", rounds,
		"dom_urls", len(harvest.DOM),
		"network_urls", len(harvest.Network),
		"html_bytes", len(harvest.HTML),
	)
	return harvest, nil
}

func (e *ChromedpExtractor) allocatorOptions() []chromedp.ExecAllocatorOption {
	lang := strings.TrimSpace(e.opts.AcceptLanguage)
	if lang == "" {
		lang = "zh-CN,zh;q=0.9"
	}
	primary := lang
	if i := strings.IndexByte(primary, ','); i >= 0 {
		primary = primary[:i]
	}
	opts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", !e.opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("lang", primary),
		chromedp.Flag("accept-lang", lang),
		chromedp.WindowSize(e.opts.WindowWidth, e.opts.WindowHeight),
	}
	if ua := strings.TrimSpace(e.opts.UserAgent); ua != "" {
		opts = append(opts, chromedp.UserAgent(ua))
	}
	return opts
}

func (e *ChromedpExtractor) blockedBy(location string) string {
	lower := strings.ToLower(location)
	for _, m := range e.blocks {
		if strings.Contains(lower, m) {
			return m
		}
	}
	return ""
}

func (e *ChromedpExtractor) scrollStep() scrollStep {
	script := fmt.Sprintf(scrollJS, e.opts.ScrollMargin)
	return func(ctx context.Context) (ScrollState, error) {
		var state ScrollState
		if err := chromedp.Run(ctx, chromedp.Evaluate(script, &state)); err != nil {
			return ScrollState{}, err
		}
		return state, nil
	}
}

func waitForDocumentReady(logger *slog.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx); err != nil {
				logger.Warn("waitForDocumentReady evaluate failed", "error", err)
				return err
			}
			if readyState == "interactive" || readyState == "complete" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// waitForNetworkIdle polls the resource timing buffer until no new entries
// appear for quiet, giving up after limit.
func waitForNetworkIdle(limit, quiet time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.Now().Add(limit)
		ticker := time.NewTicker(150 * time.Millisecond)
		defer ticker.Stop()
		last := -1
		since := time.Now()
		for {
			var count int
			if err := chromedp.Evaluate(`performance.getEntriesByType('resource').length`, &count).Do(ctx); err != nil {
				return err
			}
			if count != last {
				last = count
				since = time.Now()
			} else if time.Since(since) >= quiet {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("network still busy after %s (%d resources)", limit, count)
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

const eagerLoadJS = `(() => {
  try {
    document.querySelectorAll('img[loading]').forEach(img => img.loading = 'eager');
    document.querySelectorAll('video').forEach(v => { try { v.preload = 'metadata'; v.pause(); } catch (e) {} });
  } catch (e) {}
  return true;
})()`

const scrollJS = `(() => {
  const margin = %d;
  const root = document.scrollingElement || document.documentElement || document.body;
  if (root) { root.scrollTop = root.scrollHeight; }
  window.scrollTo(0, root ? root.scrollHeight : 0);
  let inner = 0, count = 0;
  for (const el of document.querySelectorAll('body *')) {
    if (el.scrollHeight <= el.clientHeight + margin) continue;
    const oy = getComputedStyle(el).overflowY;
    if (oy !== 'auto' && oy !== 'scroll') continue;
    el.scrollTop = el.scrollHeight;
    inner += el.scrollHeight;
    count++;
  }
  return {rootHeight: root ? root.scrollHeight : 0, innerHeight: inner, containers: count};
})()`

const networkJS = `(() => {
  try {
    return performance.getEntriesByType('resource').map(e => e.name).filter(n => /^https?:/i.test(n));
  } catch (e) { return []; }
})()`

const harvestJS = `(() => {
  const zoom = %s;
  const out = [];
  const push = (kind, v) => { if (typeof v === 'string' && v.trim() !== '') out.push({kind: kind, url: v.trim()}); };
  const marks = (el) => {
    const cls = typeof el.className === 'string' ? el.className : (el.getAttribute('class') || '');
    const s = (cls + ' ' + (el.id || '') + ' ' + (el.getAttribute('data-role') || '')).toLowerCase();
    return zoom.some(m => s.includes(m));
  };
  for (const img of document.querySelectorAll('img')) {
    const rel = img.getAttribute('rel');
    const dataSrc = img.getAttribute('data-src');
    const src = img.getAttribute('src') || img.currentSrc;
    if (marks(img) || (img.parentElement && marks(img.parentElement))) {
      push('zoom', rel || dataSrc || src);
      continue;
    }
    push('data-src', dataSrc);
    push('src', src);
    push('rel', rel);
  }
  for (const v of document.querySelectorAll('video')) {
    push('video', v.getAttribute('src') || v.currentSrc);
    for (const s of v.querySelectorAll('source')) push('source', s.getAttribute('src'));
  }
  return out;
})()`

func harvestScript(zoomMarkers []string) string {
	markers := make([]string, 0, len(zoomMarkers))
	for _, m := range zoomMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			markers = append(markers, m)
		}
	}
	encoded, err := json.Marshal(markers)
	if err != nil {
		encoded = []byte("[]")
	}
	return fmt.Sprintf(harvestJS, encoded)
}
