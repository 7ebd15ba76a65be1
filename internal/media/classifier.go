// Package media classifies harvested asset URLs and reconciles the evidence
// collected from a product page into ordered main/detail media lists.
package media

import (
	"net/url"
	"path"
	"strings"
	"sync/atomic"

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
)

// Classifier applies the configured heuristics to asset URLs. All methods are
// pure and safe for concurrent use.
type Classifier struct {
	placeholders   []string
	uiKeywords     []string
	productMarkers []string
	videoExts      map[string]struct{}
	transformKeys  map[string]struct{}
	zoomMarkers    []string

	minMain       int
	backfillLimit int
}

// Options tunes reconciliation thresholds.
type Options struct {
	MinMainImages int
	BackfillLimit int
}

// NewClassifier builds a classifier from heuristics configuration.
func NewClassifier(h config.HeuristicsConfig, opts Options) *Classifier {
	c := &Classifier{
		placeholders:   lowerAll(h.PlaceholderMarkers),
		uiKeywords:     lowerAll(h.UIAssetKeywords),
		productMarkers: lowerAll(h.ProductPathMarkers),
		videoExts:      make(map[string]struct{}, len(h.VideoExtensions)),
		transformKeys:  make(map[string]struct{}, len(h.TransformQueryKeys)),
		zoomMarkers:    lowerAll(h.ZoomMarkers),
		minMain:        opts.MinMainImages,
		backfillLimit:  opts.BackfillLimit,
	}
	for _, ext := range h.VideoExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.videoExts[ext] = struct{}{}
	}
	for _, key := range h.TransformQueryKeys {
		if key = strings.ToLower(strings.TrimSpace(key)); key != "" {
			c.transformKeys[key] = struct{}{}
		}
	}
	return c
}

var slashReplacer = strings.NewReplacer(`\/`, "/", `\u002F`, "/", `\u002f`, "/", "&amp;", "&")

// NormalizeURL repairs protocol-relative and JSON-escaped URLs. It returns ""
// for empty input and is idempotent.
func NormalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	for {
		next := slashReplacer.Replace(u)
		if next == u {
			break
		}
		u = next
	}
	if strings.HasPrefix(u, "//") {
		u = "https:" + u
	}
	return u
}

// StripQuery drops the query string and fragment.
func StripQuery(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}

// CanonicalKey is the deduplication key for a URL. It is never shown to users.
func CanonicalKey(u string) string {
	return strings.ToLower(StripQuery(NormalizeURL(u)))
}

// StripTransformQuery removes the query only when it carries image resize or
// format parameters, so signed URLs survive untouched.
func (c *Classifier) StripTransformQuery(u string) string {
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u = u[:i]
	}
	q := strings.IndexByte(u, '?')
	if q < 0 {
		return u
	}
	values, err := url.ParseQuery(u[q+1:])
	if err != nil {
		return u
	}
	for key := range values {
		if _, ok := c.transformKeys[strings.ToLower(key)]; ok {
			return u[:q]
		}
	}
	return u
}

// IsPlaceholder reports whether the URL points at a "no image" sentinel.
func (c *Classifier) IsPlaceholder(u string) bool {
	p := strings.ToLower(urlPath(u))
	if p == "" {
		return false
	}
	return containsAny(p, c.placeholders)
}

// LooksLikeUIAsset reports whether the URL matches the site-chrome denylist.
func (c *Classifier) LooksLikeUIAsset(u string) bool {
	lower := strings.ToLower(StripQuery(u))
	if lower == "" {
		return false
	}
	return containsAny(lower, c.uiKeywords)
}

// IsVideoURL reports whether the path extension is a known video container.
func (c *Classifier) IsVideoURL(u string) bool {
	p := urlPath(u)
	if p == "" {
		return false
	}
	_, ok := c.videoExts[strings.ToLower(path.Ext(p))]
	return ok
}

// IsProductImage reports whether the URL is a genuine upload rather than a theme asset.
func (c *Classifier) IsProductImage(u string) bool {
	if u == "" || c.IsVideoURL(u) {
		return false
	}
	return containsAny(strings.ToLower(urlPath(u)), c.productMarkers)
}

// PickClean is the gate every harvested URL passes before it becomes a
// candidate. It returns "" when the URL is rejected.
func (c *Classifier) PickClean(u string) string {
	u = c.StripTransformQuery(NormalizeURL(u))
	if u == "" || c.IsPlaceholder(u) || c.LooksLikeUIAsset(u) {
		return ""
	}
	return u
}

func (c *Classifier) isZoomMarker(values ...string) bool {
	for _, v := range values {
		if v != "" && containsAny(strings.ToLower(v), c.zoomMarkers) {
			return true
		}
	}
	return false
}

func urlPath(u string) string {
	u = StripQuery(NormalizeURL(u))
	if u == "" {
		return ""
	}
	if parsed, err := url.Parse(u); err == nil && parsed.Path != "" {
		return parsed.Path
	}
	if i := strings.Index(u, "://"); i >= 0 {
		rest := u[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return rest[j:]
		}
		return ""
	}
	return u
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Holder keeps the active classifier so heuristics can be swapped at runtime.
type Holder struct {
	current atomic.Pointer[Classifier]
}

// NewHolder wraps an initial classifier.
func NewHolder(c *Classifier) *Holder {
	h := &Holder{}
	h.current.Store(c)
	return h
}

// Load returns the active classifier.
func (h *Holder) Load() *Classifier {
	return h.current.Load()
}

// Swap replaces the active classifier.
func (h *Holder) Swap(c *Classifier) {
	if c != nil {
		h.current.Store(c)
	}
}

// ZoomMarkers returns the class/id markers that identify zoom-lens images.
func (c *Classifier) ZoomMarkers() []string {
	return append([]string(nil), c.zoomMarkers...)
}
