// Package imageproxy re-serves hotlink-protected marketplace images from our
// own origin so browsers and the compositor can use them.
package imageproxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nanainternational/nana-renewal-sub000/internal/fetcher"
)

// Rewriter maps marketplace image URLs to proxy URLs and back.
type Rewriter struct {
	path string
}

// NewRewriter builds a rewriter for the proxy mounted at path.
func NewRewriter(path string) *Rewriter {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "/api/image-proxy"
	}
	return &Rewriter{path: path}
}

// Rewrite returns the proxy URL for an absolute http(s) image URL. Anything
// else, including URLs that are already proxied, is returned unchanged.
func (r *Rewriter) Rewrite(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return raw
	}
	return r.path + "?url=" + url.QueryEscape(raw)
}

// Unwrap returns the upstream URL behind a proxy URL, absolute or relative.
// URLs that are not proxy links come back unchanged.
func (r *Rewriter) Unwrap(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Path != r.path {
		return raw
	}
	if target := u.Query().Get("url"); target != "" {
		return target
	}
	return raw
}

// Fetcher downloads the upstream image. fetcher.HTTPFetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetcher.Response, error)
}

// AllowList admits image hosts by domain. A listed domain also admits its
// subdomains. The proxy, the compositor loader and the redirect policy of the
// image fetcher all share one list.
type AllowList struct {
	hosts []string
}

// NewAllowList normalises the configured domains. An empty list allows nothing.
func NewAllowList(hosts []string) *AllowList {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = strings.Trim(strings.ToLower(strings.TrimSpace(h)), "."); h != "" {
			out = append(out, h)
		}
	}
	return &AllowList{hosts: out}
}

// Allows reports whether host (without port) is listed or under a listed domain.
func (a *AllowList) Allows(host string) bool {
	if a == nil {
		return false
	}
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return false
	}
	for _, allowed := range a.hosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// AllowsURL reports whether raw is an absolute http(s) URL on an allowed host.
func (a *AllowList) AllowsURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return a.Allows(u.Hostname())
}

// Handler serves GET ?url=<image> for allow-listed hosts.
type Handler struct {
	fetcher Fetcher
	allow   *AllowList
	logger  *slog.Logger
}

// NewHandler builds the proxy handler.
func NewHandler(f Fetcher, allow *AllowList, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{fetcher: f, allow: allow, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	target, err := url.Parse(raw)
	if raw == "" || err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		http.Error(w, "url must be an absolute http(s) url", http.StatusBadRequest)
		return
	}
	if !h.allow.Allows(target.Hostname()) {
		http.Error(w, "host not allowed", http.StatusForbidden)
		return
	}

	logger := h.logger.With("image_url", target.String())
	resp, err := h.fetcher.Fetch(r.Context(), target.String())
	if err != nil {
		logger.Warn("image proxy fetch failed", "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, "upstream image unavailable", status)
		return
	}

	ct := strings.TrimSpace(resp.ContentType)
	if ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
		ct = http.DetectContentType(resp.Body)
	}
	if !strings.HasPrefix(strings.ToLower(ct), "image/") {
		logger.Warn("image proxy rejected content type", "content_type", ct)
		http.Error(w, "upstream did not return an image", http.StatusUnsupportedMediaType)
		return
	}

	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(resp.Body)
	}
}
