package compositor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/url"
	"strings"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/nanainternational/nana-renewal-sub000/internal/fetcher"
)

var (
	// ErrHostNotAllowed rejects image URLs that are not http(s) on an allowed host.
	ErrHostNotAllowed = errors.New("image host not allowed")
	// ErrImageTooLarge rejects images whose declared dimensions exceed the pixel budget.
	ErrImageTooLarge = errors.New("image dimensions exceed budget")
)

// DefaultMaxSourcePixels bounds one decoded source image (about 160 MB of RGBA).
const DefaultMaxSourcePixels = 40_000_000

// ImageLoader resolves one detail-image URL to a decoded image.
type ImageLoader interface {
	Load(ctx context.Context, rawURL string) (image.Image, error)
}

// Fetcher downloads raw bytes. fetcher.HTTPFetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetcher.Response, error)
}

// LoaderOptions configures an HTTPLoader.
type LoaderOptions struct {
	// Resolve maps the URL the client sent (often an image-proxy link) to the
	// URL that is actually fetched.
	Resolve func(string) string
	// AllowHost gates the resolved host before anything is fetched. Nil
	// admits any host, so servers must always set it.
	AllowHost func(host string) bool
	Timeout   time.Duration
	MaxPixels int64
}

// HTTPLoader fetches images server side.
type HTTPLoader struct {
	fetcher   Fetcher
	resolve   func(string) string
	allowHost func(string) bool
	timeout   time.Duration
	maxPixels int64
}

// NewHTTPLoader builds a loader with a per-image timeout and pixel budget.
func NewHTTPLoader(f Fetcher, opts LoaderOptions) *HTTPLoader {
	if opts.Resolve == nil {
		opts.Resolve = func(u string) string { return u }
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxSourcePixels
	}
	return &HTTPLoader{
		fetcher:   f,
		resolve:   opts.Resolve,
		allowHost: opts.AllowHost,
		timeout:   opts.Timeout,
		maxPixels: opts.MaxPixels,
	}
}

// Load fetches and decodes a JPEG, PNG, GIF or WebP image. The header is read
// first so oversized images are refused before their pixels are allocated.
func (l *HTTPLoader) Load(ctx context.Context, rawURL string) (image.Image, error) {
	target := strings.TrimSpace(l.resolve(rawURL))
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) url", ErrHostNotAllowed, target)
	}
	if l.allowHost != nil && !l.allowHost(u.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	resp, err := l.fetcher.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("decode image header (%s): %w", resp.ContentType, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > l.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d, budget %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, l.maxPixels)
	}
	img, _, err := image.Decode(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("decode image (%s): %w", resp.ContentType, err)
	}
	return img, nil
}
