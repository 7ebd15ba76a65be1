package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

var (
	// ErrUpstreamStatus reports a non-2xx answer from the asset host.
	ErrUpstreamStatus = errors.New("upstream returned error status")
	// ErrBodyTooLarge reports a response above the configured cap.
	ErrBodyTooLarge = errors.New("response body exceeds limit")
	// ErrRedirectBlocked reports a redirect to a host outside AllowHost.
	ErrRedirectBlocked = errors.New("redirect target not allowed")
)

const maxRedirects = 10

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Referer      string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
	ProxyURL     string
	// AllowHost, when set, is consulted for every redirect hop.
	AllowHost func(host string) bool
}

// Response is a fully read asset.
type Response struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	Latency     time.Duration
}

// HTTPFetcher downloads marketplace assets (product images, video posters)
// with hotlink-friendly headers.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	referer      string
	extraHeaders map[string]string
	maxBodyBytes int64
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 15 * 1024 * 1024
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	client := &http.Client{Timeout: opts.Timeout, Transport: transport}
	if opts.AllowHost != nil {
		client.CheckRedirect = redirectPolicy(opts.AllowHost)
	}

	return &HTTPFetcher{
		client:       client,
		userAgent:    opts.UserAgent,
		referer:      opts.Referer,
		extraHeaders: headers,
		maxBodyBytes: opts.MaxBodyBytes,
	}, nil
}

func redirectPolicy(allow func(host string) bool) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return fmt.Errorf("%w: %s", ErrRedirectBlocked, req.URL.Scheme)
		}
		if !allow(req.URL.Hostname()) {
			return fmt.Errorf("%w: %s", ErrRedirectBlocked, req.URL.Host)
		}
		return nil
	}
}

// Fetch downloads a single asset. Non-2xx statuses are errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	target, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !target.IsAbs() {
		return nil, fmt.Errorf("invalid asset url %q", rawURL)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	if f.referer != "" {
		httpReq.Header.Set("Referer", f.referer)
	}
	httpReq.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,ko;q=0.8,en;q=0.6")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range f.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %d from %s", ErrUpstreamStatus, resp.StatusCode, target.Host)
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, err
	}

	finalURL := target.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Response{
		URL:         target.String(),
		FinalURL:    finalURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Latency:     time.Since(start),
	}, nil
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, f.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w of %d bytes", ErrBodyTooLarge, f.maxBodyBytes)
	}
	return body, nil
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt fetches).
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}
