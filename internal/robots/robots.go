// Package robots gates product-page extraction on the marketplace's
// robots.txt when robots.respect is enabled.
package robots

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
)

// Agent evaluates robots.txt rules with caching and host overrides.
type Agent struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	respect   bool
	logger    *slog.Logger

	mu        sync.RWMutex
	cache     map[string]cacheEntry
	overrides map[string]struct{}
}

type cacheEntry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData // nil when the fetch failed; treated as allow-all
}

// NewAgent constructs a robots agent from configuration.
func NewAgent(cfg config.RobotsConfig, client *http.Client, logger *slog.Logger) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	overrides := make(map[string]struct{}, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		overrides[host] = struct{}{}
	}

	return &Agent{
		client:    client,
		userAgent: cfg.UserAgent,
		ttl:       cfg.CacheTTL.Or(6 * time.Hour),
		respect:   cfg.Respect,
		logger:    logger,
		cache:     make(map[string]cacheEntry),
		overrides: overrides,
	}
}

// Allowed reports whether the product page may be opened. Override hosts
// match their subdomains too, so "1688.com" covers detail.1688.com.
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	if target == nil || !target.IsAbs() {
		return false
	}
	if !a.respect {
		return true
	}
	if a.overridden(strings.ToLower(target.Hostname())) {
		return true
	}

	rules := a.rules(ctx, target)
	if rules == nil {
		return true
	}
	group := rules.FindGroup(a.userAgent)
	if group == nil {
		return true
	}
	return group.Test(target.RequestURI())
}

func (a *Agent) overridden(host string) bool {
	for {
		if _, ok := a.overrides[host]; ok {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
	}
}

func (a *Agent) rules(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	host := strings.ToLower(target.Host)

	a.mu.RLock()
	entry, ok := a.cache[host]
	a.mu.RUnlock()
	if ok && time.Since(entry.fetched) < a.ttl {
		return entry.rules
	}

	data, err := a.fetch(ctx, target)
	if err != nil {
		// Fail open, but remember the failure so a dead robots.txt is not
		// re-requested on every extraction.
		a.logger.Warn("robots.txt unavailable, allowing", "host", host, "error", err)
		data = nil
	}

	a.mu.Lock()
	a.cache[host] = cacheEntry{fetched: time.Now(), rules: data}
	a.mu.Unlock()
	return data
}

func (a *Agent) fetch(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("robots returned status %d", resp.StatusCode)
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return data, nil
}

// Purge evicts cached robots rules for a host.
func (a *Agent) Purge(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return
	}
	a.mu.Lock()
	delete(a.cache, host)
	a.mu.Unlock()
}
