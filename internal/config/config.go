package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures everything needed to run the extraction and detail-page service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	DB         SQLConfig        `yaml:"db"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	Rendering  RenderingConfig  `yaml:"rendering"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Heuristics HeuristicsConfig `yaml:"heuristics"`
	AI         AIConfig         `yaml:"ai"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Compositor CompositorConfig `yaml:"compositor"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Robots     RobotsConfig     `yaml:"robots"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// SQLConfig describes the relational database holding the AI cache and wallet ledger.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// RedisConfig configures the latest-extraction cache. An empty addr selects the in-memory cache.
type RedisConfig struct {
	Addr      string   `yaml:"addr"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
	TTL       Duration `yaml:"ttl"`
	Timeout   Duration `yaml:"timeout"`
}

// AuthConfig describes how the caller identity is read from the signed session token.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	CookieName string `yaml:"cookie_name"`
	Issuer     string `yaml:"issuer"`
}

// RenderingConfig controls the headless browser used for extraction.
type RenderingConfig struct {
	Timeout            Duration `yaml:"timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	IdleQuiet          Duration `yaml:"idle_quiet"`
	UserAgent          string   `yaml:"user_agent"`
	AcceptLanguage     string   `yaml:"accept_language"`
	DisableHeadless    bool     `yaml:"disable_headless"`
	ConcurrentSessions int      `yaml:"concurrent_sessions"`
	MaxScrollRounds    int      `yaml:"max_scroll_rounds"`
	StableRounds       int      `yaml:"stable_rounds"`
	ScrollPause        Duration `yaml:"scroll_pause"`
	ScrollMargin       int      `yaml:"scroll_margin"`
	MaxHTMLBytes       int64    `yaml:"max_html_bytes"`
	WindowWidth        int      `yaml:"window_width"`
	WindowHeight       int      `yaml:"window_height"`
}

// ExtractionConfig tunes URL admission and reconciliation.
type ExtractionConfig struct {
	AllowedHosts  []string        `yaml:"allowed_hosts"`
	BlockMarkers  []string        `yaml:"block_markers"`
	MinMainImages int             `yaml:"min_main_images"`
	BackfillLimit int             `yaml:"backfill_limit"`
	PerHostDelay  Duration        `yaml:"per_host_delay"`
	RateLimit     RateLimitConfig `yaml:"rate_limit_per_host"`
}

// RateLimitConfig applies a token bucket per host.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// AIConfig describes the OpenAI-compatible model endpoint.
type AIConfig struct {
	BaseURL       string   `yaml:"base_url"`
	APIKey        string   `yaml:"api_key"`
	Model         string   `yaml:"model"`
	Timeout       Duration `yaml:"timeout"`
	PromptVersion string   `yaml:"prompt_version"`
	MaxImages     int      `yaml:"max_images"`
	Temperature   float64  `yaml:"temperature"`
}

// LedgerConfig prices AI generation and bounds the result cache.
type LedgerConfig struct {
	GenerationCost int64            `yaml:"generation_cost"`
	Feature        string           `yaml:"feature"`
	CacheTTL       Duration         `yaml:"cache_ttl"`
	SeedBalances   map[string]int64 `yaml:"seed_balances"`
}

// CompositorConfig controls detail-page rasterization.
type CompositorConfig struct {
	Width           int      `yaml:"width"`
	Padding         int      `yaml:"padding"`
	MaxHeight       int      `yaml:"max_height"`
	ImageSpacing    int      `yaml:"image_spacing"`
	TitleSize       float64  `yaml:"title_size"`
	CommentSize     float64  `yaml:"comment_size"`
	LineSpacing     float64  `yaml:"line_spacing"`
	FontPath        string   `yaml:"font_path"`
	Locale          string   `yaml:"locale"`
	ImageTimeout    Duration `yaml:"image_timeout"`
	Format          string   `yaml:"format"`
	JPEGQuality     int      `yaml:"jpeg_quality"`
	MaxImages       int      `yaml:"max_images"`
	MaxSourcePixels int64    `yaml:"max_source_pixels"`
	ArchiveDir      string   `yaml:"archive_dir"`
}

// ProxyConfig configures the hotlink-bypassing image proxy.
type ProxyConfig struct {
	Path         string   `yaml:"path"`
	AllowedHosts []string `yaml:"allowed_hosts"`
	Referer      string   `yaml:"referer"`
	UserAgent    string   `yaml:"user_agent"`
	Timeout      Duration `yaml:"timeout"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
}

// RobotsConfig configures robots.txt handling for extraction targets.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

const desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     DurationFrom(15 * time.Second),
			WriteTimeout:    DurationFrom(150 * time.Second),
			ShutdownTimeout: DurationFrom(15 * time.Second),
		},
		DB: SQLConfig{
			Driver:      "postgres",
			AutoMigrate: true,
		},
		Redis: RedisConfig{
			KeyPrefix: "detailpage:extract:",
			TTL:       DurationFrom(24 * time.Hour),
			Timeout:   DurationFrom(3 * time.Second),
		},
		Auth: AuthConfig{
			CookieName: "session",
		},
		Rendering: RenderingConfig{
			Timeout:            DurationFrom(90 * time.Second),
			IdleTimeout:        DurationFrom(8 * time.Second),
			IdleQuiet:          DurationFrom(700 * time.Millisecond),
			UserAgent:          desktopUserAgent,
			AcceptLanguage:     "zh-CN,zh;q=0.9,en;q=0.6",
			ConcurrentSessions: 2,
			MaxScrollRounds:    18,
			StableRounds:       2,
			ScrollPause:        DurationFrom(450 * time.Millisecond),
			ScrollMargin:       40,
			MaxHTMLBytes:       12 * 1024 * 1024,
			WindowWidth:        1440,
			WindowHeight:       900,
		},
		Extraction: ExtractionConfig{
			AllowedHosts: []string{"1688.com", "vvic.com"},
			BlockMarkers: []string{
				"login.1688.com",
				"login.taobao.com",
				"/punish",
				"_____tmd_____",
				"nocaptcha",
				"x5secdata",
			},
			MinMainImages: 3,
			BackfillLimit: 30,
			PerHostDelay:  DurationFrom(1500 * time.Millisecond),
		},
		Heuristics: DefaultHeuristics(),
		AI: AIConfig{
			BaseURL:       "https://api.openai.com/v1",
			Model:         "gpt-4o-mini",
			Timeout:       DurationFrom(60 * time.Second),
			PromptVersion: "v3",
			MaxImages:     6,
			Temperature:   0.4,
		},
		Ledger: LedgerConfig{
			GenerationCost: 10,
			Feature:        "ai_detail_copy",
			CacheTTL:       DurationFrom(30 * 24 * time.Hour),
			SeedBalances:   map[string]int64{},
		},
		Compositor: CompositorConfig{
			Width:           860,
			Padding:         40,
			MaxHeight:       20000,
			ImageSpacing:    16,
			TitleSize:       34,
			CommentSize:     22,
			LineSpacing:     1.45,
			Locale:          "ko",
			ImageTimeout:    DurationFrom(15 * time.Second),
			Format:          "jpeg",
			JPEGQuality:     90,
			MaxImages:       60,
			MaxSourcePixels: 40_000_000,
		},
		Proxy: ProxyConfig{
			Path:         "/api/image-proxy",
			AllowedHosts: []string{"alicdn.com", "1688.com", "vvic.com", "taobaocdn.com"},
			Referer:      "https://detail.1688.com/",
			UserAgent:    desktopUserAgent,
			Timeout:      DurationFrom(20 * time.Second),
			MaxBodyBytes: 15 * 1024 * 1024,
		},
		Robots: RobotsConfig{
			Respect:   false,
			Overrides: []string{},
			UserAgent: "detailpage-bot/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv(os.Getenv)
	if cfg.Heuristics.File != "" {
		h, err := LoadHeuristicsFile(cfg.Heuristics.File, cfg.Heuristics)
		if err != nil {
			return nil, err
		}
		cfg.Heuristics = h
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// applyEnv lets deployments keep secrets out of the config file.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("AI_API_KEY")); v != "" {
		c.AI.APIKey = v
	}
	if v := strings.TrimSpace(getenv("AUTH_JWT_SECRET")); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(getenv("DATABASE_DSN")); v != "" {
		c.DB.DSN = v
	}
	if v := strings.TrimSpace(getenv("REDIS_ADDR")); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

// Validate enforces required invariants for the service configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if c.DB.DSN != "" && c.DB.Driver == "" {
		return errors.New("db.driver must be set when db.dsn is configured")
	}
	if c.Rendering.ConcurrentSessions <= 0 {
		return fmt.Errorf("rendering.concurrent_sessions must be > 0 (got %d)", c.Rendering.ConcurrentSessions)
	}
	if c.Rendering.MaxScrollRounds <= 0 {
		return fmt.Errorf("rendering.max_scroll_rounds must be > 0 (got %d)", c.Rendering.MaxScrollRounds)
	}
	if c.Rendering.StableRounds < 0 {
		return fmt.Errorf("rendering.stable_rounds must be >= 0 (got %d)", c.Rendering.StableRounds)
	}
	if strings.TrimSpace(c.Rendering.UserAgent) == "" {
		return errors.New("rendering.user_agent must be set")
	}
	if c.Extraction.MinMainImages < 0 {
		return fmt.Errorf("extraction.min_main_images must be >= 0 (got %d)", c.Extraction.MinMainImages)
	}
	if c.Extraction.BackfillLimit < 0 {
		return fmt.Errorf("extraction.backfill_limit must be >= 0 (got %d)", c.Extraction.BackfillLimit)
	}
	if rl := c.Extraction.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("extraction.rate_limit_per_host.requests must be >= 0 (got %d)", rl.Requests)
	}
	if strings.TrimSpace(c.AI.Model) == "" {
		return errors.New("ai.model must be set")
	}
	if strings.TrimSpace(c.AI.PromptVersion) == "" {
		return errors.New("ai.prompt_version must be set")
	}
	if c.Ledger.GenerationCost <= 0 {
		return fmt.Errorf("ledger.generation_cost must be > 0 (got %d)", c.Ledger.GenerationCost)
	}
	if c.Ledger.CacheTTL.Duration <= 0 {
		return errors.New("ledger.cache_ttl must be > 0")
	}
	for user, balance := range c.Ledger.SeedBalances {
		if balance < 0 {
			return fmt.Errorf("ledger.seed_balances[%s] must be >= 0 (got %d)", user, balance)
		}
	}
	if c.Compositor.Width <= 2*c.Compositor.Padding {
		return fmt.Errorf("compositor.width (%d) must exceed twice the padding (%d)", c.Compositor.Width, c.Compositor.Padding)
	}
	if c.Compositor.MaxHeight <= 0 {
		return fmt.Errorf("compositor.max_height must be > 0 (got %d)", c.Compositor.MaxHeight)
	}
	switch c.Compositor.Format {
	case "png", "jpeg":
	default:
		return fmt.Errorf("compositor.format must be png or jpeg (got %q)", c.Compositor.Format)
	}
	if c.Compositor.MaxSourcePixels <= 0 {
		return fmt.Errorf("compositor.max_source_pixels must be > 0 (got %d)", c.Compositor.MaxSourcePixels)
	}
	if c.Proxy.MaxBodyBytes <= 0 {
		return fmt.Errorf("proxy.max_body_bytes must be > 0 (got %d)", c.Proxy.MaxBodyBytes)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	if len(c.Heuristics.ProductPathMarkers) == 0 {
		return errors.New("heuristics.product_path_markers must include at least one value")
	}
	return nil
}

func (c *Config) normalise() {
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Rendering.UserAgent = strings.TrimSpace(c.Rendering.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Compositor.Format = strings.ToLower(strings.TrimSpace(c.Compositor.Format))
	if c.Compositor.Format == "jpg" {
		c.Compositor.Format = "jpeg"
	}
	c.Compositor.Locale = strings.ToLower(strings.TrimSpace(c.Compositor.Locale))
	c.Compositor.ArchiveDir = strings.TrimSpace(c.Compositor.ArchiveDir)

	if len(c.Extraction.AllowedHosts) > 0 {
		c.Extraction.AllowedHosts = dedupeLower(c.Extraction.AllowedHosts)
	}
	if len(c.Extraction.BlockMarkers) > 0 {
		c.Extraction.BlockMarkers = dedupeLower(c.Extraction.BlockMarkers)
	}
	if len(c.Proxy.AllowedHosts) > 0 {
		c.Proxy.AllowedHosts = dedupeLower(c.Proxy.AllowedHosts)
	}
	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
	if c.Ledger.SeedBalances == nil {
		c.Ledger.SeedBalances = map[string]int64{}
	}
	c.Heuristics.normalise()
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && r.Window.Duration > 0
}
