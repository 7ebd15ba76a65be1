package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
	"github.com/nanainternational/nana-renewal-sub000/internal/extractcache"
	"github.com/nanainternational/nana-renewal-sub000/internal/extraction"
	"github.com/nanainternational/nana-renewal-sub000/internal/fetcher"
	"github.com/nanainternational/nana-renewal-sub000/internal/logging"
	"github.com/nanainternational/nana-renewal-sub000/internal/media"
	"github.com/nanainternational/nana-renewal-sub000/internal/robots"
	"github.com/nanainternational/nana-renewal-sub000/pkg/types"
)

// line is one JSON record written per input URL.
type line struct {
	URL    string                  `json:"url"`
	OK     bool                    `json:"ok"`
	Error  string                  `json:"error,omitempty"`
	Result *types.ExtractionResult `json:"result,omitempty"`
}

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to service configuration")
	listPath := flag.String("urls", "", "File with one product URL per line (- for stdin)")
	user := flag.String("user", "", "Store each result as this user's latest extraction")
	concurrency := flag.Int("concurrency", 0, "Pages extracted at once (defaults to rendering.concurrent_sessions)")
	timeout := flag.Duration("timeout", 0, "Overall deadline for the batch")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	urls := flag.Args()
	if *listPath != "" {
		more, err := readURLs(*listPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read urls: %v\n", err)
			os.Exit(1)
		}
		urls = append(urls, more...)
	}
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "usage: extract [-config path] [-urls file] <product-url>...")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *timeout)
		defer stop()
	}

	var cache extractcache.Store
	if *user != "" {
		cache, err = extractcache.New(ctx, cfg.Redis)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialise extraction cache: %v\n", err)
			os.Exit(1)
		}
		defer cache.Close()
	}

	extractor := fetcher.NewChromedpExtractor(fetcher.ExtractorOptions{
		Rendering:    cfg.Rendering,
		BlockMarkers: cfg.Extraction.BlockMarkers,
		Limiter:      fetcher.NewDomainLimiterFromConfig(cfg.Extraction),
		Robots:       robots.NewAgent(cfg.Robots, nil, logger),
		Logger:       logger,
	})
	classifier := media.NewClassifier(cfg.Heuristics, media.Options{
		MinMainImages: cfg.Extraction.MinMainImages,
		BackfillLimit: cfg.Extraction.BackfillLimit,
	})
	svc := extraction.NewService(extractor, media.NewHolder(classifier), cache, cfg.Extraction.AllowedHosts, logger)

	workers := *concurrency
	if workers <= 0 {
		workers = cfg.Rendering.ConcurrentSessions
	}
	start := time.Now()
	items, err := svc.ExtractBatch(ctx, *user, urls, workers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "extraction stopped with error: %v\n", err)
		os.Exit(1)
	}

	failed := writeLines(os.Stdout, items)
	logger.Info("batch complete", "urls", len(items), "failed", failed, "duration", time.Since(start))
	if failed > 0 {
		os.Exit(1)
	}
}

func readURLs(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		fh, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer fh.Close()
		r = fh
	}
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		urls = append(urls, text)
	}
	return urls, scanner.Err()
}

func writeLines(w io.Writer, items []extraction.BatchItem) int {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	failed := 0
	for _, item := range items {
		out := line{URL: item.URL, OK: item.Err == nil, Result: item.Result}
		if item.Err != nil {
			out.Error = item.Err.Error()
			failed++
		}
		_ = enc.Encode(out)
	}
	return failed
}
