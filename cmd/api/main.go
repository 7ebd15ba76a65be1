package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nanainternational/nana-renewal-sub000/internal/aicopy"
	"github.com/nanainternational/nana-renewal-sub000/internal/api"
	"github.com/nanainternational/nana-renewal-sub000/internal/auth"
	"github.com/nanainternational/nana-renewal-sub000/internal/compositor"
	"github.com/nanainternational/nana-renewal-sub000/internal/config"
	"github.com/nanainternational/nana-renewal-sub000/internal/extractcache"
	"github.com/nanainternational/nana-renewal-sub000/internal/extraction"
	"github.com/nanainternational/nana-renewal-sub000/internal/fetcher"
	"github.com/nanainternational/nana-renewal-sub000/internal/imageproxy"
	"github.com/nanainternational/nana-renewal-sub000/internal/llm"
	"github.com/nanainternational/nana-renewal-sub000/internal/logging"
	"github.com/nanainternational/nana-renewal-sub000/internal/media"
	"github.com/nanainternational/nana-renewal-sub000/internal/robots"
	"github.com/nanainternational/nana-renewal-sub000/internal/storage"
)

// ledgerStore is satisfied by both the SQL and in-memory ledgers.
type ledgerStore interface {
	storage.Ledger
	storage.HistoryReader
}

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to service configuration")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, closeLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error("initialise ledger failed", "error", err)
		os.Exit(1)
	}
	defer closeLedger()

	cache, err := extractcache.New(ctx, cfg.Redis)
	if err != nil {
		logger.Error("initialise extraction cache failed", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	assets, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Proxy.UserAgent,
		Referer:      cfg.Proxy.Referer,
		Timeout:      cfg.Proxy.Timeout.Or(20 * time.Second),
		MaxBodyBytes: cfg.Proxy.MaxBodyBytes,
	})
	if err != nil {
		logger.Error("initialise asset fetcher failed", "error", err)
		os.Exit(1)
	}

	// Client-supplied image URLs only ever reach allow-listed hosts, redirects included.
	imageHosts := imageproxy.NewAllowList(cfg.Proxy.AllowedHosts)
	images, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Proxy.UserAgent,
		Referer:      cfg.Proxy.Referer,
		Timeout:      cfg.Proxy.Timeout.Or(20 * time.Second),
		MaxBodyBytes: cfg.Proxy.MaxBodyBytes,
		AllowHost:    imageHosts.Allows,
	})
	if err != nil {
		logger.Error("initialise image fetcher failed", "error", err)
		os.Exit(1)
	}

	classifiers := media.NewHolder(newClassifier(cfg))
	extractor := fetcher.NewChromedpExtractor(fetcher.ExtractorOptions{
		Rendering:    cfg.Rendering,
		BlockMarkers: cfg.Extraction.BlockMarkers,
		Limiter:      fetcher.NewDomainLimiterFromConfig(cfg.Extraction),
		Robots:       robots.NewAgent(cfg.Robots, assets.Client(), logger),
		Logger:       logger,
	})
	extractions := extraction.NewService(extractor, classifiers, cache, cfg.Extraction.AllowedHosts, logger)

	generator := aicopy.NewGenerator(ledger, llm.NewClient(cfg.AI), aicopy.Options{
		Cost:          cfg.Ledger.GenerationCost,
		Feature:       cfg.Ledger.Feature,
		TTL:           cfg.Ledger.CacheTTL.Duration,
		PromptVersion: cfg.AI.PromptVersion,
		MaxImages:     cfg.AI.MaxImages,
		Temperature:   cfg.AI.Temperature,
		ColorWords:    cfg.Heuristics.ColorWords,
		Timeout:       cfg.Server.WriteTimeout.Duration,
	}, logger)

	rewriter := imageproxy.NewRewriter(cfg.Proxy.Path)
	loader := compositor.NewHTTPLoader(images, compositor.LoaderOptions{
		Resolve: func(u string) string {
			return media.NormalizeURL(rewriter.Unwrap(u))
		},
		AllowHost: imageHosts.Allows,
		Timeout:   cfg.Compositor.ImageTimeout.Duration,
		MaxPixels: cfg.Compositor.MaxSourcePixels,
	})
	composer, err := compositor.New(cfg.Compositor, loader, logger)
	if err != nil {
		logger.Error("initialise compositor failed", "error", err)
		os.Exit(1)
	}

	deps := api.Dependencies{
		Extractor:  extractions,
		Generator:  generator,
		Wallet:     ledger,
		Composer:   composer,
		ImageProxy: imageproxy.NewHandler(images, imageHosts, logger),
		ProxyPath:  cfg.Proxy.Path,
		Verifier:   auth.NewVerifier(cfg.Auth),
		Logger:     logger,
	}
	if cfg.Compositor.ArchiveDir != "" {
		archive, err := storage.NewFileMediaStore(cfg.Compositor.ArchiveDir)
		if err != nil {
			logger.Error("initialise compose archive failed", "error", err)
			os.Exit(1)
		}
		deps.Archive = archive
	}
	if deps.Verifier == nil {
		logger.Warn("auth.jwt_secret not set; signed-in endpoints will answer 401")
	}

	go reloadHeuristicsOnHangup(ctx, cfg, classifiers, generator, logger)
	go sweepExpired(ctx, ledger, time.Hour, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewServer(deps),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Or(15*time.Second))
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
	}()

	logger.Info("api server listening", "addr", cfg.Server.Addr, "model", cfg.AI.Model, "prompt_version", cfg.AI.PromptVersion)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("api server stopped")
}

func newClassifier(cfg *config.Config) *media.Classifier {
	return media.NewClassifier(cfg.Heuristics, media.Options{
		MinMainImages: cfg.Extraction.MinMainImages,
		BackfillLimit: cfg.Extraction.BackfillLimit,
	})
}

// openLedger uses Postgres when a DSN is configured and an in-memory ledger
// otherwise. Seed balances never overwrite existing wallets.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledgerStore, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn not set; wallet and AI cache are kept in memory")
		return storage.NewMemoryStore(cfg.Ledger.SeedBalances), func() {}, nil
	}
	store, err := storage.NewSQLStore(cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	if err := store.SeedBalances(ctx, cfg.Ledger.SeedBalances); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("seed balances: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

// reloadHeuristicsOnHangup re-reads heuristics.file on SIGHUP and swaps the
// classifier and color list without a restart.
func reloadHeuristicsOnHangup(ctx context.Context, cfg *config.Config, classifiers *media.Holder, generator *aicopy.Generator, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		if cfg.Heuristics.File == "" {
			logger.Info("SIGHUP ignored: heuristics.file not configured")
			continue
		}
		h, err := config.LoadHeuristicsFile(cfg.Heuristics.File, cfg.Heuristics)
		if err != nil {
			logger.Error("reload heuristics failed", "path", cfg.Heuristics.File, "error", err)
			continue
		}
		reloaded := *cfg
		reloaded.Heuristics = h
		classifiers.Swap(newClassifier(&reloaded))
		generator.SetColorWords(h.ColorWords)
		logger.Info("heuristics reloaded", "path", h.File, "color_words", len(h.ColorWords))
	}
}

func sweepExpired(ctx context.Context, ledger storage.Ledger, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ledger.SweepExpired(ctx)
			if err != nil {
				logger.Warn("sweep expired generations failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired generations removed", "rows", n)
			}
		}
	}
}
