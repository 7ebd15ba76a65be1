// Package aicopy generates marketplace listing copy from product photos and
// meters it against the caller's credit wallet. Results are cached per
// (user, source URL); duplicate submissions are charged once.
package aicopy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nanainternational/nana-renewal-sub000/internal/llm"
	"github.com/nanainternational/nana-renewal-sub000/internal/storage"
)

var (
	// ErrInvalidRequest rejects requests without a caller, source or images.
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrInsufficientCredit is returned before the model is called when the
	// wallet cannot cover the cost, and by the ledger if the wallet drained
	// while the model was running.
	ErrInsufficientCredit = storage.ErrInsufficientCredit
	// ErrModel wraps model transport and status failures.
	ErrModel = errors.New("copy model failed")
	// ErrUnparseableOutput means the reply held no recoverable JSON copy.
	ErrUnparseableOutput = errors.New("copy model returned unparseable output")
)

// Model is the chat model used for generation. llm.Client implements it.
type Model interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Options configures pricing, caching and prompting.
type Options struct {
	Cost          int64
	Feature       string
	TTL           time.Duration
	PromptVersion string
	MaxImages     int
	Temperature   float64
	ColorWords    []string
	// Timeout bounds one shared generation, independent of any caller.
	Timeout time.Duration
}

// Request is one generation submitted by a user.
type Request struct {
	UserID        string
	SourceURL     string
	ImageURLs     []string
	PromptVersion string
}

// Result is the copy returned to the caller. Cached is true when the copy came
// from an earlier committed generation.
type Result struct {
	Cached          bool
	ProductName     string
	Editor          string
	CoupangKeywords []string
	AblyKeywords    []string
	Balance         *int64
	RequestKey      string
	Model           string
	CreatedAt       time.Time
}

// Generator runs cache lookup, balance check, model call and charge.
type Generator struct {
	ledger   storage.Ledger
	model    Model
	opts     Options
	stripper atomic.Pointer[Stripper]
	group    singleflight.Group
	logger   *slog.Logger
	now      func() time.Time
}

// NewGenerator builds a generator over the given ledger and model.
func NewGenerator(ledger storage.Ledger, model Model, opts Options, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * 24 * time.Hour
	}
	if opts.Cost <= 0 {
		opts.Cost = 1
	}
	if opts.Feature == "" {
		opts.Feature = "ai_detail_copy"
	}
	if opts.PromptVersion == "" {
		opts.PromptVersion = latestPromptVersion
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = 6
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	g := &Generator{
		ledger: ledger,
		model:  model,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
	g.stripper.Store(NewStripper(opts.ColorWords))
	return g
}

// SetColorWords swaps the color denylist used by post-processing.
func (g *Generator) SetColorWords(words []string) {
	g.stripper.Store(NewStripper(words))
}

// Cost is the credit price of one fresh generation.
func (g *Generator) Cost() int64 {
	return g.opts.Cost
}

// RequestKey derives the idempotency key for a generation.
func RequestKey(userID, sourceURL, promptVersion string) string {
	sum := sha256.Sum256([]byte(userID + "|" + sourceURL + "|" + promptVersion))
	return hex.EncodeToString(sum[:])
}

// Generate returns cached copy when present; otherwise it calls the model and
// charges the wallet after the model succeeds. Concurrent identical requests
// in this process share one model call. The shared call is detached from the
// caller that started it: a caller whose ctx ends gets ctx.Err() while the
// generation runs on for the others and is committed to the cache.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	req, err := g.normalise(req)
	if err != nil {
		return nil, err
	}
	key := RequestKey(req.UserID, req.SourceURL, req.PromptVersion)

	ch := g.group.DoChan(key, func() (any, error) {
		work, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.Timeout)
		defer cancel()
		return g.generate(work, req, key)
	})
	select {
	case <-ctx.Done():
		g.logger.Info("generation caller went away", "user_id", req.UserID, "request_key", key, "error", ctx.Err())
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			g.logger.Debug("collapsed duplicate generation", "user_id", req.UserID, "request_key", key)
		}
		return cloneResult(r.Val.(*Result)), nil
	}
}

func (g *Generator) normalise(req Request) (Request, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.SourceURL = strings.TrimSpace(req.SourceURL)
	req.PromptVersion = strings.TrimSpace(req.PromptVersion)
	if req.PromptVersion == "" {
		req.PromptVersion = g.opts.PromptVersion
	}
	images := make([]string, 0, len(req.ImageURLs))
	for _, u := range req.ImageURLs {
		if u = strings.TrimSpace(u); u != "" {
			images = append(images, u)
		}
	}
	if len(images) > g.opts.MaxImages {
		images = images[:g.opts.MaxImages]
	}
	req.ImageURLs = images

	if req.UserID == "" {
		return req, fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}
	if len(req.ImageURLs) == 0 {
		return req, fmt.Errorf("%w: at least one image url is required", ErrInvalidRequest)
	}
	if req.SourceURL == "" {
		req.SourceURL = req.ImageURLs[0]
	}
	return req, nil
}

func (g *Generator) generate(ctx context.Context, req Request, key string) (*Result, error) {
	logger := g.logger.With("user_id", req.UserID, "source_url", req.SourceURL, "request_key", key)

	if removed, err := g.ledger.SweepExpired(ctx); err != nil {
		logger.Warn("sweep expired generations failed", "error", err)
	} else if removed > 0 {
		logger.Debug("swept expired generations", "removed", removed)
	}

	cached, err := g.ledger.GetCached(ctx, req.UserID, req.SourceURL)
	switch {
	case err == nil:
		logger.Info("generation cache hit")
		return g.fromEntry(ctx, cached, true), nil
	case !errors.Is(err, storage.ErrCacheMiss):
		return nil, fmt.Errorf("read generation cache: %w", err)
	}

	balance, err := g.ledger.Balance(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}
	if balance < g.opts.Cost {
		logger.Info("generation rejected for credit", "balance", balance, "cost", g.opts.Cost)
		return nil, fmt.Errorf("%w: balance %d, cost %d", ErrInsufficientCredit, balance, g.opts.Cost)
	}

	start := g.now()
	resp, err := g.model.Complete(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(req.PromptVersion, len(req.ImageURLs)),
		ImageURLs:   req.ImageURLs,
		Temperature: g.opts.Temperature,
		JSONOutput:  true,
	})
	if err != nil {
		logger.Warn("copy model failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrModel, err)
	}
	parsed, err := ParseCopy(resp.Content)
	if err != nil {
		logger.Warn("copy model output rejected", "error", err, "reply_bytes", len(resp.Content))
		return nil, err
	}
	cleaned := g.stripper.Load().Apply(parsed)

	now := g.now().UTC()
	charged, err := g.ledger.ChargeAndCommit(ctx, storage.ChargeRequest{
		Entry: storage.CacheEntry{
			UserID:          req.UserID,
			SourceURL:       req.SourceURL,
			AITitle:         cleaned.ProductName,
			AIEditor:        cleaned.Editor,
			CoupangKeywords: cleaned.CoupangKeywords,
			AblyKeywords:    cleaned.AblyKeywords,
			Model:           resp.Model,
			PromptVersion:   req.PromptVersion,
			RequestKey:      key,
			CreatedAt:       now,
			ExpiresAt:       now.Add(g.opts.TTL),
		},
		Cost:    g.opts.Cost,
		Feature: g.opts.Feature,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredit) {
			return nil, err
		}
		return nil, fmt.Errorf("commit generation: %w", err)
	}

	if charged.Duplicate {
		logger.Info("generation already committed by a concurrent request")
	} else {
		logger.Info("generation charged", "cost", g.opts.Cost, "balance", charged.Balance,
			"model", resp.Model, "duration", g.now().Sub(start))
	}
	res := resultFromEntry(charged.Entry, charged.Duplicate)
	res.Balance = &charged.Balance
	return res, nil
}

func (g *Generator) fromEntry(ctx context.Context, entry storage.CacheEntry, cached bool) *Result {
	res := resultFromEntry(entry, cached)
	if balance, err := g.ledger.Balance(ctx, entry.UserID); err == nil {
		res.Balance = &balance
	}
	return res
}

func resultFromEntry(entry storage.CacheEntry, cached bool) *Result {
	return &Result{
		Cached:          cached,
		ProductName:     entry.AITitle,
		Editor:          entry.AIEditor,
		CoupangKeywords: entry.CoupangKeywords,
		AblyKeywords:    entry.AblyKeywords,
		RequestKey:      entry.RequestKey,
		Model:           entry.Model,
		CreatedAt:       entry.CreatedAt,
	}
}

func cloneResult(r *Result) *Result {
	out := *r
	out.CoupangKeywords = append([]string{}, r.CoupangKeywords...)
	out.AblyKeywords = append([]string{}, r.AblyKeywords...)
	if r.Balance != nil {
		b := *r.Balance
		out.Balance = &b
	}
	return &out
}
