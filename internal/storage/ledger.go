package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss means no unexpired generation exists for (user, source URL).
	ErrCacheMiss = errors.New("cache miss")
	// ErrInsufficientCredit means the wallet cannot cover the generation cost.
	ErrInsufficientCredit = errors.New("insufficient credit")
)

// CacheEntry is one persisted AI generation, unique per (user, source URL).
type CacheEntry struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"user_id"`
	SourceURL       string    `json:"source_url"`
	AITitle         string    `json:"ai_title"`
	AIEditor        string    `json:"ai_editor"`
	CoupangKeywords []string  `json:"coupang_keywords"`
	AblyKeywords    []string  `json:"ably_keywords"`
	Model           string    `json:"model,omitempty"`
	PromptVersion   string    `json:"prompt_version"`
	RequestKey      string    `json:"request_key"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// UsageEvent is an append-only record of one wallet debit.
type UsageEvent struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Feature    string    `json:"feature"`
	Cost       int64     `json:"cost"`
	SourceURL  string    `json:"source_url,omitempty"`
	RequestKey string    `json:"request_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChargeRequest asks the ledger to persist a fresh generation and debit its cost.
type ChargeRequest struct {
	Entry   CacheEntry
	Cost    int64
	Feature string
}

// ChargeResult reports what ChargeAndCommit actually committed. Duplicate is
// true when another request already committed the same generation; Entry is
// then the previously committed row and nothing was debited.
type ChargeResult struct {
	Entry     CacheEntry
	Duplicate bool
	Balance   int64
}

// Ledger is the cache and wallet contract used by the AI copy generator.
type Ledger interface {
	GetCached(ctx context.Context, userID, sourceURL string) (CacheEntry, error)
	Balance(ctx context.Context, userID string) (int64, error)
	ChargeAndCommit(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	SweepExpired(ctx context.Context) (int64, error)
}

// HistoryReader serves the read-only wallet and generation history endpoints.
type HistoryReader interface {
	ListGenerations(ctx context.Context, userID string, params ListParams) (GenerationPage, error)
	ListUsage(ctx context.Context, userID string, params ListParams) (UsagePage, error)
}

// ListParams controls pagination.
type ListParams struct {
	Page     int
	PageSize int
}

func (p ListParams) normalise() ListParams {
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.PageSize <= 0 || p.PageSize > 200 {
		p.PageSize = 20
	}
	return p
}

func (p ListParams) offset() int {
	return (p.Page - 1) * p.PageSize
}

// GenerationPage wraps cached generations with pagination metadata.
type GenerationPage struct {
	Total    int64        `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	Items    []CacheEntry `json:"items"`
}

// UsagePage wraps usage events with pagination metadata.
type UsagePage struct {
	Total    int64        `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	Items    []UsageEvent `json:"items"`
}
