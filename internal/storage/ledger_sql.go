package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	pq "github.com/lib/pq"
)

const cacheColumns = `id, user_id, source_url, ai_title, ai_editor, coupang_keywords, ably_keywords,
               model, prompt_version, request_key, created_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(row rowScanner) (CacheEntry, error) {
	var (
		entry   CacheEntry
		coupang pq.StringArray
		ably    pq.StringArray
	)
	if err := row.Scan(&entry.ID, &entry.UserID, &entry.SourceURL, &entry.AITitle, &entry.AIEditor,
		&coupang, &ably, &entry.Model, &entry.PromptVersion, &entry.RequestKey,
		&entry.CreatedAt, &entry.ExpiresAt); err != nil {
		return CacheEntry{}, err
	}
	entry.CoupangKeywords = nonNil(coupang)
	entry.AblyKeywords = nonNil(ably)
	return entry, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// GetCached returns the unexpired generation for (user, source URL).
// Expired rows are never returned even before the sweep removes them.
func (s *SQLStore) GetCached(ctx context.Context, userID, sourceURL string) (CacheEntry, error) {
	if s == nil || s.db == nil {
		return CacheEntry{}, fmt.Errorf("sql store not initialised")
	}
	var entry CacheEntry
	err := s.withSchema(ctx, func() error {
		var err error
		entry, err = s.getCached(ctx, s.db, userID, sourceURL)
		return err
	})
	if err != nil {
		return CacheEntry{}, err
	}
	return entry, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) getCached(ctx context.Context, q queryRower, userID, sourceURL string) (CacheEntry, error) {
	row := q.QueryRowContext(ctx, `
        SELECT `+cacheColumns+`
        FROM ai_result_cache
        WHERE user_id = $1 AND source_url = $2 AND expires_at > $3`,
		userID, sourceURL, s.now().UTC())
	entry, err := scanCacheEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CacheEntry{}, ErrCacheMiss
		}
		return CacheEntry{}, fmt.Errorf("fetch cached generation: %w", err)
	}
	return entry, nil
}

// Balance returns the wallet balance; users without a wallet have zero credit.
func (s *SQLStore) Balance(ctx context.Context, userID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sql store not initialised")
	}
	var balance int64
	err := s.withSchema(ctx, func() error {
		err := s.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			balance = 0
			return nil
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// ChargeAndCommit persists the generation, debits the wallet and appends a
// usage event in one transaction. The unique constraints on (user_id,
// source_url) and request_key decide the first writer; later writers get the
// committed row back with Duplicate set and are not charged.
func (s *SQLStore) ChargeAndCommit(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if s == nil || s.db == nil {
		return ChargeResult{}, fmt.Errorf("sql store not initialised")
	}
	if req.Cost <= 0 {
		return ChargeResult{}, fmt.Errorf("charge cost must be positive (got %d)", req.Cost)
	}
	var result ChargeResult
	err := s.withSchema(ctx, func() error {
		var err error
		result, err = s.charge(ctx, req)
		return err
	})
	if err != nil {
		return ChargeResult{}, err
	}
	return result, nil
}

func (s *SQLStore) charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	entry := req.Entry
	now := s.now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("begin charge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
        DELETE FROM ai_result_cache
        WHERE user_id = $1 AND source_url = $2 AND expires_at <= $3`,
		entry.UserID, entry.SourceURL, now); err != nil {
		return ChargeResult{}, fmt.Errorf("drop expired generation: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
        INSERT INTO ai_result_cache (user_id, source_url, ai_title, ai_editor, coupang_keywords, ably_keywords,
                                     model, prompt_version, request_key, created_at, expires_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT DO NOTHING
        RETURNING id`,
		entry.UserID, entry.SourceURL, entry.AITitle, entry.AIEditor,
		pq.Array(nonNil(entry.CoupangKeywords)), pq.Array(nonNil(entry.AblyKeywords)),
		entry.Model, entry.PromptVersion, entry.RequestKey, entry.CreatedAt, entry.ExpiresAt,
	).Scan(&entry.ID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return s.committedDuplicate(ctx, entry)
	}
	if err != nil {
		return ChargeResult{}, fmt.Errorf("insert generation: %w", err)
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `
        UPDATE wallets SET balance = balance - $2, updated_at = $3
        WHERE user_id = $1 AND balance >= $2
        RETURNING balance`,
		entry.UserID, req.Cost, now).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ChargeResult{}, ErrInsufficientCredit
	}
	if err != nil {
		return ChargeResult{}, fmt.Errorf("debit wallet: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO wallet_usage_events (id, user_id, feature, cost, source_url, request_key, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		uuid.NewString(), entry.UserID, req.Feature, req.Cost, entry.SourceURL, entry.RequestKey, now); err != nil {
		return ChargeResult{}, fmt.Errorf("append usage event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ChargeResult{}, fmt.Errorf("commit charge: %w", err)
	}
	return ChargeResult{Entry: entry, Balance: balance}, nil
}

func (s *SQLStore) committedDuplicate(ctx context.Context, entry CacheEntry) (ChargeResult, error) {
	existing, err := s.getCached(ctx, s.db, entry.UserID, entry.SourceURL)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return ChargeResult{}, fmt.Errorf("generation for %s conflicted but no committed row is visible", entry.SourceURL)
		}
		return ChargeResult{}, err
	}
	balance, err := s.Balance(ctx, entry.UserID)
	if err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{Entry: existing, Duplicate: true, Balance: balance}, nil
}

// SweepExpired deletes every cache row past its expiry and reports how many went.
func (s *SQLStore) SweepExpired(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var removed int64
	err := s.withSchema(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM ai_result_cache WHERE expires_at <= $1`, s.now().UTC())
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sweep expired generations: %w", err)
	}
	return removed, nil
}
