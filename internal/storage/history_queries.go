package storage

import (
	"context"
	"fmt"
	"time"
)

// ListGenerations pages through a user's cached generations, newest first.
// Expired rows still present before the sweep are included.
func (s *SQLStore) ListGenerations(ctx context.Context, userID string, params ListParams) (GenerationPage, error) {
	if s == nil || s.db == nil {
		return GenerationPage{}, fmt.Errorf("sql store not initialised")
	}
	params = params.normalise()
	result := GenerationPage{Page: params.Page, PageSize: params.PageSize, Items: []CacheEntry{}}

	err := s.withSchema(ctx, func() error {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM ai_result_cache WHERE user_id = $1`, userID).Scan(&result.Total); err != nil {
			return fmt.Errorf("count generations: %w", err)
		}
		rows, err := s.db.QueryContext(ctx, `
            SELECT `+cacheColumns+`
            FROM ai_result_cache
            WHERE user_id = $1
            ORDER BY created_at DESC
            LIMIT $2 OFFSET $3`, userID, params.PageSize, params.offset())
		if err != nil {
			return fmt.Errorf("list generations: %w", err)
		}
		defer rows.Close()

		items := make([]CacheEntry, 0, params.PageSize)
		for rows.Next() {
			entry, err := scanCacheEntry(rows)
			if err != nil {
				return fmt.Errorf("scan generation: %w", err)
			}
			items = append(items, entry)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		result.Items = items
		return nil
	})
	if err != nil {
		return GenerationPage{}, err
	}
	return result, nil
}

// ListUsage pages through a user's wallet debits, newest first.
func (s *SQLStore) ListUsage(ctx context.Context, userID string, params ListParams) (UsagePage, error) {
	if s == nil || s.db == nil {
		return UsagePage{}, fmt.Errorf("sql store not initialised")
	}
	params = params.normalise()
	result := UsagePage{Page: params.Page, PageSize: params.PageSize, Items: []UsageEvent{}}

	err := s.withSchema(ctx, func() error {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM wallet_usage_events WHERE user_id = $1`, userID).Scan(&result.Total); err != nil {
			return fmt.Errorf("count usage events: %w", err)
		}
		rows, err := s.db.QueryContext(ctx, `
            SELECT id, user_id, feature, cost, source_url, request_key, created_at
            FROM wallet_usage_events
            WHERE user_id = $1
            ORDER BY created_at DESC
            LIMIT $2 OFFSET $3`, userID, params.PageSize, params.offset())
		if err != nil {
			return fmt.Errorf("list usage events: %w", err)
		}
		defer rows.Close()

		items := make([]UsageEvent, 0, params.PageSize)
		for rows.Next() {
			var (
				ev      UsageEvent
				created time.Time
			)
			if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Feature, &ev.Cost, &ev.SourceURL, &ev.RequestKey, &created); err != nil {
				return fmt.Errorf("scan usage event: %w", err)
			}
			ev.CreatedAt = created
			items = append(items, ev)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		result.Items = items
		return nil
	})
	if err != nil {
		return UsagePage{}, err
	}
	return result, nil
}
