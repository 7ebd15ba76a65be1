package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/nanainternational/nana-renewal-sub000/pkg/types"
)

// BatchItem is the outcome of one URL in a batch. Err is set instead of Result
// when extraction failed.
type BatchItem struct {
	URL    string
	Result *types.ExtractionResult
	Err    error
}

// ExtractBatch extracts urls with at most concurrency pages in flight. Results
// keep input order; duplicate URLs are extracted once and share the outcome.
// A failure on one URL does not stop the others.
func (s *Service) ExtractBatch(ctx context.Context, userID string, urls []string, concurrency int) ([]BatchItem, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	items := make([]BatchItem, len(urls))
	first := make(map[string]int, len(urls))
	var unique []int
	for i, raw := range urls {
		raw = strings.TrimSpace(raw)
		items[i].URL = raw
		if _, seen := first[raw]; seen {
			continue
		}
		first[raw] = i
		unique = append(unique, i)
	}
	if len(unique) == 0 {
		return items, nil
	}

	pool, err := newWorkerPool(ctx, concurrency, len(unique))
	if err != nil {
		return nil, fmt.Errorf("start batch: %w", err)
	}
	for _, idx := range unique {
		if err := pool.submit(ctx, func(ctx context.Context) {
			res, err := s.Extract(ctx, Request{URL: items[idx].URL, UserID: userID})
			items[idx].Result, items[idx].Err = res, err
		}); err != nil {
			items[idx].Err = err
		}
	}
	pool.wait()

	for i := range items {
		if j := first[items[i].URL]; j != i {
			items[i].Result, items[i].Err = items[j].Result, items[j].Err
		}
	}
	if err := ctx.Err(); err != nil {
		for i := range items {
			if items[i].Result == nil && items[i].Err == nil {
				items[i].Err = err
			}
		}
	}
	return items, nil
}
