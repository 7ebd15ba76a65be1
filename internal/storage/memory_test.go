package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreChargesOnceUnderConcurrency(t *testing.T) {
	m := NewMemoryStore(map[string]int64{"user-1": 10})
	m.now = func() time.Time { return fixedNow }
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []ChargeResult
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.ChargeAndCommit(ctx, ChargeRequest{Entry: sampleEntry(), Cost: 10, Feature: "ai_detail_copy"})
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		if !r.Duplicate {
			fresh++
		}
		assert.Equal(t, "knit dress", r.Entry.AITitle)
	}
	assert.Equal(t, 1, fresh)

	balance, _ := m.Balance(ctx, "user-1")
	assert.Equal(t, int64(0), balance)

	usage, err := m.ListUsage(ctx, "user-1", ListParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Total)
}

func TestMemoryStoreInsufficientCredit(t *testing.T) {
	m := NewMemoryStore(map[string]int64{"user-1": 9})
	m.now = func() time.Time { return fixedNow }

	_, err := m.ChargeAndCommit(context.Background(), ChargeRequest{Entry: sampleEntry(), Cost: 10})
	assert.ErrorIs(t, err, ErrInsufficientCredit)

	_, err = m.GetCached(context.Background(), "user-1", sampleEntry().SourceURL)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryStoreExpiry(t *testing.T) {
	m := NewMemoryStore(map[string]int64{"user-1": 100})
	now := fixedNow
	m.now = func() time.Time { return now }
	ctx := context.Background()

	e := sampleEntry()
	e.ExpiresAt = now.Add(time.Hour)
	_, err := m.ChargeAndCommit(ctx, ChargeRequest{Entry: e, Cost: 10})
	require.NoError(t, err)

	_, err = m.GetCached(ctx, e.UserID, e.SourceURL)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = m.GetCached(ctx, e.UserID, e.SourceURL)
	assert.ErrorIs(t, err, ErrCacheMiss)

	e.ExpiresAt = now.Add(time.Hour)
	res, err := m.ChargeAndCommit(ctx, ChargeRequest{Entry: e, Cost: 10})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(80), res.Balance)

	now = now.Add(2 * time.Hour)
	removed, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestMemoryStoreListGenerationsNewestFirst(t *testing.T) {
	m := NewMemoryStore(map[string]int64{"user-1": 100})
	now := fixedNow
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i, src := range []string{"https://a.1688.com/1", "https://a.1688.com/2", "https://a.1688.com/3"} {
		e := sampleEntry()
		e.SourceURL = src
		e.RequestKey = src
		e.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		_, err := m.ChargeAndCommit(ctx, ChargeRequest{Entry: e, Cost: 1})
		require.NoError(t, err)
	}

	page, err := m.ListGenerations(ctx, "user-1", ListParams{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "https://a.1688.com/3", page.Items[0].SourceURL)

	page, err = m.ListGenerations(ctx, "user-1", ListParams{Page: 3, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}
