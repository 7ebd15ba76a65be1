package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	pq "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newMockStore(t *testing.T, autoMigrate bool) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := newSQLStore(db, autoMigrate)
	store.now = func() time.Time { return fixedNow }
	return store, mock
}

func cacheRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "source_url", "ai_title", "ai_editor",
		"coupang_keywords", "ably_keywords", "model", "prompt_version", "request_key", "created_at", "expires_at"})
}

func sampleEntry() CacheEntry {
	return CacheEntry{
		UserID:          "user-1",
		SourceURL:       "https://detail.1688.com/offer/1.html",
		AITitle:         "knit dress",
		AIEditor:        "soft knit",
		CoupangKeywords: []string{"knit", "casual"},
		AblyKeywords:    []string{"daily"},
		Model:           "vision-model",
		PromptVersion:   "v3",
		RequestKey:      "abc123",
		ExpiresAt:       fixedNow.Add(30 * 24 * time.Hour),
	}
}

func TestGetCached(t *testing.T) {
	store, mock := newMockStore(t, false)
	ctx := context.Background()
	e := sampleEntry()

	mock.ExpectQuery(regexp.QuoteMeta("FROM ai_result_cache")).
		WithArgs(e.UserID, e.SourceURL, fixedNow).
		WillReturnRows(cacheRows().AddRow(7, e.UserID, e.SourceURL, e.AITitle, e.AIEditor,
			"{knit,casual}", "{}", e.Model, e.PromptVersion, e.RequestKey, fixedNow, e.ExpiresAt))

	got, err := store.GetCached(ctx, e.UserID, e.SourceURL)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, []string{"knit", "casual"}, got.CoupangKeywords)
	assert.Equal(t, []string{}, got.AblyKeywords)

	mock.ExpectQuery(regexp.QuoteMeta("FROM ai_result_cache")).
		WithArgs(e.UserID, "https://detail.1688.com/offer/2.html", fixedNow).
		WillReturnRows(cacheRows())

	_, err = store.GetCached(ctx, e.UserID, "https://detail.1688.com/offer/2.html")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceWithoutWalletIsZero(t *testing.T) {
	store, mock := newMockStore(t, false)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance FROM wallets WHERE user_id = $1")).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	balance, err := store.Balance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChargeAndCommitFirstWriter(t *testing.T) {
	store, mock := newMockStore(t, false)
	e := sampleEntry()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ai_result_cache")).
		WithArgs(e.UserID, e.SourceURL, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ai_result_cache")).
		WithArgs(e.UserID, e.SourceURL, e.AITitle, e.AIEditor, sqlmock.AnyArg(), sqlmock.AnyArg(),
			e.Model, e.PromptVersion, e.RequestKey, fixedNow, e.ExpiresAt).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE wallets SET balance = balance - $2")).
		WithArgs(e.UserID, int64(10), fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(5))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO wallet_usage_events")).
		WithArgs(sqlmock.AnyArg(), e.UserID, "ai_detail_copy", int64(10), e.SourceURL, e.RequestKey, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.ChargeAndCommit(context.Background(), ChargeRequest{Entry: e, Cost: 10, Feature: "ai_detail_copy"})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(11), res.Entry.ID)
	assert.Equal(t, int64(5), res.Balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChargeAndCommitDuplicateReadsCommittedRow(t *testing.T) {
	store, mock := newMockStore(t, false)
	e := sampleEntry()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ai_result_cache")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ai_result_cache")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta("FROM ai_result_cache")).
		WithArgs(e.UserID, e.SourceURL, fixedNow).
		WillReturnRows(cacheRows().AddRow(3, e.UserID, e.SourceURL, "first title", "first editor",
			"{knit}", "{daily}", e.Model, e.PromptVersion, e.RequestKey, fixedNow, e.ExpiresAt))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance FROM wallets")).
		WithArgs(e.UserID).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(0))

	res, err := store.ChargeAndCommit(context.Background(), ChargeRequest{Entry: e, Cost: 10, Feature: "ai_detail_copy"})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "first title", res.Entry.AITitle)
	assert.Equal(t, int64(0), res.Balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChargeAndCommitInsufficientCredit(t *testing.T) {
	store, mock := newMockStore(t, false)
	e := sampleEntry()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ai_result_cache")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ai_result_cache")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE wallets")).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectRollback()

	_, err := store.ChargeAndCommit(context.Background(), ChargeRequest{Entry: e, Cost: 10, Feature: "ai_detail_copy"})
	assert.ErrorIs(t, err, ErrInsufficientCredit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChargeAndCommitRejectsNonPositiveCost(t *testing.T) {
	store, _ := newMockStore(t, false)
	_, err := store.ChargeAndCommit(context.Background(), ChargeRequest{Entry: sampleEntry()})
	assert.Error(t, err)
}

func TestSweepExpired(t *testing.T) {
	store, mock := newMockStore(t, false)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ai_result_cache WHERE expires_at <= $1")).
		WithArgs(fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := store.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMissingTablesAreCreatedOnDemand(t *testing.T) {
	store, mock := newMockStore(t, true)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance FROM wallets")).
		WillReturnError(&pq.Error{Code: "42P01", Message: `relation "wallets" does not exist`})
	for range schemaStatements {
		mock.ExpectExec(regexp.QuoteMeta("CREATE ")).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance FROM wallets")).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(40))

	balance, err := store.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUsagePaginates(t *testing.T) {
	store, mock := newMockStore(t, false)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM wallet_usage_events")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(25))
	mock.ExpectQuery(regexp.QuoteMeta("FROM wallet_usage_events")).
		WithArgs("user-1", 20, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "feature", "cost", "source_url", "request_key", "created_at"}).
			AddRow("6f1c", "user-1", "ai_detail_copy", 10, "https://detail.1688.com/offer/1.html", "abc", fixedNow))

	page, err := store.ListUsage(context.Background(), "user-1", ListParams{Page: 2, PageSize: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(25), page.Total)
	assert.Equal(t, 20, page.PageSize)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(10), page.Items[0].Cost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListGenerations(t *testing.T) {
	store, mock := newMockStore(t, false)
	e := sampleEntry()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM ai_result_cache")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC")).
		WithArgs(e.UserID, 20, 0).
		WillReturnRows(cacheRows().AddRow(1, e.UserID, e.SourceURL, e.AITitle, e.AIEditor,
			[]byte("{knit}"), []byte("{}"), e.Model, e.PromptVersion, e.RequestKey, fixedNow, e.ExpiresAt))

	page, err := store.ListGenerations(context.Background(), e.UserID, ListParams{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, []string{"knit"}, page.Items[0].CoupangKeywords)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedBalances(t *testing.T) {
	store, mock := newMockStore(t, false)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO wallets")).
		WithArgs("user-1", int64(100), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SeedBalances(context.Background(), map[string]int64{"user-1": 100}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUndefinedTableErr(t *testing.T) {
	assert.True(t, isUndefinedTableErr(&pq.Error{Code: "42P01"}))
	assert.True(t, isUndefinedTableErr(errors.New(`pq: relation "wallets" does not exist`)))
	assert.False(t, isUndefinedTableErr(driver.ErrBadConn))
}

func TestFileMediaStoreSaveArtifact(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileMediaStore(dir)
	require.NoError(t, err)

	art := Artifact{
		UserID:      "user/1",
		Filename:    "detail_page_20260314_093000.jpg",
		ContentType: "image/jpeg",
		Data:        []byte("jpeg-bytes"),
		CreatedAt:   fixedNow,
	}
	rel, err := store.SaveArtifact(context.Background(), art)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rel, filepath.Join("user_1", "2026", "03", "14")), rel)
	assert.True(t, strings.HasSuffix(rel, "-detail_page_20260314_093000.jpg"), rel)

	data, err := os.ReadFile(filepath.Join(dir, rel))
	require.NoError(t, err)
	assert.Equal(t, art.Data, data)

	again, err := store.SaveArtifact(context.Background(), art)
	require.NoError(t, err)
	assert.Equal(t, rel, again)

	empty, err := store.SaveArtifact(context.Background(), Artifact{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFileMediaStoreAnonymousAndUnnamed(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileMediaStore(dir)
	require.NoError(t, err)
	store.now = func() time.Time { return fixedNow }

	rel, err := store.SaveArtifact(context.Background(), Artifact{Filename: "../", ContentType: "image/png", Data: []byte("png")})

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rel, filepath.Join("anonymous", "2026", "03", "14")), rel)
	assert.True(t, strings.HasSuffix(rel, "-artifact.png"), rel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.SaveArtifact(ctx, Artifact{Data: []byte("x")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, "jpg", extensionFor("image/jpeg"))
	assert.Equal(t, "png", extensionFor("image/png; charset=binary"))
	assert.Equal(t, "", extensionFor(""))
}
