// Package storage persists AI generations, wallet balances, usage events and
// composed detail pages.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
)

// SQLStore is the relational cache and wallet ledger backed by database/sql.
type SQLStore struct {
	db          *sql.DB
	autoMigrate bool
	now         func() time.Time
}

// NewSQLStore opens the database from configuration, creating it when allowed.
func NewSQLStore(cfg config.SQLConfig) (*SQLStore, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if cfg.CreateIfMissing && shouldAttemptCreateDatabase(cfg.Driver, err) {
			_ = db.Close()
			if err := createDatabase(ctx, cfg); err != nil {
				return nil, err
			}
			db, err = sql.Open(cfg.Driver, cfg.DSN)
			if err != nil {
				return nil, fmt.Errorf("open sql connection: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("ping sql connection: %w", err)
			}
		} else {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	store := newSQLStore(db, cfg.AutoMigrate)
	if cfg.AutoMigrate {
		if err := store.ensureSchema(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return store, nil
}

func newSQLStore(db *sql.DB, autoMigrate bool) *SQLStore {
	return &SQLStore{db: db, autoMigrate: autoMigrate, now: time.Now}
}

// Close closes the underlying DB connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SeedBalances opens wallets that do not exist yet. Existing balances are untouched.
func (s *SQLStore) SeedBalances(ctx context.Context, balances map[string]int64) error {
	if s == nil || s.db == nil || len(balances) == 0 {
		return nil
	}
	return s.withSchema(ctx, func() error {
		for userID, balance := range balances {
			if _, err := s.db.ExecContext(ctx, `
                INSERT INTO wallets (user_id, balance, updated_at)
                VALUES ($1, $2, $3)
                ON CONFLICT (user_id) DO NOTHING`, userID, balance, s.now().UTC()); err != nil {
				return fmt.Errorf("seed wallet %s: %w", userID, err)
			}
		}
		return nil
	})
}

// withSchema runs op and, when the tables are missing and auto-migration is
// enabled, applies the schema and runs it once more.
func (s *SQLStore) withSchema(ctx context.Context, op func() error) error {
	err := op()
	if err != nil && s.autoMigrate && isUndefinedTableErr(err) {
		if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
			return fmt.Errorf("ensure schema: %w", schemaErr)
		}
		return op()
	}
	return err
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, "postgres") {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ai_result_cache (
	    id BIGSERIAL PRIMARY KEY,
	    user_id TEXT NOT NULL,
	    source_url TEXT NOT NULL,
	    ai_title TEXT NOT NULL DEFAULT '',
	    ai_editor TEXT NOT NULL DEFAULT '',
	    coupang_keywords TEXT[] NOT NULL DEFAULT '{}',
	    ably_keywords TEXT[] NOT NULL DEFAULT '{}',
	    model TEXT NOT NULL DEFAULT '',
	    prompt_version TEXT NOT NULL DEFAULT '',
	    request_key TEXT NOT NULL UNIQUE,
	    created_at TIMESTAMPTZ NOT NULL,
	    expires_at TIMESTAMPTZ NOT NULL,
	    UNIQUE (user_id, source_url)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ai_result_cache_expires_at ON ai_result_cache (expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_ai_result_cache_user_created ON ai_result_cache (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS wallets (
	    user_id TEXT PRIMARY KEY,
	    balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS wallet_usage_events (
	    id UUID PRIMARY KEY,
	    user_id TEXT NOT NULL,
	    feature TEXT NOT NULL,
	    cost BIGINT NOT NULL,
	    source_url TEXT NOT NULL DEFAULT '',
	    request_key TEXT NOT NULL DEFAULT '',
	    created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_usage_events_user_created ON wallet_usage_events (user_id, created_at DESC)`,
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
