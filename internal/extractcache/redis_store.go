package extractcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
	"github.com/nanainternational/nana-renewal-sub000/pkg/types"
)

const (
	defaultKeyPrefix    = "detailpage:extract:"
	defaultRedisTimeout = 3 * time.Second
)

// RedisStore keeps one JSON document per user with a TTL.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	timeout := cfg.Timeout.Or(defaultRedisTimeout)

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Protocol:     2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{
		client:  client,
		prefix:  prefix,
		ttl:     cfg.TTL.Duration,
		timeout: timeout,
	}, nil
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

func (s *RedisStore) Save(ctx context.Context, userID string, result *types.ExtractionResult) error {
	if userID == "" || result == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode extraction: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(ctx, s.key(userID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Latest(ctx context.Context, userID string) (*types.ExtractionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var result types.ExtractionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}
	return &result, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// New picks Redis when an address is configured and memory otherwise.
func New(ctx context.Context, cfg config.RedisConfig) (Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return NewMemoryStore(cfg.TTL.Duration), nil
	}
	return NewRedisStore(ctx, cfg)
}
