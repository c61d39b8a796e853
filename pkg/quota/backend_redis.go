package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"pdfpage/pkg/domain"
)

const (
	defaultRedisUsagePrefix = "pdfpage:usage"
	defaultRedisUsageTTL    = 48 * time.Hour
)

// RedisBackend stores anonymous usage records as JSON strings that expire
// after TTL, so sessions idle for two days vanish on their own.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisBackend wraps client. Zero prefix and ttl pick the defaults.
func NewRedisBackend(client redis.UniversalClient, prefix string, ttl time.Duration) (*RedisBackend, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisUsagePrefix
	}
	if ttl <= 0 {
		ttl = defaultRedisUsageTTL
	}
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl}, nil
}

func (b *RedisBackend) redisKey(key string) string {
	return b.prefix + ":" + key
}

func (b *RedisBackend) LoadUsage(ctx context.Context, key string) (domain.UsageRecord, bool, error) {
	raw, err := b.client.Get(ctx, b.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.UsageRecord{}, false, nil
	}
	if err != nil {
		return domain.UsageRecord{}, false, fmt.Errorf("redis get usage: %w", err)
	}
	var rec domain.UsageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.UsageRecord{}, false, fmt.Errorf("decode usage record: %w", err)
	}
	return rec, true, nil
}

func (b *RedisBackend) SaveUsage(ctx context.Context, rec domain.UsageRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode usage record: %w", err)
	}
	if err := b.client.Set(ctx, b.redisKey(rec.Key), raw, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis set usage: %w", err)
	}
	return nil
}
