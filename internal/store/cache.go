package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocx/trustscore/internal/core"
)

// RedisClient is the subset of infra.GoRedisAdapter the score cache needs.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisScoreCache caches each agent's latest TrustScore in Redis. Entries
// expire no later than the score's ValidUntil so a stale score is never served
// from cache.
type RedisScoreCache struct {
	client RedisClient
	prefix string
	maxTTL time.Duration
	now    func() time.Time
}

func NewRedisScoreCache(client RedisClient, prefix string, maxTTL time.Duration) *RedisScoreCache {
	if prefix == "" {
		prefix = "trust:score:"
	}
	if maxTTL <= 0 {
		maxTTL = time.Hour
	}
	return &RedisScoreCache{client: client, prefix: prefix, maxTTL: maxTTL, now: time.Now}
}

func (c *RedisScoreCache) key(agentID string) string {
	return c.prefix + agentID
}

// Get returns core.ErrNotFound on a miss.
func (c *RedisScoreCache) Get(ctx context.Context, agentID string) (*core.TrustScore, error) {
	raw, err := c.client.Get(ctx, c.key(agentID))
	if err != nil {
		return nil, err
	}
	var ts core.TrustScore
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, fmt.Errorf("decode cached score for %s: %w", agentID, err)
	}
	return &ts, nil
}

func (c *RedisScoreCache) Set(ctx context.Context, ts *core.TrustScore) error {
	ttl := c.maxTTL
	if !ts.ValidUntil.IsZero() {
		if left := ts.ValidUntil.Sub(c.now()); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("marshal score: %w", err)
	}
	return c.client.Set(ctx, c.key(ts.AgentID), raw, ttl)
}

func (c *RedisScoreCache) Invalidate(ctx context.Context, agentID string) error {
	return c.client.Del(ctx, c.key(agentID))
}
