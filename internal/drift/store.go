package drift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ocx/trustscore/internal/core"
)

// MemoryBaselineStore keeps baselines in process memory.
type MemoryBaselineStore struct {
	mu        sync.RWMutex
	baselines map[string]core.BaselineProfile
}

func NewMemoryBaselineStore() *MemoryBaselineStore {
	return &MemoryBaselineStore{baselines: make(map[string]core.BaselineProfile)}
}

func (s *MemoryBaselineStore) Load(_ context.Context, agentID string) (*core.BaselineProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[agentID]
	if !ok {
		return nil, nil
	}
	b.Recent = append([]float64(nil), b.Recent...)
	return &b, nil
}

func (s *MemoryBaselineStore) Save(_ context.Context, b core.BaselineProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.Recent = append([]float64(nil), b.Recent...)
	s.baselines[b.AgentID] = b
	return nil
}

// RedisClient is the subset of a Redis client the baseline store needs. Get
// returns an error wrapping core.ErrNotFound for a missing key.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// RedisBaselineStore shares baselines across replicas through Redis. The
// per-agent lock in Detector only serializes writers within one process, so
// deployments that run several replicas should route an agent to one replica.
type RedisBaselineStore struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisBaselineStore creates a store; ttl 0 keeps baselines forever.
func NewRedisBaselineStore(client RedisClient, keyPrefix string, ttl time.Duration) *RedisBaselineStore {
	if keyPrefix == "" {
		keyPrefix = "trust:baseline:"
	}
	return &RedisBaselineStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisBaselineStore) key(agentID string) string {
	return s.keyPrefix + agentID
}

func (s *RedisBaselineStore) Load(ctx context.Context, agentID string) (*core.BaselineProfile, error) {
	data, err := s.client.Get(ctx, s.key(agentID))
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get baseline: %w", err)
	}
	var b core.BaselineProfile
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	return &b, nil
}

func (s *RedisBaselineStore) Save(ctx context.Context, b core.BaselineProfile) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}
	if err := s.client.Set(ctx, s.key(b.AgentID), data, s.ttl); err != nil {
		return fmt.Errorf("redis set baseline: %w", err)
	}
	return nil
}
