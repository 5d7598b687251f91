package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"allma/internal/cloudllm"
	"allma/internal/metrics"
)

// ResponseCache stores non-streaming chat results in redis, keyed by a
// digest of the full request shape.
type ResponseCache struct {
	redis   *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
}

func New(rdb *redis.Client, ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		redis:   rdb,
		ttl:     ttl,
		metrics: metrics.Global(),
	}
}

// Key builds a deterministic cache key for a chat request.
func Key(provider, model string, messages []cloudllm.Message, temperature float64, maxTokens int) string {
	payload, _ := json.Marshal(struct {
		Provider    string             `json:"provider"`
		Model       string             `json:"model"`
		Messages    []cloudllm.Message `json:"messages"`
		Temperature float64            `json:"temperature"`
		MaxTokens   int                `json:"max_tokens"`
	}{provider, model, messages, temperature, maxTokens})

	sum := sha256.Sum256(payload)
	return "allma:chat:" + hex.EncodeToString(sum[:])
}

func (c *ResponseCache) Get(ctx context.Context, key string) (cloudllm.ChatResult, bool, error) {
	c.metrics.CacheLookups.Inc()

	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return cloudllm.ChatResult{}, false, nil
		}
		return cloudllm.ChatResult{}, false, fmt.Errorf("cache get: %w", err)
	}

	var result cloudllm.ChatResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return cloudllm.ChatResult{}, false, fmt.Errorf("cache unmarshal: %w", err)
	}

	c.metrics.CacheHits.Inc()
	return result, true, nil
}

func (c *ResponseCache) Set(ctx context.Context, key string, result cloudllm.ChatResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
