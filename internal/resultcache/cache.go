// Package resultcache stores final query results in redis so re-submitting
// the same query against an unchanged workspace and budget returns the same
// answer without re-running the tree.
package resultcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathom-engine/fathom/internal/metrics"
	"github.com/fathom-engine/fathom/internal/models"
)

type Config struct {
	Addr     string        `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password string        `mapstructure:"password" yaml:"password" json:"password"`
	DB       int           `mapstructure:"db" yaml:"db" json:"db"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
}

func DefaultConfig() Config {
	return Config{
		Addr: "localhost:6379",
		TTL:  time.Hour,
	}
}

type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Cache{client: client, ttl: cfg.TTL, logger: logger}
}

// NewWithClient is used by tests to inject a miniredis-backed client.
func NewWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// Key derives the cache key from everything the answer depends on: the
// workspace (context identity), the query text, and the budget fingerprint.
// Changing any of them must miss the cache.
func Key(workspaceID, query, budgetFingerprint string) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("fathom:result:%s:%s:%s", workspaceID, hex.EncodeToString(sum[:8]), budgetFingerprint)
}

// Get returns the cached result, or (nil, nil) on a miss. Redis being down
// is reported as a miss: the cache is an optimization, never a dependency.
func (c *Cache) Get(ctx context.Context, key string) (*models.AggregateResult, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.Inc()
		return nil, nil
	}
	if err != nil {
		metrics.CacheMisses.Inc()
		c.logger.Warn("result cache get failed", zap.Error(err))
		return nil, nil
	}
	var result models.AggregateResult
	if err := json.Unmarshal(data, &result); err != nil {
		metrics.CacheMisses.Inc()
		return nil, fmt.Errorf("unmarshal cached result: %w", err)
	}
	metrics.CacheHits.Inc()
	return &result, nil
}

func (c *Cache) Set(ctx context.Context, key string, result *models.AggregateResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result for cache: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("result cache set failed", zap.Error(err))
		return err
	}
	return nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}
