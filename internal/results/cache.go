package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/asirikuy/framework/internal/metrics"
	"github.com/asirikuy/framework/pkg/optimizer"
)

const (
	cacheKeyPrefix  = "asirikuy:fitness:"
	cacheOpTimeout  = 500 * time.Millisecond
	defaultCacheTTL = 24 * time.Hour
)

// FitnessCache memoizes per-symbol test results in Redis so repeated genetic candidates skip the
// backtest. Entries are scoped by namespace, which must change whenever anything but the optimized
// parameters changes (history, base settings, account).
type FitnessCache struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewFitnessCache returns nil for a nil client, which disables caching.
func NewFitnessCache(client *redis.Client, namespace string, ttl time.Duration) *FitnessCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	return &FitnessCache{client: client, namespace: namespace, ttl: ttl}
}

var _ optimizer.ResultCache = (*FitnessCache)(nil)

// Fingerprint hashes the values that make cached results comparable into a namespace.
func Fingerprint(parts ...any) string {
	return strconv.FormatUint(xxhash.Sum64String(fmt.Sprint(parts...)), 16)
}

func (c *FitnessCache) key(slot string, set []float64) string {
	var sb strings.Builder
	for i, v := range set {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return cacheKeyPrefix + c.namespace + ":" + slot + ":" + strconv.FormatUint(xxhash.Sum64String(sb.String()), 16)
}

// Get returns a cached result. Errors are treated as misses.
func (c *FitnessCache) Get(ctx context.Context, slot string, set []float64) (optimizer.TestResult, bool) {
	if c == nil {
		return optimizer.TestResult{}, false
	}

	key := c.key(slot, set)
	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	data, err := c.client.Get(cacheCtx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Debug().Err(err).Str("key", key).Msg("Redis get error - treating as cache miss")
		}
		metrics.RecordCacheLookup(false)
		return optimizer.TestResult{}, false
	}

	var result optimizer.TestResult
	if err := json.Unmarshal(data, &result); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cached result")
		metrics.RecordCacheLookup(false)
		return optimizer.TestResult{}, false
	}

	metrics.RecordCacheLookup(true)
	return result, true
}

// Put stores a result. Failures are logged and otherwise ignored.
func (c *FitnessCache) Put(ctx context.Context, slot string, set []float64, result optimizer.TestResult) {
	if c == nil {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal result for cache")
		return
	}

	key := c.key(slot, set)
	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(cacheCtx, key, data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache result")
	}
}

// Clear removes every entry of the namespace and returns how many were deleted.
func (c *FitnessCache) Clear(ctx context.Context) (int, error) {
	if c == nil {
		return 0, fmt.Errorf("cache not initialized")
	}

	var deleted int
	iter := c.client.Scan(ctx, 0, cacheKeyPrefix+c.namespace+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("failed to delete cache key: %w", err)
		}
		deleted++
	}
	return deleted, iter.Err()
}
