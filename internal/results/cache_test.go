package results

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asirikuy/framework/internal/metrics"
)

func setupTestCache(t *testing.T, namespace string) (*FitnessCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFitnessCache(client, namespace, time.Hour), mr
}

func TestNewFitnessCache(t *testing.T) {
	assert.Nil(t, NewFitnessCache(nil, "ns", time.Hour))

	c := NewFitnessCache(&redis.Client{}, "ns", 0)
	require.NotNil(t, c)
	assert.Equal(t, defaultCacheTTL, c.ttl)
}

func TestFitnessCacheNilIsDisabled(t *testing.T) {
	var c *FitnessCache
	_, ok := c.Get(context.Background(), "EURUSD", []float64{53, 2})
	assert.False(t, ok)
	c.Put(context.Background(), "EURUSD", []float64{53, 2}, sampleResult())
	_, err := c.Clear(context.Background())
	assert.Error(t, err)
}

func TestFitnessCacheGetPut(t *testing.T) {
	c, mr := setupTestCache(t, "abc")
	ctx := context.Background()
	set := []float64{53, 2, 57, 0.5}

	hits := testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("hit"))
	misses := testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("miss"))

	_, ok := c.Get(ctx, "EURUSD", set)
	assert.False(t, ok)

	c.Put(ctx, "EURUSD", set, sampleResult())
	got, ok := c.Get(ctx, "EURUSD", set)
	require.True(t, ok)
	assert.Equal(t, sampleResult(), got)

	_, ok = c.Get(ctx, "GBPUSD", set)
	assert.False(t, ok, "symbols are cached separately")
	_, ok = c.Get(ctx, "EURUSD", []float64{53, 2, 57, 0.75})
	assert.False(t, ok, "parameter sets are cached separately")

	assert.Equal(t, hits+1, testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, misses+3, testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("miss")))

	key := c.key("EURUSD", set)
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Hour, mr.TTL(key))
}

func TestFitnessCacheNamespaces(t *testing.T) {
	c, mr := setupTestCache(t, "one")
	other := NewFitnessCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "two", time.Hour)
	ctx := context.Background()

	c.Put(ctx, "EURUSD", []float64{53, 2}, sampleResult())
	_, ok := other.Get(ctx, "EURUSD", []float64{53, 2})
	assert.False(t, ok)

	other.Put(ctx, "EURUSD", []float64{53, 2}, sampleResult())
	n, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok = other.Get(ctx, "EURUSD", []float64{53, 2})
	assert.True(t, ok)
}

func TestFitnessCacheCorruptEntry(t *testing.T) {
	c, mr := setupTestCache(t, "abc")
	set := []float64{53, 2}
	require.NoError(t, mr.Set(c.key("EURUSD", set), "{not json"))

	_, ok := c.Get(context.Background(), "EURUSD", set)
	assert.False(t, ok)
}

func TestFitnessCacheServerDown(t *testing.T) {
	c, mr := setupTestCache(t, "abc")
	mr.Close()

	_, ok := c.Get(context.Background(), "EURUSD", []float64{53, 2})
	assert.False(t, ok)
	c.Put(context.Background(), "EURUSD", []float64{53, 2}, sampleResult())
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]string{"EURUSD"}, 100, 60)
	assert.Equal(t, a, Fingerprint([]string{"EURUSD"}, 100, 60))
	assert.NotEqual(t, a, Fingerprint([]string{"EURUSD"}, 200, 60))
}
