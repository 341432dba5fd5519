package federation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisCache_SetGetInvalidate(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	c := NewRedisCache(rdb, "", time.Hour, zap.NewNop())

	if _, ok := c.Get(ctx, "https://rp.example"); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Set(ctx, "https://rp.example", "token", time.Time{})

	got, ok := c.Get(ctx, "https://rp.example")
	if !ok || got != "token" {
		t.Fatalf("Get: got %q, %v", got, ok)
	}
	if !mr.Exists("jwtrust:federation:ec:https://rp.example") {
		t.Error("expected default key prefix")
	}
	if ttl := mr.TTL("jwtrust:federation:ec:https://rp.example"); ttl != time.Hour {
		t.Errorf("TTL: got %v, want 1h", ttl)
	}

	c.Invalidate(ctx, "https://rp.example")
	if _, ok := c.Get(ctx, "https://rp.example"); ok {
		t.Error("expected miss after Invalidate")
	}
}

func TestRedisCache_ExpiryBoundedByStatement(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	now := time.Now()
	c := NewRedisCache(rdb, "ec:", time.Hour, zap.NewNop())
	c.now = func() time.Time { return now }

	c.Set(ctx, "e", "token", now.Add(time.Minute))
	if ttl := mr.TTL("ec:e"); ttl != time.Minute {
		t.Errorf("TTL: got %v, want 1m", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok := c.Get(ctx, "e"); ok {
		t.Error("entry should expire with the statement")
	}

	c.Set(ctx, "stale", "token", now.Add(-time.Second))
	if mr.Exists("ec:stale") {
		t.Error("expired statements must not be cached")
	}
}

func TestRedisCache_unreachableIsMiss(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	c := NewRedisCache(rdb, "", time.Hour, zap.NewNop())
	mr.Close()

	c.Set(ctx, "e", "token", time.Time{})
	if _, ok := c.Get(ctx, "e"); ok {
		t.Error("expected miss when redis is down")
	}
}
