package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheSetNX(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "idem:abc", "rule-1", time.Second)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if !ok {
		t.Fatal("first setnx must win")
	}
	ok, err = c.SetNX(ctx, "idem:abc", "rule-2", time.Second)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if ok {
		t.Fatal("duplicate setnx must lose")
	}
	if err := c.Del(ctx, "idem:abc"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if ok, _ = c.SetNX(ctx, "idem:abc", "rule-3", time.Second); !ok {
		t.Fatal("setnx after del must win")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	if err := c.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("get: %q %v", got, err)
	}
	time.Sleep(15 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after ttl, got %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	if _, ok := NewCache(ctx, nil).(*MemoryCache); !ok {
		t.Fatal("nil client must fall back to memory")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
	})
	defer client.Close()
	if _, ok := NewCache(ctx, client).(*MemoryCache); !ok {
		t.Fatal("unreachable redis must fall back to memory")
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	cache := NewCache(ctx, client)
	if _, ok := cache.(*RedisCache); !ok {
		t.Fatalf("expected RedisCache, got %T", cache)
	}

	ok, err := cache.SetNX(ctx, "idem:xyz", "rule-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("setnx: ok=%v err=%v", ok, err)
	}
	if ok, _ = cache.SetNX(ctx, "idem:xyz", "rule-2", time.Minute); ok {
		t.Fatal("duplicate setnx must lose")
	}
	got, err := cache.Get(ctx, "idem:xyz")
	if err != nil || got != "rule-1" {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := cache.Del(ctx, "idem:xyz"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := cache.Get(ctx, "idem:xyz"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after delete, got %v", err)
	}
}
