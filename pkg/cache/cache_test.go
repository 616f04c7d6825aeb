package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.Set("key", "value")

	got, found := c.Get("key")
	if !found {
		t.Fatal("expected hit")
	}
	if got != "value" {
		t.Errorf("expected value, got %v", got)
	}

	if _, found := c.Get("missing"); found {
		t.Error("expected miss for unknown key")
	}
}

func TestExpiry(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.SetWithTTL("key", "value", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, found := c.Get("key"); found {
		t.Error("expected expired entry to miss")
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.Set("a", 1)
	c.Set("b", 2)

	c.Delete("a")
	if _, found := c.Get("a"); found {
		t.Error("expected deleted key to miss")
	}

	c.Clear()
	if c.Size() != 0 {
		t.Errorf("expected empty cache, got size %d", c.Size())
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.Set("user:1", "alice")
	c.Set("user:2", "bob")
	c.Set("call:1", "x")

	c.Invalidate("user:")

	if _, found := c.Get("user:1"); found {
		t.Error("expected user:1 invalidated")
	}
	if _, found := c.Get("call:1"); !found {
		t.Error("expected call:1 to survive")
	}
}

func TestGetOrSet(t *testing.T) {
	c := NewCacheWithFallback(time.Minute)
	defer c.Stop()

	calls := 0
	fallback := func(ctx context.Context) (interface{}, error) {
		calls++
		return "computed", nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.GetOrSet(context.Background(), "key", fallback, 0)
		if err != nil {
			t.Fatal(err)
		}
		if got != "computed" {
			t.Errorf("expected computed, got %v", got)
		}
	}

	if calls != 1 {
		t.Errorf("expected a single fallback call, got %d", calls)
	}
}

func TestGetOrSet_FallbackError(t *testing.T) {
	c := NewCacheWithFallback(time.Minute)
	defer c.Stop()

	wantErr := errors.New("backend down")
	_, err := c.GetOrSet(context.Background(), "key", func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	}, 0)
	if !errors.Is(err, wantErr) {
		t.Errorf("expected fallback error, got %v", err)
	}
}
