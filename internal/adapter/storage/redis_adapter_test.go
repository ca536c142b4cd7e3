package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisNextValue_StartsAtOne(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	client.Del(ctx, "seq:TSTR")

	for want := uint64(1); want <= 3; want++ {
		got, err := adapter.NextValue(ctx, "TSTR")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}
}

func TestRedisNextValue_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	client.Del(ctx, "seq:TSTRC")

	var (
		wg         sync.WaitGroup
		errorCount atomic.Int32
		seen       sync.Map
		duplicates atomic.Int32
	)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := adapter.NextValue(ctx, "TSTRC")
			if err != nil {
				errorCount.Add(1)
				return
			}
			if _, loaded := seen.LoadOrStore(n, true); loaded {
				duplicates.Add(1)
			}
		}()
	}

	wg.Wait()

	if errorCount.Load() != 0 {
		t.Errorf("expected no errors, got %d", errorCount.Load())
	}
	if duplicates.Load() != 0 {
		t.Errorf("expected no duplicates, got %d", duplicates.Load())
	}

	last, _ := client.Get(ctx, "seq:TSTRC").Uint64()
	if last != 100 {
		t.Errorf("expected counter 100, got %d", last)
	}
}

func TestRedisSeed_NeverLowers(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	client.Del(ctx, "seq:TSTRS")

	if err := adapter.Seed(ctx, "TSTRS", 120); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := adapter.Seed(ctx, "TSTRS", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := adapter.NextValue(ctx, "TSTRS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 121 {
		t.Errorf("expected 121, got %d", n)
	}
}

func TestSetIdempotency_FirstTime(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	key := "test-idempotency-key"
	client.Del(ctx, key)

	ok, err := adapter.SetIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected true for first time")
	}

	// Cleanup
	client.Del(ctx, key)
}

func TestSetIdempotency_Duplicate(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	key := "test-idempotency-dup"
	client.Del(ctx, key)

	// First call
	adapter.SetIdempotency(ctx, key)

	// Second call should return false
	ok, err := adapter.SetIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected false for duplicate")
	}

	// Cleanup
	client.Del(ctx, key)
}

func TestDeleteIdempotency_AllowsRetry(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	key := "test-idempotency-release"
	client.Del(ctx, key)
	defer client.Del(ctx, key)

	adapter.SetIdempotency(ctx, key)
	if err := adapter.DeleteIdempotency(ctx, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := adapter.SetIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected released key to be claimable again")
	}
}
