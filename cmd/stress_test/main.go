package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rl1809/clinic-core/internal/adapter/storage"
	"github.com/rl1809/clinic-core/internal/core/domain"
	"github.com/rl1809/clinic-core/internal/core/service"
	"github.com/rl1809/clinic-core/internal/port"
)

const (
	defaultRedisAddr = "localhost:6379"
	totalRequests    = 500
	maxAttempts      = 10
)

// runPrefix maps a fresh UUID onto letters so each run owns an unused
// counter and never touches live prefixes such as APT.
func runPrefix() string {
	var b strings.Builder
	for _, r := range strings.ReplaceAll(uuid.NewString(), "-", "")[:8] {
		if r >= '0' && r <= '9' {
			r = 'A' + (r - '0')
		} else {
			r = r - 'a' + 'K'
		}
		b.WriteRune(r)
	}
	return "ST" + b.String()
}

func main() {
	ctx := context.Background()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	scheme, err := domain.NewScheme(runPrefix(), 6)
	if err != nil {
		logger.Fatal().Err(err).Msg("build stress scheme")
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = defaultRedisAddr
	}

	var (
		seq     port.SequenceRepository
		backend string
	)
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, falling back to in-memory counters")
		seq = storage.NewMemoryAdapter()
		backend = "memory"
	} else {
		defer rdb.Close()
		// The run prefix is new, so drop its key afterwards.
		defer rdb.Del(context.Background(), "seq:"+scheme.Prefix)
		seq = storage.NewRedisAdapter(rdb)
		backend = "redis"
	}

	ids := service.NewIdentifierService(seq, nil, service.IssuanceConfig{
		MaxAttempts: maxAttempts,
		Backoff:     5 * time.Millisecond,
	}, zerolog.Nop())

	var (
		wg        sync.WaitGroup
		issued    sync.Map
		dupCount  atomic.Int32
		failCount atomic.Int32
	)
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			id, err := ids.Generate(ctx, scheme)
			if err != nil {
				failCount.Add(1)
				return
			}
			if _, loaded := issued.LoadOrStore(id, struct{}{}); loaded {
				dupCount.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	unique := 0
	var highest uint64
	issued.Range(func(key, _ any) bool {
		unique++
		if n, err := scheme.Parse(key.(string)); err == nil && n > highest {
			highest = n
		}
		return true
	})

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Backend:          %s\n", backend)
	fmt.Printf("Prefix:           %s\n", scheme.Prefix)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Unique IDs:       %d\n", unique)
	fmt.Printf("Duplicates:       %d\n", dupCount.Load())
	fmt.Printf("Failed:           %d\n", failCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if dupCount.Load() == 0 {
		fmt.Println("PASS: No identifier issued twice")
	} else {
		fmt.Printf("FAIL: %d duplicate identifiers\n", dupCount.Load())
	}

	if failCount.Load() == 0 && highest == uint64(totalRequests) {
		last, _ := scheme.Format(highest)
		fmt.Printf("PASS: Counter reached %s\n", last)
	} else {
		fmt.Printf("FAIL: Expected highest %d with no failures, got %d (%d failed)\n", totalRequests, highest, failCount.Load())
	}
}
