package lock_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robinfolio/lotsync/internal/lock"
)

func exerciseLocker(t *testing.T, l lock.Locker, key string) {
	t.Helper()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Lock(ctx, key); !errors.Is(err, lock.ErrLocked) {
		t.Fatalf("second Lock = %v, want ErrLocked", err)
	}
	other, err := l.Lock(ctx, key+"-other")
	if err != nil {
		t.Fatalf("independent key should lock: %v", err)
	}
	other()

	unlock()
	unlock()

	again, err := l.Lock(ctx, key)
	if err != nil {
		t.Fatalf("Lock after unlock = %v", err)
	}
	again()
}

func TestMemoryLocker(t *testing.T) {
	exerciseLocker(t, lock.NewMemoryLocker(), "ABT")
}

func TestMemoryLocker_ExclusiveUnderContention(t *testing.T) {
	l := lock.NewMemoryLocker()
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := l.Lock(context.Background(), "ABT"); err == nil {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if winners.Load() != 1 {
		t.Errorf("winners = %d, want 1", winners.Load())
	}
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	prefix := "lotsync:test:" + time.Now().Format("150405.000000") + ":"
	exerciseLocker(t, lock.NewRedisLocker(rdb, time.Minute, prefix), "ABT")
}
