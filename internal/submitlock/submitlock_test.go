package submitlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"meshforge/internal/config"
)

func TestNewSelectsBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.ManifestDir = t.TempDir()

	cfg.Lock.Backend = "none"
	if l, err := New(&cfg); err != nil {
		t.Fatal(err)
	} else if _, ok := l.(Nop); !ok {
		t.Fatalf("expected Nop, got %T", l)
	}

	cfg.Lock.Backend = "file"
	if l, err := New(&cfg); err != nil {
		t.Fatal(err)
	} else if _, ok := l.(*FileLocker); !ok {
		t.Fatalf("expected *FileLocker, got %T", l)
	}

	cfg.Lock.Backend = "carrier-pigeon"
	if _, err := New(&cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestFileLockerExcludesSecondHolder(t *testing.T) {
	locker := NewFileLocker(t.TempDir())
	locker.retryDelay = 5 * time.Millisecond

	lease, err := locker.Acquire(context.Background(), "fruit/red_apple:text3d")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "fruit/red_apple:text3d"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}

	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := locker.Acquire(context.Background(), "fruit/red_apple:text3d")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = again.Release(context.Background())
}

func TestNopLockerNeverBlocks(t *testing.T) {
	lease, err := Nop{}.Acquire(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestRedisLocker_Integration needs a Redis on localhost:6379 and skips otherwise.
func TestRedisLocker_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DialTimeout: 200 * time.Millisecond})
	locker := newRedisLocker(client, RedisOptions{Lease: 2 * time.Second, RetryDelay: 10 * time.Millisecond})
	defer locker.Close()

	ctx := context.Background()
	if err := locker.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	name := "test-" + time.Now().Format("150405.000000")
	lease, err := locker.Acquire(ctx, name)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(waitCtx, name); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	second, err := locker.Acquire(ctx, name)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = second.Release(ctx)
}
