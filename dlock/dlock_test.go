package dlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

// testConfig keeps contention tests fast: a single retry with no jitter.
var testConfig = Config{
	Tries:       2,
	RetryDelay:  5 * time.Millisecond,
	RetryJitter: 0,
	DriftFactor: 0.01,
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManager(client, testConfig)
}

// Tests that a held lock blocks a second acquisition of the same resource
// until it is released.
func TestAcquireContention(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "balance:ban_1abc", time.Second)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := m.Acquire(ctx, "balance:ban_1abc", time.Second); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("contended acquire: got %v, want ErrLockTimeout", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	lease2, err := m.Acquire(ctx, "balance:ban_1abc", time.Second)
	if err != nil {
		t.Fatalf("re-acquire after release failed: %v", err)
	}
	lease2.Release(ctx)
}

// Tests that locks on distinct resources are independent.
func TestAcquireDistinctResources(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.Acquire(ctx, "balance:ban_1aaa", time.Second)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer a.Release(ctx)

	b, err := m.Acquire(ctx, "balance:ban_1bbb", time.Second)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	defer b.Release(ctx)
}

// Tests that Release is idempotent and safe after lease expiry.
func TestReleaseIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "deposits:ban_1abc", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("second release: %v", err)
	}
}
