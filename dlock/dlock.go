// Package dlock provides named advisory locks over the bridge key-value
// store. Every ledger mutation sequence for a user account runs under one of
// these locks, so acquisition must be bounded: a worker that cannot take a
// lock within the configured attempts fails with ErrLockTimeout and leaves
// retrying to the work queue.
package dlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	redis "github.com/redis/go-redis/v9"

	"github.com/wbanano/wban-bridge/params"
)

// ErrLockTimeout is returned when a lock cannot be acquired within the
// configured number of attempts.
var ErrLockTimeout = errors.New("dlock: lock acquisition timed out")

// lockKeyPrefix namespaces lock tokens in the key-value store.
const lockKeyPrefix = "locks:"

var (
	acquireMeter = metrics.NewRegisteredMeter("bridge/dlock/acquired", nil)
	timeoutMeter = metrics.NewRegisteredMeter("bridge/dlock/timeouts", nil)
	heldTimer    = metrics.NewRegisteredTimer("bridge/dlock/held", nil)
)

// Config tunes the acquisition protocol. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	Tries       int           // acquisition attempts before ErrLockTimeout
	RetryDelay  time.Duration // base delay between attempts
	RetryJitter time.Duration // max random delay added per attempt
	DriftFactor float64       // clock drift allowance, fraction of the TTL
}

// DefaultConfig matches the protocol parameters every bridge deployment
// shares; see params.
var DefaultConfig = Config{
	Tries:       params.LockTries,
	RetryDelay:  params.LockRetryDelay,
	RetryJitter: params.LockRetryJitter,
	DriftFactor: params.LockDriftFactor,
}

// Manager hands out TTL-bounded advisory locks keyed by resource name.
type Manager struct {
	rs  *redsync.Redsync
	cfg Config
	log log.Logger
}

// NewManager creates a Manager over the given store client.
func NewManager(client redis.UniversalClient, cfg Config) *Manager {
	if cfg.Tries <= 0 {
		cfg = DefaultConfig
	}
	return &Manager{
		rs:  redsync.New(goredis.NewPool(client)),
		cfg: cfg,
		log: log.New("module", "dlock"),
	}
}

// Acquire takes the lock named by resource for at most ttl. The returned
// lease must be released on every exit path; callers defer Release right
// after a successful Acquire.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	mu := m.rs.NewMutex(lockKeyPrefix+resource,
		redsync.WithExpiry(ttl),
		redsync.WithTries(m.cfg.Tries),
		redsync.WithRetryDelayFunc(m.retryDelay),
		redsync.WithDriftFactor(m.cfg.DriftFactor),
	)
	if err := mu.LockContext(ctx); err != nil {
		timeoutMeter.Mark(1)
		return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, resource, err)
	}
	acquireMeter.Mark(1)
	return &Lease{mu: mu, resource: resource, since: time.Now(), log: m.log}, nil
}

// retryDelay implements base-plus-jitter backoff between attempts.
func (m *Manager) retryDelay(int) time.Duration {
	if m.cfg.RetryJitter <= 0 {
		return m.cfg.RetryDelay
	}
	return m.cfg.RetryDelay + time.Duration(rand.Int63n(int64(m.cfg.RetryJitter)))
}

// Lease is a held lock. Release is idempotent.
type Lease struct {
	mu       *redsync.Mutex
	resource string
	since    time.Time
	log      log.Logger

	once sync.Once
	err  error
}

// Release gives the lock back. Releasing an expired lease is not an error:
// the mutation it guarded either committed before expiry or never will.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		heldTimer.UpdateSince(l.since)
		ok, err := l.mu.UnlockContext(ctx)
		if err != nil {
			l.err = fmt.Errorf("dlock: release %s: %w", l.resource, err)
			l.log.Warn("Lock release failed", "resource", l.resource, "err", err)
			return
		}
		if !ok {
			l.log.Debug("Lock already expired on release", "resource", l.resource, "held", time.Since(l.since))
		}
	})
	return l.err
}

// Resource returns the name the lease was acquired under.
func (l *Lease) Resource() string { return l.resource }
