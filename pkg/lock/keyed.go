/*
Package lock provides per-key mutual exclusion for state transitions.

Locks are held in process and optionally mirrored to a distributed locker so that
several processes sharing one database take turns on the same branch.
*/
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/logging"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
)

// DefaultTTL bounds how long a crashed holder can keep a distributed lock.
const DefaultTTL = 30 * time.Second

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Keyed serializes work per key. It uses reference counting to garbage collect unused locks.
type Keyed struct {
	mu    sync.Mutex            // Global lock for the map
	locks map[string]*lockEntry // Map of active locks

	locker ports.DistributedLocker // Optional distributed locker
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures Keyed.
type Option func(*Keyed)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(k *Keyed) {
		k.locker = locker
	}
}

// WithTTL sets the distributed lock TTL.
func WithTTL(ttl time.Duration) Option {
	return func(k *Keyed) {
		k.ttl = ttl
	}
}

// WithLogger configures a logger for lock events.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Keyed) {
		k.logger = logger
	}
}

// NewKeyed creates a keyed lock.
func NewKeyed(opts ...Option) *Keyed {
	k := &Keyed{
		locks:  make(map[string]*lockEntry),
		ttl:    DefaultTTL,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(key) after unlocking.
func (k *Keyed) acquire(key string) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, exists := k.locks[key]
	if !exists {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (k *Keyed) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, exists := k.locks[key]
	if !exists {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(k.locks, key)
	}
}

// Active returns the number of keys currently tracked.
func (k *Keyed) Active() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// WithLock executes fn while holding the lock for key.
func (k *Keyed) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	entry := k.acquire(key)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		k.release(key)
	}()

	if k.locker != nil {
		unlock, err := k.locker.Lock(ctx, key, k.ttl)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			// Release with a fresh context: ctx may already be cancelled.
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				k.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"key", key,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}
