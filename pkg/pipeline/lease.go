package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned by Acquire when another run already holds the
// claim's evaluation lease.
var ErrLeaseHeld = errors.New("pipeline: evaluation lease held")

// DefaultLeaseTTL bounds how long a crashed run can block a claim before
// the lease self-expires. It exceeds the pipeline deadline so a live run
// never loses its lease mid-flight.
const DefaultLeaseTTL = DefaultTimeout + 30*time.Second

// Lease serializes evaluation runs per claim. The store's status-guarded
// transition is the durable lock; the lease rejects a concurrent
// evaluate() early, before it burns a precondition round-trip, and does so
// across replicas when backed by Redis.
type Lease interface {
	// Acquire takes the claim's lease and returns its release function, or
	// ErrLeaseHeld when the lease is taken.
	Acquire(ctx context.Context, claimID string) (func(), error)
}

// MemoryLease is the in-process lease for single-replica deployments.
type MemoryLease struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLease creates an empty in-process lease table.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{held: make(map[string]bool)}
}

func (l *MemoryLease) Acquire(ctx context.Context, claimID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[claimID] {
		return nil, fmt.Errorf("%w: claim %s", ErrLeaseHeld, claimID)
	}
	l.held[claimID] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, claimID)
			l.mu.Unlock()
		})
	}
	return release, nil
}

// redisReleaseScript deletes the lease only for its current holder, so an
// expired-and-reacquired lease is never released by the previous run.
// KEYS[1] = lease key
// ARGV[1] = holder token
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease serializes evaluations across replicas with a SETNX lease.
type RedisLease struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLease wires a Redis-backed lease. A zero ttl selects
// DefaultLeaseTTL; a nil logger selects slog.Default.
func NewRedisLease(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisLease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLease{client: client, ttl: ttl, logger: logger}
}

func (l *RedisLease) Acquire(ctx context.Context, claimID string) (func(), error) {
	key := "clearclaim:lease:" + claimID
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("pipeline: acquire redis lease: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: claim %s", ErrLeaseHeld, claimID)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The evaluation context may already be dead; the release gets
			// its own deadline and the TTL reclaims the lease if it fails.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := redisReleaseScript.Run(rctx, l.client, []string{key}, token).Result(); err != nil {
				l.logger.Warn("lease release failed, ttl will reclaim",
					"claim_id", claimID, "error", err)
			}
		})
	}
	return release, nil
}
