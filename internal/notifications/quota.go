package notifications

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mindflora/mindflora/internal/core"
)

// QuotaStore is the single point through which provider budgets change.
// storage.QuotaStore, MemoryQuotaStore and RedisQuotaStore implement it.
type QuotaStore interface {
	Reserve(ctx context.Context, providerID string, limit int, window time.Duration) (bool, error)
	Release(ctx context.Context, providerID string, window time.Duration) error
	Exhaust(ctx context.Context, providerID string, window time.Duration) error
	Status(ctx context.Context, providerID string, limit int, window time.Duration) (core.QuotaStatus, error)
}

// =============================================================================
// In-memory
// =============================================================================

type memQuota struct {
	start     time.Time
	used      int
	exhausted bool
}

// MemoryQuotaStore keeps budgets in process memory
type MemoryQuotaStore struct {
	mu   sync.Mutex
	now  func() time.Time
	data map[string]*memQuota
}

// NewMemoryQuotaStore creates an empty in-memory store
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{now: time.Now, data: make(map[string]*memQuota)}
}

// WithClock replaces the time source (tests).
func (m *MemoryQuotaStore) WithClock(now func() time.Time) *MemoryQuotaStore {
	m.now = now
	return m
}

// current returns the entry for the current window; callers hold mu
func (m *MemoryQuotaStore) current(providerID string, window time.Duration) *memQuota {
	start := core.WindowStart(m.now(), window)
	q, ok := m.data[providerID]
	if !ok || !q.start.Equal(start) {
		q = &memQuota{start: start}
		m.data[providerID] = q
	}
	return q
}

// Reserve claims one send
func (m *MemoryQuotaStore) Reserve(ctx context.Context, providerID string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.current(providerID, window)
	if q.exhausted || (limit > 0 && q.used >= limit) {
		return false, nil
	}
	q.used++
	return true, nil
}

// Release refunds one reservation
func (m *MemoryQuotaStore) Release(ctx context.Context, providerID string, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.current(providerID, window)
	if q.used > 0 {
		q.used--
	}
	return nil
}

// Exhaust marks the provider spent for the rest of the window
func (m *MemoryQuotaStore) Exhaust(ctx context.Context, providerID string, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current(providerID, window).exhausted = true
	return nil
}

// Status reports the budget in the current window
func (m *MemoryQuotaStore) Status(ctx context.Context, providerID string, limit int, window time.Duration) (core.QuotaStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.current(providerID, window)
	return core.QuotaStatus{
		ProviderID: providerID,
		Used:       q.used,
		Limit:      limit,
		Exhausted:  q.exhausted || (limit > 0 && q.used >= limit),
		ResetsAt:   q.start.Add(window),
	}, nil
}

// =============================================================================
// Redis
// =============================================================================

// Counters live in one hash per provider and window, expiring shortly
// after the window ends. Each script runs atomically on the server.
var (
	reserveScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
if redis.call('HGET', KEYS[1], 'exhausted') == '1' then return 0 end
local limit = tonumber(ARGV[1])
if limit > 0 and used >= limit then return 0 end
redis.call('HINCRBY', KEYS[1], 'used', 1)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

	releaseScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
if used > 0 then redis.call('HINCRBY', KEYS[1], 'used', -1) end
return 1
`)

	exhaustScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'exhausted', '1')
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)
)

// RedisQuotaStore shares budgets between daemon instances
type RedisQuotaStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisQuotaStore creates a store on an existing client
func NewRedisQuotaStore(rdb *redis.Client) *RedisQuotaStore {
	return &RedisQuotaStore{rdb: rdb, prefix: "mindflora:quota", now: time.Now}
}

// WithClock replaces the time source (tests).
func (r *RedisQuotaStore) WithClock(now func() time.Time) *RedisQuotaStore {
	r.now = now
	return r
}

// WithPrefix namespaces keys (tests).
func (r *RedisQuotaStore) WithPrefix(prefix string) *RedisQuotaStore {
	r.prefix = prefix
	return r
}

func (r *RedisQuotaStore) key(providerID string, window time.Duration) (string, time.Time) {
	start := core.WindowStart(r.now(), window)
	return fmt.Sprintf("%s:%s:%d", r.prefix, providerID, start.Unix()), start
}

func ttlMillis(window time.Duration) int64 {
	return (window + time.Hour).Milliseconds()
}

// Reserve claims one send
func (r *RedisQuotaStore) Reserve(ctx context.Context, providerID string, limit int, window time.Duration) (bool, error) {
	key, _ := r.key(providerID, window)
	n, err := reserveScript.Run(ctx, r.rdb, []string{key}, limit, ttlMillis(window)).Int()
	if err != nil {
		return false, fmt.Errorf("reserve quota: %w", err)
	}
	return n == 1, nil
}

// Release refunds one reservation
func (r *RedisQuotaStore) Release(ctx context.Context, providerID string, window time.Duration) error {
	key, _ := r.key(providerID, window)
	if err := releaseScript.Run(ctx, r.rdb, []string{key}).Err(); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// Exhaust marks the provider spent for the rest of the window
func (r *RedisQuotaStore) Exhaust(ctx context.Context, providerID string, window time.Duration) error {
	key, _ := r.key(providerID, window)
	if err := exhaustScript.Run(ctx, r.rdb, []string{key}, ttlMillis(window)).Err(); err != nil {
		return fmt.Errorf("exhaust quota: %w", err)
	}
	return nil
}

// Status reports the budget in the current window
func (r *RedisQuotaStore) Status(ctx context.Context, providerID string, limit int, window time.Duration) (core.QuotaStatus, error) {
	key, start := r.key(providerID, window)
	status := core.QuotaStatus{ProviderID: providerID, Limit: limit, ResetsAt: start.Add(window)}

	vals, err := r.rdb.HMGet(ctx, key, "used", "exhausted").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return status, fmt.Errorf("quota status: %w", err)
	}
	if len(vals) == 2 {
		if s, ok := vals[0].(string); ok {
			status.Used, _ = strconv.Atoi(s)
		}
		if s, ok := vals[1].(string); ok && s == "1" {
			status.Exhausted = true
		}
	}
	if limit > 0 && status.Used >= limit {
		status.Exhausted = true
	}
	return status, nil
}

// Ping checks connectivity
func (r *RedisQuotaStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
