package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is the sliding-window rate-limit contract. The in-memory
// implementation suffices for a single process; horizontal deployments
// substitute a shared store with the same key/window semantics.
type Limiter interface {
	// Allow records one request under key if the limit permits it.
	// remaining is the budget left after this request; resetSeconds is
	// how long until the window fully drains.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, resetSeconds int, err error)
}

// rateLimit is one endpoint's budget.
type rateLimit struct {
	Max    int
	Window time.Duration
}

// limitTable maps normalized endpoint patterns to budgets.
type limitTable struct {
	limits map[string]rateLimit
	def    rateLimit
}

func newLimitTable(allocationLimit int) *limitTable {
	return &limitTable{
		limits: map[string]rateLimit{
			"POST /experiments":                                {Max: 10, Window: time.Minute},
			"POST /experiments/{experiment_id}/metrics":        {Max: 100, Window: time.Minute},
			"GET /experiments/{experiment_id}/allocation":      {Max: allocationLimit, Window: time.Minute},
			"GET /experiments/{experiment_id}/history":         {Max: 60, Window: time.Minute},
			"GET /experiments/{experiment_id}/metrics/history": {Max: 60, Window: time.Minute},
			"GET /experiments/{experiment_id}":                 {Max: 120, Window: time.Minute},
		},
		def: rateLimit{Max: 100, Window: time.Minute},
	}
}

func (t *limitTable) lookup(pattern string) rateLimit {
	if rl, ok := t.limits[pattern]; ok {
		return rl
	}
	return t.def
}

// widest returns the largest configured window, the horizon beyond which
// stale limiter entries can be dropped.
func (t *limitTable) widest() time.Duration {
	w := t.def.Window
	for _, rl := range t.limits {
		if rl.Window > w {
			w = rl.Window
		}
	}
	return w
}

// endpointPattern normalizes a request to its rate-limit identity:
// any 36-character hyphenated path segment after the first is replaced
// with the literal {experiment_id}.
func endpointPattern(method, path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if i > 0 && len(part) == 36 && strings.Contains(part, "-") {
			parts[i] = "{experiment_id}"
		}
	}
	return method + " /" + strings.Join(parts, "/")
}

// clientIP extracts the caller identity: the first comma-separated token
// of X-Forwarded-For when present, otherwise the transport peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// MemoryLimiter is a process-wide sliding-window limiter: a mutex-guarded
// map from key to request timestamps. Entries older than the widest
// configured window are evicted on a periodic sweep.
type MemoryLimiter struct {
	mu         sync.Mutex
	requests   map[string][]time.Time
	maxWindow  time.Duration
	opsToSweep int
	now        func() time.Time
}

const sweepEvery = 1024

// NewMemoryLimiter returns a limiter that evicts entries older than
// maxWindow.
func NewMemoryLimiter(maxWindow time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		requests:   make(map[string][]time.Time),
		maxWindow:  maxWindow,
		opsToSweep: sweepEvery,
		now:        time.Now,
	}
}

// Allow implements Limiter.
func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-window)

	kept := m.requests[key][:0]
	for _, ts := range m.requests[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.requests[key] = kept

	if len(kept) >= limit {
		oldest := kept[0]
		for _, ts := range kept[1:] {
			if ts.Before(oldest) {
				oldest = ts
			}
		}
		reset := int(oldest.Add(window).Sub(now).Seconds())
		if reset < 0 {
			reset = 0
		}
		return false, 0, reset, nil
	}

	m.requests[key] = append(kept, now)
	m.opsToSweep--
	if m.opsToSweep <= 0 {
		m.sweepLocked(now)
		m.opsToSweep = sweepEvery
	}
	return true, limit - len(kept) - 1, int(window.Seconds()), nil
}

// sweepLocked drops keys whose every entry predates the widest window.
func (m *MemoryLimiter) sweepLocked(now time.Time) {
	horizon := now.Add(-m.maxWindow)
	for key, entries := range m.requests {
		live := false
		for _, ts := range entries {
			if ts.After(horizon) {
				live = true
				break
			}
		}
		if !live {
			delete(m.requests, key)
		}
	}
}

// RedisLimiter keeps the sliding window in a sorted set per key so
// multiple service instances share one budget. Same contract as
// MemoryLimiter; the set carries a TTL so abandoned keys expire on
// their own.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter returns a limiter backed by the given Redis address.
func NewRedisLimiter(addr string) *RedisLimiter {
	return &RedisLimiter{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, int, error) {
	now := time.Now()
	redisKey := "ratelimit:" + key
	cutoff := fmt.Sprintf("%d", now.Add(-window).UnixNano())

	if err := r.client.ZRemRangeByScore(ctx, redisKey, "-inf", cutoff).Err(); err != nil {
		return false, 0, 0, fmt.Errorf("redis prune %s: %w", key, err)
	}
	count, err := r.client.ZCard(ctx, redisKey).Result()
	if err != nil {
		return false, 0, 0, fmt.Errorf("redis count %s: %w", key, err)
	}

	if count >= int64(limit) {
		oldest, err := r.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
		reset := int(window.Seconds())
		if err == nil && len(oldest) == 1 {
			oldestAt := time.Unix(0, int64(oldest[0].Score))
			reset = int(oldestAt.Add(window).Sub(now).Seconds())
			if reset < 0 {
				reset = 0
			}
		}
		return false, 0, reset, nil
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	if err := r.client.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return false, 0, 0, fmt.Errorf("redis add %s: %w", key, err)
	}
	r.client.Expire(ctx, redisKey, window)

	return true, limit - int(count) - 1, int(window.Seconds()), nil
}
