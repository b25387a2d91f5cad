// internal/ratelimit/ratelimit.go
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// KV is the counter store backing the limiter. Implementations must be safe
// for concurrent use from many request handlers.
type KV interface {
	Get(ctx context.Context, key string) (int64, bool, error)
	// Put stores the value with a TTL; expired entries are unreadable.
	Put(ctx context.Context, key string, value int64, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys returns every live key with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Config is the sliding-window policy for one key class.
type Config struct {
	Limit       int
	Period      time.Duration // window the Limit applies to
	BucketSize  time.Duration // counter granularity; defaults to 10s
	Burst       int           // 0 disables the burst check
	BurstWindow time.Duration // defaults to 60s
}

func (c Config) withDefaults() Config {
	if c.BucketSize <= 0 {
		c.BucketSize = 10 * time.Second
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = 60 * time.Second
	}
	return c
}

// Result is the outcome of one increment or probe.
type Result struct {
	Success        bool
	RemainingLimit int
}

// Store implements sliding-window + burst rate limiting over bucketed
// counters. Buckets are timestamped every BucketSize and keyed
// "ratelimit:{key}:{bucketTs}".
type Store struct {
	kv     KV
	logger *zap.Logger
	now    func() time.Time
	rng    func() float64
}

// NewStore creates a limiter over the given KV backend.
func NewStore(kv KV, logger *zap.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logger.Named("ratelimit"),
		now:    time.Now,
		rng:    rand.Float64,
	}
}

func bucketKey(key string, bucketTs int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, bucketTs)
}

// sumWindow adds up the counters of every bucket covering the trailing window.
func (s *Store) sumWindow(ctx context.Context, key string, cfg Config, window time.Duration) (int64, int64, error) {
	nowTs := s.now().Unix()
	bucketSize := int64(cfg.BucketSize / time.Second)
	currentBucket := (nowTs / bucketSize) * bucketSize
	oldest := nowTs - int64(window/time.Second)

	var total int64
	for ts := currentBucket; ts+bucketSize > oldest; ts -= bucketSize {
		v, ok, err := s.kv.Get(ctx, bucketKey(key, ts))
		if err != nil {
			return 0, 0, err
		}
		if ok {
			total += v
		}
	}
	return total, currentBucket, nil
}

// Increment counts one event against key. Rejections report a zero remaining
// limit. Any internal error fails open: limiting is protective, not critical.
func (s *Store) Increment(ctx context.Context, key string, cfg Config) Result {
	cfg = cfg.withDefaults()

	res, err := s.increment(ctx, key, cfg)
	if err != nil {
		s.logger.Error("Rate limit store failure; failing open", zap.String("key", key), zap.Error(err))
		return Result{Success: true, RemainingLimit: cfg.Limit}
	}
	return res
}

func (s *Store) increment(ctx context.Context, key string, cfg Config) (Result, error) {
	mainCount, currentBucket, err := s.sumWindow(ctx, key, cfg, cfg.Period)
	if err != nil {
		return Result{}, err
	}
	if mainCount >= int64(cfg.Limit) {
		return Result{Success: false, RemainingLimit: 0}, nil
	}

	if cfg.Burst > 0 {
		burstCount, _, err := s.sumWindow(ctx, key, cfg, cfg.BurstWindow)
		if err != nil {
			return Result{}, err
		}
		if burstCount >= int64(cfg.Burst) {
			return Result{Success: false, RemainingLimit: 0}, nil
		}
	}

	ttl := cfg.Period
	if cfg.BurstWindow > ttl {
		ttl = cfg.BurstWindow
	}
	ttl += cfg.BucketSize

	ck := bucketKey(key, currentBucket)
	v, _, err := s.kv.Get(ctx, ck)
	if err != nil {
		return Result{}, err
	}
	if err := s.kv.Put(ctx, ck, v+1, ttl); err != nil {
		return Result{}, err
	}

	// Probabilistic sweep bounds the live key set without a dedicated janitor.
	if s.rng() < 0.1 {
		s.cleanup(ctx, key, cfg)
	}

	remaining := cfg.Limit - int(mainCount) - 1
	if remaining < 0 {
		remaining = 0
	}
	return Result{Success: true, RemainingLimit: remaining}, nil
}

// GetRemainingLimit probes the window without counting an event.
func (s *Store) GetRemainingLimit(ctx context.Context, key string, cfg Config) Result {
	cfg = cfg.withDefaults()
	mainCount, _, err := s.sumWindow(ctx, key, cfg, cfg.Period)
	if err != nil {
		s.logger.Error("Rate limit probe failure; failing open", zap.String("key", key), zap.Error(err))
		return Result{Success: true, RemainingLimit: cfg.Limit}
	}
	remaining := cfg.Limit - int(mainCount)
	if remaining <= 0 {
		return Result{Success: false, RemainingLimit: 0}
	}
	return Result{Success: true, RemainingLimit: remaining}
}

// cleanup drops buckets older than anything the window sums can reach.
func (s *Store) cleanup(ctx context.Context, key string, cfg Config) {
	prefix := fmt.Sprintf("ratelimit:%s:", key)
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return
	}
	horizon := s.now().Unix() - int64((cfg.Period+cfg.BurstWindow+cfg.BucketSize)/time.Second)
	for _, k := range keys {
		var ts int64
		if _, err := fmt.Sscanf(k[strings.LastIndex(k, ":")+1:], "%d", &ts); err != nil {
			continue
		}
		if ts < horizon {
			_ = s.kv.Delete(ctx, k)
		}
	}
}

// -- In-memory KV backend --

type memEntry struct {
	value     int64
	expiresAt time.Time
}

// MemoryKV is a process-local KV backend, used in tests and for single-node
// deployments.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryKV creates an empty in-memory backend.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memEntry), now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (m *MemoryKV) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryKV) Get(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.now().After(e.expiresAt) {
		return 0, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryKV) Put(_ context.Context, key string, value int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && !m.now().After(e.expiresAt) {
			out = append(out, k)
		}
	}
	return out, nil
}
