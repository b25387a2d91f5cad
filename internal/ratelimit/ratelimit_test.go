package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(now time.Time) (*Store, *MemoryKV, *time.Time) {
	current := now
	kv := NewMemoryKV()
	kv.SetClock(func() time.Time { return current })
	s := NewStore(kv, zap.NewNop())
	s.now = func() time.Time { return current }
	s.rng = func() float64 { return 1.0 } // disable the probabilistic sweep
	return s, kv, &current
}

func TestIncrementTripsAtLimit(t *testing.T) {
	s, _, _ := newTestStore(time.Unix(1_700_000_000, 0))
	cfg := Config{Limit: 2, Period: 60 * time.Second}
	ctx := context.Background()

	first := s.Increment(ctx, "u1", cfg)
	assert.True(t, first.Success)
	assert.Equal(t, 1, first.RemainingLimit)

	second := s.Increment(ctx, "u1", cfg)
	assert.True(t, second.Success)
	assert.Equal(t, 0, second.RemainingLimit)

	third := s.Increment(ctx, "u1", cfg)
	assert.False(t, third.Success)
	assert.Equal(t, 0, third.RemainingLimit)
}

func TestWindowSlides(t *testing.T) {
	s, _, current := newTestStore(time.Unix(1_700_000_000, 0))
	cfg := Config{Limit: 2, Period: 60 * time.Second}
	ctx := context.Background()

	require.True(t, s.Increment(ctx, "u1", cfg).Success)
	require.True(t, s.Increment(ctx, "u1", cfg).Success)
	require.False(t, s.Increment(ctx, "u1", cfg).Success)

	// After the period passes the counters age out.
	*current = current.Add(70 * time.Second)
	assert.True(t, s.Increment(ctx, "u1", cfg).Success)
}

func TestBurstLimit(t *testing.T) {
	s, _, _ := newTestStore(time.Unix(1_700_000_000, 0))
	cfg := Config{Limit: 100, Period: 3600 * time.Second, Burst: 3, BurstWindow: 60 * time.Second}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, s.Increment(ctx, "u2", cfg).Success, "burst request %d", i)
	}
	res := s.Increment(ctx, "u2", cfg)
	assert.False(t, res.Success, "burst window must reject the fourth request")
}

func TestKeysAreIsolated(t *testing.T) {
	s, _, _ := newTestStore(time.Unix(1_700_000_000, 0))
	cfg := Config{Limit: 1, Period: 60 * time.Second}
	ctx := context.Background()

	require.True(t, s.Increment(ctx, "a", cfg).Success)
	require.False(t, s.Increment(ctx, "a", cfg).Success)
	assert.True(t, s.Increment(ctx, "b", cfg).Success)
}

func TestGetRemainingLimitDoesNotCount(t *testing.T) {
	s, _, _ := newTestStore(time.Unix(1_700_000_000, 0))
	cfg := Config{Limit: 2, Period: 60 * time.Second}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := s.GetRemainingLimit(ctx, "probe", cfg)
		assert.True(t, res.Success)
		assert.Equal(t, 2, res.RemainingLimit)
	}
}

// erroringKV fails every operation to exercise the fail-open path.
type erroringKV struct{}

func (erroringKV) Get(context.Context, string) (int64, bool, error) {
	return 0, false, fmt.Errorf("kv down")
}
func (erroringKV) Put(context.Context, string, int64, time.Duration) error {
	return fmt.Errorf("kv down")
}
func (erroringKV) Delete(context.Context, string) error { return fmt.Errorf("kv down") }
func (erroringKV) Keys(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("kv down")
}

func TestFailsOpenOnStoreError(t *testing.T) {
	s := NewStore(erroringKV{}, zap.NewNop())
	cfg := Config{Limit: 1, Period: 60 * time.Second}

	res := s.Increment(context.Background(), "u1", cfg)
	assert.True(t, res.Success, "store failure must not reject requests")
	assert.Equal(t, 1, res.RemainingLimit)
}

func TestCleanupRemovesExpiredBuckets(t *testing.T) {
	s, kv, current := newTestStore(time.Unix(1_700_000_000, 0))
	s.rng = func() float64 { return 0.0 } // force the sweep
	cfg := Config{Limit: 10, Period: 60 * time.Second}
	ctx := context.Background()

	require.True(t, s.Increment(ctx, "u1", cfg).Success)
	*current = current.Add(10 * time.Minute)
	require.True(t, s.Increment(ctx, "u1", cfg).Success)

	keys, err := kv.Keys(ctx, "ratelimit:u1:")
	require.NoError(t, err)
	assert.Len(t, keys, 1, "expired bucket should have been swept or aged out")
}
