package ephemeral

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newClock(start time.Time) (*time.Time, func() time.Time) {
	current := start
	return &current, func() time.Time { return current }
}

func TestIncrCountsWithinTTL(t *testing.T) {
	now, clock := newClock(time.Unix(1_700_000_000, 0))
	store := NewMemoryWithClock(clock)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.Incr(ctx, "pool:rl:9:1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	// The TTL armed on the first increment expires the whole counter.
	*now = now.Add(61 * time.Second)
	got, err := store.Incr(ctx, "pool:rl:9:1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), got)
}

func TestSetNXClaimsOnce(t *testing.T) {
	now, clock := newClock(time.Unix(1_700_000_000, 0))
	store := NewMemoryWithClock(clock)
	ctx := context.Background()

	claimed, err := store.SetNX(ctx, "pool:minute:9:1", "1", 2*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = store.SetNX(ctx, "pool:minute:9:1", "1", 2*time.Minute)
	require.NoError(t, err)
	require.False(t, claimed)

	*now = now.Add(2*time.Minute + time.Second)
	claimed, err = store.SetNX(ctx, "pool:minute:9:1", "1", 2*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestGetSetDelExpiry(t *testing.T) {
	now, clock := newClock(time.Unix(1_700_000_000, 0))
	store := NewMemoryWithClock(clock)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "pool:rate:9", "5000", time.Minute))
	value, ok, err := store.Get(ctx, "pool:rate:9")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "5000", value)

	*now = now.Add(time.Minute)
	_, ok, err = store.Get(ctx, "pool:rate:9")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "pool:rate:9", "6000", 0))
	require.NoError(t, store.Del(ctx, "pool:rate:9"))
	_, ok, err = store.Get(ctx, "pool:rate:9")
	require.NoError(t, err)
	require.False(t, ok)
}
