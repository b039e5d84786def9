package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"pulsepool/ephemeral"
	"pulsepool/fault"
	"pulsepool/ledger"
	"pulsepool/params"
)

type harness struct {
	store *ledger.Store
	cache *ephemeral.Memory
	svc   *Service
	clock *time.Time
}

func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()
	store, err := ledger.Open(ledger.Config{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))

	clock := start
	now := func() time.Time { return clock }
	cache := ephemeral.NewMemoryWithClock(now)
	cfg, err := params.New(params.Config{Ledger: store, Now: now})
	require.NoError(t, err)
	svc, err := New(Config{Ledger: store, Cache: cache, Params: cfg, Now: now})
	require.NoError(t, err)
	return &harness{store: store, cache: cache, svc: svc, clock: &clock}
}

func (h *harness) registerUser(t *testing.T, wallet string, rate int64) *ledger.User {
	t.Helper()
	user, err := h.store.RegisterUser(context.Background(), wallet, "rig", rate)
	require.NoError(t, err)
	return user
}

func TestRecordSignalInsertsOncePerMinute(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()
	user := h.registerUser(t, "0x1100000000000000000000000000000000000011", 100)

	first, err := h.svc.RecordSignal(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, first.Inserted)
	require.Equal(t, start.Truncate(time.Minute).Unix(), first.MinuteStart)
	require.Equal(t, int64(100), first.RateSnapshot)

	// Same minute again: accepted, deduped, no second row.
	second, err := h.svc.RecordSignal(ctx, user.ID)
	require.NoError(t, err)
	require.False(t, second.Inserted)

	var count int64
	require.NoError(t, h.store.DB().Model(&ledger.Activity{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	reloaded, err := h.store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.UserOnline, reloaded.Status)
	require.NotNil(t, reloaded.LastSignalAt)

	// Next minute opens a fresh bucket.
	*h.clock = h.clock.Add(time.Minute)
	third, err := h.svc.RecordSignal(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, third.Inserted)
	require.Equal(t, first.MinuteStart+60, third.MinuteStart)

	require.NoError(t, h.store.DB().Model(&ledger.Activity{}).Count(&count).Error)
	require.Equal(t, int64(2), count)

	// Retention stamps the row's expiry from the default retention window.
	rows, err := h.store.WindowActivities(ctx, first.MinuteStart, third.MinuteStart+60)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.WithinDuration(t, start.Add(30*24*time.Hour), rows[0].ExpiresAt, time.Second)
}

func TestRecordSignalRateLimited(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()
	user := h.registerUser(t, "0x2200000000000000000000000000000000000022", 50)

	for i := 0; i < MaxSignalsPerMinute; i++ {
		_, err := h.svc.RecordSignal(ctx, user.ID)
		require.NoError(t, err)
	}
	_, err := h.svc.RecordSignal(ctx, user.ID)
	require.ErrorIs(t, err, fault.ErrRateLimited)

	// The counter expires with the minute.
	*h.clock = h.clock.Add(61 * time.Second)
	_, err = h.svc.RecordSignal(ctx, user.ID)
	require.NoError(t, err)
}

func TestRecordSignalUnknownUser(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	_, err := h.svc.RecordSignal(context.Background(), 404)
	require.ErrorIs(t, err, fault.ErrUserNotFound)
}

func TestRecordSignalServesCachedRateUntilInvalidated(t *testing.T) {
	// Start mid-minute so the next bucket opens while the 60s rate cache is
	// still warm.
	start := time.Date(2025, 6, 1, 12, 0, 45, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()
	user := h.registerUser(t, "0x3300000000000000000000000000000000000033", 100)

	first, err := h.svc.RecordSignal(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), first.RateSnapshot)

	require.NoError(t, h.store.UpdateReportedRate(ctx, user.ID, 250))

	*h.clock = h.clock.Add(30 * time.Second)
	stale, err := h.svc.RecordSignal(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, stale.Inserted)
	require.Equal(t, int64(100), stale.RateSnapshot)

	h.svc.InvalidateRate(ctx, user.ID)
	*h.clock = h.clock.Add(time.Minute)
	fresh, err := h.svc.RecordSignal(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, int64(250), fresh.RateSnapshot)
}

// flakyPartitionLedger reports the first inserts as landing outside any
// partition, the way postgres does before the month's child table exists.
type flakyPartitionLedger struct {
	*ledger.Store
	failures int
	ensured  int
	inserts  int
}

func (f *flakyPartitionLedger) InsertActivity(ctx context.Context, row ledger.Activity) error {
	f.inserts++
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("%w: no partition of relation \"activities\"", fault.ErrPartitionMissing)
	}
	return f.Store.InsertActivity(ctx, row)
}

func (f *flakyPartitionLedger) EnsureActivityPartition(context.Context, int64) error {
	f.ensured++
	return nil
}

func TestRecordSignalRetriesOnceAfterEnsuringPartition(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()
	user := h.registerUser(t, "0x4400000000000000000000000000000000000044", 50)

	flaky := &flakyPartitionLedger{Store: h.store, failures: 1}
	cfg, err := params.New(params.Config{Ledger: h.store, Now: func() time.Time { return *h.clock }})
	require.NoError(t, err)
	svc, err := New(Config{Ledger: flaky, Cache: ephemeral.NewMemoryWithClock(func() time.Time { return *h.clock }), Params: cfg, Now: func() time.Time { return *h.clock }})
	require.NoError(t, err)

	result, err := svc.RecordSignal(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, result.Inserted)
	require.Equal(t, 1, flaky.ensured)
	require.Equal(t, 2, flaky.inserts)

	// A second missing-partition report on the retry is fatal.
	flaky.failures = 2
	*h.clock = h.clock.Add(time.Minute)
	_, err = svc.RecordSignal(ctx, user.ID)
	require.ErrorIs(t, err, fault.ErrPartitionMissing)
}

func TestSweeperFlipsStaleUsers(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	ctx := context.Background()

	stale := h.registerUser(t, "0x5500000000000000000000000000000000000055", 10)
	fresh := h.registerUser(t, "0x6600000000000000000000000000000000000066", 10)
	require.NoError(t, h.store.TouchLiveness(ctx, stale.ID, start.Add(-5*time.Minute)))
	require.NoError(t, h.store.TouchLiveness(ctx, fresh.ID, start.Add(-10*time.Second)))

	cfg, err := params.New(params.Config{Ledger: h.store, Now: func() time.Time { return *h.clock }})
	require.NoError(t, err)
	sweeper, err := NewSweeper(SweeperConfig{Ledger: h.store, Params: cfg, Now: func() time.Time { return *h.clock }})
	require.NoError(t, err)

	// Default threshold is 120s; the pace is half of it.
	next := sweeper.RunOnce(ctx)
	require.Equal(t, time.Minute, next)

	staleUser, err := h.store.GetUser(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.UserOffline, staleUser.Status)

	freshUser, err := h.store.GetUser(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.UserOnline, freshUser.Status)
}
