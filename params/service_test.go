package params

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pulsepool/core/token"
	"pulsepool/fault"
	"pulsepool/ledger"
)

var _ Ledger = (*ledger.Store)(nil)

type fakeLedger struct {
	entries []ledger.ConfigEntry
	loads   int
	upserts int
	audits  []string
}

func (f *fakeLedger) LoadConfigEntries(context.Context) ([]ledger.ConfigEntry, error) {
	f.loads++
	return f.entries, nil
}

func (f *fakeLedger) UpsertConfigEntry(_ context.Context, key string, value *string, now time.Time) error {
	f.upserts++
	for i := range f.entries {
		if f.entries[i].Key == key {
			f.entries[i].Value = value
			f.entries[i].UpdatedAt = now
			return nil
		}
	}
	f.entries = append(f.entries, ledger.ConfigEntry{Key: key, Value: value, UpdatedAt: now})
	return nil
}

func (f *fakeLedger) SeedConfigEntries(_ context.Context, entries []ledger.ConfigEntry) error {
	for _, entry := range entries {
		exists := false
		for _, have := range f.entries {
			if have.Key == entry.Key {
				exists = true
				break
			}
		}
		if !exists {
			f.entries = append(f.entries, entry)
		}
	}
	return nil
}

func (f *fakeLedger) AppendAudit(_ context.Context, _, action, subject, _ string) error {
	f.audits = append(f.audits, action+" "+subject)
	return nil
}

func newTestService(t *testing.T, store *fakeLedger) (*Service, *time.Time) {
	t.Helper()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, err := New(Config{Ledger: store, Now: func() time.Time { return clock }})
	require.NoError(t, err)
	return svc, &clock
}

func TestValidateValueBounds(t *testing.T) {
	null := func() *string { return nil }()
	str := func(s string) *string { return &s }

	cases := []struct {
		name  string
		key   string
		value *string
		ok    bool
	}{
		{"unknown key", "emission_multiplier", str("2"), false},
		{"min withdrawal at floor", KeyMinWithdrawal, str("1"), true},
		{"min withdrawal below floor", KeyMinWithdrawal, str("0.999999999999999999"), false},
		{"min withdrawal at ceiling", KeyMinWithdrawal, str("1000000"), true},
		{"min withdrawal above ceiling", KeyMinWithdrawal, str("1000000.000000000000000001"), false},
		{"min withdrawal null", KeyMinWithdrawal, null, false},
		{"block reward zero is exclusive", KeyBlockReward, str("0"), false},
		{"block reward tiny", KeyBlockReward, str("0.000000000000000001"), true},
		{"interval floor", KeyRewardIntervalMinutes, str("1"), true},
		{"interval below floor", KeyRewardIntervalMinutes, str("0"), false},
		{"interval above ceiling", KeyRewardIntervalMinutes, str("61"), false},
		{"interval junk", KeyRewardIntervalMinutes, str("ten"), false},
		{"offline threshold floor", KeyOfflineThresholdSeconds, str("30"), true},
		{"offline threshold below", KeyOfflineThresholdSeconds, str("29"), false},
		{"daily cap null allowed", KeyDailyWithdrawalCap, null, true},
		{"daily cap zero allowed", KeyDailyWithdrawalCap, str("0"), true},
		{"daily cap above ceiling", KeyDailyWithdrawalCap, str("5000001"), false},
		{"retention ceiling", KeyRetentionDays, str("365"), true},
		{"retention above ceiling", KeyRetentionDays, str("366"), false},
		{"block time ceiling", KeyBlockTimeSeconds, str("60"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateValue(tc.key, tc.value)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Equal(t, fault.CodeInvalidInput, fault.CodeOf(err))
		})
	}
}

func TestSnapshotOverlaysDefaults(t *testing.T) {
	str := func(s string) *string { return &s }
	entries := []ledger.ConfigEntry{
		{Key: KeyBlockReward, Value: str("2")},
		{Key: KeyBlockTimeSeconds, Value: str("5")},
		{Key: KeyDailyWithdrawalCap, Value: str("250")},
	}
	snap, err := snapshotFrom(entries)
	require.NoError(t, err)
	require.Equal(t, 0, snap.BlockReward.Cmp(token.FromTokens(2)))
	require.Equal(t, 5, snap.BlockTimeSeconds)
	require.NotNil(t, snap.DailyWithdrawalCap)
	require.Equal(t, 0, snap.DailyWithdrawalCap.Cmp(token.FromTokens(250)))
	// Untouched keys keep their defaults.
	require.Equal(t, Defaults().RewardInterval, snap.RewardInterval)

	_, err = snapshotFrom([]ledger.ConfigEntry{{Key: KeyRetentionDays, Value: str("9000")}})
	require.Error(t, err)
}

func TestSnapshotCachesUntilTTL(t *testing.T) {
	store := &fakeLedger{}
	svc, clock := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	_, err = svc.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, store.loads)

	*clock = clock.Add(DefaultCacheTTL + time.Second)
	_, err = svc.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, store.loads)
}

func TestSetValidatesPersistsAndInvalidates(t *testing.T) {
	store := &fakeLedger{}
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.Snapshot(ctx)
	require.NoError(t, err)

	err = svc.Set(ctx, "ops", "not_a_key", nil)
	require.Equal(t, fault.CodeInvalidInput, fault.CodeOf(err))
	require.Zero(t, store.upserts)

	v := "15"
	require.NoError(t, svc.Set(ctx, "ops", KeyRewardIntervalMinutes, &v))
	require.Equal(t, 1, store.upserts)
	require.Equal(t, []string{"config.set config:reward_interval_minutes"}, store.audits)

	// The write dropped the cache, so the next snapshot observes it.
	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, snap.RewardInterval)
	require.Equal(t, 2, store.loads)
}

func TestSeedInsertsMissingOnly(t *testing.T) {
	existing := "42"
	store := &fakeLedger{entries: []ledger.ConfigEntry{{Key: KeyRetentionDays, Value: &existing}}}
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	require.NoError(t, svc.Seed(ctx))
	require.Len(t, store.entries, len(KnownKeys()))

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 42, snap.RetentionDays)
	require.Nil(t, snap.DailyWithdrawalCap)
}
