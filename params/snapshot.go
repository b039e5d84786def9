package params

import (
	"fmt"
	"strconv"
	"time"

	"pulsepool/core/token"
	"pulsepool/fault"
	"pulsepool/ledger"
)

// Snapshot is one consistent read of every runtime tunable. Callers take a
// snapshot at the start of an operation and never re-read mid-operation.
type Snapshot struct {
	MinWithdrawal      token.Amount
	RewardInterval     time.Duration
	RetentionDays      int
	OfflineThreshold   time.Duration
	DailyWithdrawalCap *token.Amount
	BlockReward        token.Amount
	BlockTimeSeconds   int
}

// Defaults returns the values a fresh deployment is seeded with.
func Defaults() Snapshot {
	return Snapshot{
		MinWithdrawal:      token.FromTokens(100),
		RewardInterval:     10 * time.Minute,
		RetentionDays:      30,
		OfflineThreshold:   120 * time.Second,
		DailyWithdrawalCap: nil,
		BlockReward:        token.FromTokens(2),
		BlockTimeSeconds:   5,
	}
}

// DefaultEntries renders the defaults as seed rows. Nullable keys with a nil
// default are seeded with a NULL value so operators see the full key set.
func DefaultEntries(now time.Time) []ledger.ConfigEntry {
	snap := Defaults()
	str := func(s string) *string { return &s }
	return []ledger.ConfigEntry{
		{Key: KeyMinWithdrawal, Value: str(snap.MinWithdrawal.String()), UpdatedAt: now},
		{Key: KeyRewardIntervalMinutes, Value: str(strconv.Itoa(int(snap.RewardInterval / time.Minute))), UpdatedAt: now},
		{Key: KeyRetentionDays, Value: str(strconv.Itoa(snap.RetentionDays)), UpdatedAt: now},
		{Key: KeyOfflineThresholdSeconds, Value: str(strconv.Itoa(int(snap.OfflineThreshold / time.Second))), UpdatedAt: now},
		{Key: KeyDailyWithdrawalCap, Value: nil, UpdatedAt: now},
		{Key: KeyBlockReward, Value: str(snap.BlockReward.String()), UpdatedAt: now},
		{Key: KeyBlockTimeSeconds, Value: str(strconv.Itoa(snap.BlockTimeSeconds)), UpdatedAt: now},
	}
}

// snapshotFrom overlays persisted entries on the defaults. Rows that fail
// validation abort the load: the table is written only through Set, so a bad
// row means out-of-band tampering and silence would mask it.
func snapshotFrom(entries []ledger.ConfigEntry) (Snapshot, error) {
	snap := Defaults()
	for _, entry := range entries {
		if err := validateValue(entry.Key, entry.Value); err != nil {
			return Snapshot{}, err
		}
		if err := applyEntry(&snap, entry.Key, entry.Value); err != nil {
			return Snapshot{}, err
		}
	}
	return snap, nil
}

func applyEntry(snap *Snapshot, key string, value *string) error {
	switch key {
	case KeyDailyWithdrawalCap:
		if value == nil {
			snap.DailyWithdrawalCap = nil
			return nil
		}
		amount, err := token.Parse(*value)
		if err != nil {
			return fmt.Errorf("%w: config key %q: %v", fault.ErrInvalidInput, key, err)
		}
		snap.DailyWithdrawalCap = &amount
		return nil
	case KeyMinWithdrawal, KeyBlockReward:
		amount, err := token.Parse(*value)
		if err != nil {
			return fmt.Errorf("%w: config key %q: %v", fault.ErrInvalidInput, key, err)
		}
		if key == KeyMinWithdrawal {
			snap.MinWithdrawal = amount
		} else {
			snap.BlockReward = amount
		}
		return nil
	}
	parsed, err := strconv.ParseInt(*value, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: config key %q: %v", fault.ErrInvalidInput, key, err)
	}
	switch key {
	case KeyRewardIntervalMinutes:
		snap.RewardInterval = time.Duration(parsed) * time.Minute
	case KeyRetentionDays:
		snap.RetentionDays = int(parsed)
	case KeyOfflineThresholdSeconds:
		snap.OfflineThreshold = time.Duration(parsed) * time.Second
	case KeyBlockTimeSeconds:
		snap.BlockTimeSeconds = int(parsed)
	default:
		return fmt.Errorf("%w: unknown config key %q", fault.ErrInvalidInput, key)
	}
	return nil
}
