package params

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"pulsepool/core/token"
	"pulsepool/fault"
)

// Runtime tunables. The set is closed: Set rejects any other key.
const (
	KeyMinWithdrawal           = "min_withdrawal"
	KeyRewardIntervalMinutes   = "reward_interval_minutes"
	KeyRetentionDays           = "retention_days"
	KeyOfflineThresholdSeconds = "offline_threshold_seconds"
	KeyDailyWithdrawalCap      = "daily_withdrawal_cap"
	KeyBlockReward             = "block_reward"
	KeyBlockTimeSeconds        = "block_time_seconds"
)

type kind int

const (
	kindAmount kind = iota
	kindInt
)

// definition carries the per-key contract: value kind, inclusive bounds
// (token-valued keys are bounded in whole tokens) and nullability.
type definition struct {
	kind         kind
	nullable     bool
	minInt       int64
	maxInt       int64
	minTokens    int64
	maxTokens    int64
	exclusiveMin bool
}

var registry = map[string]definition{
	KeyMinWithdrawal:           {kind: kindAmount, minTokens: 1, maxTokens: 1_000_000},
	KeyRewardIntervalMinutes:   {kind: kindInt, minInt: 1, maxInt: 60},
	KeyRetentionDays:           {kind: kindInt, minInt: 1, maxInt: 365},
	KeyOfflineThresholdSeconds: {kind: kindInt, minInt: 30, maxInt: 600},
	KeyDailyWithdrawalCap:      {kind: kindAmount, nullable: true, minTokens: 0, maxTokens: 5_000_000},
	KeyBlockReward:             {kind: kindAmount, minTokens: 0, maxTokens: 1_000_000, exclusiveMin: true},
	KeyBlockTimeSeconds:        {kind: kindInt, minInt: 1, maxInt: 60},
}

// KnownKeys lists the closed key set in stable order.
func KnownKeys() []string {
	keys := make([]string, 0, len(registry))
	for key := range registry {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// validateValue checks a key/value pair against the registry. A nil value is
// legal only for nullable keys.
func validateValue(key string, value *string) error {
	def, ok := registry[key]
	if !ok {
		return fmt.Errorf("%w: unknown config key %q (known: %s)",
			fault.ErrInvalidInput, key, strings.Join(KnownKeys(), ", "))
	}
	if value == nil {
		if !def.nullable {
			return fmt.Errorf("%w: config key %q is not nullable", fault.ErrInvalidInput, key)
		}
		return nil
	}
	switch def.kind {
	case kindInt:
		parsed, err := strconv.ParseInt(*value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: config key %q: %v", fault.ErrInvalidInput, key, err)
		}
		if parsed < def.minInt || parsed > def.maxInt {
			return fmt.Errorf("%w: config key %q must be in [%d, %d], got %d",
				fault.ErrInvalidInput, key, def.minInt, def.maxInt, parsed)
		}
	case kindAmount:
		amount, err := token.Parse(*value)
		if err != nil {
			return fmt.Errorf("%w: config key %q: %v", fault.ErrInvalidInput, key, err)
		}
		lower := token.FromTokens(def.minTokens)
		upper := token.FromTokens(def.maxTokens)
		if cmp := amount.Cmp(lower); cmp < 0 || (def.exclusiveMin && cmp == 0) {
			return fmt.Errorf("%w: config key %q below minimum %s", fault.ErrInvalidInput, key, lower)
		}
		if amount.Cmp(upper) > 0 {
			return fmt.Errorf("%w: config key %q above maximum %s", fault.ErrInvalidInput, key, upper)
		}
	}
	return nil
}
