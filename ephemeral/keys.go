package ephemeral

import (
	"fmt"
	"time"
)

// TTLs for the pool's ephemeral items. Counter and marker windows are
// deliberately independent: the counter bounds accepted signals per minute
// while the marker outlives the minute so late duplicates still dedup.
const (
	RateLimitTTL     = time.Minute
	MinuteMarkerTTL  = 2 * time.Minute
	LastSeenTTL      = 5 * time.Minute
	RateCacheTTL     = time.Minute
	NonceTTL         = 30 * time.Second
	ResponseCacheTTL = 15 * time.Second
)

func RateLimitKey(userID, bucket int64) string {
	return fmt.Sprintf("pool:rl:%d:%d", userID, bucket)
}

func MinuteMarkerKey(userID, bucket int64) string {
	return fmt.Sprintf("pool:minute:%d:%d", userID, bucket)
}

func LastSeenKey(userID int64) string {
	return fmt.Sprintf("pool:lastseen:%d", userID)
}

func RateCacheKey(userID int64) string {
	return fmt.Sprintf("pool:rate:%d", userID)
}

func ResponseCacheKey(endpoint, query string) string {
	return fmt.Sprintf("pool:resp:%s:%s", endpoint, query)
}

func NonceKey(entity, nonce string) string {
	return fmt.Sprintf("pool:nonce:%s:%s", entity, nonce)
}
