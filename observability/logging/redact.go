package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive log values that are not allowlisted.
const RedactedValue = "[REDACTED]"

// Keys that are safe to emit verbatim. Wallet addresses, signatures, nonces
// and idempotency keys stay masked.
var redactionAllowlist = map[string]struct{}{
	"service":        {},
	"env":            {},
	"message":        {},
	"severity":       {},
	"timestamp":      {},
	"error":          {},
	"reason":         {},
	"component":      {},
	"code":           {},
	"correlation_id": {},
	"user_id":        {},
	"withdrawal_id":  {},
	"route":          {},
	"outcome":        {},
}

// IsAllowlisted reports whether key may be logged verbatim.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns the sorted set of keys exempt from masking.
// Sanitization tests assert domain secrets never join it.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue redacts a non-empty value. Empty strings pass through so absent
// fields stay readable.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr carrying value verbatim when key is
// allowlisted and the redaction placeholder otherwise. Key casing is
// preserved.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}
