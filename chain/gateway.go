// Package chain submits settled pool payouts to the settlement chain.
package chain

import (
	"context"
	"regexp"

	"pulsepool/core/token"
)

// Gateway is the settlement-chain contract: submit a transfer of the reward
// asset to a destination address and return the transaction id. A failed
// submission reports the last endpoint's error; there is no retry loop
// beyond one ordered pass over the configured endpoints.
type Gateway interface {
	Submit(ctx context.Context, toAddress string, amount token.Amount) (string, error)
}

// Func adapts a function to the Gateway interface.
type Func func(ctx context.Context, toAddress string, amount token.Amount) (string, error)

// Submit calls f.
func (f Func) Submit(ctx context.Context, toAddress string, amount token.Amount) (string, error) {
	return f(ctx, toAddress, amount)
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether addr is a 0x-prefixed 20-byte hex address.
func ValidAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}
