// Package fault defines the stable error vocabulary shared by the pool
// services. Handlers surface these codes verbatim; everything unrecognised
// collapses to CodeInternal so internals never leak past the correlation id.
package fault

import "errors"

// Code is a stable machine-readable error code.
type Code string

const (
	CodeInvalidInput        Code = "invalid_input"
	CodeUserNotFound        Code = "user_not_found"
	CodeRateLimited         Code = "rate_limited"
	CodeBelowMinimum        Code = "below_minimum"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeDailyLimitExceeded  Code = "daily_limit_exceeded"
	CodeStaleOrReused       Code = "stale_or_reused_request"
	CodeTransientLedger     Code = "transient_ledger"
	CodeChainFailure        Code = "chain_failure"
	CodePartitionMissing    Code = "partition_missing"
	CodeInternal            Code = "internal"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrUserNotFound        = errors.New("user not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrBelowMinimum        = errors.New("amount below configured minimum")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDailyLimitExceeded  = errors.New("daily withdrawal limit exceeded")
	ErrStaleOrReused       = errors.New("stale or reused request")
	ErrTransientLedger     = errors.New("transient ledger failure")
	ErrChainFailure        = errors.New("chain submission failed")
	ErrPartitionMissing    = errors.New("target partition missing")
)

var sentinels = []struct {
	err  error
	code Code
}{
	{ErrInvalidInput, CodeInvalidInput},
	{ErrUserNotFound, CodeUserNotFound},
	{ErrRateLimited, CodeRateLimited},
	{ErrBelowMinimum, CodeBelowMinimum},
	{ErrInsufficientBalance, CodeInsufficientBalance},
	{ErrDailyLimitExceeded, CodeDailyLimitExceeded},
	{ErrStaleOrReused, CodeStaleOrReused},
	{ErrTransientLedger, CodeTransientLedger},
	{ErrChainFailure, CodeChainFailure},
	{ErrPartitionMissing, CodePartitionMissing},
}

// CodeOf classifies an error chain to its stable code.
func CodeOf(err error) Code {
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	return CodeInternal
}
