// Package withdraw implements the withdrawal pipeline: the debit-and-enqueue
// request path, the background settlement worker and the privileged admin
// operations over the withdrawal state machine.
package withdraw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pulsepool/core/token"
	"pulsepool/fault"
	"pulsepool/ledger"
	"pulsepool/observability"
	"pulsepool/params"
)

// Ledger captures the subset of ledger capabilities required by the request
// path.
type Ledger interface {
	RequestWithdrawal(ctx context.Context, req ledger.WithdrawalRequest) (int64, error)
	GetWithdrawal(ctx context.Context, id int64) (*ledger.Withdrawal, error)
}

// Params serves runtime tunables.
type Params interface {
	Snapshot(ctx context.Context) (params.Snapshot, error)
}

// Config wires the request-path service.
type Config struct {
	Ledger  Ledger
	Params  Params
	Log     *slog.Logger
	Metrics *observability.WithdrawMetrics
	// TZ anchors the daily-cap window; nil means UTC.
	TZ  *time.Location
	Now func() time.Time
}

// Service accepts withdrawal requests. Every accepted request debits the
// owner and enqueues exactly one pending row inside a single ledger
// transaction; replays of the same idempotency key return the original row.
type Service struct {
	ledger  Ledger
	params  Params
	log     *slog.Logger
	metrics *observability.WithdrawMetrics
	tz      *time.Location
	now     func() time.Time
}

// New constructs the request-path service.
func New(cfg Config) (*Service, error) {
	if cfg.Ledger == nil || cfg.Params == nil {
		return nil, fmt.Errorf("withdraw: ledger and params are required")
	}
	svc := &Service{
		ledger:  cfg.Ledger,
		params:  cfg.Params,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		tz:      cfg.TZ,
		now:     cfg.Now,
	}
	if svc.log == nil {
		svc.log = slog.Default()
	}
	if svc.tz == nil {
		svc.tz = time.UTC
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc, nil
}

// Request debits userID by amount and enqueues a pending withdrawal,
// returning the row id. The config snapshot is taken once up front and held
// for the whole request.
func (s *Service) Request(ctx context.Context, userID int64, amount token.Amount, idempotencyKey string) (int64, error) {
	snap, err := s.params.Snapshot(ctx)
	if err != nil {
		s.metrics.ObserveRequest("error")
		return 0, err
	}
	if amount.IsZero() {
		s.metrics.ObserveRequest("invalid")
		return 0, fmt.Errorf("%w: amount must be positive", fault.ErrInvalidInput)
	}
	if amount.Cmp(snap.MinWithdrawal) < 0 {
		s.metrics.ObserveRequest("below_minimum")
		return 0, fmt.Errorf("%w: minimum is %s", fault.ErrBelowMinimum, snap.MinWithdrawal)
	}

	now := s.now()
	req := ledger.WithdrawalRequest{
		UserID:   userID,
		Amount:   amount,
		DailyCap: snap.DailyWithdrawalCap,
		DaySince: dayStart(now, s.tz),
		Now:      now,
	}
	if idempotencyKey != "" {
		req.IdempotencyKey = &idempotencyKey
	}

	id, err := s.ledger.RequestWithdrawal(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, fault.ErrUserNotFound):
			s.metrics.ObserveRequest("user_not_found")
		case errors.Is(err, fault.ErrInsufficientBalance):
			s.metrics.ObserveRequest("insufficient_balance")
		case errors.Is(err, fault.ErrDailyLimitExceeded):
			s.metrics.ObserveRequest("daily_limit_exceeded")
		default:
			s.metrics.ObserveRequest("error")
		}
		return 0, err
	}
	s.metrics.ObserveRequest("accepted")
	s.log.Info("withdrawal requested", "withdrawal_id", id, "user_id", userID)
	return id, nil
}

// Get returns one withdrawal row, restricted to its owner. A row owned by a
// different user fails the same way a missing id does, so the response never
// confirms the row exists.
func (s *Service) Get(ctx context.Context, id, userID int64) (*ledger.Withdrawal, error) {
	row, err := s.ledger.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.UserID != userID {
		return nil, fmt.Errorf("withdrawal %d: %w", id, fault.ErrInvalidInput)
	}
	return row, nil
}

// dayStart returns midnight of now's calendar day in loc. The daily cap
// window opens here.
func dayStart(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
