package withdraw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pulsepool/chain"
	"pulsepool/fault"
	"pulsepool/ledger"
	"pulsepool/observability"
	"pulsepool/observability/logging"
)

const (
	// DefaultTickInterval paces the settlement loop.
	DefaultTickInterval = 2 * time.Second
	// DefaultStaleLease is how long a processing row stays owned by the
	// worker that claimed it before another worker may reclaim it.
	DefaultStaleLease = 5 * time.Minute
)

// WorkerLedger captures the subset of ledger capabilities required by the
// settlement worker.
type WorkerLedger interface {
	ClaimNextWithdrawal(ctx context.Context, now, staleBefore time.Time) (*ledger.Withdrawal, bool, error)
	CompleteWithdrawal(ctx context.Context, id int64, txID string, at time.Time) error
	FailWithdrawal(ctx context.Context, id int64, reason string, at time.Time) error
}

// WorkerConfig wires a settlement worker.
type WorkerConfig struct {
	Ledger  WorkerLedger
	Gateway chain.Gateway
	Log     *slog.Logger
	Metrics *observability.WithdrawMetrics
	// StaleLease overrides DefaultStaleLease; zero keeps the default.
	StaleLease time.Duration
	Now        func() time.Time
}

// Worker settles queued withdrawals one job per tick: claim under a skipping
// row lock, submit to the chain outside any transaction, then commit the
// completion or compensate the failure. The stale lease is the only source
// of possible re-submission; every post-submit transition is guarded on the
// row still being in processing.
type Worker struct {
	ledger  WorkerLedger
	gateway chain.Gateway
	log     *slog.Logger
	metrics *observability.WithdrawMetrics
	tracer  trace.Tracer
	lease   time.Duration
	now     func() time.Time
}

// NewWorker constructs a settlement worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Ledger == nil || cfg.Gateway == nil {
		return nil, fmt.Errorf("withdraw: worker requires ledger and gateway")
	}
	w := &Worker{
		ledger:  cfg.Ledger,
		gateway: cfg.Gateway,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		tracer:  otel.Tracer("pulsepool/withdraw"),
		lease:   cfg.StaleLease,
		now:     cfg.Now,
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.lease <= 0 {
		w.lease = DefaultStaleLease
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w, nil
}

// RunOnce claims and settles at most one job. It reports whether a job was
// handled; an empty queue is not an error.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	now := w.now()
	row, reclaimed, err := w.ledger.ClaimNextWithdrawal(ctx, now, now.Add(-w.lease))
	if errors.Is(err, ledger.ErrNoPendingWithdrawals) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("withdraw: claim job: %w", err)
	}
	ctx, span := w.tracer.Start(ctx, "withdraw.settle",
		trace.WithAttributes(attribute.Int64("withdrawal.id", row.ID)))
	defer span.End()
	if reclaimed {
		w.metrics.IncStaleReclaim()
		span.SetAttributes(attribute.Bool("withdrawal.reclaimed", true))
		w.log.Warn("reclaimed stale withdrawal", "withdrawal_id", row.ID, "user_id", row.UserID)
	}

	txID, submitErr := w.gateway.Submit(ctx, row.DestinationWallet, row.Amount)
	if submitErr != nil {
		span.RecordError(submitErr)
		span.SetStatus(codes.Error, submitErr.Error())
		return true, w.compensate(ctx, row, submitErr)
	}

	if err := w.ledger.CompleteWithdrawal(ctx, row.ID, txID, w.now()); err != nil {
		if errors.Is(err, ledger.ErrStateConflict) {
			// A racing worker finished this row while our submit was in
			// flight; its outcome stands.
			span.SetStatus(codes.Ok, "finalised elsewhere")
			w.metrics.ObserveSettlement("conflict")
			w.log.Warn("settled withdrawal already finalised elsewhere",
				"withdrawal_id", row.ID, "tx_id", txID)
			return true, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return true, fmt.Errorf("withdraw: complete %d: %w", row.ID, err)
	}
	span.SetAttributes(attribute.String("chain.tx_id", txID))
	span.SetStatus(codes.Ok, "settled")
	w.metrics.ObserveSettlement("completed")
	w.log.Info("withdrawal settled",
		"withdrawal_id", row.ID,
		"user_id", row.UserID,
		"tx_id", txID,
		logging.MaskField("destination", row.DestinationWallet),
	)
	return true, nil
}

// compensate records the chain failure and restores the owner's balance.
// The ledger refuses the credit when the row is no longer processing, which
// keeps a racing completion from being paid twice.
func (w *Worker) compensate(ctx context.Context, row *ledger.Withdrawal, submitErr error) error {
	reason := submitErr.Error()
	if err := w.ledger.FailWithdrawal(ctx, row.ID, reason, w.now()); err != nil {
		if errors.Is(err, ledger.ErrStateConflict) {
			w.metrics.ObserveSettlement("conflict")
			w.log.Warn("skipped compensation, withdrawal no longer processing",
				"withdrawal_id", row.ID)
			return nil
		}
		return fmt.Errorf("withdraw: fail %d: %w", row.ID, err)
	}
	w.metrics.ObserveSettlement("failed")
	w.metrics.IncCompensation()
	level := slog.LevelError
	if errors.Is(submitErr, fault.ErrChainFailure) {
		level = slog.LevelWarn
	}
	w.log.Log(ctx, level, "withdrawal failed, balance restored",
		"withdrawal_id", row.ID, "user_id", row.UserID, "error", reason)
	return nil
}

// RunTick adapts the worker to the fixed-cadence runner; claim errors are
// logged and retried on the next tick.
func (w *Worker) RunTick(ctx context.Context) {
	if _, err := w.RunOnce(ctx); err != nil {
		w.log.Error("settlement tick failed", "error", err)
	}
}
