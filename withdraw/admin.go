package withdraw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pulsepool/fault"
	"pulsepool/ledger"
)

// AdminLedger captures the privileged ledger operations.
type AdminLedger interface {
	RetryWithdrawal(ctx context.Context, id int64, actor string, now time.Time) error
	ForceFailWithdrawal(ctx context.Context, id int64, reason, actor string, now time.Time) error
	GetWithdrawal(ctx context.Context, id int64) (*ledger.Withdrawal, error)
}

// AdminConfig wires the privileged operations.
type AdminConfig struct {
	Ledger AdminLedger
	Log    *slog.Logger
	Now    func() time.Time
}

// Admin exposes operator interventions on the withdrawal state machine.
// Every intervention is audited by the ledger alongside its balance
// movement.
type Admin struct {
	ledger AdminLedger
	log    *slog.Logger
	now    func() time.Time
}

// NewAdmin constructs the admin operations.
func NewAdmin(cfg AdminConfig) (*Admin, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("withdraw: admin requires ledger")
	}
	adm := &Admin{ledger: cfg.Ledger, log: cfg.Log, now: cfg.Now}
	if adm.log == nil {
		adm.log = slog.Default()
	}
	if adm.now == nil {
		adm.now = time.Now
	}
	return adm, nil
}

// Retry returns a failed withdrawal to the queue, re-debiting the owner.
// Rows in any other state are rejected.
func (a *Admin) Retry(ctx context.Context, id int64, actor string) error {
	err := a.ledger.RetryWithdrawal(ctx, id, actor, a.now())
	if err != nil {
		if errors.Is(err, ledger.ErrStateConflict) {
			return fmt.Errorf("%w: %v", fault.ErrInvalidInput, err)
		}
		return err
	}
	a.log.Info("withdrawal retried", "withdrawal_id", id, "actor", actor)
	return nil
}

// ForceFail pushes any withdrawal to failed, crediting the owner back when
// the row still held a live debit. Already-failed rows only get the new
// reason.
func (a *Admin) ForceFail(ctx context.Context, id int64, reason, actor string) error {
	if err := a.ledger.ForceFailWithdrawal(ctx, id, reason, actor, a.now()); err != nil {
		return err
	}
	a.log.Info("withdrawal force-failed", "withdrawal_id", id, "actor", actor, "reason", reason)
	return nil
}

// Get loads one withdrawal for operator inspection.
func (a *Admin) Get(ctx context.Context, id int64) (*ledger.Withdrawal, error) {
	return a.ledger.GetWithdrawal(ctx, id)
}
