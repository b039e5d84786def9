package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pulsepool/core/token"
	"pulsepool/fault"
)

// maxErrorTextLen bounds operator-supplied and chain-supplied failure text.
const maxErrorTextLen = 512

func truncateReason(reason string) string {
	if len(reason) <= maxErrorTextLen {
		return reason
	}
	// Back off to a rune boundary so the stored text stays valid UTF-8.
	cut := maxErrorTextLen
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// WithdrawalRequest carries one request-path invocation. Destination
// defaults to the owner's wallet. DailyCap nil means uncapped; DaySince is
// the local-day start the cap window opens at.
type WithdrawalRequest struct {
	UserID         int64
	Amount         token.Amount
	Destination    string
	IdempotencyKey *string
	DailyCap       *token.Amount
	DaySince       time.Time
	Now            time.Time
}

// RequestWithdrawal atomically debits the owner and enqueues a pending row.
// The idempotency lookup runs before the debit inside the same locked
// transaction, so a replayed key returns the original row with no second
// debit; the unique (user_id, idempotency_key) index backstops races.
func (s *Store) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var withdrawalID int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", req.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("user %d: %w", req.UserID, fault.ErrUserNotFound)
			}
			return err
		}

		if req.IdempotencyKey != nil {
			var existing Withdrawal
			err := tx.Where("user_id = ? AND idempotency_key = ?", req.UserID, *req.IdempotencyKey).First(&existing).Error
			switch {
			case err == nil:
				withdrawalID = existing.ID
				return nil
			case errors.Is(err, gorm.ErrRecordNotFound):
			default:
				return err
			}
		}

		if req.DailyCap != nil {
			var spent []token.Amount
			err := tx.Model(&Withdrawal{}).
				Where("user_id = ? AND status IN ? AND requested_at >= ?",
					req.UserID,
					[]WithdrawalStatus{WithdrawalPending, WithdrawalProcessing, WithdrawalCompleted},
					req.DaySince).
				Pluck("amount", &spent).Error
			if err != nil {
				return err
			}
			total := req.Amount
			for _, amt := range spent {
				total = total.Add(amt)
			}
			if total.Cmp(*req.DailyCap) > 0 {
				return fmt.Errorf("user %d daily cap: %w", req.UserID, fault.ErrDailyLimitExceeded)
			}
		}

		newBalance, err := user.AvailableBalance.Sub(req.Amount)
		if err != nil {
			return fmt.Errorf("user %d: %w", req.UserID, fault.ErrInsufficientBalance)
		}
		res := tx.Model(&User{}).
			Where("id = ? AND available_balance >= ?", req.UserID, req.Amount).
			Update("available_balance", newBalance)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("user %d: %w", req.UserID, fault.ErrInsufficientBalance)
		}

		destination := req.Destination
		if destination == "" {
			destination = user.WalletAddress
		}
		row := Withdrawal{
			UserID:            req.UserID,
			Amount:            req.Amount,
			DestinationWallet: destination,
			Status:            WithdrawalPending,
			RequestedAt:       req.Now,
			IdempotencyKey:    req.IdempotencyKey,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		withdrawalID = row.ID
		return nil
	})
	if err != nil {
		if isDuplicateKey(err) && req.IdempotencyKey != nil {
			// Raced another request with the same key; the debit above
			// rolled back with the transaction. Return the winner.
			var existing Withdrawal
			ferr := s.db.WithContext(ctx).
				Where("user_id = ? AND idempotency_key = ?", req.UserID, *req.IdempotencyKey).
				First(&existing).Error
			if ferr == nil {
				return existing.ID, nil
			}
		}
		if errors.Is(err, fault.ErrUserNotFound) ||
			errors.Is(err, fault.ErrInsufficientBalance) ||
			errors.Is(err, fault.ErrDailyLimitExceeded) {
			return 0, err
		}
		return 0, wrapOp("request withdrawal", err)
	}
	return withdrawalID, nil
}

// ClaimNextWithdrawal locks and marks one job processing: the oldest
// pending row first, otherwise a processing row whose lease lapsed before
// staleBefore. Rows locked by concurrent workers are skipped, not awaited.
// Claims stamp leased_at and reclaims renew it; requested_at is never
// touched, so daily-cap windows keep the true request time. The returned
// flag reports a reclaim so the worker can account for the re-submission
// risk.
func (s *Store) ClaimNextWithdrawal(ctx context.Context, now, staleBefore time.Time) (*Withdrawal, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var claimed Withdrawal
	var reclaimed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locking := clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}
		var row Withdrawal
		err := tx.Clauses(locking).
			Where("status = ?", WithdrawalPending).
			Order("requested_at ASC").
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = tx.Clauses(locking).
				Where("status = ? AND leased_at < ?", WithdrawalProcessing, staleBefore).
				Order("leased_at ASC").
				First(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoPendingWithdrawals
			}
			if err != nil {
				return err
			}
			reclaimed = true
		} else if err != nil {
			return err
		}
		updates := map[string]interface{}{"status": WithdrawalProcessing, "leased_at": now}
		if err := tx.Model(&Withdrawal{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			return err
		}
		lease := now
		row.LeasedAt = &lease
		row.Status = WithdrawalProcessing
		claimed = row
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoPendingWithdrawals) {
			return nil, false, err
		}
		return nil, false, wrapOp("claim withdrawal", err)
	}
	return &claimed, reclaimed, nil
}

// CompleteWithdrawal finalises a settled job. The status guard keeps a
// racing reclaim from overwriting a finished row.
func (s *Store) CompleteWithdrawal(ctx context.Context, id int64, txID string, at time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res := s.db.WithContext(ctx).Model(&Withdrawal{}).
		Where("id = ? AND status = ?", id, WithdrawalProcessing).
		Updates(map[string]interface{}{
			"tx_id":        txID,
			"status":       WithdrawalCompleted,
			"completed_at": at,
		})
	if res.Error != nil {
		return wrapOp("complete withdrawal", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("withdrawal %d not processing: %w", id, ErrStateConflict)
	}
	return nil
}

// FailWithdrawal marks a processing job failed and restores the owner's
// balance, both in one transaction. A row no longer processing (completed
// by a racing worker) is never compensated.
func (s *Store) FailWithdrawal(ctx context.Context, id int64, reason string, at time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Withdrawal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("withdrawal %d: %w", id, fault.ErrInvalidInput)
			}
			return err
		}
		if row.Status != WithdrawalProcessing {
			return fmt.Errorf("withdrawal %d in %s: %w", id, row.Status, ErrStateConflict)
		}
		res := tx.Model(&Withdrawal{}).
			Where("id = ? AND status = ?", id, WithdrawalProcessing).
			Updates(map[string]interface{}{
				"status":     WithdrawalFailed,
				"error_text": truncateReason(reason),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("withdrawal %d: %w", id, ErrStateConflict)
		}
		if err := creditUser(tx, row.UserID, row.Amount); err != nil {
			return err
		}
		return appendAudit(tx, at, "settlement-worker", "withdrawal.compensated",
			fmt.Sprintf("withdrawal:%d", id),
			fmt.Sprintf("credited %s back to user %d: %s", row.Amount, row.UserID, truncateReason(reason)))
	})
	if err != nil {
		if errors.Is(err, ErrStateConflict) || errors.Is(err, fault.ErrInvalidInput) {
			return err
		}
		return wrapOp("fail withdrawal", err)
	}
	return nil
}

// creditUser adds amount to a row-locked user's available balance. Caller
// must already be inside a transaction.
func creditUser(tx *gorm.DB, userID int64, amount token.Amount) error {
	var user User
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", userID).Error; err != nil {
		return err
	}
	return tx.Model(&User{}).Where("id = ?", userID).
		Update("available_balance", user.AvailableBalance.Add(amount)).Error
}

// GetWithdrawal loads one row by id.
func (s *Store) GetWithdrawal(ctx context.Context, id int64) (*Withdrawal, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var row Withdrawal
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("withdrawal %d: %w", id, fault.ErrInvalidInput)
	}
	if err != nil {
		return nil, wrapOp("load withdrawal", err)
	}
	return &row, nil
}

// CompletedWithdrawalsBefore lists completed rows older than cutoff for the
// retention job, oldest first.
func (s *Store) CompletedWithdrawalsBefore(ctx context.Context, cutoff time.Time, limit int) ([]Withdrawal, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var rows []Withdrawal
	err := s.db.WithContext(ctx).
		Where("status = ? AND completed_at < ?", WithdrawalCompleted, cutoff).
		Order("completed_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapOp("load old completed withdrawals", err)
	}
	return rows, nil
}

// DeleteWithdrawals removes rows by id.
func (s *Store) DeleteWithdrawals(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.db.WithContext(ctx).Delete(&Withdrawal{}, ids).Error; err != nil {
		return wrapOp("delete withdrawals", err)
	}
	return nil
}
