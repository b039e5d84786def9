package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pulsepool/fault"
)

// RetryWithdrawal returns a failed row to pending with a fresh request
// time, re-debiting the owner. Rows in any other state are rejected; an
// owner who has since spent the compensated funds fails the re-debit.
func (s *Store) RetryWithdrawal(ctx context.Context, id int64, actor string, now time.Time) error {
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
		if row.Status != WithdrawalFailed {
			return fmt.Errorf("withdrawal %d in %s, only failed rows retry: %w", id, row.Status, ErrStateConflict)
		}

		var user User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", row.UserID).Error; err != nil {
			return err
		}
		newBalance, err := user.AvailableBalance.Sub(row.Amount)
		if err != nil {
			return fmt.Errorf("user %d: %w", row.UserID, fault.ErrInsufficientBalance)
		}
		res := tx.Model(&User{}).
			Where("id = ? AND available_balance >= ?", row.UserID, row.Amount).
			Update("available_balance", newBalance)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("user %d: %w", row.UserID, fault.ErrInsufficientBalance)
		}

		if err := tx.Model(&Withdrawal{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":       WithdrawalPending,
			"tx_id":        "",
			"error_text":   "",
			"requested_at": now,
			"leased_at":    nil,
			"completed_at": nil,
		}).Error; err != nil {
			return err
		}
		return appendAudit(tx, now, actor, "withdrawal.retry",
			fmt.Sprintf("withdrawal:%d", id),
			fmt.Sprintf("re-debited %s from user %d", row.Amount, row.UserID))
	})
	if err != nil {
		if errors.Is(err, fault.ErrInvalidInput) || errors.Is(err, fault.ErrInsufficientBalance) || errors.Is(err, ErrStateConflict) {
			return err
		}
		return wrapOp("retry withdrawal", err)
	}
	return nil
}

// ForceFailWithdrawal pushes any row to failed. Non-failed rows carry a
// live debit, so the owner is credited back in the same transaction; rows
// already failed only have their error text replaced.
func (s *Store) ForceFailWithdrawal(ctx context.Context, id int64, reason, actor string, now time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	reason = truncateReason(reason)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Withdrawal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("withdrawal %d: %w", id, fault.ErrInvalidInput)
			}
			return err
		}
		if row.Status == WithdrawalFailed {
			return tx.Model(&Withdrawal{}).Where("id = ?", id).Update("error_text", reason).Error
		}

		if err := tx.Model(&Withdrawal{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":     WithdrawalFailed,
			"error_text": reason,
		}).Error; err != nil {
			return err
		}
		if err := creditUser(tx, row.UserID, row.Amount); err != nil {
			return err
		}
		return appendAudit(tx, now, actor, "withdrawal.force_fail",
			fmt.Sprintf("withdrawal:%d", id),
			fmt.Sprintf("credited %s back to user %d: %s", row.Amount, row.UserID, reason))
	})
	if err != nil {
		if errors.Is(err, fault.ErrInvalidInput) {
			return err
		}
		return wrapOp("force fail withdrawal", err)
	}
	return nil
}
