package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pulsepool/core/token"
	"pulsepool/fault"
)

// InsertActivity writes one user-minute row. Duplicate rows are tolerated
// (the minute marker can be lost while the row survives); an insert routed
// outside every partition surfaces fault.ErrPartitionMissing so the caller
// can create the month and retry once.
func (s *Store) InsertActivity(ctx context.Context, row Activity) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	err := s.db.WithContext(ctx).Create(&row).Error
	switch {
	case err == nil:
		return nil
	case isDuplicateKey(err):
		return nil
	case isPartitionMissing(err):
		return fmt.Errorf("activity (%d,%d): %w", row.UserID, row.MinuteStart, fault.ErrPartitionMissing)
	default:
		return wrapOp("insert activity", err)
	}
}

// WindowActivities returns every row with minute_start in
// [fromMinute, toMinute), ordered deterministically. Credited rows are
// included: the reward engine needs them to size each minute's pool, so
// a retried minute never pays out more than its emission.
func (s *Store) WindowActivities(ctx context.Context, fromMinute, toMinute int64) ([]Activity, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var rows []Activity
	err := s.db.WithContext(ctx).
		Where("minute_start >= ? AND minute_start < ?", fromMinute, toMinute).
		Order("minute_start ASC, user_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapOp("load window activities", err)
	}
	return rows, nil
}

// RewardRow stamps one activity row with its share of the minute pool.
type RewardRow struct {
	MinuteStart int64
	Amount      token.Amount
}

// RewardCredit is one user's cycle outcome: the per-row stamps and their sum.
type RewardCredit struct {
	UserID int64
	Total  token.Amount
	Rows   []RewardRow
}

// ApplyReward credits one user's cycle total and stamps the backing rows,
// all inside one transaction. Every stamp is guarded on reward_credited = 0;
// when any row was already covered by a concurrent cycle the whole credit
// rolls back with ErrNoEligibleRows, so lifetime_earned always equals the
// sum of stamped rows.
func (s *Store) ApplyReward(ctx context.Context, credit RewardCredit) error {
	if len(credit.Rows) == 0 {
		return ErrNoEligibleRows
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", credit.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("user %d: %w", credit.UserID, fault.ErrUserNotFound)
			}
			return err
		}
		for _, row := range credit.Rows {
			res := tx.Model(&Activity{}).
				Where("user_id = ? AND minute_start = ? AND reward_credited = ?",
					credit.UserID, row.MinuteStart, token.Zero()).
				Update("reward_credited", row.Amount)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return ErrNoEligibleRows
			}
		}
		return tx.Model(&User{}).Where("id = ?", credit.UserID).Updates(map[string]interface{}{
			"available_balance": user.AvailableBalance.Add(credit.Total),
			"lifetime_earned":   user.LifetimeEarned.Add(credit.Total),
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrNoEligibleRows) || errors.Is(err, fault.ErrUserNotFound) {
			return err
		}
		return wrapOp("apply reward", err)
	}
	return nil
}

// ExpiredActivities lists rows past their retention horizon, oldest first,
// capped at limit so one retention pass stays bounded.
func (s *Store) ExpiredActivities(ctx context.Context, now time.Time, limit int) ([]Activity, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var rows []Activity
	err := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Order("minute_start ASC, user_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapOp("load expired activities", err)
	}
	return rows, nil
}

// DeleteActivities removes exactly the supplied rows by composite key.
func (s *Store) DeleteActivities(ctx context.Context, rows []Activity) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	keys := make([][]interface{}, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, []interface{}{row.UserID, row.MinuteStart})
	}
	err := s.db.WithContext(ctx).
		Where("(user_id, minute_start) IN ?", keys).
		Delete(&Activity{}).Error
	if err != nil {
		return wrapOp("delete activities", err)
	}
	return nil
}

// SumRewardCredited totals reward_credited across a user's activity rows.
// Invariant checks and stats use it; the sum runs in Go so sqlite text
// columns stay exact.
func (s *Store) SumRewardCredited(ctx context.Context, userID int64) (token.Amount, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var amounts []token.Amount
	err := s.db.WithContext(ctx).Model(&Activity{}).
		Where("user_id = ?", userID).
		Pluck("reward_credited", &amounts).Error
	if err != nil {
		return token.Zero(), wrapOp("sum reward credited", err)
	}
	total := token.Zero()
	for _, amt := range amounts {
		total = total.Add(amt)
	}
	return total, nil
}
