package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"pulsepool/fault"
)

// RegisterUser finds or creates the user owning wallet (stored lowercase).
// Re-registration refreshes the device label and reported rate; first write
// wins the id.
func (s *Store) RegisterUser(ctx context.Context, wallet, deviceType string, reportedRate int64) (*User, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	db := s.db.WithContext(ctx)

	apply := func(user *User) error {
		updates := map[string]interface{}{}
		if deviceType != "" && deviceType != user.DeviceType {
			updates["device_type"] = deviceType
		}
		if reportedRate > 0 && reportedRate != user.ReportedRate {
			updates["reported_rate"] = reportedRate
		}
		if len(updates) == 0 {
			return nil
		}
		return db.Model(user).Updates(updates).Error
	}

	var user User
	err := db.Where("wallet_address = ?", wallet).First(&user).Error
	switch {
	case err == nil:
		if err := apply(&user); err != nil {
			return nil, wrapOp("refresh user", err)
		}
		return &user, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, wrapOp("lookup user by wallet", err)
	}

	user = User{
		WalletAddress: wallet,
		DeviceType:    deviceType,
		ReportedRate:  reportedRate,
		Status:        UserOffline,
	}
	if err := db.Create(&user).Error; err != nil {
		if isDuplicateKey(err) {
			// Lost a registration race; the earlier row wins.
			var existing User
			if ferr := db.Where("wallet_address = ?", wallet).First(&existing).Error; ferr == nil {
				return &existing, nil
			}
		}
		return nil, wrapOp("create user", err)
	}
	return &user, nil
}

// GetUser loads one user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var user User
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %d: %w", id, fault.ErrUserNotFound)
	}
	if err != nil {
		return nil, wrapOp("load user", err)
	}
	return &user, nil
}

// GetUserByWallet loads one user by lowercase wallet address.
func (s *Store) GetUserByWallet(ctx context.Context, wallet string) (*User, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var user User
	err := s.db.WithContext(ctx).Where("wallet_address = ?", strings.ToLower(strings.TrimSpace(wallet))).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("wallet %s: %w", wallet, fault.ErrUserNotFound)
	}
	if err != nil {
		return nil, wrapOp("load user by wallet", err)
	}
	return &user, nil
}

// UpdateReportedRate replaces a user's self-reported contribution rate.
func (s *Store) UpdateReportedRate(ctx context.Context, id, rate int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Update("reported_rate", rate)
	if res.Error != nil {
		return wrapOp("update reported rate", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %d: %w", id, fault.ErrUserNotFound)
	}
	return nil
}

// TouchLiveness records a signal: last_signal_at moves forward and the user
// flips online in one statement.
func (s *Store) TouchLiveness(ctx context.Context, id int64, at time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_signal_at": at,
		"status":         UserOnline,
	})
	if res.Error != nil {
		return wrapOp("touch liveness", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %d: %w", id, fault.ErrUserNotFound)
	}
	return nil
}

// MarkStaleOffline flips every online user whose last signal predates
// cutoff. One statement, no per-user state.
func (s *Store) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res := s.db.WithContext(ctx).Model(&User{}).
		Where("status = ? AND last_signal_at < ?", UserOnline, cutoff).
		Update("status", UserOffline)
	if res.Error != nil {
		return 0, wrapOp("mark stale offline", res.Error)
	}
	return res.RowsAffected, nil
}

// CountOnline returns the number of users currently marked online.
func (s *Store) CountOnline(ctx context.Context) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("status = ?", UserOnline).Count(&count).Error; err != nil {
		return 0, wrapOp("count online", err)
	}
	return count, nil
}

// OnlineReportedRate sums reported_rate across online users; the aggregate
// stays well inside int64 given the per-user cap.
func (s *Store) OnlineReportedRate(ctx context.Context) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var total *int64
	err := s.db.WithContext(ctx).Model(&User{}).
		Select("SUM(reported_rate)").Where("status = ?", UserOnline).Scan(&total).Error
	if err != nil {
		return 0, wrapOp("sum online rate", err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}
