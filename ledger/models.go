package ledger

import (
	"time"

	"github.com/google/uuid"

	"pulsepool/core/token"
)

// UserStatus is the liveness state maintained by ingest and the sweeper.
type UserStatus string

const (
	UserOnline  UserStatus = "online"
	UserOffline UserStatus = "offline"
)

// MaxReportedRate caps the self-reported contribution rate.
const MaxReportedRate int64 = 1_000_000_000_000

// User is a pool participant. Balances are mutated only inside transactions
// owned by the reward engine, the withdrawal pipeline and admin operations.
type User struct {
	ID               int64  `gorm:"primaryKey"`
	WalletAddress    string `gorm:"size:42;not null;uniqueIndex"`
	DeviceType       string `gorm:"size:64"`
	ReportedRate     int64  `gorm:"not null"`
	AvailableBalance token.Amount
	LifetimeEarned   token.Amount
	LastSignalAt     *time.Time
	Status           UserStatus `gorm:"size:16;not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Activity is one user-minute of recorded liveness, the unit of reward
// attribution. MinuteStart is epoch seconds at a UTC minute boundary; on
// postgres the table is range-partitioned on it by month.
type Activity struct {
	UserID         int64 `gorm:"primaryKey;autoIncrement:false"`
	MinuteStart    int64 `gorm:"primaryKey;autoIncrement:false"`
	RateSnapshot   int64 `gorm:"not null"`
	RewardCredited token.Amount
	ExpiresAt      time.Time `gorm:"not null;index"`
}

// WithdrawalStatus is the settlement state machine.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// Withdrawal is one debit-backed settlement request. IdempotencyKey is
// unique per user when present; NULL keys stay distinct. RequestedAt never
// moves after insert so daily-cap windows stay true; LeasedAt is the worker
// lease, set on claim and renewed on reclaim.
type Withdrawal struct {
	ID                int64            `gorm:"primaryKey"`
	UserID            int64            `gorm:"not null;index;uniqueIndex:idx_withdrawals_user_idem,priority:1"`
	Amount            token.Amount     `gorm:"not null"`
	DestinationWallet string           `gorm:"size:42;not null"`
	Status            WithdrawalStatus `gorm:"size:16;not null;index:idx_withdrawals_claim,priority:1"`
	TxID              string           `gorm:"size:80"`
	RequestedAt       time.Time        `gorm:"not null;index:idx_withdrawals_claim,priority:2"`
	LeasedAt          *time.Time
	CompletedAt       *time.Time
	ErrorText         string  `gorm:"size:512"`
	IdempotencyKey    *string `gorm:"size:128;uniqueIndex:idx_withdrawals_user_idem,priority:2"`
}

// ConfigEntry is one runtime tunable. Value is NULL only for keys whose
// contract allows it.
type ConfigEntry struct {
	Key       string  `gorm:"primaryKey;size:64"`
	Value     *string `gorm:"size:128"`
	UpdatedAt time.Time
}

// AuditEvent records privileged and compensating actions for operator
// review.
type AuditEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Actor     string    `gorm:"size:128"`
	Action    string    `gorm:"size:64;not null;index"`
	Subject   string    `gorm:"size:128"`
	Details   string    `gorm:"size:1024"`
	CreatedAt time.Time
}
