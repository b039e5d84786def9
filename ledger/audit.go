package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func appendAudit(tx *gorm.DB, at time.Time, actor, action, subject, details string) error {
	return tx.Create(&AuditEvent{
		ID:        uuid.New(),
		Actor:     actor,
		Action:    action,
		Subject:   subject,
		Details:   details,
		CreatedAt: at,
	}).Error
}

// AppendAudit records a standalone audit event outside any caller
// transaction.
func (s *Store) AppendAudit(ctx context.Context, actor, action, subject, details string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := appendAudit(s.db.WithContext(ctx), time.Now().UTC(), actor, action, subject, details); err != nil {
		return wrapOp("append audit", err)
	}
	return nil
}

// AuditEventsFor lists a subject's audit trail, newest first.
func (s *Store) AuditEventsFor(ctx context.Context, subject string, limit int) ([]AuditEvent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var events []AuditEvent
	err := s.db.WithContext(ctx).
		Where("subject = ?", subject).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, wrapOp("list audit events", err)
	}
	return events, nil
}
