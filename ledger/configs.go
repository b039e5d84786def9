package ledger

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// LoadConfigEntries returns every runtime tunable row.
func (s *Store) LoadConfigEntries(ctx context.Context) ([]ConfigEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var entries []ConfigEntry
	if err := s.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, wrapOp("load config", err)
	}
	return entries, nil
}

// UpsertConfigEntry writes one tunable. Validation happens in the config
// plane; the store only persists.
func (s *Store) UpsertConfigEntry(ctx context.Context, key string, value *string, now time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	entry := ConfigEntry{Key: key, Value: value, UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return wrapOp("upsert config "+key, err)
	}
	return nil
}

// SeedConfigEntries inserts only the keys that do not exist yet, leaving
// operator-set values untouched across restarts.
func (s *Store) SeedConfigEntries(ctx context.Context, entries []ConfigEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}).Create(&entries).Error
	if err != nil {
		return wrapOp("seed config", err)
	}
	return nil
}
