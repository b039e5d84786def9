package ledger

import (
	"context"
	"fmt"
	"time"
)

// Activities live in monthly range partitions keyed by minute_start so the
// retention job can drop whole months instead of deleting row by row. The
// parent is created outside AutoMigrate because gorm cannot express
// PARTITION BY.
const activitiesParentDDL = `
CREATE TABLE IF NOT EXISTS activities (
	user_id bigint NOT NULL,
	minute_start bigint NOT NULL,
	rate_snapshot bigint NOT NULL,
	reward_credited numeric(78,0) NOT NULL,
	expires_at timestamptz NOT NULL,
	PRIMARY KEY (user_id, minute_start)
) PARTITION BY RANGE (minute_start)`

const activitiesExpiryIndexDDL = `
CREATE INDEX IF NOT EXISTS idx_activities_expires_at ON activities (expires_at)`

// partitionName returns the child table for the month containing t.
func partitionName(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("activities_%04d%02d", t.Year(), int(t.Month()))
}

// monthRange returns the UTC month boundaries around t as epoch seconds.
func monthRange(t time.Time) (int64, int64) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start.Unix(), start.AddDate(0, 1, 0).Unix()
}

// EnsureActivityPartition idempotently creates the month partition covering
// the supplied minute. A no-op on sqlite, where activities is one table.
func (s *Store) EnsureActivityPartition(ctx context.Context, minuteStart int64) error {
	if s.driver != "postgres" {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	at := time.Unix(minuteStart, 0).UTC()
	from, to := monthRange(at)
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF activities FOR VALUES FROM (%d) TO (%d)",
		partitionName(at), from, to,
	)
	if err := s.db.WithContext(ctx).Exec(ddl).Error; err != nil {
		return wrapOp("ensure partition "+partitionName(at), err)
	}
	return nil
}

// DropActivityPartitionsBefore drops every month partition whose range ends
// before cutoff. Row-level retention inside the boundary month is handled
// separately. Returns the dropped table names.
func (s *Store) DropActivityPartitionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	if s.driver != "postgres" {
		return nil, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var names []string
	err := s.db.WithContext(ctx).Raw(
		`SELECT c.relname FROM pg_catalog.pg_class c
		 JOIN pg_catalog.pg_inherits i ON c.oid = i.inhrelid
		 WHERE i.inhparent = 'activities'::regclass ORDER BY c.relname`,
	).Scan(&names).Error
	if err != nil {
		return nil, wrapOp("list partitions", err)
	}
	cutoffStart, _ := monthRange(cutoff.UTC())
	dropped := make([]string, 0, len(names))
	for _, name := range names {
		var year int
		var month int
		if _, err := fmt.Sscanf(name, "activities_%4d%2d", &year, &month); err != nil {
			continue
		}
		_, end := monthRange(time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC))
		if end > cutoffStart {
			continue
		}
		if err := s.db.WithContext(ctx).Exec("DROP TABLE IF EXISTS " + name).Error; err != nil {
			return dropped, wrapOp("drop partition "+name, err)
		}
		dropped = append(dropped, name)
	}
	return dropped, nil
}
