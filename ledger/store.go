// Package ledger owns every durable table and every transactional mutation
// of the pool: users and balances, per-minute activity rows in monthly
// partitions, the withdrawal state machine, runtime config entries and the
// audit trail. Callers get semantic operations; SQL never leaks out.
package ledger

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pulsepool/fault"
)

// defaultOpTimeout bounds every store call; breaching it fails the
// enclosing operation rather than wedging a worker.
const defaultOpTimeout = 30 * time.Second

// ErrNoEligibleRows reports that a guarded reward write matched nothing,
// meaning another cycle already credited the window.
var ErrNoEligibleRows = errors.New("ledger: no eligible activity rows")

// ErrNoPendingWithdrawals reports an empty claim tick.
var ErrNoPendingWithdrawals = errors.New("ledger: no claimable withdrawals")

// ErrStateConflict reports a guarded state transition that found the row in
// a different state than required.
var ErrStateConflict = errors.New("ledger: withdrawal state conflict")

// Config selects and sizes the underlying database.
type Config struct {
	// Driver is "postgres" or "sqlite".
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// OpTimeout overrides the per-call deadline; zero keeps the default.
	OpTimeout time.Duration
}

// Store is the durable ledger handle shared by all components.
type Store struct {
	db      *gorm.DB
	driver  string
	timeout time.Duration
}

// Open connects, applies pool settings and returns the store. Migration is
// a separate explicit step.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("ledger: unsupported driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", cfg.Driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("ledger: unwrap sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	driverName := cfg.Driver
	if driverName == "" {
		driverName = "sqlite"
	}
	return &Store{db: db, driver: driverName, timeout: timeout}, nil
}

// NewWithDB wraps an already-open gorm handle. Tests use it with in-memory
// sqlite.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db, driver: db.Dialector.Name(), timeout: defaultOpTimeout}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates the schema. On postgres the activities table is
// created as a range-partitioned parent before AutoMigrate runs, and the
// current and next month partitions are ensured.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	db := s.db.WithContext(ctx)
	models := []interface{}{&User{}, &Withdrawal{}, &ConfigEntry{}, &AuditEvent{}}
	if s.driver == "postgres" {
		if err := db.Exec(activitiesParentDDL).Error; err != nil {
			return fmt.Errorf("ledger: create activities parent: %w", err)
		}
		if err := db.Exec(activitiesExpiryIndexDDL).Error; err != nil {
			return fmt.Errorf("ledger: create activities expiry index: %w", err)
		}
	} else {
		models = append(models, &Activity{})
	}
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("ledger: automigrate: %w", err)
	}
	if s.driver == "postgres" {
		now := time.Now().UTC()
		for _, at := range []time.Time{now, now.AddDate(0, 1, 0)} {
			if err := s.EnsureActivityPartition(ctx, at.Unix()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Ping reports connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// isDuplicateKey matches unique-constraint violations across dialects; the
// gorm translation covers postgres, the substrings cover sqlite.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// isPartitionMissing matches the postgres routing error raised when an
// insert lands outside every existing partition.
func isPartitionMissing(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no partition of relation")
}

// wrapOp decorates a driver error with the failing operation, tagging
// transient failures so callers can classify retries.
func wrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("ledger: %s: %w", op, errors.Join(fault.ErrTransientLedger, err))
	}
	return fmt.Errorf("ledger: %s: %w", op, err)
}

// isTransient matches failures worth retrying on the next tick of a
// periodic task: deadlocks, serialization aborts, dropped connections.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"deadlock detected",
		"could not serialize access",
		"connection reset",
		"broken pipe",
		"connection refused",
		"bad connection",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
