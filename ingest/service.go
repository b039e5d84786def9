// Package ingest accepts worker liveness signals and maintains the
// per-minute activity rows rewards are attributed to.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"pulsepool/ephemeral"
	"pulsepool/fault"
	"pulsepool/ledger"
	"pulsepool/observability"
	"pulsepool/params"
)

// MaxSignalsPerMinute bounds how many signals one user may land in a single
// minute bucket before the counter trips.
const MaxSignalsPerMinute = 15

// Ledger captures the subset of ledger capabilities required by ingest.
type Ledger interface {
	GetUser(ctx context.Context, id int64) (*ledger.User, error)
	TouchLiveness(ctx context.Context, id int64, at time.Time) error
	InsertActivity(ctx context.Context, row ledger.Activity) error
	EnsureActivityPartition(ctx context.Context, minuteStart int64) error
}

// Params serves runtime tunables.
type Params interface {
	Snapshot(ctx context.Context) (params.Snapshot, error)
}

// Config wires an ingest service.
type Config struct {
	Ledger  Ledger
	Cache   ephemeral.Store
	Params  Params
	Log     *slog.Logger
	Metrics *observability.IngestMetrics
	Now     func() time.Time
}

// Service is the signal ingest path. Every call touches only the ledger and
// the ephemeral store; dedup across replicas rides on the ephemeral minute
// marker with the activity primary key as the hard backstop.
type Service struct {
	ledger  Ledger
	cache   ephemeral.Store
	params  Params
	log     *slog.Logger
	metrics *observability.IngestMetrics
	now     func() time.Time
}

// New constructs an ingest service.
func New(cfg Config) (*Service, error) {
	if cfg.Ledger == nil || cfg.Cache == nil || cfg.Params == nil {
		return nil, fmt.Errorf("ingest: ledger, cache and params are required")
	}
	svc := &Service{
		ledger:  cfg.Ledger,
		cache:   cfg.Cache,
		params:  cfg.Params,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if svc.log == nil {
		svc.log = slog.Default()
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc, nil
}

// Result reports what one accepted signal did.
type Result struct {
	MinuteStart  int64
	RateSnapshot int64
	// Inserted is true for the first accepted signal of the minute.
	Inserted bool
}

// RecordSignal processes one liveness signal: resolve the reported rate,
// enforce the per-minute counter, refresh ledger liveness and claim the
// minute for at most one activity row. Ephemeral-store failures degrade to
// the ledger's own idempotency instead of rejecting the signal.
func (s *Service) RecordSignal(ctx context.Context, userID int64) (Result, error) {
	now := s.now()
	snap, err := s.params.Snapshot(ctx)
	if err != nil {
		s.metrics.ObserveSignal("error")
		return Result{}, err
	}

	rate, err := s.reportedRate(ctx, userID)
	if err != nil {
		if errors.Is(err, fault.ErrUserNotFound) {
			s.metrics.ObserveSignal("user_not_found")
		} else {
			s.metrics.ObserveSignal("error")
		}
		return Result{}, err
	}

	bucket := now.UnixMilli() / 60_000

	count, err := s.cache.Incr(ctx, ephemeral.RateLimitKey(userID, bucket), ephemeral.RateLimitTTL)
	if err != nil {
		s.log.Warn("rate-limit counter unavailable, admitting signal", "user_id", userID, "error", err)
	} else if count > MaxSignalsPerMinute {
		s.metrics.ObserveSignal("rate_limited")
		return Result{}, fmt.Errorf("%w: %d signals in minute %d", fault.ErrRateLimited, count, bucket)
	}

	if err := s.ledger.TouchLiveness(ctx, userID, now); err != nil {
		if errors.Is(err, fault.ErrUserNotFound) {
			s.metrics.ObserveSignal("user_not_found")
		} else {
			s.metrics.ObserveSignal("error")
		}
		return Result{}, err
	}
	if err := s.cache.Set(ctx, ephemeral.LastSeenKey(userID), strconv.FormatInt(now.UnixMilli(), 10), ephemeral.LastSeenTTL); err != nil {
		s.log.Warn("last-seen mirror write failed", "user_id", userID, "error", err)
	}

	result := Result{MinuteStart: bucket * 60, RateSnapshot: rate}

	claimed, err := s.cache.SetNX(ctx, ephemeral.MinuteMarkerKey(userID, bucket), "1", ephemeral.MinuteMarkerTTL)
	if err != nil {
		// Insert anyway; the (user, minute) primary key dedups.
		s.log.Warn("minute marker unavailable, relying on ledger dedup", "user_id", userID, "error", err)
		claimed = true
	}
	if !claimed {
		s.metrics.ObserveSignal("duplicate")
		return result, nil
	}

	row := ledger.Activity{
		UserID:       userID,
		MinuteStart:  result.MinuteStart,
		RateSnapshot: rate,
		ExpiresAt:    now.Add(time.Duration(snap.RetentionDays) * 24 * time.Hour),
	}
	if err := s.insertWithPartitionRetry(ctx, row); err != nil {
		s.metrics.ObserveSignal("error")
		return Result{}, err
	}
	result.Inserted = true
	s.metrics.ObserveSignal("accepted")
	s.metrics.IncActivityRow()
	return result, nil
}

// insertWithPartitionRetry ensures the target month partition exists and
// retries exactly once when the first insert lands outside any partition.
func (s *Service) insertWithPartitionRetry(ctx context.Context, row ledger.Activity) error {
	err := s.ledger.InsertActivity(ctx, row)
	if err == nil || !errors.Is(err, fault.ErrPartitionMissing) {
		return err
	}
	s.log.Info("activity partition missing, creating", "minute_start", row.MinuteStart)
	if err := s.ledger.EnsureActivityPartition(ctx, row.MinuteStart); err != nil {
		return err
	}
	return s.ledger.InsertActivity(ctx, row)
}

// reportedRate serves the rate snapshot from the ephemeral cache, falling
// back to the user row and backfilling the cache. The ledger read doubles as
// the existence check.
func (s *Service) reportedRate(ctx context.Context, userID int64) (int64, error) {
	if raw, ok, err := s.cache.Get(ctx, ephemeral.RateCacheKey(userID)); err == nil && ok {
		if rate, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			return rate, nil
		}
	}
	user, err := s.ledger.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.cache.Set(ctx, ephemeral.RateCacheKey(userID), strconv.FormatInt(user.ReportedRate, 10), ephemeral.RateCacheTTL); err != nil {
		s.log.Warn("rate cache write failed", "user_id", userID, "error", err)
	}
	return user.ReportedRate, nil
}

// InvalidateRate drops the cached rate snapshot after a rate update so the
// next signal observes the new value.
func (s *Service) InvalidateRate(ctx context.Context, userID int64) {
	if err := s.cache.Del(ctx, ephemeral.RateCacheKey(userID)); err != nil {
		s.log.Warn("rate cache invalidation failed", "user_id", userID, "error", err)
	}
}
