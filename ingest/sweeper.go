package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pulsepool/observability"
)

// SweepLedger captures the single ledger statement the sweeper issues.
type SweepLedger interface {
	MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweeperConfig wires a liveness sweeper.
type SweeperConfig struct {
	Ledger  SweepLedger
	Params  Params
	Log     *slog.Logger
	Metrics *observability.IngestMetrics
	Now     func() time.Time
}

// Sweeper flips users offline once their last signal is older than the
// configured threshold. One UPDATE per pass; no per-user work.
type Sweeper struct {
	ledger  SweepLedger
	params  Params
	log     *slog.Logger
	metrics *observability.IngestMetrics
	now     func() time.Time
}

// NewSweeper constructs a liveness sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Ledger == nil || cfg.Params == nil {
		return nil, fmt.Errorf("ingest: sweeper requires ledger and params")
	}
	sw := &Sweeper{
		ledger:  cfg.Ledger,
		params:  cfg.Params,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if sw.log == nil {
		sw.log = slog.Default()
	}
	if sw.now == nil {
		sw.now = time.Now
	}
	return sw, nil
}

// RunOnce executes one sweep and returns the delay until the next. The pace
// tracks the configured threshold so an operator shrinking it tightens the
// sweep cadence on the next pass.
func (s *Sweeper) RunOnce(ctx context.Context) time.Duration {
	snap, err := s.params.Snapshot(ctx)
	if err != nil {
		s.log.Error("liveness sweep: load config", "error", err)
		return time.Minute
	}
	cutoff := s.now().Add(-snap.OfflineThreshold)
	marked, err := s.ledger.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		s.log.Error("liveness sweep failed", "error", err)
		return time.Minute
	}
	if marked > 0 {
		s.metrics.AddMarkedOffline(marked)
		s.log.Info("liveness sweep marked users offline", "count", marked)
	}
	return snap.OfflineThreshold / 2
}
