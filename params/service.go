package params

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pulsepool/ledger"
)

// DefaultCacheTTL bounds how stale a served snapshot may be.
const DefaultCacheTTL = 30 * time.Second

// Ledger captures the subset of ledger capabilities required by the
// parameter service.
type Ledger interface {
	LoadConfigEntries(ctx context.Context) ([]ledger.ConfigEntry, error)
	UpsertConfigEntry(ctx context.Context, key string, value *string, now time.Time) error
	SeedConfigEntries(ctx context.Context, entries []ledger.ConfigEntry) error
	AppendAudit(ctx context.Context, actor, action, subject, details string) error
}

// Config wires a parameter service.
type Config struct {
	Ledger Ledger
	TTL    time.Duration
	Now    func() time.Time
}

// Service serves typed snapshots of the runtime tunables behind a small TTL
// cache and applies validated writes.
type Service struct {
	ledger Ledger
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	cached   Snapshot
	loadedAt time.Time
}

// New constructs a parameter service. TTL defaults to DefaultCacheTTL and
// Now to time.Now.
func New(cfg Config) (*Service, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("params: ledger not configured")
	}
	svc := &Service{ledger: cfg.Ledger, ttl: cfg.TTL, now: cfg.Now}
	if svc.ttl <= 0 {
		svc.ttl = DefaultCacheTTL
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc, nil
}

// Snapshot returns the cached snapshot, reloading from the ledger once the
// TTL has lapsed. Concurrent callers during a reload each load; last write
// wins, which is harmless because every load observes committed rows.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	now := s.now()
	s.mu.RLock()
	if !s.loadedAt.IsZero() && now.Sub(s.loadedAt) < s.ttl {
		snap := s.cached
		s.mu.RUnlock()
		return snap, nil
	}
	s.mu.RUnlock()

	entries, err := s.ledger.LoadConfigEntries(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := snapshotFrom(entries)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	s.cached = snap
	s.loadedAt = now
	s.mu.Unlock()
	return snap, nil
}

// Set validates and persists one tunable, records who changed it and drops
// the cache so the next Snapshot observes the write.
func (s *Service) Set(ctx context.Context, actor, key string, value *string) error {
	if err := validateValue(key, value); err != nil {
		return err
	}
	now := s.now()
	if err := s.ledger.UpsertConfigEntry(ctx, key, value, now); err != nil {
		return err
	}
	rendered := "NULL"
	if value != nil {
		rendered = *value
	}
	if err := s.ledger.AppendAudit(ctx, actor, "config.set", "config:"+key, rendered); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

// Seed inserts defaults for any key missing from the table. Existing rows
// are left untouched.
func (s *Service) Seed(ctx context.Context) error {
	return s.ledger.SeedConfigEntries(ctx, DefaultEntries(s.now()))
}

// Invalidate drops the cached snapshot.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.loadedAt = time.Time{}
	s.mu.Unlock()
}
