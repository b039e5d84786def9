// Package rewards distributes the per-minute emission pool across recorded
// activity in proportion to each row's rate snapshot.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pulsepool/core/token"
	"pulsepool/ledger"
	"pulsepool/observability"
	"pulsepool/params"
)

// errorRetryDelay paces the next attempt after a failed cycle.
const errorRetryDelay = time.Minute

// Ledger captures the subset of ledger capabilities required by the engine.
type Ledger interface {
	WindowActivities(ctx context.Context, fromMinute, toMinute int64) ([]ledger.Activity, error)
	ApplyReward(ctx context.Context, credit ledger.RewardCredit) error
}

// Params serves runtime tunables.
type Params interface {
	Snapshot(ctx context.Context) (params.Snapshot, error)
}

// Config wires a reward engine.
type Config struct {
	Ledger  Ledger
	Params  Params
	Log     *slog.Logger
	Metrics *observability.RewardMetrics
	Now     func() time.Time
}

// Engine runs reward cycles. Each cycle reads one config snapshot, splits
// every eligible minute's pool and credits users one transaction at a time,
// so a single bad account never poisons the rest of the cycle.
type Engine struct {
	ledger  Ledger
	params  Params
	log     *slog.Logger
	metrics *observability.RewardMetrics
	tracer  trace.Tracer
	now     func() time.Time
}

// New constructs a reward engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil || cfg.Params == nil {
		return nil, fmt.Errorf("rewards: ledger and params are required")
	}
	engine := &Engine{
		ledger:  cfg.Ledger,
		params:  cfg.Params,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		tracer:  otel.Tracer("pulsepool/rewards"),
		now:     cfg.Now,
	}
	if engine.log == nil {
		engine.log = slog.Default()
	}
	if engine.now == nil {
		engine.now = time.Now
	}
	return engine, nil
}

// CycleReport summarises one cycle.
type CycleReport struct {
	FromMinute      int64
	ToMinute        int64
	RowsSeen        int
	UsersCredited   int
	UsersSkipped    int
	MinutesCredited int64
	TotalCredited   token.Amount
	NextInterval    time.Duration
}

// RunCycle executes one full reward pass over the window ending at the
// current minute.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	started := e.now()
	ctx, span := e.tracer.Start(ctx, "rewards.run_cycle")
	defer span.End()
	snap, err := e.params.Snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.ObserveCycle("error", e.now().Sub(started))
		return CycleReport{}, fmt.Errorf("rewards: load config: %w", err)
	}

	emission := EmissionPerMinute(snap)
	to := floorMinute(started)
	from := to - int64(snap.RewardInterval/time.Minute)*60
	span.SetAttributes(
		attribute.Int64("window.from_minute", from),
		attribute.Int64("window.to_minute", to),
	)
	report := CycleReport{
		FromMinute:    from,
		ToMinute:      to,
		TotalCredited: token.Zero(),
		NextInterval:  snap.RewardInterval,
	}

	rows, err := e.ledger.WindowActivities(ctx, from, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.ObserveCycle("error", e.now().Sub(started))
		return report, fmt.Errorf("rewards: load window [%d,%d): %w", from, to, err)
	}
	for _, row := range rows {
		if row.RewardCredited.IsZero() {
			report.RowsSeen++
		}
	}
	if report.RowsSeen == 0 {
		span.SetStatus(codes.Ok, "window empty")
		e.metrics.ObserveCycle("empty", e.now().Sub(started))
		return report, nil
	}

	for _, credit := range SplitWindow(rows, emission) {
		if err := e.ledger.ApplyReward(ctx, credit); err != nil {
			report.UsersSkipped++
			if errors.Is(err, ledger.ErrNoEligibleRows) {
				// A concurrent cycle got there first; its stamps stand.
				e.log.Debug("reward credit skipped, window already covered", "user_id", credit.UserID)
				continue
			}
			e.metrics.IncCreditFailure()
			e.log.Error("reward credit failed", "user_id", credit.UserID, "error", err)
			continue
		}
		report.UsersCredited++
		report.MinutesCredited += int64(len(credit.Rows))
		report.TotalCredited = report.TotalCredited.Add(credit.Total)
	}

	span.SetAttributes(
		attribute.Int("users.credited", report.UsersCredited),
		attribute.Int("users.skipped", report.UsersSkipped),
	)
	span.SetStatus(codes.Ok, "cycle finished")
	e.metrics.SetEmissionPerMinute(ratTokens(emission))
	e.metrics.AddMinutesCredited(report.MinutesCredited)
	e.metrics.ObserveCycle("success", e.now().Sub(started))
	e.log.Info("reward cycle finished",
		"from_minute", report.FromMinute,
		"to_minute", report.ToMinute,
		"rows", report.RowsSeen,
		"users_credited", report.UsersCredited,
		"users_skipped", report.UsersSkipped,
		"total_credited", report.TotalCredited.String(),
	)
	return report, nil
}

// RunScheduled adapts the engine to the self-rescheduling runner: the next
// cycle starts one configured interval after this one finished, and a failed
// cycle retries after a minute.
func (e *Engine) RunScheduled(ctx context.Context) time.Duration {
	report, err := e.RunCycle(ctx)
	if err != nil {
		e.log.Error("reward cycle failed", "error", err)
		return errorRetryDelay
	}
	return report.NextInterval
}

// EmissionPerMinute returns the per-minute pool in base units:
// (60 / blockTime) blocks per minute, each worth the configured reward.
func EmissionPerMinute(snap params.Snapshot) *big.Rat {
	blockTime := snap.BlockTimeSeconds
	if blockTime < 1 {
		blockTime = 1
	}
	return new(big.Rat).Mul(big.NewRat(60, int64(blockTime)), snap.BlockReward.Rat())
}

// SplitWindow distributes each minute's pool across that minute's rows in
// proportion to rate_snapshot, flooring every share to base units. Already
// credited rows keep their weight in the pool but are never stamped again,
// so a minute retried after a partial failure pays out the leftover shares
// rather than a second full emission. Minutes whose snapshots sum to zero
// pay nothing, and zero shares are dropped so their rows stay uncredited.
// Returned credits are ordered by user id and their row stamps by minute.
func SplitWindow(rows []ledger.Activity, emission *big.Rat) []ledger.RewardCredit {
	type minuteGroup struct {
		total *big.Int
		rows  []ledger.Activity
	}
	groups := make(map[int64]*minuteGroup)
	var minutes []int64
	for _, row := range rows {
		group, ok := groups[row.MinuteStart]
		if !ok {
			group = &minuteGroup{total: new(big.Int)}
			groups[row.MinuteStart] = group
			minutes = append(minutes, row.MinuteStart)
		}
		group.rows = append(group.rows, row)
		if row.RateSnapshot > 0 {
			group.total.Add(group.total, big.NewInt(row.RateSnapshot))
		}
	}
	sort.Slice(minutes, func(i, j int) bool { return minutes[i] < minutes[j] })

	credits := make(map[int64]*ledger.RewardCredit)
	var users []int64
	for _, minute := range minutes {
		group := groups[minute]
		if group.total.Sign() == 0 {
			continue
		}
		for _, row := range group.rows {
			if row.RateSnapshot <= 0 || !row.RewardCredited.IsZero() {
				continue
			}
			weight := new(big.Rat).SetFrac(big.NewInt(row.RateSnapshot), group.total)
			share := token.FloorRat(new(big.Rat).Mul(emission, weight))
			if share.IsZero() {
				continue
			}
			credit, ok := credits[row.UserID]
			if !ok {
				credit = &ledger.RewardCredit{UserID: row.UserID, Total: token.Zero()}
				credits[row.UserID] = credit
				users = append(users, row.UserID)
			}
			credit.Rows = append(credit.Rows, ledger.RewardRow{MinuteStart: minute, Amount: share})
			credit.Total = credit.Total.Add(share)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	out := make([]ledger.RewardCredit, 0, len(users))
	for _, id := range users {
		out = append(out, *credits[id])
	}
	return out
}

func floorMinute(t time.Time) int64 {
	sec := t.Unix()
	return sec - sec%60
}

var ratUnit = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(token.Decimals), nil))

// ratTokens renders a base-unit rational as whole tokens for gauges.
func ratTokens(r *big.Rat) float64 {
	f, _ := new(big.Rat).Quo(r, ratUnit).Float64()
	return f
}
