// Package retention archives expired ledger rows to parquet files and then
// purges them, keeping the hot tables bounded.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"pulsepool/ledger"
	"pulsepool/observability"
	"pulsepool/params"
)

const (
	// DefaultRunInterval schedules the daily pass.
	DefaultRunInterval = 24 * time.Hour
	// DefaultBatchLimit bounds rows fetched, archived and deleted per step
	// so one pass never holds an unbounded slice.
	DefaultBatchLimit = 5000
	// WithdrawalRetentionDays is how long completed withdrawals stay
	// queryable before they move to the archive.
	WithdrawalRetentionDays = 90
)

// Ledger captures the subset of ledger capabilities required by the job.
type Ledger interface {
	ExpiredActivities(ctx context.Context, now time.Time, limit int) ([]ledger.Activity, error)
	DeleteActivities(ctx context.Context, rows []ledger.Activity) error
	CompletedWithdrawalsBefore(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Withdrawal, error)
	DeleteWithdrawals(ctx context.Context, ids []int64) error
	DropActivityPartitionsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Params serves runtime tunables.
type Params interface {
	Snapshot(ctx context.Context) (params.Snapshot, error)
}

// Config wires a retention job.
type Config struct {
	Ledger  Ledger
	Params  Params
	Log     *slog.Logger
	Metrics *observability.RetentionMetrics
	// ArchiveDir receives parquet archives. Empty disables archiving and
	// expired rows are purged without a copy.
	ArchiveDir string
	// BatchLimit overrides DefaultBatchLimit; zero keeps the default.
	BatchLimit int
	Now        func() time.Time
}

// Job runs the archive-then-purge pass. Rows are deleted only after the file
// holding them has been flushed and closed, so an archive failure aborts the
// purge with the rows still in place.
type Job struct {
	ledger  Ledger
	params  Params
	log     *slog.Logger
	metrics *observability.RetentionMetrics
	dir     string
	limit   int
	now     func() time.Time
}

// New constructs a retention job.
func New(cfg Config) (*Job, error) {
	if cfg.Ledger == nil || cfg.Params == nil {
		return nil, fmt.Errorf("retention: ledger and params are required")
	}
	job := &Job{
		ledger:  cfg.Ledger,
		params:  cfg.Params,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		dir:     cfg.ArchiveDir,
		limit:   cfg.BatchLimit,
		now:     cfg.Now,
	}
	if job.log == nil {
		job.log = slog.Default()
	}
	if job.limit <= 0 {
		job.limit = DefaultBatchLimit
	}
	if job.now == nil {
		job.now = time.Now
	}
	return job, nil
}

// Report summarises one pass.
type Report struct {
	ActivitiesArchived  int
	ActivitiesPurged    int
	WithdrawalsArchived int
	WithdrawalsPurged   int
	PartitionsDropped   []string
	ArchiveFiles        []string
}

// RunOnce executes one full retention pass: expired activity rows, completed
// withdrawals past their horizon, then whole month partitions on postgres.
func (j *Job) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	snap, err := j.params.Snapshot(ctx)
	if err != nil {
		j.metrics.ObserveRun("error")
		return report, fmt.Errorf("retention: load config: %w", err)
	}
	now := j.now()

	if j.dir != "" {
		if err := os.MkdirAll(j.dir, 0o755); err != nil {
			j.metrics.ObserveRun("error")
			return report, fmt.Errorf("retention: ensure archive dir: %w", err)
		}
	}

	if err := j.sweepActivities(ctx, now, &report); err != nil {
		j.metrics.ObserveRun("error")
		return report, err
	}
	if err := j.sweepWithdrawals(ctx, now, &report); err != nil {
		j.metrics.ObserveRun("error")
		return report, err
	}

	partitionCutoff := now.AddDate(0, 0, -snap.RetentionDays)
	dropped, err := j.ledger.DropActivityPartitionsBefore(ctx, partitionCutoff)
	if err != nil {
		j.metrics.ObserveRun("error")
		return report, fmt.Errorf("retention: drop partitions: %w", err)
	}
	report.PartitionsDropped = dropped
	j.metrics.AddPartitionDrops(len(dropped))

	j.metrics.ObserveRun("success")
	j.log.Info("retention pass finished",
		"activities_archived", report.ActivitiesArchived,
		"activities_purged", report.ActivitiesPurged,
		"withdrawals_archived", report.WithdrawalsArchived,
		"withdrawals_purged", report.WithdrawalsPurged,
		"partitions_dropped", len(report.PartitionsDropped),
	)
	return report, nil
}

// sweepActivities drains expired activity rows batch by batch. Each batch is
// archived to its own durably-closed file before its delete runs.
func (j *Job) sweepActivities(ctx context.Context, now time.Time, report *Report) error {
	for {
		rows, err := j.ledger.ExpiredActivities(ctx, now, j.limit)
		if err != nil {
			return fmt.Errorf("retention: load expired activities: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if j.dir != "" {
			path, err := j.archiveActivities(rows, now)
			if err != nil {
				return err
			}
			report.ActivitiesArchived += len(rows)
			report.ArchiveFiles = append(report.ArchiveFiles, path)
			j.metrics.AddArchivedRows("activities", len(rows))
		}
		if err := j.ledger.DeleteActivities(ctx, rows); err != nil {
			return fmt.Errorf("retention: purge activities: %w", err)
		}
		report.ActivitiesPurged += len(rows)
		j.metrics.AddPurgedRows("activities", len(rows))
		if len(rows) < j.limit {
			return nil
		}
	}
}

// sweepWithdrawals drains completed withdrawals older than the fixed horizon.
func (j *Job) sweepWithdrawals(ctx context.Context, now time.Time, report *Report) error {
	cutoff := now.AddDate(0, 0, -WithdrawalRetentionDays)
	for {
		rows, err := j.ledger.CompletedWithdrawalsBefore(ctx, cutoff, j.limit)
		if err != nil {
			return fmt.Errorf("retention: load old withdrawals: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if j.dir != "" {
			path, err := j.archiveWithdrawals(rows, now)
			if err != nil {
				return err
			}
			report.WithdrawalsArchived += len(rows)
			report.ArchiveFiles = append(report.ArchiveFiles, path)
			j.metrics.AddArchivedRows("withdrawals", len(rows))
		}
		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		if err := j.ledger.DeleteWithdrawals(ctx, ids); err != nil {
			return fmt.Errorf("retention: purge withdrawals: %w", err)
		}
		report.WithdrawalsPurged += len(rows)
		j.metrics.AddPurgedRows("withdrawals", len(rows))
		if len(rows) < j.limit {
			return nil
		}
	}
}

// archivePath names files <table>_<YYYYMMDD>.parquet; when a pass produces
// several batches or a day sees several passes, a numeric suffix keeps every
// file instead of truncating the earlier one.
func (j *Job) archivePath(table string, day time.Time) (string, error) {
	base := fmt.Sprintf("%s_%s", table, day.UTC().Format("20060102"))
	path := filepath.Join(j.dir, base+".parquet")
	for i := 2; ; i++ {
		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("retention: stat %s: %w", path, err)
		}
		path = filepath.Join(j.dir, fmt.Sprintf("%s_%d.parquet", base, i))
	}
}

type activityRow struct {
	UserID         int64  `parquet:"name=user_id, type=INT64"`
	MinuteStart    int64  `parquet:"name=minute_start, type=INT64"`
	RateSnapshot   int64  `parquet:"name=rate_snapshot, type=INT64"`
	RewardCredited string `parquet:"name=reward_credited, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpiresAt      string `parquet:"name=expires_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func (j *Job) archiveActivities(rows []ledger.Activity, day time.Time) (string, error) {
	path, err := j.archivePath("activities", day)
	if err != nil {
		return "", err
	}
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("retention: create archive: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(activityRow), 1)
	if err != nil {
		file.Close()
		return "", fmt.Errorf("retention: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		ar := &activityRow{
			UserID:         row.UserID,
			MinuteStart:    row.MinuteStart,
			RateSnapshot:   row.RateSnapshot,
			RewardCredited: row.RewardCredited.BaseUnits().Text(10),
			ExpiresAt:      row.ExpiresAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(ar); err != nil {
			pw.WriteStop()
			file.Close()
			return "", fmt.Errorf("retention: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return "", fmt.Errorf("retention: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("retention: close archive: %w", err)
	}
	j.log.Info("archived activity rows", "file", path, "rows", len(rows))
	return path, nil
}

type withdrawalRow struct {
	ID                int64  `parquet:"name=id, type=INT64"`
	UserID            int64  `parquet:"name=user_id, type=INT64"`
	Amount            string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	DestinationWallet string `parquet:"name=destination_wallet, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status            string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxID              string `parquet:"name=tx_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	RequestedAt       string `parquet:"name=requested_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompletedAt       string `parquet:"name=completed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ErrorText         string `parquet:"name=error_text, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func (j *Job) archiveWithdrawals(rows []ledger.Withdrawal, day time.Time) (string, error) {
	path, err := j.archivePath("withdrawals", day)
	if err != nil {
		return "", err
	}
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("retention: create archive: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(withdrawalRow), 1)
	if err != nil {
		file.Close()
		return "", fmt.Errorf("retention: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		wr := &withdrawalRow{
			ID:                row.ID,
			UserID:            row.UserID,
			Amount:            row.Amount.BaseUnits().Text(10),
			DestinationWallet: row.DestinationWallet,
			Status:            string(row.Status),
			TxID:              row.TxID,
			RequestedAt:       row.RequestedAt.UTC().Format(time.RFC3339),
			CompletedAt:       formatTime(row.CompletedAt),
			ErrorText:         row.ErrorText,
		}
		if err := pw.Write(wr); err != nil {
			pw.WriteStop()
			file.Close()
			return "", fmt.Errorf("retention: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return "", fmt.Errorf("retention: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("retention: close archive: %w", err)
	}
	j.log.Info("archived withdrawal rows", "file", path, "rows", len(rows))
	return path, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// RunTick adapts the job to the fixed-cadence runner; failures are logged
// and retried on the next scheduled pass.
func (j *Job) RunTick(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil {
		j.log.Error("retention pass failed", "error", err)
	}
}
