package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// HTTPMetrics records API activity segmented by route and method.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	httpOnce sync.Once
	httpReg  *HTTPMetrics

	ingestOnce sync.Once
	ingestReg  *IngestMetrics

	rewardOnce sync.Once
	rewardReg  *RewardMetrics

	withdrawOnce sync.Once
	withdrawReg  *WithdrawMetrics

	chainOnce sync.Once
	chainReg  *ChainMetrics

	retentionOnce sync.Once
	retentionReg  *RetentionMetrics
)

// HTTP returns the lazily-initialised API metrics registry.
func HTTP() *HTTPMetrics {
	httpOnce.Do(func() {
		httpReg = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pool",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpReg.requests, httpReg.errors, httpReg.latency)
	})
	return httpReg
}

// Observe records one served request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *HTTPMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// IngestMetrics records signal ingest and liveness sweeps. The signal path
// is the hottest loop in the daemon, so its counters are mirrored onto the
// OTLP meter alongside the prometheus registry.
type IngestMetrics struct {
	signals       *prometheus.CounterVec
	activityRows  prometheus.Counter
	markedOffline prometheus.Counter

	meter          metric.Meter
	signalCounter  metric.Int64Counter
	offlineCounter metric.Int64Counter
}

// Ingest returns the lazily-initialised ingest metrics registry.
func Ingest() *IngestMetrics {
	ingestOnce.Do(func() {
		ingestReg = &IngestMetrics{
			signals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "ingest",
				Name:      "signals_total",
				Help:      "Count of processed liveness signals by outcome.",
			}, []string{"outcome"}),
			activityRows: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "ingest",
				Name:      "activity_rows_total",
				Help:      "Count of activity rows inserted by the ingest path.",
			}),
			markedOffline: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "ingest",
				Name:      "marked_offline_total",
				Help:      "Count of users flipped offline by the liveness sweeper.",
			}),
		}
		prometheus.MustRegister(ingestReg.signals, ingestReg.activityRows, ingestReg.markedOffline)
		ingestReg.initMeter()
	})
	return ingestReg
}

func (m *IngestMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("pulsepool/ingest")
	counter, err := meter.Int64Counter("pool.ingest.signals")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("pulsepool/ingest")
		counter, _ = fallback.Int64Counter("pool.ingest.signals")
		meter = fallback
	}
	offline, err := meter.Int64Counter("pool.ingest.marked_offline")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("pulsepool/ingest")
		offline, _ = fallback.Int64Counter("pool.ingest.marked_offline")
		meter = fallback
	}
	m.meter = meter
	m.signalCounter = counter
	m.offlineCounter = offline
}

// ObserveSignal counts one ingest outcome. Outcomes should be stable strings
// such as "accepted", "duplicate" or "rate_limited" so dashboards stay
// consistent.
func (m *IngestMetrics) ObserveSignal(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.signals.WithLabelValues(outcome).Inc()
	if m.signalCounter != nil {
		m.signalCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// IncActivityRow counts one inserted activity row.
func (m *IngestMetrics) IncActivityRow() {
	if m == nil {
		return
	}
	m.activityRows.Inc()
}

// AddMarkedOffline counts users swept offline in one pass.
func (m *IngestMetrics) AddMarkedOffline(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.markedOffline.Add(float64(n))
	if m.offlineCounter != nil {
		m.offlineCounter.Add(context.Background(), n)
	}
}

// RewardMetrics records reward-cycle activity.
type RewardMetrics struct {
	cycles          *prometheus.CounterVec
	duration        prometheus.Histogram
	emission        prometheus.Gauge
	minutesCredited prometheus.Counter
	creditFailures  prometheus.Counter
}

// Rewards returns the lazily-initialised reward metrics registry.
func Rewards() *RewardMetrics {
	rewardOnce.Do(func() {
		rewardReg = &RewardMetrics{
			cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "rewards",
				Name:      "cycles_total",
				Help:      "Count of reward cycles by outcome.",
			}, []string{"outcome"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "pool",
				Subsystem: "rewards",
				Name:      "cycle_duration_seconds",
				Help:      "Latency distribution for full reward cycles.",
				Buckets:   prometheus.DefBuckets,
			}),
			emission: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "pool",
				Subsystem: "rewards",
				Name:      "emission_per_minute",
				Help:      "Token emission per minute observed by the last cycle.",
			}),
			minutesCredited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "rewards",
				Name:      "minutes_credited_total",
				Help:      "Count of user-minutes credited across all cycles.",
			}),
			creditFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "rewards",
				Name:      "credit_failures_total",
				Help:      "Count of per-user credit transactions that failed and were skipped.",
			}),
		}
		prometheus.MustRegister(
			rewardReg.cycles,
			rewardReg.duration,
			rewardReg.emission,
			rewardReg.minutesCredited,
			rewardReg.creditFailures,
		)
	})
	return rewardReg
}

// ObserveCycle records one finished cycle.
func (m *RewardMetrics) ObserveCycle(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.duration.Observe(duration.Seconds())
}

// SetEmissionPerMinute publishes the emission rate used by the last cycle.
func (m *RewardMetrics) SetEmissionPerMinute(v float64) {
	if m == nil {
		return
	}
	m.emission.Set(v)
}

// AddMinutesCredited counts credited user-minutes.
func (m *RewardMetrics) AddMinutesCredited(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.minutesCredited.Add(float64(n))
}

// IncCreditFailure counts one skipped per-user credit.
func (m *RewardMetrics) IncCreditFailure() {
	if m == nil {
		return
	}
	m.creditFailures.Inc()
}

// WithdrawMetrics records withdrawal requests and settlement outcomes.
type WithdrawMetrics struct {
	requests      *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	compensations prometheus.Counter
	staleReclaims prometheus.Counter
}

// Withdrawals returns the lazily-initialised withdrawal metrics registry.
func Withdrawals() *WithdrawMetrics {
	withdrawOnce.Do(func() {
		withdrawReg = &WithdrawMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "withdrawals",
				Name:      "requests_total",
				Help:      "Count of withdrawal requests by outcome.",
			}, []string{"outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "withdrawals",
				Name:      "settlements_total",
				Help:      "Count of settlement attempts by outcome.",
			}, []string{"outcome"}),
			compensations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "withdrawals",
				Name:      "compensations_total",
				Help:      "Count of failed withdrawals whose debit was credited back.",
			}),
			staleReclaims: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "withdrawals",
				Name:      "stale_reclaims_total",
				Help:      "Count of processing rows reclaimed after their lease expired.",
			}),
		}
		prometheus.MustRegister(withdrawReg.requests, withdrawReg.settlements, withdrawReg.compensations, withdrawReg.staleReclaims)
	})
	return withdrawReg
}

// ObserveRequest counts one request-path outcome.
func (m *WithdrawMetrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// ObserveSettlement counts one settlement attempt outcome.
func (m *WithdrawMetrics) ObserveSettlement(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

// IncCompensation counts one compensating credit.
func (m *WithdrawMetrics) IncCompensation() {
	if m == nil {
		return
	}
	m.compensations.Inc()
}

// IncStaleReclaim counts one expired-lease takeover.
func (m *WithdrawMetrics) IncStaleReclaim() {
	if m == nil {
		return
	}
	m.staleReclaims.Inc()
}

// ChainMetrics records settlement submissions to the external chain.
type ChainMetrics struct {
	submits *prometheus.CounterVec
}

// Chain returns the lazily-initialised chain gateway metrics registry.
func Chain() *ChainMetrics {
	chainOnce.Do(func() {
		chainReg = &ChainMetrics{
			submits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "chain",
				Name:      "submits_total",
				Help:      "Count of transaction submissions by endpoint and outcome.",
			}, []string{"endpoint", "outcome"}),
		}
		prometheus.MustRegister(chainReg.submits)
	})
	return chainReg
}

// ObserveSubmit counts one submission attempt against a single endpoint.
func (m *ChainMetrics) ObserveSubmit(endpoint, outcome string) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.submits.WithLabelValues(endpoint, outcome).Inc()
}

// RetentionMetrics records archive and purge activity.
type RetentionMetrics struct {
	archivedRows   *prometheus.CounterVec
	purgedRows     *prometheus.CounterVec
	partitionDrops prometheus.Counter
	runs           *prometheus.CounterVec
}

// Retention returns the lazily-initialised retention metrics registry.
func Retention() *RetentionMetrics {
	retentionOnce.Do(func() {
		retentionReg = &RetentionMetrics{
			archivedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "retention",
				Name:      "archived_rows_total",
				Help:      "Count of rows written to archive files by table.",
			}, []string{"table"}),
			purgedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "retention",
				Name:      "purged_rows_total",
				Help:      "Count of rows deleted by the retention job by table.",
			}, []string{"table"}),
			partitionDrops: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "retention",
				Name:      "partition_drops_total",
				Help:      "Count of month partitions dropped past the retention horizon.",
			}),
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pool",
				Subsystem: "retention",
				Name:      "runs_total",
				Help:      "Count of retention runs by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			retentionReg.archivedRows,
			retentionReg.purgedRows,
			retentionReg.partitionDrops,
			retentionReg.runs,
		)
	})
	return retentionReg
}

// AddArchivedRows counts rows persisted to an archive file.
func (m *RetentionMetrics) AddArchivedRows(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.archivedRows.WithLabelValues(table).Add(float64(n))
}

// AddPurgedRows counts rows deleted from the ledger.
func (m *RetentionMetrics) AddPurgedRows(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.purgedRows.WithLabelValues(table).Add(float64(n))
}

// AddPartitionDrops counts dropped month partitions.
func (m *RetentionMetrics) AddPartitionDrops(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.partitionDrops.Add(float64(n))
}

// ObserveRun counts a finished retention pass.
func (m *RetentionMetrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.runs.WithLabelValues(outcome).Inc()
}
