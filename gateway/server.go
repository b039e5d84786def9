// Package gateway exposes the pool's HTTP surface: the worker API under
// /v1/pool, the privileged admin API under /v1/admin and the operational
// probes. Handlers translate between wire payloads and the service layer;
// no business rules live here.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pulsepool/core/token"
	"pulsepool/ephemeral"
	"pulsepool/fault"
	"pulsepool/ingest"
	"pulsepool/ledger"
	"pulsepool/observability"
	"pulsepool/params"
)

// Ledger captures the store capabilities the HTTP layer needs directly:
// registration, rate updates and the aggregate stats reads. Everything else
// goes through the services.
type Ledger interface {
	RegisterUser(ctx context.Context, wallet, deviceType string, reportedRate int64) (*ledger.User, error)
	GetUser(ctx context.Context, id int64) (*ledger.User, error)
	UpdateReportedRate(ctx context.Context, id, rate int64) error
	CountOnline(ctx context.Context) (int64, error)
	OnlineReportedRate(ctx context.Context) (int64, error)
	LoadConfigEntries(ctx context.Context) ([]ledger.ConfigEntry, error)
	AuditEventsFor(ctx context.Context, subject string, limit int) ([]ledger.AuditEvent, error)
	Ping(ctx context.Context) error
}

// Ingest is the signal path.
type Ingest interface {
	RecordSignal(ctx context.Context, userID int64) (ingest.Result, error)
	InvalidateRate(ctx context.Context, userID int64)
}

// Withdrawals is the worker-facing withdrawal surface.
type Withdrawals interface {
	Request(ctx context.Context, userID int64, amount token.Amount, idempotencyKey string) (int64, error)
	Get(ctx context.Context, id, userID int64) (*ledger.Withdrawal, error)
}

// Admin is the privileged withdrawal surface.
type Admin interface {
	Retry(ctx context.Context, id int64, actor string) error
	ForceFail(ctx context.Context, id int64, reason, actor string) error
}

// Params is the dynamic config surface.
type Params interface {
	Snapshot(ctx context.Context) (params.Snapshot, error)
	Set(ctx context.Context, actor, key string, value *string) error
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger      Ledger
	Cache       ephemeral.Store
	Ingest      Ingest
	Withdrawals Withdrawals
	Admin       Admin
	Params      Params
	Log         *slog.Logger
	Metrics     *observability.HTTPMetrics

	// SharedSecret, when non-empty, must match the X-Pool-Secret header on
	// withdrawal submissions.
	SharedSecret string
	// AdminJWTSecret verifies HS256 bearer tokens on /v1/admin.
	AdminJWTSecret string
	// RequireSignatures arms per-request wallet signatures on /signal and
	// /withdrawals.
	RequireSignatures bool

	RateLimitRPS   float64
	RateLimitBurst int

	Now func() time.Time
}

// Server is the configured HTTP API.
type Server struct {
	ledger      Ledger
	cache       ephemeral.Store
	ingest      Ingest
	withdrawals Withdrawals
	admin       Admin
	params      Params
	log         *slog.Logger
	metrics     *observability.HTTPMetrics

	sharedSecret      string
	adminJWTSecret    []byte
	requireSignatures bool

	now    func() time.Time
	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) (*Server, error) {
	srv := &Server{
		ledger:            cfg.Ledger,
		cache:             cfg.Cache,
		ingest:            cfg.Ingest,
		withdrawals:       cfg.Withdrawals,
		admin:             cfg.Admin,
		params:            cfg.Params,
		log:               cfg.Log,
		metrics:           cfg.Metrics,
		sharedSecret:      strings.TrimSpace(cfg.SharedSecret),
		adminJWTSecret:    []byte(strings.TrimSpace(cfg.AdminJWTSecret)),
		requireSignatures: cfg.RequireSignatures,
		now:               cfg.Now,
	}
	if srv.log == nil {
		srv.log = slog.Default()
	}
	if srv.now == nil {
		srv.now = time.Now
	}
	limiter := newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	srv.router = otelhttp.NewHandler(srv.buildRouter(limiter), "pool-gateway")
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(limiter *clientLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(limiter.Middleware)
	r.Use(s.observe)
	r.Use(chimw.Recoverer)

	r.Route("/v1/pool", func(pool chi.Router) {
		pool.Post("/users", s.RegisterUser)
		pool.Put("/users/{id}/rate", s.UpdateRate)
		pool.With(s.requireSignature("signal")).Post("/signal", s.Signal)
		pool.With(s.requireSignature("withdraw")).Post("/withdrawals", s.RequestWithdrawal)
		pool.Get("/withdrawals/{id}", s.GetWithdrawal)
		pool.Get("/stats", s.Stats)
	})

	r.Route("/v1/admin", func(admin chi.Router) {
		admin.Use(s.requireAdmin)
		admin.Get("/config", s.AdminGetConfig)
		admin.Put("/config/{key}", s.AdminSetConfig)
		admin.Post("/withdrawals/{id}/retry", s.AdminRetryWithdrawal)
		admin.Post("/withdrawals/{id}/force-fail", s.AdminForceFailWithdrawal)
		admin.Get("/withdrawals/{id}/audit", s.AdminWithdrawalAudit)
	})

	r.Get("/healthz", s.Healthz)
	r.Get("/readyz", s.Readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// observe records per-request metrics and an access log line with the
// correlation id.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		duration := time.Since(start)
		route := routePattern(r)
		s.metrics.Observe(route, r.Method, recorder.status, duration)
		s.log.Info("request served",
			"method", r.Method,
			"route", route,
			"status", recorder.status,
			"duration_ms", duration.Milliseconds(),
			"correlation_id", chimw.GetReqID(r.Context()),
		)
	})
}

// routePattern resolves the chi route template after routing, falling back
// to the raw path for unmatched requests.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorEnvelope struct {
	Error         errorBody `json:"error"`
	CorrelationID string    `json:"correlation_id"`
}

type errorBody struct {
	Code    fault.Code `json:"code"`
	Message string     `json:"message"`
}

// writeError renders the stable error envelope. The message is the fault
// code's own text for internal errors so stack details never reach clients.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := fault.CodeOf(err)
	status := statusOf(code)
	message := err.Error()
	if code == fault.CodeInternal {
		message = "internal error"
		s.log.Error("request failed",
			"route", routePattern(r),
			"correlation_id", chimw.GetReqID(r.Context()),
			"error", err,
		)
	}
	s.writeJSON(w, status, errorEnvelope{
		Error:         errorBody{Code: code, Message: message},
		CorrelationID: chimw.GetReqID(r.Context()),
	})
}

// statusOf maps fault codes onto HTTP statuses.
func statusOf(code fault.Code) int {
	switch code {
	case fault.CodeInvalidInput, fault.CodeBelowMinimum:
		return http.StatusBadRequest
	case fault.CodeUserNotFound:
		return http.StatusNotFound
	case fault.CodeRateLimited:
		return http.StatusTooManyRequests
	case fault.CodeStaleOrReused:
		return http.StatusUnauthorized
	case fault.CodeInsufficientBalance, fault.CodeDailyLimitExceeded:
		return http.StatusUnprocessableEntity
	case fault.CodeTransientLedger, fault.CodePartitionMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Healthz reports process liveness.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports dependency readiness: the ledger must answer and, when the
// ephemeral store can report connectivity, so must it.
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "ledger unavailable"})
		return
	}
	if pinger, ok := s.cache.(ephemeral.Pinger); ok {
		if err := pinger.Ping(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "ephemeral store unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
