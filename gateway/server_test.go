package gateway

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"pulsepool/core/token"
	"pulsepool/ephemeral"
	"pulsepool/ingest"
	"pulsepool/ledger"
	"pulsepool/params"
	"pulsepool/withdraw"
)

const (
	testJWTSecret    = "gateway-test-jwt-secret"
	testSharedSecret = "gateway-test-shared-secret"
)

type serverHarness struct {
	store  *ledger.Store
	cache  *ephemeral.Memory
	server *Server
	clock  *time.Time
}

func newServerHarness(t *testing.T, start time.Time, signatures bool) *serverHarness {
	t.Helper()
	store, err := ledger.Open(ledger.Config{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))

	clock := start
	now := func() time.Time { return clock }
	cache := ephemeral.NewMemoryWithClock(now)

	cfg, err := params.New(params.Config{Ledger: store, Now: now})
	require.NoError(t, err)
	require.NoError(t, cfg.Seed(context.Background()))

	ingestSvc, err := ingest.New(ingest.Config{Ledger: store, Cache: cache, Params: cfg, Now: now})
	require.NoError(t, err)
	withdrawSvc, err := withdraw.New(withdraw.Config{Ledger: store, Params: cfg, Now: now})
	require.NoError(t, err)
	adminSvc, err := withdraw.NewAdmin(withdraw.AdminConfig{Ledger: store, Now: now})
	require.NoError(t, err)

	server, err := New(Config{
		Ledger:            store,
		Cache:             cache,
		Ingest:            ingestSvc,
		Withdrawals:       withdrawSvc,
		Admin:             adminSvc,
		Params:            cfg,
		SharedSecret:      testSharedSecret,
		AdminJWTSecret:    testJWTSecret,
		RequireSignatures: signatures,
		RateLimitRPS:      1000,
		RateLimitBurst:    1000,
		Now:               now,
	})
	require.NoError(t, err)
	return &serverHarness{store: store, cache: cache, server: server, clock: &clock}
}

func (h *serverHarness) do(t *testing.T, method, path string, body any, decorate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if decorate != nil {
		decorate(req)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), "body: %s", rec.Body.String())
	return payload
}

func (h *serverHarness) register(t *testing.T, wallet string, rate int64) int64 {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/v1/pool/users", map[string]any{
		"wallet_address": wallet,
		"device_type":    "rig",
		"reported_rate":  rate,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return int64(decodeBody(t, rec)["user_id"].(float64))
}

func (h *serverHarness) fund(t *testing.T, userID int64, tokens int64) {
	t.Helper()
	err := h.store.DB().Model(&ledger.User{}).Where("id = ?", userID).
		Update("available_balance", token.FromTokens(tokens)).Error
	require.NoError(t, err)
}

func adminHeader(t *testing.T, now time.Time) func(*http.Request) {
	t.Helper()
	tok, err := AdminToken(testJWTSecret, "ops@pool", time.Hour, now)
	require.NoError(t, err)
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+tok)
	}
}

func TestRegisterSignalAndStats(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newServerHarness(t, start, false)

	userID := h.register(t, "0xAbC0000000000000000000000000000000000001", 100)
	require.Greater(t, userID, int64(0))

	// Re-registering the same wallet (different case) returns the same id.
	rec := h.do(t, http.MethodPost, "/v1/pool/users", map[string]any{
		"wallet_address": "0xABC0000000000000000000000000000000000001",
		"reported_rate":  150,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(userID), decodeBody(t, rec)["user_id"])

	rec = h.do(t, http.MethodPost, "/v1/pool/signal", map[string]any{
		"user_id": userID,
		"metrics": map[string]any{"temp_c": 61},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, decodeBody(t, rec)["ok"])

	rec = h.do(t, http.MethodGet, "/v1/pool/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody(t, rec)
	require.Equal(t, float64(1), stats["users_online"])
	require.Equal(t, float64(150), stats["pool_rate"])
	// Default tunables: 2 tokens per 5-second block.
	require.Equal(t, "24", stats["emission_per_minute"])

	// The cached body survives ledger changes until the TTL lapses.
	require.NoError(t, h.store.UpdateReportedRate(context.Background(), userID, 900))
	rec = h.do(t, http.MethodGet, "/v1/pool/stats", nil, nil)
	require.Equal(t, float64(150), decodeBody(t, rec)["pool_rate"])

	*h.clock = h.clock.Add(ephemeral.ResponseCacheTTL + time.Second)
	rec = h.do(t, http.MethodGet, "/v1/pool/stats", nil, nil)
	require.Equal(t, float64(900), decodeBody(t, rec)["pool_rate"])
}

func TestRegisterRejectsMalformedWallet(t *testing.T) {
	h := newServerHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), false)
	rec := h.do(t, http.MethodPost, "/v1/pool/users", map[string]any{
		"wallet_address": "0x123",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
		CorrelationID string `json:"correlation_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "invalid_input", envelope.Error.Code)
	require.NotEmpty(t, envelope.CorrelationID)
}

func TestSignalErrorMapping(t *testing.T) {
	h := newServerHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), false)

	rec := h.do(t, http.MethodPost, "/v1/pool/signal", map[string]any{"user_id": 404}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	userID := h.register(t, "0xAbC0000000000000000000000000000000000002", 10)
	for i := 0; i < ingest.MaxSignalsPerMinute; i++ {
		rec = h.do(t, http.MethodPost, "/v1/pool/signal", map[string]any{"user_id": userID}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec = h.do(t, http.MethodPost, "/v1/pool/signal", map[string]any{"user_id": userID}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestUpdateRateInvalidatesCachedSnapshot(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
	h := newServerHarness(t, start, false)
	userID := h.register(t, "0xAbC0000000000000000000000000000000000003", 100)

	rec := h.do(t, http.MethodPost, "/v1/pool/signal", map[string]any{"user_id": userID}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPut, fmt.Sprintf("/v1/pool/users/%d/rate", userID), map[string]any{
		"reported_rate": 750,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The next minute's activity row snapshots the new rate immediately
	// because the update dropped the cached value.
	*h.clock = h.clock.Add(time.Minute)
	rec = h.do(t, http.MethodPost, "/v1/pool/signal", map[string]any{"user_id": userID}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rows, err := h.store.WindowActivities(context.Background(), 0, h.clock.Unix()+60)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(750), rows[1].RateSnapshot)

	rec = h.do(t, http.MethodPut, "/v1/pool/users/9999/rate", map[string]any{"reported_rate": 5}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWithdrawalRequestFlow(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newServerHarness(t, start, false)
	userID := h.register(t, "0xAbC0000000000000000000000000000000000004", 100)
	h.fund(t, userID, 500)

	withSecret := func(r *http.Request) { r.Header.Set(HeaderSharedSecret, testSharedSecret) }

	// The shared secret is mandatory once configured.
	rec := h.do(t, http.MethodPost, "/v1/pool/withdrawals", map[string]any{
		"user_id": userID, "amount": 150,
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/pool/withdrawals", map[string]any{
		"user_id": userID, "amount": 150,
	}, func(r *http.Request) {
		withSecret(r)
		r.Header.Set("Idempotency-Key", "req-1")
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	withdrawalID := int64(decodeBody(t, rec)["withdrawal_id"].(float64))

	// Replaying the key returns the same row without a second debit.
	rec = h.do(t, http.MethodPost, "/v1/pool/withdrawals", map[string]any{
		"user_id": userID, "amount": 150,
	}, func(r *http.Request) {
		withSecret(r)
		r.Header.Set("Idempotency-Key", "req-1")
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(withdrawalID), decodeBody(t, rec)["withdrawal_id"])

	user, err := h.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, "350", user.AvailableBalance.String())

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/v1/pool/withdrawals/%d?user_id=%d", withdrawalID, userID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody(t, rec)
	require.Equal(t, "pending", view["status"])
	require.Equal(t, "150", view["amount"])

	// Another user cannot observe the row.
	otherID := h.register(t, "0xAbC0000000000000000000000000000000000005", 1)
	rec = h.do(t, http.MethodGet, fmt.Sprintf("/v1/pool/withdrawals/%d?user_id=%d", withdrawalID, otherID), nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Below the configured minimum.
	rec = h.do(t, http.MethodPost, "/v1/pool/withdrawals", map[string]any{
		"user_id": userID, "amount": 99,
	}, withSecret)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Beyond the remaining balance.
	rec = h.do(t, http.MethodPost, "/v1/pool/withdrawals", map[string]any{
		"user_id": userID, "amount": 1000,
	}, withSecret)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func signHeaders(t *testing.T, key *ecdsa.PrivateKey, entity string, at time.Time) func(*http.Request) {
	t.Helper()
	address := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	nonce := uuid.NewString()
	message := signedMessage(entity, address, at.UnixMilli(), nonce)
	sig, err := ethcrypto.Sign(accounts.TextHash(message), key)
	require.NoError(t, err)
	// Wallets report V as 27/28.
	sig[64] += 27
	return func(r *http.Request) {
		r.Header.Set(HeaderAddress, address)
		r.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", at.UnixMilli()))
		r.Header.Set(HeaderNonce, nonce)
		r.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	}
}

func TestSignedSignalRequests(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newServerHarness(t, start, true)

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	wallet := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	userID := h.register(t, wallet, 100)

	// Unsigned requests are rejected outright.
	rec := h.do(t, http.MethodPost, "/v1/pool/signal", map[string]any{"user_id": userID}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/pool/signal", map[string]any{"user_id": userID},
		signHeaders(t, key, "signal", start))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Replaying the exact same headers burns on the nonce.
	decorate := signHeaders(t, key, "signal", start)
	rec = h.do(t, http.MethodPost, "/v1/pool/signal", map[string]any{"user_id": userID}, decorate)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/v1/pool/signal", map[string]any{"user_id": userID}, decorate)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Stale timestamps are refused.
	rec = h.do(t, http.MethodPost, "/v1/pool/signal", map[string]any{"user_id": userID},
		signHeaders(t, key, "signal", start.Add(-time.Minute)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// A valid signature from a different wallet cannot act on this user.
	otherKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	h.register(t, ethcrypto.PubkeyToAddress(otherKey.PublicKey).Hex(), 1)
	rec = h.do(t, http.MethodPost, "/v1/pool/signal", map[string]any{"user_id": userID},
		signHeaders(t, otherKey, "signal", start))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Signing the wrong entity fails recovery against the signal message.
	rec = h.do(t, http.MethodPost, "/v1/pool/signal", map[string]any{"user_id": userID},
		signHeaders(t, key, "withdraw", start))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuthAndConfig(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newServerHarness(t, start, false)

	rec := h.do(t, http.MethodGet, "/v1/admin/config", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// A token signed by someone else fails verification.
	forged, err := AdminToken("wrong-secret", "mallory", time.Hour, start)
	require.NoError(t, err)
	rec = h.do(t, http.MethodGet, "/v1/admin/config", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+forged)
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	auth := adminHeader(t, start)
	rec = h.do(t, http.MethodGet, "/v1/admin/config", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "min_withdrawal")

	// Writes validate against the closed key set and per-key bounds.
	rec = h.do(t, http.MethodPut, "/v1/admin/config/min_withdrawal", map[string]any{"value": 250}, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(t, http.MethodPut, "/v1/admin/config/min_withdrawal", map[string]any{"value": 9999999}, auth)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodPut, "/v1/admin/config/memes", map[string]any{"value": 1}, auth)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Nullable key accepts null, non-nullable key refuses it.
	rec = h.do(t, http.MethodPut, "/v1/admin/config/daily_withdrawal_cap", map[string]any{"value": nil}, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPut, "/v1/admin/config/block_reward", map[string]any{"value": nil}, auth)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The write took effect for subsequent requests.
	h2 := h.do(t, http.MethodGet, "/v1/admin/config", nil, auth)
	require.Contains(t, h2.Body.String(), "250")

	// Expired tokens are refused.
	*h.clock = h.clock.Add(2 * time.Hour)
	rec = h.do(t, http.MethodGet, "/v1/admin/config", nil, auth)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminWithdrawalOperations(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newServerHarness(t, start, false)
	auth := adminHeader(t, start)

	userID := h.register(t, "0xAbC0000000000000000000000000000000000006", 100)
	h.fund(t, userID, 500)

	rec := h.do(t, http.MethodPost, "/v1/pool/withdrawals", map[string]any{
		"user_id": userID, "amount": 200,
	}, func(r *http.Request) { r.Header.Set(HeaderSharedSecret, testSharedSecret) })
	require.Equal(t, http.StatusOK, rec.Code)
	withdrawalID := int64(decodeBody(t, rec)["withdrawal_id"].(float64))

	// Pending rows cannot be retried.
	rec = h.do(t, http.MethodPost, fmt.Sprintf("/v1/admin/withdrawals/%d/retry", withdrawalID), map[string]any{}, auth)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Force-fail compensates the debit.
	rec = h.do(t, http.MethodPost, fmt.Sprintf("/v1/admin/withdrawals/%d/force-fail", withdrawalID),
		map[string]any{"reason": "operator abort"}, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	user, err := h.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, "500", user.AvailableBalance.String())

	// Retry re-debits and returns the row to the queue.
	rec = h.do(t, http.MethodPost, fmt.Sprintf("/v1/admin/withdrawals/%d/retry", withdrawalID), map[string]any{}, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	user, err = h.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, "300", user.AvailableBalance.String())

	row, err := h.store.GetWithdrawal(context.Background(), withdrawalID)
	require.NoError(t, err)
	require.Equal(t, ledger.WithdrawalPending, row.Status)

	// Both overrides left an audit trail.
	rec = h.do(t, http.MethodGet, fmt.Sprintf("/v1/admin/withdrawals/%d/audit", withdrawalID), nil, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	events := decodeBody(t, rec)["events"].([]any)
	require.Len(t, events, 2)
	require.Contains(t, rec.Body.String(), "withdrawal.force_fail")
	require.Contains(t, rec.Body.String(), "withdrawal.retry")
}

func TestHealthAndReadiness(t *testing.T) {
	h := newServerHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), false)
	rec := h.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "ready"))
}
