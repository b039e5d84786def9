package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/unicode/norm"

	"pulsepool/chain"
	"pulsepool/core/token"
	"pulsepool/ephemeral"
	"pulsepool/fault"
	"pulsepool/ledger"
	"pulsepool/rewards"
)

// maxDeviceLabelLen bounds the stored device tag.
const maxDeviceLabelLen = 64

// HeaderSharedSecret gates withdrawal submissions when the deployment
// configures a shared secret.
const HeaderSharedSecret = "X-Pool-Secret"

// normalizeDeviceLabel folds a worker-supplied device tag to NFKC and caps
// its length so lookalike glyphs and oversized labels never reach the
// ledger.
func normalizeDeviceLabel(label string) string {
	normalized := norm.NFKC.String(strings.TrimSpace(label))
	runes := []rune(normalized)
	if len(runes) > maxDeviceLabelLen {
		normalized = string(runes[:maxDeviceLabelLen])
	}
	return normalized
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fault.ErrInvalidInput
	}
	return id, nil
}

// RegisterUser creates or refreshes the pool account owning a wallet.
// Registration is first-write-wins by wallet; repeats return the existing
// id.
func (s *Server) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletAddress string `json:"wallet_address"`
		DeviceType    string `json:"device_type"`
		ReportedRate  int64  `json:"reported_rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fault.ErrInvalidInput)
		return
	}
	if !chain.ValidAddress(strings.TrimSpace(req.WalletAddress)) {
		s.writeError(w, r, fault.ErrInvalidInput)
		return
	}
	if req.ReportedRate < 0 || req.ReportedRate > ledger.MaxReportedRate {
		s.writeError(w, r, fault.ErrInvalidInput)
		return
	}
	user, err := s.ledger.RegisterUser(r.Context(), req.WalletAddress, normalizeDeviceLabel(req.DeviceType), req.ReportedRate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"user_id": user.ID})
}

// UpdateRate replaces a worker's self-reported contribution rate and drops
// its cached snapshot so the next signal observes the new value.
func (s *Server) UpdateRate(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		ReportedRate int64 `json:"reported_rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fault.ErrInvalidInput)
		return
	}
	if req.ReportedRate < 0 || req.ReportedRate > ledger.MaxReportedRate {
		s.writeError(w, r, fault.ErrInvalidInput)
		return
	}
	if err := s.ledger.UpdateReportedRate(r.Context(), id, req.ReportedRate); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ingest.InvalidateRate(r.Context(), id)
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Signal records one liveness signal. The metrics blob is accepted and
// discarded; only the signal itself matters for attribution.
func (s *Server) Signal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        int64           `json:"user_id"`
		Metrics       json.RawMessage `json:"metrics"`
		SourceAddress string          `json:"source_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		s.writeError(w, r, fault.ErrInvalidInput)
		return
	}
	if err := s.requireOwnWallet(r, req.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.ingest.RecordSignal(r.Context(), req.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// RequestWithdrawal debits the caller and enqueues a settlement job.
func (s *Server) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	if s.sharedSecret != "" && r.Header.Get(HeaderSharedSecret) != s.sharedSecret {
		s.writeError(w, r, fault.ErrStaleOrReused)
		return
	}
	var req struct {
		UserID int64        `json:"user_id"`
		Amount token.Amount `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		s.writeError(w, r, fault.ErrInvalidInput)
		return
	}
	if err := s.requireOwnWallet(r, req.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.withdrawals.Request(r.Context(), req.UserID, req.Amount, strings.TrimSpace(r.Header.Get("Idempotency-Key")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"withdrawal_id": id})
}

// withdrawalView is the wire shape of one withdrawal row.
type withdrawalView struct {
	WithdrawalID int64                   `json:"withdrawal_id"`
	Status       ledger.WithdrawalStatus `json:"status"`
	Amount       token.Amount            `json:"amount"`
	Destination  string                  `json:"destination_wallet"`
	TxID         string                  `json:"tx_id,omitempty"`
	RequestedAt  time.Time               `json:"requested_at"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
	ErrorText    string                  `json:"error_text,omitempty"`
}

// GetWithdrawal returns one withdrawal's settlement state to its owner.
func (s *Server) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	userID, err := parseID(r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	row, err := s.withdrawals.Get(r.Context(), id, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, withdrawalView{
		WithdrawalID: row.ID,
		Status:       row.Status,
		Amount:       row.Amount,
		Destination:  row.DestinationWallet,
		TxID:         row.TxID,
		RequestedAt:  row.RequestedAt,
		CompletedAt:  row.CompletedAt,
		ErrorText:    row.ErrorText,
	})
}

// Stats serves the pool-wide aggregates behind a short ephemeral response
// cache so worker dashboards cannot hammer the ledger.
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	cacheKey := ephemeral.ResponseCacheKey("/v1/pool/stats", r.URL.RawQuery)
	if cached, ok, err := s.cache.Get(r.Context(), cacheKey); err == nil && ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(cached))
		return
	}

	snap, err := s.params.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	online, err := s.ledger.CountOnline(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	poolRate, err := s.ledger.OnlineReportedRate(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := json.Marshal(map[string]any{
		"users_online":            online,
		"pool_rate":               poolRate,
		"emission_per_minute":     token.FloorRat(rewards.EmissionPerMinute(snap)).String(),
		"reward_interval_minutes": int(snap.RewardInterval / time.Minute),
		"min_withdrawal":          snap.MinWithdrawal.String(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cache.Set(r.Context(), cacheKey, string(body), ephemeral.ResponseCacheTTL); err != nil {
		s.log.Warn("stats cache write failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// requireOwnWallet enforces that a signature-armed request acts only on the
// account owning the verified wallet. Unsigned deployments skip the check.
func (s *Server) requireOwnWallet(r *http.Request, userID int64) error {
	signer := SignerAddress(r.Context())
	if signer == "" {
		return nil
	}
	user, err := s.ledger.GetUser(r.Context(), userID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(user.WalletAddress, signer) {
		return fault.ErrStaleOrReused
	}
	return nil
}
