package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pulsepool/fault"
)

// configEntryView is the wire shape of one tunable row.
type configEntryView struct {
	Key       string    `json:"key"`
	Value     *string   `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AdminGetConfig lists every runtime tunable with its last write time.
func (s *Server) AdminGetConfig(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.LoadConfigEntries(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]configEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, configEntryView{Key: entry.Key, Value: entry.Value, UpdatedAt: entry.UpdatedAt})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"config": views})
}

// AdminSetConfig writes one tunable. The value may arrive as a JSON string,
// a number or null; numbers pass through undecoded so large token amounts
// never round-trip a float.
func (s *Server) AdminSetConfig(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	var req struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fault.ErrInvalidInput)
		return
	}
	value, err := decodeConfigValue(req.Value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.params.Set(r.Context(), adminActor(r.Context()), key, value); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// decodeConfigValue renders a raw JSON value as the string form the config
// plane validates. Missing and null both mean NULL.
func decodeConfigValue(raw json.RawMessage) (*string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fault.ErrInvalidInput
		}
		text = strings.TrimSpace(text)
		return &text, nil
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err != nil {
		return nil, fault.ErrInvalidInput
	}
	text := number.String()
	return &text, nil
}

// AdminRetryWithdrawal returns a failed withdrawal to the queue.
func (s *Server) AdminRetryWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.admin.Retry(r.Context(), id, adminActor(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// AdminForceFailWithdrawal pushes a withdrawal to failed, restoring the
// owner's balance when a debit is outstanding.
func (s *Server) AdminForceFailWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fault.ErrInvalidInput)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		s.writeError(w, r, fault.ErrInvalidInput)
		return
	}
	if err := s.admin.ForceFail(r.Context(), id, req.Reason, adminActor(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// auditEventView is the wire shape of one audit trail entry.
type auditEventView struct {
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

// AdminWithdrawalAudit lists a withdrawal's audit trail, newest first. The
// trail covers operator overrides and worker compensations.
func (s *Server) AdminWithdrawalAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.ledger.AuditEventsFor(r.Context(), fmt.Sprintf("withdrawal:%d", id), 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]auditEventView, 0, len(events))
	for _, event := range events {
		views = append(views, auditEventView{
			Actor:     event.Actor,
			Action:    event.Action,
			Details:   event.Details,
			CreatedAt: event.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": views})
}
