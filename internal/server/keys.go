package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/ratelimit"
)

// maxBody caps key management request bodies (1 MB).
const maxBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on
// error. Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(http.StatusBadRequest, "invalid request body", nil))
		return false
	}
	return true
}

// dataResponse wraps list payloads.
type dataResponse struct {
	Data any `json:"data"`
}

// ownedKey loads a key and checks it belongs to the caller's project.
// Foreign and unknown keys both read as 404 so key IDs cannot be probed.
func (s *server) ownedKey(w http.ResponseWriter, r *http.Request, id string) (*gateway.APIKey, bool) {
	key, err := s.deps.Store.GetKey(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorEnvelope(http.StatusNotFound, "not found", nil))
		return nil, false
	}
	ident := gateway.IdentityFromContext(r.Context())
	if ident == nil || key.ProjectID != ident.ProjectID {
		writeJSON(w, http.StatusNotFound, errorEnvelope(http.StatusNotFound, "not found", nil))
		return nil, false
	}
	return key, true
}

func (s *server) invalidateKey(id string) {
	if s.deps.Invalidator != nil {
		s.deps.Invalidator.InvalidateByKeyID(id)
	}
}

// --- Keys ---

// keyCreateRequest is the payload for creating a new API key.
type keyCreateRequest struct {
	Description string           `json:"description,omitempty"`
	UsageLimit  *decimal.Decimal `json:"usage_limit,omitempty"`
}

// keyCreateResponse is the only place the plaintext key ever appears.
type keyCreateResponse struct {
	*gateway.APIKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ident := gateway.IdentityFromContext(r.Context())
	if s.deps.KeyGate != nil {
		res, err := s.deps.KeyGate.Check(r.Context(), ratelimit.SignupPrefix, ident.ProjectID)
		if err == nil && !res.Allowed {
			writeRateLimited(w, res)
			return
		}
	}
	plaintext, key, err := s.deps.Keys.CreateKey(r.Context(), ident.ProjectID, req.Description, req.UsageLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.deps.KeyGate != nil {
		// A successful create clears the penalty; only hammering failures
		// keeps growing the delay.
		if err := s.deps.KeyGate.Reset(r.Context(), ratelimit.SignupPrefix, ident.ProjectID); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "key gate reset failed",
				slog.String("project_id", ident.ProjectID),
				slog.String("error", err.Error()))
		}
	}
	w.Header().Set("Location", "/keys/api/"+key.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{APIKey: key, PlaintextKey: plaintext})
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	ident := gateway.IdentityFromContext(r.Context())
	keys, err := s.deps.Keys.Keys(r.Context(), ident.ProjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: keys})
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.ownedKey(w, r, id); !ok {
		return
	}
	if err := s.deps.Keys.DeleteKey(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.invalidateKey(id)
	w.WriteHeader(http.StatusNoContent)
}

// keyUpdateRequest patches a key's metadata. Omitted fields keep their
// current value.
type keyUpdateRequest struct {
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	current, ok := s.ownedKey(w, r, id)
	if !ok {
		return
	}
	var req keyUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	description := current.Description
	if req.Description != nil {
		description = *req.Description
	}
	status := current.Status
	if req.Status != nil {
		status = *req.Status
	}
	key, err := s.deps.Keys.UpdateKey(r.Context(), id, description, status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.invalidateKey(id)
	writeJSON(w, http.StatusOK, key)
}

// keyLimitRequest carries the new usage limit; null clears it.
type keyLimitRequest struct {
	UsageLimit *decimal.Decimal `json:"usage_limit"`
}

func (s *server) handleSetKeyLimit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.ownedKey(w, r, id); !ok {
		return
	}
	var req keyLimitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UsageLimit != nil && req.UsageLimit.IsNegative() {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(http.StatusBadRequest,
			"invalid request", map[string]string{"usage_limit": "must not be negative"}))
		return
	}
	if err := s.deps.Keys.SetUsageLimit(r.Context(), id, req.UsageLimit); err != nil {
		writeError(w, r, err)
		return
	}
	s.invalidateKey(id)
	key, err := s.deps.Store.GetKey(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// --- IAM rules ---

// iamRuleRequest creates or updates a rule. On update, omitted fields keep
// their current value.
type iamRuleRequest struct {
	RuleType  *string               `json:"rule_type,omitempty"`
	RuleValue *gateway.IamRuleValue `json:"rule_value,omitempty"`
	Status    *string               `json:"status,omitempty"`
}

func (s *server) handleCreateIamRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.ownedKey(w, r, id); !ok {
		return
	}
	var req iamRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RuleType == nil || req.RuleValue == nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(http.StatusBadRequest,
			"invalid request", map[string]string{"rule_type": "rule_type and rule_value are required"}))
		return
	}
	rule, err := s.deps.Keys.CreateIamRule(r.Context(), id, *req.RuleType, *req.RuleValue)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *server) handleListIamRules(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.ownedKey(w, r, id); !ok {
		return
	}
	rules, err := s.deps.Keys.Rules(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: rules})
}

func (s *server) handleUpdateIamRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ruleID := chi.URLParam(r, "ruleID")
	if _, ok := s.ownedKey(w, r, id); !ok {
		return
	}
	var req iamRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	current, err := s.deps.Store.GetIamRule(r.Context(), id, ruleID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ruleType := current.RuleType
	if req.RuleType != nil {
		ruleType = *req.RuleType
	}
	value := current.RuleValue
	if req.RuleValue != nil {
		value = *req.RuleValue
	}
	status := current.Status
	if req.Status != nil {
		status = *req.Status
	}
	rule, err := s.deps.Keys.UpdateIamRule(r.Context(), id, ruleID, ruleType, value, status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *server) handleDeleteIamRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ruleID := chi.URLParam(r, "ruleID")
	if _, ok := s.ownedKey(w, r, id); !ok {
		return
	}
	if err := s.deps.Keys.DeleteIamRule(r.Context(), id, ruleID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
