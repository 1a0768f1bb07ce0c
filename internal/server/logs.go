package server

import (
	"net/http"
	"strconv"
	"time"

	gateway "github.com/durinhq/durin/internal"
)

// logQueryLimit bounds page sizes on the logs endpoint.
const (
	defaultLogLimit = 50
	maxLogLimit     = 100
)

// handleQueryLogs serves cursor-paginated request logs, always scoped to the
// caller's organization.
func (s *server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	ident := gateway.IdentityFromContext(r.Context())
	q := r.URL.Query()

	f := gateway.LogFilter{
		OrgID:               ident.OrgID,
		ProjectID:           q.Get("projectId"),
		UnifiedFinishReason: q.Get("unifiedFinishReason"),
		Provider:            q.Get("provider"),
		Model:               q.Get("model"),
		CustomHeaderKey:     q.Get("customHeaderKey"),
		CustomHeaderValue:   q.Get("customHeaderValue"),
	}
	if v := q.Get("startDate"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorEnvelope(http.StatusBadRequest,
				"invalid request", map[string]string{"startDate": "must be RFC3339"}))
			return
		}
		f.StartDate = ts
	}
	if v := q.Get("endDate"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorEnvelope(http.StatusBadRequest,
				"invalid request", map[string]string{"endDate": "must be RFC3339"}))
			return
		}
		f.EndDate = ts
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > maxLogLimit {
		limit = defaultLogLimit
	}

	page, err := s.deps.Store.QueryLogs(r.Context(), f, q.Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleActivity serves the per-day usage rollup for the dashboard chart.
// Only 7 and 30 day windows exist.
func (s *server) handleActivity(w http.ResponseWriter, r *http.Request) {
	ident := gateway.IdentityFromContext(r.Context())
	q := r.URL.Query()

	days := 7
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || (n != 7 && n != 30) {
			writeJSON(w, http.StatusBadRequest, errorEnvelope(http.StatusBadRequest,
				"invalid request", map[string]string{"days": "must be 7 or 30"}))
			return
		}
		days = n
	}

	activity, err := s.deps.Store.Activity(r.Context(), ident.OrgID, q.Get("projectId"), days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: activity})
}
