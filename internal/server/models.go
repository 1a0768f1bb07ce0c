package server

import (
	"net/http"
	"time"
)

// modelEntry is an OpenAI-compatible model list item.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleListModels lists the routable catalog in OpenAI list format.
// Deprecated models are omitted even though pinned requests may still
// reach them.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	models := s.deps.Registry.Models()

	resp := modelListResponse{Object: "list", Data: make([]modelEntry, 0, len(models))}
	for _, m := range models {
		if m.Deprecated(now) {
			continue
		}
		owned := m.Family
		if owned == "" {
			owned = "system"
		}
		resp.Data = append(resp.Data, modelEntry{
			ID:      m.ID,
			Object:  "model",
			Created: now.Unix(),
			OwnedBy: owned,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
