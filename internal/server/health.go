package server

import (
	"context"
	"net/http"
	"time"
)

const defaultHealthTimeout = 5 * time.Second

type probeStatus struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

type healthStatus struct {
	Status   string      `json:"status"`
	Database probeStatus `json:"database"`
	Redis    probeStatus `json:"redis"`
}

type healthResponse struct {
	Message string       `json:"message"`
	Version string       `json:"version"`
	Health  healthStatus `json:"health"`
}

// handleHealth probes the store and the KV backend, each within its own
// deadline, and reports 503 when either is down.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	timeout := s.deps.HealthTimeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}

	resp := healthResponse{
		Message: "Durin is running",
		Version: s.deps.Version,
		Health: healthStatus{
			Status:   "healthy",
			Database: s.probe(r.Context(), timeout, s.deps.Store.Ping),
			Redis:    s.probe(r.Context(), timeout, s.deps.RedisPing),
		},
	}

	status := http.StatusOK
	if !resp.Health.Database.Connected || !resp.Health.Redis.Connected {
		resp.Health.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// probe runs one dependency check under its own deadline. A nil pinger
// reports connected, for deployments without that dependency.
func (s *server) probe(ctx context.Context, timeout time.Duration, ping Pinger) probeStatus {
	if ping == nil {
		return probeStatus{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ping(ctx); err != nil {
		return probeStatus{Connected: false, Error: err.Error()}
	}
	return probeStatus{Connected: true}
}
