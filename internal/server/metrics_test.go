package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/durinhq/durin/internal/telemetry"
)

func newMetricsServer(t *testing.T) (*testServer, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	ts := newTestServer(t, func(d *Deps) {
		d.Metrics = telemetry.NewMetrics(reg)
		d.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	})
	return ts, reg
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ts, _ := newMetricsServer(t)

	// Hit a normal endpoint first to generate metrics.
	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", chatBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	ts.sink.wait(t)

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"durin_requests_total",
		"durin_request_duration_seconds",
		"durin_upstream_duration_seconds",
		"durin_tokens_processed_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics should contain %s", name)
		}
	}
}

func TestMetricsMiddleware_IncrementsCounters(t *testing.T) {
	t.Parallel()
	ts, reg := newMetricsServer(t)

	for range 3 {
		ts.do(t, http.MethodGet, "/", "")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, f := range families {
		if f.GetName() != "durin_requests_total" {
			continue
		}
		found = true
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "path" && l.GetValue() == "/" {
					if m.GetCounter().GetValue() < 3 {
						t.Errorf("requests_total for / = %f, want >= 3", m.GetCounter().GetValue())
					}
				}
			}
		}
	}
	if !found {
		t.Error("durin_requests_total metric not found")
	}
}

func TestMetrics_RateLimitRejectCounted(t *testing.T) {
	t.Parallel()
	ts, reg := newMetricsServer(t)

	body := `{"model":"glm-4.5-flash","messages":[{"role":"user","content":"hi"}]}`
	ts.quota.res.Allowed = false
	ts.quota.res.Limit = 5
	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	ts.sink.wait(t)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == "durin_ratelimit_rejects_total" {
			return
		}
	}
	t.Error("durin_ratelimit_rejects_total not found after a 429")
}
