package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/seantiz/querygate/internal/engine"
	"github.com/seantiz/querygate/internal/health"
)

func TestHealthzEndpoint(t *testing.T) {
	env := newTestEnv(t, engine.Options{Slots: 1})

	resp := env.do(t, http.MethodGet, "/healthz", nil, nil)
	wantStatus(t, resp, http.StatusOK)

	body := decodeBody[healthResponse](t, resp)
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, engine.Options{Slots: 1})

	// Make a request to generate metrics.
	env.do(t, http.MethodGet, "/healthz", nil, nil)

	resp := env.do(t, http.MethodGet, "/metrics", nil, nil)
	wantStatus(t, resp, http.StatusOK)

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "text/openmetrics") {
		t.Errorf("Content-Type = %q, expected prometheus format", contentType)
	}

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)

	for _, name := range []string{
		"querygate_http_requests_total",
		"querygate_http_request_duration_seconds",
		"querygate_executions_total",
		"querygate_pool_queue_depth",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestHealthReportsDegradedChecks(t *testing.T) {
	env := newTestEnv(t, engine.Options{Slots: 1})

	resp := env.do(t, http.MethodGet, "/v1/health", nil, nil)
	wantStatus(t, resp, http.StatusOK)
	report := decodeBody[health.Report](t, resp)
	if report.Status != health.StatusOK || len(report.Checks) != 2 {
		t.Fatalf("report = %+v", report)
	}

	env.check.set(errors.New("store ping took 2s"))
	env.monitor.Evaluate(t.Context())

	resp = env.do(t, http.MethodGet, "/v1/health", nil, nil)
	report = decodeBody[health.Report](t, resp)
	if report.Status != health.StatusDegraded {
		t.Errorf("status = %q, want degraded", report.Status)
	}
	if report.Checks[0].Name != "store" || report.Checks[0].Reason != "store ping took 2s" {
		t.Errorf("checks = %+v", report.Checks)
	}

	resp = env.do(t, http.MethodGet, "/ready", nil, nil)
	wantStatus(t, resp, http.StatusServiceUnavailable)
	resp = env.do(t, http.MethodGet, "/live", nil, nil)
	wantStatus(t, resp, http.StatusOK)
}
