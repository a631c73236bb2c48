package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/V4T54L/zpool-watch/internal/adapter/metrics"
	"github.com/V4T54L/zpool-watch/internal/domain"
)

type fixedStatus struct{ s domain.Status }

func (f fixedStatus) Status() domain.Status { return f.s }

func TestAdminRouter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.NewMonitorMetrics(reg)
	m.ObserveEvent("ignored")
	m.SetState(domain.StateRunning)

	srv := httptest.NewServer(NewAdminRouter(fixedStatus{domain.Status{State: domain.StateRunning}}, reg, logger))
	defer srv.Close()

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
		expectedBody   string
	}{
		{"Health", http.MethodGet, "/health", http.StatusOK, `"status":"running"`},
		{"Status", http.MethodGet, "/status", http.StatusOK, `"state":"running"`},
		{"Metrics", http.MethodGet, "/metrics", http.StatusOK, `zpool_watch_events_total{outcome="ignored"} 1`},
		{"Wrong Method", http.MethodPost, "/status", http.StatusMethodNotAllowed, ""},
		{"Unknown Path", http.MethodGet, "/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			if err != nil {
				t.Fatalf("failed to build request: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}
			if tt.expectedBody != "" && !strings.Contains(string(body), tt.expectedBody) {
				t.Errorf("expected body to contain %q, got %q", tt.expectedBody, body)
			}
		})
	}
}
