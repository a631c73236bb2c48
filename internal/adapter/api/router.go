package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/zpool-watch/internal/adapter/api/handler"
	"github.com/V4T54L/zpool-watch/internal/adapter/api/middleware"
)

// NewAdminRouter creates the admin HTTP router: health, status and metrics.
func NewAdminRouter(provider handler.StatusProvider, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	statusHandler := handler.NewStatusHandler(provider, logger)

	mux.HandleFunc("GET /health", statusHandler.HealthCheck)
	mux.HandleFunc("GET /status", statusHandler.GetStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return middleware.Logging(logger)(mux)
}
