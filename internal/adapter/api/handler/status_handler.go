package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/V4T54L/zpool-watch/internal/domain"
)

// StatusProvider exposes the event loop's current status.
type StatusProvider interface {
	Status() domain.Status
}

// StatusHandler serves health and status of the event monitor.
type StatusHandler struct {
	provider StatusProvider
	logger   *slog.Logger
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(provider StatusProvider, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{provider: provider, logger: logger}
}

// HealthCheck reports 200 while the event loop is alive and 503 once it stopped.
// GET /health
func (h *StatusHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s := h.provider.Status()
	code := http.StatusOK
	if s.State == domain.StateStopped {
		code = http.StatusServiceUnavailable
	}
	h.respondWithJSON(w, code, map[string]string{"status": string(s.State)})
}

// GetStatus returns the full status snapshot.
// GET /status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, h.provider.Status())
}

func (h *StatusHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
