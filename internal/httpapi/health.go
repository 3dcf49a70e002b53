package httpapi

import (
	"net/http"
	"strconv"
	"time"
)

// Health handles GET /health: process liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Ready handles GET /ready: storage reachability.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ReadyCheck != nil {
		if err := h.ReadyCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// Status handles GET /status: a coarse operational snapshot.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	provider := ""
	if p, err := h.Router.ActiveTelephony(time.Now()); err == nil {
		provider = p.Name()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_provider": provider,
		"uptime_s":        int(time.Since(h.startedAt).Seconds()),
	})
}

// GPTObservability handles GET /api/observability/gpt?window_minutes=.
func (h *Handlers) GPTObservability(w http.ResponseWriter, r *http.Request) {
	window := 60
	if v, err := strconv.Atoi(r.URL.Query().Get("window_minutes")); err == nil {
		window = v
	}
	writeJSON(w, http.StatusOK, h.GPT.Summarize(window, time.Now()))
}
