package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/iota-uz/callcore/internal/domain/call"
	"github.com/iota-uz/callcore/pkg/serrors"
)

func callBody(c call.Call) map[string]any {
	body := map[string]any{
		"call_sid":     c.CallSID(),
		"provider":     c.Provider(),
		"direction":    string(c.Direction()),
		"phone_number": c.PhoneNumber(),
		"status":       string(c.Status()),
		"created_at":   c.CreatedAt().Format(time.RFC3339),
		"digit_count":  c.DigitCount(),
	}
	if c.StartedAt() != nil {
		body["started_at"] = c.StartedAt().Format(time.RFC3339)
	}
	if c.EndedAt() != nil {
		body["ended_at"] = c.EndedAt().Format(time.RFC3339)
	}
	if c.Duration() != nil {
		body["duration_s"] = int(c.Duration().Seconds())
	}
	if c.CustomerName() != nil {
		body["customer_name"] = *c.CustomerName()
	}
	if c.LastOTPMasked() != nil {
		body["last_otp_masked"] = *c.LastOTPMasked()
	}
	if c.DigitSummary() != nil {
		body["digit_summary"] = *c.DigitSummary()
	}
	if c.AIAnalysis() != nil {
		body["ai_analysis"] = *c.AIAnalysis()
	}
	return body
}

func parseFindParams(r *http.Request) call.FindParams {
	q := r.URL.Query()
	params := call.FindParams{Limit: 20}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		if limit < 1 {
			limit = 1
		}
		if limit > 50 {
			limit = 50
		}
		params.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
		params.Offset = offset
	}
	if status := q.Get("status"); status != "" {
		s := call.Status(status)
		params.Status = &s
	}
	if phone := q.Get("phone"); phone != "" {
		params.Phone = &phone
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.CreatedAt.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			params.CreatedAt.To = &t
		}
	}
	params.SortBy = call.SortBy{Fields: []call.Field{call.FieldCreatedAt}, Ascending: false}
	return params
}

// ListCalls handles GET /api/calls and /api/calls/list.
func (h *Handlers) ListCalls(w http.ResponseWriter, r *http.Request) {
	params := parseFindParams(r)
	calls, err := h.Calls.GetPaginated(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := h.Calls.Count(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		items = append(items, callBody(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"calls":   items,
		"total":   total,
		"limit":   params.Limit,
		"offset":  params.Offset,
	})
}

// SearchCalls handles GET /api/calls/search?q= (2-120 chars).
func (h *Handlers) SearchCalls(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(q) < 2 || len(q) > 120 {
		writeError(w, serrors.E(serrors.Op("httpapi.SearchCalls"), serrors.Validation, "q must be 2-120 characters"))
		return
	}
	params := parseFindParams(r)
	params.Query = q
	calls, err := h.Calls.GetPaginated(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		items = append(items, callBody(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "calls": items, "query": q})
}

// GetCall handles GET /api/calls/{callSid}.
func (h *Handlers) GetCall(w http.ResponseWriter, r *http.Request) {
	callSID := mux.Vars(r)["callSid"]
	c, err := h.Calls.GetByCallSID(r.Context(), callSID)
	if err != nil {
		writeError(w, err)
		return
	}
	body := callBody(c)
	if h.Transcripts != nil {
		lines, err := h.Transcripts.ListByCallSID(r.Context(), callSID)
		if err == nil {
			entries := make([]map[string]any, 0, len(lines))
			for _, t := range lines {
				entries = append(entries, map[string]any{
					"speaker":   string(t.Speaker),
					"message":   t.Message,
					"timestamp": t.Timestamp.Format(time.RFC3339),
				})
			}
			body["transcript"] = entries
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "call": body})
}

// GetCallStatus handles GET /api/calls/{callSid}/status.
func (h *Handlers) GetCallStatus(w http.ResponseWriter, r *http.Request) {
	callSID := mux.Vars(r)["callSid"]
	c, err := h.Calls.GetByCallSID(r.Context(), callSID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"call_sid": c.CallSID(),
		"status":   string(c.Status()),
	})
}

// GetTranscriptAudio handles GET /api/calls/{callSid}/transcript/audio:
// 202 while the recording is still being assembled, 200 with the audio
// reference once ready.
func (h *Handlers) GetTranscriptAudio(w http.ResponseWriter, r *http.Request) {
	callSID := mux.Vars(r)["callSid"]
	c, err := h.Calls.GetByCallSID(r.Context(), callSID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !c.Status().Terminal() {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"status":  "pending",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"status":    "ready",
		"call_sid":  callSID,
		"audio_url": "/recordings/" + callSID + ".wav",
	})
}
