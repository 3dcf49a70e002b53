package httpapi

import (
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/iota-uz/callcore/internal/domain/job"
	"github.com/iota-uz/callcore/internal/llm"
	"github.com/iota-uz/callcore/pkg/serrors"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// OutboundCallRequest is the POST /outbound-call body.
type OutboundCallRequest struct {
	Number                   string `json:"number"`
	Prompt                   string `json:"prompt"`
	FirstMessage             string `json:"first_message"`
	UserChatID               string `json:"user_chat_id,omitempty"`
	CustomerName             string `json:"customer_name,omitempty"`
	BusinessID               string `json:"business_id,omitempty"`
	Script                   string `json:"script,omitempty"`
	Purpose                  string `json:"purpose,omitempty"`
	Emotion                  string `json:"emotion,omitempty"`
	Urgency                  string `json:"urgency,omitempty"`
	TechnicalLevel           string `json:"technical_level,omitempty"`
	VoiceModel               string `json:"voice_model,omitempty"`
	CollectionProfile        string `json:"collection_profile,omitempty"`
	CollectionExpectedLength int    `json:"collection_expected_length,omitempty"`
	CollectionTimeoutS       int    `json:"collection_timeout_s,omitempty"`
	CollectionMaxRetries     int    `json:"collection_max_retries,omitempty"`
	CollectionMaskForGPT     *bool  `json:"collection_mask_for_gpt,omitempty"`
	CollectionSpeakConfirm   *bool  `json:"collection_speak_confirmation,omitempty"`
}

func (req *OutboundCallRequest) validate() error {
	const op = serrors.Op("httpapi.OutboundCallRequest.validate")
	if !e164.MatchString(req.Number) {
		return serrors.E(op, serrors.Validation, "number must be E.164")
	}
	if req.Prompt == "" || len(req.Prompt) > 12000 {
		return serrors.E(op, serrors.Validation, "prompt must be 1-12000 characters")
	}
	if len(req.FirstMessage) > 1000 {
		return serrors.E(op, serrors.Validation, "first_message must be at most 1000 characters")
	}
	return nil
}

// OutboundCall handles POST /outbound-call: validates, enqueues the
// placement job, and answers with the queued call's coordinates.
func (h *Handlers) OutboundCall(w http.ResponseWriter, r *http.Request) {
	var req OutboundCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, serrors.E(serrors.Op("httpapi.OutboundCall"), serrors.Validation, err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	provider, err := h.Router.ActiveTelephony(time.Now())
	if err != nil {
		writeError(w, err)
		return
	}

	payload := map[string]any{
		"number":        req.Number,
		"prompt":        req.Prompt,
		"first_message": req.FirstMessage,
	}
	if req.CustomerName != "" {
		payload["customer_name"] = req.CustomerName
	}
	if req.UserChatID != "" {
		payload["user_chat_id"] = req.UserChatID
	}
	if req.CollectionProfile != "" {
		payload["collection_profile"] = req.CollectionProfile
		payload["collection_expected_length"] = req.CollectionExpectedLength
		payload["collection_timeout_s"] = req.CollectionTimeoutS
		payload["collection_max_retries"] = req.CollectionMaxRetries
	}

	if h.Dedupe != nil {
		claimed, err := h.Dedupe.Claim(r.Context(), "outbound:"+req.Number+":"+llm.InputHash(payload))
		if err == nil && !claimed {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":   true,
				"to":        req.Number,
				"status":    "queued",
				"provider":  provider.Name(),
				"duplicate": true,
			})
			return
		}
	}

	j, err := h.Jobs.Enqueue(r.Context(), job.KindOutboundCall, payload, time.Now())
	if err != nil {
		if h.Dedupe != nil {
			h.Dedupe.Release(r.Context(), "outbound:"+req.Number+":"+llm.InputHash(payload))
		}
		writeError(w, err)
		return
	}

	functionTypes := []string{"collect_digits", "hangup_call", "transfer_call"}
	if h.PaymentsEnabled {
		functionTypes = append(functionTypes, "charge_card")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"call_sid":            j.ID.String(), // provisional until the provider assigns one
		"to":                  req.Number,
		"status":              "queued",
		"provider":            provider.Name(),
		"business_context":    req.BusinessID,
		"generated_functions": len(functionTypes),
		"function_types":      functionTypes,
		"enhanced_webhooks":   true,
	})
}
