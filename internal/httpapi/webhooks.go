package httpapi

import (
	"net/http"
	"time"

	"github.com/iota-uz/callcore/internal/webhookingress"
	"github.com/iota-uz/callcore/pkg/composables"
)

// TwilioVoice handles /webhook/twilio-voice: call progress events and
// media markers for an active call.
func (h *Handlers) TwilioVoice(w http.ResponseWriter, r *http.Request) {
	if err := h.verify(r, "twilio"); err != nil {
		writeError(w, err)
		return
	}
	callSID := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")
	session, ok := h.Sessions.Get(callSID)
	if !ok {
		if status != "answered" && status != "in-progress" {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "ignored": true})
			return
		}
		var err error
		session, err = h.Sessions.Open(r.Context(), callSID, h.DefaultSession)
		if err != nil {
			writeError(w, err)
			return
		}
		if h.Hub != nil {
			h.Hub.Attach(session)
		}
	}

	now := time.Now()
	if status != "" {
		if ev, ok := webhookingress.TranslateStatus(status, now); ok {
			session.PushProviderEvent(ev)
		}
	}
	if answeredBy := r.PostFormValue("AnsweredBy"); answeredBy != "" {
		session.PushProviderEvent(webhookingress.TranslateMachineDetection(answeredBy, now))
	}
	if r.PostFormValue("Mark") != "" {
		session.Mark()
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// TwilioStatus handles /webhook/twilio-status: terminal status
// callbacks, which may arrive after the media session is gone.
func (h *Handlers) TwilioStatus(w http.ResponseWriter, r *http.Request) {
	if err := h.verify(r, "twilio"); err != nil {
		writeError(w, err)
		return
	}
	callSID := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")
	now := time.Now()

	if session, ok := h.Sessions.Get(callSID); ok {
		if ev, ok := webhookingress.TranslateStatus(status, now); ok {
			session.PushProviderEvent(ev)
		}
	} else if h.Calls != nil {
		if ev, ok := webhookingress.TranslateStatus(status, now); ok {
			if c, err := h.Calls.GetByCallSID(r.Context(), callSID); err == nil {
				if c.Transition(ev.Status, now) {
					_ = h.Calls.Update(r.Context(), c)
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// TwilioDTMF handles /webhook/twilio-dtmf: one keypad press.
func (h *Handlers) TwilioDTMF(w http.ResponseWriter, r *http.Request) {
	if err := h.verify(r, "twilio"); err != nil {
		writeError(w, err)
		return
	}
	callSID := r.PostFormValue("CallSid")
	session, ok := h.Sessions.Get(callSID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "ignored": true})
		return
	}
	if ev, ok := webhookingress.TranslateDTMF(r.PostFormValue("Digits"), time.Now()); ok {
		session.PushProviderEvent(ev)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// TwilioGather handles /webhook/twilio-gather: the IVR gather fallback's
// action callback, scoped by planId/stepIndex/channelSessionId.
func (h *Handlers) TwilioGather(w http.ResponseWriter, r *http.Request) {
	if err := h.verify(r, "twilio"); err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	callSID := q.Get("callSid")
	if callSID == "" {
		callSID = r.PostFormValue("CallSid")
	}
	session, ok := h.Sessions.Get(callSID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "ignored": true})
		return
	}
	ev := webhookingress.TranslateGather(
		r.PostFormValue("Digits"),
		q.Get("planId"), q.Get("stepIndex"), q.Get("channelSessionId"),
		time.Now(),
	)
	session.PushProviderEvent(ev)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`<Response/>`))
}

// VonageEvent handles /webhook/vonage-event: status callbacks in
// Vonage's vocabulary.
func (h *Handlers) VonageEvent(w http.ResponseWriter, r *http.Request) {
	if err := h.verify(r, "vonage"); err != nil {
		writeError(w, err)
		return
	}
	callSID := r.PostFormValue("uuid")
	status := r.PostFormValue("status")
	if session, ok := h.Sessions.Get(callSID); ok {
		if ev, ok := webhookingress.TranslateStatus(status, time.Now()); ok {
			session.PushProviderEvent(ev)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// AWSConnectEvent handles /webhook/aws-connect-event.
func (h *Handlers) AWSConnectEvent(w http.ResponseWriter, r *http.Request) {
	if err := h.verify(r, "aws"); err != nil {
		writeError(w, err)
		return
	}
	callSID := r.PostFormValue("ContactId")
	status := r.PostFormValue("Status")
	if session, ok := h.Sessions.Get(callSID); ok {
		if ev, ok := webhookingress.TranslateStatus(status, time.Now()); ok {
			session.PushProviderEvent(ev)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// SMSStatus handles /webhook/sms-status: each delivery receipt is
// logged with its message SID and status; no reconciliation job is
// enqueued.
func (h *Handlers) SMSStatus(w http.ResponseWriter, r *http.Request) {
	if err := h.verify(r, "twilio"); err != nil {
		writeError(w, err)
		return
	}
	messageSID := r.PostFormValue("MessageSid")
	status := r.PostFormValue("MessageStatus")
	composables.UseLogger(r.Context()).
		WithField("message_sid", messageSID).
		WithField("status", status).
		Info("httpapi: sms status received")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// verify applies the configured validation mode for providerName.
func (h *Handlers) verify(r *http.Request, providerName string) error {
	v, ok := h.Verifiers[providerName]
	if !ok {
		return nil
	}
	return v.Verify(r)
}
