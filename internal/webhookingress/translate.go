package webhookingress

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/iota-uz/callcore/internal/callsession"
	"github.com/iota-uz/callcore/internal/domain/call"
	"github.com/iota-uz/callcore/internal/providers"
)

// statusByProvider maps each provider's status vocabulary onto the core
// Call status set.
var statusByProvider = map[string]call.Status{
	// Twilio
	"queued":      call.StatusQueued,
	"initiated":   call.StatusQueued,
	"ringing":     call.StatusRinging,
	"in-progress": call.StatusInProgress,
	"answered":    call.StatusInProgress,
	"completed":   call.StatusCompleted,
	"failed":      call.StatusFailed,
	"no-answer":   call.StatusNoAnswer,
	"busy":        call.StatusBusy,
	"canceled":    call.StatusCanceled,
	// Vonage
	"started":    call.StatusRinging,
	"unanswered": call.StatusNoAnswer,
	"rejected":   call.StatusBusy,
	"timeout":    call.StatusNoAnswer,
	"cancelled":  call.StatusCanceled,
}

// TranslateStatus converts a provider status callback into a core
// command.
func TranslateStatus(providerStatus string, at time.Time) (callsession.ProviderEvent, bool) {
	status, ok := statusByProvider[providerStatus]
	if !ok {
		return callsession.ProviderEvent{}, false
	}
	return callsession.ProviderEvent{Kind: "status", Status: status, At: at}, true
}

// TranslateDTMF converts one keypad press callback. Only a single
// keypad character is legal per event.
func TranslateDTMF(digit string, at time.Time) (callsession.ProviderEvent, bool) {
	if len(digit) != 1 {
		return callsession.ProviderEvent{}, false
	}
	r := rune(digit[0])
	if !(r >= '0' && r <= '9' || r == '*' || r == '#') {
		return callsession.ProviderEvent{}, false
	}
	return callsession.ProviderEvent{Kind: "dtmf", Digit: r, At: at}, true
}

// TranslateGather converts an IVR gather action callback, carrying the
// dedupe scope (planId/stepIndex/channelSessionId) used to reject stale
// or duplicate callbacks.
func TranslateGather(digits, planID, stepIndex, channelSessionID string, at time.Time) callsession.ProviderEvent {
	return callsession.ProviderEvent{
		Kind:   "gather-result",
		Digits: digits,
		Dedupe: planID + ":" + stepIndex + ":" + channelSessionID,
		At:     at,
	}
}

// TranslateMedia converts one media-stream frame message. Twilio ships
// base64 mulaw/8000; Vonage ships raw l16/16000 — the payload passes
// through untranscoded.
func TranslateMedia(providerName, payloadB64 string, sequence string) (providers.MediaFrame, bool) {
	payload, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return providers.MediaFrame{}, false
	}
	seq, err := strconv.Atoi(sequence)
	if err != nil {
		return providers.MediaFrame{}, false
	}
	encoding := "mulaw/8000"
	if providerName == "vonage" {
		encoding = "l16/16000"
	}
	return providers.MediaFrame{SequenceNumber: seq, Payload: payload, Encoding: encoding}, true
}

// TranslateMachineDetection converts an answering-machine detection
// callback.
func TranslateMachineDetection(answeredBy string, at time.Time) callsession.ProviderEvent {
	return callsession.ProviderEvent{
		Kind:    "machine-detection",
		Payload: map[string]any{"answered_by": answeredBy},
		At:      at,
	}
}
