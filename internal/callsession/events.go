// Package callsession implements the call session runtime: one
// state machine per call multiplexing provider media, STT transcripts,
// LLM turns, TTS pacing and keypad capture, with a typed live-event
// stream for operator dashboards.
package callsession

import (
	"strings"
	"time"
)

// Phase is the dialogue phase of one call. The phase selects which
// sub-window of the dialogue the LLM prompt includes.
type Phase string

const (
	PhaseGreeting     Phase = "greeting"
	PhaseResolution   Phase = "resolution"
	PhaseVerification Phase = "verification"
	PhaseClosing      Phase = "closing"
	PhaseTerminal     Phase = "terminal"
)

// verificationKeywords trigger the resolution -> verification
// transition when they appear in a user utterance.
var verificationKeywords = []string{"otp", "code", "verify", "passcode"}

// NextPhase applies the phase transition rules: turn count moves
// greeting forward, verification keywords or an explicit profile change
// enter verification, and the operator override wins over both.
func NextPhase(current Phase, turnCount int, utterance string, profileChanged bool, operatorOverride Phase) Phase {
	if operatorOverride != "" {
		return operatorOverride
	}
	if current == PhaseTerminal {
		return PhaseTerminal
	}
	if profileChanged || containsKeyword(utterance) {
		if current == PhaseGreeting || current == PhaseResolution {
			return PhaseVerification
		}
	}
	if current == PhaseGreeting && turnCount >= 1 {
		return PhaseResolution
	}
	return current
}

func containsKeyword(utterance string) bool {
	for _, tok := range strings.Fields(strings.ToLower(utterance)) {
		tok = strings.Trim(tok, ".,!?;:\"'")
		for _, kw := range verificationKeywords {
			if tok == kw {
				return true
			}
		}
	}
	return false
}

// EventKind discriminates SessionEvent's variant union.
type EventKind string

const (
	EventCallOpened     EventKind = "call_opened"
	EventCallClosed     EventKind = "call_closed"
	EventPhaseChanged   EventKind = "phase_changed"
	EventTranscript     EventKind = "transcript"
	EventGPTReply       EventKind = "gptreply"
	EventBargeIn        EventKind = "barge_in"
	EventDigitResolved  EventKind = "digit_resolved"
	EventStatusChanged  EventKind = "status_changed"
	EventTTSSendFailed  EventKind = "tts_send_failed"
	EventSTTReconnected EventKind = "stt_reconnected"
)

// SessionEvent is one entry on a session's live event stream. A single
// variant union: Kind selects which fields are meaningful.
type SessionEvent struct {
	Kind    EventKind      `json:"kind"`
	CallSID string         `json:"callSid"`
	At      time.Time      `json:"at"`
	Phase   Phase          `json:"phase,omitempty"`
	Text    string         `json:"text,omitempty"`
	Speaker string         `json:"speaker,omitempty"`
	Index   int            `json:"index,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}
