package digits

import (
	"fmt"
	"html"

	"github.com/iota-uz/callcore/internal/domain/digitplan"
)

// GatherTwiML renders the IVR gather fallback TwiML: a provider-side
// Gather verb whose action URL carries planId, stepIndex and
// channelSessionId so stale callbacks can be rejected.
func GatherTwiML(host, callSID, voice, prompt string, exp *digitplan.Expectation, channelSessionID string, followup string) string {
	planID := ""
	if exp.PlanID != nil {
		planID = *exp.PlanID
	}
	stepIndex := 0
	if exp.PlanStepIndex != nil {
		stepIndex = *exp.PlanStepIndex
	}
	action := fmt.Sprintf(
		"https://%s/webhook/twilio-gather?callSid=%s&planId=%s&stepIndex=%d&channelSessionId=%s",
		host, callSID, planID, stepIndex, channelSessionID,
	)
	body := fmt.Sprintf(
		`<Response><Gather input="dtmf" numDigits="%d" timeout="%d" action="%s" method="POST"><Say voice="%s">%s</Say></Gather>%s</Response>`,
		exp.MaxDigits, exp.TimeoutS, html.EscapeString(action), html.EscapeString(voice), html.EscapeString(prompt), followup,
	)
	return body
}

// LivenessCheckTwiML renders the "press 1" liveness check issued after
// max_retries is exhausted, before hanging up.
func LivenessCheckTwiML(host, callSID, voice string) string {
	action := fmt.Sprintf("https://%s/webhook/twilio-gather?callSid=%s&liveness=1", host, callSID)
	return fmt.Sprintf(
		`<Response><Gather input="dtmf" numDigits="1" timeout="10" action="%s" method="POST"><Say voice="%s">If you are still there, press 1.</Say></Gather><Hangup/></Response>`,
		html.EscapeString(action), html.EscapeString(voice),
	)
}
