package digits

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iota-uz/callcore/internal/domain/digitplan"
)

func TestGatherTwiMLShape(t *testing.T) {
	exp := digitplan.NewExpectation("zip", 5, 5, 15, 3, false, false)
	planID := "plan-7"
	stepIndex := 1
	exp.PlanID = &planID
	exp.PlanStepIndex = &stepIndex

	twiml := GatherTwiML("voice.example.com", "CA1", "Polly.Joanna", "Enter your zip code.", exp, "chan-9", "")

	assert.Contains(t, twiml, `<Response><Gather input="dtmf" numDigits="5" timeout="15"`)
	assert.Contains(t, twiml, "callSid=CA1")
	assert.Contains(t, twiml, "planId=plan-7")
	assert.Contains(t, twiml, "stepIndex=1")
	assert.Contains(t, twiml, "channelSessionId=chan-9")
	assert.Contains(t, twiml, `method="POST"`)
	assert.Contains(t, twiml, `<Say voice="Polly.Joanna">Enter your zip code.</Say>`)
	assert.Contains(t, twiml, "</Gather></Response>")
}

func TestLivenessCheckTwiML(t *testing.T) {
	twiml := LivenessCheckTwiML("voice.example.com", "CA1", "Polly.Joanna")
	assert.Contains(t, twiml, `numDigits="1"`)
	assert.Contains(t, twiml, "liveness=1")
	assert.Contains(t, twiml, "<Hangup/>")
}
