package digits

import (
	"time"

	"github.com/iota-uz/callcore/internal/domain/digitevent"
	"github.com/iota-uz/callcore/internal/domain/digitplan"
)

// Outcome is the result of feeding one key press into a Collector.
type Outcome struct {
	Accepted bool
	Done     bool // buffer reached a terminal state (accepted, or retries exhausted)
	Reason   string
	Buffer   string

	// DroppedTooFast marks that the previously buffered press was
	// rejected too_fast and discarded before this press was processed.
	DroppedTooFast bool
}

// Collector runs the per-press recording algorithm against a single
// digitplan.Expectation.
type Collector struct {
	MinDTMFGapMs int
	lastPressAt  time.Time
}

// NewCollector builds a Collector enforcing the configured minimum
// inter-key gap (KEYPAD_MIN_DTMF_GAP_MS).
func NewCollector(minDTMFGapMs int) *Collector {
	return &Collector{MinDTMFGapMs: minDTMFGapMs}
}

// Press feeds one key press into the expectation's buffer. A buffer is
// finalized only when it fills to MaxDigits or a terminator arrives;
// variable-length profiles keep collecting past MinDigits so the full
// value, not a prefix, is what the validator sees. Callers that pin an
// exact length (min == max) finalize as soon as that length is reached.
func (c *Collector) Press(exp *digitplan.Expectation, key rune, at time.Time) Outcome {
	droppedTooFast := false
	if len(exp.Buffer) == 1 && !c.lastPressAt.IsZero() {
		gap := at.Sub(c.lastPressAt)
		if gap < time.Duration(c.MinDTMFGapMs)*time.Millisecond {
			// The buffered press was a bounce: reject it too_fast, clear
			// it, and process the current press normally.
			exp.Buffer = nil
			droppedTooFast = true
		}
	}
	c.lastPressAt = at

	if exp.AllowTerminator && key == exp.TerminatorChar {
		out := c.Finalize(exp)
		out.DroppedTooFast = droppedTooFast
		return out
	}

	exp.Buffer = append(exp.Buffer, key)
	if len(exp.Buffer) > exp.MaxDigits {
		exp.Buffer = nil
		exp.Retries++
		return Outcome{Accepted: false, Done: exp.Retries >= exp.MaxRetries, Reason: "too_long", DroppedTooFast: droppedTooFast}
	}

	if len(exp.Buffer) == exp.MaxDigits {
		out := c.Finalize(exp)
		out.DroppedTooFast = droppedTooFast
		return out
	}
	return Outcome{Accepted: false, Done: false, Reason: "", Buffer: string(exp.Buffer), DroppedTooFast: droppedTooFast}
}

// Finalize validates whatever is buffered, as if a terminator had
// arrived. The timeout and gather paths use it to flush a
// variable-length buffer that satisfies MinDigits without having
// reached MaxDigits.
func (c *Collector) Finalize(exp *digitplan.Expectation) Outcome {
	buf := string(exp.Buffer)
	if len(buf) < exp.MinDigits {
		exp.Buffer = nil
		exp.Retries++
		if exp.Retries >= exp.MaxRetries {
			return Outcome{Accepted: false, Done: true, Reason: "incomplete"}
		}
		return Outcome{Accepted: false, Done: false, Reason: "incomplete"}
	}

	validate := Validators[Profile(exp.Profile)]
	if validate == nil {
		validate = Validators[ProfileGeneric]
	}
	ok, reason := validate(buf)
	if !ok {
		exp.Buffer = nil
		exp.Retries++
		return Outcome{Accepted: false, Done: exp.Retries >= exp.MaxRetries, Reason: reason, Buffer: buf}
	}

	if repeatPattern(buf) {
		exp.Buffer = nil
		exp.Retries++
		return Outcome{Accepted: false, Done: exp.Retries >= exp.MaxRetries, Reason: "repeat_pattern", Buffer: buf}
	}
	if ascendingPattern(buf) {
		exp.Buffer = nil
		exp.Retries++
		return Outcome{Accepted: false, Done: exp.Retries >= exp.MaxRetries, Reason: "ascending_pattern", Buffer: buf}
	}

	exp.Collected = append(exp.Collected, buf)
	return Outcome{Accepted: true, Done: true, Reason: "", Buffer: buf}
}

// MaskDigits produces the GPT-safe masked form for a collected buffer,
// revealing only the last two digits.
func MaskDigits(buf string) string {
	if len(buf) <= 2 {
		return "****"
	}
	return "****" + buf[len(buf)-2:]
}

// NewEvent builds the append-only audit record for one finalized
// collection attempt.
func NewEvent(callSID string, source digitevent.Source, exp *digitplan.Expectation, outcome Outcome, at time.Time) digitevent.DigitEvent {
	var digitsPtr *string
	var reasonPtr *string
	if outcome.Reason != "" {
		r := outcome.Reason
		reasonPtr = &r
	}
	if outcome.Accepted {
		masked := MaskDigits(outcome.Buffer)
		digitsPtr = &masked
	}
	e := digitevent.New(callSID, source, exp.Profile, digitsPtr, len(outcome.Buffer), outcome.Accepted, reasonPtr, nil)
	e.At = at
	return e
}
