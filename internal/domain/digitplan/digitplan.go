// Package digitplan defines the in-memory DigitExpectation and DigitPlan
// types that drive one in-flight digit collection per call.
package digitplan

import "time"

// Expectation describes what the digit subsystem should accept next for
// one call. Exactly one Expectation is in flight per call at a time.
type Expectation struct {
	Profile          string
	MinDigits        int
	MaxDigits        int
	TimeoutS         int
	MaxRetries       int
	Buffer           []rune
	Collected        []string
	Retries          int
	PlanID           *string
	PlanStepIndex    *int
	PlanTotalSteps   *int
	PromptedAt       *time.Time
	AllowTerminator  bool
	TerminatorChar   rune
	EndCallOnSuccess bool
	MaskForGPT       bool
}

// NewExpectation constructs an Expectation from a profile's tunables.
func NewExpectation(profile string, minDigits, maxDigits, timeoutS, maxRetries int, endCallOnSuccess, maskForGPT bool) *Expectation {
	return &Expectation{
		Profile:          profile,
		MinDigits:        minDigits,
		MaxDigits:        maxDigits,
		TimeoutS:         timeoutS,
		MaxRetries:       maxRetries,
		EndCallOnSuccess: endCallOnSuccess,
		MaskForGPT:       maskForGPT,
		AllowTerminator:  true,
		TerminatorChar:   '#',
	}
}

// MarkPrompted stamps the expectation as having been (re)prompted at t.
func (e *Expectation) MarkPrompted(t time.Time) { e.PromptedAt = &t }

// Len returns the current buffer length.
func (e *Expectation) Len() int { return len(e.Buffer) }

// Reset clears the buffer without discarding retry count, used between
// reprompts within the same expectation.
func (e *Expectation) Reset() { e.Buffer = nil }

// Step is one entry of an ordered DigitPlan.
type Step struct {
	Expectation *Expectation
}

// Plan is an ordered sequence of digit expectations sharing a
// completion policy. Step N+1 begins only once step N resolves.
type Plan struct {
	ID                string
	Steps             []Step
	CurrentStep       int
	CompletionMessage string
	EndCallOnComplete bool
}

// NewPlan constructs a Plan over steps, stamping each step's Expectation
// with the plan's id/index/total so downstream events can be correlated.
func NewPlan(id string, steps []Step, completionMessage string, endCallOnComplete bool) *Plan {
	total := len(steps)
	for i := range steps {
		idx := i
		steps[i].Expectation.PlanID = &id
		steps[i].Expectation.PlanStepIndex = &idx
		steps[i].Expectation.PlanTotalSteps = &total
	}
	return &Plan{
		ID:                id,
		Steps:             steps,
		CompletionMessage: completionMessage,
		EndCallOnComplete: endCallOnComplete,
	}
}

// Current returns the expectation for the in-flight step, or nil if the
// plan has completed every step.
func (p *Plan) Current() *Expectation {
	if p.CurrentStep >= len(p.Steps) {
		return nil
	}
	return p.Steps[p.CurrentStep].Expectation
}

// Advance moves the plan to its next step. Returns false once every step
// has resolved.
func (p *Plan) Advance() bool {
	p.CurrentStep++
	return p.CurrentStep < len(p.Steps)
}

// Done reports whether every step of the plan has resolved.
func (p *Plan) Done() bool { return p.CurrentStep >= len(p.Steps) }
