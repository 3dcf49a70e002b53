package digits

import (
	"context"
	"sync"
	"time"

	"github.com/iota-uz/callcore/internal/domain/digitevent"
	"github.com/iota-uz/callcore/internal/domain/digitplan"
	"github.com/iota-uz/callcore/pkg/composables"
	"github.com/iota-uz/callcore/pkg/serrors"
)

// Reprompts carries the per-failure-class reprompt phrases, indexed by
// retry number and clamped to the last entry.
type Reprompts struct {
	Invalid    []string
	Incomplete []string
	Timeout    []string
	Failure    string // spoken once retries are exhausted
}

// Pick returns the phrase for retry n from phrases, clamping n to
// [0, len-1].
func (r Reprompts) Pick(phrases []string, n int) string {
	if len(phrases) == 0 {
		return ""
	}
	if n < 0 {
		n = 0
	}
	if n >= len(phrases) {
		n = len(phrases) - 1
	}
	return phrases[n]
}

// Resolution is the terminal outcome of one expectation, delivered to
// the call session.
type Resolution struct {
	CallSID  string
	Profile  string
	Accepted bool
	Reason   string
	Masked   string // GPT-safe form; raw digits never appear here
	VaultRef string // set for tokenized sensitive profiles
	Raw      string // populated only when MaskForGPT is false
	PlanDone bool
	EndCall  bool
	PlanMsg  string
}

// Sink receives the manager's outward effects. The call session
// implements it: Say speaks a prompt in-band, Gather issues the
// provider-side IVR fallback, Resolved hands the outcome back to the
// session loop.
type Sink interface {
	Say(callSID, text string)
	Gather(callSID string, exp *digitplan.Expectation)
	Resolved(res Resolution)
}

// ManagerConfig bundles the keypad tunables (KEYPAD_*).
type ManagerConfig struct {
	MinDTMFGapMs      int
	MinCollectDelayMs int
	GatherFallback    bool
}

type callCollection struct {
	exp       *digitplan.Expectation
	plan      *digitplan.Plan
	collector *Collector
	reprompts Reprompts
	otpSecret string
	timer     *time.Timer
	gathered  map[string]time.Time // dedupe window for gather callbacks
}

// Manager is the per-call expectation registry: it owns exactly one
// in-flight collection per call, the single timeout timer per call, and
// the plan-step ordering guarantee.
type Manager struct {
	cfg    ManagerConfig
	events digitevent.Repository
	vault  *Vault
	sink   Sink

	mu    sync.Mutex
	calls map[string]*callCollection
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig, events digitevent.Repository, vault *Vault, sink Sink) *Manager {
	return &Manager{
		cfg:    cfg,
		events: events,
		vault:  vault,
		sink:   sink,
		calls:  make(map[string]*callCollection),
	}
}

// SetSink installs the session-facing sink. Must be called before any
// expectation is set.
func (m *Manager) SetSink(sink Sink) { m.sink = sink }

// Active reports whether a collection is in flight for callSID, which
// the session uses to enter dtmf_capture mode.
func (m *Manager) Active(callSID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.calls[callSID]
	return ok
}

// SetExpectation installs exp as callSID's in-flight collection,
// replacing any previous one, and arms the timeout timer
// (max(3000, minCollectDelayMs) + timeout_s*1000).
func (m *Manager) SetExpectation(ctx context.Context, callSID string, exp *digitplan.Expectation, reprompts Reprompts) error {
	return m.install(ctx, callSID, exp, nil, reprompts, "")
}

// SetPlan installs a multi-step plan; step N+1 begins only after step N
// resolves.
func (m *Manager) SetPlan(ctx context.Context, callSID string, plan *digitplan.Plan, reprompts Reprompts) error {
	const op = serrors.Op("digits.Manager.SetPlan")
	cur := plan.Current()
	if cur == nil {
		return serrors.E(op, serrors.Validation, "plan has no steps")
	}
	return m.install(ctx, callSID, cur, plan, reprompts, "")
}

// SetOTPSecret attaches a server-held TOTP secret to the in-flight
// verification expectation; accepted buffers must then also validate
// against it.
func (m *Manager) SetOTPSecret(callSID, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cc, ok := m.calls[callSID]; ok {
		cc.otpSecret = secret
	}
}

func (m *Manager) install(ctx context.Context, callSID string, exp *digitplan.Expectation, plan *digitplan.Plan, reprompts Reprompts, otpSecret string) error {
	m.mu.Lock()
	if prev, ok := m.calls[callSID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	cc := &callCollection{
		exp:       exp,
		plan:      plan,
		collector: NewCollector(m.cfg.MinDTMFGapMs),
		reprompts: reprompts,
		otpSecret: otpSecret,
		gathered:  make(map[string]time.Time),
	}
	m.calls[callSID] = cc
	exp.MarkPrompted(time.Now())
	cc.timer = time.AfterFunc(m.timeoutDelay(exp), func() {
		m.onTimeout(context.WithoutCancel(ctx), callSID)
	})
	m.mu.Unlock()
	return nil
}

// timeoutDelay is max(3000, minCollectDelayMs) + timeout_s*1000.
func (m *Manager) timeoutDelay(exp *digitplan.Expectation) time.Duration {
	base := 3000
	if m.cfg.MinCollectDelayMs > base {
		base = m.cfg.MinCollectDelayMs
	}
	return time.Duration(base+exp.TimeoutS*1000) * time.Millisecond
}

// Clear drops any in-flight collection for callSID, stopping its timer.
// Called from session close; idempotent.
func (m *Manager) Clear(callSID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cc, ok := m.calls[callSID]; ok {
		if cc.timer != nil {
			cc.timer.Stop()
		}
		delete(m.calls, callSID)
	}
}

// HandleDTMF feeds one key press into callSID's in-flight expectation.
// Pressing with no expectation installed is ignored (stale provider
// events after resolution).
func (m *Manager) HandleDTMF(ctx context.Context, callSID string, key rune, at time.Time) {
	m.mu.Lock()
	cc, ok := m.calls[callSID]
	m.mu.Unlock()
	if !ok {
		return
	}
	outcome := cc.collector.Press(cc.exp, key, at)
	m.dispatch(ctx, callSID, cc, digitevent.SourceDTMF, outcome, at)
}

// HandleSpeech routes an STT final through the spoken-digit parser
// while a collection is in flight.
func (m *Manager) HandleSpeech(ctx context.Context, callSID, utterance string, at time.Time) {
	m.mu.Lock()
	cc, ok := m.calls[callSID]
	m.mu.Unlock()
	if !ok {
		return
	}
	parsed := ParseSpokenDigits(utterance)
	if parsed == "" {
		return
	}
	var outcome Outcome
	for _, r := range parsed {
		// Spoken digits arrive as one utterance; the inter-key gap
		// heuristic does not apply.
		cc.collector.lastPressAt = time.Time{}
		outcome = cc.collector.Press(cc.exp, r, at)
		if outcome.Done || outcome.Accepted {
			break
		}
	}
	// The utterance is complete: a variable-length buffer that already
	// satisfies MinDigits is finalized now rather than waiting for a
	// timeout.
	if !outcome.Accepted && !outcome.Done && cc.exp.Len() >= cc.exp.MinDigits {
		outcome = cc.collector.Finalize(cc.exp)
	}
	m.dispatch(ctx, callSID, cc, digitevent.SourceSpeech, outcome, at)
}

// HandleGather merges a provider IVR gather callback. Duplicate
// callbacks for the same plan step within 2s are dropped.
func (m *Manager) HandleGather(ctx context.Context, callSID, digitsIn, dedupeKey string, at time.Time) {
	m.mu.Lock()
	cc, ok := m.calls[callSID]
	if ok {
		if last, seen := cc.gathered[dedupeKey]; seen && at.Sub(last) < 2*time.Second {
			m.mu.Unlock()
			return
		}
		cc.gathered[dedupeKey] = at
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	var outcome Outcome
	for _, r := range digitsIn {
		cc.collector.lastPressAt = time.Time{}
		outcome = cc.collector.Press(cc.exp, r, at)
		if outcome.Done || outcome.Accepted {
			break
		}
	}
	// The provider gather already finished collecting; flush what it
	// sent instead of waiting on the in-band timer.
	if !outcome.Accepted && !outcome.Done && cc.exp.Len() >= cc.exp.MinDigits {
		outcome = cc.collector.Finalize(cc.exp)
	}
	m.dispatch(ctx, callSID, cc, digitevent.SourceGather, outcome, at)
}

func (m *Manager) dispatch(ctx context.Context, callSID string, cc *callCollection, source digitevent.Source, outcome Outcome, at time.Time) {
	logger := composables.UseLogger(ctx)

	if outcome.DroppedTooFast {
		m.appendEvent(ctx, callSID, source, cc.exp, Outcome{Reason: "too_fast"}, at)
	}

	if outcome.Accepted && cc.otpSecret != "" && Profile(cc.exp.Profile) == ProfileOTP {
		if !VerifyTOTP(cc.otpSecret, outcome.Buffer, at) {
			cc.exp.Retries++
			outcome = Outcome{Accepted: false, Done: cc.exp.Retries >= cc.exp.MaxRetries, Reason: "otp_mismatch", Buffer: outcome.Buffer}
			cc.exp.Reset()
		}
	}

	if outcome.Accepted {
		m.accept(ctx, callSID, cc, source, outcome, at)
		return
	}
	if outcome.Reason == "" {
		return // buffer still filling
	}

	m.appendEvent(ctx, callSID, source, cc.exp, outcome, at)

	if outcome.Done {
		m.resolveFailed(callSID, cc, outcome.Reason)
		return
	}

	// Reject with retries remaining: reprompt per failure class.
	phrases := cc.reprompts.Invalid
	if outcome.Reason == "incomplete" {
		phrases = cc.reprompts.Incomplete
	}
	if prompt := cc.reprompts.Pick(phrases, cc.exp.Retries); prompt != "" && m.sink != nil {
		m.sink.Say(callSID, prompt)
	}
	logger.WithField("reason", outcome.Reason).Debug("digits: rejected press, reprompting")
}

func (m *Manager) accept(ctx context.Context, callSID string, cc *callCollection, source digitevent.Source, outcome Outcome, at time.Time) {
	res := Resolution{
		CallSID:  callSID,
		Profile:  cc.exp.Profile,
		Accepted: true,
		Masked:   MaskDigits(outcome.Buffer),
	}
	if !cc.exp.MaskForGPT {
		res.Raw = outcome.Buffer
	}

	ev := NewEvent(callSID, source, cc.exp, outcome, at)
	if m.vault != nil && SensitiveProfile(Profile(cc.exp.Profile)) {
		if ref, _, err := m.vault.Tokenize(ctx, callSID, outcome.Buffer); err == nil {
			res.VaultRef = ref
			ev.Digits = &ref
		}
	}
	m.appendEventValue(ctx, ev)

	if cc.plan != nil && cc.plan.Advance() {
		next := cc.plan.Current()
		m.mu.Lock()
		cc.exp = next
		cc.collector = NewCollector(m.cfg.MinDTMFGapMs)
		if cc.timer != nil {
			cc.timer.Stop()
		}
		next.MarkPrompted(at)
		cc.timer = time.AfterFunc(m.timeoutDelay(next), func() {
			m.onTimeout(context.WithoutCancel(ctx), callSID)
		})
		m.mu.Unlock()
		if m.sink != nil {
			m.sink.Resolved(res)
		}
		return
	}

	if cc.plan != nil {
		res.PlanDone = true
		res.PlanMsg = cc.plan.CompletionMessage
		res.EndCall = cc.plan.EndCallOnComplete
	} else {
		res.EndCall = cc.exp.EndCallOnSuccess
	}
	m.Clear(callSID)
	if m.sink != nil {
		m.sink.Resolved(res)
	}
}

func (m *Manager) resolveFailed(callSID string, cc *callCollection, reason string) {
	res := Resolution{
		CallSID:  callSID,
		Profile:  cc.exp.Profile,
		Accepted: false,
		Reason:   reason,
	}
	if cc.reprompts.Failure != "" && m.sink != nil {
		m.sink.Say(callSID, cc.reprompts.Failure)
	}
	m.Clear(callSID)
	if m.sink != nil {
		m.sink.Resolved(res)
	}
}

// onTimeout fires the single per-call timer: log a timeout event, then
// either hand off to the provider IVR gather or reprompt and re-arm.
func (m *Manager) onTimeout(ctx context.Context, callSID string) {
	m.mu.Lock()
	cc, ok := m.calls[callSID]
	m.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now()

	// A variable-length buffer that already satisfies MinDigits is
	// flushed through the validator before the timeout counts against
	// the caller. A rejected flush leaves retry accounting to the
	// timeout path below.
	if cc.exp.Len() >= cc.exp.MinDigits {
		retries := cc.exp.Retries
		outcome := cc.collector.Finalize(cc.exp)
		if outcome.Accepted {
			m.dispatch(ctx, callSID, cc, digitevent.SourceDTMF, outcome, now)
			return
		}
		cc.exp.Retries = retries
	}

	m.appendEvent(ctx, callSID, digitevent.SourceTimeout, cc.exp, Outcome{Reason: "timeout", Buffer: string(cc.exp.Buffer)}, now)

	if m.cfg.GatherFallback && m.sink != nil {
		m.sink.Gather(callSID, cc.exp)
		return
	}

	cc.exp.Retries++
	if cc.exp.Retries > cc.exp.MaxRetries {
		m.resolveFailed(callSID, cc, "timeout")
		return
	}
	cc.exp.Reset()
	if prompt := cc.reprompts.Pick(cc.reprompts.Timeout, cc.exp.Retries-1); prompt != "" && m.sink != nil {
		m.sink.Say(callSID, prompt)
	}
	m.mu.Lock()
	cc.timer = time.AfterFunc(m.timeoutDelay(cc.exp), func() {
		m.onTimeout(ctx, callSID)
	})
	m.mu.Unlock()
}

func (m *Manager) appendEvent(ctx context.Context, callSID string, source digitevent.Source, exp *digitplan.Expectation, outcome Outcome, at time.Time) {
	m.appendEventValue(ctx, NewEvent(callSID, source, exp, outcome, at))
}

func (m *Manager) appendEventValue(ctx context.Context, ev digitevent.DigitEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Append(ctx, ev); err != nil {
		composables.UseLogger(ctx).WithError(err).Warn("digits: failed to append digit event")
	}
}

// SensitiveProfile reports whether a profile's raw digits must never be
// stored or surfaced unmasked.
func SensitiveProfile(p Profile) bool {
	switch p {
	case ProfileOTP, ProfileCardNumber, ProfileCVV, ProfileSSN, ProfileBankAccount, ProfileRoutingNumber:
		return true
	default:
		return false
	}
}
