package digits

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/callcore/internal/domain/digitevent"
	"github.com/iota-uz/callcore/internal/domain/digitplan"
)

type fakeSink struct {
	mu          sync.Mutex
	said        []string
	gathered    int
	resolutions []Resolution
}

func (f *fakeSink) Say(callSID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, text)
}

func (f *fakeSink) Gather(callSID string, exp *digitplan.Expectation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gathered++
}

func (f *fakeSink) Resolved(res Resolution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolutions = append(f.resolutions, res)
}

func (f *fakeSink) lastResolution(t *testing.T) Resolution {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.resolutions)
	return f.resolutions[len(f.resolutions)-1]
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []digitevent.DigitEvent
}

func (f *fakeEventRepo) Append(ctx context.Context, e digitevent.DigitEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeEventRepo) ListByCallSID(ctx context.Context, callSID string) ([]digitevent.DigitEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]digitevent.DigitEvent(nil), f.events...), nil
}

func newTestManager(sink *fakeSink, repo *fakeEventRepo) *Manager {
	return NewManager(ManagerConfig{
		MinDTMFGapMs:      200,
		MinCollectDelayMs: 3000,
		GatherFallback:    false,
	}, repo, nil, sink)
}

func TestTimeoutDelayFormula(t *testing.T) {
	m := newTestManager(&fakeSink{}, &fakeEventRepo{})
	exp := digitplan.NewExpectation("verification/otp", 6, 6, 15, 3, true, true)
	assert.Equal(t, 18*time.Second, m.timeoutDelay(exp))

	m.cfg.MinCollectDelayMs = 5000
	assert.Equal(t, 20*time.Second, m.timeoutDelay(exp))

	m.cfg.MinCollectDelayMs = 1000
	assert.Equal(t, 18*time.Second, m.timeoutDelay(exp), "floor is 3000ms")
}

func TestManagerAcceptsAndResolves(t *testing.T) {
	sink := &fakeSink{}
	repo := &fakeEventRepo{}
	m := newTestManager(sink, repo)
	ctx := context.Background()

	exp := digitplan.NewExpectation("verification/otp", 6, 6, 15, 3, true, true)
	require.NoError(t, m.SetExpectation(ctx, "CA1", exp, Reprompts{}))
	require.True(t, m.Active("CA1"))

	at := time.Now()
	for i, r := range "123456" {
		m.HandleDTMF(ctx, "CA1", r, at.Add(time.Duration(i)*time.Second))
	}

	res := sink.lastResolution(t)
	assert.True(t, res.Accepted)
	assert.Equal(t, "verification/otp", res.Profile)
	assert.Equal(t, "****56", res.Masked)
	assert.Empty(t, res.Raw, "masked profiles never expose raw digits")
	assert.True(t, res.EndCall)
	assert.False(t, m.Active("CA1"), "expectation cleared on accept")

	events, _ := repo.ListByCallSID(ctx, "CA1")
	require.Len(t, events, 1)
	assert.True(t, events[0].Accepted)
	assert.Equal(t, 6, events[0].Len)
	if events[0].Digits != nil {
		assert.NotContains(t, *events[0].Digits, "123456", "raw digits never persisted")
	}
}

func TestManagerSpeechRouting(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(sink, &fakeEventRepo{})
	ctx := context.Background()

	exp := digitplan.NewExpectation("zip", 5, 5, 15, 3, false, false)
	require.NoError(t, m.SetExpectation(ctx, "CA2", exp, Reprompts{}))

	m.HandleSpeech(ctx, "CA2", "nine zero two one oh", time.Now())
	res := sink.lastResolution(t)
	assert.True(t, res.Accepted)
	assert.Equal(t, "90210", res.Raw)
}

func TestGatherDedupeWindow(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(sink, &fakeEventRepo{})
	ctx := context.Background()

	exp := digitplan.NewExpectation("menu", 1, 1, 10, 3, false, false)
	require.NoError(t, m.SetExpectation(ctx, "CA3", exp, Reprompts{}))

	at := time.Now()
	m.HandleGather(ctx, "CA3", "1", "plan:0:chan", at)
	// Duplicate callback 500ms later is dropped.
	m.HandleGather(ctx, "CA3", "1", "plan:0:chan", at.Add(500*time.Millisecond))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.resolutions, 1)
}

func TestPlanStepOrdering(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(sink, &fakeEventRepo{})
	ctx := context.Background()

	step1 := digitplan.NewExpectation("card_number", 16, 16, 25, 3, false, true)
	step2 := digitplan.NewExpectation("cvv", 3, 3, 15, 3, false, true)
	plan := digitplan.NewPlan("p1", []digitplan.Step{{Expectation: step1}, {Expectation: step2}}, "Thanks, you are all set.", false)
	require.NoError(t, m.SetPlan(ctx, "CA4", plan, Reprompts{}))

	at := time.Now()
	for i, r := range "4111111111111111" {
		m.HandleDTMF(ctx, "CA4", r, at.Add(time.Duration(i)*time.Second))
	}
	first := sink.lastResolution(t)
	assert.True(t, first.Accepted)
	assert.Equal(t, "card_number", first.Profile)
	assert.False(t, first.PlanDone)
	require.True(t, m.Active("CA4"), "step 2 begins only after step 1 resolves")

	at = at.Add(time.Minute)
	for i, r := range "123" {
		m.HandleDTMF(ctx, "CA4", r, at.Add(time.Duration(i)*time.Second))
	}
	second := sink.lastResolution(t)
	assert.True(t, second.Accepted)
	assert.Equal(t, "cvv", second.Profile)
	assert.True(t, second.PlanDone)
	assert.Equal(t, "Thanks, you are all set.", second.PlanMsg)
	assert.False(t, m.Active("CA4"))
}

func TestTimeoutTriggersGatherFallback(t *testing.T) {
	sink := &fakeSink{}
	repo := &fakeEventRepo{}
	m := newTestManager(sink, repo)
	m.cfg.GatherFallback = true
	ctx := context.Background()

	exp := digitplan.NewExpectation("zip", 5, 5, 15, 3, false, false)
	require.NoError(t, m.SetExpectation(ctx, "CA5", exp, Reprompts{}))

	m.onTimeout(ctx, "CA5")

	sink.mu.Lock()
	gathered := sink.gathered
	sink.mu.Unlock()
	assert.Equal(t, 1, gathered)

	events, _ := repo.ListByCallSID(ctx, "CA5")
	require.Len(t, events, 1)
	assert.Equal(t, digitevent.SourceTimeout, events[0].Source)
}

func TestTimeoutExhaustionFails(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(sink, &fakeEventRepo{})
	ctx := context.Background()

	exp := digitplan.NewExpectation("zip", 5, 5, 15, 1, false, false)
	require.NoError(t, m.SetExpectation(ctx, "CA6", exp, Reprompts{
		Timeout: []string{"Still there?"},
		Failure: "We could not collect that.",
	}))

	m.onTimeout(ctx, "CA6") // retry 1, reprompt
	require.True(t, m.Active("CA6"))
	m.onTimeout(ctx, "CA6") // retries exceeded

	res := sink.lastResolution(t)
	assert.False(t, res.Accepted)
	assert.Equal(t, "timeout", res.Reason)
	assert.False(t, m.Active("CA6"))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.said, "Still there?")
	assert.Contains(t, sink.said, "We could not collect that.")
}

func TestTimeoutFlushesMinSatisfyingBuffer(t *testing.T) {
	// A 5-9 zip expectation with five digits buffered: the timeout
	// flushes the buffer through the validator and accepts it instead
	// of counting a timeout against the caller.
	sink := &fakeSink{}
	repo := &fakeEventRepo{}
	m := newTestManager(sink, repo)
	ctx := context.Background()

	exp := digitplan.NewExpectation("zip", 5, 9, 15, 3, false, false)
	require.NoError(t, m.SetExpectation(ctx, "CA8", exp, Reprompts{}))

	at := time.Now()
	for i, r := range "90210" {
		m.HandleDTMF(ctx, "CA8", r, at.Add(time.Duration(i)*time.Second))
	}
	sink.mu.Lock()
	pending := len(sink.resolutions)
	sink.mu.Unlock()
	require.Zero(t, pending, "variable-length buffer stays open until max, terminator or timeout")

	m.onTimeout(ctx, "CA8")

	res := sink.lastResolution(t)
	assert.True(t, res.Accepted)
	assert.Equal(t, "90210", res.Raw)
	assert.False(t, m.Active("CA8"))
}

func TestGatherFlushesVariableLengthBuffer(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(sink, &fakeEventRepo{})
	ctx := context.Background()

	exp := digitplan.NewExpectation("bank_account", 6, 17, 25, 3, false, false)
	require.NoError(t, m.SetExpectation(ctx, "CA9", exp, Reprompts{}))

	m.HandleGather(ctx, "CA9", "13572468", "plan:0:chan", time.Now())

	res := sink.lastResolution(t)
	assert.True(t, res.Accepted)
	assert.Equal(t, "13572468", res.Raw)
}

func TestRepromptIndexClampsToLastEntry(t *testing.T) {
	r := Reprompts{Invalid: []string{"first", "second"}}
	assert.Equal(t, "first", r.Pick(r.Invalid, 0))
	assert.Equal(t, "second", r.Pick(r.Invalid, 1))
	assert.Equal(t, "second", r.Pick(r.Invalid, 7), "index clamps to len-1")
	assert.Equal(t, "first", r.Pick(r.Invalid, -1))
}

func TestVaultTokenizationOnSensitiveAccept(t *testing.T) {
	sink := &fakeSink{}
	repo := &fakeEventRepo{}
	m := NewManager(ManagerConfig{MinDTMFGapMs: 200, MinCollectDelayMs: 3000}, repo, NewVault(noopEncryptor{}), sink)
	ctx := context.Background()

	exp := digitplan.NewExpectation("ssn", 9, 9, 20, 3, false, true)
	require.NoError(t, m.SetExpectation(ctx, "CA7", exp, Reprompts{}))

	at := time.Now()
	for i, r := range "123121234" {
		m.HandleDTMF(ctx, "CA7", r, at.Add(time.Duration(i)*time.Second))
	}
	res := sink.lastResolution(t)
	require.True(t, res.Accepted)
	assert.Contains(t, res.VaultRef, "vault://digits/CA7/tok_")

	events, _ := repo.ListByCallSID(ctx, "CA7")
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Digits)
	assert.Contains(t, *events[0].Digits, "vault://digits/")
}

type noopEncryptor struct{}

func (noopEncryptor) Encrypt(ctx context.Context, plaintext string) (string, error) {
	return plaintext, nil
}

func (noopEncryptor) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	return ciphertext, nil
}
