package callsession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/callcore/internal/providers"
)

type fakeProvider struct {
	mu    sync.Mutex
	sent  []providers.MediaFrame
	twiml []string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Place(ctx context.Context, req providers.PlaceCallRequest) (string, error) {
	return "CA-fake", nil
}

func (p *fakeProvider) Hangup(ctx context.Context, callSID string) error { return nil }

func (p *fakeProvider) SendMedia(ctx context.Context, callSID string, frame providers.MediaFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, frame)
	return nil
}

func (p *fakeProvider) UpdateTwiml(ctx context.Context, callSID string, twiml string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.twiml = append(p.twiml, twiml)
	return nil
}

func (p *fakeProvider) VerifyWebhook(url string, params map[string]string, signature string) bool {
	return true
}

func (p *fakeProvider) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type fakeSTTConn struct {
	mu       sync.Mutex
	payloads [][]byte
	events   chan STTEvent
}

func newFakeSTTConn() *fakeSTTConn {
	return &fakeSTTConn{events: make(chan STTEvent, 16)}
}

func (c *fakeSTTConn) SendAudio(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *fakeSTTConn) Events() <-chan STTEvent { return c.events }

func (c *fakeSTTConn) Close() error { return nil }

type echoTurns struct{}

func (echoTurns) RunTurn(ctx context.Context, callSID, userText, phase string, onReply func(int, string)) (string, error) {
	onReply(0, "echo: "+userText)
	return "echo: " + userText, nil
}

func newTestRuntime(t *testing.T, provider *fakeProvider) *Runtime {
	t.Helper()
	synth := &countingSynth{}
	cache := NewTTSCache(synth, 100, time.Minute)
	return NewRuntime(provider, nil, echoTurns{}, cache, nil, nil, nil, nil, "example.com", "voice")
}

// doSync runs fn on the session mailbox and waits for it.
func doSync(t *testing.T, s *Session, fn func()) {
	t.Helper()
	done := make(chan struct{})
	s.do(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mailbox stalled")
	}
}

func openSession(t *testing.T, r *Runtime, callSID string) *Session {
	t.Helper()
	s, err := r.Open(context.Background(), callSID, SessionConfig{
		VoiceModel: "voice",
		Encoding:   "mulaw/8000",
		SampleRate: 8000,
	})
	require.NoError(t, err)
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	r := newTestRuntime(t, &fakeProvider{})
	s1 := openSession(t, r, "CA1")
	s2 := openSession(t, r, "CA1")
	assert.Same(t, s1, s2)
	r.Close("CA1", "test_done")
}

func TestMediaFramesFlushInIndexOrder(t *testing.T) {
	r := newTestRuntime(t, &fakeProvider{})
	s := openSession(t, r, "CA2")
	defer r.Close("CA2", "test_done")

	conn := newFakeSTTConn()
	doSync(t, s, func() { s.sttConn = conn })

	s.PushProviderMedia(providers.MediaFrame{SequenceNumber: 0, Payload: []byte{0}})
	s.PushProviderMedia(providers.MediaFrame{SequenceNumber: 2, Payload: []byte{2}})
	s.PushProviderMedia(providers.MediaFrame{SequenceNumber: 1, Payload: []byte{1}})
	doSync(t, s, func() {})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.payloads, 3)
	assert.Equal(t, []byte{0}, conn.payloads[0])
	assert.Equal(t, []byte{1}, conn.payloads[1])
	assert.Equal(t, []byte{2}, conn.payloads[2])
}

func TestChunksReleaseOnMarks(t *testing.T) {
	provider := &fakeProvider{}
	r := newTestRuntime(t, provider)
	s := openSession(t, r, "CA3")
	defer r.Close("CA3", "test_done")

	doSync(t, s, func() {
		for i := 0; i < 3; i++ {
			s.queueChunkText(i, "chunk "+string(rune('a'+i)))
		}
	})
	assert.Equal(t, 1, provider.sentCount(), "first chunk goes out immediately")

	s.Mark()
	doSync(t, s, func() {})
	assert.Equal(t, 2, provider.sentCount())

	s.Mark()
	doSync(t, s, func() {})
	assert.Equal(t, 3, provider.sentCount())
}

func TestBargeInCancelsPendingChunks(t *testing.T) {
	provider := &fakeProvider{}
	r := newTestRuntime(t, provider)
	s := openSession(t, r, "CA4")
	defer r.Close("CA4", "test_done")

	// 7 chunks queued; marks release chunks 2 and 3, so playback sits
	// mid-stream at chunk 3 of 7.
	doSync(t, s, func() {
		for i := 0; i < 7; i++ {
			s.queueChunkText(i, "part "+string(rune('a'+i)))
		}
	})
	s.Mark()
	s.Mark()
	doSync(t, s, func() {})
	require.Equal(t, 3, provider.sentCount())

	// User speech with non-empty interim during playback.
	doSync(t, s, func() { s.onSTTEvent(STTEvent{Kind: STTUtterance, Text: "wait"}) })

	doSync(t, s, func() {
		assert.Equal(t, 0, s.PendingChunks(), "chunks 4-7 cancelled")
	})

	s.Mark()
	s.Mark()
	doSync(t, s, func() {})
	assert.Equal(t, 3, provider.sentCount(), "no further chunks from the cancelled turn")
}

func TestFinalRunsTurnAndQueuesReply(t *testing.T) {
	provider := &fakeProvider{}
	r := newTestRuntime(t, provider)
	s := openSession(t, r, "CA5")
	defer r.Close("CA5", "test_done")

	doSync(t, s, func() { s.onSTTEvent(STTEvent{Kind: STTFinal, Text: "hello agent"}) })

	require.Eventually(t, func() bool {
		return provider.sentCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPhaseTransitions(t *testing.T) {
	assert.Equal(t, PhaseResolution, NextPhase(PhaseGreeting, 1, "hi there", false, ""))
	assert.Equal(t, PhaseGreeting, NextPhase(PhaseGreeting, 0, "hi there", false, ""))
	assert.Equal(t, PhaseVerification, NextPhase(PhaseResolution, 4, "I have my OTP ready", false, ""))
	assert.Equal(t, PhaseVerification, NextPhase(PhaseResolution, 4, "let me verify that", false, ""))
	assert.Equal(t, PhaseVerification, NextPhase(PhaseResolution, 4, "", true, ""))
	assert.Equal(t, PhaseClosing, NextPhase(PhaseResolution, 9, "thanks", false, PhaseClosing), "operator override wins")
	assert.Equal(t, PhaseTerminal, NextPhase(PhaseTerminal, 1, "code", false, ""))
}

func TestCloseIsIdempotentAndReleasesState(t *testing.T) {
	provider := &fakeProvider{}
	r := newTestRuntime(t, provider)
	s := openSession(t, r, "CA6")

	doSync(t, s, func() { s.queueChunkText(0, "never played") })
	r.Close("CA6", "operator_hangup")
	r.Close("CA6", "operator_hangup")
	s.Close("again")

	_, ok := r.Get("CA6")
	assert.False(t, ok)

	// The event stream terminates with call_closed.
	var last SessionEvent
	for ev := range s.Events() {
		last = ev
	}
	assert.Equal(t, EventCallClosed, last.Kind)
	assert.Equal(t, "operator_hangup", last.Reason)
}
