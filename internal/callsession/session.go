package callsession

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iota-uz/callcore/internal/digits"
	"github.com/iota-uz/callcore/internal/domain/call"
	"github.com/iota-uz/callcore/internal/domain/callstate"
	"github.com/iota-uz/callcore/internal/domain/digitplan"
	"github.com/iota-uz/callcore/internal/domain/transcript"
	"github.com/iota-uz/callcore/internal/providers"
	"github.com/iota-uz/callcore/pkg/composables"
	"github.com/iota-uz/callcore/pkg/serrors"
)

// TurnRunner abstracts the LLM turn engine from the session loop:
// one call produces one streamed reply, chunk by chunk.
type TurnRunner interface {
	RunTurn(ctx context.Context, callSID, userText string, phase string, onReply func(index int, text string)) (fullText string, err error)
}

// SessionConfig carries the per-call knobs Open needs.
type SessionConfig struct {
	VoiceModel    string
	BackupVoice   string
	Encoding      string // provider-native, e.g. "mulaw/8000"
	SampleRate    int
	Container     string
	FirstMessage  string
	Greeting      string
	MaxSTTRetries int
	MarkTimeout   time.Duration // release the next chunk if no mark arrives

	// AttachMedia opens the provider media socket for this call. When it
	// rejects the session, Open fails with media_attach_failed.
	AttachMedia func(ctx context.Context) error
}

// ProviderEvent is one translated provider event pushed into a session
// by the webhook ingress.
type ProviderEvent struct {
	Kind    string // "status", "dtmf", "machine-detection", "gather-result", "hangup"
	Status  call.Status
	Digit   rune
	Digits  string
	Dedupe  string
	Payload map[string]any
	At      time.Time
}

type ttsChunk struct {
	index int
	text  string
	audio []byte
}

// Session owns one call: ordered media in, paced audio out, transcripts,
// phase tracking, digit capture mode and the live event stream. All
// state mutation runs on the session's mailbox goroutine so STT finals,
// tool executions and digit events never interleave.
type Session struct {
	callSID string
	cfg     SessionConfig

	provider    providers.TelephonyProvider
	turns       TurnRunner
	tts         *TTSCache
	digitsMgr   *digits.Manager
	transcripts transcript.Repository
	states      callstate.Repository
	calls       call.Repository

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mailbox chan func()
	events  chan SessionEvent

	// All fields below are owned by the mailbox goroutine.
	phase        Phase
	turnCount    int
	closedReason string
	eventsClosed bool

	// Media reorder buffer: out-of-order frames indexed by provider
	// sequence are held and flushed in index order.
	nextSeq    int
	heldFrames map[int]providers.MediaFrame
	sttConn    STTConn
	sttConnCh  chan STTConn

	// TTS pacing: chunks are released in partialResponseIndex order,
	// gated on the provider's mark for the previous chunk.
	queued       []ttsChunk
	awaitingMark bool
	lastAcked    int

	// turnCancel aborts the in-flight LLM stream on barge-in or close.
	turnCancel context.CancelFunc

	// onClosed runs exactly once at teardown (runtime deregistration,
	// per-call LLM state release).
	onClosed func(reason string)
}

// Runtime creates and tracks sessions, one per call_sid. Open is
// idempotent.
type Runtime struct {
	provider    providers.TelephonyProvider
	transcriber Transcriber
	turns       TurnRunner
	tts         *TTSCache
	digitsMgr   *digits.Manager
	transcripts transcript.Repository
	states      callstate.Repository
	calls       call.Repository
	host        string
	voice       string

	mu       sync.Mutex
	sessions map[string]*Session
	onClose  func(callSID string)
}

// NewRuntime constructs the session runtime. The runtime registers
// itself as the digit manager's sink so digit resolutions flow back
// into the owning session's mailbox.
func NewRuntime(
	provider providers.TelephonyProvider,
	transcriber Transcriber,
	turns TurnRunner,
	tts *TTSCache,
	digitsMgr *digits.Manager,
	transcripts transcript.Repository,
	states callstate.Repository,
	calls call.Repository,
	host, voice string,
) *Runtime {
	r := &Runtime{
		provider:    provider,
		transcriber: transcriber,
		turns:       turns,
		tts:         tts,
		digitsMgr:   digitsMgr,
		transcripts: transcripts,
		states:      states,
		calls:       calls,
		host:        host,
		voice:       voice,
		sessions:    make(map[string]*Session),
	}
	if digitsMgr != nil {
		digitsMgr.SetSink(r)
	}
	return r
}

// Open creates (or returns the existing) session for callSID. Fails with
// media_attach_failed when the provider socket rejects the session.
func (r *Runtime) Open(ctx context.Context, callSID string, cfg SessionConfig) (*Session, error) {
	const op = serrors.Op("callsession.Runtime.Open")

	r.mu.Lock()
	if s, ok := r.sessions[callSID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	if cfg.MarkTimeout <= 0 {
		cfg.MarkTimeout = 5 * time.Second
	}

	if cfg.AttachMedia != nil {
		if err := cfg.AttachMedia(ctx); err != nil {
			return nil, serrors.E(op, serrors.Unavailable, "media_attach_failed", err)
		}
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		callSID:     callSID,
		cfg:         cfg,
		provider:    r.provider,
		turns:       r.turns,
		tts:         r.tts,
		digitsMgr:   r.digitsMgr,
		transcripts: r.transcripts,
		states:      r.states,
		calls:       r.calls,
		ctx:         sctx,
		cancel:      cancel,
		mailbox:     make(chan func(), 256),
		events:      make(chan SessionEvent, 256),
		phase:       PhaseGreeting,
		heldFrames:  make(map[int]providers.MediaFrame),
		sttConnCh:   make(chan STTConn, 1),
		lastAcked:   -1,
	}

	s.onClosed = func(reason string) {
		r.remove(callSID)
		if r.onClose != nil {
			r.onClose(callSID)
		}
	}

	r.mu.Lock()
	if existing, ok := r.sessions[callSID]; ok {
		r.mu.Unlock()
		cancel()
		return existing, nil
	}
	r.sessions[callSID] = s
	r.mu.Unlock()

	go s.loop()

	if r.transcriber != nil {
		stt := newReconnectingSTT(r.transcriber, cfg.MaxSTTRetries)
		go func() {
			err := stt.run(sctx, callSID, cfg.Encoding, cfg.SampleRate, s.sttConnCh, func(ev STTEvent) {
				s.do(func() { s.onSTTEvent(ev) })
			})
			if err != nil {
				// Unrecoverable STT error after N reconnects escalates to
				// hangup.
				s.do(func() { s.close("stt_unrecoverable") })
				r.remove(callSID)
			}
		}()
		go func() {
			for {
				select {
				case <-sctx.Done():
					return
				case conn := <-s.sttConnCh:
					s.do(func() {
						s.sttConn = conn
						s.publish(SessionEvent{Kind: EventSTTReconnected, CallSID: callSID, At: time.Now()})
					})
				}
			}
		}()
	}

	s.publish(SessionEvent{Kind: EventCallOpened, CallSID: callSID, At: time.Now(), Phase: PhaseGreeting})
	return s, nil
}

// SetOnClose installs a hook invoked once per session at teardown,
// after the session is deregistered.
func (r *Runtime) SetOnClose(fn func(callSID string)) { r.onClose = fn }

// Get returns the live session for callSID, if any.
func (r *Runtime) Get(callSID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callSID]
	return s, ok
}

// Close tears down callSID's session. Idempotent; a missing session is a
// no-op.
func (r *Runtime) Close(callSID, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[callSID]
	delete(r.sessions, callSID)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.Close(reason)
}

func (r *Runtime) remove(callSID string) {
	r.mu.Lock()
	delete(r.sessions, callSID)
	r.mu.Unlock()
}

// Say speaks a digit-subsystem prompt in-band (digits.Sink).
func (r *Runtime) Say(callSID, text string) {
	if s, ok := r.Get(callSID); ok {
		s.do(func() { s.speak(text) })
	}
}

// Gather issues the provider-side IVR gather fallback (digits.Sink).
func (r *Runtime) Gather(callSID string, exp *digitplan.Expectation) {
	s, ok := r.Get(callSID)
	if !ok {
		return
	}
	s.do(func() {
		prompt := "Please enter the digits on your keypad."
		twiml := digits.GatherTwiML(r.host, callSID, r.voice, prompt, exp, s.channelSessionID(), "")
		if err := s.provider.UpdateTwiml(s.ctx, callSID, twiml); err != nil {
			composables.UseLogger(s.ctx).WithError(err).Warn("callsession: gather fallback failed")
		}
	})
}

// Resolved receives a digit resolution (digits.Sink) and routes it back
// into the owning session.
func (r *Runtime) Resolved(res digits.Resolution) {
	s, ok := r.Get(res.CallSID)
	if !ok {
		return
	}
	s.do(func() { s.onDigitResolved(res) })
	if res.EndCall {
		go r.Close(res.CallSID, "digit_collection_complete")
	}
}

// CallSID returns the session's call id.
func (s *Session) CallSID() string { return s.callSID }

// Events exposes the session's live event stream for operator
// dashboards. The channel is never closed while the session is open;
// slow consumers drop events rather than blocking the call.
func (s *Session) Events() <-chan SessionEvent { return s.events }

// Phase returns the current dialogue phase. Safe only for observability;
// the authoritative value lives on the mailbox goroutine.
func (s *Session) Phase() Phase { return s.phase }

// do enqueues fn on the session mailbox, dropping it if the session is
// already closed.
func (s *Session) do(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.ctx.Done():
	}
}

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.mailbox:
			fn()
		}
	}
}

// PushProviderMedia accepts one provider-native audio frame. Frames are
// emitted toward STT in provider-sequence order; out-of-order frames
// are buffered and flushed in index order.
func (s *Session) PushProviderMedia(frame providers.MediaFrame) {
	s.do(func() {
		if frame.SequenceNumber < s.nextSeq {
			return // duplicate or late frame
		}
		s.heldFrames[frame.SequenceNumber] = frame
		s.flushFrames()
	})
}

func (s *Session) flushFrames() {
	for {
		frame, ok := s.heldFrames[s.nextSeq]
		if !ok {
			return
		}
		delete(s.heldFrames, s.nextSeq)
		s.nextSeq++
		if s.sttConn != nil {
			if err := s.sttConn.SendAudio(frame.Payload); err != nil {
				composables.UseLogger(s.ctx).WithError(err).Debug("callsession: stt send failed")
			}
		}
	}
}

// PushProviderEvent accepts one translated provider event.
func (s *Session) PushProviderEvent(ev ProviderEvent) {
	s.do(func() {
		switch ev.Kind {
		case "status":
			s.onStatus(ev)
		case "dtmf":
			if s.digitsMgr != nil {
				s.digitsMgr.HandleDTMF(s.ctx, s.callSID, ev.Digit, ev.At)
			}
		case "gather-result":
			if s.digitsMgr != nil {
				s.digitsMgr.HandleGather(s.ctx, s.callSID, ev.Digits, ev.Dedupe, ev.At)
			}
		case "mark":
			s.onMark()
		case "machine-detection":
			s.appendState("machine_detection", ev.Payload)
		case "hangup":
			s.close("provider_hangup")
		}
	})
}

// Mark acknowledges completed playback of the previous chunk and
// releases the next queued one.
func (s *Session) Mark() { s.do(s.onMark) }

func (s *Session) onMark() {
	s.awaitingMark = false
	if len(s.queued) > 0 {
		s.lastAcked++
	}
	s.sendNextChunk()
}

func (s *Session) onStatus(ev ProviderEvent) {
	s.appendState("status", map[string]any{"status": string(ev.Status)})
	s.publish(SessionEvent{Kind: EventStatusChanged, CallSID: s.callSID, At: ev.At, Data: map[string]any{"status": string(ev.Status)}})
	if s.calls != nil {
		if c, err := s.calls.GetByCallSID(s.ctx, s.callSID); err == nil {
			if c.Transition(ev.Status, ev.At) {
				_ = s.calls.Update(s.ctx, c)
			}
		}
	}
	if ev.Status.Terminal() {
		s.close("provider_" + string(ev.Status))
	}
}

// onSTTEvent handles one STT event on the mailbox goroutine.
func (s *Session) onSTTEvent(ev STTEvent) {
	switch ev.Kind {
	case STTUtterance:
		// User speech during ongoing playback: barge-in cancels all
		// pending chunks before the new final arrives.
		if ev.Text != "" && (len(s.queued) > 0 || s.awaitingMark) {
			if s.turnCancel != nil {
				s.turnCancel()
			}
			s.cancelPendingChunks("barge_in")
		}
	case STTFinal:
		if ev.Text == "" {
			return
		}
		s.appendTranscript(transcript.SpeakerUser, ev.Text)
		if s.digitsMgr != nil && s.digitsMgr.Active(s.callSID) {
			// dtmf_capture mode: finals go to the spoken-digit parser, not
			// the LLM, until the expectation resolves.
			s.digitsMgr.HandleSpeech(s.ctx, s.callSID, ev.Text, time.Now())
			return
		}
		s.advancePhase(ev.Text, false)
		s.runTurn(ev.Text)
	}
}

func (s *Session) advancePhase(utterance string, profileChanged bool) {
	next := NextPhase(s.phase, s.turnCount, utterance, profileChanged, "")
	if next != s.phase {
		s.phase = next
		s.appendState("phase", map[string]any{"phase": string(next)})
		s.publish(SessionEvent{Kind: EventPhaseChanged, CallSID: s.callSID, At: time.Now(), Phase: next})
	}
}

// SetPhase applies an operator phase override.
func (s *Session) SetPhase(p Phase) {
	s.do(func() {
		s.phase = p
		s.publish(SessionEvent{Kind: EventPhaseChanged, CallSID: s.callSID, At: time.Now(), Phase: p})
	})
}

// runTurn starts an LLM turn off the mailbox goroutine so marks, digit
// events and barge-in stay responsive while the stream runs; every
// result is marshalled back onto the mailbox.
func (s *Session) runTurn(userText string) {
	s.turnCount++
	if s.turnCancel != nil {
		s.turnCancel()
	}
	turnCtx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel

	phase := string(s.phase)
	go func() {
		defer cancel()
		full, err := s.turns.RunTurn(turnCtx, s.callSID, userText, phase, func(index int, text string) {
			s.do(func() { s.queueChunkText(index, text) })
		})
		if err != nil {
			if turnCtx.Err() != nil {
				return // cancelled by barge-in or close
			}
			// The caller never hears raw errors.
			s.do(func() { s.speak("I am having trouble replying right now; please give me a moment.") })
			composables.UseLogger(s.ctx).WithError(err).Warn("callsession: turn failed")
			return
		}
		if full != "" {
			s.do(func() { s.appendTranscript(transcript.SpeakerAI, full) })
		}
	}()
}

// speak synthesizes and queues a single system utterance (digit
// prompts, apologies) outside the LLM turn flow.
func (s *Session) speak(text string) {
	s.queueChunkText(s.nextChunkIndex(), text)
}

func (s *Session) nextChunkIndex() int {
	n := s.lastAcked + 1 + len(s.queued)
	if s.awaitingMark {
		n++
	}
	return n
}

// queueChunkText synthesizes text (retrying once on the backup voice on
// a cache-path failure) and enqueues it in partialResponseIndex order.
func (s *Session) queueChunkText(index int, text string) {
	audio, err := s.tts.Get(s.ctx, s.cfg.VoiceModel, s.cfg.Encoding, s.cfg.SampleRate, s.cfg.Container, text)
	if err != nil && s.cfg.BackupVoice != "" {
		audio, err = s.tts.Get(s.ctx, s.cfg.BackupVoice, s.cfg.Encoding, s.cfg.SampleRate, s.cfg.Container, text)
	}
	if err != nil {
		composables.UseLogger(s.ctx).WithError(err).Warn("callsession: tts synthesis failed")
		return
	}
	s.queued = append(s.queued, ttsChunk{index: index, text: text, audio: audio})
	sort.Slice(s.queued, func(i, j int) bool { return s.queued[i].index < s.queued[j].index })
	s.publish(SessionEvent{Kind: EventGPTReply, CallSID: s.callSID, At: time.Now(), Index: index, Text: text})
	s.sendNextChunk()
}

func (s *Session) sendNextChunk() {
	if s.awaitingMark || len(s.queued) == 0 {
		return
	}
	chunk := s.queued[0]
	s.queued = s.queued[1:]
	err := s.provider.SendMedia(s.ctx, s.callSID, providers.MediaFrame{
		SequenceNumber: chunk.index,
		Payload:        chunk.audio,
		Encoding:       s.cfg.Encoding,
	})
	if err != nil {
		// Provider audio-send failures cancel pending chunks.
		s.cancelPendingChunks("tts_send_failed")
		s.publish(SessionEvent{Kind: EventTTSSendFailed, CallSID: s.callSID, At: time.Now(), Reason: err.Error()})
		composables.UseLogger(s.ctx).WithError(err).Warn("callsession: tts_send_failed")
		return
	}
	s.awaitingMark = true
}

// cancelPendingChunks drops every queued chunk and clears pending
// reprompts.
func (s *Session) cancelPendingChunks(reason string) {
	dropped := len(s.queued)
	s.queued = nil
	s.awaitingMark = false
	s.publish(SessionEvent{Kind: EventBargeIn, CallSID: s.callSID, At: time.Now(), Reason: reason, Data: map[string]any{"dropped": dropped}})
}

// PendingChunks reports how many synthesized chunks are queued but not
// yet sent, used by tests and the operator dashboard.
func (s *Session) PendingChunks() int { return len(s.queued) }

func (s *Session) onDigitResolved(res digits.Resolution) {
	s.publish(SessionEvent{
		Kind:    EventDigitResolved,
		CallSID: s.callSID,
		At:      time.Now(),
		Data: map[string]any{
			"profile":  res.Profile,
			"accepted": res.Accepted,
			"masked":   res.Masked,
			"reason":   res.Reason,
		},
	})
	if res.Accepted && s.calls != nil {
		if c, err := s.calls.GetByCallSID(s.ctx, s.callSID); err == nil {
			summary := res.Profile + ":" + res.Masked
			c.RecordDigits(1, &summary)
			if digits.Profile(res.Profile) == digits.ProfileOTP {
				c.RecordOTP(res.VaultRef, res.Masked)
			}
			_ = s.calls.Update(s.ctx, c)
		}
	}
	if res.Accepted {
		s.appendTranscript(transcript.SpeakerSystem, "collected "+res.Profile+" "+res.Masked)
	}
	if res.PlanDone && res.PlanMsg != "" {
		s.speak(res.PlanMsg)
	}
}

func (s *Session) appendTranscript(speaker transcript.Speaker, message string) {
	if s.transcripts != nil {
		if err := s.transcripts.Append(s.ctx, transcript.New(s.callSID, speaker, message)); err != nil {
			composables.UseLogger(s.ctx).WithError(err).Warn("callsession: transcript append failed")
		}
	}
	s.publish(SessionEvent{Kind: EventTranscript, CallSID: s.callSID, At: time.Now(), Speaker: string(speaker), Text: message})
}

func (s *Session) appendState(kind string, data map[string]any) {
	if s.states == nil {
		return
	}
	if err := s.states.Append(s.ctx, callstate.New(s.callSID, kind, data)); err != nil {
		composables.UseLogger(s.ctx).WithError(err).Warn("callsession: call state append failed")
	}
}

func (s *Session) publish(ev SessionEvent) {
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// channelSessionID scopes gather action URLs so stale callbacks from a
// previous media session are rejected.
func (s *Session) channelSessionID() string {
	return s.callSID + "-" + time.Now().UTC().Format("20060102T150405")
}

// Close releases timers, the STT connection, media buffers and in-memory
// expectations. Idempotent: closing twice is a no-op.
func (s *Session) Close(reason string) {
	s.do(func() { s.close(reason) })
}

func (s *Session) close(reason string) {
	s.queued = nil
	s.heldFrames = make(map[int]providers.MediaFrame)
	if s.sttConn != nil {
		_ = s.sttConn.Close()
		s.sttConn = nil
	}
	if s.digitsMgr != nil {
		s.digitsMgr.Clear(s.callSID)
	}
	s.publish(SessionEvent{Kind: EventCallClosed, CallSID: s.callSID, At: time.Now(), Reason: reason})
	s.once.Do(func() {
		s.closedReason = reason
		s.eventsClosed = true
		s.cancel()
		close(s.events)
		if s.onClosed != nil {
			s.onClosed(reason)
		}
	})
}
