package llm

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/iota-uz/callcore/internal/domain/callmemory"
	"github.com/iota-uz/callcore/internal/observability"
)

// TurnService owns the per-call dialogue state (context builder, memory,
// persona, response chaining) and exposes the session runtime's
// RunTurn contract over the Engine.
type TurnService struct {
	engine    *Engine
	compactor *Compactor
	recorders []observability.TurnRecorder

	summaryMaxChars int

	mu    sync.Mutex
	calls map[string]*turnState
}

type turnState struct {
	builder    *Builder
	persona    Persona
	archetype  Archetype
	urgency    string
	memory     *callmemory.CallMemory
	responseID string
	turnSeq    int
}

// NewTurnService constructs a TurnService. Every recorder receives one
// sample per completed turn.
func NewTurnService(engine *Engine, compactor *Compactor, summaryMaxChars int, recorders ...observability.TurnRecorder) *TurnService {
	if summaryMaxChars <= 0 {
		summaryMaxChars = 2000
	}
	return &TurnService{
		engine:          engine,
		compactor:       compactor,
		recorders:       recorders,
		summaryMaxChars: summaryMaxChars,
		calls:           make(map[string]*turnState),
	}
}

// OpenCall seeds the per-call dialogue state. Idempotent per callSID.
func (s *TurnService) OpenCall(callSID, systemPrompt string, meta map[string]string, persona Persona, archetype Archetype, urgency string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[callSID]; ok {
		return
	}
	memory := callmemory.New(callSID, s.summaryMaxChars)
	s.calls[callSID] = &turnState{
		builder:   NewBuilder(systemPrompt, meta, memory),
		persona:   persona,
		archetype: archetype,
		urgency:   urgency,
		memory:    memory,
	}
}

// CloseCall discards the per-call state and its interaction budget.
func (s *TurnService) CloseCall(callSID string) {
	s.mu.Lock()
	delete(s.calls, callSID)
	s.mu.Unlock()
	if s.engine.executor != nil {
		s.engine.executor.ResetInteractionBudget(callSID)
	}
	for _, r := range s.recorders {
		if ender, ok := r.(interface{ EndCall(string) }); ok {
			ender.EndCall(callSID)
		}
	}
}

// SetPersona recomposes the layered prompt mid-call (profile change,
// mood/urgency change, operator override).
func (s *TurnService) SetPersona(callSID string, persona Persona, archetype Archetype, urgency string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.calls[callSID]; ok {
		st.persona = persona
		st.archetype = archetype
		st.urgency = urgency
	}
}

// Memory returns the call's memory for fact extraction and compaction.
func (s *TurnService) Memory(callSID string) *callmemory.CallMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.calls[callSID]; ok {
		return st.memory
	}
	return nil
}

// RunTurn appends the user utterance, runs one engine turn and streams
// chunks through onReply. It implements the session runtime's
// TurnRunner contract.
func (s *TurnService) RunTurn(ctx context.Context, callSID, userText, phase string, onReply func(index int, text string)) (string, error) {
	s.mu.Lock()
	st, ok := s.calls[callSID]
	if !ok {
		// Calls answered before OpenCall ran (inbound race) get a bare
		// state rather than a dropped turn.
		memory := callmemory.New(callSID, s.summaryMaxChars)
		st = &turnState{builder: NewBuilder("", nil, memory), memory: memory}
		s.calls[callSID] = st
	}
	st.builder.PhaseTurns = append(st.builder.PhaseTurns, Turn{Role: RoleUser, Content: userText, Phase: phase})
	st.builder.Backstop = append(st.builder.Backstop, Turn{Role: RoleUser, Content: userText, Phase: phase})
	st.turnSeq++
	req := TurnRequest{
		CallSID:            callSID,
		Builder:            st.builder,
		Persona:            st.persona,
		Archetype:          st.archetype,
		Urgency:            st.urgency,
		PreviousResponseID: st.responseID,
		StepID:             "turn-" + strconv.Itoa(st.turnSeq),
	}
	s.mu.Unlock()

	start := time.Now()
	outcome, err := s.engine.Run(ctx, req, func(reply GPTReply) {
		onReply(reply.PartialResponseIndex, reply.PartialResponse)
	})
	s.record(callSID, outcome, time.Since(start), err != nil)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	st.responseID = outcome.ResponseID
	st.builder.PhaseTurns = append(st.builder.PhaseTurns, Turn{Role: RoleAI, Content: outcome.FullText, Phase: phase})
	st.builder.Backstop = append(st.builder.Backstop, Turn{Role: RoleAI, Content: outcome.FullText, Phase: phase})
	s.mu.Unlock()

	if s.compactor != nil {
		s.compactor.Compact(st.memory)
	}
	return outcome.FullText, nil
}

func (s *TurnService) record(callSID string, outcome TurnOutcome, elapsed time.Duration, failed bool) {
	if len(s.recorders) == 0 {
		return
	}
	sample := observability.GPTSample{
		CallSID:     callSID,
		Model:       s.engine.cfg.Model,
		LatencyMs:   elapsed.Milliseconds(),
		ToolLoops:   outcome.ToolLoops,
		Consistency: outcome.PersonaConsistency,
		Failed:      failed,
		At:          time.Now(),
	}
	for _, r := range s.recorders {
		r.Record(sample)
	}
}
