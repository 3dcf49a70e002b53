package llm

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/iota-uz/callcore/pkg/composables"
	"github.com/iota-uz/callcore/pkg/serrors"
)

// Sentinel is the bullet character streamed text is split on to ship
// speakable chunks to TTS before the full response finishes.
const Sentinel = "•"

// GPTReply is one speakable chunk handed to the downstream
// TTS/transport layer.
type GPTReply struct {
	PartialResponseIndex int
	PartialResponse      string
	PersonalityInfo      string
	PersonaConsistency   float64
}

// EngineConfig bundles the tunables a Turn needs beyond the per-call
// Builder/Persona state.
type EngineConfig struct {
	Model             string
	BackupModel       string
	MaxToolLoops      int
	BaselineMaxTokens int
	ContextPolicy     ContextPolicy
	PersonaThreshold  float64
	MaxStreamRetries  int
}

// Engine orchestrates one call's LLM turns: context compilation, persona
// layering, streaming completion with model failover, tool-call
// execution and the bounded tool-result continuation loop.
type Engine struct {
	streamer ChatStreamer
	registry *Registry
	executor *Executor
	cfg      EngineConfig
	rtt      *RollingRTT
}

// NewEngine constructs an Engine.
func NewEngine(streamer ChatStreamer, registry *Registry, executor *Executor, cfg EngineConfig) *Engine {
	if cfg.MaxToolLoops <= 0 {
		cfg.MaxToolLoops = 4
	}
	if cfg.MaxStreamRetries <= 0 {
		cfg.MaxStreamRetries = 1
	}
	return &Engine{
		streamer: streamer,
		registry: registry,
		executor: executor,
		cfg:      cfg,
		rtt:      NewRollingRTT(10),
	}
}

// TurnRequest is one caller-facing request to run a turn.
type TurnRequest struct {
	CallSID            string
	Builder            *Builder
	Persona            Persona
	Archetype          Archetype
	Urgency            string
	PreviousResponseID string
	StepID             string
}

// TurnOutcome is the final state of a completed turn.
type TurnOutcome struct {
	FullText           string
	PersonaConsistency float64
	ResponseID         string
	ToolLoops          int
}

// Run executes one full turn: compile context, stream the completion,
// execute any requested tools, feed results back, and repeat until the
// model stops calling tools or MaxToolLoops is reached. Each speakable
// chunk is delivered to onReply as soon as a Sentinel boundary is seen.
func (e *Engine) Run(ctx context.Context, req TurnRequest, onReply func(GPTReply)) (TurnOutcome, error) {
	const op = serrors.Op("Engine.Run")
	logger := composables.UseLogger(ctx)

	compiled := req.Builder.Compile(e.cfg.ContextPolicy)
	systemPrompt := req.Persona.Compose()
	if systemPrompt != "" && len(compiled.Turns) > 0 {
		compiled.Turns[0].Content = systemPrompt + "\n\n" + compiled.Turns[0].Content
	}

	outcome := TurnOutcome{}
	chunkIdx := 0
	turns := compiled.Turns
	previousResponseID := req.PreviousResponseID

	for loop := 0; loop <= e.cfg.MaxToolLoops; loop++ {
		var (
			textBuf     strings.Builder
			pending     strings.Builder
			toolCalls   []StreamEvent
			finalReason string
		)

		model := e.cfg.Model
		maxTokens := e.rtt.AdaptMaxTokens(e.cfg.BaselineMaxTokens)

		// The capped iteration runs with tools disabled, forcing a
		// text-only continuation so the caller always gets a coherent
		// final reply.
		var tools []ToolDef
		if loop < e.cfg.MaxToolLoops {
			tools = e.registry.All()
		}

		streamErr := e.streamWithFailover(ctx, ChatRequest{
			Model:              model,
			PreviousResponseID: previousResponseID,
			Turns:              turns,
			Tools:              tools,
			MaxOutputTokens:    maxTokens,
		}, func(ev StreamEvent) bool {
			switch ev.Kind {
			case EventTextDelta:
				textBuf.WriteString(ev.TextDelta)
				pending.WriteString(ev.TextDelta)
				for {
					chunk, rest, found := cutSentinel(pending.String())
					if !found {
						break
					}
					pending.Reset()
					pending.WriteString(rest)
					if strings.TrimSpace(chunk) == "" {
						continue
					}
					outcome.PersonaConsistency = emitReply(onReply, &chunkIdx, chunk, req.Persona, req.Archetype, req.Urgency, e.cfg.PersonaThreshold)
				}
			case EventToolCallDone:
				toolCalls = append(toolCalls, ev)
			case EventDone:
				finalReason = ev.FinishReason
			}
			return true
		})
		if streamErr != nil {
			return outcome, serrors.E(op, serrors.Unavailable, streamErr)
		}

		if rest := pending.String(); strings.TrimSpace(rest) != "" {
			outcome.PersonaConsistency = emitReply(onReply, &chunkIdx, rest, req.Persona, req.Archetype, req.Urgency, e.cfg.PersonaThreshold)
		}

		outcome.FullText = textBuf.String()
		outcome.ToolLoops = loop
		_ = finalReason

		if len(toolCalls) == 0 {
			return outcome, nil
		}
		if loop == e.cfg.MaxToolLoops {
			// Tools were disabled for this iteration; a model that emits
			// one anyway gets cut off here.
			logger.Warn("llm: max tool loops reached for call " + req.CallSID)
			return outcome, nil
		}
		if loop == e.cfg.MaxToolLoops-1 {
			logger.Warn("llm: tool budget exhausted for call " + req.CallSID + ", forcing text-only continuation")
		}

		turns = append(turns, Turn{Role: RoleAI, Content: outcome.FullText})
		for _, tc := range toolCalls {
			plan := decodeToolPlan(tc, req.CallSID, req.StepID, loop)
			result := e.executor.Execute(ctx, plan)
			turns = append(turns, Turn{Role: RoleTool, Content: renderToolResult(result)})
		}
	}

	return outcome, nil
}

// streamWithFailover retries once against the same model on a
// retryable error, then fails over to cfg.BackupModel when configured.
func (e *Engine) streamWithFailover(ctx context.Context, req ChatRequest, yield func(StreamEvent) bool) error {
	start := time.Now()
	err := e.streamer.Stream(ctx, req, yield)
	e.rtt.Record(time.Since(start))
	if err == nil {
		return nil
	}
	if !IsRetryableError(err) {
		return err
	}

	start = time.Now()
	err = e.streamer.Stream(ctx, req, yield)
	e.rtt.Record(time.Since(start))
	if err == nil {
		return nil
	}
	if !IsRetryableError(err) || e.cfg.BackupModel == "" {
		return err
	}

	req.Model = e.cfg.BackupModel
	start = time.Now()
	err = e.streamer.Stream(ctx, req, yield)
	e.rtt.Record(time.Since(start))
	return err
}

func cutSentinel(s string) (chunk, rest string, found bool) {
	idx := strings.Index(s, Sentinel)
	if idx < 0 {
		return "", s, false
	}
	return s[:idx], s[idx+len(Sentinel):], true
}

func emitReply(onReply func(GPTReply), idx *int, text string, persona Persona, archetype Archetype, urgency string, threshold float64) float64 {
	final, score := EnsureConsistent(strings.TrimSpace(text), archetype, urgency, threshold)
	onReply(GPTReply{
		PartialResponseIndex: *idx,
		PartialResponse:      final,
		PersonalityInfo:      string(archetype),
		PersonaConsistency:   score,
	})
	*idx++
	return score
}

// decodeToolPlan derives the attempt id from the tool loop alone, not
// the call's index within the response: two byte-identical calls in one
// response must share an idempotency key so the second dedupes.
func decodeToolPlan(ev StreamEvent, callSID, stepID string, loop int) ToolPlan {
	args := parseToolArgs(ev.ToolArgsJSON)
	return NewToolPlan(ev.ToolName, args, ev.ToolCallID, callSID, stepID, "l"+strconv.Itoa(loop))
}

func parseToolArgs(raw string) map[string]any {
	args := make(map[string]any)
	if raw == "" {
		return args
	}
	_ = json.Unmarshal([]byte(raw), &args)
	return args
}

func renderToolResult(r Result) string {
	if r.FailedKind != "" {
		if errEnv, ok := r.Response["error_envelope"].(string); ok {
			return errEnv
		}
	}
	out, err := json.Marshal(r.Response)
	if err != nil {
		return "{}"
	}
	return string(out)
}
