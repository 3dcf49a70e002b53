package llm

import (
	"context"
	"sync"
	"time"

	"github.com/iota-uz/callcore/internal/domain/idempotency"
	"github.com/iota-uz/callcore/internal/domain/toolaudit"
	"github.com/iota-uz/callcore/internal/providers"
	"github.com/iota-uz/callcore/pkg/composables"
)

// ExecutorConfig carries the tool planner/executor's per-interaction
// tunables.
type ExecutorConfig struct {
	ToolBudgetPerInteraction int
	BreakerWindow            time.Duration
	BreakerThreshold         int
	BreakerCooldown          time.Duration
	IdempotencyTTL           time.Duration
}

// Executor runs the Plan -> Validate -> Reserve -> Budget -> Circuit ->
// Execute -> Audit -> Continue pipeline.
type Executor struct {
	registry  *Registry
	idemStore idempotency.Store
	audits    toolaudit.Repository
	cfg       ExecutorConfig

	mu          sync.Mutex
	breakers    map[string]*providers.Breaker
	toolBudgets map[string]int // callSID -> tool calls used this interaction

	// inFlight is the in-memory per-process lock guarding concurrent
	// duplicate execution of the same idempotency key within one
	// attempt; cross-process dedupe relies on the store reservation.
	inFlight sync.Map
}

// NewExecutor constructs an Executor.
func NewExecutor(registry *Registry, idemStore idempotency.Store, audits toolaudit.Repository, cfg ExecutorConfig) *Executor {
	return &Executor{
		registry:    registry,
		idemStore:   idemStore,
		audits:      audits,
		cfg:         cfg,
		breakers:    make(map[string]*providers.Breaker),
		toolBudgets: make(map[string]int),
	}
}

func (e *Executor) breakerFor(tool string) *providers.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[tool]
	if !ok {
		b = providers.NewBreaker(e.cfg.BreakerWindow, e.cfg.BreakerThreshold, e.cfg.BreakerCooldown)
		e.breakers[tool] = b
	}
	return b
}

// Result is the outcome of one tool execution returned to the turn
// engine for continuation.
type Result struct {
	ToolCallID string
	Response   map[string]any // fed back as the "tool" role message content
	Cached     bool
	FailedKind string // empty on success
}

// Execute runs the full pipeline for one planned tool call.
func (e *Executor) Execute(ctx context.Context, plan ToolPlan) Result {
	def, ok := e.registry.Get(plan.ToolName)
	if !ok {
		return errResult(plan, ErrCodeInvalidRequest, "unknown tool: "+plan.ToolName)
	}

	if plan.ToolName == "collect_digits" {
		ClampCollectDigits(plan.Args)
	}
	if err := def.Schema.Validate(plan.Args); err != nil {
		return errResult(plan, ErrCodeValidationFailed, err.Error())
	}

	if def.Class == ClassSideEffect || def.Class == ClassCapture {
		if res, handled := e.reserve(ctx, plan); handled {
			return res
		}
		defer e.release(plan.IdempotencyKey)
	}

	e.mu.Lock()
	used := e.toolBudgets[plan.CallSID]
	if used >= e.cfg.ToolBudgetPerInteraction {
		e.mu.Unlock()
		return errResult(plan, ErrCodeBudgetExceeded, "tool budget exceeded for this interaction")
	}
	e.toolBudgets[plan.CallSID] = used + 1
	e.mu.Unlock()

	breaker := e.breakerFor(plan.ToolName)
	now := time.Now()
	if breaker.Open(now) {
		if def.Fallback != "" {
			if fb, ok := e.registry.Get(def.Fallback); ok {
				def = fb
			} else {
				return errResult(plan, ErrCodeCircuitOpen, "circuit open for "+plan.ToolName, HintUseFallbackTool)
			}
		} else {
			return errResult(plan, ErrCodeCircuitOpen, "circuit open for "+plan.ToolName)
		}
	}

	retryLimit := def.RetryLimit
	if def.Class == ClassCapture {
		retryLimit = 0
	}

	// Call-scoped tools read the owning call from their args; the model
	// never supplies it itself. Injected after hashing so it does not
	// perturb the idempotency key.
	if _, ok := plan.Args["call_sid"]; !ok {
		plan.Args["call_sid"] = plan.CallSID
	}

	audit := toolaudit.New(plan.CallSID, plan.ToolCallID, plan.ToolName, plan.IdempotencyKey, plan.InputHash, plan.Args)
	start := time.Now()

	var (
		response map[string]any
		err      error
	)
	timeout := time.Duration(def.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	for attempt := 0; attempt <= retryLimit; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		response, err = def.Fn(callCtx, plan.Args)
		cancel()
		if err == nil {
			break
		}
		if attempt < retryLimit {
			time.Sleep(backoffWithJitter(attempt))
		}
	}
	duration := time.Since(start)

	if err != nil {
		breaker.RecordFailure(time.Now())
		audit.Complete(toolaudit.StatusFailed, map[string]any{"error": err.Error()}, duration)
		e.persistAudit(ctx, audit)
		if def.Class == ClassSideEffect || def.Class == ClassCapture {
			_ = e.idemStore.Resolve(ctx, plan.IdempotencyKey, idempotency.StatusFailed, nil)
		}
		return errResult(plan, ErrCodeExecutionFailed, err.Error())
	}

	breaker.RecordSuccess(time.Now())
	audit.Complete(toolaudit.StatusOK, response, duration)
	e.persistAudit(ctx, audit)
	if def.Class == ClassSideEffect || def.Class == ClassCapture {
		_ = e.idemStore.Resolve(ctx, plan.IdempotencyKey, idempotency.StatusOK, response)
	}
	return Result{ToolCallID: plan.ToolCallID, Response: response}
}

// reserve implements the Reserve step, returning (result, true) when the
// pipeline should stop here (cached/failed/in-progress).
func (e *Executor) reserve(ctx context.Context, plan ToolPlan) (Result, bool) {
	if _, loaded := e.inFlight.LoadOrStore(plan.IdempotencyKey, struct{}{}); loaded {
		return errResult(plan, ErrCodeInProgress, "duplicate in-flight execution"), true
	}

	ttl := e.cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	result, rec, err := e.idemStore.Reserve(ctx, plan.IdempotencyKey, ttl)
	if err != nil {
		e.release(plan.IdempotencyKey)
		return errResult(plan, ErrCodeExecutionFailed, "idempotency reservation failed: "+err.Error()), true
	}
	if result == idempotency.Reserved {
		return Result{}, false
	}

	e.release(plan.IdempotencyKey)
	switch rec.Status {
	case idempotency.StatusOK:
		return Result{ToolCallID: plan.ToolCallID, Response: rec.Response, Cached: true}, true
	case idempotency.StatusFailed:
		return errResult(plan, ErrCodeIdempotencyFailed, "prior attempt failed", HintDoNotRetrySameArgs), true
	default:
		return errResult(plan, ErrCodeInProgress, "prior attempt still in progress"), true
	}
}

func (e *Executor) release(key string) { e.inFlight.Delete(key) }

func (e *Executor) persistAudit(ctx context.Context, audit *toolaudit.ToolAudit) {
	if e.audits == nil {
		return
	}
	logger := composables.UseLogger(ctx)
	if err := e.audits.Create(ctx, audit); err != nil {
		logger.WithError(err).Warn("llm: failed to persist tool audit")
	}
}

func errResult(plan ToolPlan, code ToolErrorCode, message string, hints ...string) Result {
	return Result{
		ToolCallID: plan.ToolCallID,
		Response:   map[string]any{"error_envelope": FormatToolError(code, message, hints...)},
		FailedKind: string(code),
	}
}

// ResetInteractionBudget clears the per-call tool-call counter, called
// when a new interaction (not just a new turn) begins.
func (e *Executor) ResetInteractionBudget(callSID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.toolBudgets, callSID)
}

func backoffWithJitter(attempt int) time.Duration {
	base := 100 * time.Millisecond
	d := base << attempt
	jitter := time.Duration(attempt) * 17 * time.Millisecond
	return d + jitter
}
