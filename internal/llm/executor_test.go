package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/callcore/internal/domain/idempotency"
	"github.com/iota-uz/callcore/internal/domain/toolaudit"
)

type memIdemStore struct {
	mu      sync.Mutex
	records map[string]*idempotency.Record
}

func newMemIdemStore() *memIdemStore {
	return &memIdemStore{records: make(map[string]*idempotency.Record)}
}

func (s *memIdemStore) Reserve(ctx context.Context, key string, ttl time.Duration) (idempotency.ReserveResult, *idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok && time.Now().Before(rec.ExpiresAt) {
		return idempotency.Existing, rec, nil
	}
	rec := &idempotency.Record{Key: key, Status: idempotency.StatusInProgress, ExpiresAt: time.Now().Add(ttl)}
	s.records[key] = rec
	return idempotency.Reserved, rec, nil
}

func (s *memIdemStore) Resolve(ctx context.Context, key string, status idempotency.Status, response map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		rec.Status = status
		rec.Response = response
	}
	return nil
}

func (s *memIdemStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key], nil
}

type memAuditRepo struct {
	mu     sync.Mutex
	audits []*toolaudit.ToolAudit
}

func (r *memAuditRepo) Create(ctx context.Context, a *toolaudit.ToolAudit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, a)
	return nil
}

func (r *memAuditRepo) Update(ctx context.Context, a *toolaudit.ToolAudit) error { return nil }

func (r *memAuditRepo) GetByIdempotencyKey(ctx context.Context, key string) (*toolaudit.ToolAudit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.audits {
		if a.IdempotencyKey == key {
			return a, nil
		}
	}
	return nil, nil
}

func (r *memAuditRepo) ListByCallSID(ctx context.Context, callSID string) ([]*toolaudit.ToolAudit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*toolaudit.ToolAudit(nil), r.audits...), nil
}

func newTestExecutor(t *testing.T, registry *Registry, audits *memAuditRepo) *Executor {
	t.Helper()
	return NewExecutor(registry, newMemIdemStore(), audits, ExecutorConfig{
		ToolBudgetPerInteraction: 6,
		BreakerWindow:            time.Minute,
		BreakerThreshold:         3,
		BreakerCooldown:          30 * time.Second,
		IdempotencyTTL:           time.Hour,
	})
}

func TestIdenticalSideEffectCallsExecuteOnce(t *testing.T) {
	registry := NewRegistry()
	executions := 0
	registry.Register(ToolDef{
		Name:  "place_order",
		Class: ClassSideEffect,
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			executions++
			return map[string]any{"order_id": "ord_1"}, nil
		},
	})
	audits := &memAuditRepo{}
	e := newTestExecutor(t, registry, audits)

	args := map[string]any{"sku": "widget", "qty": float64(2)}
	plan1 := NewToolPlan("place_order", args, "tc1", "CA1", "step1", "a0")
	plan2 := NewToolPlan("place_order", args, "tc2", "CA1", "step1", "a0")
	require.Equal(t, plan1.IdempotencyKey, plan2.IdempotencyKey, "same stepId+args derive the same key")

	r1 := e.Execute(context.Background(), plan1)
	require.Empty(t, r1.FailedKind)
	assert.False(t, r1.Cached)

	r2 := e.Execute(context.Background(), plan2)
	require.Empty(t, r2.FailedKind)
	assert.True(t, r2.Cached)
	assert.Equal(t, r1.Response["order_id"], r2.Response["order_id"])

	assert.Equal(t, 1, executions, "at most one successful execution per idempotency key")

	okAudits := 0
	for _, a := range audits.audits {
		if a.Status == toolaudit.StatusOK {
			okAudits++
		}
	}
	assert.Equal(t, 1, okAudits)
}

func TestToolBudgetExceeded(t *testing.T) {
	registry := NewRegistry()
	registry.Register(ToolDef{
		Name:  "lookup",
		Class: ClassRead,
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		},
	})
	e := NewExecutor(registry, newMemIdemStore(), nil, ExecutorConfig{
		ToolBudgetPerInteraction: 2,
		BreakerWindow:            time.Minute,
		BreakerThreshold:         3,
		BreakerCooldown:          30 * time.Second,
	})

	for i := 0; i < 2; i++ {
		r := e.Execute(context.Background(), NewToolPlan("lookup", map[string]any{"i": float64(i)}, "tc", "CA1", "s", "a"))
		require.Empty(t, r.FailedKind)
	}
	r := e.Execute(context.Background(), NewToolPlan("lookup", map[string]any{"i": float64(9)}, "tc", "CA1", "s", "a"))
	assert.Equal(t, string(ErrCodeBudgetExceeded), r.FailedKind)

	// A fresh interaction resets the counter.
	e.ResetInteractionBudget("CA1")
	r = e.Execute(context.Background(), NewToolPlan("lookup", map[string]any{"i": float64(10)}, "tc", "CA1", "s", "a"))
	assert.Empty(t, r.FailedKind)
}

func TestCircuitOpensAndUsesFallback(t *testing.T) {
	registry := NewRegistry()
	registry.Register(ToolDef{
		Name:  "flaky",
		Class: ClassRead,
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, errors.New("backend down")
		},
		Fallback: "stable",
	})
	registry.Register(ToolDef{
		Name:  "stable",
		Class: ClassRead,
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"via": "fallback"}, nil
		},
	})
	e := NewExecutor(registry, newMemIdemStore(), nil, ExecutorConfig{
		ToolBudgetPerInteraction: 100,
		BreakerWindow:            time.Minute,
		BreakerThreshold:         2,
		BreakerCooldown:          time.Minute,
	})

	for i := 0; i < 2; i++ {
		r := e.Execute(context.Background(), NewToolPlan("flaky", map[string]any{"i": float64(i)}, "tc", "CA1", "s", "a"))
		assert.Equal(t, string(ErrCodeExecutionFailed), r.FailedKind)
	}

	r := e.Execute(context.Background(), NewToolPlan("flaky", map[string]any{"i": float64(9)}, "tc", "CA1", "s", "a"))
	require.Empty(t, r.FailedKind, "open circuit reroutes to the declared fallback")
	assert.Equal(t, "fallback", r.Response["via"])
}

func TestValidationFailureSurfacesEnvelope(t *testing.T) {
	registry := NewRegistry()
	registry.Register(ToolDef{
		Name: "typed",
		Schema: ParamSchema{Params: []ParamSpec{
			{Name: "mode", Kind: ParamString, Required: true, Enum: []string{"a", "b"}},
		}},
		Class: ClassRead,
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		},
	})
	e := newTestExecutor(t, registry, &memAuditRepo{})

	r := e.Execute(context.Background(), NewToolPlan("typed", map[string]any{"mode": "z"}, "tc", "CA1", "s", "a"))
	assert.Equal(t, string(ErrCodeValidationFailed), r.FailedKind)
	assert.Contains(t, r.Response["error_envelope"].(string), "VALIDATION_FAILED")
}

func TestFailedKeyIsNotRetried(t *testing.T) {
	registry := NewRegistry()
	calls := 0
	registry.Register(ToolDef{
		Name:  "charge",
		Class: ClassSideEffect,
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			calls++
			return nil, errors.New("declined")
		},
	})
	e := newTestExecutor(t, registry, &memAuditRepo{})

	plan := NewToolPlan("charge", map[string]any{"amt": float64(5)}, "tc", "CA1", "s", "a")
	r := e.Execute(context.Background(), plan)
	assert.Equal(t, string(ErrCodeExecutionFailed), r.FailedKind)

	r = e.Execute(context.Background(), plan)
	assert.Equal(t, string(ErrCodeIdempotencyFailed), r.FailedKind)
	assert.Equal(t, 1, calls)
}
