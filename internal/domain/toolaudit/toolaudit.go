// Package toolaudit defines the ToolAudit record persisted for every LLM
// tool invocation, keyed uniquely by idempotency key.
package toolaudit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a tool invocation.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
	StatusCached Status = "cached"
)

// ToolAudit is the durable record of one tool call attempt.
type ToolAudit struct {
	ID             uuid.UUID
	CallSID        string
	TraceID        string
	ToolName       string
	IdempotencyKey string
	InputHash      string
	Request        map[string]any
	Response       map[string]any
	Status         Status
	DurationMS     *int64
	Metadata       map[string]any
	CreatedAt      time.Time
}

// New constructs a ToolAudit stamped with the current time.
func New(callSID, traceID, toolName, idempotencyKey, inputHash string, request map[string]any) *ToolAudit {
	return &ToolAudit{
		ID:             uuid.New(),
		CallSID:        callSID,
		TraceID:        traceID,
		ToolName:       toolName,
		IdempotencyKey: idempotencyKey,
		InputHash:      inputHash,
		Request:        request,
		CreatedAt:      time.Now(),
	}
}

// Complete records the outcome of an attempt.
func (a *ToolAudit) Complete(status Status, response map[string]any, duration time.Duration) {
	a.Status = status
	a.Response = response
	ms := duration.Milliseconds()
	a.DurationMS = &ms
}

// Repository persists ToolAudit records. GetByIdempotencyKey backs the
// tool planner's reservation/dedupe check.
type Repository interface {
	Create(ctx context.Context, a *ToolAudit) error
	Update(ctx context.Context, a *ToolAudit) error
	GetByIdempotencyKey(ctx context.Context, key string) (*ToolAudit, error)
	ListByCallSID(ctx context.Context, callSID string) ([]*ToolAudit, error)
}
