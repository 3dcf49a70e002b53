// Package callstate defines the append-only CallState event log: a
// per-call stream of structured events, queryable by latest-of-kind.
package callstate

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CallState is one entry in a call's append-only event log.
type CallState struct {
	ID        uuid.UUID
	CallSID   string
	Kind      string
	Data      map[string]any
	CreatedAt time.Time
}

// New constructs a CallState entry stamped with the current time.
func New(callSID, kind string, data map[string]any) CallState {
	return CallState{
		ID:        uuid.New(),
		CallSID:   callSID,
		Kind:      kind,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

// Repository persists CallState entries.
type Repository interface {
	Append(ctx context.Context, s CallState) error
	Latest(ctx context.Context, callSID, kind string) (CallState, error)
	ListByCallSID(ctx context.Context, callSID string) ([]CallState, error)
}
