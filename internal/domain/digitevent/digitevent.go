// Package digitevent defines the append-only DigitEvent record produced
// by the digit collection subsystem for every collection attempt.
package digitevent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Source identifies how the digits were captured.
type Source string

const (
	SourceDTMF    Source = "dtmf"
	SourceGather  Source = "gather"
	SourceTimeout Source = "timeout"
	SourceSpeech  Source = "speech"
)

// DigitEvent records one digit-collection outcome. Digits is nullable:
// sensitive profiles store a vault token or nothing at all (masked).
type DigitEvent struct {
	ID       uuid.UUID
	CallSID  string
	Source   Source
	Profile  string
	Digits   *string
	Len      int
	Accepted bool
	Reason   *string
	Metadata map[string]any
	At       time.Time
}

// New constructs a DigitEvent stamped with the current time.
func New(callSID string, source Source, profile string, digits *string, length int, accepted bool, reason *string, metadata map[string]any) DigitEvent {
	return DigitEvent{
		ID:       uuid.New(),
		CallSID:  callSID,
		Source:   source,
		Profile:  profile,
		Digits:   digits,
		Len:      length,
		Accepted: accepted,
		Reason:   reason,
		Metadata: metadata,
		At:       time.Now(),
	}
}

// Repository persists DigitEvent records.
type Repository interface {
	Append(ctx context.Context, e DigitEvent) error
	ListByCallSID(ctx context.Context, callSID string) ([]DigitEvent, error)
}
