// Package transcript defines the append-only Transcript aggregate.
package transcript

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Speaker identifies who produced a transcript line.
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerAI     Speaker = "ai"
	SpeakerSystem Speaker = "system"
)

// Transcript is one append-only line of a call's dialogue.
type Transcript struct {
	ID        uuid.UUID
	CallSID   string
	Speaker   Speaker
	Message   string
	Timestamp time.Time
}

// New constructs a Transcript line stamped with the current time.
func New(callSID string, speaker Speaker, message string) Transcript {
	return Transcript{
		ID:        uuid.New(),
		CallSID:   callSID,
		Speaker:   speaker,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Repository persists Transcript lines. Append is the only mutator: the
// store never updates or deletes a transcript row.
type Repository interface {
	Append(ctx context.Context, t Transcript) error
	ListByCallSID(ctx context.Context, callSID string) ([]Transcript, error)
}
