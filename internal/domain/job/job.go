// Package job defines the durable Job aggregate processed by the single-
// writer poll loop (internal/jobs).
package job

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the job's lifecycle status.
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusDone    Status = "done"
	StatusDLQ     Status = "dlq"
)

// Kind identifies the job processor that should execute a Job.
type Kind string

const (
	KindOutboundCall   Kind = "outbound_call"
	KindScheduledSMS   Kind = "scheduled_sms"
	KindReconciliation Kind = "reconciliation"
	KindWebhookReplay  Kind = "webhook_replay"
)

// Job is a single unit of durable, retryable work.
type Job struct {
	ID          uuid.UUID
	Kind        Kind
	Payload     map[string]any
	NotBefore   time.Time
	Attempts    int
	MaxAttempts int
	Status      Status
	LeaseUntil  *time.Time
	LastError   *string
}

// New constructs a pending Job ready to be claimed once NotBefore
// elapses.
func New(kind Kind, payload map[string]any, notBefore time.Time, maxAttempts int) *Job {
	return &Job{
		ID:          uuid.New(),
		Kind:        kind,
		Payload:     payload,
		NotBefore:   notBefore,
		MaxAttempts: maxAttempts,
		Status:      StatusPending,
	}
}

// Claim marks the job claimed under a lease expiring at leaseUntil. It
// reports false if the job is not pending.
func (j *Job) Claim(leaseUntil time.Time) bool {
	if j.Status != StatusPending {
		return false
	}
	j.Status = StatusClaimed
	j.LeaseUntil = &leaseUntil
	j.Attempts++
	return true
}

// Complete marks the job done, releasing its lease.
func (j *Job) Complete() {
	j.Status = StatusDone
	j.LeaseUntil = nil
	j.LastError = nil
}

// Fail records lastErr and either reschedules the job at nextAttempt
// (pending again) or moves it to dlq when Attempts has reached
// MaxAttempts.
func (j *Job) Fail(lastErr string, nextAttempt time.Time) {
	j.LastError = &lastErr
	j.LeaseUntil = nil
	if j.Attempts >= j.MaxAttempts {
		j.Status = StatusDLQ
		return
	}
	j.Status = StatusPending
	j.NotBefore = nextAttempt
}

// Repository persists Job records and exposes the atomic claim query the
// poll loop relies on.
type Repository interface {
	Create(ctx context.Context, j *Job) error
	Update(ctx context.Context, j *Job) error
	ClaimDue(ctx context.Context, now time.Time, leaseUntil time.Time, limit int) ([]*Job, error)
	CountDLQ(ctx context.Context, kind Kind) (int64, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
}
