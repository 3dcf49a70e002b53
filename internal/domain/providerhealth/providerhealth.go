// Package providerhealth tracks per-provider failure windows and
// cooldowns for the provider router, plus the durable health log
// that feeds L7 observability.
package providerhealth

import (
	"context"
	"time"
)

// Health is the in-memory sliding-window failure tracker for one
// provider.
type Health struct {
	Provider       string
	failures       []time.Time
	errorWindow    time.Duration
	errorThreshold int
	cooldown       time.Duration
	openUntil      time.Time
	lastErrorAt    *time.Time
	lastSuccessAt  *time.Time
}

// New constructs a Health tracker for provider.
func New(provider string, errorWindow time.Duration, errorThreshold int, cooldown time.Duration) *Health {
	return &Health{
		Provider:       provider,
		errorWindow:    errorWindow,
		errorThreshold: errorThreshold,
		cooldown:       cooldown,
	}
}

// RecordFailure appends a failure at `at` and opens the cooldown window
// once errorThreshold failures fall within errorWindow of each other.
// Returns true the instant the breaker transitions from closed to open.
func (h *Health) RecordFailure(at time.Time) (openedNow bool) {
	h.lastErrorAt = &at
	cutoff := at.Add(-h.errorWindow)
	kept := h.failures[:0]
	for _, f := range h.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	h.failures = append(kept, at)

	wasOpen := h.degradedAt(at)
	if len(h.failures) >= h.errorThreshold {
		h.openUntil = at.Add(h.cooldown)
		return !wasOpen
	}
	return false
}

// RecordSuccess closes the breaker immediately.
func (h *Health) RecordSuccess(at time.Time) {
	h.lastSuccessAt = &at
	h.failures = nil
	h.openUntil = time.Time{}
}

// Degraded reports whether the provider is currently in its cooldown
// window.
func (h *Health) Degraded(now time.Time) bool { return h.degradedAt(now) }

func (h *Health) degradedAt(now time.Time) bool {
	return !h.openUntil.IsZero() && now.Before(h.openUntil)
}

// LastErrorAt returns the timestamp of the most recent recorded failure,
// used by the router's least-recently-failed fallback.
func (h *Health) LastErrorAt() time.Time {
	if h.lastErrorAt == nil {
		return time.Time{}
	}
	return *h.lastErrorAt
}

// LogEntry is a durable row summarizing a health transition, persisted
// to service_health_logs (also used for the job DLQ alert).
type LogEntry struct {
	Service   string
	Status    string
	Count     int
	CreatedAt time.Time
}

// LogRepository persists provider/service health transitions.
type LogRepository interface {
	Append(ctx context.Context, entry LogEntry) error
	Latest(ctx context.Context, service string) (*LogEntry, error)
}
