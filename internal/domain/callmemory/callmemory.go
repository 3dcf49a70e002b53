// Package callmemory defines the per-call memory facts and rolling
// summary fed into the LLM turn engine's context compiler.
package callmemory

import (
	"context"
	"sort"
	"time"
)

// Fact is one long-term memory fact extracted for a call.
type Fact struct {
	Key        string
	Text       string
	Confidence float64
	Source     string
	Age        time.Duration
}

// CallMemory holds the bounded rolling summary and ranked facts for one
// call.
type CallMemory struct {
	CallSID         string
	Summary         string
	SummaryTurns    int
	Facts           []Fact
	summaryMaxChars int
}

// New constructs an empty CallMemory bounded to summaryMaxChars.
func New(callSID string, summaryMaxChars int) *CallMemory {
	return &CallMemory{CallSID: callSID, summaryMaxChars: summaryMaxChars}
}

// AppendSummary folds text into the rolling summary, truncating to
// summaryMaxChars by dropping the oldest content.
func (m *CallMemory) AppendSummary(text string) {
	m.SummaryTurns++
	if m.Summary == "" {
		m.Summary = text
	} else {
		m.Summary = m.Summary + " " + text
	}
	if len(m.Summary) > m.summaryMaxChars {
		m.Summary = m.Summary[len(m.Summary)-m.summaryMaxChars:]
	}
}

// AddFact inserts or replaces a fact by Key.
func (m *CallMemory) AddFact(f Fact) {
	for i, existing := range m.Facts {
		if existing.Key == f.Key {
			m.Facts[i] = f
			return
		}
	}
	m.Facts = append(m.Facts, f)
}

// TopFacts returns up to n facts sorted by confidence descending, then by
// recency (lower Age first).
func (m *CallMemory) TopFacts(n int) []Fact {
	sorted := append([]Fact(nil), m.Facts...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].Age < sorted[j].Age
	})
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// DropWeakestFact removes the single lowest-confidence (oldest on ties)
// fact, used by the compaction pass to shrink under a token reserve.
func (m *CallMemory) DropWeakestFact() {
	if len(m.Facts) == 0 {
		return
	}
	weakest := 0
	for i, f := range m.Facts {
		w := m.Facts[weakest]
		if f.Confidence < w.Confidence || (f.Confidence == w.Confidence && f.Age > w.Age) {
			weakest = i
		}
	}
	m.Facts = append(m.Facts[:weakest], m.Facts[weakest+1:]...)
}

// Prune discards facts below minConfidence or older than maxAge.
func (m *CallMemory) Prune(minConfidence float64, maxAge time.Duration) {
	kept := m.Facts[:0]
	for _, f := range m.Facts {
		if f.Confidence >= minConfidence && f.Age <= maxAge {
			kept = append(kept, f)
		}
	}
	m.Facts = kept
}

// Repository persists CallMemory snapshots.
type Repository interface {
	Get(ctx context.Context, callSID string) (*CallMemory, error)
	Save(ctx context.Context, m *CallMemory) error
}
