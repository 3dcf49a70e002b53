package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/callcore/internal/domain/callmemory"
	"github.com/iota-uz/callcore/pkg/composables"
)

// CallMemoryRepository implements callmemory.Repository against
// Postgres, upserting the one memory snapshot a call owns.
type CallMemoryRepository struct {
	summaryMaxChars int
}

func NewCallMemoryRepository(summaryMaxChars int) *CallMemoryRepository {
	return &CallMemoryRepository{summaryMaxChars: summaryMaxChars}
}

func (r *CallMemoryRepository) querier(ctx context.Context) Querier {
	if tx, ok := composables.UseTx(ctx); ok {
		return tx
	}
	return composables.UsePool(ctx)
}

func (r *CallMemoryRepository) Get(ctx context.Context, callSID string) (*callmemory.CallMemory, error) {
	const op = "CallMemoryRepository.Get"
	const q = `SELECT call_sid, summary, summary_turns, facts FROM public.call_memory_facts WHERE call_sid = $1`
	var (
		summary      string
		summaryTurns int
		facts        []byte
	)
	m := callmemory.New(callSID, r.summaryMaxChars)
	err := r.querier(ctx).QueryRow(ctx, q, callSID).Scan(&callSID, &summary, &summaryTurns, &facts)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	m.Summary = summary
	m.SummaryTurns = summaryTurns
	if len(facts) > 0 {
		var parsed []callmemory.Fact
		if err := json.Unmarshal(facts, &parsed); err != nil {
			return nil, errors.Wrap(err, op)
		}
		m.Facts = parsed
	}
	return m, nil
}

func (r *CallMemoryRepository) Save(ctx context.Context, m *callmemory.CallMemory) error {
	const op = "CallMemoryRepository.Save"
	facts, err := json.Marshal(m.Facts)
	if err != nil {
		return errors.Wrap(err, op)
	}
	const q = `INSERT INTO public.call_memory_facts (call_sid, summary, summary_turns, facts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (call_sid) DO UPDATE SET summary = $2, summary_turns = $3, facts = $4`
	if _, err := r.querier(ctx).Exec(ctx, q, m.CallSID, m.Summary, m.SummaryTurns, facts); err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}
