package postgres

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/iota-uz/callcore/internal/domain/transcript"
	"github.com/iota-uz/callcore/pkg/composables"
)

// TranscriptRepository implements transcript.Repository against
// Postgres. Append is the only mutator: rows are never updated.
type TranscriptRepository struct{}

func NewTranscriptRepository() *TranscriptRepository { return &TranscriptRepository{} }

func (r *TranscriptRepository) querier(ctx context.Context) Querier {
	if tx, ok := composables.UseTx(ctx); ok {
		return tx
	}
	return composables.UsePool(ctx)
}

func (r *TranscriptRepository) Append(ctx context.Context, t transcript.Transcript) error {
	const op = "TranscriptRepository.Append"
	const q = `INSERT INTO public.transcripts (id, call_sid, speaker, message, ts) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.querier(ctx).Exec(ctx, q, t.ID, t.CallSID, string(t.Speaker), t.Message, t.Timestamp)
	if err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (r *TranscriptRepository) ListByCallSID(ctx context.Context, callSID string) ([]transcript.Transcript, error) {
	const op = "TranscriptRepository.ListByCallSID"
	const q = `SELECT id, call_sid, speaker, message, ts FROM public.transcripts WHERE call_sid = $1 ORDER BY ts ASC`
	rows, err := r.querier(ctx).Query(ctx, q, callSID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer rows.Close()

	var out []transcript.Transcript
	for rows.Next() {
		var t transcript.Transcript
		var speaker string
		if err := rows.Scan(&t.ID, &t.CallSID, &speaker, &t.Message, &t.Timestamp); err != nil {
			return nil, errors.Wrap(err, op)
		}
		t.Speaker = transcript.Speaker(speaker)
		out = append(out, t)
	}
	return out, rows.Err()
}
