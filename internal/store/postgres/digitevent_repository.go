package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"

	"github.com/iota-uz/callcore/internal/domain/digitevent"
	"github.com/iota-uz/callcore/pkg/composables"
)

// DigitEventRepository implements digitevent.Repository against
// Postgres.
type DigitEventRepository struct{}

func NewDigitEventRepository() *DigitEventRepository { return &DigitEventRepository{} }

func (r *DigitEventRepository) querier(ctx context.Context) Querier {
	if tx, ok := composables.UseTx(ctx); ok {
		return tx
	}
	return composables.UsePool(ctx)
}

func (r *DigitEventRepository) Append(ctx context.Context, e digitevent.DigitEvent) error {
	const op = "DigitEventRepository.Append"
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return errors.Wrap(err, op)
	}
	const q = `INSERT INTO public.digit_events
		(id, call_sid, source, profile, digits, len, accepted, reason, metadata, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.querier(ctx).Exec(ctx, q, e.ID, e.CallSID, string(e.Source), e.Profile, e.Digits, e.Len,
		e.Accepted, e.Reason, metadata, e.At)
	if err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (r *DigitEventRepository) ListByCallSID(ctx context.Context, callSID string) ([]digitevent.DigitEvent, error) {
	const op = "DigitEventRepository.ListByCallSID"
	const q = `SELECT id, call_sid, source, profile, digits, len, accepted, reason, metadata, at
		FROM public.digit_events WHERE call_sid = $1 ORDER BY at ASC`
	rows, err := r.querier(ctx).Query(ctx, q, callSID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer rows.Close()

	var out []digitevent.DigitEvent
	for rows.Next() {
		var e digitevent.DigitEvent
		var source string
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.CallSID, &source, &e.Profile, &e.Digits, &e.Len, &e.Accepted,
			&e.Reason, &metadata, &e.At); err != nil {
			return nil, errors.Wrap(err, op)
		}
		e.Source = digitevent.Source(source)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, errors.Wrap(err, op)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
