package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"

	"github.com/iota-uz/callcore/internal/domain/callstate"
	"github.com/iota-uz/callcore/pkg/composables"
)

// CallStateRepository implements callstate.Repository against Postgres.
type CallStateRepository struct{}

func NewCallStateRepository() *CallStateRepository { return &CallStateRepository{} }

func (r *CallStateRepository) querier(ctx context.Context) Querier {
	if tx, ok := composables.UseTx(ctx); ok {
		return tx
	}
	return composables.UsePool(ctx)
}

func (r *CallStateRepository) Append(ctx context.Context, s callstate.CallState) error {
	const op = "CallStateRepository.Append"
	data, err := json.Marshal(s.Data)
	if err != nil {
		return errors.Wrap(err, op)
	}
	const q = `INSERT INTO public.call_states (id, call_sid, kind, data, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.querier(ctx).Exec(ctx, q, s.ID, s.CallSID, s.Kind, data, s.CreatedAt); err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (r *CallStateRepository) Latest(ctx context.Context, callSID, kind string) (callstate.CallState, error) {
	const op = "CallStateRepository.Latest"
	const q = `SELECT id, call_sid, kind, data, created_at FROM public.call_states
		WHERE call_sid = $1 AND kind = $2 ORDER BY created_at DESC LIMIT 1`
	row := r.querier(ctx).QueryRow(ctx, q, callSID, kind)
	s, err := scanCallState(row)
	if err != nil {
		return callstate.CallState{}, errors.Wrap(err, op)
	}
	return s, nil
}

func (r *CallStateRepository) ListByCallSID(ctx context.Context, callSID string) ([]callstate.CallState, error) {
	const op = "CallStateRepository.ListByCallSID"
	const q = `SELECT id, call_sid, kind, data, created_at FROM public.call_states WHERE call_sid = $1 ORDER BY created_at ASC`
	rows, err := r.querier(ctx).Query(ctx, q, callSID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer rows.Close()

	var out []callstate.CallState
	for rows.Next() {
		s, err := scanCallState(rows)
		if err != nil {
			return nil, errors.Wrap(err, op)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanCallState(row callRow) (callstate.CallState, error) {
	var s callstate.CallState
	var data []byte
	if err := row.Scan(&s.ID, &s.CallSID, &s.Kind, &data, &s.CreatedAt); err != nil {
		return callstate.CallState{}, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.Data); err != nil {
			return callstate.CallState{}, err
		}
	}
	return s, nil
}
