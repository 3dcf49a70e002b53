package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"

	"github.com/iota-uz/callcore/internal/domain/toolaudit"
	"github.com/iota-uz/callcore/pkg/composables"
)

// ToolAuditRepository implements toolaudit.Repository against Postgres.
// idempotency_key carries a unique index, so a second Create with the
// same key fails with a unique violation; the tool executor logs Create
// errors and does not use them to detect duplicates.
type ToolAuditRepository struct{}

func NewToolAuditRepository() *ToolAuditRepository { return &ToolAuditRepository{} }

func (r *ToolAuditRepository) querier(ctx context.Context) Querier {
	if tx, ok := composables.UseTx(ctx); ok {
		return tx
	}
	return composables.UsePool(ctx)
}

func (r *ToolAuditRepository) Create(ctx context.Context, a *toolaudit.ToolAudit) error {
	const op = "ToolAuditRepository.Create"
	request, err := json.Marshal(a.Request)
	if err != nil {
		return errors.Wrap(err, op)
	}
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return errors.Wrap(err, op)
	}
	const q = `INSERT INTO public.tool_audits
		(id, call_sid, trace_id, tool_name, idempotency_key, input_hash, request, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.querier(ctx).Exec(ctx, q, a.ID, a.CallSID, a.TraceID, a.ToolName, a.IdempotencyKey,
		a.InputHash, request, string(a.Status), metadata, a.CreatedAt)
	if err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (r *ToolAuditRepository) Update(ctx context.Context, a *toolaudit.ToolAudit) error {
	const op = "ToolAuditRepository.Update"
	response, err := json.Marshal(a.Response)
	if err != nil {
		return errors.Wrap(err, op)
	}
	const q = `UPDATE public.tool_audits SET status = $1, response = $2, duration_ms = $3 WHERE id = $4`
	_, err = r.querier(ctx).Exec(ctx, q, string(a.Status), response, a.DurationMS, a.ID)
	if err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (r *ToolAuditRepository) GetByIdempotencyKey(ctx context.Context, key string) (*toolaudit.ToolAudit, error) {
	const op = "ToolAuditRepository.GetByIdempotencyKey"
	const q = `SELECT id, call_sid, trace_id, tool_name, idempotency_key, input_hash, request, response,
		status, duration_ms, metadata, created_at FROM public.tool_audits WHERE idempotency_key = $1`
	row := r.querier(ctx).QueryRow(ctx, q, key)
	a, err := scanToolAudit(row)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return a, nil
}

func (r *ToolAuditRepository) ListByCallSID(ctx context.Context, callSID string) ([]*toolaudit.ToolAudit, error) {
	const op = "ToolAuditRepository.ListByCallSID"
	const q = `SELECT id, call_sid, trace_id, tool_name, idempotency_key, input_hash, request, response,
		status, duration_ms, metadata, created_at FROM public.tool_audits WHERE call_sid = $1 ORDER BY created_at ASC`
	rows, err := r.querier(ctx).Query(ctx, q, callSID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer rows.Close()

	var out []*toolaudit.ToolAudit
	for rows.Next() {
		a, err := scanToolAudit(rows)
		if err != nil {
			return nil, errors.Wrap(err, op)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanToolAudit(row callRow) (*toolaudit.ToolAudit, error) {
	var (
		a                           toolaudit.ToolAudit
		status                      string
		request, response, metadata []byte
	)
	if err := row.Scan(&a.ID, &a.CallSID, &a.TraceID, &a.ToolName, &a.IdempotencyKey, &a.InputHash,
		&request, &response, &status, &a.DurationMS, &metadata, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = toolaudit.Status(status)
	if len(request) > 0 {
		if err := json.Unmarshal(request, &a.Request); err != nil {
			return nil, err
		}
	}
	if len(response) > 0 {
		if err := json.Unmarshal(response, &a.Response); err != nil {
			return nil, err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, err
		}
	}
	return &a, nil
}
