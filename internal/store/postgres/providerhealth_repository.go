package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/callcore/internal/domain/providerhealth"
	"github.com/iota-uz/callcore/pkg/composables"
)

// HealthLogRepository implements providerhealth.LogRepository, the
// durable service_health_logs table backing provider-degraded events
// and the job DLQ alert.
type HealthLogRepository struct{}

func NewHealthLogRepository() *HealthLogRepository { return &HealthLogRepository{} }

func (r *HealthLogRepository) querier(ctx context.Context) Querier {
	if tx, ok := composables.UseTx(ctx); ok {
		return tx
	}
	return composables.UsePool(ctx)
}

func (r *HealthLogRepository) Append(ctx context.Context, entry providerhealth.LogEntry) error {
	const op = "HealthLogRepository.Append"
	const q = `INSERT INTO public.service_health_logs (service, status, count, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.querier(ctx).Exec(ctx, q, entry.Service, entry.Status, entry.Count, entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (r *HealthLogRepository) Latest(ctx context.Context, service string) (*providerhealth.LogEntry, error) {
	const op = "HealthLogRepository.Latest"
	const q = `SELECT service, status, count, created_at FROM public.service_health_logs
		WHERE service = $1 ORDER BY created_at DESC LIMIT 1`
	var entry providerhealth.LogEntry
	err := r.querier(ctx).QueryRow(ctx, q, service).Scan(&entry.Service, &entry.Status, &entry.Count, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return &entry, nil
}
