package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/callcore/internal/domain/idempotency"
	"github.com/iota-uz/callcore/pkg/composables"
)

// IdempotencyStore implements idempotency.Store against Postgres, using
// a conditional insert (ON CONFLICT DO NOTHING) as the atomic reserve
// primitive cross-process deduplication depends on.
type IdempotencyStore struct{}

func NewIdempotencyStore() *IdempotencyStore { return &IdempotencyStore{} }

func (s *IdempotencyStore) querier(ctx context.Context) Querier {
	if tx, ok := composables.UseTx(ctx); ok {
		return tx
	}
	return composables.UsePool(ctx)
}

func (s *IdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (idempotency.ReserveResult, *idempotency.Record, error) {
	const op = "IdempotencyStore.Reserve"
	expiresAt := time.Now().Add(ttl)

	const insertQ = `INSERT INTO public.idempotency_records (key, status, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`
	tag, err := s.querier(ctx).Exec(ctx, insertQ, key, string(idempotency.StatusInProgress), expiresAt)
	if err != nil {
		return "", nil, errors.Wrap(err, op)
	}
	if tag.RowsAffected() == 1 {
		return idempotency.Reserved, &idempotency.Record{Key: key, Status: idempotency.StatusInProgress, ExpiresAt: expiresAt}, nil
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return "", nil, errors.Wrap(err, op)
	}
	return idempotency.Existing, existing, nil
}

func (s *IdempotencyStore) Resolve(ctx context.Context, key string, status idempotency.Status, response map[string]any) error {
	const op = "IdempotencyStore.Resolve"
	payload, err := json.Marshal(response)
	if err != nil {
		return errors.Wrap(err, op)
	}
	const q = `UPDATE public.idempotency_records SET status = $1, response = $2 WHERE key = $3`
	if _, err := s.querier(ctx).Exec(ctx, q, string(status), payload, key); err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	const op = "IdempotencyStore.Get"
	const q = `SELECT key, status, response, expires_at FROM public.idempotency_records WHERE key = $1`
	var (
		rec      idempotency.Record
		status   string
		response []byte
	)
	err := s.querier(ctx).QueryRow(ctx, q, key).Scan(&rec.Key, &status, &response, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	rec.Status = idempotency.Status(status)
	if len(response) > 0 {
		if err := json.Unmarshal(response, &rec.Response); err != nil {
			return nil, errors.Wrap(err, op)
		}
	}
	return &rec, nil
}
