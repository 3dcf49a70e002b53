package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/iota-uz/callcore/internal/domain/job"
	"github.com/iota-uz/callcore/pkg/composables"
)

// JobRepository implements job.Repository against Postgres. ClaimDue
// performs the single-writer atomic claim the poll loop depends on via
// SELECT ... FOR UPDATE SKIP LOCKED.
type JobRepository struct{}

func NewJobRepository() *JobRepository { return &JobRepository{} }

func (r *JobRepository) querier(ctx context.Context) Querier {
	if tx, ok := composables.UseTx(ctx); ok {
		return tx
	}
	return composables.UsePool(ctx)
}

func (r *JobRepository) Create(ctx context.Context, j *job.Job) error {
	const op = "JobRepository.Create"
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return errors.Wrap(err, op)
	}
	const q = `INSERT INTO public.jobs
		(id, kind, payload, not_before, attempts, max_attempts, status, lease_until, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.querier(ctx).Exec(ctx, q, j.ID, string(j.Kind), payload, j.NotBefore, j.Attempts,
		j.MaxAttempts, string(j.Status), j.LeaseUntil, j.LastError)
	if err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (r *JobRepository) Update(ctx context.Context, j *job.Job) error {
	const op = "JobRepository.Update"
	const q = `UPDATE public.jobs SET attempts = $1, status = $2, not_before = $3, lease_until = $4, last_error = $5
		WHERE id = $6`
	_, err := r.querier(ctx).Exec(ctx, q, j.Attempts, string(j.Status), j.NotBefore, j.LeaseUntil, j.LastError, j.ID)
	if err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	const op = "JobRepository.GetByID"
	const q = `SELECT id, kind, payload, not_before, attempts, max_attempts, status, lease_until, last_error
		FROM public.jobs WHERE id = $1`
	row := r.querier(ctx).QueryRow(ctx, q, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return j, nil
}

// ClaimDue atomically claims up to limit pending jobs whose not_before
// has elapsed, setting their lease and bumping attempts in the same
// statement so two concurrent pollers never double-claim a row.
func (r *JobRepository) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*job.Job, error) {
	const op = "JobRepository.ClaimDue"
	const q = `WITH due AS (
		SELECT id FROM public.jobs
		WHERE status = 'pending' AND not_before <= $1
		ORDER BY not_before ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	UPDATE public.jobs j SET status = 'claimed', lease_until = $3, attempts = j.attempts + 1
	FROM due WHERE j.id = due.id
	RETURNING j.id, j.kind, j.payload, j.not_before, j.attempts, j.max_attempts, j.status, j.lease_until, j.last_error`

	rows, err := r.querier(ctx).Query(ctx, q, now, limit, leaseUntil)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, op)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *JobRepository) CountDLQ(ctx context.Context, kind job.Kind) (int64, error) {
	const op = "JobRepository.CountDLQ"
	const q = `SELECT count(*) FROM public.jobs WHERE status = 'dlq' AND kind = $1`
	var n int64
	if err := r.querier(ctx).QueryRow(ctx, q, string(kind)).Scan(&n); err != nil {
		return 0, errors.Wrap(err, op)
	}
	return n, nil
}

func scanJob(row callRow) (*job.Job, error) {
	var (
		j            job.Job
		kind, status string
		payload      []byte
	)
	if err := row.Scan(&j.ID, &kind, &payload, &j.NotBefore, &j.Attempts, &j.MaxAttempts, &status,
		&j.LeaseUntil, &j.LastError); err != nil {
		return nil, err
	}
	j.Kind = job.Kind(kind)
	j.Status = job.Status(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, err
		}
	}
	return &j, nil
}
