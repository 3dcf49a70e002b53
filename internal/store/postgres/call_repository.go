// Package postgres implements the L0 store: pgx/v5-backed repositories
// for every aggregate owned by a call, plus the process-global
// idempotency and job tables.
package postgres

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iota-uz/callcore/internal/domain/call"
	"github.com/iota-uz/callcore/pkg/composables"
	"github.com/iota-uz/callcore/pkg/repo"
)

const (
	callFields = "call_sid, provider, direction, phone_number, status, created_at, started_at, ended_at, duration_ms, user_chat_id, customer_name, prompt, first_message, business_context, last_otp, last_otp_masked, digit_count, digit_summary, ai_analysis"
)

// CallRepository implements call.Repository against Postgres.
type CallRepository struct{}

func NewCallRepository() *CallRepository { return &CallRepository{} }

func (r *CallRepository) querier(ctx context.Context) Querier {
	if tx, ok := composables.UseTx(ctx); ok {
		return tx
	}
	return composables.UsePool(ctx)
}

func (r *CallRepository) Create(ctx context.Context, c call.Call) error {
	const op = "CallRepository.Create"
	q := repo.Insert("public.calls", strings.Split(callFields, ", "))
	_, err := r.querier(ctx).Exec(ctx, q,
		c.CallSID(), c.Provider(), string(c.Direction()), c.PhoneNumber(), string(c.Status()),
		c.CreatedAt(), c.StartedAt(), c.EndedAt(), durationMS(c.Duration()),
		c.UserChatID(), c.CustomerName(), c.Prompt(), c.FirstMessage(), c.BusinessContext(),
		c.LastOTP(), c.LastOTPMasked(), c.DigitCount(), c.DigitSummary(), c.AIAnalysis(),
	)
	if err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (r *CallRepository) Update(ctx context.Context, c call.Call) error {
	const op = "CallRepository.Update"
	const q = `UPDATE public.calls SET status = $1, started_at = $2, ended_at = $3, duration_ms = $4,
		last_otp = $5, last_otp_masked = $6, digit_count = $7, digit_summary = $8, ai_analysis = $9
		WHERE call_sid = $10`
	_, err := r.querier(ctx).Exec(ctx, q,
		string(c.Status()), c.StartedAt(), c.EndedAt(), durationMS(c.Duration()),
		c.LastOTP(), c.LastOTPMasked(), c.DigitCount(), c.DigitSummary(), c.AIAnalysis(),
		c.CallSID(),
	)
	if err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (r *CallRepository) GetByCallSID(ctx context.Context, callSID string) (call.Call, error) {
	const op = "CallRepository.GetByCallSID"
	const q = `SELECT ` + callFields + ` FROM public.calls WHERE call_sid = $1`
	row := r.querier(ctx).QueryRow(ctx, q, callSID)
	c, err := scanCall(row)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return c, nil
}

func (r *CallRepository) GetAll(ctx context.Context) ([]call.Call, error) {
	return r.GetPaginated(ctx, call.FindParams{Limit: 0})
}

func (r *CallRepository) Count(ctx context.Context, params call.FindParams) (int64, error) {
	const op = "CallRepository.Count"
	where, args := buildCallWhere(params)
	q := "SELECT count(*) FROM public.calls" + where
	var n int64
	if err := r.querier(ctx).QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, op)
	}
	return n, nil
}

func (r *CallRepository) GetPaginated(ctx context.Context, params call.FindParams) ([]call.Call, error) {
	const op = "CallRepository.GetPaginated"
	where, args := buildCallWhere(params)
	q := "SELECT " + callFields + " FROM public.calls" + where + " ORDER BY created_at DESC"
	if params.Limit > 0 {
		args = append(args, params.Limit)
		q += " LIMIT $" + strconv.Itoa(len(args))
	}
	if params.Offset > 0 {
		args = append(args, params.Offset)
		q += " OFFSET $" + strconv.Itoa(len(args))
	}
	rows, err := r.querier(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer rows.Close()

	var out []call.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, errors.Wrap(err, op)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func buildCallWhere(params call.FindParams) (string, []any) {
	var clauses []string
	var args []any
	if params.Status != nil {
		args = append(args, string(*params.Status))
		clauses = append(clauses, repo.Eq(args[len(args)-1]).String("status", len(args)))
	}
	if params.Phone != nil {
		args = append(args, *params.Phone)
		clauses = append(clauses, repo.Eq(args[len(args)-1]).String("phone_number", len(args)))
	}
	if params.CreatedAt.From != nil {
		args = append(args, *params.CreatedAt.From)
		clauses = append(clauses, repo.Gte(args[len(args)-1]).String("created_at", len(args)))
	}
	if params.CreatedAt.To != nil {
		args = append(args, *params.CreatedAt.To)
		clauses = append(clauses, repo.Lte(args[len(args)-1]).String("created_at", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type callRow interface {
	Scan(dest ...any) error
}

func scanCall(row callRow) (call.Call, error) {
	var (
		callSID, provider, direction, phoneNumber, status string
		createdAt                                         time.Time
		startedAt, endedAt                                *time.Time
		durationMs                                        *int64
		userChatID, customerName, prompt, firstMessage    *string
		businessContext                                   string
		lastOTP, lastOTPMasked, digitSummary, aiAnalysis  *string
		digitCount                                        int
	)
	if err := row.Scan(&callSID, &provider, &direction, &phoneNumber, &status, &createdAt,
		&startedAt, &endedAt, &durationMs, &userChatID, &customerName, &prompt, &firstMessage,
		&businessContext, &lastOTP, &lastOTPMasked, &digitCount, &digitSummary, &aiAnalysis); err != nil {
		return nil, err
	}

	var opts []call.Option
	opts = append(opts, call.WithCreatedAt(createdAt))
	if userChatID != nil {
		opts = append(opts, call.WithUserChatID(*userChatID))
	}
	if customerName != nil {
		opts = append(opts, call.WithCustomerName(*customerName))
	}
	opts = append(opts, call.WithBusinessContext(businessContext))

	var p, fm string
	if prompt != nil {
		p = *prompt
	}
	if firstMessage != nil {
		fm = *firstMessage
	}

	c := call.New(callSID, provider, call.Direction(direction), phoneNumber, p, fm, opts...)
	c.Transition(call.Status(status), time.Now())
	if digitCount > 0 || digitSummary != nil {
		c.RecordDigits(digitCount, digitSummary)
	}
	if lastOTP != nil && lastOTPMasked != nil {
		c.RecordOTP(*lastOTP, *lastOTPMasked)
	}
	if aiAnalysis != nil {
		c.SetAIAnalysis(*aiAnalysis)
	}
	return c, nil
}

func durationMS(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

// Querier is the subset of pgx's pool/tx interface the repositories use.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Querier = (*pgxpool.Pool)(nil)
var _ Querier = (pgx.Tx)(nil)
