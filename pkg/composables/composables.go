// Package composables holds the small set of context-value accessors
// threaded through every request/call/job path: the active transaction,
// the connection pool, the scoped logger, tenant identity and upload
// source.
package composables

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

type ctxKey int

const (
	poolKey ctxKey = iota
	txKey
	loggerKey
	tenantIDKey
	uploadSourceKey
	uploadAccessCheckerKey
)

// WithPool attaches the shared connection pool to ctx.
func WithPool(ctx context.Context, pool *pgxpool.Pool) context.Context {
	return context.WithValue(ctx, poolKey, pool)
}

// UsePool retrieves the connection pool attached by WithPool. It panics
// if none was attached; callers at the composition root are expected to
// have attached one.
func UsePool(ctx context.Context) *pgxpool.Pool {
	pool, ok := ctx.Value(poolKey).(*pgxpool.Pool)
	if !ok {
		panic("composables.UsePool: no pool in context")
	}
	return pool
}

// WithTx attaches an open transaction to ctx, shadowing the pool for the
// duration of the unit of work.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// UseTx returns the transaction attached by WithTx and true, or
// (nil, false) if ctx carries no transaction — callers use this to fall
// back to the pool for a plain query.
func UseTx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey).(pgx.Tx)
	return tx, ok
}

// WithLogger attaches a scoped logger entry to ctx.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// UseLogger returns the logger attached by WithLogger, or an entry on
// the standard logger if none was attached.
func UseLogger(ctx context.Context) *logrus.Entry {
	if logger, ok := ctx.Value(loggerKey).(*logrus.Entry); ok {
		return logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// WithTenantID attaches the active tenant to ctx.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// UseTenantID returns the tenant attached by WithTenantID, or "" if none
// was attached.
func UseTenantID(ctx context.Context) string {
	tenantID, _ := ctx.Value(tenantIDKey).(string)
	return tenantID
}

// WithUploadSource attaches the named upload source bucket to ctx (e.g.
// "digit-vault", "call-recordings").
func WithUploadSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, uploadSourceKey, source)
}

// UseUploadSource returns the upload source attached by WithUploadSource,
// defaulting to "general" when unset or empty.
func UseUploadSource(ctx context.Context) string {
	source, _ := ctx.Value(uploadSourceKey).(string)
	if source == "" {
		return "general"
	}
	return source
}

// UploadAccessChecker authorizes access to and uploads into a named
// upload source.
type UploadAccessChecker interface {
	CanAccessSource(source string) error
	CanUploadToSource(source string) error
}

// WithUploadAccessChecker attaches an UploadAccessChecker to ctx.
func WithUploadAccessChecker(ctx context.Context, checker UploadAccessChecker) context.Context {
	return context.WithValue(ctx, uploadAccessCheckerKey, checker)
}

// CheckUploadSourceAccess allows access unconditionally when ctx carries
// no checker; absent means access is allowed.
func CheckUploadSourceAccess(ctx context.Context, source string) error {
	checker, ok := ctx.Value(uploadAccessCheckerKey).(UploadAccessChecker)
	if !ok {
		return nil
	}
	return checker.CanAccessSource(source)
}

// CheckUploadToSource allows upload unconditionally when ctx carries no
// checker.
func CheckUploadToSource(ctx context.Context, source string) error {
	checker, ok := ctx.Value(uploadAccessCheckerKey).(UploadAccessChecker)
	if !ok {
		return nil
	}
	return checker.CanUploadToSource(source)
}
