package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const DBTxKey contextKey = "db_tx"

// PostgreSQL error codes the ledger reacts to.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
)

// TxFromContext returns the transaction stored in ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// ContextWithTx stores tx in ctx so repositories pick it up through conn(ctx).
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// TxRunner opens serializable transactions on a pool. Writers use InTx;
// long read-only scans use InReadTx so they never abort a writer.
type TxRunner struct {
	pool     *pgxpool.Pool
	opts     pgx.TxOptions
	readOpts pgx.TxOptions
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{
		pool: pool,
		opts: pgx.TxOptions{IsoLevel: pgx.Serializable},
		readOpts: pgx.TxOptions{
			IsoLevel:       pgx.Serializable,
			AccessMode:     pgx.ReadOnly,
			DeferrableMode: pgx.Deferrable,
		},
	}
}

// InTx runs fn inside one transaction and commits when fn returns nil.
// A call made with a context that already carries a transaction joins it.
func (r *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.run(ctx, r.opts, fn)
}

// InReadTx runs fn in a READ ONLY DEFERRABLE serializable transaction. It
// waits for a safe snapshot instead of taking part in conflict detection, so
// it cannot fail with a serialization error or cause one in a writer.
func (r *TxRunner) InReadTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.run(ctx, r.readOpts, fn)
}

func (r *TxRunner) run(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := r.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	if err := fn(ContextWithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsRetryable reports whether err is a concurrency failure (serialization
// failure, deadlock, lock timeout) that may succeed when re-issued.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// ConstraintName returns the constraint reported by a PostgreSQL error, or "".
func ConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}
