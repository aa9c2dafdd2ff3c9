package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const ConnKey contextKey = "db_conn"

// Queryable is the subset of pgx operations shared by pools, acquired
// connections, and transactions. Repositories run their statements against
// it, so the same query code works inside and outside a transaction.
type Queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// WithConn returns a context carrying q. Repository methods prefer it over
// their own pool.
func WithConn(ctx context.Context, q Queryable) context.Context {
	return context.WithValue(ctx, ConnKey, q)
}

// ConnFromContext retrieves the context-scoped Queryable, or nil when the
// context carries none.
func ConnFromContext(ctx context.Context) Queryable {
	q, _ := ctx.Value(ConnKey).(Queryable)
	return q
}

// InTx runs fn inside a single transaction. The transaction is placed in the
// context passed to fn, so repository calls made by fn share it. A non-nil
// error from fn rolls the transaction back.
func InTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithConn(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
