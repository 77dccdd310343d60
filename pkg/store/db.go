// Package store contains the PostgreSQL repositories for the FreeRADIUS
// schema: credential check rows, reply rows, NAS devices, and read-only
// accounting sessions. The engine is the sole writer of the first three.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the query surface shared by a pool, an open transaction,
// and the pgxmock test double. Repositories operate on a Querier so
// multi-table flows can run inside one caller-owned transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the pool surface the engine needs. Implemented by
// *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Querier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// DB wraps a connection pool for repository constructors.
type DB struct{ Pool PgxPool }

// New creates a connection pool for the given DSN.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

// Close closes the underlying pool.
func (db *DB) Close() { db.Pool.Close() }

// ErrNASNotFound indicates an operation on an unknown NAS address.
var ErrNASNotFound = errors.New("nas not found")
