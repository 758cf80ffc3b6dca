// Package store is the persistence gateway: typed repositories over the
// durable state the coordination engine owns (nodes, locks, chat users,
// verifications, messages, tickets, server events, snapshots). Every
// exported method is atomic with respect to the statement(s) it issues;
// multi-statement contracts (record event, consume verification, upsert
// message id) run inside a single transaction.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, pgx.Tx, and a pooled *pgxpool.Conn,
// letting every Store either run standalone or inside a caller's transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner is implemented by connections that can start a transaction.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
