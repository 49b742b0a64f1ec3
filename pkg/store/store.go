// Package store is the relational persistence layer. It owns every SQL
// statement in the service; the pipeline packages speak to it through
// narrow interfaces they define themselves.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echolab/echoman/pkg/database"
)

// writeTimeout bounds every mutating statement.
const writeTimeout = 10 * time.Second

// Store executes all relational reads and writes over the shared pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store. Panics on nil client: the store is useless without
// a database and the caller wired it wrong.
func New(db *database.Client) *Store {
	if db == nil {
		panic("store.New: database client is required")
	}
	return &Store{pool: db.Pool()}
}

// writeCtx derives the bounded context used for mutating statements.
func writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, writeTimeout)
}
