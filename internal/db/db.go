package db

import (
	"context"
	"sync"

	"scadabridge/internal/utils"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// querier is the part of pgxpool.Pool the queries use
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// DB wraps pgxpool.Pool for database operations
type DB struct {
	pool   *pgxpool.Pool
	q      querier
	logger zerolog.Logger

	mu      sync.Mutex
	columns map[columnKey]bool
}

type columnKey struct {
	table  string
	column string
}

// NewDB creates a new DB connection pool and checks connectivity
func NewDB(ctx context.Context, url string) (*DB, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return newDB(pool, pool), nil
}

func newDB(pool *pgxpool.Pool, q querier) *DB {
	return &DB{
		pool:    pool,
		q:       q,
		logger:  utils.Logger("DB"),
		columns: make(map[columnKey]bool),
	}
}

// Close closes the connection pool
func (d *DB) Close() {
	d.pool.Close()
}

// Pool returns the underlying pgxpool.Pool
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

// hasColumn reports whether table has column. The answer is looked up once
// per process; lookup errors are not cached.
func (d *DB) hasColumn(ctx context.Context, table, column string) (bool, error) {
	key := columnKey{table: table, column: column}
	d.mu.Lock()
	exists, ok := d.columns[key]
	d.mu.Unlock()
	if ok {
		return exists, nil
	}

	var n int
	err := d.q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM information_schema.columns
		WHERE table_name = $1
		  AND column_name = $2`, table, column).Scan(&n)
	if err != nil {
		return false, err
	}
	exists = n > 0
	if !exists {
		d.logger.Warn().Str("table", table).Str("column", column).Msg("Column missing, using legacy row shape")
	}

	d.mu.Lock()
	d.columns[key] = exists
	d.mu.Unlock()
	return exists, nil
}
