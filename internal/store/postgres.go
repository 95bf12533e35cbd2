package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a job repository shared by any number of workers.
type Postgres struct {
	*sqlRepository
}

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// OpenPostgres connects, verifies the connection and applies the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 1
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	repo := newSQLRepository(&pgDB{pool: pool})
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{sqlRepository: repo}, nil
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgConn struct {
	q pgQuerier
}

func (c pgConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c pgConn) queryRow(ctx context.Context, query string, args ...any) scanner {
	return pgRow{c.q.QueryRow(ctx, query, args...)}
}

func (c pgConn) query(ctx context.Context, query string, args []any, each func(scanner) error) error {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := each(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

type pgRow struct {
	row pgx.Row
}

func (r pgRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return errNoRows
	}
	return err
}

type pgDB struct {
	pool *pgxpool.Pool
}

func (d *pgDB) exec(ctx context.Context, query string, args ...any) (int64, error) {
	return pgConn{d.pool}.exec(ctx, query, args...)
}

func (d *pgDB) queryRow(ctx context.Context, query string, args ...any) scanner {
	return pgConn{d.pool}.queryRow(ctx, query, args...)
}

func (d *pgDB) query(ctx context.Context, query string, args []any, each func(scanner) error) error {
	return pgConn{d.pool}.query(ctx, query, args, each)
}

// withTx runs fn in a transaction; any error rolls it back.
func (d *pgDB) withTx(ctx context.Context, fn func(conn) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(pgConn{tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (d *pgDB) ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

func (d *pgDB) close() error {
	d.pool.Close()
	return nil
}
