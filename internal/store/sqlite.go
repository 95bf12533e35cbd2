package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a job repository backed by a local SQLite file. It suits a
// single worker; several workers should share Postgres instead.
type SQLite struct {
	*sqlRepository
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	// WAL lets API reads proceed while the orchestrator writes; busy_timeout
	// absorbs short writer contention instead of failing with SQLITE_BUSY.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}

	repo := newSQLRepository(&sqliteDB{db: db})
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{sqlRepository: repo}, nil
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebind turns $N placeholders into SQLite's explicit ?N form.
func rebind(query string) string {
	return placeholder.ReplaceAllString(query, "?$1")
}

type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteConn struct {
	q sqliteQuerier
}

func (c sqliteConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.q.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c sqliteConn) queryRow(ctx context.Context, query string, args ...any) scanner {
	return sqliteRow{c.q.QueryRowContext(ctx, rebind(query), args...)}
}

func (c sqliteConn) query(ctx context.Context, query string, args []any, each func(scanner) error) error {
	rows, err := c.q.QueryContext(ctx, rebind(query), args...)
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

type sqliteRow struct {
	row *sql.Row
}

func (r sqliteRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return errNoRows
	}
	return err
}

type sqliteDB struct {
	db *sql.DB
}

func (d *sqliteDB) exec(ctx context.Context, query string, args ...any) (int64, error) {
	return sqliteConn{d.db}.exec(ctx, query, args...)
}

func (d *sqliteDB) queryRow(ctx context.Context, query string, args ...any) scanner {
	return sqliteConn{d.db}.queryRow(ctx, query, args...)
}

func (d *sqliteDB) query(ctx context.Context, query string, args []any, each func(scanner) error) error {
	return sqliteConn{d.db}.query(ctx, query, args, each)
}

func (d *sqliteDB) withTx(ctx context.Context, fn func(conn) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(sqliteConn{tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (d *sqliteDB) ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *sqliteDB) close() error {
	return d.db.Close()
}
