package sqldb

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresBackend keeps a maintenance pool on the configured database and
// opens one pool per tenant database on the same server.
type postgresBackend struct {
	admin        *pgxpool.Pool
	baseURL      *url.URL
	queryTimeout time.Duration
}

func newPostgresBackend(ctx context.Context, connString string, queryTimeout time.Duration) (*postgresBackend, error) {
	parsed, err := url.Parse(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}

	pool, err := connectPostgres(ctx, connString)
	if err != nil {
		return nil, err
	}
	return &postgresBackend{admin: pool, baseURL: parsed, queryTimeout: queryTimeout}, nil
}

func connectPostgres(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// buildURL returns a connection URL for dbName, using the same host, user,
// password, and options as the maintenance connection.
func (b *postgresBackend) buildURL(dbName string) string {
	u := *b.baseURL
	u.Path = "/" + dbName
	return u.String()
}

func (b *postgresBackend) Dialect() Dialect { return postgresDialect{} }

func (b *postgresBackend) Open(ctx context.Context, dbName string) (DB, error) {
	if err := CheckIdentifier("database name", dbName); err != nil {
		return nil, err
	}
	pool, err := connectPostgres(ctx, b.buildURL(dbName))
	if err != nil {
		return nil, err
	}
	return &pgxDB{pool: pool, queryTimeout: b.queryTimeout}, nil
}

func (b *postgresBackend) DatabaseExists(ctx context.Context, dbName string) (bool, error) {
	ctx, cancel := withTimeout(ctx, b.queryTimeout)
	defer cancel()

	var one int
	rows, err := b.admin.Query(ctx, `SELECT 1 FROM pg_database WHERE datname = $1`, dbName)
	if err != nil {
		return false, fmt.Errorf("failed to look up database: %w", err)
	}
	defer rows.Close()
	found := false
	for rows.Next() {
		if err := rows.Scan(&one); err != nil {
			return false, fmt.Errorf("failed to scan database lookup: %w", err)
		}
		found = true
	}
	return found, rows.Err()
}

func (b *postgresBackend) CreateDatabase(ctx context.Context, dbName string) error {
	if err := CheckIdentifier("database name", dbName); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, b.queryTimeout)
	defer cancel()
	if _, err := b.admin.Exec(ctx, `CREATE DATABASE `+postgresDialect{}.QuoteIdent(dbName)); err != nil {
		return fmt.Errorf("failed to create database %s: %w", dbName, err)
	}
	return nil
}

func (b *postgresBackend) DropDatabase(ctx context.Context, dbName string) error {
	if err := CheckIdentifier("database name", dbName); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, b.queryTimeout)
	defer cancel()
	if _, err := b.admin.Exec(ctx, `DROP DATABASE IF EXISTS `+postgresDialect{}.QuoteIdent(dbName)); err != nil {
		return fmt.Errorf("failed to drop database %s: %w", dbName, err)
	}
	return nil
}

func (b *postgresBackend) Close() error {
	b.admin.Close()
	return nil
}

type pgxDB struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

func (d *pgxDB) Dialect() Dialect { return postgresDialect{} }

func (d *pgxDB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := withTimeout(ctx, d.queryTimeout)
	defer cancel()
	tag, err := d.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (d *pgxDB) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	ctx, cancel := withTimeout(ctx, d.queryTimeout)
	defer cancel()
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	res := &Result{Columns: make([]string, len(fields))}
	for i, fd := range fields {
		res.Columns[i] = fd.Name
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		res.Rows = append(res.Rows, vals)
	}
	return res, rows.Err()
}

func (d *pgxDB) Close() error {
	d.pool.Close()
	return nil
}
