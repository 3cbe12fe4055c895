// Package sqldb abstracts the relational backends a tenant database can live
// on: PostgreSQL (pgx), MySQL and SQLite (database/sql).
//
// Every tenant owns one physical database. Statements are built with bound
// parameters; only catalog-validated identifiers are interpolated.
package sqldb

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DB is an open connection to one tenant database.
type DB interface {
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// Query runs a statement and materializes all result rows, so the
	// connection is released before the caller issues the next statement.
	Query(ctx context.Context, query string, args ...any) (*Result, error)
	Dialect() Dialect
	Close() error
}

// Result holds the materialized rows of a query.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Maps returns every row keyed by column name.
func (r *Result) Maps() []map[string]any {
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			m[col] = row[i]
		}
		out = append(out, m)
	}
	return out
}

// Strings returns the first column of every row as strings.
func (r *Result) Strings() []string {
	out := make([]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		if len(row) > 0 {
			out = append(out, AsString(row[0]))
		}
	}
	return out
}

// Backend creates, opens and drops the databases of one server (or one
// directory for SQLite).
type Backend interface {
	Dialect() Dialect
	Open(ctx context.Context, dbName string) (DB, error)
	CreateDatabase(ctx context.Context, dbName string) error
	DropDatabase(ctx context.Context, dbName string) error
	DatabaseExists(ctx context.Context, dbName string) (bool, error)
	Close() error
}

// NewBackend selects the backend from the URL scheme:
// postgres:// (or postgresql://), mysql:// and sqlite://<directory>.
// queryTimeout bounds every statement issued through the opened databases.
func NewBackend(ctx context.Context, databaseURL string, queryTimeout time.Duration) (Backend, error) {
	dbType, connStr, err := parseDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	switch dbType {
	case "postgres":
		return newPostgresBackend(ctx, connStr, queryTimeout)
	case "mysql":
		return newMySQLBackend(ctx, connStr, queryTimeout)
	case "sqlite":
		return newSQLiteBackend(connStr, queryTimeout)
	}
	return nil, fmt.Errorf("unsupported database type: %s", dbType)
}

// parseDatabaseURL detects the database type and returns the driver
// connection string.
func parseDatabaseURL(url string) (dbType, connectionStr string, err error) {
	if url == "" {
		return "", "", fmt.Errorf("database URL is required")
	}

	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return "postgres", url, nil
	}

	if strings.HasPrefix(url, "mysql://") {
		return "mysql", strings.TrimPrefix(url, "mysql://"), nil
	}

	if strings.HasPrefix(url, "sqlite://") {
		dir := strings.TrimPrefix(url, "sqlite://")
		if dir == "" {
			return "", "", fmt.Errorf("sqlite URL needs a directory: sqlite://<dir>")
		}
		return "sqlite", dir, nil
	}

	return "", "", fmt.Errorf("invalid database URL scheme (must start with postgres://, mysql://, or sqlite://)")
}

// withTimeout applies timeout unless the parent already has a sooner
// deadline. The returned cancel func must be called.
func withTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	if deadline, ok := parent.Deadline(); ok && time.Until(deadline) <= timeout {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
