package sqldb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteBackend stores every database as <dir>/<name>.db.
type sqliteBackend struct {
	dir          string
	queryTimeout time.Duration
}

func newSQLiteBackend(dir string, queryTimeout time.Duration) (*sqliteBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return &sqliteBackend{dir: dir, queryTimeout: queryTimeout}, nil
}

func (b *sqliteBackend) path(dbName string) string {
	return filepath.Join(b.dir, dbName+".db")
}

func (b *sqliteBackend) Dialect() Dialect { return sqliteDialect{} }

func (b *sqliteBackend) Open(ctx context.Context, dbName string) (DB, error) {
	if err := CheckIdentifier("database name", dbName); err != nil {
		return nil, err
	}
	d, err := openStd(ctx, "sqlite3", "file:"+b.path(dbName)+"?_busy_timeout=5000", sqliteDialect{}, b.queryTimeout)
	if err != nil {
		return nil, err
	}
	// A single writer avoids "database is locked" between pooled connections.
	d.db.SetMaxOpenConns(1)
	return d, nil
}

func (b *sqliteBackend) DatabaseExists(_ context.Context, dbName string) (bool, error) {
	_, err := os.Stat(b.path(dbName))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat database file: %w", err)
	}
	return true, nil
}

func (b *sqliteBackend) CreateDatabase(ctx context.Context, dbName string) error {
	exists, err := b.DatabaseExists(ctx, dbName)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("database %s already exists", dbName)
	}
	// Opening the first connection creates the file.
	d, err := b.Open(ctx, dbName)
	if err != nil {
		return fmt.Errorf("failed to create database %s: %w", dbName, err)
	}
	return d.Close()
}

func (b *sqliteBackend) DropDatabase(_ context.Context, dbName string) error {
	if err := CheckIdentifier("database name", dbName); err != nil {
		return err
	}
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		err := os.Remove(b.path(dbName) + suffix)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to drop database %s: %w", dbName, err)
		}
	}
	return nil
}

func (b *sqliteBackend) Close() error { return nil }
