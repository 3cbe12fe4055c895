package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlBackend keeps a server-level connection for CREATE/DROP DATABASE and
// derives per-tenant DSNs from the configured one.
type mysqlBackend struct {
	admin        *stdDB
	cfg          *mysql.Config
	queryTimeout time.Duration
}

func newMySQLBackend(ctx context.Context, dsn string, queryTimeout time.Duration) (*mysqlBackend, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	admin, err := openStd(ctx, "mysql", cfg.FormatDSN(), mysqlDialect{}, queryTimeout)
	if err != nil {
		return nil, err
	}
	return &mysqlBackend{admin: admin, cfg: cfg, queryTimeout: queryTimeout}, nil
}

func (b *mysqlBackend) Dialect() Dialect { return mysqlDialect{} }

func (b *mysqlBackend) Open(ctx context.Context, dbName string) (DB, error) {
	if err := CheckIdentifier("database name", dbName); err != nil {
		return nil, err
	}
	cfg := b.cfg.Clone()
	cfg.DBName = dbName
	return openStd(ctx, "mysql", cfg.FormatDSN(), mysqlDialect{}, b.queryTimeout)
}

func (b *mysqlBackend) DatabaseExists(ctx context.Context, dbName string) (bool, error) {
	res, err := b.admin.Query(ctx, `SELECT schema_name FROM information_schema.schemata WHERE schema_name = ?`, dbName)
	if err != nil {
		return false, fmt.Errorf("failed to look up database: %w", err)
	}
	return len(res.Rows) > 0, nil
}

func (b *mysqlBackend) CreateDatabase(ctx context.Context, dbName string) error {
	if err := CheckIdentifier("database name", dbName); err != nil {
		return err
	}
	if _, err := b.admin.Exec(ctx, `CREATE DATABASE `+mysqlDialect{}.QuoteIdent(dbName)); err != nil {
		return fmt.Errorf("failed to create database %s: %w", dbName, err)
	}
	return nil
}

func (b *mysqlBackend) DropDatabase(ctx context.Context, dbName string) error {
	if err := CheckIdentifier("database name", dbName); err != nil {
		return err
	}
	if _, err := b.admin.Exec(ctx, `DROP DATABASE IF EXISTS `+mysqlDialect{}.QuoteIdent(dbName)); err != nil {
		return fmt.Errorf("failed to drop database %s: %w", dbName, err)
	}
	return nil
}

func (b *mysqlBackend) Close() error {
	return b.admin.Close()
}
