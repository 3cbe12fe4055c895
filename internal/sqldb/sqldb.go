package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// stdDB adapts a database/sql handle (MySQL, SQLite) to DB.
type stdDB struct {
	db           *sql.DB
	dialect      Dialect
	queryTimeout time.Duration
}

func openStd(ctx context.Context, driver, dsn string, dialect Dialect, queryTimeout time.Duration) (*stdDB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &stdDB{db: db, dialect: dialect, queryTimeout: queryTimeout}, nil
}

func (d *stdDB) Dialect() Dialect { return d.dialect }

func (d *stdDB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := withTimeout(ctx, d.queryTimeout)
	defer cancel()
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// DDL on some drivers does not report affected rows.
		return 0, nil
	}
	return n, nil
}

func (d *stdDB) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	ctx, cancel := withTimeout(ctx, d.queryTimeout)
	defer cancel()
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	res := &Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range vals {
			// Drivers reuse byte buffers between rows.
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	return res, rows.Err()
}

func (d *stdDB) Close() error {
	return d.db.Close()
}
