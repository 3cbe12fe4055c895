package sqldb

import (
	"context"
	"fmt"
)

// Columns returns the physical column names of table in ordinal order. An
// absent table yields an empty list.
func Columns(ctx context.Context, db DB, table string) ([]string, error) {
	res, err := db.Query(ctx, db.Dialect().ColumnsQuery(), table)
	if err != nil {
		return nil, fmt.Errorf("failed to get columns of %s: %w", table, err)
	}
	return res.Strings(), nil
}

// HasColumn reports whether table physically carries column.
func HasColumn(ctx context.Context, db DB, table, column string) (bool, error) {
	cols, err := Columns(ctx, db, table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if c == column {
			return true, nil
		}
	}
	return false, nil
}
