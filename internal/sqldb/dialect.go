package sqldb

import "strconv"

// Kind is the storage class of a column.
type Kind int

const (
	KindText Kind = iota
	KindDecimal
	KindInteger
	KindBoolean
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindDecimal:
		return "decimal"
	case KindInteger:
		return "integer"
	case KindBoolean:
		return "boolean"
	}
	return "unknown"
}

// Dialect captures the statement differences between backends.
type Dialect interface {
	Name() string
	// Placeholder returns the bind parameter marker for position n (1-based).
	Placeholder(n int) string
	QuoteIdent(name string) string
	ColumnType(k Kind) string
	// KeyType is the column type used for name columns in primary keys.
	KeyType() string
	// ColumnsQuery lists the column names of the table bound to the single
	// placeholder, in ordinal order.
	ColumnsQuery() string
}

type postgresDialect struct{}

func (postgresDialect) Name() string               { return "postgres" }
func (postgresDialect) Placeholder(n int) string   { return "$" + strconv.Itoa(n) }
func (postgresDialect) QuoteIdent(s string) string { return quoteWith(s, `"`) }
func (postgresDialect) KeyType() string            { return "TEXT" }

func (postgresDialect) ColumnType(k Kind) string {
	switch k {
	case KindDecimal:
		return "DOUBLE PRECISION"
	case KindInteger:
		return "BIGINT"
	case KindBoolean:
		return "BOOLEAN"
	}
	return "TEXT"
}

func (postgresDialect) ColumnsQuery() string {
	return `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position
	`
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string               { return "mysql" }
func (mysqlDialect) Placeholder(int) string     { return "?" }
func (mysqlDialect) QuoteIdent(s string) string { return quoteWith(s, "`") }

// KeyType is bounded because MySQL cannot index unbounded TEXT.
func (mysqlDialect) KeyType() string { return "VARCHAR(255)" }

func (mysqlDialect) ColumnType(k Kind) string {
	switch k {
	case KindDecimal:
		return "DOUBLE"
	case KindInteger:
		return "BIGINT"
	case KindBoolean:
		return "BOOLEAN"
	}
	return "TEXT"
}

func (mysqlDialect) ColumnsQuery() string {
	return `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position
	`
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string               { return "sqlite" }
func (sqliteDialect) Placeholder(int) string     { return "?" }
func (sqliteDialect) QuoteIdent(s string) string { return quoteWith(s, `"`) }
func (sqliteDialect) KeyType() string            { return "TEXT" }

func (sqliteDialect) ColumnType(k Kind) string {
	switch k {
	case KindDecimal:
		return "REAL"
	case KindInteger:
		return "INTEGER"
	case KindBoolean:
		return "BOOLEAN"
	}
	return "TEXT"
}

func (sqliteDialect) ColumnsQuery() string {
	return `SELECT name FROM pragma_table_info(?) ORDER BY cid`
}
