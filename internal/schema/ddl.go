package schema

import (
	"fmt"
	"strings"

	"github.com/hilderonny/fm-sub000/internal/fieldtype"
	"github.com/hilderonny/fm-sub000/internal/sqldb"
)

// BuildCreateTableDDL constructs the CREATE TABLE statement of a datatype
// table: a single name primary key; fields are added column by column.
func BuildCreateTableDDL(d sqldb.Dialect, tableName string) (string, error) {
	if err := sqldb.CheckIdentifier("table name", tableName); err != nil {
		return "", err
	}
	return fmt.Sprintf("CREATE TABLE %s (%s %s PRIMARY KEY)",
		d.QuoteIdent(tableName), d.QuoteIdent(NameField), d.KeyType()), nil
}

// BuildAddColumnDDL constructs the ALTER TABLE ADD COLUMN statement for a
// field. Columns stay nullable at the storage level; required-ness is
// enforced by the object store so existing rows remain valid.
func BuildAddColumnDDL(d sqldb.Dialect, tableName string, f Field) (string, error) {
	if err := sqldb.CheckIdentifier("table name", tableName); err != nil {
		return "", err
	}
	if err := sqldb.CheckIdentifier("column name", f.Name); err != nil {
		return "", err
	}
	ft, err := fieldtype.Lookup(f.FieldType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		d.QuoteIdent(tableName), d.QuoteIdent(f.Name), d.ColumnType(ft.Kind())), nil
}

// BuildDropColumnDDL constructs the ALTER TABLE DROP COLUMN statement.
func BuildDropColumnDDL(d sqldb.Dialect, tableName, column string) (string, error) {
	if err := sqldb.CheckIdentifier("table name", tableName); err != nil {
		return "", err
	}
	if err := sqldb.CheckIdentifier("column name", column); err != nil {
		return "", err
	}
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.QuoteIdent(tableName), d.QuoteIdent(column)), nil
}

// catalogDDL returns the statements creating the catalog tables.
func catalogDDL(d sqldb.Dialect) []string {
	q := d.QuoteIdent
	text := d.ColumnType(sqldb.KindText)
	boolean := d.ColumnType(sqldb.KindBoolean)
	integer := d.ColumnType(sqldb.KindInteger)
	key := d.KeyType()

	datatypes := []string{
		q("name") + " " + key + " PRIMARY KEY",
		q("label") + " " + text,
		q("plurallabel") + " " + text,
		q("icon") + " " + text,
		q("lists") + " " + text,
		q("candefinename") + " " + boolean,
		q("candelete") + " " + boolean,
		q("ispredefined") + " " + boolean,
	}
	fields := []string{
		q("datatypename") + " " + key + " NOT NULL",
		q("name") + " " + key + " NOT NULL",
		q("label") + " " + text,
		q("fieldtype") + " " + text,
		q("isrequired") + " " + boolean,
		q("isnullable") + " " + boolean,
		q("reference") + " " + text,
		q("formula") + " " + text,
		q("formulaindex") + " " + integer,
		q("ishidden") + " " + boolean,
		q("ispredefined") + " " + boolean,
		q("ordinal") + " " + integer,
		"PRIMARY KEY (" + q("datatypename") + ", " + q("name") + ")",
	}
	return []string{
		"CREATE TABLE IF NOT EXISTS " + q(DatatypesTable) + " (" + strings.Join(datatypes, ", ") + ")",
		"CREATE TABLE IF NOT EXISTS " + q(DatatypeFieldsTable) + " (" + strings.Join(fields, ", ") + ")",
	}
}
