// Package schema maintains the per-tenant catalog of datatypes and their
// fields, and provisions the physical tables and columns they describe.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hilderonny/fm-sub000/internal/apperr"
	"github.com/hilderonny/fm-sub000/internal/fieldtype"
	"github.com/hilderonny/fm-sub000/internal/formula"
	"github.com/hilderonny/fm-sub000/internal/sqldb"
)

// Catalog reads and extends the datatypes/datatypefields tables of tenants.
type Catalog struct {
	tenants *sqldb.Registry
	logger  *zap.SugaredLogger
}

// NewCatalog creates a catalog over the tenant registry.
func NewCatalog(tenants *sqldb.Registry, logger *zap.SugaredLogger) *Catalog {
	return &Catalog{tenants: tenants, logger: logger}
}

// EnsureCatalogTables creates the catalog tables of tenant if missing.
func (c *Catalog) EnsureCatalogTables(ctx context.Context, tenant string) error {
	db, err := c.tenants.Get(ctx, tenant)
	if err != nil {
		return err
	}
	for _, stmt := range catalogDDL(db.Dialect()) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create catalog tables: %w", err)
		}
	}
	return nil
}

// CreateDatatype declares a datatype and creates its table.
func (c *Catalog) CreateDatatype(ctx context.Context, tenant string, dt Datatype) error {
	if err := sqldb.CheckIdentifier("datatype name", dt.Name); err != nil {
		return apperr.Validation("name", "%v", err)
	}
	if dt.Name == DatatypesTable || dt.Name == DatatypeFieldsTable {
		return apperr.Validation("name", "datatype name %q is reserved", dt.Name)
	}
	db, err := c.tenants.Get(ctx, tenant)
	if err != nil {
		return err
	}
	if _, err := c.GetDatatype(ctx, tenant, dt.Name); err == nil {
		return apperr.Conflict("datatype %s already exists", dt.Name)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return err
	}

	if dt.Label == "" {
		dt.Label = dt.Name
	}
	if dt.PluralLabel == "" {
		dt.PluralLabel = dt.Label
	}

	ddl, err := BuildCreateTableDDL(db.Dialect(), dt.Name)
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", dt.Name, err)
	}

	d := db.Dialect()
	stmt := "INSERT INTO " + d.QuoteIdent(DatatypesTable) +
		" (name, label, plurallabel, icon, lists, candefinename, candelete, ispredefined) VALUES (" +
		sqldb.Placeholders(d, 1, 8) + ")"
	if _, err := db.Exec(ctx, stmt, dt.Name, dt.Label, dt.PluralLabel, dt.Icon,
		strings.Join(dt.Lists, ","), dt.CanDefineName, dt.CanDelete, dt.IsPredefined); err != nil {
		return fmt.Errorf("failed to insert datatype %s: %w", dt.Name, err)
	}
	c.logger.Infow("created datatype", "tenant", tenant, "datatype", dt.Name)
	return nil
}

// CreateDatatypeField declares a field on an existing datatype and adds its
// column. An already present physical column is reused.
func (c *Catalog) CreateDatatypeField(ctx context.Context, tenant string, f Field) error {
	db, err := c.tenants.Get(ctx, tenant)
	if err != nil {
		return err
	}
	def, err := c.Definition(ctx, tenant, f.DatatypeName)
	if err != nil {
		return err
	}
	if err := c.validateField(ctx, tenant, def, f); err != nil {
		return err
	}
	if f.Label == "" {
		f.Label = f.Name
	}
	f.Ordinal = nextOrdinal(def)

	present, err := sqldb.HasColumn(ctx, db, f.DatatypeName, f.Name)
	if err != nil {
		return err
	}
	if !present {
		ddl, err := BuildAddColumnDDL(db.Dialect(), f.DatatypeName, f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", f.DatatypeName, f.Name, err)
		}
	}

	d := db.Dialect()
	stmt := "INSERT INTO " + d.QuoteIdent(DatatypeFieldsTable) +
		" (datatypename, name, label, fieldtype, isrequired, isnullable, reference, formula, formulaindex, ishidden, ispredefined, ordinal) VALUES (" +
		sqldb.Placeholders(d, 1, 12) + ")"
	if _, err := db.Exec(ctx, stmt, f.DatatypeName, f.Name, f.Label, f.FieldType, f.IsRequired, f.IsNullable,
		f.Reference, f.Formula, int64(f.FormulaIndex), f.IsHidden, f.IsPredefined, int64(f.Ordinal)); err != nil {
		return fmt.Errorf("failed to insert field %s.%s: %w", f.DatatypeName, f.Name, err)
	}
	c.logger.Infow("created datatype field", "tenant", tenant, "datatype", f.DatatypeName, "field", f.Name, "fieldtype", f.FieldType)
	return nil
}

// nextOrdinal returns the position after the last declared field.
func nextOrdinal(def *Definition) int {
	next := 0
	for _, f := range def.Fields {
		if f.Ordinal >= next {
			next = f.Ordinal + 1
		}
	}
	return next
}

func (c *Catalog) validateField(ctx context.Context, tenant string, def *Definition, f Field) error {
	if err := sqldb.CheckIdentifier("field name", f.Name); err != nil {
		return apperr.Validation("name", "%v", err)
	}
	if f.Name == NameField || formula.Reserved(f.Name) {
		return apperr.Validation("name", "field name %q is reserved", f.Name)
	}
	if _, _, exists := def.Field(f.Name); exists {
		return apperr.Conflict("field %s.%s already exists", f.DatatypeName, f.Name)
	}
	if _, err := fieldtype.Lookup(f.FieldType); err != nil {
		return err
	}
	switch f.FieldType {
	case fieldtype.Reference:
		if f.Reference == "" {
			return apperr.Validation("reference", "reference fields need a target datatype")
		}
		if _, err := c.GetDatatype(ctx, tenant, f.Reference); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.Validation("reference", "unknown target datatype %q", f.Reference)
			}
			return err
		}
	case fieldtype.Formula:
		if _, err := formula.Compile(f.Formula); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDatatypeField drops the column of a field when the table still has
// it, then removes the field from the catalog. A failed drop leaves the
// field declared; a failure after the drop leaves a declared field without
// column, which a repeated delete clears.
func (c *Catalog) DeleteDatatypeField(ctx context.Context, tenant, datatypename, fieldname string) error {
	db, err := c.tenants.Get(ctx, tenant)
	if err != nil {
		return err
	}
	def, err := c.Definition(ctx, tenant, datatypename)
	if err != nil {
		return err
	}
	f, _, ok := def.Field(fieldname)
	if !ok {
		return apperr.NotFound("field %s.%s", datatypename, fieldname)
	}
	if f.IsPredefined {
		return apperr.Validation(fieldname, "predefined fields cannot be deleted")
	}

	d := db.Dialect()
	present, err := sqldb.HasColumn(ctx, db, datatypename, fieldname)
	if err != nil {
		return err
	}
	if present {
		ddl, err := BuildDropColumnDDL(d, datatypename, fieldname)
		if err != nil {
			return err
		}
		if _, err := db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to drop column %s.%s: %w", datatypename, fieldname, err)
		}
	}

	stmt := "DELETE FROM " + d.QuoteIdent(DatatypeFieldsTable) +
		" WHERE datatypename = " + d.Placeholder(1) + " AND name = " + d.Placeholder(2)
	if _, err := db.Exec(ctx, stmt, datatypename, fieldname); err != nil {
		return fmt.Errorf("failed to delete field %s.%s: %w", datatypename, fieldname, err)
	}
	c.logger.Infow("deleted datatype field", "tenant", tenant, "datatype", datatypename, "field", fieldname)
	return nil
}

// GetDatatypes returns every datatype of tenant ordered by name.
func (c *Catalog) GetDatatypes(ctx context.Context, tenant string) ([]Datatype, error) {
	return c.queryDatatypes(ctx, tenant, "", nil)
}

// GetDatatype returns one datatype or apperr.ErrNotFound.
func (c *Catalog) GetDatatype(ctx context.Context, tenant, name string) (*Datatype, error) {
	dts, err := c.queryDatatypes(ctx, tenant, "name", name)
	if err != nil {
		return nil, err
	}
	if len(dts) == 0 {
		return nil, apperr.NotFound("datatype %s", name)
	}
	return &dts[0], nil
}

func (c *Catalog) queryDatatypes(ctx context.Context, tenant, column string, value any) ([]Datatype, error) {
	db, err := c.tenants.Get(ctx, tenant)
	if err != nil {
		return nil, err
	}
	d := db.Dialect()
	query := "SELECT name, label, plurallabel, icon, lists, candefinename, candelete, ispredefined FROM " + d.QuoteIdent(DatatypesTable)
	var args []any
	if column != "" {
		query += " WHERE " + d.QuoteIdent(column) + " = " + d.Placeholder(1)
		args = append(args, value)
	}
	query += " ORDER BY name"

	res, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get datatypes: %w", err)
	}
	dts := make([]Datatype, 0, len(res.Rows))
	for _, row := range res.Maps() {
		dts = append(dts, Datatype{
			Name:          sqldb.AsString(row["name"]),
			Label:         sqldb.AsString(row["label"]),
			PluralLabel:   sqldb.AsString(row["plurallabel"]),
			Icon:          sqldb.AsString(row["icon"]),
			Lists:         splitLists(sqldb.AsString(row["lists"])),
			CanDefineName: flag(row["candefinename"]),
			CanDelete:     flag(row["candelete"]),
			IsPredefined:  flag(row["ispredefined"]),
		})
	}
	return dts, nil
}

// GetDatatypeFields returns the fields of a datatype in declaration order.
func (c *Catalog) GetDatatypeFields(ctx context.Context, tenant, datatypename string) ([]Field, error) {
	db, err := c.tenants.Get(ctx, tenant)
	if err != nil {
		return nil, err
	}
	d := db.Dialect()
	query := "SELECT datatypename, name, label, fieldtype, isrequired, isnullable, reference, formula, formulaindex, ishidden, ispredefined, ordinal FROM " +
		d.QuoteIdent(DatatypeFieldsTable) + " WHERE datatypename = " + d.Placeholder(1) + " ORDER BY ordinal, name"
	res, err := db.Query(ctx, query, datatypename)
	if err != nil {
		return nil, fmt.Errorf("failed to get fields of %s: %w", datatypename, err)
	}
	fields := make([]Field, 0, len(res.Rows))
	for _, row := range res.Maps() {
		idx, _ := sqldb.AsInt64(row["formulaindex"])
		ordinal, _ := sqldb.AsInt64(row["ordinal"])
		fields = append(fields, Field{
			DatatypeName: sqldb.AsString(row["datatypename"]),
			Name:         sqldb.AsString(row["name"]),
			Ordinal:      int(ordinal),
			Label:        sqldb.AsString(row["label"]),
			FieldType:    sqldb.AsString(row["fieldtype"]),
			IsRequired:   flag(row["isrequired"]),
			IsNullable:   flag(row["isnullable"]),
			Reference:    sqldb.AsString(row["reference"]),
			Formula:      sqldb.AsString(row["formula"]),
			FormulaIndex: int(idx),
			IsHidden:     flag(row["ishidden"]),
			IsPredefined: flag(row["ispredefined"]),
		})
	}
	return fields, nil
}

// Definition returns the datatype and its resolved fields.
func (c *Catalog) Definition(ctx context.Context, tenant, datatypename string) (*Definition, error) {
	dt, err := c.GetDatatype(ctx, tenant, datatypename)
	if err != nil {
		return nil, err
	}
	fields, err := c.GetDatatypeFields(ctx, tenant, datatypename)
	if err != nil {
		return nil, err
	}
	return NewDefinition(*dt, fields)
}

func flag(v any) bool {
	if v == nil {
		return false
	}
	b, err := sqldb.AsBool(v)
	return err == nil && b
}

func splitLists(s string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
