// Package engine implements generic CRUD over catalog-declared datatypes,
// the relation graph between their entities, and the recalculation of
// formula fields along parent-child chains.
//
// Every operation is scoped to one tenant database. Cascades (relation
// deletion, recalculation) run as sequential statements without a wrapping
// transaction; a failure part way leaves earlier steps applied.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/hilderonny/fm-sub000/internal/apperr"
	"github.com/hilderonny/fm-sub000/internal/fieldtype"
	"github.com/hilderonny/fm-sub000/internal/formula"
	"github.com/hilderonny/fm-sub000/internal/schema"
	"github.com/hilderonny/fm-sub000/internal/sqldb"
)

// ClientNameField carries the owning client on portal-level rows. Like the
// name it cannot be changed by an update.
const ClientNameField = "clientname"

// maxNameLength bounds client-defined names.
const maxNameLength = 255

// Object is one dynamic entity, keyed by field name. The "name" key holds
// its identity.
type Object map[string]any

// Name returns the identity of the object.
func (o Object) Name() string {
	return sqldb.AsString(o[schema.NameField])
}

// Ref addresses an entity by datatype and name.
type Ref struct {
	Datatype string `json:"datatypename"`
	Name     string `json:"name"`
}

func (r Ref) String() string { return r.Datatype + "/" + r.Name }

// ArtifactRemover deletes externally stored data of an entity, such as the
// file behind a document. Missing artifacts are not an error.
type ArtifactRemover interface {
	RemoveArtifact(ctx context.Context, tenant, datatypename, name string) error
}

// Engine is the dynamic object store, relation graph and formula
// recalculator of all tenants.
type Engine struct {
	tenants   *sqldb.Registry
	catalog   *schema.Catalog
	formulas  *formula.Cache
	artifacts ArtifactRemover
	logger    *zap.SugaredLogger
}

// New creates an engine. artifacts may be nil.
func New(tenants *sqldb.Registry, catalog *schema.Catalog, artifacts ArtifactRemover, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		tenants:   tenants,
		catalog:   catalog,
		formulas:  formula.NewCache(),
		artifacts: artifacts,
		logger:    logger,
	}
}

// ValidName reports whether name can identify an entity.
func ValidName(name string) bool {
	if name == "" || len(name) > maxNameLength || strings.Contains(name, "/") {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// generateName returns a fresh 24 hex digit name.
func generateName() string {
	return primitive.NewObjectID().Hex()
}

// load returns the tenant database and the datatype definition.
func (e *Engine) load(ctx context.Context, tenant, datatypename string) (sqldb.DB, *schema.Definition, error) {
	db, err := e.tenants.Get(ctx, tenant)
	if err != nil {
		return nil, nil, err
	}
	def, err := e.catalog.Definition(ctx, tenant, datatypename)
	if err != nil {
		return nil, nil, err
	}
	return db, def, nil
}

// assignment is one column write.
type assignment struct {
	column string
	value  any
}

// readRows selects the rows of def matching where (without the WHERE
// keyword, may be empty) and decodes every column through its field type.
func (e *Engine) readRows(ctx context.Context, db sqldb.DB, def *schema.Definition, where string, args ...any) ([]Object, error) {
	d := db.Dialect()
	cols := def.Columns()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdent(c)
	}
	query := "SELECT " + strings.Join(quoted, ", ") + " FROM " + d.QuoteIdent(def.Name)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY " + d.QuoteIdent(schema.NameField)

	res, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", def.Name, err)
	}
	out := make([]Object, 0, len(res.Rows))
	for _, row := range res.Maps() {
		obj := make(Object, len(row))
		for col, raw := range row {
			if col == schema.NameField {
				obj[col] = sqldb.AsString(raw)
				continue
			}
			ft := def.Type(col)
			if ft == nil {
				continue
			}
			v, err := ft.Decode(raw)
			if err != nil {
				return nil, fmt.Errorf("failed to decode %s.%s: %w", def.Name, col, err)
			}
			obj[col] = v
		}
		out = append(out, obj)
	}
	return out, nil
}

// readOne reads the entity name of def, or apperr.ErrNotFound.
func (e *Engine) readOne(ctx context.Context, db sqldb.DB, def *schema.Definition, name string) (Object, error) {
	if !ValidName(name) {
		return nil, apperr.NotFound("%s %q", def.Name, name)
	}
	rows, err := e.readRows(ctx, db, def, db.Dialect().QuoteIdent(schema.NameField)+" = "+db.Dialect().Placeholder(1), name)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("%s %q", def.Name, name)
	}
	return rows[0], nil
}

// exists reports whether the entity exists. Unknown datatypes count as
// missing entities.
func (e *Engine) exists(ctx context.Context, tenant string, ref Ref) (bool, error) {
	if !ValidName(ref.Name) || !sqldb.ValidIdentifier(ref.Datatype) {
		return false, nil
	}
	if _, err := e.catalog.GetDatatype(ctx, tenant, ref.Datatype); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	db, err := e.tenants.Get(ctx, tenant)
	if err != nil {
		return false, err
	}
	d := db.Dialect()
	res, err := db.Query(ctx, "SELECT "+d.QuoteIdent(schema.NameField)+" FROM "+d.QuoteIdent(ref.Datatype)+
		" WHERE "+d.QuoteIdent(schema.NameField)+" = "+d.Placeholder(1), ref.Name)
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", ref, err)
	}
	return len(res.Rows) > 0, nil
}

// writeColumns updates the given columns of one entity.
func (e *Engine) writeColumns(ctx context.Context, db sqldb.DB, def *schema.Definition, name string, values []assignment) error {
	if len(values) == 0 {
		return nil
	}
	d := db.Dialect()
	sets := make([]string, len(values))
	args := make([]any, 0, len(values)+1)
	for i, a := range values {
		sets[i] = d.QuoteIdent(a.column) + " = " + d.Placeholder(i+1)
		args = append(args, a.value)
	}
	args = append(args, name)
	stmt := "UPDATE " + d.QuoteIdent(def.Name) + " SET " + strings.Join(sets, ", ") +
		" WHERE " + d.QuoteIdent(schema.NameField) + " = " + d.Placeholder(len(values)+1)
	if _, err := db.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to update %s %q: %w", def.Name, name, err)
	}
	return nil
}

// public strips fields that must never leave the engine.
func public(def *schema.Definition, obj Object) Object {
	for _, f := range def.Fields {
		if f.FieldType == fieldtype.Password {
			delete(obj, f.Name)
		}
	}
	return obj
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, apperr.ErrNotFound)
}
