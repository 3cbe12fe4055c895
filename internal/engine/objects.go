package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/hilderonny/fm-sub000/internal/apperr"
	"github.com/hilderonny/fm-sub000/internal/fieldtype"
	"github.com/hilderonny/fm-sub000/internal/schema"
	"github.com/hilderonny/fm-sub000/internal/sqldb"
)

// Filter restricts GetMany to entities whose fields equal the given values.
// A nil value matches NULL.
type Filter map[string]any

// Insert creates an entity and returns it with recomputed formula values.
//
// Datatypes without definable names get a generated name; otherwise the
// given name must be valid and unused (apperr.ErrConflict). Values for
// formula fields and keys naming no field are ignored. Entities of
// hierarchical datatypes may name an existing parent under ParentIDKey.
func (e *Engine) Insert(ctx context.Context, tenant, datatypename string, obj Object) (Object, error) {
	db, def, err := e.load(ctx, tenant, datatypename)
	if err != nil {
		return nil, err
	}

	name, err := e.chooseName(ctx, db, def, obj)
	if err != nil {
		return nil, err
	}
	return e.insert(ctx, tenant, db, def, name, obj)
}

// insert writes a new entity under name and recalculates.
func (e *Engine) insert(ctx context.Context, tenant string, db sqldb.DB, def *schema.Definition, name string, obj Object) (Object, error) {
	values, err := e.accept(ctx, tenant, def, obj, true)
	if err != nil {
		return nil, err
	}
	parent, _, err := e.requestedParent(ctx, tenant, def, obj)
	if err != nil {
		return nil, err
	}

	var rel Relation
	if def.Name == RelationsDatatype {
		rel = relationFromObject(merge(Object{schema.NameField: name}, values))
		if err := e.validateRelation(ctx, tenant, rel); err != nil {
			return nil, err
		}
	}

	if err := e.insertRow(ctx, db, def, name, values); err != nil {
		return nil, err
	}
	e.logger.Debugw("inserted entity", "tenant", tenant, "datatype", def.Name, "name", name)

	self := Ref{Datatype: def.Name, Name: name}
	if parent != nil {
		if err := e.linkParent(ctx, tenant, *parent, self); err != nil {
			return nil, err
		}
	}
	if def.Name == RelationsDatatype {
		if rel.IsParentChild() {
			err = e.recalculate(ctx, tenant, rel.Child())
		}
	} else {
		err = e.recalculate(ctx, tenant, self)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to recalculate after insert: %w", err)
	}
	obj, err = e.readOne(ctx, db, def, name)
	if err != nil {
		return nil, err
	}
	if err := e.attachParents(ctx, tenant, db, def, obj); err != nil {
		return nil, err
	}
	return public(def, obj), nil
}

// insertRow writes the row of a new entity without any cascade.
func (e *Engine) insertRow(ctx context.Context, db sqldb.DB, def *schema.Definition, name string, values []assignment) error {
	d := db.Dialect()
	cols := []string{d.QuoteIdent(schema.NameField)}
	args := []any{name}
	for _, a := range values {
		cols = append(cols, d.QuoteIdent(a.column))
		args = append(args, a.value)
	}
	stmt := "INSERT INTO " + d.QuoteIdent(def.Name) + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		sqldb.Placeholders(d, 1, len(args)) + ")"
	if _, err := db.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to insert %s %q: %w", def.Name, name, err)
	}
	return nil
}

func (e *Engine) chooseName(ctx context.Context, db sqldb.DB, def *schema.Definition, obj Object) (string, error) {
	if !def.CanDefineName {
		return generateName(), nil
	}
	raw, present := obj[schema.NameField]
	name, ok := raw.(string)
	if !present || raw == nil {
		return "", apperr.Validation(schema.NameField, "name is required for %s", def.Name)
	}
	if !ok || !ValidName(name) {
		return "", apperr.Validation(schema.NameField, "invalid name")
	}
	if _, err := e.readOne(ctx, db, def, name); err == nil {
		return "", apperr.Conflict("%s %q already exists", def.Name, name)
	} else if !isNotFound(err) {
		return "", err
	}
	return name, nil
}

// accept validates the writable fields present in input and returns the
// column assignments in field order. On create, required fields must be
// present and non-null; on update, only present fields are written and the
// client identity is left untouched.
func (e *Engine) accept(ctx context.Context, tenant string, def *schema.Definition, input Object, creating bool) ([]assignment, error) {
	var out []assignment
	for _, f := range def.Fields {
		ft := def.Type(f.Name)
		if !ft.Writable() {
			continue
		}
		if !creating && f.Name == ClientNameField {
			continue
		}
		v, present := input[f.Name]
		if f.IsRequired && ((creating && !present) || (present && v == nil)) {
			return nil, apperr.Validation(f.Name, "field is required")
		}
		if !present {
			continue
		}
		bound, err := ft.Accept(f.Name, v)
		if err != nil {
			return nil, err
		}
		if f.FieldType == fieldtype.Reference && bound != nil {
			target := Ref{Datatype: f.Reference, Name: bound.(string)}
			ok, err := e.exists(ctx, tenant, target)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, apperr.Validation(f.Name, "referenced %s %q does not exist", f.Reference, target.Name)
			}
		}
		out = append(out, assignment{column: f.Name, value: bound})
	}
	return out, nil
}

// Update modifies the fields present in patch. The name and client identity
// never change; formula values are recomputed afterwards. A ParentIDKey in
// the patch moves the entity under another parent, or detaches it when nil.
func (e *Engine) Update(ctx context.Context, tenant, datatypename, name string, patch Object) (Object, error) {
	db, def, err := e.load(ctx, tenant, datatypename)
	if err != nil {
		return nil, err
	}
	current, err := e.readOne(ctx, db, def, name)
	if err != nil {
		return nil, err
	}
	values, err := e.accept(ctx, tenant, def, patch, false)
	if err != nil {
		return nil, err
	}
	self := Ref{Datatype: def.Name, Name: name}
	parent, reparent, err := e.requestedParent(ctx, tenant, def, patch)
	if err != nil {
		return nil, err
	}
	if parent != nil && *parent == self {
		return nil, apperr.Validation(ParentIDKey, "an entity cannot be its own parent")
	}

	var before, after Relation
	if def.Name == RelationsDatatype {
		before = relationFromObject(current)
		after = relationFromObject(merge(current, values))
		if err := e.validateRelation(ctx, tenant, after); err != nil {
			return nil, err
		}
	}

	if err := e.writeColumns(ctx, db, def, name, values); err != nil {
		return nil, err
	}
	e.logger.Debugw("updated entity", "tenant", tenant, "datatype", def.Name, "name", name, "fields", len(values))

	var starts []Ref
	if def.Name == RelationsDatatype {
		if before.IsParentChild() {
			starts = append(starts, before.Parent())
		}
		if after.IsParentChild() {
			starts = append(starts, after.Child())
		}
	} else {
		starts = append(starts, self)
	}
	if reparent {
		former, err := e.setParent(ctx, tenant, self, parent)
		if err != nil {
			return nil, err
		}
		starts = append(starts, former...)
	}
	if err := e.recalculate(ctx, tenant, starts...); err != nil {
		return nil, fmt.Errorf("failed to recalculate after update: %w", err)
	}
	return e.Get(ctx, tenant, datatypename, name)
}

// Delete removes an entity after cascading, in order: its relations, its
// dynamic attribute values and its external artifact. Structurally related
// children are kept.
func (e *Engine) Delete(ctx context.Context, tenant, datatypename, name string) error {
	db, def, err := e.load(ctx, tenant, datatypename)
	if err != nil {
		return err
	}
	if _, err := e.readOne(ctx, db, def, name); err != nil {
		return err
	}
	if def.Name == RelationsDatatype {
		return e.DeleteRelation(ctx, tenant, name)
	}

	if err := e.DeleteAllRelationsForEntity(ctx, tenant, def.Name, name); err != nil {
		return err
	}
	if err := e.deleteAttributeValues(ctx, tenant, name); err != nil {
		return err
	}
	if e.artifacts != nil {
		if err := e.artifacts.RemoveArtifact(ctx, tenant, def.Name, name); err != nil {
			return fmt.Errorf("failed to remove artifact of %s %q: %w", def.Name, name, err)
		}
	}

	d := db.Dialect()
	stmt := "DELETE FROM " + d.QuoteIdent(def.Name) + " WHERE " + d.QuoteIdent(schema.NameField) + " = " + d.Placeholder(1)
	if _, err := db.Exec(ctx, stmt, name); err != nil {
		return fmt.Errorf("failed to delete %s %q: %w", def.Name, name, err)
	}
	e.logger.Debugw("deleted entity", "tenant", tenant, "datatype", def.Name, "name", name)
	return nil
}

// DeleteWhere deletes, one by one with full cascade, every entity whose
// field equals value. It returns the number of deleted entities.
func (e *Engine) DeleteWhere(ctx context.Context, tenant, datatypename, field string, value any) (int, error) {
	objs, err := e.GetMany(ctx, tenant, datatypename, Filter{field: value})
	if err != nil {
		return 0, err
	}
	for i, obj := range objs {
		if err := e.Delete(ctx, tenant, datatypename, obj.Name()); err != nil {
			return i, err
		}
	}
	return len(objs), nil
}

func (e *Engine) deleteAttributeValues(ctx context.Context, tenant, entityname string) error {
	if _, err := e.catalog.GetDatatype(ctx, tenant, AttributeValuesDatatype); err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	db, err := e.tenants.Get(ctx, tenant)
	if err != nil {
		return err
	}
	d := db.Dialect()
	stmt := "DELETE FROM " + d.QuoteIdent(AttributeValuesDatatype) + " WHERE " + d.QuoteIdent("entityname") + " = " + d.Placeholder(1)
	if _, err := db.Exec(ctx, stmt, entityname); err != nil {
		return fmt.Errorf("failed to delete attribute values of %q: %w", entityname, err)
	}
	return nil
}

// Get returns one entity or apperr.ErrNotFound. Password fields are never
// returned.
func (e *Engine) Get(ctx context.Context, tenant, datatypename, name string) (Object, error) {
	db, def, err := e.load(ctx, tenant, datatypename)
	if err != nil {
		return nil, err
	}
	obj, err := e.readOne(ctx, db, def, name)
	if err != nil {
		return nil, err
	}
	if err := e.attachParents(ctx, tenant, db, def, obj); err != nil {
		return nil, err
	}
	return public(def, obj), nil
}

// GetMany returns the entities matching filter ordered by name. Filter
// values given as strings are converted to the field's type.
func (e *Engine) GetMany(ctx context.Context, tenant, datatypename string, filter Filter) ([]Object, error) {
	db, def, err := e.load(ctx, tenant, datatypename)
	if err != nil {
		return nil, err
	}
	d := db.Dialect()

	var conds []string
	var args []any
	for _, key := range sortedKeys(filter) {
		value := filter[key]
		if key != schema.NameField {
			f, ft, ok := def.Field(key)
			if !ok {
				return nil, apperr.Validation(key, "unknown field of %s", def.Name)
			}
			if f.FieldType == fieldtype.Password {
				return nil, apperr.Validation(key, "password fields cannot be filtered")
			}
			if value != nil {
				if value, err = ft.Decode(value); err != nil {
					return nil, apperr.Validation(key, "invalid filter value: %v", err)
				}
			}
		}
		if value == nil {
			conds = append(conds, d.QuoteIdent(key)+" IS NULL")
			continue
		}
		args = append(args, value)
		conds = append(conds, d.QuoteIdent(key)+" = "+d.Placeholder(len(args)))
	}

	rows, err := e.readRows(ctx, db, def, strings.Join(conds, " AND "), args...)
	if err != nil {
		return nil, err
	}
	if err := e.attachParents(ctx, tenant, db, def, rows...); err != nil {
		return nil, err
	}
	for _, obj := range rows {
		public(def, obj)
	}
	return rows, nil
}

// GetByNames returns the entities named in names, in the given order.
// Unknown, malformed and repeated names are skipped without error. Names of
// other tenants never match because each tenant has its own database.
func (e *Engine) GetByNames(ctx context.Context, tenant, datatypename string, names []string) ([]Object, error) {
	db, def, err := e.load(ctx, tenant, datatypename)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(names))
	var wanted []string
	for _, n := range names {
		if ValidName(n) && !seen[n] {
			seen[n] = true
			wanted = append(wanted, n)
		}
	}
	if len(wanted) == 0 {
		return []Object{}, nil
	}

	d := db.Dialect()
	args := make([]any, len(wanted))
	for i, n := range wanted {
		args[i] = n
	}
	where := d.QuoteIdent(schema.NameField) + " IN (" + sqldb.Placeholders(d, 1, len(wanted)) + ")"
	rows, err := e.readRows(ctx, db, def, where, args...)
	if err != nil {
		return nil, err
	}
	if err := e.attachParents(ctx, tenant, db, def, rows...); err != nil {
		return nil, err
	}
	byName := make(map[string]Object, len(rows))
	for _, obj := range rows {
		byName[obj.Name()] = public(def, obj)
	}
	out := make([]Object, 0, len(rows))
	for _, n := range wanted {
		if obj, ok := byName[n]; ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

// merge returns a copy of base with values applied.
func merge(base Object, values []assignment) Object {
	out := make(Object, len(base)+len(values))
	for k, v := range base {
		out[k] = v
	}
	for _, a := range values {
		out[a.column] = a.value
	}
	return out
}

// VerifyPassword reports whether plain matches the stored hash of a
// password field. Unknown entities yield apperr.ErrNotFound.
func (e *Engine) VerifyPassword(ctx context.Context, tenant, datatypename, name, field, plain string) (bool, error) {
	db, def, err := e.load(ctx, tenant, datatypename)
	if err != nil {
		return false, err
	}
	f, _, ok := def.Field(field)
	if !ok || f.FieldType != fieldtype.Password {
		return false, apperr.Validation(field, "not a password field of %s", def.Name)
	}
	obj, err := e.readOne(ctx, db, def, name)
	if err != nil {
		return false, err
	}
	encoded := sqldb.AsString(obj[field])
	if encoded == "" {
		return false, nil
	}
	return fieldtype.VerifyPassword(encoded, plain), nil
}
