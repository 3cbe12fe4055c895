package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/hilderonny/fm-sub000/internal/apperr"
	"github.com/hilderonny/fm-sub000/internal/schema"
	"github.com/hilderonny/fm-sub000/internal/sqldb"
)

// RelationsDatatype is the built-in datatype storing relations.
const RelationsDatatype = "relations"

// ParentChild is the relation type building hierarchies. Side 1 is the
// parent, side 2 the child.
const ParentChild = "parentchild"

// Relation fields of the relations datatype.
const (
	fieldDatatype1 = "datatype1name"
	fieldName1     = "name1"
	fieldDatatype2 = "datatype2name"
	fieldName2     = "name2"
	fieldRelType   = "relationtypename"
)

// Relation is a typed directed link between two entities.
type Relation struct {
	Name             string `json:"name"`
	Datatype1Name    string `json:"datatype1name"`
	Name1            string `json:"name1"`
	Datatype2Name    string `json:"datatype2name"`
	Name2            string `json:"name2"`
	RelationTypeName string `json:"relationtypename"`
}

// IsParentChild reports whether the relation is structural.
func (r Relation) IsParentChild() bool { return r.RelationTypeName == ParentChild }

// Parent returns side 1.
func (r Relation) Parent() Ref { return Ref{Datatype: r.Datatype1Name, Name: r.Name1} }

// Child returns side 2.
func (r Relation) Child() Ref { return Ref{Datatype: r.Datatype2Name, Name: r.Name2} }

// Normalize returns the relation oriented so that side 1 is the entity
// (datatypename, name). Relations not touching the entity are returned as is.
func (r Relation) Normalize(datatypename, name string) Relation {
	if r.Datatype1Name == datatypename && r.Name1 == name {
		return r
	}
	if r.Datatype2Name == datatypename && r.Name2 == name {
		r.Datatype1Name, r.Datatype2Name = r.Datatype2Name, r.Datatype1Name
		r.Name1, r.Name2 = r.Name2, r.Name1
	}
	return r
}

// Other returns the side that is not (datatypename, name).
func (r Relation) Other(datatypename, name string) Ref {
	if r.Datatype1Name == datatypename && r.Name1 == name {
		return r.Child()
	}
	return r.Parent()
}

func (r Relation) object() Object {
	return Object{
		fieldDatatype1: r.Datatype1Name,
		fieldName1:     r.Name1,
		fieldDatatype2: r.Datatype2Name,
		fieldName2:     r.Name2,
		fieldRelType:   r.RelationTypeName,
	}
}

func relationFromObject(o Object) Relation {
	return Relation{
		Name:             o.Name(),
		Datatype1Name:    sqldb.AsString(o[fieldDatatype1]),
		Name1:            sqldb.AsString(o[fieldName1]),
		Datatype2Name:    sqldb.AsString(o[fieldDatatype2]),
		Name2:            sqldb.AsString(o[fieldName2]),
		RelationTypeName: sqldb.AsString(o[fieldRelType]),
	}
}

// CreateRelation stores a relation between two existing entities and
// returns it with its generated name. Self relations and duplicates are
// allowed.
func (e *Engine) CreateRelation(ctx context.Context, tenant string, r Relation) (Relation, error) {
	obj, err := e.Insert(ctx, tenant, RelationsDatatype, r.object())
	if err != nil {
		return Relation{}, err
	}
	return relationFromObject(obj), nil
}

func (e *Engine) validateRelation(ctx context.Context, tenant string, r Relation) error {
	if r.RelationTypeName == "" {
		return apperr.Validation(fieldRelType, "relation type is required")
	}
	sides := []struct {
		typeField, nameField string
		ref                  Ref
	}{
		{fieldDatatype1, fieldName1, r.Parent()},
		{fieldDatatype2, fieldName2, r.Child()},
	}
	for _, s := range sides {
		if s.ref.Datatype == "" {
			return apperr.Validation(s.typeField, "datatype is required")
		}
		if !ValidName(s.ref.Name) {
			return apperr.Validation(s.nameField, "invalid entity name")
		}
		if s.ref.Datatype == RelationsDatatype {
			return apperr.Validation(s.typeField, "relations cannot be related")
		}
		if _, err := e.catalog.GetDatatype(ctx, tenant, s.ref.Datatype); err != nil {
			if isNotFound(err) {
				return apperr.Validation(s.typeField, "unknown datatype %q", s.ref.Datatype)
			}
			return err
		}
		ok, err := e.exists(ctx, tenant, s.ref)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Validation(s.nameField, "%s does not exist", s.ref)
		}
	}
	return nil
}

// GetRelation returns one relation or apperr.ErrNotFound.
func (e *Engine) GetRelation(ctx context.Context, tenant, name string) (Relation, error) {
	obj, err := e.Get(ctx, tenant, RelationsDatatype, name)
	if err != nil {
		return Relation{}, err
	}
	return relationFromObject(obj), nil
}

// GetRelationsForEntity returns every relation touching the entity, oriented
// with the entity on side 1 and ordered by relation name. An entity related
// to itself appears once per relation.
func (e *Engine) GetRelationsForEntity(ctx context.Context, tenant, datatypename, name string) ([]Relation, error) {
	rels, err := e.relationsTouching(ctx, tenant, datatypename, name)
	if err != nil {
		return nil, err
	}
	for i := range rels {
		rels[i] = rels[i].Normalize(datatypename, name)
	}
	return rels, nil
}

func (e *Engine) relationsTouching(ctx context.Context, tenant, datatypename, name string) ([]Relation, error) {
	db, def, err := e.load(ctx, tenant, RelationsDatatype)
	if err != nil {
		return nil, err
	}
	d := db.Dialect()
	q := d.QuoteIdent
	where := "(" + q(fieldDatatype1) + " = " + d.Placeholder(1) + " AND " + q(fieldName1) + " = " + d.Placeholder(2) + ") OR (" +
		q(fieldDatatype2) + " = " + d.Placeholder(3) + " AND " + q(fieldName2) + " = " + d.Placeholder(4) + ")"
	rows, err := e.readRows(ctx, db, def, where, datatypename, name, datatypename, name)
	if err != nil {
		return nil, err
	}
	rels := make([]Relation, len(rows))
	for i, row := range rows {
		rels[i] = relationFromObject(row)
	}
	return rels, nil
}

// DeleteRelation removes a relation. Removing a parent-child link
// recalculates both former endpoints.
func (e *Engine) DeleteRelation(ctx context.Context, tenant, name string) error {
	r, err := e.GetRelation(ctx, tenant, name)
	if err != nil {
		return err
	}
	if err := e.deleteRelationRow(ctx, tenant, name); err != nil {
		return err
	}
	if r.IsParentChild() {
		if err := e.recalculate(ctx, tenant, r.Parent(), r.Child()); err != nil {
			return fmt.Errorf("failed to recalculate after relation delete: %w", err)
		}
	}
	return nil
}

// DeleteAllRelationsForEntity removes every relation touching the entity and
// recalculates the entities on the other side of removed parent-child links.
func (e *Engine) DeleteAllRelationsForEntity(ctx context.Context, tenant, datatypename, name string) error {
	rels, err := e.relationsTouching(ctx, tenant, datatypename, name)
	if err != nil {
		return err
	}
	var affected []Ref
	self := Ref{Datatype: datatypename, Name: name}
	for _, r := range rels {
		if err := e.deleteRelationRow(ctx, tenant, r.Name); err != nil {
			return err
		}
		if r.IsParentChild() {
			if other := r.Other(datatypename, name); other != self {
				affected = append(affected, other)
			}
		}
	}
	if len(rels) > 0 {
		e.logger.Debugw("deleted relations of entity", "tenant", tenant, "entity", self.String(), "count", len(rels))
	}
	if err := e.recalculate(ctx, tenant, affected...); err != nil {
		return fmt.Errorf("failed to recalculate after relation cascade: %w", err)
	}
	return nil
}

func (e *Engine) deleteRelationRow(ctx context.Context, tenant, name string) error {
	db, err := e.tenants.Get(ctx, tenant)
	if err != nil {
		return err
	}
	d := db.Dialect()
	stmt := "DELETE FROM " + d.QuoteIdent(RelationsDatatype) + " WHERE " + d.QuoteIdent(schema.NameField) + " = " + d.Placeholder(1)
	if _, err := db.Exec(ctx, stmt, name); err != nil {
		return fmt.Errorf("failed to delete relation %q: %w", name, err)
	}
	return nil
}

// parentsOf returns the parent-child parents of ref ordered by relation
// name.
func (e *Engine) parentsOf(ctx context.Context, tenant string, ref Ref) ([]Ref, error) {
	return e.structural(ctx, tenant, fieldDatatype2, fieldName2, fieldDatatype1, fieldName1, ref)
}

// childrenOf returns the parent-child children of ref ordered by relation
// name.
func (e *Engine) childrenOf(ctx context.Context, tenant string, ref Ref) ([]Ref, error) {
	return e.structural(ctx, tenant, fieldDatatype1, fieldName1, fieldDatatype2, fieldName2, ref)
}

// ChildRefs returns the parent-child children of an entity.
func (e *Engine) ChildRefs(ctx context.Context, tenant, datatypename, name string) ([]Ref, error) {
	return e.childrenOf(ctx, tenant, Ref{Datatype: datatypename, Name: name})
}

func (e *Engine) structural(ctx context.Context, tenant, matchType, matchName, selType, selName string, ref Ref) ([]Ref, error) {
	db, err := e.tenants.Get(ctx, tenant)
	if err != nil {
		return nil, err
	}
	d := db.Dialect()
	q := d.QuoteIdent
	query := "SELECT " + q(selType) + ", " + q(selName) + " FROM " + q(RelationsDatatype) +
		" WHERE " + q(fieldRelType) + " = " + d.Placeholder(1) +
		" AND " + q(matchType) + " = " + d.Placeholder(2) +
		" AND " + q(matchName) + " = " + d.Placeholder(3) +
		" ORDER BY " + q(schema.NameField)
	res, err := db.Query(ctx, query, ParentChild, ref.Datatype, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read relations of %s: %w", ref, err)
	}
	out := make([]Ref, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, Ref{Datatype: sqldb.AsString(row[0]), Name: sqldb.AsString(row[1])})
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
