package engine

import (
	"context"
	"fmt"

	"github.com/hilderonny/fm-sub000/internal/apperr"
	"github.com/hilderonny/fm-sub000/internal/schema"
	"github.com/hilderonny/fm-sub000/internal/sqldb"
)

// Keys carrying the parent-child parent of entities of hierarchical
// datatypes. They are not columns: the link is a parentchild relation.
// Without ParentDatatypeKey the parent is of the entity's own datatype.
const (
	ParentIDKey       = "parentId"
	ParentDatatypeKey = "parentdatatypename"
)

// hierarchical reports whether entities of def appear in hierarchy lists
// and so take a parent on insert and update.
func hierarchical(def *schema.Definition) bool {
	return len(def.Lists) > 0 && def.Name != RelationsDatatype
}

// requestedParent reads the parent named in input. present is false when
// input does not mention one; a nil parent with present set detaches.
// Parents that do not exist are a validation error.
func (e *Engine) requestedParent(ctx context.Context, tenant string, def *schema.Definition, input Object) (parent *Ref, present bool, err error) {
	if !hierarchical(def) {
		return nil, false, nil
	}
	raw, ok := input[ParentIDKey]
	if !ok {
		return nil, false, nil
	}
	if raw == nil || raw == "" {
		return nil, true, nil
	}
	name, isString := raw.(string)
	if !isString || !ValidName(name) {
		return nil, true, apperr.Validation(ParentIDKey, "invalid parent name")
	}
	ref := Ref{Datatype: def.Name, Name: name}
	if dt, ok := input[ParentDatatypeKey]; ok && dt != nil && dt != "" {
		s, isString := dt.(string)
		if !isString || s == RelationsDatatype {
			return nil, true, apperr.Validation(ParentDatatypeKey, "invalid parent datatype")
		}
		ref.Datatype = s
	}
	exists, err := e.exists(ctx, tenant, ref)
	if err != nil {
		return nil, true, err
	}
	if !exists {
		return nil, true, apperr.Validation(ParentIDKey, "parent %s does not exist", ref)
	}
	return &ref, true, nil
}

// linkParent stores a parentchild relation without recalculating.
func (e *Engine) linkParent(ctx context.Context, tenant string, parent, child Ref) error {
	db, def, err := e.load(ctx, tenant, RelationsDatatype)
	if err != nil {
		return err
	}
	r := Relation{
		Datatype1Name:    parent.Datatype,
		Name1:            parent.Name,
		Datatype2Name:    child.Datatype,
		Name2:            child.Name,
		RelationTypeName: ParentChild,
	}
	values, err := e.accept(ctx, tenant, def, r.object(), true)
	if err != nil {
		return err
	}
	if err := e.insertRow(ctx, db, def, generateName(), values); err != nil {
		return fmt.Errorf("failed to link %s under %s: %w", child, parent, err)
	}
	return nil
}

// setParent replaces the parents of child with parent, or removes them when
// parent is nil. An existing link to parent is kept. It returns the former
// parents whose links were removed.
func (e *Engine) setParent(ctx context.Context, tenant string, child Ref, parent *Ref) ([]Ref, error) {
	rels, err := e.relationsTouching(ctx, tenant, child.Datatype, child.Name)
	if err != nil {
		return nil, err
	}
	var former []Ref
	kept := false
	for _, r := range rels {
		if !r.IsParentChild() || r.Child() != child {
			continue
		}
		if parent != nil && !kept && r.Parent() == *parent {
			kept = true
			continue
		}
		if err := e.deleteRelationRow(ctx, tenant, r.Name); err != nil {
			return nil, err
		}
		former = append(former, r.Parent())
	}
	if parent != nil && !kept {
		if err := e.linkParent(ctx, tenant, *parent, child); err != nil {
			return nil, err
		}
	}
	if len(former) > 0 || (parent != nil && !kept) {
		e.logger.Debugw("moved entity", "tenant", tenant, "entity", child.String(), "former", len(former), "parent", parent)
	}
	return former, nil
}

// attachParents sets the parent keys of objs, entities of def, from their
// first parentchild relation by relation name. Entities without a parent
// get nil values.
func (e *Engine) attachParents(ctx context.Context, tenant string, db sqldb.DB, def *schema.Definition, objs ...Object) error {
	if !hierarchical(def) || len(objs) == 0 {
		return nil
	}
	d := db.Dialect()
	q := d.QuoteIdent
	query := "SELECT " + q(fieldName2) + ", " + q(fieldDatatype1) + ", " + q(fieldName1) + " FROM " + q(RelationsDatatype) +
		" WHERE " + q(fieldRelType) + " = " + d.Placeholder(1) + " AND " + q(fieldDatatype2) + " = " + d.Placeholder(2)
	args := []any{ParentChild, def.Name}
	if len(objs) == 1 {
		query += " AND " + q(fieldName2) + " = " + d.Placeholder(3)
		args = append(args, objs[0].Name())
	}
	query += " ORDER BY " + q(schema.NameField)

	res, err := db.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to read parents of %s: %w", def.Name, err)
	}
	parents := make(map[string]Ref, len(res.Rows))
	for _, row := range res.Rows {
		child := sqldb.AsString(row[0])
		if _, seen := parents[child]; !seen {
			parents[child] = Ref{Datatype: sqldb.AsString(row[1]), Name: sqldb.AsString(row[2])}
		}
	}
	for _, obj := range objs {
		if p, ok := parents[obj.Name()]; ok {
			obj[ParentIDKey] = p.Name
			obj[ParentDatatypeKey] = p.Datatype
			continue
		}
		obj[ParentIDKey] = nil
		obj[ParentDatatypeKey] = nil
	}
	return nil
}
