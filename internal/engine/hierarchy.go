package engine

import (
	"context"
	"fmt"

	"github.com/hilderonny/fm-sub000/internal/schema"
	"github.com/hilderonny/fm-sub000/internal/sqldb"
)

// labelField is shown as element label when the datatype declares it.
const labelField = "label"

// Element is one node of a hierarchy list as rendered by clients.
type Element struct {
	Ref
	Label       string     `json:"label"`
	Icon        string     `json:"icon,omitempty"`
	HasChildren bool       `json:"haschildren"`
	Children    []*Element `json:"children,omitempty"`
}

// listDatatypes returns the datatypes shown in forlist, keyed by name.
func (e *Engine) listDatatypes(ctx context.Context, tenant, forlist string) (map[string]schema.Datatype, []schema.Datatype, error) {
	all, err := e.catalog.GetDatatypes(ctx, tenant)
	if err != nil {
		return nil, nil, err
	}
	byName := make(map[string]schema.Datatype)
	var ordered []schema.Datatype
	for _, dt := range all {
		if dt.InList(forlist) {
			byName[dt.Name] = dt
			ordered = append(ordered, dt)
		}
	}
	return byName, ordered, nil
}

// element builds the element of ref. It returns nil when the entity no
// longer exists.
func (e *Engine) element(ctx context.Context, tenant string, dt schema.Datatype, ref Ref, inList map[string]schema.Datatype) (*Element, error) {
	obj, err := e.Get(ctx, tenant, ref.Datatype, ref.Name)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	el := &Element{Ref: ref, Label: ref.Name, Icon: dt.Icon}
	if l := sqldb.AsString(obj[labelField]); l != "" {
		el.Label = l
	}
	children, err := e.childrenOf(ctx, tenant, ref)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if _, ok := inList[c.Datatype]; ok {
			el.HasChildren = true
			break
		}
	}
	return el, nil
}

// Children returns the parent-child children of an entity that belong to
// datatypes of forlist.
func (e *Engine) Children(ctx context.Context, tenant, forlist, datatypename, name string) ([]*Element, error) {
	if _, err := e.Get(ctx, tenant, datatypename, name); err != nil {
		return nil, err
	}
	inList, _, err := e.listDatatypes(ctx, tenant, forlist)
	if err != nil {
		return nil, err
	}
	refs, err := e.childrenOf(ctx, tenant, Ref{Datatype: datatypename, Name: name})
	if err != nil {
		return nil, err
	}
	out := []*Element{}
	for _, ref := range refs {
		dt, ok := inList[ref.Datatype]
		if !ok {
			continue
		}
		el, err := e.element(ctx, tenant, dt, ref, inList)
		if err != nil {
			return nil, err
		}
		if el != nil {
			out = append(out, el)
		}
	}
	return out, nil
}

// RootElements returns the entities of forlist's datatypes that have no
// parent-child parent at all.
func (e *Engine) RootElements(ctx context.Context, tenant, forlist string) ([]*Element, error) {
	inList, ordered, err := e.listDatatypes(ctx, tenant, forlist)
	if err != nil {
		return nil, err
	}
	db, err := e.tenants.Get(ctx, tenant)
	if err != nil {
		return nil, err
	}
	d := db.Dialect()
	q := d.QuoteIdent

	out := []*Element{}
	for _, dt := range ordered {
		query := "SELECT " + q(schema.NameField) + " FROM " + q(dt.Name) +
			" WHERE " + q(schema.NameField) + " NOT IN (SELECT " + q(fieldName2) + " FROM " + q(RelationsDatatype) +
			" WHERE " + q(fieldRelType) + " = " + d.Placeholder(1) + " AND " + q(fieldDatatype2) + " = " + d.Placeholder(2) + ")" +
			" ORDER BY " + q(schema.NameField)
		res, err := db.Query(ctx, query, ParentChild, dt.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read root elements of %s: %w", dt.Name, err)
		}
		for _, name := range res.Strings() {
			el, err := e.element(ctx, tenant, dt, Ref{Datatype: dt.Name, Name: name}, inList)
			if err != nil {
				return nil, err
			}
			if el != nil {
				out = append(out, el)
			}
		}
	}
	return out, nil
}

// ParentPath returns the chain of first parents of an entity that belong to
// forlist, root first. The entity itself is not included.
func (e *Engine) ParentPath(ctx context.Context, tenant, forlist, datatypename, name string) ([]Ref, error) {
	if _, err := e.Get(ctx, tenant, datatypename, name); err != nil {
		return nil, err
	}
	inList, _, err := e.listDatatypes(ctx, tenant, forlist)
	if err != nil {
		return nil, err
	}

	current := Ref{Datatype: datatypename, Name: name}
	visited := map[Ref]bool{current: true}
	var path []Ref
	for {
		parents, err := e.parentsOf(ctx, tenant, current)
		if err != nil {
			return nil, err
		}
		var next *Ref
		for i := range parents {
			if _, ok := inList[parents[i].Datatype]; ok {
				next = &parents[i]
				break
			}
		}
		if next == nil || visited[*next] {
			break
		}
		visited[*next] = true
		path = append(path, *next)
		current = *next
	}

	out := make([]Ref, len(path))
	for i, ref := range path {
		out[len(path)-1-i] = ref
	}
	return out, nil
}

// HierarchyToElement returns the root of the parent path of an entity with
// every level expanded down to the entity.
func (e *Engine) HierarchyToElement(ctx context.Context, tenant, forlist, datatypename, name string) (*Element, error) {
	path, err := e.ParentPath(ctx, tenant, forlist, datatypename, name)
	if err != nil {
		return nil, err
	}
	inList, _, err := e.listDatatypes(ctx, tenant, forlist)
	if err != nil {
		return nil, err
	}
	target := Ref{Datatype: datatypename, Name: name}
	path = append(path, target)

	dt, ok := inList[path[0].Datatype]
	if !ok {
		got, err := e.catalog.GetDatatype(ctx, tenant, path[0].Datatype)
		if err != nil {
			return nil, err
		}
		dt = *got
	}
	root, err := e.element(ctx, tenant, dt, path[0], inList)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("element %s vanished while building hierarchy", path[0])
	}

	node := root
	for _, step := range path[1:] {
		children, err := e.Children(ctx, tenant, forlist, node.Datatype, node.Name)
		if err != nil {
			return nil, err
		}
		node.Children = children
		var found *Element
		for _, c := range children {
			if c.Ref == step {
				found = c
				break
			}
		}
		if found == nil {
			break
		}
		node = found
	}
	return root, nil
}
