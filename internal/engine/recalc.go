package engine

import (
	"context"
	"fmt"

	"github.com/hilderonny/fm-sub000/internal/fieldtype"
	"github.com/hilderonny/fm-sub000/internal/formula"
	"github.com/hilderonny/fm-sub000/internal/schema"
)

type nodeState int

const (
	stateDirty nodeState = iota
	stateRecomputing
	stateClean
)

// recalcPass propagates formula changes from a set of start entities up the
// parent-child graph, and down to children whose formulas read their parent.
// State is tracked per pass: a node met again while it is still being
// recomputed closes a cycle and stops that branch.
type recalcPass struct {
	e        *Engine
	ctx      context.Context
	tenant   string
	state    map[Ref]nodeState
	defs     map[string]*schema.Definition
	inherits map[string]bool
}

// recalculate recomputes the formulas of every start entity and walks to
// their parents. From a start entity the walk always continues; further up
// it continues only while values change.
func (e *Engine) recalculate(ctx context.Context, tenant string, start ...Ref) error {
	if len(start) == 0 {
		return nil
	}
	p := &recalcPass{
		e:      e,
		ctx:    ctx,
		tenant: tenant,
		state:    make(map[Ref]nodeState),
		defs:     make(map[string]*schema.Definition),
		inherits: make(map[string]bool),
	}
	for _, ref := range start {
		if err := p.walk(ref, true); err != nil {
			return err
		}
	}
	return nil
}

// RecalculateDatatype recomputes the formulas of every entity of
// datatypename and propagates the changes.
func (e *Engine) RecalculateDatatype(ctx context.Context, tenant, datatypename string) error {
	db, def, err := e.load(ctx, tenant, datatypename)
	if err != nil {
		return err
	}
	rows, err := e.readRows(ctx, db, def, "")
	if err != nil {
		return err
	}
	refs := make([]Ref, len(rows))
	for i, obj := range rows {
		refs[i] = Ref{Datatype: def.Name, Name: obj.Name()}
	}
	if err := e.recalculate(ctx, tenant, refs...); err != nil {
		return fmt.Errorf("failed to recalculate %s: %w", def.Name, err)
	}
	e.logger.Debugw("recalculated datatype", "tenant", tenant, "datatype", def.Name, "entities", len(refs))
	return nil
}

// CreateDatatypeField declares a field through the catalog. Existing
// entities get the values of a new formula field right away.
func (e *Engine) CreateDatatypeField(ctx context.Context, tenant string, f schema.Field) error {
	if err := e.catalog.CreateDatatypeField(ctx, tenant, f); err != nil {
		return err
	}
	if f.FieldType != fieldtype.Formula {
		return nil
	}
	return e.RecalculateDatatype(ctx, tenant, f.DatatypeName)
}

func (p *recalcPass) walk(ref Ref, trigger bool) error {
	if p.state[ref] == stateRecomputing {
		p.e.logger.Warnw("formula dependency cycle, stopping propagation", "tenant", p.tenant, "entity", ref.String())
		return nil
	}
	p.state[ref] = stateRecomputing

	changed, err := p.recompute(ref)
	if err != nil {
		return err
	}
	if changed || trigger {
		if err := p.descend(ref); err != nil {
			return err
		}
		parents, err := p.e.parentsOf(p.ctx, p.tenant, ref)
		if err != nil {
			return err
		}
		for _, parent := range parents {
			if err := p.walk(parent, false); err != nil {
				return err
			}
		}
	}
	p.state[ref] = stateClean
	return nil
}

// descend recomputes the children of ref whose formulas call parent(), and
// their children in turn while values change. Children already being
// recomputed in this pass are left to that walk.
func (p *recalcPass) descend(ref Ref) error {
	children, err := p.e.childrenOf(p.ctx, p.tenant, ref)
	if err != nil {
		return err
	}
	for _, c := range children {
		inherits, err := p.inheritsFromParent(c.Datatype)
		if err != nil {
			return err
		}
		if !inherits || p.state[c] == stateRecomputing {
			continue
		}
		p.state[c] = stateRecomputing
		changed, err := p.recompute(c)
		if err != nil {
			return err
		}
		if changed {
			if err := p.descend(c); err != nil {
				return err
			}
		}
		p.state[c] = stateClean
	}
	return nil
}

// inheritsFromParent reports whether a formula of datatypename calls
// parent().
func (p *recalcPass) inheritsFromParent(datatypename string) (bool, error) {
	if v, ok := p.inherits[datatypename]; ok {
		return v, nil
	}
	def, err := p.definition(datatypename)
	if err != nil {
		return false, err
	}
	inherits := false
	if def != nil {
		for _, f := range def.FormulaFields() {
			if prog, err := p.e.formulas.Get(f.Formula); err == nil && prog.Calls(formula.FuncParent) {
				inherits = true
				break
			}
		}
	}
	p.inherits[datatypename] = inherits
	return inherits, nil
}

// definition returns the cached definition of datatypename, nil when the
// datatype does not exist.
func (p *recalcPass) definition(datatypename string) (*schema.Definition, error) {
	if def, ok := p.defs[datatypename]; ok {
		return def, nil
	}
	def, err := p.e.catalog.Definition(p.ctx, p.tenant, datatypename)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	p.defs[datatypename] = def
	return def, nil
}

// read returns the raw entity, nil when it or its datatype is gone.
func (p *recalcPass) read(ref Ref) (*schema.Definition, Object, error) {
	def, err := p.definition(ref.Datatype)
	if err != nil || def == nil {
		return nil, nil, err
	}
	db, err := p.e.tenants.Get(p.ctx, p.tenant)
	if err != nil {
		return nil, nil, err
	}
	obj, err := p.e.readOne(p.ctx, db, def, ref.Name)
	if err != nil {
		if isNotFound(err) {
			return def, nil, nil
		}
		return nil, nil, err
	}
	return def, obj, nil
}

// recompute evaluates the formula fields of ref in formula index order and
// stores those whose value changed.
func (p *recalcPass) recompute(ref Ref) (bool, error) {
	def, obj, err := p.read(ref)
	if err != nil || obj == nil {
		return false, err
	}
	formulas := def.FormulaFields()
	if len(formulas) == 0 {
		return false, nil
	}

	env := evalValues(def, obj)
	h := &hierarchyEnv{pass: p, ref: ref}
	var writes []assignment
	for _, f := range formulas {
		var next any
		prog, err := p.e.formulas.Get(f.Formula)
		if err == nil {
			var v float64
			if v, err = prog.Eval(env, h); err == nil {
				next = v
			}
		}
		if h.err != nil {
			return false, h.err
		}
		if err != nil {
			p.e.logger.Warnw("formula evaluation failed", "tenant", p.tenant, "entity", ref.String(), "field", f.Name, "error", err)
		}

		if next == nil {
			env[f.Name] = 0.0
		} else {
			env[f.Name] = next
		}
		if !sameValue(obj[f.Name], next) {
			writes = append(writes, assignment{column: f.Name, value: next})
		}
	}
	if len(writes) == 0 {
		return false, nil
	}

	db, err := p.e.tenants.Get(p.ctx, p.tenant)
	if err != nil {
		return false, err
	}
	if err := p.e.writeColumns(p.ctx, db, def, ref.Name, writes); err != nil {
		return false, err
	}
	p.e.logger.Debugw("recalculated formulas", "tenant", p.tenant, "entity", ref.String(), "changed", len(writes))
	return true, nil
}

// evalValues builds the variables an expression sees: every non-secret
// field, with missing numbers as 0.
func evalValues(def *schema.Definition, obj Object) map[string]any {
	env := make(map[string]any, len(def.Fields)+1)
	env[schema.NameField] = obj.Name()
	for _, f := range def.Fields {
		if f.FieldType == fieldtype.Password {
			continue
		}
		v := obj[f.Name]
		if v == nil && fieldtype.IsNumeric(def.Type(f.Name)) {
			v = 0.0
		}
		env[f.Name] = v
	}
	return env
}

func sameValue(old, next any) bool {
	if old == nil || next == nil {
		return old == nil && next == nil
	}
	a, ok1 := old.(float64)
	b, ok2 := next.(float64)
	return ok1 && ok2 && a == b
}

// hierarchyEnv answers the hierarchy functions of one entity. Storage
// failures are kept in err so the pass aborts instead of storing null.
type hierarchyEnv struct {
	pass *recalcPass
	ref  Ref
	err  error
}

func (h *hierarchyEnv) fail(err error) (float64, error) {
	if h.err == nil {
		h.err = err
	}
	return 0, err
}

// numeric reads field of ref as a number; absent entities, fields and
// non-numeric values count as 0.
func (h *hierarchyEnv) numeric(ref Ref, field string) (float64, error) {
	def, obj, err := h.pass.read(ref)
	if err != nil {
		return 0, err
	}
	if obj == nil {
		return 0, nil
	}
	_, ft, ok := def.Field(field)
	if !ok || !fieldtype.IsNumeric(ft) {
		return 0, nil
	}
	switch v := obj[field].(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	}
	return 0, nil
}

func (h *hierarchyEnv) ChildSum(field string) (float64, error) {
	children, err := h.pass.e.childrenOf(h.pass.ctx, h.pass.tenant, h.ref)
	if err != nil {
		return h.fail(err)
	}
	var sum float64
	for _, c := range children {
		v, err := h.numeric(c, field)
		if err != nil {
			return h.fail(fmt.Errorf("failed to read %s of %s: %w", field, c, err))
		}
		sum += v
	}
	return sum, nil
}

func (h *hierarchyEnv) ChildCount() (float64, error) {
	children, err := h.pass.e.childrenOf(h.pass.ctx, h.pass.tenant, h.ref)
	if err != nil {
		return h.fail(err)
	}
	return float64(len(children)), nil
}

func (h *hierarchyEnv) Parent(field string) (float64, error) {
	parents, err := h.pass.e.parentsOf(h.pass.ctx, h.pass.tenant, h.ref)
	if err != nil {
		return h.fail(err)
	}
	if len(parents) == 0 {
		return 0, nil
	}
	v, err := h.numeric(parents[0], field)
	if err != nil {
		return h.fail(err)
	}
	return v, nil
}
