// Package formula compiles and evaluates the expressions of formula fields.
//
// Expressions use the expr language (https://expr-lang.org) and see the
// entity's own field values as variables, plus three hierarchy functions:
//
//	childsum("field")  sum of field over the parent-child children
//	childcount()       number of parent-child children
//	parent("field")    field of the first parent, 0 without one
//
// Example: areausable + childsum("areatotal")
package formula

import (
	"fmt"
	"math"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"

	"github.com/hilderonny/fm-sub000/internal/apperr"
)

// Function names reserved inside expressions. Fields cannot use them.
const (
	FuncChildSum   = "childsum"
	FuncChildCount = "childcount"
	FuncParent     = "parent"
)

// Reserved reports whether name collides with a built-in function.
func Reserved(name string) bool {
	switch name {
	case FuncChildSum, FuncChildCount, FuncParent:
		return true
	}
	return false
}

// Hierarchy resolves the hierarchy functions for the entity being evaluated.
// Implementations load lazily so expressions that never call them cost no
// queries.
type Hierarchy interface {
	ChildSum(field string) (float64, error)
	ChildCount() (float64, error)
	Parent(field string) (float64, error)
}

// Program is a compiled expression.
type Program struct {
	Source  string
	program *vm.Program
	calls   map[string]bool
}

// Calls reports whether the expression calls the named hierarchy function.
func (p *Program) Calls(fn string) bool {
	return p.calls[fn]
}

// callCollector records the identifiers called anywhere in an expression.
type callCollector map[string]bool

func (c callCollector) Visit(node *ast.Node) {
	if call, ok := (*node).(*ast.CallNode); ok {
		if id, ok := call.Callee.(*ast.IdentifierNode); ok {
			c[id.Value] = true
		}
	}
}

// Compile parses source. Variables are resolved at evaluation time, so any
// field name is accepted here.
func Compile(source string) (*Program, error) {
	if source == "" {
		return nil, apperr.Validation("formula", "formula expression is empty")
	}
	p, err := expr.Compile(source)
	if err != nil {
		return nil, apperr.Validation("formula", "invalid formula: %v", err)
	}
	calls := callCollector{}
	root := p.Node()
	ast.Walk(&root, calls)
	return &Program{Source: source, program: p, calls: calls}, nil
}

// Eval runs the program against values and returns a finite number.
func (p *Program) Eval(values map[string]any, h Hierarchy) (float64, error) {
	env := make(map[string]any, len(values)+3)
	for k, v := range values {
		env[k] = v
	}
	env[FuncChildSum] = h.ChildSum
	env[FuncChildCount] = h.ChildCount
	env[FuncParent] = h.Parent

	out, err := expr.Run(p.program, env)
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate %q: %w", p.Source, err)
	}
	f, err := toFloat(out)
	if err != nil {
		return 0, fmt.Errorf("formula %q: %w", p.Source, err)
	}
	return f, nil
}

func toFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case bool:
		if n {
			f = 1
		}
	default:
		return 0, fmt.Errorf("result must be a number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return f, nil
}

// Cache memoizes compiled programs by source text.
type Cache struct {
	mu       sync.Mutex
	programs map[string]*Program
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{programs: make(map[string]*Program)}
}

// Get returns the compiled program for source, compiling it on first use.
func (c *Cache) Get(source string) (*Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[source]; ok {
		return p, nil
	}
	p, err := Compile(source)
	if err != nil {
		return nil, err
	}
	c.programs[source] = p
	return p, nil
}
