package formula

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hilderonny/fm-sub000/internal/apperr"
)

type fakeHierarchy struct {
	children map[string][]float64
	parent   map[string]float64
	calls    int
}

func (f *fakeHierarchy) ChildSum(field string) (float64, error) {
	f.calls++
	var sum float64
	for _, v := range f.children[field] {
		sum += v
	}
	return sum, nil
}

func (f *fakeHierarchy) ChildCount() (float64, error) {
	f.calls++
	for _, vs := range f.children {
		return float64(len(vs)), nil
	}
	return 0, nil
}

func (f *fakeHierarchy) Parent(field string) (float64, error) {
	f.calls++
	return f.parent[field], nil
}

type failingHierarchy struct{ fakeHierarchy }

func (failingHierarchy) ChildSum(string) (float64, error) {
	return 0, errors.New("storage down")
}

func TestEval(t *testing.T) {
	h := &fakeHierarchy{
		children: map[string][]float64{"areatotal": {2, 3}},
		parent:   map[string]float64{"factor": 4},
	}
	tests := []struct {
		src    string
		values map[string]any
		want   float64
	}{
		{`areausable + childsum("areatotal")`, map[string]any{"areausable": 10.0}, 15},
		{`childcount() * 2`, nil, 4},
		{`parent("factor") * width`, map[string]any{"width": 2.5}, 10},
		{`width > 1 ? 1 : 0`, map[string]any{"width": 2.5}, 1},
		{`42`, nil, 42},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			p, err := Compile(tt.src)
			require.NoError(t, err)
			got, err := p.Eval(tt.values, h)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalErrors(t *testing.T) {
	h := &fakeHierarchy{}

	p, err := Compile(`name`)
	require.NoError(t, err)
	_, err = p.Eval(map[string]any{"name": "x"}, h)
	assert.Error(t, err, "strings are not numbers")

	p, err = Compile(`1 / zero`)
	require.NoError(t, err)
	_, err = p.Eval(map[string]any{"zero": 0.0}, h)
	assert.Error(t, err, "infinity is rejected")

	p, err = Compile(`childsum("a")`)
	require.NoError(t, err)
	_, err = p.Eval(nil, &failingHierarchy{})
	assert.ErrorContains(t, err, "storage down")
}

func TestCompileRejectsInvalidSource(t *testing.T) {
	for _, src := range []string{"", "1 +", "((("} {
		_, err := Compile(src)
		assert.True(t, errors.Is(err, apperr.ErrValidation), src)
	}
}

func TestCache(t *testing.T) {
	c := NewCache()
	a, err := c.Get("1 + 1")
	require.NoError(t, err)
	b, err := c.Get("1 + 1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = c.Get("1 +")
	assert.Error(t, err)
}

func TestReserved(t *testing.T) {
	assert.True(t, Reserved("childsum"))
	assert.True(t, Reserved("parent"))
	assert.False(t, Reserved("area"))
}

func TestCalls(t *testing.T) {
	tests := []struct {
		source string
		fn     string
		want   bool
	}{
		{`area * 2`, FuncParent, false},
		{`parent("area") + 1`, FuncParent, true},
		{`size > 0 ? parent("area") : 0`, FuncParent, true},
		{`area + childsum("total")`, FuncChildSum, true},
		{`area + childsum("total")`, FuncParent, false},
		{`childcount()`, FuncChildCount, true},
	}
	for _, tt := range tests {
		p, err := Compile(tt.source)
		require.NoError(t, err, tt.source)
		assert.Equal(t, tt.want, p.Calls(tt.fn), "%s calls %s", tt.source, tt.fn)
	}
}
