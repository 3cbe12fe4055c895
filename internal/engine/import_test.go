package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImport(t *testing.T) {
	f := newFixture(t)
	f.area(t, "A", 1)

	res, err := f.engine.Import(f.ctx, testTenant, "areas", []Object{
		{"name": "A", "area": 5.0, "total": 100.0},
		{"name": "N", "area": 2.0, "total": 100.0, "stray": "x"},
		{"area": 1.0},
		{"name": "bad/name"},
		{"name": "B", "area": "big"},
	})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Inserted: 1, Updated: 1, Skipped: 3}, res)
	assert.Equal(t, []any{5.0, 2.0}, f.totals(t, "A", "N"), "imported formula values are recomputed")

	_, err = f.engine.Get(f.ctx, testTenant, "areas", "B")
	assert.Error(t, err)
}

func TestImportKeepsNamesOfGeneratedDatatypes(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Import(f.ctx, testTenant, "rooms", []Object{{"name": "r1", "label": "Lab"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	got, err := f.engine.Get(f.ctx, testTenant, "rooms", "r1")
	require.NoError(t, err)
	assert.Equal(t, "Lab", got["label"])
}

func TestImportUnknownDatatype(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Import(f.ctx, testTenant, "nowhere", []Object{{"name": "x"}, {"name": "y"}})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Skipped: 2}, res)
}
