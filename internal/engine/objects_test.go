package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hilderonny/fm-sub000/internal/apperr"
	"github.com/hilderonny/fm-sub000/internal/fieldtype"
	"github.com/hilderonny/fm-sub000/internal/schema"
)

func TestInsertAndGet(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "buildings", Object{"name": "hq", "label": "Headquarters"})

	room := f.insert(t, "rooms", Object{
		"name":      "ignored",
		"label":     "Office",
		"size":      12.5,
		"heated":    true,
		"inspected": int64(1700000000000),
		"code":      "s3cret",
		"building":  "hq",
		"double":    99.0,
		"unknown":   "dropped",
	})

	name := room.Name()
	assert.Len(t, name, 24, "generated names replace given ones")
	assert.Equal(t, "Office", room["label"])
	assert.Equal(t, 12.5, room["size"])
	assert.Equal(t, true, room["heated"])
	assert.Equal(t, int64(1700000000000), room["inspected"])
	assert.Equal(t, "hq", room["building"])
	assert.Equal(t, 25.0, room["double"], "formula values are computed, never written")
	assert.NotContains(t, room, "code")
	assert.NotContains(t, room, "unknown")

	got, err := f.engine.Get(f.ctx, testTenant, "rooms", name)
	require.NoError(t, err)
	assert.Equal(t, room, got)

	_, err = f.engine.Get(f.ctx, testTenant, "rooms", "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = f.engine.Get(f.ctx, testTenant, "nowhere", name)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestInsertValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		dt   string
		obj  Object
		kind error
	}{
		{"required field missing", "rooms", Object{"size": 1.0}, apperr.ErrValidation},
		{"required field null", "rooms", Object{"label": nil}, apperr.ErrValidation},
		{"wrong type", "rooms", Object{"label": "x", "size": "big"}, apperr.ErrValidation},
		{"reference to missing entity", "rooms", Object{"label": "x", "building": "nope"}, apperr.ErrValidation},
		{"definable name missing", "areas", Object{"area": 1.0}, apperr.ErrValidation},
		{"invalid name", "areas", Object{"name": "a/b"}, apperr.ErrValidation},
		{"name not a string", "areas", Object{"name": 7}, apperr.ErrValidation},
		{"unknown datatype", "nowhere", Object{}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Insert(f.ctx, testTenant, tt.dt, tt.obj)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}

	room := f.insert(t, "rooms", Object{"label": "x", "building": nil})
	assert.Nil(t, room["building"])
}

func TestInsertConflictKeepsOriginal(t *testing.T) {
	f := newFixture(t)
	f.area(t, "A", 1)

	_, err := f.engine.Insert(f.ctx, testTenant, "areas", Object{"name": "A", "area": 50.0})
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	got, err := f.engine.Get(f.ctx, testTenant, "areas", "A")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got["area"])
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	room := f.insert(t, "rooms", Object{"label": "Office", "size": 10.0, "heated": true})
	name := room.Name()

	got, err := f.engine.Update(f.ctx, testTenant, "rooms", name, Object{
		"name":   "renamed",
		"size":   4.0,
		"double": 1000.0,
	})
	require.NoError(t, err)
	assert.Equal(t, name, got.Name(), "names are immutable")
	assert.Equal(t, "Office", got["label"], "absent fields stay")
	assert.Equal(t, true, got["heated"])
	assert.Equal(t, 4.0, got["size"])
	assert.Equal(t, 8.0, got["double"])

	_, err = f.engine.Update(f.ctx, testTenant, "rooms", name, Object{"label": nil})
	assert.True(t, errors.Is(err, apperr.ErrValidation), "required fields cannot be cleared")

	got, err = f.engine.Update(f.ctx, testTenant, "rooms", name, Object{"size": nil})
	require.NoError(t, err)
	assert.Nil(t, got["size"])
	assert.Equal(t, 0.0, got["double"], "missing numbers count as 0")

	_, err = f.engine.Update(f.ctx, testTenant, "rooms", "missing", Object{"size": 1.0})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestUpdateKeepsClientName(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.catalog.Install(f.ctx, testTenant, schema.Seed{
		Datatype: schema.Datatype{Name: "memberships"},
		Fields: []schema.Field{
			{Name: ClientNameField, FieldType: fieldtype.Text},
			{Name: "role", FieldType: fieldtype.Text},
		},
	}))
	m := f.insert(t, "memberships", Object{ClientNameField: "c1", "role": "viewer"})

	got, err := f.engine.Update(f.ctx, testTenant, "memberships", m.Name(), Object{ClientNameField: "c2", "role": "editor"})
	require.NoError(t, err)
	assert.Equal(t, "c1", got[ClientNameField])
	assert.Equal(t, "editor", got["role"])
}

func TestFormulaEvaluationErrorStoresNull(t *testing.T) {
	f := newFixture(t)
	room := f.insert(t, "rooms", Object{"label": "Office", "size": 1.0})
	assert.Nil(t, room["broken"])
	assert.Equal(t, 2.0, room["double"], "other formulas are unaffected")
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	f.area(t, "A", 1)
	f.insert(t, AttributeValuesDatatype, Object{"dynamicattributename": "color", "entityname": "A", "value": "red"})
	f.insert(t, AttributeValuesDatatype, Object{"dynamicattributename": "color", "entityname": "B", "value": "blue"})

	require.NoError(t, f.engine.Delete(f.ctx, testTenant, "areas", "A"))

	_, err := f.engine.Get(f.ctx, testTenant, "areas", "A")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Equal(t, []Ref{{Datatype: "areas", Name: "A"}}, f.artifacts.removed)

	values, err := f.engine.GetMany(f.ctx, testTenant, AttributeValuesDatatype, nil)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "B", values[0]["entityname"])

	err = f.engine.Delete(f.ctx, testTenant, "areas", "A")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestDeleteWhere(t *testing.T) {
	f := newFixture(t)
	for _, label := range []string{"a", "a", "b"} {
		f.insert(t, "rooms", Object{"label": label})
	}
	n, err := f.engine.DeleteWhere(f.ctx, testTenant, "rooms", "label", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rest, err := f.engine.GetMany(f.ctx, testTenant, "rooms", nil)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", rest[0]["label"])
}

func TestGetMany(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "rooms", Object{"label": "a", "size": 2.0, "heated": true})
	f.insert(t, "rooms", Object{"label": "b", "size": 2.0, "heated": false})
	f.insert(t, "rooms", Object{"label": "c"})

	tests := []struct {
		name   string
		filter Filter
		labels []string
	}{
		{"no filter", nil, []string{"a", "b", "c"}},
		{"typed value", Filter{"size": 2.0}, []string{"a", "b"}},
		{"string value", Filter{"size": "2"}, []string{"a", "b"}},
		{"two fields", Filter{"size": 2.0, "heated": "true"}, []string{"a"}},
		{"null", Filter{"size": nil}, []string{"c"}},
		{"no match", Filter{"label": "z"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := f.engine.GetMany(f.ctx, testTenant, "rooms", tt.filter)
			require.NoError(t, err)
			var labels []string
			for _, r := range rows {
				labels = append(labels, r["label"].(string))
				assert.NotContains(t, r, "code")
			}
			assert.ElementsMatch(t, tt.labels, labels)
		})
	}

	_, err := f.engine.GetMany(f.ctx, testTenant, "rooms", Filter{"nope": 1})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = f.engine.GetMany(f.ctx, testTenant, "rooms", Filter{"code": "x"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = f.engine.GetMany(f.ctx, testTenant, "rooms", Filter{"size": "big"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestGetByNames(t *testing.T) {
	f := newFixture(t, testTenant, "other")
	f.area(t, "A", 1)
	f.area(t, "B", 2)
	f.area(t, "C", 3)

	got, err := f.engine.GetByNames(f.ctx, testTenant, "areas", []string{"C", "A", "missing", "A", "bad/name"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "C", got[0].Name())
	assert.Equal(t, "A", got[1].Name())

	got, err = f.engine.GetByNames(f.ctx, "other", "areas", []string{"A", "B"})
	require.NoError(t, err)
	assert.Empty(t, got, "tenants do not see each other")

	got, err = f.engine.GetByNames(f.ctx, testTenant, "areas", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVerifyPassword(t *testing.T) {
	f := newFixture(t)
	room := f.insert(t, "rooms", Object{"label": "Vault", "code": "s3cret"})

	ok, err := f.engine.VerifyPassword(f.ctx, testTenant, "rooms", room.Name(), "code", "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.engine.VerifyPassword(f.ctx, testTenant, "rooms", room.Name(), "code", "guess")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.engine.VerifyPassword(f.ctx, testTenant, "rooms", room.Name(), "label", "Vault")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.engine.VerifyPassword(f.ctx, testTenant, "rooms", "missing", "code", "x")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	other := f.insert(t, "rooms", Object{"label": "Open"})
	ok, err = f.engine.VerifyPassword(f.ctx, testTenant, "rooms", other.Name(), "code", "")
	require.NoError(t, err)
	assert.False(t, ok)
}
