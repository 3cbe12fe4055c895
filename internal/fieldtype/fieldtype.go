// Package fieldtype maps the abstract field-type tags of the schema catalog
// onto storage kinds and validation rules.
//
// Each tag is one FieldType implementation. Accept validates a value coming
// from a client (create, update, import) and returns what is bound as the
// statement parameter; Decode normalizes what a driver returns into the
// values the API serves.
package fieldtype

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/hilderonny/fm-sub000/internal/apperr"
	"github.com/hilderonny/fm-sub000/internal/sqldb"
)

// Field type tags as stored in datatypefields.fieldtype.
const (
	Text      = "text"
	Decimal   = "decimal"
	Boolean   = "boolean"
	DateTime  = "datetime"
	Formula   = "formula"
	Password  = "password"
	Reference = "reference"
)

// FieldType is the capability every field-type variant implements.
type FieldType interface {
	Name() string
	Kind() sqldb.Kind
	// Writable is false for types clients may never set.
	Writable() bool
	// Accept validates a client value for field and returns the value to bind.
	Accept(field string, v any) (any, error)
	// Decode converts a stored value into its API representation.
	Decode(raw any) (any, error)
}

// TypeInfo describes a field type for clients building datatype forms.
type TypeInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Storage     string `json:"storage"`
}

var types = map[string]FieldType{
	Text:      textType{name: Text},
	Reference: textType{name: Reference},
	Password:  passwordType{},
	Decimal:   decimalType{},
	DateTime:  dateTimeType{},
	Boolean:   booleanType{},
	Formula:   formulaType{},
}

// AllowedTypes is the canonical list of supported field types.
var AllowedTypes = []TypeInfo{
	{Name: Text, Description: "Free text", Storage: sqldb.KindText.String()},
	{Name: Decimal, Description: "Decimal number", Storage: sqldb.KindDecimal.String()},
	{Name: Boolean, Description: "true/false", Storage: sqldb.KindBoolean.String()},
	{Name: DateTime, Description: "Point in time as epoch milliseconds", Storage: sqldb.KindInteger.String()},
	{Name: Formula, Description: "Server computed number", Storage: sqldb.KindDecimal.String()},
	{Name: Password, Description: "One-way hashed secret", Storage: sqldb.KindText.String()},
	{Name: Reference, Description: "Name of an entity of another datatype", Storage: sqldb.KindText.String()},
}

// Lookup returns the FieldType for tag.
func Lookup(tag string) (FieldType, error) {
	ft, ok := types[tag]
	if !ok {
		return nil, apperr.Validation("fieldtype", "unknown field type %q", tag)
	}
	return ft, nil
}

// IsNumeric reports whether values of the type are numbers.
func IsNumeric(ft FieldType) bool {
	k := ft.Kind()
	return k == sqldb.KindDecimal || k == sqldb.KindInteger
}

type textType struct{ name string }

func (t textType) Name() string   { return t.name }
func (textType) Kind() sqldb.Kind { return sqldb.KindText }
func (textType) Writable() bool   { return true }

func (t textType) Accept(field string, v any) (any, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		return s, nil
	}
	return nil, apperr.Validation(field, "%s value must be a string, got %T", t.name, v)
}

func (textType) Decode(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	return sqldb.AsString(raw), nil
}

type decimalType struct{}

func (decimalType) Name() string     { return Decimal }
func (decimalType) Kind() sqldb.Kind { return sqldb.KindDecimal }
func (decimalType) Writable() bool   { return true }

func (decimalType) Accept(field string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	f, err := number(v)
	if err != nil {
		return nil, apperr.Validation(field, "decimal value must be a number, got %T", v)
	}
	return f, nil
}

func (decimalType) Decode(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	return sqldb.AsFloat64(raw)
}

type dateTimeType struct{}

func (dateTimeType) Name() string     { return DateTime }
func (dateTimeType) Kind() sqldb.Kind { return sqldb.KindInteger }
func (dateTimeType) Writable() bool   { return true }

func (dateTimeType) Accept(field string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	f, err := number(v)
	if err != nil {
		return nil, apperr.Validation(field, "datetime value must be an epoch number, got %T", v)
	}
	return int64(f), nil
}

func (dateTimeType) Decode(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	return sqldb.AsInt64(raw)
}

type booleanType struct{}

func (booleanType) Name() string     { return Boolean }
func (booleanType) Kind() sqldb.Kind { return sqldb.KindBoolean }
func (booleanType) Writable() bool   { return true }

func (booleanType) Accept(field string, v any) (any, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return b, nil
	}
	return nil, apperr.Validation(field, "boolean value must be true or false, got %T", v)
}

func (booleanType) Decode(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	return sqldb.AsBool(raw)
}

// formulaType values are produced by the recalculator only.
type formulaType struct{}

func (formulaType) Name() string     { return Formula }
func (formulaType) Kind() sqldb.Kind { return sqldb.KindDecimal }
func (formulaType) Writable() bool   { return false }

func (formulaType) Accept(string, any) (any, error) { return nil, nil }

func (formulaType) Decode(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	return sqldb.AsFloat64(raw)
}

// number accepts the numeric shapes a decoded JSON payload or a Go caller
// may carry. Strings are not numbers.
func number(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	return f, nil
}
