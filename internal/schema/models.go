package schema

import (
	"fmt"
	"sort"

	"github.com/hilderonny/fm-sub000/internal/fieldtype"
)

// NameField is the primary key column of every datatype table.
const NameField = "name"

// Catalog table names.
const (
	DatatypesTable      = "datatypes"
	DatatypeFieldsTable = "datatypefields"
)

// Datatype is a declared entity type. It owns one physical table named
// after it.
type Datatype struct {
	Name          string   `json:"name"`
	Label         string   `json:"label"`
	PluralLabel   string   `json:"plurallabel"`
	Icon          string   `json:"icon,omitempty"`
	Lists         []string `json:"lists"`
	CanDefineName bool     `json:"candefinename"`
	CanDelete     bool     `json:"candelete"`
	IsPredefined  bool     `json:"ispredefined"`
}

// InList reports whether the datatype is shown in the named list.
func (d Datatype) InList(list string) bool {
	for _, l := range d.Lists {
		if l == list {
			return true
		}
	}
	return false
}

// Field is a declared attribute of a datatype. It owns one physical column.
// Ordinal is the declaration position within the datatype.
type Field struct {
	DatatypeName string `json:"datatypename"`
	Name         string `json:"name"`
	Ordinal      int    `json:"ordinal"`
	Label        string `json:"label"`
	FieldType    string `json:"fieldtype"`
	IsRequired   bool   `json:"isrequired"`
	IsNullable   bool   `json:"isnullable"`
	Reference    string `json:"reference,omitempty"`
	Formula      string `json:"formula,omitempty"`
	FormulaIndex int    `json:"formulaindex"`
	IsHidden     bool   `json:"ishidden"`
	IsPredefined bool   `json:"ispredefined"`
}

// Definition is a datatype together with its resolved fields. It is the
// allow-list of column names statements may interpolate.
type Definition struct {
	Datatype
	Fields []Field

	types  map[string]fieldtype.FieldType
	byName map[string]int
}

// NewDefinition resolves the field types of fields.
func NewDefinition(dt Datatype, fields []Field) (*Definition, error) {
	d := &Definition{
		Datatype: dt,
		Fields:   fields,
		types:    make(map[string]fieldtype.FieldType, len(fields)),
		byName:   make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		ft, err := fieldtype.Lookup(f.FieldType)
		if err != nil {
			return nil, fmt.Errorf("datatype %s field %s: %w", dt.Name, f.Name, err)
		}
		d.types[f.Name] = ft
		d.byName[f.Name] = i
	}
	return d, nil
}

// Field returns the named field and its type.
func (d *Definition) Field(name string) (Field, fieldtype.FieldType, bool) {
	i, ok := d.byName[name]
	if !ok {
		return Field{}, nil, false
	}
	f := d.Fields[i]
	return f, d.types[f.Name], true
}

// Type returns the field type of the named field, nil if unknown.
func (d *Definition) Type(name string) fieldtype.FieldType {
	return d.types[name]
}

// Columns returns the name column followed by every field column.
func (d *Definition) Columns() []string {
	cols := make([]string, 0, len(d.Fields)+1)
	cols = append(cols, NameField)
	for _, f := range d.Fields {
		cols = append(cols, f.Name)
	}
	return cols
}

// FormulaFields returns the formula fields in evaluation order.
func (d *Definition) FormulaFields() []Field {
	var out []Field
	for _, f := range d.Fields {
		if f.FieldType == fieldtype.Formula {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FormulaIndex != out[j].FormulaIndex {
			return out[i].FormulaIndex < out[j].FormulaIndex
		}
		return out[i].Name < out[j].Name
	})
	return out
}
