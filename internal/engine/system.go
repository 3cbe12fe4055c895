package engine

import (
	"github.com/hilderonny/fm-sub000/internal/fieldtype"
	"github.com/hilderonny/fm-sub000/internal/schema"
)

// AttributeValuesDatatype stores values of dynamic attributes keyed by the
// entity they belong to.
const AttributeValuesDatatype = "dynamicattributevalues"

// SystemSeeds returns the datatypes the engine itself relies on. Every
// tenant database carries them.
func SystemSeeds() []schema.Seed {
	text := func(name string) schema.Field {
		return schema.Field{Name: name, Label: name, FieldType: fieldtype.Text, IsPredefined: true}
	}
	return []schema.Seed{
		{
			Datatype: schema.Datatype{
				Name:         RelationsDatatype,
				Label:        "Relation",
				PluralLabel:  "Relations",
				Icon:         "/css/icons/material/Link.svg",
				Lists:        []string{},
				CanDelete:    true,
				IsPredefined: true,
			},
			Fields: []schema.Field{
				text(fieldDatatype1),
				text(fieldName1),
				text(fieldDatatype2),
				text(fieldName2),
				text(fieldRelType),
			},
		},
		{
			Datatype: schema.Datatype{
				Name:         AttributeValuesDatatype,
				Label:        "Dynamic attribute value",
				PluralLabel:  "Dynamic attribute values",
				Lists:        []string{},
				CanDelete:    true,
				IsPredefined: true,
			},
			Fields: []schema.Field{
				text("dynamicattributename"),
				text("entityname"),
				text("value"),
			},
		},
	}
}
