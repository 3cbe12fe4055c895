package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/hilderonny/fm-sub000/internal/apperr"
)

// Seed is a predefined datatype with its fields.
type Seed struct {
	Datatype Datatype
	Fields   []Field
}

// Install declares every seed that is not present yet. All datatypes are
// created before any field so references between seeds resolve in any
// order. Existing datatypes and fields are left untouched.
func (c *Catalog) Install(ctx context.Context, tenant string, seeds ...Seed) error {
	for _, s := range seeds {
		err := c.CreateDatatype(ctx, tenant, s.Datatype)
		if err != nil && !errors.Is(err, apperr.ErrConflict) {
			return fmt.Errorf("failed to install datatype %s: %w", s.Datatype.Name, err)
		}
	}
	for _, s := range seeds {
		for _, f := range s.Fields {
			f.DatatypeName = s.Datatype.Name
			err := c.CreateDatatypeField(ctx, tenant, f)
			if err != nil && !errors.Is(err, apperr.ErrConflict) {
				return fmt.Errorf("failed to install field %s.%s: %w", f.DatatypeName, f.Name, err)
			}
		}
	}
	return nil
}
